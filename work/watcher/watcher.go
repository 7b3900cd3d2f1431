package watcher

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"kptv-station/work/config"
	"kptv-station/work/logger"
	"kptv-station/work/manager"
	"kptv-station/work/stream"

	"github.com/puzpuzpuz/xsync/v3"
)

// WatcherManager coordinates per-channel health watchers across all running
// channels. It operates independently of client connections and the producer
// loops, continuously checking output activity and, periodically, probing the
// actual transport stream content with ffprobe. When a channel looks
// persistently unhealthy the manager forces a full stop/start cycle through
// the channel manager, which resets the channel's restart budget.
//
// The manager is the application's types.Watchdog implementation: producer
// loops report output through ReportOutput, and watchers read those
// timestamps instead of polling producer internals.
//
// Responsibilities:
//   - Lifecycle management for individual channel watchers
//   - Stall detection from producer output telemetry
//   - Periodic deep content validation via ffprobe on recent output
//   - Forced restarts for channels stuck in unhealthy states
//   - Cleanup of watchers whose channels have stopped
type WatcherManager struct {
	cfg      *config.Config
	log      *logger.Logger
	mgr      *manager.Manager
	watchers *xsync.MapOf[int64, *ChannelWatcher]
	activity *xsync.MapOf[int64, *atomic.Int64] // channel ID -> unix time of last reported output
	enabled  atomic.Bool
	stopChan chan struct{}
}

// ChannelWatcher monitors one channel's playout health. It tracks consecutive
// and windowed failure counts and only escalates to a forced restart when both
// cross their thresholds, so a single slow source read never triggers a
// disruptive restart.
type ChannelWatcher struct {
	channelID           int64
	channelName         string
	cs                  *stream.ChannelStream
	wm                  *WatcherManager
	ctx                 context.Context
	cancel              context.CancelFunc
	startedAt           time.Time
	lastFailureReset    time.Time
	consecutiveFailures atomic.Int32
	totalFailures       atomic.Int32
	probeCheckCount     atomic.Int32
	running             atomic.Bool
}

// streamHealth is the distilled result of an ffprobe pass over recent output.
type streamHealth struct {
	Valid      bool
	HasVideo   bool
	HasAudio   bool
	Bitrate    int64
	Resolution string
}

const (
	checkInterval      = 30 * time.Second
	debugCheckInterval = 15 * time.Second
	gracePeriod        = 30 * time.Second
	stallThreshold     = 30 // Seconds without output before a check counts as a failure
	failureThreshold   = 3  // Consecutive AND windowed failures required to force a restart
	failureResetWindow = 15 * time.Minute
	probeEveryNthCheck = 10
	probeDataLimit     = 2 * 1024 * 1024
	minAcceptedBitrate = 10000 // bps; below this the output is junk even if decodable
)

// NewWatcherManager creates a WatcherManager. It starts disabled; Start
// activates monitoring.
func NewWatcherManager(cfg *config.Config, log *logger.Logger, mgr *manager.Manager) *WatcherManager {
	return &WatcherManager{
		cfg:      cfg,
		log:      log,
		mgr:      mgr,
		watchers: xsync.NewMapOf[int64, *ChannelWatcher](),
		activity: xsync.NewMapOf[int64, *atomic.Int64](),
		stopChan: make(chan struct{}),
	}
}

// ReportOutput records producer output telemetry. Called from the hot publish
// path, so it does nothing beyond a timestamp store.
func (wm *WatcherManager) ReportOutput(channelID int64, _ int) {
	entry, _ := wm.activity.LoadOrStore(channelID, &atomic.Int64{})
	entry.Store(time.Now().Unix())
}

// Start activates the manager and its background cleanup routine. Idempotent.
func (wm *WatcherManager) Start() {
	if !wm.enabled.CompareAndSwap(false, true) {
		return
	}
	go wm.cleanupRoutine()
}

// Stop terminates the manager and every active watcher. Idempotent.
func (wm *WatcherManager) Stop() {
	if !wm.enabled.CompareAndSwap(true, false) {
		return
	}
	close(wm.stopChan)
	wm.watchers.Range(func(_ int64, w *ChannelWatcher) bool {
		w.stop()
		return true
	})
}

// WatchChannel begins monitoring a channel's stream, replacing any existing
// watcher for the same channel.
func (wm *WatcherManager) WatchChannel(cs *stream.ChannelStream) {
	if !wm.enabled.Load() {
		return
	}

	channelID := cs.Channel.ID
	if existing, ok := wm.watchers.LoadAndDelete(channelID); ok {
		existing.stop()
	}

	w := &ChannelWatcher{
		channelID:        channelID,
		channelName:      cs.Channel.Name,
		cs:               cs,
		wm:               wm,
		startedAt:        time.Now(),
		lastFailureReset: time.Now(),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	wm.watchers.Store(channelID, w)

	go w.watch()
	wm.log.Debug("[WATCHER] Started watching channel %d (%s)", cs.Channel.Number, cs.Channel.Name)
}

// UnwatchChannel stops monitoring a channel.
func (wm *WatcherManager) UnwatchChannel(channelID int64) {
	if w, ok := wm.watchers.LoadAndDelete(channelID); ok {
		w.stop()
		wm.log.Debug("[WATCHER] Stopped watching channel %d", channelID)
	}
}

// cleanupRoutine periodically drops watchers whose channels are no longer
// running, so stopped channels do not accumulate monitoring goroutines.
func (wm *WatcherManager) cleanupRoutine() {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-wm.stopChan:
			return
		case <-ticker.C:
			wm.watchers.Range(func(id int64, w *ChannelWatcher) bool {
				cs, ok := wm.mgr.Loaded(id)
				if !ok || !cs.State().Running() {
					w.stop()
					wm.watchers.Delete(id)
				}
				return true
			})
		}
	}
}

// lastActivity returns the unix time of the channel's last reported output,
// 0 when nothing was ever reported.
func (wm *WatcherManager) lastActivity(channelID int64) int64 {
	if entry, ok := wm.activity.Load(channelID); ok {
		return entry.Load()
	}
	return 0
}

// watch is the per-channel monitoring loop. It runs until stopped or until
// the channel leaves the running states.
func (w *ChannelWatcher) watch() {
	if !w.running.CompareAndSwap(false, true) {
		return
	}
	defer w.running.Store(false)

	interval := checkInterval
	if w.wm.cfg.Debug {
		interval = debugCheckInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	w.wm.log.Debug("[WATCHER] Channel %s: monitoring every %v", w.channelName, interval)

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			if !w.cs.State().Running() {
				return
			}
			w.checkHealth()
		}
	}
}

func (w *ChannelWatcher) stop() {
	if w.cancel != nil {
		w.cancel()
	}
}

// checkHealth runs one assessment cycle and escalates to a forced restart
// when both failure counters cross the threshold. Counters reset on recovery
// (consecutive immediately, windowed after a sustained healthy period).
func (w *ChannelWatcher) checkHealth() {
	hasIssues := w.evaluate()

	if hasIssues {
		consecutive := w.consecutiveFailures.Add(1)
		total := w.totalFailures.Add(1)
		w.wm.log.Debug("[WATCHER] Channel %s: health issue (consecutive %d, windowed %d)",
			w.channelName, consecutive, total)

		if consecutive >= failureThreshold && total >= failureThreshold {
			w.forceRestart()
			w.consecutiveFailures.Store(0)
			w.totalFailures.Store(0)
			w.lastFailureReset = time.Now()
		}
		return
	}

	w.consecutiveFailures.Store(0)
	if time.Since(w.lastFailureReset) > failureResetWindow {
		w.totalFailures.Store(0)
		w.lastFailureReset = time.Now()
	}
}

// evaluate performs one health assessment from existing producer state,
// without touching the source. Newly started channels get a grace period so
// slow source spin-up never counts as a failure.
func (w *ChannelWatcher) evaluate() bool {
	if time.Since(w.startedAt) < gracePeriod {
		return false
	}

	hasIssues := false

	if w.cs.Window.Closed() {
		w.wm.log.Debug("[WATCHER] Channel %s: output window closed", w.channelName)
		hasIssues = true
	}

	lastOutput := w.wm.lastActivity(w.channelID)
	if lastOutput == 0 {
		lastOutput = w.cs.LastOutputUnix()
	}
	if sinceOutput := time.Now().Unix() - lastOutput; sinceOutput > stallThreshold {
		w.wm.log.Debug("[WATCHER] Channel %s: no output for %ds", w.channelName, sinceOutput)
		hasIssues = true
	}

	if w.shouldProbe() {
		if w.evaluateProbe(w.probeRecentOutput()) {
			hasIssues = true
		}
	}

	return hasIssues
}

// shouldProbe rations ffprobe runs to every Nth check; deep content analysis
// is expensive relative to the state checks.
func (w *ChannelWatcher) shouldProbe() bool {
	return w.probeCheckCount.Add(1)%probeEveryNthCheck == 0
}

// probeRecentOutput feeds the channel's recent output window to ffprobe and
// parses the resulting stream characteristics. An invalid result (no data,
// probe failure) is inconclusive, not a failure.
func (w *ChannelWatcher) probeRecentOutput() streamHealth {
	health := streamHealth{}

	data := w.cs.Window.PeekRecent(probeDataLimit)
	if len(data) == 0 {
		return health
	}

	ctx, cancel := context.WithTimeout(w.ctx, 20*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		"-analyzeduration", "2M",
		"-probesize", "2M",
		"-fflags", "nobuffer+discardcorrupt",
		"-i", "pipe:0")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		w.wm.log.Error("[WATCHER] Channel %s: ffprobe stdin pipe: %v", w.channelName, err)
		return health
	}

	go func() {
		defer stdin.Close()
		stdin.Write(data)
	}()

	output, err := cmd.Output()
	if err != nil {
		if cmd.Process != nil {
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		w.wm.log.Debug("[WATCHER] Channel %s: ffprobe failed (non-fatal): %v", w.channelName, err)
		return health
	}

	var result struct {
		Format struct {
			BitRate string `json:"bit_rate"`
		} `json:"format"`
		Streams []struct {
			CodecType string `json:"codec_type"`
			CodecName string `json:"codec_name"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(output, &result); err != nil {
		w.wm.log.Error("[WATCHER] Channel %s: ffprobe output parse: %v", w.channelName, err)
		return health
	}

	for _, s := range result.Streams {
		switch s.CodecType {
		case "video":
			health.HasVideo = s.Width > 0 && s.Height > 0
			if health.HasVideo {
				health.Resolution = fmt.Sprintf("%dx%d", s.Width, s.Height)
			}
		case "audio":
			health.HasAudio = s.CodecName != ""
		}
	}
	if result.Format.BitRate != "" {
		if bitrate, err := strconv.ParseInt(result.Format.BitRate, 10, 64); err == nil {
			health.Bitrate = bitrate
		}
	}

	health.Valid = true
	return health
}

// evaluateProbe flags only the critical cases: output with neither video nor
// any measurable bitrate, or output whose bitrate is below the junk floor.
func (w *ChannelWatcher) evaluateProbe(health streamHealth) bool {
	if !health.Valid {
		return false
	}

	if !health.HasVideo && health.Bitrate == 0 {
		w.wm.log.Debug("[WATCHER] Channel %s: no video and no bitrate in recent output", w.channelName)
		return true
	}
	if health.Bitrate > 0 && health.Bitrate < minAcceptedBitrate {
		w.wm.log.Debug("[WATCHER] Channel %s: bitrate too low (%d bps)", w.channelName, health.Bitrate)
		return true
	}

	w.wm.log.Debug("[WATCHER] Channel %s: probe OK, video=%v audio=%v bitrate=%d res=%s",
		w.channelName, health.HasVideo, health.HasAudio, health.Bitrate, health.Resolution)
	return false
}

// forceRestart cycles the channel through the manager. Stop-then-start gives
// the channel a fresh restart budget, which is the escalation path for a
// channel the supervisory loop alone cannot recover.
func (w *ChannelWatcher) forceRestart() {
	w.wm.log.Warn("[WATCHER] Channel %s: persistent failures, forcing restart", w.channelName)

	w.wm.mgr.StopChannel(w.channelID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.wm.mgr.StartChannel(ctx, w.channelID); err != nil {
		w.wm.log.Error("[WATCHER] Channel %s: forced restart failed: %v", w.channelName, err)
		return
	}
	w.startedAt = time.Now()
}
