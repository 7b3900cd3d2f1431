package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"kptv-station/work/buffer"
	"kptv-station/work/config"
	"kptv-station/work/filler"
	"kptv-station/work/hub"
	"kptv-station/work/logger"
	"kptv-station/work/metrics"
	"kptv-station/work/schedule"
	"kptv-station/work/types"
)

// ChannelStream owns one channel's playout: a single producer goroutine that
// walks the schedule, transcodes items and publishes chunks to the broadcast
// hub, plus the supervisory loop that restarts the producer with exponential
// backoff when it fails. Optional capabilities (error screen, watchdog) are
// nil when disabled; presence is checked at the call site.
type ChannelStream struct {
	Channel *types.Channel

	cfg         *config.Config
	log         *logger.Logger
	store       types.Store
	resolver    types.Resolver
	transcoder  types.Transcoder
	errorScreen types.ErrorScreen // nil when disabled
	watchdog    types.Watchdog    // nil when disabled
	fillers     *filler.Selector

	Hub     *hub.Hub
	Window  *buffer.Window
	buffers *buffer.Pool

	state    atomic.Int32
	restarts atomic.Int32

	bytesStreamed atomic.Int64
	lastOutput    atomic.Int64 // Unix seconds of the last published chunk

	posMu    sync.Mutex
	position types.Position

	// Lifecycle fields, swapped on every Start under lifeMu
	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Deps bundles the collaborators a ChannelStream needs. ErrorScreen and
// Watchdog may be nil.
type Deps struct {
	Config      *config.Config
	Logger      *logger.Logger
	Store       types.Store
	Resolver    types.Resolver
	Transcoder  types.Transcoder
	ErrorScreen types.ErrorScreen
	Watchdog    types.Watchdog
	Fillers     *filler.Selector
	Buffers     *buffer.Pool
}

// New creates a ChannelStream for channel. The producer is not started;
// Start or the first Subscribe does that.
func New(channel *types.Channel, deps Deps) *ChannelStream {
	return &ChannelStream{
		Channel:     channel,
		cfg:         deps.Config,
		log:         deps.Logger,
		store:       deps.Store,
		resolver:    deps.Resolver,
		transcoder:  deps.Transcoder,
		errorScreen: deps.ErrorScreen,
		watchdog:    deps.Watchdog,
		fillers:     deps.Fillers,
		Hub:         hub.New(deps.Config.ChunkQueueSize),
		Window:      buffer.NewWindow(deps.Config.RecentWindowSize),
		buffers:     deps.Buffers,
	}
}

// State returns the current lifecycle state.
func (cs *ChannelStream) State() types.ChannelState {
	return types.ChannelState(cs.state.Load())
}

// Start launches the producer if it is not already running. Idempotent:
// concurrent and repeated calls while the producer lives are no-ops. A
// channel in StoppedFailed is restarted with a fresh restart budget; this is
// the external intervention that clears the terminal state.
func (cs *ChannelStream) Start() error {
	cs.lifeMu.Lock()
	defer cs.lifeMu.Unlock()

	if !cs.state.CompareAndSwap(int32(types.StateIdle), int32(types.StateRunning)) &&
		!cs.state.CompareAndSwap(int32(types.StateStoppedFailed), int32(types.StateRunning)) {
		return nil
	}

	cs.restarts.Store(0)
	cs.Hub.Reset()
	cs.Window.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	cs.cancel = cancel
	cs.done = make(chan struct{})

	cs.log.Info("[STREAM] Starting channel %d (%s)", cs.Channel.Number, cs.Channel.Name)
	go cs.run(ctx, cs.done)
	return nil
}

// Stop cancels the producer, waits a bounded time for it to exit, persists
// the final position and ends all attached client streams. Safe to call on a
// channel that never started. lifeMu is held through the final state store so
// a concurrent Start lands strictly before or strictly after the teardown,
// never between producer exit and the Idle transition.
func (cs *ChannelStream) Stop() {
	cs.lifeMu.Lock()
	defer cs.lifeMu.Unlock()

	if cs.cancel != nil {
		cs.cancel()
	}
	if cs.done != nil {
		select {
		case <-cs.done:
		case <-time.After(cs.cfg.StopTimeout):
			cs.log.Warn("[STREAM] Channel %d producer did not exit within %s", cs.Channel.Number, cs.cfg.StopTimeout)
		}
	}

	cs.persistPosition(context.Background())
	cs.Hub.EndAll()
	cs.state.Store(int32(types.StateIdle))
	cs.log.Info("[STREAM] Stopped channel %d (%s)", cs.Channel.Number, cs.Channel.Name)
}

// Subscribe attaches a new client, starting the producer on demand. A channel
// that exhausted its restart budget refuses clients until externally restarted.
func (cs *ChannelStream) Subscribe() (*hub.Client, error) {
	if cs.State() == types.StateStoppedFailed {
		return nil, types.ErrChannelStopped
	}
	if err := cs.Start(); err != nil {
		return nil, err
	}

	client := cs.Hub.Attach()
	metrics.ClientsConnected.WithLabelValues(cs.Channel.Name).Inc()
	return client, nil
}

// Unsubscribe detaches a client. The producer keeps running with zero
// clients; lifecycle is owned by the manager, not by viewer churn.
func (cs *ChannelStream) Unsubscribe(client *hub.Client) {
	cs.Hub.Detach(client.ID)
	metrics.ClientsConnected.WithLabelValues(cs.Channel.Name).Dec()
}

// Position returns a snapshot of the current playout position.
func (cs *ChannelStream) Position() types.Position {
	cs.posMu.Lock()
	defer cs.posMu.Unlock()
	return cs.position
}

// Status returns the channel's observability snapshot.
func (cs *ChannelStream) Status() *types.ChannelStatus {
	state := cs.State()
	return &types.ChannelStatus{
		ChannelID:       cs.Channel.ID,
		Number:          cs.Channel.Number,
		Name:            cs.Channel.Name,
		State:           state,
		StateName:       state.String(),
		AttachedClients: cs.Hub.ClientCount(),
		Restarts:        int(cs.restarts.Load()),
		BytesStreamed:   cs.bytesStreamed.Load(),
		LastOutputUnix:  cs.lastOutput.Load(),
		CurrentIndex:    cs.Position().ItemIndex,
	}
}

// LastOutputUnix returns the unix time of the last published chunk, 0 if the
// producer has never published. Used by the health watcher.
func (cs *ChannelStream) LastOutputUnix() int64 {
	return cs.lastOutput.Load()
}

// run is the supervisory loop: it reruns the playout loop after failures,
// backing off exponentially, until the restart budget is exhausted or the
// context is cancelled.
func (cs *ChannelStream) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	metrics.ChannelsRunning.Inc()
	defer metrics.ChannelsRunning.Dec()

	for {
		err := cs.playout(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			cs.state.Store(int32(types.StateIdle))
			return
		}

		attempt := int(cs.restarts.Add(1))
		metrics.ChannelRestarts.WithLabelValues(cs.Channel.Name).Inc()
		metrics.StreamErrors.WithLabelValues(cs.Channel.Name, "loop").Inc()

		if attempt > cs.cfg.MaxRestarts {
			cs.log.Error("[STREAM] Channel %d exceeded %d restarts, stopping: %v",
				cs.Channel.Number, cs.cfg.MaxRestarts, err)
			cs.state.Store(int32(types.StateStoppedFailed))
			cs.Hub.EndAll()
			return
		}

		backoff := backoffFor(cs.cfg.RestartBackoffBase, cs.cfg.RestartBackoffMax, attempt)
		cs.log.Warn("[STREAM] Channel %d playout failed (restart %d/%d, backing off %s): %v",
			cs.Channel.Number, attempt, cs.cfg.MaxRestarts, backoff, err)

		cs.state.Store(int32(types.StateRestarting))
		cs.waitBackoff(ctx, backoff)
		if ctx.Err() != nil {
			return
		}
		cs.state.Store(int32(types.StateRunning))
	}
}

// backoffFor computes the delay before restart attempt (1-based): base
// doubled per prior attempt, capped at max.
func backoffFor(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// waitBackoff holds out the backoff period. With an error screen configured
// the wait doubles as a standby broadcast so attached clients keep receiving
// a valid transport stream instead of silence.
func (cs *ChannelStream) waitBackoff(ctx context.Context, backoff time.Duration) {
	if cs.errorScreen == nil {
		select {
		case <-ctx.Done():
		case <-time.After(backoff):
		}
		return
	}

	screenCtx, cancel := context.WithTimeout(ctx, backoff)
	defer cancel()

	message := fmt.Sprintf("%s is restarting", cs.Channel.Name)
	reader, err := cs.errorScreen.Open(screenCtx, message)
	if err != nil {
		cs.log.Debug("[STREAM] Channel %d error screen unavailable: %v", cs.Channel.Number, err)
		<-screenCtx.Done()
		return
	}
	defer reader.Close()

	buf := cs.buffers.Get()
	defer cs.buffers.Put(buf)

	for screenCtx.Err() == nil {
		n, err := reader.Read(buf.B)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf.B[:n])
			cs.Hub.Publish(chunk)
		}
		if err != nil {
			break
		}
	}
	<-screenCtx.Done()
}

// playout is the inner producer loop: position resolution once, then item
// after item until cancelled. Returning nil is a clean stop; returning an
// error hands control to the supervisory loop. Item-level failures
// (resolution, transcode, mid-item read errors) advance to the next item
// after a short delay and never escape to the supervisor.
func (cs *ChannelStream) playout(ctx context.Context) error {
	index, seek, anchor, err := cs.resolveStart(ctx)
	if err != nil {
		if errors.Is(err, types.ErrNoContent) {
			// Nothing scheduled yet; idle inside the loop below.
			index, seek, anchor = 0, 0, time.Now()
		} else {
			return err
		}
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		// Refreshed per transition so schedule edits apply at the next item.
		items, err := cs.store.ActivePlayoutItems(ctx, cs.Channel.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("load playout: %w", err)
		}

		item, isFiller, err := cs.pickItem(ctx, items, &index)
		if err != nil {
			return err
		}
		if item == nil {
			metrics.StreamErrors.WithLabelValues(cs.Channel.Name, "no_content").Inc()
			if !sleepCtx(ctx, cs.cfg.IdleRetryDelay) {
				return nil
			}
			continue
		}

		cs.setPosition(index, seek, anchor)
		if !isFiller {
			cs.persistPosition(ctx)
		}

		if err := cs.playItem(ctx, item, seek); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			metrics.StreamErrors.WithLabelValues(cs.Channel.Name, "item").Inc()
			cs.log.Warn("[STREAM] Channel %d item %d failed, advancing: %v", cs.Channel.Number, index, err)
			if !sleepCtx(ctx, cs.cfg.ItemErrorDelay) {
				return nil
			}
		}

		// The seek offset applies only to the item the position resolved into.
		seek = 0
		if !isFiller {
			index++
		}
	}
}

// resolveStart loads the persisted position and computes where the channel
// should be right now. A fresh anchor is persisted immediately so restarts
// measure the cycle from the same instant.
func (cs *ChannelStream) resolveStart(ctx context.Context) (index, seek int, anchor time.Time, err error) {
	items, err := cs.store.ActivePlayoutItems(ctx, cs.Channel.ID)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("load playout: %w", err)
	}

	persisted, err := cs.store.PlaybackPosition(ctx, cs.Channel.ID)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("load position: %w", err)
	}

	var persistedAnchor time.Time
	persistedIndex := 0
	if persisted != nil {
		persistedAnchor = persisted.AnchorTime
		persistedIndex = persisted.CurrentIndex
	}

	result, err := schedule.Resolve(time.Now(), persistedAnchor, items, persistedIndex, schedule.Options{
		SeekSafetyMargin:    cs.cfg.SeekSafetyMargin,
		DefaultItemDuration: cs.cfg.DefaultItemDuration,
	})
	if err != nil {
		return 0, 0, time.Time{}, err
	}

	cs.setPosition(result.ItemIndex, result.SeekOffset, result.AnchorTime)
	if result.Fresh {
		cs.persistPosition(ctx)
	}

	cs.log.Debug("[STREAM] Channel %d resolved to item %d offset %ds (anchor %s)",
		cs.Channel.Number, result.ItemIndex, result.SeekOffset, result.AnchorTime.Format(time.RFC3339))
	return result.ItemIndex, result.SeekOffset, result.AnchorTime, nil
}

// pickItem selects the item to play: the scheduled item at *index (modulo the
// schedule length), or a filler when the schedule is empty. A (nil, false,
// nil) return means nothing at all is playable right now.
func (cs *ChannelStream) pickItem(ctx context.Context, items []*types.PlayoutItem, index *int) (*types.PlayoutItem, bool, error) {
	if len(items) > 0 {
		idx := *index % len(items)
		if idx < 0 {
			idx += len(items)
		}
		*index = idx
		return items[idx], false, nil
	}

	preset, err := cs.store.FillerPreset(ctx, cs.Channel.ID)
	if err != nil {
		return nil, false, fmt.Errorf("load filler preset: %w", err)
	}
	media, err := cs.fillers.Select(ctx, preset)
	if err != nil {
		return nil, false, fmt.Errorf("select filler: %w", err)
	}
	if media == nil {
		return nil, false, nil
	}
	return &types.PlayoutItem{Media: media, FillerKind: "filler"}, true, nil
}

// playItem resolves, transcodes and publishes one item start to finish.
// Clean EOF and context cancellation return nil; everything else is an
// item-level error.
func (cs *ChannelStream) playItem(ctx context.Context, item *types.PlayoutItem, seek int) error {
	resolved, err := cs.resolver.Resolve(ctx, item)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}

	reader, err := cs.transcoder.Open(ctx, resolved, seek)
	if err != nil {
		return fmt.Errorf("open transcode: %w", err)
	}
	defer reader.Close()

	buf := cs.buffers.Get()
	defer cs.buffers.Put(buf)

	dropsBefore := cs.Hub.Dropped()
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := reader.Read(buf.B)
		if n > 0 {
			// Clients retain published chunks, so each gets a fresh slice.
			chunk := make([]byte, n)
			copy(chunk, buf.B[:n])

			cs.Window.Write(chunk)
			cs.Hub.Publish(chunk)

			cs.bytesStreamed.Add(int64(n))
			cs.lastOutput.Store(time.Now().Unix())
			metrics.BytesStreamed.WithLabelValues(cs.Channel.Name).Add(float64(n))
			if cs.watchdog != nil {
				cs.watchdog.ReportOutput(cs.Channel.ID, n)
			}
		}
		if err != nil {
			if drops := cs.Hub.Dropped() - dropsBefore; drops > 0 {
				metrics.DroppedChunks.WithLabelValues(cs.Channel.Name).Add(float64(drops))
			}
			if err == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read transcode: %w", err)
		}
	}
}

// setPosition updates the in-memory position snapshot.
func (cs *ChannelStream) setPosition(index, seek int, anchor time.Time) {
	cs.posMu.Lock()
	cs.position = types.Position{
		ItemIndex:     index,
		SeekOffset:    seek,
		AnchorTime:    anchor,
		ItemStartTime: time.Now(),
	}
	cs.posMu.Unlock()
}

// persistPosition writes the current position through the store. Persistence
// failures are logged and counted but never interrupt playout; the stream
// keeps serving and the next transition retries.
func (cs *ChannelStream) persistPosition(ctx context.Context) {
	pos := cs.Position()
	if pos.AnchorTime.IsZero() {
		return
	}

	err := cs.store.SavePlaybackPosition(ctx, &types.PlaybackPosition{
		ChannelID:    cs.Channel.ID,
		AnchorTime:   pos.AnchorTime,
		CurrentIndex: pos.ItemIndex,
		LastPlayedAt: time.Now(),
	})
	if err != nil {
		metrics.StreamErrors.WithLabelValues(cs.Channel.Name, "persistence").Inc()
		cs.log.Warn("[STREAM] Channel %d position save failed: %v", cs.Channel.Number, err)
		return
	}
	metrics.PositionSaves.WithLabelValues(cs.Channel.Name).Inc()
}

// sleepCtx sleeps for d, returning false if the context ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
