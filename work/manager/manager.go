package manager

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"kptv-station/work/config"
	"kptv-station/work/logger"
	"kptv-station/work/stream"
	"kptv-station/work/types"
	"kptv-station/work/utils"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
)

// Manager is the channel registry: it creates ChannelStreams lazily on first
// access and owns their lifecycle (start, stop, prewarm). Streams live in a
// concurrent map keyed by channel ID; creation races are resolved with
// LoadOrStore so exactly one stream ever exists per channel.
type Manager struct {
	cfg     *config.Config
	log     *logger.Logger
	store   types.Store
	deps    stream.Deps
	streams *xsync.MapOf[int64, *stream.ChannelStream]
	workers *ants.Pool
}

// New creates a Manager. workers is the shared bounded pool used for
// prewarming; deps is handed to every ChannelStream the manager creates.
func New(cfg *config.Config, log *logger.Logger, store types.Store, deps stream.Deps, workers *ants.Pool) *Manager {
	return &Manager{
		cfg:     cfg,
		log:     log,
		store:   store,
		deps:    deps,
		streams: xsync.NewMapOf[int64, *stream.ChannelStream](),
		workers: workers,
	}
}

// SetWatchdog injects the health watchdog into streams created from now on.
// Called once during startup wiring; the watcher needs the manager to force
// restarts, so the two are tied together after both exist.
func (m *Manager) SetWatchdog(wd types.Watchdog) {
	m.deps.Watchdog = wd
}

// Stream returns the ChannelStream for a channel, creating it on first
// access. The channel must exist and be enabled; the stream itself is
// returned idle, not started.
func (m *Manager) Stream(ctx context.Context, channelID int64) (*stream.ChannelStream, error) {
	if cs, ok := m.streams.Load(channelID); ok {
		return cs, nil
	}

	channel, err := m.store.ChannelByID(ctx, channelID)
	if err != nil {
		return nil, fmt.Errorf("load channel %d: %w", channelID, err)
	}
	if channel == nil {
		return nil, fmt.Errorf("channel %d not found", channelID)
	}
	if !channel.Enabled {
		return nil, fmt.Errorf("channel %d (%s) is disabled", channel.Number, channel.Name)
	}

	cs, loaded := m.streams.LoadOrStore(channelID, stream.New(channel, m.deps))
	if !loaded {
		m.log.Debug("[MANAGER] Created stream for channel %d (%s)", channel.Number, channel.Name)
	}
	return cs, nil
}

// StreamByNumber resolves a display number to its ChannelStream.
func (m *Manager) StreamByNumber(ctx context.Context, number int) (*stream.ChannelStream, error) {
	channel, err := m.store.ChannelByNumber(ctx, number)
	if err != nil {
		return nil, fmt.Errorf("load channel %d: %w", number, err)
	}
	if channel == nil {
		return nil, fmt.Errorf("channel %d not found", number)
	}
	return m.Stream(ctx, channel.ID)
}

// StreamByName resolves a sanitized channel name slug to its ChannelStream.
// Matching is case-insensitive against the sanitized form of each channel's
// display name, the same form the playlist emits.
func (m *Manager) StreamByName(ctx context.Context, name string) (*stream.ChannelStream, error) {
	channels, err := m.store.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}
	for _, ch := range channels {
		if strings.EqualFold(utils.SanitizeChannelName(ch.Name), name) {
			return m.Stream(ctx, ch.ID)
		}
	}
	return nil, fmt.Errorf("channel %q not found", name)
}

// channelObserver is the optional watchdog extension notified when a
// channel's producer starts, so health monitoring can begin alongside it.
type channelObserver interface {
	WatchChannel(cs *stream.ChannelStream)
	UnwatchChannel(channelID int64)
}

// StartChannel ensures a channel's producer is running and hands the stream
// to the watchdog when one is attached.
func (m *Manager) StartChannel(ctx context.Context, channelID int64) error {
	cs, err := m.Stream(ctx, channelID)
	if err != nil {
		return err
	}
	if err := cs.Start(); err != nil {
		return err
	}
	if obs, ok := m.deps.Watchdog.(channelObserver); ok {
		obs.WatchChannel(cs)
	}
	return nil
}

// StopChannel stops a channel's producer if one exists. Stopping a channel
// that was never materialized is a no-op.
func (m *Manager) StopChannel(channelID int64) {
	if cs, ok := m.streams.Load(channelID); ok {
		if obs, ok := m.deps.Watchdog.(channelObserver); ok {
			obs.UnwatchChannel(channelID)
		}
		cs.Stop()
	}
}

// Prewarm starts the producers of the given channels concurrently through
// the worker pool and reports per-channel outcomes. One failing channel never
// aborts the batch.
func (m *Manager) Prewarm(ctx context.Context, channelIDs []int64) map[int64]error {
	var mu sync.Mutex
	var wg sync.WaitGroup
	results := make(map[int64]error, len(channelIDs))

	for _, id := range channelIDs {
		id := id
		wg.Add(1)
		submitErr := m.workers.Submit(func() {
			defer wg.Done()
			err := m.StartChannel(ctx, id)
			mu.Lock()
			results[id] = err
			mu.Unlock()
		})
		if submitErr != nil {
			wg.Done()
			mu.Lock()
			results[id] = fmt.Errorf("submit prewarm: %w", submitErr)
			mu.Unlock()
		}
	}
	wg.Wait()

	for id, err := range results {
		if err != nil {
			m.log.Warn("[MANAGER] Prewarm failed for channel %d: %v", id, err)
		}
	}
	return results
}

// PrewarmAll prewarms every enabled channel.
func (m *Manager) PrewarmAll(ctx context.Context) (map[int64]error, error) {
	channels, err := m.store.Channels(ctx)
	if err != nil {
		return nil, fmt.Errorf("load channels: %w", err)
	}

	ids := make([]int64, 0, len(channels))
	for _, ch := range channels {
		if ch.Enabled {
			ids = append(ids, ch.ID)
		}
	}
	m.log.Info("[MANAGER] Prewarming %d channels", len(ids))
	return m.Prewarm(ctx, ids), nil
}

// StopAll stops every materialized stream. Used during shutdown.
func (m *Manager) StopAll() {
	m.streams.Range(func(_ int64, cs *stream.ChannelStream) bool {
		cs.Stop()
		return true
	})
}

// Statuses returns the status of every materialized stream.
func (m *Manager) Statuses() []*types.ChannelStatus {
	var out []*types.ChannelStatus
	m.streams.Range(func(_ int64, cs *stream.ChannelStream) bool {
		out = append(out, cs.Status())
		return true
	})
	return out
}

// Status returns one channel's status, or nil if its stream was never
// materialized.
func (m *Manager) Status(channelID int64) *types.ChannelStatus {
	if cs, ok := m.streams.Load(channelID); ok {
		return cs.Status()
	}
	return nil
}

// Loaded returns the stream for channelID only if it was already
// materialized. The watcher uses this to avoid creating streams as a side
// effect of health checks.
func (m *Manager) Loaded(channelID int64) (*stream.ChannelStream, bool) {
	return m.streams.Load(channelID)
}
