package stream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"kptv-station/work/buffer"
	"kptv-station/work/config"
	"kptv-station/work/filler"
	"kptv-station/work/hub"
	"kptv-station/work/logger"
	"kptv-station/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu       sync.Mutex
	items    []*types.PlayoutItem
	itemsErr error
	position *types.PlaybackPosition
	saves    []*types.PlaybackPosition
	preset   *types.FillerPreset
}

func (f *fakeStore) Channels(context.Context) ([]*types.Channel, error) { return nil, nil }
func (f *fakeStore) ChannelByID(context.Context, int64) (*types.Channel, error) {
	return nil, nil
}
func (f *fakeStore) ChannelByNumber(context.Context, int) (*types.Channel, error) {
	return nil, nil
}

func (f *fakeStore) ActivePlayoutItems(context.Context, int64) ([]*types.PlayoutItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.itemsErr != nil {
		return nil, f.itemsErr
	}
	return f.items, nil
}

func (f *fakeStore) PlaybackPosition(context.Context, int64) (*types.PlaybackPosition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeStore) SavePlaybackPosition(_ context.Context, pos *types.PlaybackPosition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, pos)
	f.position = pos
	return nil
}

func (f *fakeStore) FillerPreset(context.Context, int64) (*types.FillerPreset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.preset, nil
}

func (f *fakeStore) CollectionItems(context.Context, int64) ([]*types.MediaItem, error) {
	return nil, nil
}

func (f *fakeStore) savedIndexes() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.saves))
	for i, s := range f.saves {
		out[i] = s.CurrentIndex
	}
	return out
}

type fakeResolver struct {
	mu      sync.Mutex
	failIDs map[int64]bool
}

func (f *fakeResolver) Resolve(_ context.Context, item *types.PlayoutItem) (*types.ResolvedMedia, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failIDs[item.ID] {
		return nil, types.ErrUnresolvable
	}
	return &types.ResolvedMedia{URL: "test://media"}, nil
}

type fakeTranscoder struct {
	mu    sync.Mutex
	data  []byte
	err   error
	opens int
	seeks []int
}

func (f *fakeTranscoder) Open(_ context.Context, _ *types.ResolvedMedia, seek int) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	f.seeks = append(f.seeks, seek)
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(bytes.NewReader(f.data)), nil
}

func testConfig() *config.Config {
	return &config.Config{
		ChunkSize:          1024,
		ChunkQueueSize:     16,
		RecentWindowSize:   8192,
		RestartBackoffBase: time.Millisecond,
		RestartBackoffMax:  4 * time.Millisecond,
		MaxRestarts:        3,
		ItemErrorDelay:     time.Millisecond,
		IdleRetryDelay:     time.Millisecond,
		StopTimeout:        time.Second,
		ClientReadTimeout:  time.Second,
	}
}

func testStream(store *fakeStore, res types.Resolver, tr types.Transcoder) *ChannelStream {
	cfg := testConfig()
	return New(&types.Channel{ID: 1, Number: 5, Name: "Test Channel", Enabled: true}, Deps{
		Config:     cfg,
		Logger:     logger.New("ERROR"),
		Store:      store,
		Resolver:   res,
		Transcoder: tr,
		Fillers:    filler.New(store, nil),
		Buffers:    buffer.NewPool(cfg.ChunkSize),
	})
}

func scheduleItems(durations ...int) []*types.PlayoutItem {
	out := make([]*types.PlayoutItem, len(durations))
	for i, d := range durations {
		out[i] = &types.PlayoutItem{ID: int64(i + 1), Position: i, Duration: d}
	}
	return out
}

func TestStartIsIdempotent(t *testing.T) {
	store := &fakeStore{items: scheduleItems(600)}
	cs := testStream(store, &fakeResolver{}, &fakeTranscoder{data: []byte("x")})
	defer cs.Stop()

	require.NoError(t, cs.Start())
	require.NoError(t, cs.Start())
	require.NoError(t, cs.Start())

	assert.True(t, cs.State().Running())
}

func TestStreamPublishesToClients(t *testing.T) {
	store := &fakeStore{items: scheduleItems(600)}
	cs := testStream(store, &fakeResolver{}, &fakeTranscoder{data: []byte("payload")})
	defer cs.Stop()

	client, err := cs.Subscribe()
	require.NoError(t, err)
	defer cs.Unsubscribe(client)

	chunk, status := client.Receive(2 * time.Second)
	require.Equal(t, hub.Received, status)
	assert.Equal(t, "payload", string(chunk))
}

func TestExhaustedRestartBudgetStopsChannel(t *testing.T) {
	store := &fakeStore{itemsErr: errors.New("db down")}
	cs := testStream(store, &fakeResolver{}, &fakeTranscoder{data: []byte("x")})

	require.NoError(t, cs.Start())

	require.Eventually(t, func() bool {
		return cs.State() == types.StateStoppedFailed
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 4, cs.Status().Restarts) // budget of 3 plus the exceeding attempt

	// A stopped channel refuses new subscribers until externally restarted.
	_, err := cs.Subscribe()
	assert.ErrorIs(t, err, types.ErrChannelStopped)
}

func TestExternalStartClearsStoppedFailed(t *testing.T) {
	store := &fakeStore{itemsErr: errors.New("db down")}
	cs := testStream(store, &fakeResolver{}, &fakeTranscoder{data: []byte("x")})

	require.NoError(t, cs.Start())
	require.Eventually(t, func() bool {
		return cs.State() == types.StateStoppedFailed
	}, 5*time.Second, 10*time.Millisecond)

	// Repair the store and restart externally: fresh budget, running again.
	store.mu.Lock()
	store.itemsErr = nil
	store.items = scheduleItems(600)
	store.mu.Unlock()

	require.NoError(t, cs.Start())
	defer cs.Stop()

	require.Eventually(t, func() bool {
		return cs.State() == types.StateRunning
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, cs.Status().Restarts)
}

// An item that fails to resolve is skipped after a short delay; the
// supervisory restart budget is never touched.
func TestItemErrorAdvancesWithoutRestart(t *testing.T) {
	store := &fakeStore{items: scheduleItems(600, 600)}
	res := &fakeResolver{failIDs: map[int64]bool{1: true}}
	cs := testStream(store, res, &fakeTranscoder{data: []byte("from-item-2")})
	defer cs.Stop()

	client, err := cs.Subscribe()
	require.NoError(t, err)
	defer cs.Unsubscribe(client)

	chunk, status := client.Receive(2 * time.Second)
	require.Equal(t, hub.Received, status)
	assert.Equal(t, "from-item-2", string(chunk))
	assert.Equal(t, 0, cs.Status().Restarts)
}

func TestPositionPersistedPerTransition(t *testing.T) {
	store := &fakeStore{items: scheduleItems(600, 600)}
	cs := testStream(store, &fakeResolver{}, &fakeTranscoder{data: []byte("x")})
	defer cs.Stop()

	require.NoError(t, cs.Start())

	require.Eventually(t, func() bool {
		indexes := store.savedIndexes()
		saw := map[int]bool{}
		for _, idx := range indexes {
			saw[idx] = true
		}
		return saw[0] && saw[1]
	}, 5*time.Second, 10*time.Millisecond)
}

func TestResumeSeeksIntoItem(t *testing.T) {
	// Persisted anchor 100s ago with a single 600s item: playback should
	// reopen the item with a seek close to 100s.
	store := &fakeStore{
		items: scheduleItems(600),
		position: &types.PlaybackPosition{
			ChannelID:    1,
			AnchorTime:   time.Now().Add(-100 * time.Second),
			CurrentIndex: 0,
			LastPlayedAt: time.Now(),
		},
	}
	tr := &fakeTranscoder{data: []byte("x")}
	cs := testStream(store, &fakeResolver{}, tr)
	defer cs.Stop()

	require.NoError(t, cs.Start())

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.opens >= 1
	}, 5*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	firstSeek := tr.seeks[0]
	tr.mu.Unlock()
	assert.InDelta(t, 100, firstSeek, 2)
}

func TestSeekConsumedOnlyOnce(t *testing.T) {
	store := &fakeStore{
		items: scheduleItems(600, 600),
		position: &types.PlaybackPosition{
			ChannelID:    1,
			AnchorTime:   time.Now().Add(-50 * time.Second),
			CurrentIndex: 0,
			LastPlayedAt: time.Now(),
		},
	}
	tr := &fakeTranscoder{data: []byte("x")}
	cs := testStream(store, &fakeResolver{}, tr)
	defer cs.Stop()

	require.NoError(t, cs.Start())

	require.Eventually(t, func() bool {
		tr.mu.Lock()
		defer tr.mu.Unlock()
		return tr.opens >= 3
	}, 5*time.Second, 10*time.Millisecond)

	tr.mu.Lock()
	seeks := append([]int(nil), tr.seeks...)
	tr.mu.Unlock()

	assert.Greater(t, seeks[0], 0)
	for _, s := range seeks[1:] {
		assert.Equal(t, 0, s)
	}
}

func TestEmptyScheduleFallsBackToFiller(t *testing.T) {
	store := &fakeStore{
		preset: &types.FillerPreset{
			Entries: []types.FillerEntry{
				{Media: &types.MediaItem{ID: 99, Title: "bumper", Duration: 15}, Weight: 1},
			},
		},
	}
	cs := testStream(store, &fakeResolver{}, &fakeTranscoder{data: []byte("filler-bytes")})
	defer cs.Stop()

	client, err := cs.Subscribe()
	require.NoError(t, err)
	defer cs.Unsubscribe(client)

	chunk, status := client.Receive(2 * time.Second)
	require.Equal(t, hub.Received, status)
	assert.Equal(t, "filler-bytes", string(chunk))
}

func TestStopEndsClientStreams(t *testing.T) {
	store := &fakeStore{items: scheduleItems(600)}
	cs := testStream(store, &fakeResolver{}, &fakeTranscoder{data: []byte("x")})

	client, err := cs.Subscribe()
	require.NoError(t, err)

	cs.Stop()

	require.Eventually(t, func() bool {
		_, status := client.Receive(10 * time.Millisecond)
		return status == hub.Closed
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.StateIdle, cs.State())
}

// A start issued after a full stop must bring up a fresh producer rather
// than no-op against the stale state of the torn-down one.
func TestStartAfterStopRunsFreshProducer(t *testing.T) {
	store := &fakeStore{items: scheduleItems(600)}
	cs := testStream(store, &fakeResolver{}, &fakeTranscoder{data: []byte("x")})

	require.NoError(t, cs.Start())
	cs.Stop()
	require.Equal(t, types.StateIdle, cs.State())

	require.NoError(t, cs.Start())
	defer cs.Stop()

	client, err := cs.Subscribe()
	require.NoError(t, err)
	defer cs.Unsubscribe(client)

	chunk, status := client.Receive(2 * time.Second)
	require.Equal(t, hub.Received, status)
	assert.Equal(t, "x", string(chunk))
	assert.True(t, cs.State().Running())
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	base := 2 * time.Second
	max := 60 * time.Second

	assert.Equal(t, 2*time.Second, backoffFor(base, max, 1))
	assert.Equal(t, 4*time.Second, backoffFor(base, max, 2))
	assert.Equal(t, 8*time.Second, backoffFor(base, max, 3))
	assert.Equal(t, 32*time.Second, backoffFor(base, max, 5))
	assert.Equal(t, 60*time.Second, backoffFor(base, max, 6))
	assert.Equal(t, 60*time.Second, backoffFor(base, max, 50))
}

func TestKeepAliveBurstShape(t *testing.T) {
	burst := KeepAliveBurst()
	require.Equal(t, 0, len(burst)%188)

	for off := 0; off < len(burst); off += 188 {
		assert.Equal(t, byte(0x47), burst[off])
		assert.Equal(t, byte(0x1F), burst[off+1])
		assert.Equal(t, byte(0xFF), burst[off+2])
	}
}
