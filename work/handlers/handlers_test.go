package handlers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"kptv-station/work/buffer"
	"kptv-station/work/config"
	"kptv-station/work/filler"
	"kptv-station/work/logger"
	"kptv-station/work/manager"
	"kptv-station/work/stream"
	"kptv-station/work/types"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	channels []*types.Channel
}

func (f *fakeStore) Channels(context.Context) ([]*types.Channel, error) {
	return f.channels, nil
}

func (f *fakeStore) ChannelByID(_ context.Context, id int64) (*types.Channel, error) {
	for _, ch := range f.channels {
		if ch.ID == id {
			return ch, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ChannelByNumber(_ context.Context, number int) (*types.Channel, error) {
	for _, ch := range f.channels {
		if ch.Number == number {
			return ch, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ActivePlayoutItems(context.Context, int64) ([]*types.PlayoutItem, error) {
	return []*types.PlayoutItem{{ID: 1, Duration: 600}}, nil
}

func (f *fakeStore) PlaybackPosition(context.Context, int64) (*types.PlaybackPosition, error) {
	return nil, nil
}

func (f *fakeStore) SavePlaybackPosition(context.Context, *types.PlaybackPosition) error {
	return nil
}

func (f *fakeStore) FillerPreset(context.Context, int64) (*types.FillerPreset, error) {
	return nil, nil
}

func (f *fakeStore) CollectionItems(context.Context, int64) ([]*types.MediaItem, error) {
	return nil, nil
}

type stubResolver struct{}

func (stubResolver) Resolve(context.Context, *types.PlayoutItem) (*types.ResolvedMedia, error) {
	return &types.ResolvedMedia{URL: "test://media"}, nil
}

type stubTranscoder struct{}

func (stubTranscoder) Open(ctx context.Context, _ *types.ResolvedMedia, _ int) (io.ReadCloser, error) {
	return trickleReader{ctx: ctx}, nil
}

// trickleReader emits a steady byte stream until cancelled, like a live
// source that never ends.
type trickleReader struct{ ctx context.Context }

func (r trickleReader) Read(p []byte) (int, error) {
	select {
	case <-r.ctx.Done():
		return 0, r.ctx.Err()
	case <-time.After(time.Millisecond):
		if len(p) > 0 {
			p[0] = 't'
			return 1, nil
		}
		return 0, nil
	}
}

func (trickleReader) Close() error { return nil }

func testRouter(t *testing.T, store *fakeStore) *mux.Router {
	t.Helper()
	cfg := &config.Config{
		BaseURL:            "http://station.local:8080",
		ChunkSize:          1024,
		ChunkQueueSize:     16,
		RecentWindowSize:   8192,
		RestartBackoffBase: time.Millisecond,
		RestartBackoffMax:  4 * time.Millisecond,
		MaxRestarts:        3,
		ItemErrorDelay:     time.Millisecond,
		IdleRetryDelay:     time.Millisecond,
		StopTimeout:        time.Second,
		ClientReadTimeout:  50 * time.Millisecond,
		MaxClientTimeouts:  2,
	}
	log := logger.New("ERROR")

	pool, err := ants.NewPool(2)
	require.NoError(t, err)
	t.Cleanup(pool.Release)

	mgr := manager.New(cfg, log, store, stream.Deps{
		Config:     cfg,
		Logger:     log,
		Store:      store,
		Resolver:   stubResolver{},
		Transcoder: stubTranscoder{},
		Fillers:    filler.New(store, nil),
		Buffers:    buffer.NewPool(cfg.ChunkSize),
	}, pool)
	t.Cleanup(mgr.StopAll)

	h := New(cfg, log, store, mgr)
	router := mux.NewRouter()
	router.HandleFunc("/stream/{channel}", h.HandleStream()).Methods("GET")
	return router
}

func streamRequest(t *testing.T, router *mux.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	req := httptest.NewRequest("GET", path, nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandleStreamByNumber(t *testing.T) {
	store := &fakeStore{channels: []*types.Channel{
		{ID: 1, Number: 5, Name: "Retro Movies", Enabled: true},
	}}
	router := testRouter(t, store)

	rec := streamRequest(t, router, "/stream/5")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestHandleStreamBySanitizedName(t *testing.T) {
	store := &fakeStore{channels: []*types.Channel{
		{ID: 1, Number: 5, Name: "Retro Movies", Enabled: true},
	}}
	router := testRouter(t, store)

	rec := streamRequest(t, router, "/stream/Retro_Movies")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "video/mp2t", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Body.Bytes())
}

func TestHandleStreamUnknownChannel(t *testing.T) {
	store := &fakeStore{channels: []*types.Channel{
		{ID: 1, Number: 5, Name: "Retro Movies", Enabled: true},
	}}
	router := testRouter(t, store)

	assert.Equal(t, http.StatusNotFound, streamRequest(t, router, "/stream/No_Such_Channel").Code)
	assert.Equal(t, http.StatusNotFound, streamRequest(t, router, "/stream/99").Code)
}
