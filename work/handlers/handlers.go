package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"kptv-station/work/config"
	"kptv-station/work/hub"
	"kptv-station/work/logger"
	"kptv-station/work/manager"
	"kptv-station/work/stream"
	"kptv-station/work/types"

	"github.com/gorilla/mux"
)

// Handlers is the viewer-facing HTTP surface: the live stream endpoint, the
// M3U playlist and the status API. Admin operations live in the root package.
type Handlers struct {
	cfg   *config.Config
	log   *logger.Logger
	store types.Store
	mgr   *manager.Manager
}

// New creates the handler set.
func New(cfg *config.Config, log *logger.Logger, store types.Store, mgr *manager.Manager) *Handlers {
	return &Handlers{cfg: cfg, log: log, store: store, mgr: mgr}
}

// HandleStream serves a channel's live MPEG-TS stream. The channel is looked
// up by display number or by sanitized display name, so both /stream/5 and
// /stream/Retro_Movies tune the same channel.
// The producer is started on demand; the client then receives chunks as
// they are published, with null-packet keep-alives bridging source gaps. The
// connection closes when the client disconnects, the channel ends, or the
// source stays silent past the timeout budget.
func (h *Handlers) HandleStream() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref := mux.Vars(r)["channel"]

		var cs *stream.ChannelStream
		var err error
		if number, numErr := strconv.Atoi(ref); numErr == nil {
			cs, err = h.mgr.StreamByNumber(r.Context(), number)
		} else {
			cs, err = h.mgr.StreamByName(r.Context(), ref)
		}
		if err != nil {
			h.log.Debug("[HANDLER] Stream request for unknown channel %q: %v", ref, err)
			http.Error(w, "channel not found", http.StatusNotFound)
			return
		}
		number := cs.Channel.Number

		// Routed through the manager so the health watcher picks up
		// streams started by viewer demand, not just prewarmed ones.
		if cs.State() == types.StateIdle {
			if err := h.mgr.StartChannel(r.Context(), cs.Channel.ID); err != nil {
				h.log.Error("[HANDLER] Start failed for channel %d: %v", number, err)
				http.Error(w, "channel unavailable", http.StatusServiceUnavailable)
				return
			}
		}

		client, err := cs.Subscribe()
		if err != nil {
			h.log.Warn("[HANDLER] Subscribe refused for channel %d: %v", number, err)
			http.Error(w, "channel unavailable", http.StatusServiceUnavailable)
			return
		}
		defer cs.Unsubscribe(client)

		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Cache-Control", "no-cache, no-store")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)

		h.log.Info("[HANDLER] Client %s attached to channel %d from %s", client.ID, number, r.RemoteAddr)
		h.serveClient(w, r, flusher, cs, client, number)
	}
}

// serveClient is the per-connection read/write loop. Timeouts are part of
// normal operation: the source may be between items or restarting, so the
// handler writes keep-alive packets and only gives up after the configured
// run of consecutive silent reads.
func (h *Handlers) serveClient(w http.ResponseWriter, r *http.Request, flusher http.Flusher, cs *stream.ChannelStream, client *hub.Client, number int) {
	keepAlive := stream.KeepAliveBurst()
	timeouts := 0

	for {
		select {
		case <-r.Context().Done():
			h.log.Debug("[HANDLER] Client %s disconnected from channel %d", client.ID, number)
			return
		default:
		}

		chunk, status := client.Receive(h.cfg.ClientReadTimeout)
		switch status {
		case hub.Received:
			timeouts = 0
			if _, err := w.Write(chunk); err != nil {
				h.log.Debug("[HANDLER] Client %s write failed on channel %d: %v", client.ID, number, err)
				return
			}
			flusher.Flush()

		case hub.TimedOut:
			timeouts++
			if timeouts >= h.cfg.MaxClientTimeouts {
				h.log.Warn("[HANDLER] Client %s on channel %d: %d consecutive timeouts, closing", client.ID, number, timeouts)
				return
			}
			if _, err := w.Write(keepAlive); err != nil {
				return
			}
			flusher.Flush()

		case hub.Closed:
			h.log.Debug("[HANDLER] Channel %d ended stream for client %s", number, client.ID)
			return
		}
	}
}

// HandlePlaylist serves the station's M3U playlist: one entry per enabled
// channel pointing at its stream URL.
func (h *Handlers) HandlePlaylist() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channels, err := h.store.Channels(r.Context())
		if err != nil {
			h.log.Error("[HANDLER] Playlist generation failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		sort.Slice(channels, func(i, j int) bool { return channels[i].Number < channels[j].Number })

		var b strings.Builder
		b.WriteString("#EXTM3U\n")
		for _, ch := range channels {
			if !ch.Enabled {
				continue
			}
			fmt.Fprintf(&b, "#EXTINF:-1 tvg-chno=\"%d\" tvg-name=\"%s\",%s\n", ch.Number, ch.Name, ch.Name)
			fmt.Fprintf(&b, "%s/stream/%d\n", h.cfg.BaseURL, ch.Number)
		}

		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Content-Disposition", "attachment; filename=\"playlist.m3u\"")
		w.Write([]byte(b.String()))
	}
}

// HandleStatus serves the status of every materialized channel stream.
func (h *Handlers) HandleStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses := h.mgr.Statuses()
		sort.Slice(statuses, func(i, j int) bool { return statuses[i].Number < statuses[j].Number })

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(statuses); err != nil {
			h.log.Error("[HANDLER] Status encode failed: %v", err)
		}
	}
}

// HandleChannelStatus serves one channel's status, including its current
// playout position.
func (h *Handlers) HandleChannelStatus() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		number, err := strconv.Atoi(vars["channel"])
		if err != nil {
			http.Error(w, "invalid channel number", http.StatusBadRequest)
			return
		}

		channel, err := h.store.ChannelByNumber(r.Context(), number)
		if err != nil || channel == nil {
			http.Error(w, "channel not found", http.StatusNotFound)
			return
		}

		status := h.mgr.Status(channel.ID)
		if status == nil {
			// Never materialized; report it idle rather than 404ing a real channel.
			status = &types.ChannelStatus{
				ChannelID: channel.ID,
				Number:    channel.Number,
				Name:      channel.Name,
				State:     types.StateIdle,
				StateName: types.StateIdle.String(),
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(status); err != nil {
			h.log.Error("[HANDLER] Channel status encode failed: %v", err)
		}
	}
}
