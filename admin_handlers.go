package main

import (
	"encoding/json"
	"net/http"
	"runtime"
	"sort"
	"strconv"
	"time"

	"kptv-station/work/database"
	"kptv-station/work/logger"
	"kptv-station/work/manager"
	"kptv-station/work/middleware"
	"kptv-station/work/types"
	"kptv-station/work/utils"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"
)

var startTime = time.Now()

// adminDeps bundles what the admin endpoints need from the wired application.
type adminDeps struct {
	log          *logger.Logger
	store        types.Store
	db           *database.DB // full database handle for admin-only writes
	mgr          *manager.Manager
	passwordHash string // bcrypt hash; empty disables auth entirely
}

// setupAdminRoutes registers the operator API: runtime stats, channel
// listing, and start/stop/prewarm controls. All routes pass through CORS
// handling and, when a password hash is configured, bcrypt auth.
func setupAdminRoutes(router *mux.Router, deps *adminDeps) {
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return corsMiddleware(deps.requireAuth(h))
	}

	router.HandleFunc("/api/stats", wrap(middleware.Gzip(deps.log, deps.handleStats()))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/channels", wrap(middleware.Gzip(deps.log, deps.handleChannels()))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/channels", wrap(deps.handleCreateChannel())).Methods("POST")
	router.HandleFunc("/api/channels/{channel}/start", wrap(deps.handleStartChannel())).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/channels/{channel}/stop", wrap(deps.handleStopChannel())).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/prewarm", wrap(deps.handlePrewarm())).Methods("POST", "OPTIONS")
}

// corsMiddleware handles preflight and response headers for browser-based
// admin frontends.
func corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// requireAuth checks HTTP basic auth against the configured bcrypt hash.
// With no hash configured the admin API is open, which is the expected mode
// behind a trusted reverse proxy.
func (d *adminDeps) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.passwordHash == "" {
			next(w, r)
			return
		}

		_, password, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(d.passwordHash), []byte(password)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="station admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// handleStats reports process-level runtime statistics alongside the
// aggregate channel picture.
func (d *adminDeps) handleStats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		statuses := d.mgr.Statuses()
		running := 0
		clients := 0
		var bytesStreamed int64
		for _, s := range statuses {
			if s.State.Running() {
				running++
			}
			clients += s.AttachedClients
			bytesStreamed += s.BytesStreamed
		}

		stats := map[string]interface{}{
			"uptime":          formatDuration(time.Since(startTime)),
			"goroutines":      runtime.NumGoroutine(),
			"memoryUsed":      utils.FormatBytes(int64(mem.Alloc)),
			"channelsLoaded":  len(statuses),
			"channelsRunning": running,
			"clients":         clients,
			"bytesStreamed":   utils.FormatBytes(bytesStreamed),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	}
}

// handleChannels lists every configured channel with its live state when one
// exists.
func (d *adminDeps) handleChannels() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channels, err := d.store.Channels(r.Context())
		if err != nil {
			d.log.Error("[ADMIN] Channel list failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		sort.Slice(channels, func(i, j int) bool { return channels[i].Number < channels[j].Number })

		type entry struct {
			*types.Channel
			Status *types.ChannelStatus `json:"status,omitempty"`
		}
		out := make([]entry, 0, len(channels))
		for _, ch := range channels {
			out = append(out, entry{Channel: ch, Status: d.mgr.Status(ch.ID)})
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

// handleCreateChannel upserts a channel by display number.
func (d *adminDeps) handleCreateChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Number  int    `json:"number"`
			Name    string `json:"name"`
			Enabled bool   `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Number <= 0 || req.Name == "" {
			http.Error(w, "number and name are required", http.StatusBadRequest)
			return
		}

		id, err := d.db.SaveChannel(r.Context(), req.Number, req.Name, req.Enabled)
		if err != nil {
			d.log.Error("[ADMIN] Channel save failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		d.log.Info("[ADMIN] Channel %d (%s) saved", req.Number, req.Name)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]int64{"id": id})
	}
}

func (d *adminDeps) handleStartChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel, ok := d.channelFromRequest(w, r)
		if !ok {
			return
		}

		if err := d.mgr.StartChannel(r.Context(), channel.ID); err != nil {
			d.log.Error("[ADMIN] Start failed for channel %d: %v", channel.Number, err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		d.log.Info("[ADMIN] Channel %d started via admin API", channel.Number)
		w.WriteHeader(http.StatusNoContent)
	}
}

func (d *adminDeps) handleStopChannel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channel, ok := d.channelFromRequest(w, r)
		if !ok {
			return
		}

		d.mgr.StopChannel(channel.ID)
		d.log.Info("[ADMIN] Channel %d stopped via admin API", channel.Number)
		w.WriteHeader(http.StatusNoContent)
	}
}

// handlePrewarm starts all enabled channels and reports per-channel outcomes.
func (d *adminDeps) handlePrewarm() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results, err := d.mgr.PrewarmAll(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		out := make(map[string]string, len(results))
		for id, err := range results {
			key := strconv.FormatInt(id, 10)
			if err != nil {
				out[key] = err.Error()
			} else {
				out[key] = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

func (d *adminDeps) channelFromRequest(w http.ResponseWriter, r *http.Request) (*types.Channel, bool) {
	number, err := strconv.Atoi(mux.Vars(r)["channel"])
	if err != nil {
		http.Error(w, "invalid channel number", http.StatusBadRequest)
		return nil, false
	}

	channel, err := d.store.ChannelByNumber(r.Context(), number)
	if err != nil || channel == nil {
		http.Error(w, "channel not found", http.StatusNotFound)
		return nil, false
	}
	return channel, true
}

// formatDuration renders an uptime as "3d 4h 05m".
func formatDuration(dur time.Duration) string {
	days := int(dur.Hours()) / 24
	hours := int(dur.Hours()) % 24
	minutes := int(dur.Minutes()) % 60

	if days > 0 {
		return strconv.Itoa(days) + "d " + strconv.Itoa(hours) + "h " + pad(minutes) + "m"
	}
	if hours > 0 {
		return strconv.Itoa(hours) + "h " + pad(minutes) + "m"
	}
	return strconv.Itoa(minutes) + "m"
}

func pad(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
