package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kptv-station/work/buffer"
	"kptv-station/work/client"
	"kptv-station/work/config"
	"kptv-station/work/database"
	"kptv-station/work/filler"
	"kptv-station/work/handlers"
	"kptv-station/work/logger"
	"kptv-station/work/manager"
	"kptv-station/work/middleware"
	"kptv-station/work/resolver"
	"kptv-station/work/stream"
	"kptv-station/work/transcode"
	"kptv-station/work/types"
	"kptv-station/work/watcher"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.Load(os.Getenv("STATION_CONFIG"))

	// set up logging
	appLog := logger.New(cfg.LogLevel)

	// open the database and run migrations
	db, err := database.Open(cfg.DatabasePath, appLog)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// initialize buffer pool for transcoder reads
	bufferPool := buffer.NewPool(cfg.ChunkSize)

	// initialize HTTP client
	httpClient := client.NewHeaderSettingClient()

	// initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// media resolver with external source coordinates from the environment
	mediaResolver := resolver.New(cfg, resolver.Options{
		PlexBaseURL: os.Getenv("PLEX_BASE_URL"),
		PlexToken:   os.Getenv("PLEX_TOKEN"),
		YtdlpPath:   os.Getenv("YTDLP_PATH"),
	}, appLog, httpClient)

	// transcoder and optional error screen capability
	transcoder := transcode.New(cfg, appLog)
	var errorScreen types.ErrorScreen
	if cfg.ErrorScreenEnabled {
		errorScreen = transcode.NewErrorScreen(cfg, appLog)
	}

	// filler selection over the shared store
	fillers := filler.New(db, nil)

	// channel manager with the stream dependency set
	mgr := manager.New(cfg, appLog, db, stream.Deps{
		Config:      cfg,
		Logger:      appLog,
		Store:       db,
		Resolver:    mediaResolver,
		Transcoder:  transcoder,
		ErrorScreen: errorScreen,
		Fillers:     fillers,
		Buffers:     bufferPool,
	}, workerPool)

	// optional health watcher, wired both ways: the manager feeds it output
	// telemetry, the watcher forces restarts through the manager
	var watcherMgr *watcher.WatcherManager
	if cfg.WatcherEnabled {
		watcherMgr = watcher.NewWatcherManager(cfg, appLog, mgr)
		mgr.SetWatchdog(watcherMgr)
		watcherMgr.Start()
		defer watcherMgr.Stop()
	}

	// prewarm enabled channels so viewers never pay the cold-start cost
	if cfg.PrewarmOnStart {
		if _, err := mgr.PrewarmAll(context.Background()); err != nil {
			appLog.Error("Prewarm failed: %v", err)
		}
	}

	// setup HTTP routes
	router := mux.NewRouter()
	h := handlers.New(cfg, appLog, db, mgr)

	router.HandleFunc("/playlist", middleware.Gzip(appLog, h.HandlePlaylist())).Methods("GET")
	router.HandleFunc("/stream/{channel}", h.HandleStream()).Methods("GET")
	router.HandleFunc("/status", middleware.Gzip(appLog, h.HandleStatus())).Methods("GET")
	router.HandleFunc("/status/{channel}", middleware.Gzip(appLog, h.HandleChannelStatus())).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	setupAdminRoutes(router, &adminDeps{
		log:          appLog,
		store:        db,
		db:           db,
		mgr:          mgr,
		passwordHash: cfg.AdminPasswordHash,
	})

	// compact the database once a day; position upserts churn pages over time
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for range ticker.C {
			if err := db.Vacuum(); err != nil {
				appLog.Warn("Database vacuum failed: %v", err)
			}
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	appLog.Info("Starting KPTV Station %s", Version)
	appLog.Info("Server configuration:")
	appLog.Info("  - Base URL: %s", cfg.BaseURL)
	appLog.Info("  - Database: %s", cfg.DatabasePath)
	appLog.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	appLog.Info("  - Chunk Size: %d", cfg.ChunkSize)
	appLog.Info("  - Client Queue: %d chunks", cfg.ChunkQueueSize)
	appLog.Info("  - Max Restarts: %d", cfg.MaxRestarts)
	appLog.Info("  - Prewarm on Start: %v", cfg.PrewarmOnStart)
	appLog.Info("  - Watcher Enabled: %v", cfg.WatcherEnabled)
	appLog.Info("  - Error Screen Enabled: %v", cfg.ErrorScreenEnabled)
	appLog.Info("  - Debug Enabled: %v", cfg.Debug)
	appLog.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	server := &http.Server{Addr: addr, Handler: router}

	// stop producers and persist positions on shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		appLog.Info("Shutdown requested, stopping channels...")
		mgr.StopAll()
		server.Shutdown(context.Background())
	}()

	// fire us up
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Server failed to start: %v", err)
	}
}
