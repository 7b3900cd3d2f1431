package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds all application configuration for the station engine: HTTP
// surface, playout loop tuning, restart policy, client fan-out limits, the
// external ffmpeg invocation, and resolver behavior. Values are parsed once
// at startup in main and passed by reference everywhere; there is no cached
// package-level instance.
type Config struct {
	BaseURL             string        // Base URL used when generating playlist entries
	ListenPort          int           // HTTP listen port
	DatabasePath        string        // SQLite database file path
	Debug               bool          // Enable debug logging
	LogLevel            string        // Minimum log level (DEBUG, INFO, WARN, ERROR)
	ObfuscateUrls       bool          // Obfuscate media URLs in logs
	WorkerThreads       int           // Worker pool size for prewarm and probe tasks
	ChunkSize           int           // Read size per transcoder read, bytes
	ChunkQueueSize      int           // Per-client bounded queue capacity, in chunks
	RecentWindowSize    int64         // Ring window of recent output kept for health probes, bytes
	ClientReadTimeout   time.Duration // Per-client read timeout before keep-alive synthesis
	MaxClientTimeouts   int           // Consecutive timeouts before a client connection ends
	RestartBackoffBase  time.Duration // First supervisory restart delay (doubles per restart)
	RestartBackoffMax   time.Duration // Backoff ceiling
	MaxRestarts         int           // Restart budget before a channel stops permanently
	ItemErrorDelay      time.Duration // Pause after an item-level failure before the next item
	IdleRetryDelay      time.Duration // Pause when neither schedule nor filler has content
	StopTimeout         time.Duration // Bounded wait for a producer loop to exit on stop
	SeekSafetyMargin    int           // Never seek within this many seconds of an item's end
	DefaultItemDuration int           // Fallback duration in seconds when schedule and media give none
	PrewarmOnStart      bool          // Start all enabled channels at boot
	WatcherEnabled      bool          // Run the per-channel health watcher
	ErrorScreenEnabled  bool          // Broadcast a generated error screen during restart backoff
	FFmpegPreInput      []string      // ffmpeg arguments before -i
	FFmpegPreOutput     []string      // ffmpeg arguments before the output spec
	ResolveCacheSize    int           // Max entries in the resolved-URL cache
	ResolveCacheTTL     time.Duration // Cache lifetime cap for resolved URLs without their own expiry
	ResolveRateLimit    int           // Remote resolver lookups per second
	AdminPasswordHash   string        // bcrypt hash guarding the admin API; empty disables the check
}

// ConfigFile is the JSON file structure. Duration fields are strings
// (e.g. "30s", "2m") parsed into time.Duration during conversion.
type ConfigFile struct {
	BaseURL             string   `json:"baseURL"`
	ListenPort          int      `json:"listenPort"`
	DatabasePath        string   `json:"databasePath"`
	Debug               bool     `json:"debug"`
	LogLevel            string   `json:"logLevel"`
	ObfuscateUrls       bool     `json:"obfuscateUrls"`
	WorkerThreads       int      `json:"workerThreads"`
	ChunkSize           int      `json:"chunkSize"`
	ChunkQueueSize      int      `json:"chunkQueueSize"`
	RecentWindowSize    int64    `json:"recentWindowSize"`
	ClientReadTimeout   string   `json:"clientReadTimeout"` // Duration string (e.g. "30s")
	MaxClientTimeouts   int      `json:"maxClientTimeouts"`
	RestartBackoffBase  string   `json:"restartBackoffBase"` // Duration string (e.g. "2s")
	RestartBackoffMax   string   `json:"restartBackoffMax"`  // Duration string (e.g. "60s")
	MaxRestarts         int      `json:"maxRestarts"`
	ItemErrorDelay      string   `json:"itemErrorDelay"` // Duration string (e.g. "1s")
	IdleRetryDelay      string   `json:"idleRetryDelay"` // Duration string (e.g. "5s")
	StopTimeout         string   `json:"stopTimeout"`    // Duration string (e.g. "5s")
	SeekSafetyMargin    int      `json:"seekSafetyMargin"`
	DefaultItemDuration int      `json:"defaultItemDuration"`
	PrewarmOnStart      bool     `json:"prewarmOnStart"`
	WatcherEnabled      bool     `json:"watcherEnabled"`
	ErrorScreenEnabled  bool     `json:"errorScreenEnabled"`
	FFmpegPreInput      []string `json:"ffmpegPreInput"`
	FFmpegPreOutput     []string `json:"ffmpegPreOutput"`
	ResolveCacheSize    int      `json:"resolveCacheSize"`
	ResolveCacheTTL     string   `json:"resolveCacheTTL"` // Duration string (e.g. "5m")
	ResolveRateLimit    int      `json:"resolveRateLimit"`
	AdminPasswordHash   string   `json:"adminPasswordHash"`
}

// Load reads the configuration from path, falling back to defaults when the
// file is missing or invalid. STATION_CONFIG overrides the path when set.
func Load(path string) *Config {
	if env := os.Getenv("STATION_CONFIG"); env != "" {
		path = env
	}

	cfg, err := loadFromFile(path)
	if err != nil {
		cfg = defaultConfig()
	}

	validateAndSetDefaults(cfg)
	return cfg
}

// loadFromFile reads and parses the configuration JSON.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cf ConfigFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	return convertFromFile(&cf)
}

// convertFromFile converts a ConfigFile to Config, parsing duration strings.
// Empty duration strings are left at zero and filled by validateAndSetDefaults.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		BaseURL:             cf.BaseURL,
		ListenPort:          cf.ListenPort,
		DatabasePath:        cf.DatabasePath,
		Debug:               cf.Debug,
		LogLevel:            cf.LogLevel,
		ObfuscateUrls:       cf.ObfuscateUrls,
		WorkerThreads:       cf.WorkerThreads,
		ChunkSize:           cf.ChunkSize,
		ChunkQueueSize:      cf.ChunkQueueSize,
		RecentWindowSize:    cf.RecentWindowSize,
		MaxClientTimeouts:   cf.MaxClientTimeouts,
		MaxRestarts:         cf.MaxRestarts,
		SeekSafetyMargin:    cf.SeekSafetyMargin,
		DefaultItemDuration: cf.DefaultItemDuration,
		PrewarmOnStart:      cf.PrewarmOnStart,
		WatcherEnabled:      cf.WatcherEnabled,
		ErrorScreenEnabled:  cf.ErrorScreenEnabled,
		FFmpegPreInput:      cf.FFmpegPreInput,
		FFmpegPreOutput:     cf.FFmpegPreOutput,
		ResolveCacheSize:    cf.ResolveCacheSize,
		ResolveRateLimit:    cf.ResolveRateLimit,
		AdminPasswordHash:   cf.AdminPasswordHash,
	}

	durations := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{cf.ClientReadTimeout, &cfg.ClientReadTimeout, "clientReadTimeout"},
		{cf.RestartBackoffBase, &cfg.RestartBackoffBase, "restartBackoffBase"},
		{cf.RestartBackoffMax, &cfg.RestartBackoffMax, "restartBackoffMax"},
		{cf.ItemErrorDelay, &cfg.ItemErrorDelay, "itemErrorDelay"},
		{cf.IdleRetryDelay, &cfg.IdleRetryDelay, "idleRetryDelay"},
		{cf.StopTimeout, &cfg.StopTimeout, "stopTimeout"},
		{cf.ResolveCacheTTL, &cfg.ResolveCacheTTL, "resolveCacheTTL"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.dst = parsed
	}

	return cfg, nil
}

// defaultConfig returns a baseline configuration with sensible defaults
// when no file is present.
func defaultConfig() *Config {
	return &Config{
		BaseURL:      "http://localhost:8080",
		ListenPort:   8080,
		DatabasePath: "/data/station.db",
	}
}

// validateAndSetDefaults fills zero values with operational defaults so a
// sparse config file still yields a runnable engine.
func validateAndSetDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:8080"
	}
	if cfg.ListenPort <= 0 {
		cfg.ListenPort = 8080
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "/data/station.db"
	}
	if cfg.LogLevel == "" {
		if cfg.Debug {
			cfg.LogLevel = "DEBUG"
		} else {
			cfg.LogLevel = "INFO"
		}
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = 8
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 32 * 1024
	}
	if cfg.ChunkQueueSize <= 0 {
		cfg.ChunkQueueSize = 100
	}
	if cfg.RecentWindowSize <= 0 {
		cfg.RecentWindowSize = 4 * 1024 * 1024
	}
	if cfg.ClientReadTimeout <= 0 {
		cfg.ClientReadTimeout = 30 * time.Second
	}
	if cfg.MaxClientTimeouts <= 0 {
		cfg.MaxClientTimeouts = 10
	}
	if cfg.RestartBackoffBase <= 0 {
		cfg.RestartBackoffBase = 2 * time.Second
	}
	if cfg.RestartBackoffMax <= 0 {
		cfg.RestartBackoffMax = 60 * time.Second
	}
	if cfg.MaxRestarts <= 0 {
		cfg.MaxRestarts = 10
	}
	if cfg.ItemErrorDelay <= 0 {
		cfg.ItemErrorDelay = time.Second
	}
	if cfg.IdleRetryDelay <= 0 {
		cfg.IdleRetryDelay = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.SeekSafetyMargin <= 0 {
		cfg.SeekSafetyMargin = 10
	}
	if cfg.DefaultItemDuration <= 0 {
		cfg.DefaultItemDuration = 1800
	}
	if cfg.ResolveCacheSize <= 0 {
		cfg.ResolveCacheSize = 1024
	}
	if cfg.ResolveCacheTTL <= 0 {
		cfg.ResolveCacheTTL = 5 * time.Minute
	}
	if cfg.ResolveRateLimit <= 0 {
		cfg.ResolveRateLimit = 10
	}
}
