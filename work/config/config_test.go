package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg := Load(filepath.Join(t.TempDir(), "nope.json"))

	assert.Equal(t, 8080, cfg.ListenPort)
	assert.Equal(t, 32*1024, cfg.ChunkSize)
	assert.Equal(t, 100, cfg.ChunkQueueSize)
	assert.Equal(t, 30*time.Second, cfg.ClientReadTimeout)
	assert.Equal(t, 10, cfg.MaxClientTimeouts)
	assert.Equal(t, 2*time.Second, cfg.RestartBackoffBase)
	assert.Equal(t, 60*time.Second, cfg.RestartBackoffMax)
	assert.Equal(t, 10, cfg.MaxRestarts)
	assert.Equal(t, 10, cfg.SeekSafetyMargin)
	assert.Equal(t, 1800, cfg.DefaultItemDuration)
	assert.Equal(t, "INFO", cfg.LogLevel)
}

func TestLoadParsesDurationsAndOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"baseURL": "http://tv.example:9000",
		"listenPort": 9000,
		"clientReadTimeout": "15s",
		"restartBackoffBase": "500ms",
		"restartBackoffMax": "30s",
		"maxRestarts": 5,
		"seekSafetyMargin": 20,
		"debug": true
	}`), 0o644))

	cfg := Load(path)

	assert.Equal(t, "http://tv.example:9000", cfg.BaseURL)
	assert.Equal(t, 9000, cfg.ListenPort)
	assert.Equal(t, 15*time.Second, cfg.ClientReadTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.RestartBackoffBase)
	assert.Equal(t, 30*time.Second, cfg.RestartBackoffMax)
	assert.Equal(t, 5, cfg.MaxRestarts)
	assert.Equal(t, 20, cfg.SeekSafetyMargin)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
}

func TestLoadInvalidJSONFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{nope"), 0o644))

	cfg := Load(path)
	assert.Equal(t, 8080, cfg.ListenPort)
}

func TestLoadInvalidDurationFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad-duration.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"clientReadTimeout": "soon"}`), 0o644))

	cfg := Load(path)
	assert.Equal(t, 30*time.Second, cfg.ClientReadTimeout)
}
