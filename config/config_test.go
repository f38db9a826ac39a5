package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8888", cfg.RealtimeListenAddr)
	assert.Equal(t, ":8080", cfg.OpsListenAddr)
	assert.Empty(t, cfg.APIKey)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
realtime_listen_addr: ":9999"
api_key: sekret
log_level: info
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.RealtimeListenAddr)
	assert.Equal(t, "sekret", cfg.APIKey)
	assert.Equal(t, "info", cfg.LogLevel)
	// untouched keys keep their defaults
	assert.Equal(t, ":8080", cfg.OpsListenAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("RELAY_LOG_LEVEL", "warn")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
}
