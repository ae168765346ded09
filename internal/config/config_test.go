package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_DefaultsWithNoFile(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.PDS.MaxRetries)
	assert.Equal(t, 10.0, cfg.PDS.RateLimit)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "./migrate-engine-runs.db", cfg.Run.DatabasePath)
}

func TestLoadConfig_FileOverridesDefaults(t *testing.T) {
	path := writeTempYAML(t, `
pds:
  rate_limit: 25
  max_retries: 5
store:
  mode: filesystem
  dir: /tmp/migrate-engine-store
log:
  level: debug
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 25.0, cfg.PDS.RateLimit)
	assert.Equal(t, 5, cfg.PDS.MaxRetries)
	assert.Equal(t, "filesystem", cfg.Store.Mode)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeTempYAML(t, "log:\n  level: debug\n")
	t.Setenv("MIGRATE_ENGINE_LOG_LEVEL", "warn")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadConfig_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestValidate_RejectsInvalidLogLevel(t *testing.T) {
	cfg := &Config{
		PDS: PDSConfig{Timeout: 30_000_000_000, RateLimit: 10, DescribeCacheSize: 1},
		Run: RunConfig{DatabasePath: "runs.db"},
		Log: LogConfig{Level: "verbose", Format: "json"},
	}
	require.Error(t, cfg.Validate())
}

func TestValidate_RequiresSQLitePathWhenModeIsSQLite(t *testing.T) {
	cfg := &Config{
		PDS:   PDSConfig{Timeout: 30_000_000_000, RateLimit: 10, DescribeCacheSize: 1},
		Run:   RunConfig{DatabasePath: "runs.db"},
		Log:   LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{Mode: "sqlite"},
	}
	require.Error(t, cfg.Validate())
}
