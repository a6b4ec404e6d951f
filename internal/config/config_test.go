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
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Gateway.StoreDriver)
	assert.Equal(t, 5*time.Minute, cfg.Gateway.LeaseTTL)
	assert.True(t, cfg.Gateway.VerifyRevHash)
	assert.Equal(t, []string{"mutate", "exec"}, cfg.Worker.Handlers)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
gateway:
  listen: 0.0.0.0:9000
  lease_ttl: 2m
  store_driver: postgres
  dsn: postgres://localhost/peagen
worker:
  pool: gpu
  concurrency: 4
`), 0o644))

	t.Setenv("PEAGEN_WORKER_CONCURRENCY", "8")
	t.Setenv("PEAGEN_WORKER_HANDLERS", "mutate")
	t.Setenv("PEAGEN_LOG_FORMAT", "json")
	t.Setenv("PEAGEN_OTEL_ENDPOINT", "http://collector:4318")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Gateway.Listen)
	assert.Equal(t, 2*time.Minute, cfg.Gateway.LeaseTTL)
	assert.Equal(t, "postgres", cfg.Gateway.StoreDriver)
	assert.Equal(t, "gpu", cfg.Worker.Pool)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, []string{"mutate"}, cfg.Worker.Handlers)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "http://collector:4318", cfg.Telemetry.Endpoint)
	// Untouched sections keep their defaults.
	assert.Equal(t, time.Second, cfg.Gateway.ReapInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown driver", func(c *Config) { c.Gateway.StoreDriver = "mysql" }},
		{"empty dsn", func(c *Config) { c.Gateway.DSN = " " }},
		{"zero lease", func(c *Config) { c.Gateway.LeaseTTL = 0 }},
		{"no slots", func(c *Config) { c.Worker.Concurrency = 0 }},
		{"progress slower than lease", func(c *Config) { c.Worker.ProgressInterval = c.Gateway.LeaseTTL }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, DefaultConfig().Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Worker.Pool = "batch"
	require.NoError(t, Save(path, cfg))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "batch", loaded.Worker.Pool)
}
