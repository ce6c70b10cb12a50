package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "NUOC server", cfg.ServiceName)
	assert.Equal(t, "4097", cfg.Port)
	assert.Equal(t, ":4097", cfg.Addr())
	assert.Equal(t, ".oc-workflow/journal.db", cfg.DatabaseURL)
	assert.Equal(t, time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, int64(1<<20), cfg.MaxBodyBytes)
	assert.Empty(t, cfg.RedisURL)
	assert.Empty(t, cfg.OTLPEndpoint)
}

func TestLoadYAMLThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nuoc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "5000"
database_url: postgres://localhost/nuoc
reconcile_interval: 30s
rate_limit_rps: 0
redis_url: redis://localhost:6379/0
log_level: warn
`), 0o600))

	t.Setenv("PORT", "6000")
	t.Setenv("REQUEST_TIMEOUT", "3s")
	t.Setenv("TRACE_SAMPLE_RATE", "0.25")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "6000", cfg.Port)
	assert.Equal(t, "postgres://localhost/nuoc", cfg.DatabaseURL)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, 0, cfg.RateLimitRPS)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 3*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 0.25, cfg.TraceSampleRate)
	assert.Equal(t, "warn", cfg.LogLevel)
}

func TestLoadDebugOverridesLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: ["), 0o600))
	_, err = Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port not a number", func(c *Config) { c.Port = "http" }},
		{"port out of range", func(c *Config) { c.Port = "70000" }},
		{"no database", func(c *Config) { c.DatabaseURL = "" }},
		{"no body", func(c *Config) { c.MaxBodyBytes = 0 }},
		{"zero burst", func(c *Config) { c.RateLimitBurst = 0 }},
		{"sample rate", func(c *Config) { c.TraceSampleRate = 1.5 }},
		{"negative reconcile", func(c *Config) { c.ReconcileInterval = -time.Second }},
		{"log level", func(c *Config) { c.LogLevel = "verbose" }},
	}

	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel("WARNING")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	level, err = ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}
