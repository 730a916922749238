package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	empty := filepath.Join(t.TempDir(), "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("{}\n"), 0o600))
	t.Setenv(PathEnvVar, empty)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9090", cfg.Prometheus.URL)
	assert.Equal(t, 30*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 10, cfg.Governor.MaxConcurrent)
	assert.Equal(t, 25, cfg.Export.BatchSize)
	assert.Equal(t, 50, cfg.Export.ActivityEvery)
	assert.Empty(t, cfg.Database.URL)
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yml := `
prometheus:
  url: http://prom.internal:9090
export:
  batch_size: 40
upstream:
  timeout: 5s
`
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))
	t.Setenv(PathEnvVar, path)
	t.Setenv("METRICSDECK_EXPORT__BATCH_SIZE", "12")
	t.Setenv("METRICSDECK_SERVER__CORS_ORIGINS", "http://a.example, http://b.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "http://prom.internal:9090", cfg.Prometheus.URL)
	assert.Equal(t, 5*time.Second, cfg.Upstream.Timeout)
	assert.Equal(t, 12, cfg.Export.BatchSize)
	assert.Equal(t, []string{"http://a.example", "http://b.example"}, cfg.Server.CORSOrigins)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"relative prometheus url", func(c *Config) { c.Prometheus.URL = "localhost" }, false},
		{"zero timeout", func(c *Config) { c.Upstream.Timeout = 0 }, false},
		{"zero concurrency", func(c *Config) { c.Governor.MaxConcurrent = 0 }, false},
		{"zero batch", func(c *Config) { c.Export.BatchSize = 0 }, false},
		{"negative rps", func(c *Config) { c.Export.RequestsPerSecond = -1 }, false},
		{"bad failure ratio", func(c *Config) { c.Breaker.FailureRatio = 2 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
