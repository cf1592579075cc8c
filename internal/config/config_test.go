package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/meridianhq/meridian-core/internal/errors"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 1536, cfg.Provider.Dimensions)
	assert.Equal(t, 10*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, 3, cfg.Provider.MaxRetries)
	assert.Equal(t, 4, cfg.Pipeline.Workers)
	assert.Equal(t, 90, cfg.Metrics.WindowSize)
	assert.Equal(t, 5*time.Minute, cfg.Cache.DefaultTTL)
	assert.Equal(t, 10, cfg.Search.MaxResults)
	assert.InDelta(t, 0.7, cfg.Search.MinSimilarity, 1e-9)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Provider.Model, cfg.Provider.Model)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
provider:
  endpoint: http://localhost:11434/v1
  model: nomic-embed-text
  dimensions: 768
  timeout: 5s
  max_retries: 2
  max_input_chars: 8000
  query_cache_size: 100
pipeline:
  workers: 2
metrics:
  window_size: 30
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nomic-embed-text", cfg.Provider.Model)
	assert.Equal(t, 768, cfg.Provider.Dimensions)
	assert.Equal(t, 5*time.Second, cfg.Provider.Timeout)
	assert.Equal(t, 2, cfg.Pipeline.Workers)
	assert.Equal(t, 30, cfg.Metrics.WindowSize)
	// Untouched sections keep defaults.
	assert.Equal(t, 10, cfg.Search.MaxResults)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MERIDIAN_PROVIDER_MODEL", "text-embedding-3-large")
	t.Setenv("MERIDIAN_PROVIDER_DIMENSIONS", "3072")
	t.Setenv("MERIDIAN_METRICS_WINDOW", "120")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "text-embedding-3-large", cfg.Provider.Model)
	assert.Equal(t, 3072, cfg.Provider.Dimensions)
	assert.Equal(t, 120, cfg.Metrics.WindowSize)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero dimensions", func(c *Config) { c.Provider.Dimensions = 0 }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"zero window", func(c *Config) { c.Metrics.WindowSize = 0 }},
		{"similarity above one", func(c *Config) { c.Search.MinSimilarity = 1.5 }},
		{"negative retries", func(c *Config) { c.Provider.MaxRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Equal(t, cerrors.ErrCodeConfigInvalid, cerrors.GetCode(err))
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.yaml")
	cfg := Default()
	cfg.Provider.Model = "custom-model"
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "custom-model", loaded.Provider.Model)
}
