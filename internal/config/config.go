// Package config loads and validates Meridian Core configuration from a
// YAML file with environment-variable overrides (MERIDIAN_*).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	cerrors "github.com/meridianhq/meridian-core/internal/errors"
)

// Config represents the complete core configuration.
type Config struct {
	DataDir   string          `yaml:"data_dir" json:"data_dir"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Provider  ProviderConfig  `yaml:"provider" json:"provider"`
	Pipeline  PipelineConfig  `yaml:"pipeline" json:"pipeline"`
	Metrics   MetricsConfig   `yaml:"metrics" json:"metrics"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	Aggregate AggregateConfig `yaml:"aggregate" json:"aggregate"`
	Search    SearchConfig    `yaml:"search" json:"search"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
}

// ProviderConfig configures the external embedding provider.
type ProviderConfig struct {
	// Endpoint is the embeddings API base URL.
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	// APIKeyEnv names the environment variable holding the API key.
	// The key itself never lives in the config file.
	APIKeyEnv string `yaml:"api_key_env" json:"api_key_env"`
	Model     string `yaml:"model" json:"model"`
	// Dimensions is the embedding vector dimension.
	Dimensions int `yaml:"dimensions" json:"dimensions"`
	// Timeout bounds a single embedding call.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
	// MaxRetries is the retry budget for transient failures.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// MaxInputChars truncates oversized inputs before the call.
	MaxInputChars int `yaml:"max_input_chars" json:"max_input_chars"`
	// QueryCacheSize is the LRU size for cached query embeddings.
	QueryCacheSize int `yaml:"query_cache_size" json:"query_cache_size"`
}

// PipelineConfig configures the embedding pipeline.
type PipelineConfig struct {
	// Workers is the fixed worker count for batch embedding
	// (bounded parallelism against provider rate limits).
	Workers int `yaml:"workers" json:"workers"`
}

// MetricsConfig configures the behavioral metrics log.
type MetricsConfig struct {
	// WindowSize bounds the per-entity rolling log (default 90).
	WindowSize int `yaml:"window_size" json:"window_size"`
}

// CacheConfig configures the query cache.
type CacheConfig struct {
	// DefaultTTL applies when callers pass ttl <= 0.
	DefaultTTL time.Duration `yaml:"default_ttl" json:"default_ttl"`
	// CleanupGrace keeps expired entries around briefly before purge.
	CleanupGrace time.Duration `yaml:"cleanup_grace" json:"cleanup_grace"`
}

// AggregateConfig configures the aggregation scheduler.
type AggregateConfig struct {
	// LockTimeout invalidates a held lock after a crash.
	LockTimeout time.Duration `yaml:"lock_timeout" json:"lock_timeout"`
	// SnapshotRetentionDays bounds how long old snapshots are kept.
	SnapshotRetentionDays int `yaml:"snapshot_retention_days" json:"snapshot_retention_days"`
}

// SearchConfig configures the semantic search service.
type SearchConfig struct {
	MaxResults    int     `yaml:"max_results" json:"max_results"`
	MinSimilarity float64 `yaml:"min_similarity" json:"min_similarity"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir: defaultDataDir(),
		Logging: LoggingConfig{Level: "info"},
		Provider: ProviderConfig{
			Endpoint:       "https://api.openai.com/v1",
			APIKeyEnv:      "MERIDIAN_PROVIDER_API_KEY",
			Model:          "text-embedding-3-small",
			Dimensions:     1536,
			Timeout:        10 * time.Second,
			MaxRetries:     3,
			MaxInputChars:  8000,
			QueryCacheSize: 1000,
		},
		Pipeline: PipelineConfig{Workers: 4},
		Metrics:  MetricsConfig{WindowSize: 90},
		Cache: CacheConfig{
			DefaultTTL:   5 * time.Minute,
			CleanupGrace: time.Hour,
		},
		Aggregate: AggregateConfig{
			LockTimeout:           10 * time.Minute,
			SnapshotRetentionDays: 30,
		},
		Search: SearchConfig{
			MaxResults:    10,
			MinSimilarity: 0.7,
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "meridian")
	}
	return filepath.Join(home, ".meridian")
}

// Load reads configuration from the given path, falling back to defaults
// when the file is absent, then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file is fine; defaults plus env apply.
		case err != nil:
			return nil, cerrors.Wrap(cerrors.ErrCodeConfigNotFound, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, cerrors.Wrap(cerrors.ErrCodeConfigInvalid, err)
			}
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies MERIDIAN_* environment overrides. Env vars take
// precedence over file values.
func (c *Config) applyEnv() {
	if v := os.Getenv("MERIDIAN_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("MERIDIAN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MERIDIAN_PROVIDER_ENDPOINT"); v != "" {
		c.Provider.Endpoint = v
	}
	if v := os.Getenv("MERIDIAN_PROVIDER_MODEL"); v != "" {
		c.Provider.Model = v
	}
	if v := os.Getenv("MERIDIAN_PROVIDER_DIMENSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Provider.Dimensions = n
		}
	}
	if v := os.Getenv("MERIDIAN_PIPELINE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Pipeline.Workers = n
		}
	}
	if v := os.Getenv("MERIDIAN_METRICS_WINDOW"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Metrics.WindowSize = n
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return cerrors.New(cerrors.ErrCodeConfigInvalid, "data_dir must be set", nil)
	}
	if c.Provider.Dimensions <= 0 {
		return cerrors.New(cerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("provider.dimensions must be positive, got %d", c.Provider.Dimensions), nil)
	}
	if c.Provider.Timeout <= 0 {
		return cerrors.New(cerrors.ErrCodeConfigInvalid, "provider.timeout must be positive", nil)
	}
	if c.Provider.MaxRetries < 0 {
		return cerrors.New(cerrors.ErrCodeConfigInvalid, "provider.max_retries must not be negative", nil)
	}
	if c.Pipeline.Workers <= 0 {
		return cerrors.New(cerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("pipeline.workers must be positive, got %d", c.Pipeline.Workers), nil)
	}
	if c.Metrics.WindowSize <= 0 {
		return cerrors.New(cerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("metrics.window_size must be positive, got %d", c.Metrics.WindowSize), nil)
	}
	if c.Search.MinSimilarity < 0 || c.Search.MinSimilarity > 1 {
		return cerrors.New(cerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("search.min_similarity must be in [0,1], got %g", c.Search.MinSimilarity), nil)
	}
	if c.Search.MaxResults <= 0 {
		return cerrors.New(cerrors.ErrCodeConfigInvalid, "search.max_results must be positive", nil)
	}
	return nil
}

// DatabasePath returns the sqlite database path under the data dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "core.db")
}

// Save writes the configuration to the given path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
