// Package cmd provides the CLI commands for Meridian Core.
package cmd

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/meridianhq/meridian-core/internal/aggregate"
	"github.com/meridianhq/meridian-core/internal/cache"
	"github.com/meridianhq/meridian-core/internal/config"
	"github.com/meridianhq/meridian-core/internal/embed"
	"github.com/meridianhq/meridian-core/internal/logging"
	"github.com/meridianhq/meridian-core/internal/metrics"
	"github.com/meridianhq/meridian-core/internal/search"
	"github.com/meridianhq/meridian-core/internal/store"
	"github.com/meridianhq/meridian-core/pkg/version"
)

var (
	configPath string
	debugMode  bool
	offline    bool
)

// NewRootCmd creates the root command for the meridian CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meridian",
		Short: "Semantic memory core for the Meridian platform",
		Long: `Meridian Core maintains the semantic memory behind the Meridian
life-management platform: embedding records for pillars, areas,
projects, tasks, and journal entries, plus behavioral metrics,
aggregate snapshots, and natural language search over all of it.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.SetVersionTemplate("meridian version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file (default: built-in defaults plus MERIDIAN_* env)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging")
	cmd.PersistentFlags().BoolVar(&offline, "offline", false, "Use static embeddings (skip the provider)")

	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newBackfillCmd())
	cmd.AddCommand(newRefreshCmd())
	cmd.AddCommand(newCleanupCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// app bundles the wired-up core services for one CLI invocation.
type app struct {
	cfg      *config.Config
	store    *store.Store
	embedder embed.Embedder
	cache    *cache.Cache
	logger   *slog.Logger

	cleanup []func()
}

// newApp loads config, sets up logging, and opens the store.
func newApp() (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logCfg := logging.DefaultConfig()
	logCfg.Level = cfg.Logging.Level
	logCfg.WriteToStderr = false
	if debugMode {
		logCfg.Level = "debug"
		logCfg.WriteToStderr = true
	}
	logger, logCleanup, err := logging.Setup(logCfg)
	if err != nil {
		// Logging failure should not block the actual work.
		logger = slog.Default()
		logCleanup = func() {}
	}
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logCleanup()
		return nil, err
	}

	dims := cfg.Provider.Dimensions
	embedder, err := newEmbedder(cfg)
	if err != nil {
		logCleanup()
		return nil, err
	}
	if offline {
		dims = embed.StaticDimensions
	}

	st, err := store.Open(cfg.DatabasePath(), dims)
	if err != nil {
		_ = embedder.Close()
		logCleanup()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		store:    st,
		embedder: embedder,
		cache:    cache.New(st.DB(), logger),
		logger:   logger,
	}
	a.cleanup = append(a.cleanup,
		func() { _ = st.Close() },
		func() { _ = embedder.Close() },
		logCleanup,
	)
	return a, nil
}

func newEmbedder(cfg *config.Config) (embed.Embedder, error) {
	if offline {
		return embed.NewStaticEmbedder(), nil
	}
	return embed.NewHTTPEmbedder(embed.HTTPConfig{
		Endpoint:      cfg.Provider.Endpoint,
		APIKey:        os.Getenv(cfg.Provider.APIKeyEnv),
		Model:         cfg.Provider.Model,
		Dimensions:    cfg.Provider.Dimensions,
		Timeout:       cfg.Provider.Timeout,
		MaxInputChars: cfg.Provider.MaxInputChars,
		PoolSize:      cfg.Pipeline.Workers,
	})
}

func (a *app) close() {
	for _, fn := range a.cleanup {
		fn()
	}
}

func (a *app) retryConfig() embed.RetryConfig {
	rc := embed.DefaultRetryConfig()
	rc.MaxRetries = a.cfg.Provider.MaxRetries
	return rc
}

func (a *app) searchService() *search.Service {
	return search.NewService(a.store, a.embedder, search.Options{
		MaxResults:     a.cfg.Search.MaxResults,
		MinSimilarity:  a.cfg.Search.MinSimilarity,
		QueryCacheSize: a.cfg.Provider.QueryCacheSize,
		Retry:          a.retryConfig(),
	}, a.logger)
}

func (a *app) scheduler() *aggregate.Scheduler {
	log := metrics.NewLog(a.store.DB(), a.cfg.Metrics.WindowSize, a.logger)
	return aggregate.NewScheduler(a.store.DB(), log, a.cache, aggregate.Options{
		LockDir:           a.cfg.DataDir,
		LockTimeout:       a.cfg.Aggregate.LockTimeout,
		SnapshotRetention: time.Duration(a.cfg.Aggregate.SnapshotRetentionDays) * 24 * time.Hour,
	}, a.logger)
}
