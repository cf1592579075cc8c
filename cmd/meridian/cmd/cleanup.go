package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newCleanupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Purge expired cache entries and stale snapshots",
		Long: `Purge query cache entries past their expiry grace period and
aggregate snapshots older than the retention window. Safe to run on a
schedule; both purges are idempotent.`,
		RunE: runCleanup,
	}
	return cmd
}

func runCleanup(cmd *cobra.Command, _ []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx := cmd.Context()
	purgedCache, err := a.cache.Cleanup(ctx, a.cfg.Cache.CleanupGrace)
	if err != nil {
		return err
	}

	retention := time.Duration(a.cfg.Aggregate.SnapshotRetentionDays) * 24 * time.Hour
	purgedSnaps, err := a.store.DB().PurgeSnapshots(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Cleanup done: %d cache entries, %d snapshots purged\n",
		purgedCache, purgedSnaps)
	return nil
}
