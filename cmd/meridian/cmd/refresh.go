package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	cerrors "github.com/meridianhq/meridian-core/internal/errors"
)

func newRefreshCmd() *cobra.Command {
	var watch time.Duration

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Recompute aggregate snapshots",
		Long: `Recompute the daily and weekly aggregate snapshots for every owner.

Only one refresh runs at a time; if another process holds the refresh
lock, this command reports it and exits without writing anything.

With --watch, keeps refreshing on the given interval until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRefresh(cmd, watch)
		},
	}

	cmd.Flags().DurationVar(&watch, "watch", 0, "Keep refreshing on this interval (e.g. 15m)")

	return cmd
}

func runRefresh(cmd *cobra.Command, watch time.Duration) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	sched := a.scheduler()
	if watch > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Refreshing every %s; Ctrl-C to stop.\n", watch)
		return sched.Run(cmd.Context(), watch)
	}

	res, err := sched.Refresh(cmd.Context())
	if cerrors.HasCode(err, cerrors.ErrCodeLockHeld) {
		fmt.Fprintln(cmd.OutOrStdout(), "Another refresh is already running; nothing to do.")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Refreshed snapshots for %d owners in %s",
		res.Owners, res.Duration.Round(time.Millisecond))
	if res.Failed > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), " (%d failed; see logs)", res.Failed)
	}
	fmt.Fprintln(cmd.OutOrStdout())
	return nil
}
