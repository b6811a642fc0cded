package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sweepCmd)
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one expiry, archive and reclaim pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer a.Close()

		lease := time.Duration(cfg.Rooms.ReaperIntervalSeconds) * time.Second
		report, err := a.reaper.RunOnce(cmd.Context(), lease)
		if err != nil {
			return err
		}
		if report.Skipped {
			fmt.Fprintln(cmd.OutOrStdout(), "another instance holds the reaper lease; nothing done")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "expired=%d archived=%d reclaimed=%d failed=%d\n",
			report.Expired, report.Archived, report.Reclaimed, report.Failed)
		if report.Failed > 0 {
			return fmt.Errorf("%d rooms failed", report.Failed)
		}
		return nil
	},
}
