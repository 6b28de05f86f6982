package cmd

import (
	"github.com/spf13/cobra"
)

// newRunCmd creates the 'run' subcommand, the long-running round loop.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs crawl rounds until interrupted",
		Long: `Runs the round loop: reset, compensation pass, full pass, ledger entry,
then sleep until the next interval. With --once, or when the target list's
file name contains the configured single-shot marker, exactly one round runs.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Run(cmd.Context())
		},
	}
	cmd.Flags().Bool("once", false, "run a single round and exit")
	cmd.Flags().Bool("dry-run", false, "skip the crawler and report every round as finished")
	cmd.Flags().Int("interval", 60, "seconds between round starts (overrides LOOP_INTERVAL_SECONDS)")
	cmd.Flags().String("excel", "", "path of the target list (CSV or YAML)")
	return cmd
}
