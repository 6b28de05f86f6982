package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/roundcrawler/internal/store"
)

type statusReport struct {
	Summary map[string]int64      `json:"summary"`
	Pending []store.Target        `json:"compensation_pending"`
	Failed  []store.AccountStatus `json:"failed"`
	Rounds  []store.LedgerEntry   `json:"rounds"`
}

// newStatusCmd prints the account histogram, the compensation backlog and
// recent round outcomes.
func newStatusCmd() *cobra.Command {
	var (
		asJSON bool
		rounds int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Shows account, compensation and round status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var rep statusReport
			if rep.Summary, err = appInstance.Accounts().Summary(ctx); err != nil {
				return fmt.Errorf("account summary: %w", err)
			}
			if rep.Failed, err = appInstance.Accounts().ListFailed(ctx); err != nil {
				return fmt.Errorf("list failed accounts: %w", err)
			}
			if rep.Pending, err = appInstance.Compensation().PendingAccounts(ctx, 0); err != nil {
				return fmt.Errorf("list compensation backlog: %w", err)
			}
			if rep.Rounds, err = appInstance.Ledger().Recent(ctx, rounds); err != nil {
				return fmt.Errorf("list rounds: %w", err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return printJSON(out, rep)
			}

			rows := make([][]any, 0, len(store.AllStatuses)+1)
			for _, st := range store.AllStatuses {
				rows = append(rows, []any{st, rep.Summary[string(st)]})
			}
			rows = append(rows, []any{store.SummaryTotalKey, rep.Summary[store.SummaryTotalKey]})
			if err := table(out, "STATUS\tCOUNT", rows); err != nil {
				return err
			}

			fmt.Fprintf(out, "\ncompensation backlog: %d account(s)\n", len(rep.Pending))
			fmt.Fprintf(out, "failed accounts: %d\n\n", len(rep.Failed))

			rows = rows[:0]
			for _, e := range rep.Rounds {
				rows = append(rows, []any{e.ID, e.FinishedDate.Format("2006-01-02"), e.Status, e.CreateTime.Format("2006-01-02 15:04:05")})
			}
			return table(out, "ROUND\tDATE\tSTATUS\tRECORDED", rows)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().IntVar(&rounds, "rounds", 10, "number of recent rounds to show")
	return cmd
}
