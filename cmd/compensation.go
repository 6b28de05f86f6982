package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCompensationCmd groups manual operations on the retry backlog.
func newCompensationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compensation",
		Short: "Inspects and edits the compensation backlog",
	}
	cmd.AddCommand(
		newCompensationListCmd(),
		newCompensationCompleteCmd(),
		newCompensationFailCmd(),
		newCompensationRecordCmd(),
		newCompensationHistoryCmd(),
	)
	return cmd
}

func newCompensationListCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Lists accounts awaiting compensation, oldest failure first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			pending, err := appInstance.Compensation().PendingAccounts(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list compensation backlog: %w", err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), pending)
			}
			rows := make([][]any, 0, len(pending))
			for _, t := range pending {
				rows = append(rows, []any{t.AccountID, t.AccountName})
			}
			return table(cmd.OutOrStdout(), "ACCOUNT_ID\tACCOUNT_NAME", rows)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum accounts to list (0 lists all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func newCompensationCompleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "complete <account-id>",
		Short: "Marks an account's pending compensation records completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Compensation().MarkCompleted(cmd.Context(), args[0]); err != nil {
				return fmt.Errorf("mark completed %s: %w", args[0], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "compensation completed: %s\n", args[0])
			return err
		},
	}
}

func newCompensationFailCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail <account-id>",
		Short: "Marks an account's compensation attempt failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Compensation().MarkFailed(cmd.Context(), args[0], optString(reason)); err != nil {
				return fmt.Errorf("mark failed %s: %w", args[0], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "compensation failed: %s\n", args[0])
			return err
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason to store")
	return cmd
}

func newCompensationRecordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "record",
		Short: "Records today's failures for every EXCEPTION or FAILED account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			n, err := appInstance.Compensation().RecordCurrentFailures(cmd.Context())
			if err != nil {
				return fmt.Errorf("record failures: %w", err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "recorded %d failure(s)\n", n)
			return err
		},
	}
}

func newCompensationHistoryCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <account-id>",
		Short: "Shows every compensation record for an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			records, err := appInstance.Compensation().History(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("compensation history %s: %w", args[0], err)
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), records)
			}
			rows := make([][]any, 0, len(records))
			for _, r := range records {
				rows = append(rows, []any{r.ID, r.FailedDate.Format("2006-01-02"), r.Status, fmtString(r.FailureReason), fmtTime(r.CompensationDate)})
			}
			return table(cmd.OutOrStdout(), "ID\tFAILED\tSTATUS\tREASON\tCOMPENSATED", rows)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
