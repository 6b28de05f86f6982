package cmd

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/roundcrawler/internal/store"
	"github.com/JakeFAU/roundcrawler/internal/targets"
)

// newAccountCmd groups manual operations on account status rows.
func newAccountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Inspects and edits account status",
	}
	cmd.AddCommand(
		newAccountInitCmd(),
		newAccountShowCmd(),
		newAccountSetStatusCmd(),
		newAccountRetryCmd(),
		newAccountNextRetryCmd(),
	)
	return cmd
}

func newAccountInitCmd() *cobra.Command {
	var fromTargets bool
	cmd := &cobra.Command{
		Use:   "init [<account-id> <account-name>]",
		Short: "Creates PENDING rows for one account or for the whole target list",
		Long: `Creates a PENDING account_status row. Existing rows are left untouched.
With --from-targets every account of the configured target list is initialized.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var list []store.Target
			switch {
			case fromTargets && len(args) == 0:
				cfg := appInstance.Config()
				list, err = targets.FileSource{Path: cfg.Targets.Path, IDContains: cfg.Targets.IDContains}.Load(ctx)
				if err != nil {
					return err
				}
			case !fromTargets && len(args) == 2:
				list = []store.Target{{AccountID: args[0], AccountName: args[1]}}
			default:
				return errors.New("pass <account-id> <account-name> or --from-targets")
			}

			for _, t := range list {
				if err := appInstance.Accounts().Initialize(ctx, t.AccountID, t.AccountName); err != nil {
					return fmt.Errorf("initialize %s: %w", t.AccountID, err)
				}
			}
			appInstance.Logger().Info("accounts initialized", zap.Int("count", len(list)))
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "initialized %d account(s)\n", len(list))
			return err
		},
	}
	cmd.Flags().BoolVar(&fromTargets, "from-targets", false, "initialize every account in the target list")
	return cmd
}

func newAccountShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <account-id>",
		Short: "Prints one account as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			acct, err := appInstance.Accounts().Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get %s: %w", args[0], err)
			}
			return printJSON(cmd.OutOrStdout(), acct)
		},
	}
}

func newAccountSetStatusCmd() *cobra.Command {
	var msg string
	cmd := &cobra.Command{
		Use:   "set-status <account-id> <status>",
		Short: "Sets an account's status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			status, err := store.ParseStatus(args[1])
			if err != nil {
				return err
			}
			if err := appInstance.Accounts().UpdateStatus(cmd.Context(), args[0], status, optString(msg)); err != nil {
				return fmt.Errorf("set status %s: %w", args[0], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s\n", args[0], status)
			return err
		},
	}
	cmd.Flags().StringVar(&msg, "message", "", "exception message to store")
	return cmd
}

func newAccountRetryCmd() *cobra.Command {
	var msg string
	cmd := &cobra.Command{
		Use:   "retry <account-id>",
		Short: "Moves an account to RETRYING and schedules its next retry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if err := appInstance.Accounts().ResetForRetry(cmd.Context(), args[0], optString(msg)); err != nil {
				return fmt.Errorf("retry %s: %w", args[0], err)
			}
			acct, err := appInstance.Accounts().Get(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("get %s: %w", args[0], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s retrying (attempt %d, next at %s)\n",
				args[0], acct.RetryCount, fmtTime(acct.NextRetryTime))
			return err
		},
	}
	cmd.Flags().StringVar(&msg, "message", "", "exception message to store")
	return cmd
}

func newAccountNextRetryCmd() *cobra.Command {
	var (
		at    string
		after time.Duration
	)
	cmd := &cobra.Command{
		Use:   "next-retry <account-id>",
		Short: "Sets when an account may be retried",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			when, err := resolveRetryTime(appInstance.Clock().Now(), at, after)
			if err != nil {
				return err
			}
			if err := appInstance.Accounts().SetNextRetryTime(cmd.Context(), args[0], when); err != nil {
				return fmt.Errorf("set next retry %s: %w", args[0], err)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s next retry at %s\n", args[0], fmtTime(&when))
			return err
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "absolute time (RFC 3339)")
	cmd.Flags().DurationVar(&after, "in", 0, "delay from now, e.g. 30m")
	cmd.MarkFlagsMutuallyExclusive("at", "in")
	return cmd
}

func resolveRetryTime(now time.Time, at string, after time.Duration) (time.Time, error) {
	switch {
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse --at: %w", err)
		}
		return t, nil
	case after > 0:
		return now.Add(after), nil
	default:
		return time.Time{}, errors.New("pass --at or --in")
	}
}
