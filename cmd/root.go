// Package cmd defines and implements the CLI commands for the roundcrawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/JakeFAU/roundcrawler/internal/app"
	"github.com/JakeFAU/roundcrawler/internal/clock"
	"github.com/JakeFAU/roundcrawler/internal/config"
	"github.com/JakeFAU/roundcrawler/internal/logging"
	"github.com/JakeFAU/roundcrawler/internal/proxy"
	"github.com/JakeFAU/roundcrawler/internal/store"
)

var cfgFile string

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
type App interface {
	Close()
	Config() config.Config
	Logger() *zap.Logger
	Clock() clock.Clock
	Accounts() store.AccountStore
	Compensation() store.CompensationTracker
	Ledger() store.Ledger
	Proxy() *proxy.LeaseManager
	Prober() *proxy.Prober
	Migrate(ctx context.Context) error
	Run(ctx context.Context) error
}

// newApp is the application factory. It's a variable so tests can share one
// in-memory App across several command invocations.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (App, error) {
	return app.Build(ctx, cfg, logger)
}

// flagOverrides maps command-line flags onto config fields. Only flags that
// the running command defines and the user actually set are applied.
var flagOverrides = map[string]func(*pflag.FlagSet, *config.Config) error{
	"once": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.Loop.Once, err = fs.GetBool("once")
		return err
	},
	"dry-run": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.Loop.DryRun, err = fs.GetBool("dry-run")
		return err
	},
	"interval": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.Loop.IntervalSeconds, err = fs.GetInt("interval")
		return err
	},
	"excel": func(fs *pflag.FlagSet, c *config.Config) (err error) {
		c.Targets.Path, err = fs.GetString("excel")
		return err
	},
}

func applyFlagOverrides(fs *pflag.FlagSet, cfg *config.Config) error {
	for name, apply := range flagOverrides {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := apply(fs, cfg); err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	return nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roundcrawler",
		Short: "Drives rounds of an external crawler over a fixed account list.",
		Long: `roundcrawler repeatedly runs an external crawl executable over a list of
target accounts. Each round resets per-account status, retries accounts that
failed on earlier days, runs the full list, records the outcome in a ledger
and sleeps until the next interval.`,
		SilenceUsage: true,

		// Config and logger are loaded here so every subcommand sees the same
		// App, built after flag overrides are applied.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			if err := applyFlagOverrides(cmd.Flags(), &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}

			appInstance, err := newApp(cmd.Context(), cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); environment variables use the ROUNDCRAWLER_ prefix")

	cmd.AddCommand(
		newRunCmd(),
		newStatusCmd(),
		newMigrateCmd(),
		newCompensationCmd(),
		newAccountCmd(),
		newProxyCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command's
// context; a command that returns an error exits with status 1.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
