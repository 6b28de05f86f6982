// Package app builds the long-lived services from configuration and runs the
// round loop alongside the admin server.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/roundcrawler/internal/api"
	"github.com/JakeFAU/roundcrawler/internal/clock"
	"github.com/JakeFAU/roundcrawler/internal/clock/system"
	"github.com/JakeFAU/roundcrawler/internal/config"
	"github.com/JakeFAU/roundcrawler/internal/id/uuid"
	"github.com/JakeFAU/roundcrawler/internal/metrics"
	"github.com/JakeFAU/roundcrawler/internal/orchestrator"
	"github.com/JakeFAU/roundcrawler/internal/proxy"
	"github.com/JakeFAU/roundcrawler/internal/publisher"
	gcppublisher "github.com/JakeFAU/roundcrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/roundcrawler/internal/runner"
	"github.com/JakeFAU/roundcrawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/roundcrawler/internal/storage/postgres"
	"github.com/JakeFAU/roundcrawler/internal/store"
	"github.com/JakeFAU/roundcrawler/internal/targets"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  clock.Clock

	db     *pgstore.DB
	pinger api.Pinger

	accounts     store.AccountStore
	compensation store.CompensationTracker
	ledger       store.Ledger

	proxy  *proxy.LeaseManager
	prober *proxy.Prober

	publisher       publisher.Publisher
	pubsubPublisher *gcppublisher.Publisher
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	clk, err := system.NewInZone(cfg.Clock.Timezone)
	if err != nil {
		return nil, fmt.Errorf("clock init failed: %w", err)
	}
	a := &App{cfg: cfg, logger: logger, clock: clk}

	if err := a.setupStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}
	a.setupProxy()
	if err := a.setupPublisher(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	switch a.cfg.Database.Provider {
	case config.ProviderMemory:
		a.logger.Info("using in-memory storage backend")
		mem := memory.NewStore(memory.Options{
			Clock:              a.clock,
			RetryDelay:         a.cfg.Accounts.RetryDelay,
			FailedLookbackDays: a.cfg.Accounts.FailedLookbackDays,
			WindowDays:         a.cfg.Compensation.WindowDays,
		})
		a.accounts, a.compensation, a.ledger, a.pinger = mem, mem, mem, mem
		return nil
	case config.ProviderPostgres:
	default:
		return fmt.Errorf("unknown database provider: %s", a.cfg.Database.Provider)
	}

	db, err := pgstore.Open(ctx, pgstore.Config{
		DSN:             a.cfg.Database.DSN,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	}, a.logger.Named("postgres"))
	if err != nil {
		return fmt.Errorf("postgres init failed: %w", err)
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return fmt.Errorf("postgres init failed: %w", err)
	}
	a.db = db
	a.pinger = db
	if a.cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	opts := pgstore.Options{
		Clock:              a.clock,
		RetryDelay:         a.cfg.Accounts.RetryDelay,
		FailedLookbackDays: a.cfg.Accounts.FailedLookbackDays,
		WindowDays:         a.cfg.Compensation.WindowDays,
	}
	if a.accounts, err = pgstore.NewAccountStore(db, opts); err != nil {
		return err
	}
	if a.compensation, err = pgstore.NewCompensationTracker(db, opts); err != nil {
		return err
	}
	if a.ledger, err = pgstore.NewLedger(db, opts); err != nil {
		return err
	}
	a.logger.Info("postgres storage backend ready",
		zap.Int32("max_conns", a.cfg.Database.MaxConns),
		zap.Bool("auto_migrate", a.cfg.Database.AutoMigrate),
	)
	return nil
}

func (a *App) setupProxy() {
	pc := a.cfg.Proxy
	a.proxy = proxy.NewLeaseManager(proxy.Config{
		Enabled:               pc.Enabled,
		ProviderURL:           pc.ProviderURL,
		Key:                   pc.Key,
		ExtraParams:           pc.ExtraParams,
		IPLifetime:            pc.IPLifetime,
		RefreshBuffer:         pc.RefreshBuffer,
		MaxRetries:            pc.MaxRetries,
		RetryDelay:            pc.RetryDelay,
		RequestTimeout:        pc.RequestTimeout,
		FallbackAfterFailures: pc.FallbackAfterFailures,
	},
		proxy.WithClock(a.clock),
		proxy.WithLogger(a.logger.Named("proxy")),
	)
	a.prober = proxy.NewProber(pc.ProbeURL, pc.RequestTimeout, a.logger.Named("proxy_probe"))
}

func (a *App) setupPublisher(ctx context.Context) error {
	if !a.cfg.PubSub.Enabled {
		a.logger.Info("round outcome publishing disabled")
		a.publisher = publisher.Noop{}
		return nil
	}
	pub, err := gcppublisher.Dial(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.Topic, a.logger.Named("pubsub"))
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsubPublisher = pub
	a.publisher = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return nil
}

// Config returns the configuration the App was built with.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Clock returns the zone-aware clock.
func (a *App) Clock() clock.Clock { return a.clock }

// Accounts returns the account status store.
func (a *App) Accounts() store.AccountStore { return a.accounts }

// Compensation returns the compensation tracker.
func (a *App) Compensation() store.CompensationTracker { return a.compensation }

// Ledger returns the round ledger.
func (a *App) Ledger() store.Ledger { return a.ledger }

// Proxy returns the shared proxy lease manager.
func (a *App) Proxy() *proxy.LeaseManager { return a.proxy }

// Prober returns the proxy connectivity prober.
func (a *App) Prober() *proxy.Prober { return a.prober }

// Migrate applies pending schema migrations. It is a no-op for the memory
// backend.
func (a *App) Migrate(ctx context.Context) error {
	if a.db == nil {
		a.logger.Info("memory backend has no schema to migrate")
		return nil
	}
	if err := a.db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// SingleShot reports whether the configured loop runs one round only.
func (a *App) SingleShot() bool {
	return a.cfg.Loop.Once || targets.MatchesMarker(a.cfg.Targets.Path, a.cfg.Loop.SingleShotMarker)
}

// NewOrchestrator wires the round loop from configuration.
func (a *App) NewOrchestrator() (*orchestrator.Orchestrator, error) {
	var run runner.Runner
	if !a.cfg.Loop.DryRun {
		r, err := runner.NewExecRunner(runner.Config{
			Command: a.cfg.Crawler.Command,
			Args:    a.cfg.Crawler.Args,
			Env:     a.cfg.Crawler.Env,
			WorkDir: a.cfg.Crawler.WorkDir,
			Timeout: a.cfg.Crawler.Timeout,
		}, a.logger.Named("runner"))
		if err != nil {
			return nil, fmt.Errorf("runner init failed: %w", err)
		}
		run = r
	}
	return orchestrator.New(orchestrator.Config{
		Interval:          a.cfg.LoopInterval(),
		DryRun:            a.cfg.Loop.DryRun,
		SingleShot:        a.SingleShot(),
		CompensationLimit: a.cfg.Loop.CompensationLimit,
		WorkDir:           a.cfg.Targets.WorkDir,
		TargetPath:        a.cfg.Targets.Path,
		Topic:             a.cfg.PubSub.Topic,
	}, orchestrator.Deps{
		Accounts:     a.accounts,
		Compensation: a.compensation,
		Ledger:       a.ledger,
		Runner:       run,
		Targets:      targets.FileSource{Path: a.cfg.Targets.Path, IDContains: a.cfg.Targets.IDContains},
		Publisher:    a.publisher,
		Clock:        a.clock,
		IDs:          uuid.NewUUIDGenerator(),
		Logger:       a.logger.Named("orchestrator"),
	})
}

// NewAPIServer wires the admin server.
func (a *App) NewAPIServer() *api.Server {
	return api.NewServer(api.Deps{
		Accounts:     a.accounts,
		Compensation: a.compensation,
		Ledger:       a.ledger,
		Store:        a.pinger,
		Proxy:        a.proxy,
	}, a.logger.Named("api"))
}

// Run checks the target list, then runs the round loop and, when enabled,
// the admin server until ctx ends or a single-shot loop finishes.
func (a *App) Run(ctx context.Context) error {
	if err := targets.Exists(a.cfg.Targets.Path); err != nil {
		return err
	}
	if !a.cfg.Loop.DryRun && a.cfg.Crawler.Command == "" {
		return errors.New("crawler.command must be set unless running dry")
	}
	if a.cfg.Targets.WorkDir != "" {
		if err := os.MkdirAll(a.cfg.Targets.WorkDir, 0o755); err != nil {
			return fmt.Errorf("create targets.work_dir: %w", err)
		}
	}
	orch, err := a.NewOrchestrator()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return orch.Run(gctx)
	})
	if a.cfg.Server.Enabled {
		srv := a.NewAPIServer()
		g.Go(func() error {
			return srv.Serve(gctx, fmt.Sprintf(":%d", a.cfg.Server.Port))
		})
	}

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run: %w", err)
	}
	a.logger.Info("shutdown complete")
	return nil
}

// Close releases every resource held by the App.
func (a *App) Close() {
	if a.pubsubPublisher != nil {
		if err := a.pubsubPublisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
