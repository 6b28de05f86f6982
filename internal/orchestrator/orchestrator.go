// Package orchestrator drives crawl rounds. A round resets account state,
// retries the compensation backlog, crawls the full target list, and writes
// one ledger entry describing whether every target completed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/roundcrawler/internal/clock"
	"github.com/JakeFAU/roundcrawler/internal/id/uuid"
	"github.com/JakeFAU/roundcrawler/internal/metrics"
	"github.com/JakeFAU/roundcrawler/internal/publisher"
	"github.com/JakeFAU/roundcrawler/internal/runner"
	"github.com/JakeFAU/roundcrawler/internal/store"
	"github.com/JakeFAU/roundcrawler/internal/targets"
)

const (
	passCompensation = "compensation"
	passFull         = "full"
)

// Config controls the loop.
type Config struct {
	// Interval is the minimum time between round starts.
	Interval time.Duration
	// DryRun skips the crawler; compensation entries are marked completed
	// and the round is recorded as finished.
	DryRun bool
	// SingleShot stops the loop after one round.
	SingleShot bool
	// CompensationLimit caps the compensation pass. Zero means no cap.
	CompensationLimit int
	// WorkDir holds temporary compensation target lists.
	WorkDir string
	// TargetPath is handed to the crawler for the full pass.
	TargetPath string
	// Topic receives a RoundReport after every round.
	Topic string
}

// IDGenerator names rounds.
type IDGenerator interface {
	NewID() (string, error)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Accounts     store.AccountStore
	Compensation store.CompensationTracker
	Ledger       store.Ledger
	Runner       runner.Runner
	Targets      targets.Source
	Publisher    publisher.Publisher
	Clock        clock.Clock
	IDs          IDGenerator
	Logger       *zap.Logger
	// Sleep waits between rounds; it returns early with ctx.Err().
	Sleep func(context.Context, time.Duration) error
}

// RoundReport summarizes one round.
type RoundReport struct {
	RoundID               string             `json:"round_id"`
	StartedAt             time.Time          `json:"started_at"`
	Duration              time.Duration      `json:"duration"`
	DryRun                bool               `json:"dry_run"`
	Reset                 store.ResetResult  `json:"reset"`
	CompensationAttempted int                `json:"compensation_attempted"`
	CompensationCompleted int                `json:"compensation_completed"`
	CompensationFailed    int                `json:"compensation_failed"`
	Attempted             int                `json:"attempted"`
	Incomplete            []string           `json:"incomplete,omitempty"`
	Recorded              int64              `json:"recorded"`
	Status                store.LedgerStatus `json:"status"`
}

// Orchestrator runs rounds sequentially.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

// New validates deps and returns an Orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Accounts == nil:
		return nil, errors.New("orchestrator: account store is required")
	case deps.Compensation == nil:
		return nil, errors.New("orchestrator: compensation tracker is required")
	case deps.Ledger == nil:
		return nil, errors.New("orchestrator: ledger is required")
	case deps.Targets == nil:
		return nil, errors.New("orchestrator: target source is required")
	case deps.Runner == nil && !cfg.DryRun:
		return nil, errors.New("orchestrator: runner is required unless dry-run")
	}
	if deps.Publisher == nil {
		deps.Publisher = publisher.Noop{}
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.IDs == nil {
		deps.IDs = uuid.NewUUIDGenerator()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	return &Orchestrator{cfg: cfg, deps: deps, log: deps.Logger}, nil
}

// Run executes rounds until ctx ends or, in single-shot mode, after one
// round. It returns nil on a clean stop.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("round loop starting",
		zap.Duration("interval", o.cfg.Interval),
		zap.Bool("dry_run", o.cfg.DryRun),
		zap.Bool("single_shot", o.cfg.SingleShot),
		zap.String("targets", o.cfg.TargetPath),
	)
	for {
		start := o.deps.Clock.Now()
		report, err := o.RunRound(ctx)
		if err != nil {
			o.log.Error("round failed", zap.String("round_id", report.RoundID), zap.Error(err))
		}
		if ctx.Err() != nil {
			o.log.Info("round loop interrupted")
			return nil
		}
		if o.cfg.SingleShot {
			o.log.Info("single-shot round done; stopping", zap.String("status", string(report.Status)))
			return nil
		}
		wait := o.cfg.Interval - o.deps.Clock.Now().Sub(start)
		if wait < 0 {
			wait = 0
		}
		o.log.Info("waiting for next round", zap.Duration("wait", wait))
		if err := o.deps.Sleep(ctx, wait); err != nil {
			o.log.Info("round loop interrupted")
			return nil
		}
	}
}

// RunRound executes one round. A panic inside the round is recovered and
// returned as an error. The report is populated as far as the round got.
func (o *Orchestrator) RunRound(ctx context.Context) (report RoundReport, err error) {
	report.StartedAt = o.deps.Clock.Now()
	report.DryRun = o.cfg.DryRun
	report.RoundID, err = o.deps.IDs.NewID()
	if err != nil {
		o.log.Warn("round id generation failed", zap.Error(err))
		report.RoundID = report.StartedAt.Format("20060102T150405")
	}
	log := o.log.With(zap.String("round_id", report.RoundID))

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("round panicked: %v", r)
			report.Duration = o.deps.Clock.Now().Sub(report.StartedAt)
			metrics.ObserveRound("panic", report.Duration)
		}
	}()

	log.Info("round started")
	o.reset(ctx, log, &report)
	o.compensate(ctx, log, &report)
	status, fullErr := o.fullPass(ctx, log, &report)
	report.Status = status

	if ctx.Err() != nil {
		report.Duration = o.deps.Clock.Now().Sub(report.StartedAt)
		return report, fmt.Errorf("round interrupted: %w", ctx.Err())
	}
	if fullErr != nil {
		log.Warn("full pass did not finish", zap.Error(fullErr))
	}

	if err := o.deps.Ledger.Append(ctx, status); err != nil {
		log.Error("ledger append failed", zap.String("status", string(status)), zap.Error(err))
	}
	report.Duration = o.deps.Clock.Now().Sub(report.StartedAt)
	metrics.ObserveRound(string(status), report.Duration)
	o.refreshSummary(ctx, log)
	o.publish(ctx, log, report)

	log.Info("round finished",
		zap.String("status", string(status)),
		zap.Int("attempted", report.Attempted),
		zap.Int("incomplete", len(report.Incomplete)),
		zap.Int("compensation_completed", report.CompensationCompleted),
		zap.Int("compensation_failed", report.CompensationFailed),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

func (o *Orchestrator) reset(ctx context.Context, log *zap.Logger, report *RoundReport) {
	res, err := o.deps.Accounts.ResetAllToPending(ctx)
	if err != nil {
		log.Error("reset to pending failed; continuing", zap.Error(err))
		return
	}
	report.Reset = res
	log.Info("accounts reset",
		zap.Int64("recorded", res.Recorded),
		zap.Int64("snapshotted", res.Snapshotted),
		zap.Int64("reset", res.Reset),
	)
}

func (o *Orchestrator) compensate(ctx context.Context, log *zap.Logger, report *RoundReport) {
	pending, err := o.deps.Compensation.PendingAccounts(ctx, o.cfg.CompensationLimit)
	if err != nil {
		log.Error("load compensation backlog failed; skipping pass", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		log.Debug("compensation backlog empty")
		return
	}
	report.CompensationAttempted = len(pending)
	log.Info("compensation pass", zap.Int("accounts", len(pending)))

	if o.cfg.DryRun {
		for _, t := range pending {
			o.markCompleted(ctx, log, report, t)
		}
		return
	}

	path, err := targets.WriteTemp(o.cfg.WorkDir, "compensation", pending)
	if err != nil {
		log.Error("write compensation target list failed; skipping pass", zap.Error(err))
		return
	}
	defer func() {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("remove compensation target list failed", zap.String("path", path), zap.Error(err))
		}
	}()

	_, runErr := o.deps.Runner.Run(ctx, path)
	metrics.ObserveCrawlerRun(passCompensation, runResult(runErr))
	if runErr != nil {
		if ctx.Err() != nil {
			return
		}
		reason := runErr.Error()
		log.Warn("compensation crawl failed; marking backlog failed", zap.Error(runErr))
		for _, t := range pending {
			if err := o.deps.Compensation.MarkFailed(ctx, t.AccountID, &reason); err != nil {
				metrics.ObserveCompensationMark("error")
				log.Error("mark compensation failed", zap.String("account_id", t.AccountID), zap.Error(err))
				continue
			}
			metrics.ObserveCompensationMark("failed")
			report.CompensationFailed++
		}
		return
	}

	byID, err := o.loadAccounts(ctx, pending)
	if err != nil {
		log.Error("check compensation results failed; leaving backlog pending", zap.Error(err))
		return
	}
	for _, t := range pending {
		acct, ok := byID[t.AccountID]
		if !ok || acct.Status != store.StatusCompleted {
			log.Info("compensation account still incomplete; left pending",
				zap.String("account_id", t.AccountID),
				zap.Bool("known", ok),
				zap.String("status", string(acct.Status)),
			)
			continue
		}
		o.markCompleted(ctx, log, report, t)
	}
}

func (o *Orchestrator) markCompleted(ctx context.Context, log *zap.Logger, report *RoundReport, t store.Target) {
	if err := o.deps.Compensation.MarkCompleted(ctx, t.AccountID); err != nil {
		metrics.ObserveCompensationMark("error")
		log.Error("mark compensation completed failed", zap.String("account_id", t.AccountID), zap.Error(err))
		return
	}
	metrics.ObserveCompensationMark("completed")
	report.CompensationCompleted++
}

// fullPass returns the ledger status for the round.
func (o *Orchestrator) fullPass(ctx context.Context, log *zap.Logger, report *RoundReport) (store.LedgerStatus, error) {
	if o.cfg.DryRun {
		log.Info("dry run; skipping crawler")
		return store.LedgerFinished, nil
	}

	_, runErr := o.deps.Runner.Run(ctx, o.cfg.TargetPath)
	metrics.ObserveCrawlerRun(passFull, runResult(runErr))
	if runErr != nil {
		if ctx.Err() != nil {
			return store.LedgerUnfinished, runErr
		}
		o.recordFailures(ctx, log, report)
		return store.LedgerUnfinished, fmt.Errorf("crawler: %w", runErr)
	}

	list, err := o.deps.Targets.Load(ctx)
	if err != nil {
		o.recordFailures(ctx, log, report)
		return store.LedgerUnfinished, fmt.Errorf("load target list: %w", err)
	}
	report.Attempted = len(list)

	incomplete, err := o.incomplete(ctx, list)
	if err != nil {
		o.recordFailures(ctx, log, report)
		return store.LedgerUnfinished, fmt.Errorf("check completion: %w", err)
	}
	if len(incomplete) > 0 {
		report.Incomplete = incomplete
		o.recordFailures(ctx, log, report)
		return store.LedgerUnfinished, fmt.Errorf("%d of %d accounts incomplete", len(incomplete), len(list))
	}
	return store.LedgerFinished, nil
}

// incomplete lists attempted ids that are missing or not COMPLETED. An
// empty attempted list is itself a failure.
func (o *Orchestrator) incomplete(ctx context.Context, attempted []store.Target) ([]string, error) {
	if len(attempted) == 0 {
		return nil, targets.ErrEmpty
	}
	byID, err := o.loadAccounts(ctx, attempted)
	if err != nil {
		return nil, err
	}
	var out []string
	seen := make(map[string]struct{}, len(attempted))
	for _, t := range attempted {
		if _, dup := seen[t.AccountID]; dup {
			continue
		}
		seen[t.AccountID] = struct{}{}
		if acct, ok := byID[t.AccountID]; !ok || acct.Status != store.StatusCompleted {
			out = append(out, t.AccountID)
		}
	}
	return out, nil
}

func (o *Orchestrator) loadAccounts(ctx context.Context, list []store.Target) (map[string]store.AccountStatus, error) {
	ids := make([]string, 0, len(list))
	for _, t := range list {
		ids = append(ids, t.AccountID)
	}
	accts, err := o.deps.Accounts.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.AccountStatus, len(accts))
	for _, a := range accts {
		byID[a.AccountID] = a
	}
	return byID, nil
}

func (o *Orchestrator) recordFailures(ctx context.Context, log *zap.Logger, report *RoundReport) {
	n, err := o.deps.Compensation.RecordCurrentFailures(ctx)
	if err != nil {
		log.Error("record current failures failed", zap.Error(err))
		return
	}
	report.Recorded += n
	log.Info("recorded current failures", zap.Int64("records", n))
}

func (o *Orchestrator) refreshSummary(ctx context.Context, log *zap.Logger) {
	summary, err := o.deps.Accounts.Summary(ctx)
	if err != nil {
		log.Warn("status summary failed", zap.Error(err))
		return
	}
	metrics.SetAccountSummary(summary)
}

func (o *Orchestrator) publish(ctx context.Context, log *zap.Logger, report RoundReport) {
	id, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, report)
	if err != nil {
		log.Warn("publish round report failed", zap.Error(err))
		return
	}
	if id != "" {
		log.Debug("round report published", zap.String("message_id", id))
	}
}

func runResult(err error) string {
	var exitErr *runner.ExitError
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, runner.ErrTimeout):
		return "timeout"
	case errors.As(err, &exitErr):
		return "exit_error"
	default:
		return "error"
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
