package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/roundcrawler/internal/clock/fake"
	pubmem "github.com/JakeFAU/roundcrawler/internal/publisher/memory"
	"github.com/JakeFAU/roundcrawler/internal/runner"
	"github.com/JakeFAU/roundcrawler/internal/storage/memory"
	"github.com/JakeFAU/roundcrawler/internal/store"
	"github.com/JakeFAU/roundcrawler/internal/targets"
)

var testNow = time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)

type step func(ctx context.Context, path string, list []store.Target) (runner.Result, error)

// scriptedRunner plays one step per Run call and records the target lists
// it was handed. Calls beyond the script succeed without side effects.
type scriptedRunner struct {
	mu    sync.Mutex
	steps []step
	calls [][]store.Target
	paths []string
}

func (r *scriptedRunner) Run(ctx context.Context, path string) (runner.Result, error) {
	list, err := targets.ReadFile(path)
	if err != nil {
		return runner.Result{ExitCode: -1}, err
	}
	r.mu.Lock()
	idx := len(r.calls)
	r.calls = append(r.calls, list)
	r.paths = append(r.paths, path)
	r.mu.Unlock()
	if idx < len(r.steps) {
		return r.steps[idx](ctx, path, list)
	}
	return runner.Result{}, nil
}

func setStatus(st *memory.Store, status store.Status, ids ...string) step {
	return func(ctx context.Context, _ string, list []store.Target) (runner.Result, error) {
		targetIDs := ids
		if len(targetIDs) == 0 {
			for _, t := range list {
				targetIDs = append(targetIDs, t.AccountID)
			}
		}
		for _, id := range targetIDs {
			if err := st.UpdateStatus(ctx, id, status, nil); err != nil {
				return runner.Result{ExitCode: 1}, err
			}
		}
		return runner.Result{}, nil
	}
}

func exitWith(code int) step {
	return func(context.Context, string, []store.Target) (runner.Result, error) {
		return runner.Result{ExitCode: code}, &runner.ExitError{Code: code}
	}
}

type fixture struct {
	store  *memory.Store
	clock  *fake.Clock
	runner *scriptedRunner
	pub    *pubmem.Publisher
	path   string
	dir    string
}

func newFixture(t *testing.T, list []store.Target) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "targets.csv")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, targets.WriteCSV(f, list))
	require.NoError(t, f.Close())

	clk := fake.New(testNow)
	st := memory.NewStore(memory.Options{Clock: clk})
	for _, tgt := range list {
		require.NoError(t, st.Initialize(context.Background(), tgt.AccountID, tgt.AccountName))
	}
	return &fixture{store: st, clock: clk, runner: &scriptedRunner{}, pub: pubmem.New(), path: path, dir: dir}
}

func (f *fixture) orchestrator(t *testing.T, cfg Config, src targets.Source) *Orchestrator {
	t.Helper()
	cfg.TargetPath = f.path
	cfg.WorkDir = filepath.Join(f.dir, "work")
	cfg.Topic = "rounds"
	if src == nil {
		src = targets.FileSource{Path: f.path}
	}
	o, err := New(cfg, Deps{
		Accounts:     f.store,
		Compensation: f.store,
		Ledger:       f.store,
		Runner:       f.runner,
		Targets:      src,
		Publisher:    f.pub,
		Clock:        f.clock,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) ledger(t *testing.T) []store.LedgerStatus {
	t.Helper()
	entries, err := f.store.Recent(context.Background(), 10)
	require.NoError(t, err)
	out := make([]store.LedgerStatus, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Status)
	}
	return out
}

var ab = []store.Target{{AccountID: "https://x/a", AccountName: "A"}, {AccountID: "https://x/b", AccountName: "B"}}

func TestRoundAllCompletedIsFinished(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	f.runner.steps = []step{setStatus(f.store, store.StatusCompleted)}
	o := f.orchestrator(t, Config{}, nil)

	report, err := o.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.LedgerFinished, report.Status)
	assert.Equal(t, 2, report.Attempted)
	assert.Empty(t, report.Incomplete)
	assert.Equal(t, []store.LedgerStatus{store.LedgerFinished}, f.ledger(t))
	assert.Len(t, f.runner.calls, 1, "no compensation pass without backlog")
	assert.Equal(t, f.path, f.runner.paths[0])

	pending, err := f.store.PendingAccounts(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRoundPartialSuccessRecordsFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	f.runner.steps = []step{func(ctx context.Context, _ string, _ []store.Target) (runner.Result, error) {
		msg := "captcha"
		if err := f.store.UpdateStatus(ctx, "https://x/a", store.StatusCompleted, nil); err != nil {
			return runner.Result{}, err
		}
		return runner.Result{}, f.store.UpdateStatus(ctx, "https://x/b", store.StatusException, &msg)
	}}
	o := f.orchestrator(t, Config{}, nil)

	report, err := o.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.LedgerUnfinished, report.Status)
	assert.Equal(t, []string{"https://x/b"}, report.Incomplete)
	assert.EqualValues(t, 1, report.Recorded)
	assert.Equal(t, []store.LedgerStatus{store.LedgerUnfinished}, f.ledger(t))

	hist, err := f.store.History(context.Background(), "https://x/b")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, store.CompensationPending, hist[0].Status)
	require.NotNil(t, hist[0].FailureReason)
	assert.Equal(t, "captcha", *hist[0].FailureReason)
}

func TestRoundMissingAccountIsIncomplete(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab[:1])
	f.runner.steps = []step{setStatus(f.store, store.StatusCompleted)}
	src := stubSource{list: ab}
	o := f.orchestrator(t, Config{}, src)

	report, err := o.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.LedgerUnfinished, report.Status)
	assert.Equal(t, []string{"https://x/b"}, report.Incomplete)
}

type stubSource struct {
	list []store.Target
	err  error
}

func (s stubSource) Load(context.Context) ([]store.Target, error) { return s.list, s.err }

func TestRoundEmptyTargetListIsFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	f.runner.steps = []step{setStatus(f.store, store.StatusCompleted)}
	o := f.orchestrator(t, Config{}, stubSource{})

	report, err := o.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.LedgerUnfinished, report.Status)
}

func TestRoundTargetLoadErrorIsUnfinished(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	o := f.orchestrator(t, Config{}, stubSource{err: errors.New("disk gone")})

	report, err := o.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.LedgerUnfinished, report.Status)
	assert.Equal(t, []store.LedgerStatus{store.LedgerUnfinished}, f.ledger(t))
}

func TestRoundCrawlerFailureRecordsCurrentFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	f.runner.steps = []step{func(ctx context.Context, path string, list []store.Target) (runner.Result, error) {
		if _, err := setStatus(f.store, store.StatusFailed, "https://x/a")(ctx, path, list); err != nil {
			return runner.Result{}, err
		}
		return exitWith(2)(ctx, path, list)
	}}
	o := f.orchestrator(t, Config{}, nil)

	report, err := o.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.LedgerUnfinished, report.Status)
	assert.EqualValues(t, 1, report.Recorded)

	hist, err := f.store.History(context.Background(), "https://x/a")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "status abnormal: FAILED", *hist[0].FailureReason)
}

func TestCompensationPassCompletesRecoveredAccounts(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateStatus(ctx, "https://x/b", store.StatusException, nil))
	f.runner.steps = []step{
		setStatus(f.store, store.StatusCompleted),
		setStatus(f.store, store.StatusCompleted),
	}
	o := f.orchestrator(t, Config{}, nil)

	report, err := o.RunRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.LedgerFinished, report.Status)
	assert.EqualValues(t, 1, report.Reset.Recorded)
	assert.Equal(t, 1, report.CompensationAttempted)
	assert.Equal(t, 1, report.CompensationCompleted)

	require.Len(t, f.runner.calls, 2)
	assert.Equal(t, []store.Target{{AccountID: "https://x/b", AccountName: "B"}}, f.runner.calls[0])
	assert.Equal(t, filepath.Join(f.dir, "work"), filepath.Dir(f.runner.paths[0]))
	_, statErr := os.Stat(f.runner.paths[0])
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "temporary list must be removed")

	hist, err := f.store.History(ctx, "https://x/b")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, store.CompensationCompleted, hist[0].Status)

	acct, err := f.store.Get(ctx, "https://x/b")
	require.NoError(t, err)
	assert.Zero(t, acct.CompensationPriority)
	assert.Zero(t, acct.ConsecutiveFailures)
}

func TestCompensationPassLeavesIncompleteAccountsPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateStatus(ctx, "https://x/a", store.StatusException, nil))
	require.NoError(t, f.store.UpdateStatus(ctx, "https://x/b", store.StatusFailed, nil))
	f.runner.steps = []step{
		setStatus(f.store, store.StatusCompleted, "https://x/a"),
		setStatus(f.store, store.StatusCompleted),
	}
	o := f.orchestrator(t, Config{}, nil)

	report, err := o.RunRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.CompensationAttempted)
	assert.Equal(t, 1, report.CompensationCompleted)

	pending, err := f.store.PendingAccounts(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []store.Target{{AccountID: "https://x/b", AccountName: "B"}}, pending)
}

func TestCompensationCrawlerFailureMarksFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateStatus(ctx, "https://x/a", store.StatusException, nil))
	f.runner.steps = []step{exitWith(1), setStatus(f.store, store.StatusCompleted)}
	o := f.orchestrator(t, Config{CompensationLimit: 5}, nil)

	report, err := o.RunRound(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.CompensationFailed)
	assert.Equal(t, store.LedgerFinished, report.Status)

	hist, err := f.store.History(ctx, "https://x/a")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, store.CompensationFailed, hist[0].Status)
	assert.Equal(t, "crawler exited with code 1", *hist[0].FailureReason)
}

func TestDryRunSkipsCrawler(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateStatus(ctx, "https://x/a", store.StatusException, nil))
	o, err := New(Config{DryRun: true, TargetPath: f.path}, Deps{
		Accounts:     f.store,
		Compensation: f.store,
		Ledger:       f.store,
		Targets:      targets.FileSource{Path: f.path},
		Clock:        f.clock,
	})
	require.NoError(t, err)

	report, err := o.RunRound(ctx)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Equal(t, store.LedgerFinished, report.Status)
	assert.Equal(t, 1, report.CompensationCompleted)
	assert.Equal(t, []store.LedgerStatus{store.LedgerFinished}, f.ledger(t))
}

func TestRoundPublishesReport(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	f.runner.steps = []step{setStatus(f.store, store.StatusCompleted)}
	o := f.orchestrator(t, Config{}, nil)

	_, err := o.RunRound(context.Background())
	require.NoError(t, err)

	msgs := f.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "rounds", msgs[0].Topic)
	report, ok := msgs[0].Payload.(RoundReport)
	require.True(t, ok)
	assert.Equal(t, store.LedgerFinished, report.Status)
	assert.NotEmpty(t, report.RoundID)
}

func TestPublishFailureDoesNotFailRound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	f.runner.steps = []step{setStatus(f.store, store.StatusCompleted)}
	f.pub.FailWith(errors.New("broker down"))
	o := f.orchestrator(t, Config{}, nil)

	report, err := o.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, store.LedgerFinished, report.Status)
}

func TestRunRoundRecoversPanic(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	f.runner.steps = []step{func(context.Context, string, []store.Target) (runner.Result, error) {
		panic("crawler adapter bug")
	}}
	o := f.orchestrator(t, Config{}, nil)

	_, err := o.RunRound(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crawler adapter bug")
}

func TestRunSingleShotStopsAfterOneRound(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	o := f.orchestrator(t, Config{SingleShot: true, Interval: time.Hour}, nil)

	require.NoError(t, o.Run(context.Background()))
	assert.Len(t, f.runner.calls, 1)
	assert.Len(t, f.ledger(t), 1)
}

func TestRunSleepsForRemainingInterval(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	f.runner.steps = []step{
		func(context.Context, string, []store.Target) (runner.Result, error) {
			f.clock.Advance(20 * time.Second)
			return runner.Result{}, nil
		},
		func(context.Context, string, []store.Target) (runner.Result, error) {
			f.clock.Advance(90 * time.Second)
			return runner.Result{}, nil
		},
	}

	var waits []time.Duration
	o, err := New(Config{Interval: time.Minute, TargetPath: f.path}, Deps{
		Accounts:     f.store,
		Compensation: f.store,
		Ledger:       f.store,
		Runner:       f.runner,
		Targets:      targets.FileSource{Path: f.path},
		Clock:        f.clock,
		Sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			if len(waits) == 2 {
				return context.Canceled
			}
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, o.Run(context.Background()))
	assert.Equal(t, []time.Duration{40 * time.Second, 0}, waits)
	assert.Len(t, f.ledger(t), 2)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	t.Parallel()

	f := newFixture(t, ab)
	ctx, cancel := context.WithCancel(context.Background())
	f.runner.steps = []step{func(ctx context.Context, _ string, _ []store.Target) (runner.Result, error) {
		cancel()
		return runner.Result{}, ctx.Err()
	}}
	o := f.orchestrator(t, Config{Interval: time.Hour}, nil)

	require.NoError(t, o.Run(ctx))
	assert.Empty(t, f.ledger(t), "an interrupted round writes no ledger entry")
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	st := memory.NewStore(memory.Options{})
	_, err := New(Config{}, Deps{Accounts: st, Compensation: st, Ledger: st, Targets: stubSource{}})
	require.Error(t, err, "runner is required outside dry-run")

	_, err = New(Config{}, Deps{Compensation: st, Ledger: st})
	require.Error(t, err)
}
