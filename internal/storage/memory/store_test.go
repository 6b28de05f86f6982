package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/roundcrawler/internal/clock/fake"
	"github.com/JakeFAU/roundcrawler/internal/store"
)

var testNow = time.Date(2024, 5, 17, 10, 30, 0, 0, time.UTC)

func today() time.Time {
	return time.Date(2024, 5, 17, 0, 0, 0, 0, time.UTC)
}

func newTestStore(t *testing.T) (*Store, *fake.Clock) {
	t.Helper()
	clk := fake.New(testNow)
	return NewStore(Options{Clock: clk}), clk
}

func strPtr(s string) *string { return &s }

func TestInitializeNeverOverwrites(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, "a", "Alpha"))
	require.NoError(t, s.UpdateStatus(ctx, "a", store.StatusCompleted, nil))
	require.NoError(t, s.Initialize(ctx, "a", "Renamed"))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", got.AccountName)
	assert.Equal(t, store.StatusCompleted, got.Status)
}

func TestUpdateStatusNotFound(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	err := s.UpdateStatus(context.Background(), "ghost", store.StatusFailed, nil)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestRetryHelpers(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, "a", "Alpha"))
	require.NoError(t, s.IncrementRetry(ctx, "a"))
	at := testNow.Add(time.Hour)
	require.NoError(t, s.SetNextRetryTime(ctx, "a", at))
	require.NoError(t, s.ResetForRetry(ctx, "a", strPtr("rate limited")))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRetrying, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.NextRetryTime)
	assert.Equal(t, testNow.Add(5*time.Minute), *got.NextRetryTime)
	assert.Equal(t, "rate limited", *got.LastExceptionMsg)
}

func TestResetSnapshotInvariant(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	yesterday := today().AddDate(0, 0, -1)
	todayDate := today()
	s.Seed(store.AccountStatus{AccountID: "fresh", AccountName: "Fresh", Status: store.StatusException,
		LastExceptionMsg: strPtr("captcha")})
	s.Seed(store.AccountStatus{AccountID: "streak", AccountName: "Streak", Status: store.StatusFailed,
		ConsecutiveFailures: 4, LastFailedDate: &yesterday})
	s.Seed(store.AccountStatus{AccountID: "again", AccountName: "Again", Status: store.StatusException,
		ConsecutiveFailures: 2, LastFailedDate: &todayDate})
	s.Seed(store.AccountStatus{AccountID: "retry", AccountName: "Retry", Status: store.StatusRetrying})
	s.Seed(store.AccountStatus{AccountID: "ok", AccountName: "OK", Status: store.StatusCompleted, ConsecutiveFailures: 3})

	res, err := s.ResetAllToPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Recorded)
	assert.Equal(t, int64(5), res.Reset)

	wantFailures := map[string]int{"fresh": 1, "streak": 5, "again": 2}
	for id, want := range wantFailures {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, store.StatusPending, got.Status, id)
		assert.Nil(t, got.LastExceptionMsg, id)
		assert.Equal(t, want, got.ConsecutiveFailures, id)
		assert.Equal(t, 1, got.CompensationPriority, id)
		require.NotNil(t, got.LastFailedDate, id)
		assert.Equal(t, today(), *got.LastFailedDate, id)

		hist, err := s.History(ctx, id)
		require.NoError(t, err)
		require.Len(t, hist, 1, id)
		assert.Equal(t, store.CompensationPending, hist[0].Status, id)
		assert.Equal(t, today(), hist[0].FailedDate, id)
	}

	fresh, err := s.Get(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, fresh.FailedReasonBackup)
	assert.Equal(t, "captcha", *fresh.FailedReasonBackup)

	retry, err := s.Get(ctx, "retry")
	require.NoError(t, err)
	assert.Equal(t, 1, retry.CompensationPriority)
	assert.Zero(t, retry.ConsecutiveFailures)

	ok, err := s.Get(ctx, "ok")
	require.NoError(t, err)
	assert.Zero(t, ok.ConsecutiveFailures)
	assert.Zero(t, ok.CompensationPriority)

	streakHist, err := s.History(ctx, "streak")
	require.NoError(t, err)
	assert.Equal(t, "status abnormal: FAILED", *streakHist[0].FailureReason)
}

func TestResetIsIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Seed(store.AccountStatus{AccountID: "a", AccountName: "A", Status: store.StatusException})
	s.Seed(store.AccountStatus{AccountID: "b", AccountName: "B", Status: store.StatusCompleted})

	_, err := s.ResetAllToPending(ctx)
	require.NoError(t, err)
	firstA, _ := s.Get(ctx, "a")
	firstHist, _ := s.History(ctx, "a")

	res, err := s.ResetAllToPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, store.ResetResult{}, res)

	secondA, _ := s.Get(ctx, "a")
	secondHist, _ := s.History(ctx, "a")
	assert.Equal(t, firstA, secondA)
	assert.Equal(t, firstHist, secondHist)
}

func TestMarkCompletedRespectsWindow(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Seed(store.AccountStatus{AccountID: "x", AccountName: "X", Status: store.StatusPending,
		CompensationPriority: 1, ConsecutiveFailures: 6})
	s.SeedRecord(store.CompensationRecord{AccountID: "x", AccountName: "X",
		FailedDate: today().AddDate(0, 0, -10), Status: store.CompensationPending})

	require.NoError(t, s.MarkCompleted(ctx, "x"))

	acct, err := s.Get(ctx, "x")
	require.NoError(t, err)
	assert.Zero(t, acct.CompensationPriority)
	assert.Zero(t, acct.ConsecutiveFailures)

	hist, err := s.History(ctx, "x")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, store.CompensationPending, hist[0].Status)
	assert.Nil(t, hist[0].CompensationDate)
}

func TestMarkCompletedIsIdempotent(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Seed(store.AccountStatus{AccountID: "x", AccountName: "X", Status: store.StatusPending})
	s.SeedRecord(store.CompensationRecord{AccountID: "x", AccountName: "X",
		FailedDate: today().AddDate(0, 0, -2), Status: store.CompensationPending})

	require.NoError(t, s.MarkCompleted(ctx, "x"))
	require.NoError(t, s.MarkCompleted(ctx, "x"))

	hist, err := s.History(ctx, "x")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, store.CompensationCompleted, hist[0].Status)
	require.NotNil(t, hist[0].CompensationDate)
	assert.Equal(t, today(), *hist[0].CompensationDate)
}

func TestMarkFailed(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Seed(store.AccountStatus{AccountID: "old", AccountName: "Old", Status: store.StatusPending})
	s.SeedRecord(store.CompensationRecord{AccountID: "old", AccountName: "Old",
		FailedDate: today().AddDate(0, 0, -12), Status: store.CompensationPending, FailureReason: strPtr("ancient")})
	s.Seed(store.AccountStatus{AccountID: "recent", AccountName: "Recent", Status: store.StatusPending})
	s.SeedRecord(store.CompensationRecord{AccountID: "recent", AccountName: "Recent",
		FailedDate: today().AddDate(0, 0, -1), Status: store.CompensationPending, FailureReason: strPtr("captcha")})

	require.NoError(t, s.MarkFailed(ctx, "recent", nil))
	hist, err := s.History(ctx, "recent")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, store.CompensationFailed, hist[0].Status)
	assert.Equal(t, "captcha", *hist[0].FailureReason)

	require.NoError(t, s.MarkFailed(ctx, "old", strPtr("exit 1")))
	hist, err = s.History(ctx, "old")
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.Equal(t, today(), hist[0].FailedDate)
	assert.Equal(t, store.CompensationFailed, hist[0].Status)
	assert.Equal(t, "Old", hist[0].AccountName)
	assert.Equal(t, store.CompensationPending, hist[1].Status)

	require.ErrorIs(t, s.MarkFailed(ctx, "ghost", nil), store.ErrNotFound)
}

func TestPendingAccountsOrdering(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t)
	ctx := context.Background()
	day1 := today().AddDate(0, 0, -5)
	s.SeedRecord(store.CompensationRecord{AccountID: "a", AccountName: "A", FailedDate: day1,
		Status: store.CompensationPending, UpdateTime: clk.Now()})
	s.SeedRecord(store.CompensationRecord{AccountID: "c", AccountName: "C", FailedDate: day1.AddDate(0, 0, 2),
		Status: store.CompensationPending, UpdateTime: clk.Now()})
	s.SeedRecord(store.CompensationRecord{AccountID: "b", AccountName: "B", FailedDate: day1.AddDate(0, 0, 1),
		Status: store.CompensationPending, UpdateTime: clk.Now()})
	s.SeedRecord(store.CompensationRecord{AccountID: "c", AccountName: "C", FailedDate: day1.AddDate(0, 0, 3),
		Status: store.CompensationPending, UpdateTime: clk.Now()})
	s.SeedRecord(store.CompensationRecord{AccountID: "done", AccountName: "Done", FailedDate: day1.AddDate(0, 0, -1),
		Status: store.CompensationCompleted, UpdateTime: clk.Now()})
	s.SeedRecord(store.CompensationRecord{AccountID: "tie-new", AccountName: "TieNew", FailedDate: day1,
		Status: store.CompensationPending, UpdateTime: clk.Now().Add(time.Minute)})

	got, err := s.PendingAccounts(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []store.Target{
		{AccountID: "tie-new", AccountName: "TieNew"},
		{AccountID: "a", AccountName: "A"},
		{AccountID: "b", AccountName: "B"},
		{AccountID: "c", AccountName: "C"},
	}, got)

	limited, err := s.PendingAccounts(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRecordCurrentFailuresUpsertsSameDay(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Seed(store.AccountStatus{AccountID: "a", AccountName: "A", Status: store.StatusException,
		LastExceptionMsg: strPtr("first")})

	n, err := s.RecordCurrentFailures(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.UpdateStatus(ctx, "a", store.StatusException, strPtr("second")))
	_, err = s.RecordCurrentFailures(ctx)
	require.NoError(t, err)

	hist, err := s.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "second", *hist[0].FailureReason)
}

func TestRecordCurrentFailuresReopensCompletedSameDay(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	s.Seed(store.AccountStatus{AccountID: "a", AccountName: "A", Status: store.StatusFailed,
		LastExceptionMsg: strPtr("timeout")})

	_, err := s.RecordCurrentFailures(ctx)
	require.NoError(t, err)
	require.NoError(t, s.MarkCompleted(ctx, "a"))

	require.NoError(t, s.UpdateStatus(ctx, "a", store.StatusFailed, strPtr("captcha")))
	_, err = s.RecordCurrentFailures(ctx)
	require.NoError(t, err)

	hist, err := s.History(ctx, "a")
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, store.CompensationPending, hist[0].Status)
	assert.Nil(t, hist[0].CompensationDate)
	assert.Equal(t, "captcha", *hist[0].FailureReason)

	pending, err := s.PendingAccounts(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []store.Target{{AccountID: "a", AccountName: "A"}}, pending)
}

func TestListFailedOrdering(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t)
	ctx := context.Background()
	recent := today().AddDate(0, 0, -1)
	stale := today().AddDate(0, 0, -9)
	s.Seed(store.AccountStatus{AccountID: "low", Status: store.StatusFailed, ConsecutiveFailures: 1})
	s.Seed(store.AccountStatus{AccountID: "high", Status: store.StatusException, CompensationPriority: 1, ConsecutiveFailures: 4})
	s.Seed(store.AccountStatus{AccountID: "recent", Status: store.StatusPending, CompensationPriority: 1,
		ConsecutiveFailures: 2, LastFailedDate: &recent})
	s.Seed(store.AccountStatus{AccountID: "stale", Status: store.StatusPending, CompensationPriority: 1,
		LastFailedDate: &stale})

	got, err := s.ListFailed(ctx)
	require.NoError(t, err)
	ids := make([]string, 0, len(got))
	for _, a := range got {
		ids = append(ids, a.AccountID)
	}
	assert.Equal(t, []string{"high", "recent", "low"}, ids)
}

func TestSummaryAndLedger(t *testing.T) {
	t.Parallel()

	s, clk := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Initialize(ctx, "a", "A"))
	require.NoError(t, s.Initialize(ctx, "b", "B"))
	require.NoError(t, s.UpdateStatus(ctx, "b", store.StatusCompleted, nil))

	sum, err := s.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), sum["PENDING"])
	assert.Equal(t, int64(1), sum["COMPLETED"])
	assert.Equal(t, int64(0), sum["FAILED"])
	assert.Equal(t, int64(2), sum[store.SummaryTotalKey])

	require.NoError(t, s.Append(ctx, store.LedgerUnfinished))
	clk.Advance(time.Hour)
	require.NoError(t, s.Append(ctx, store.LedgerFinished))
	require.Error(t, s.Append(ctx, store.LedgerStatus("nope")))

	entries, err := s.Recent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, store.LedgerFinished, entries[0].Status)
	assert.Equal(t, testNow.Add(time.Hour), entries[0].FinishedDate)
}
