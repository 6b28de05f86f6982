// Package memory provides in-memory persistence for dry runs and tests. A
// single Store backs the account, compensation and ledger contracts so the
// reset flush can see both tables under one lock.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/roundcrawler/internal/clock"
	"github.com/JakeFAU/roundcrawler/internal/store"
)

// Options tunes time-based behavior.
type Options struct {
	Clock              clock.Clock
	RetryDelay         time.Duration
	FailedLookbackDays int
	WindowDays         int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = utcClock{}
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Minute
	}
	if o.FailedLookbackDays <= 0 {
		o.FailedLookbackDays = 2
	}
	if o.WindowDays <= 0 {
		o.WindowDays = 7
	}
	return o
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Store keeps accounts, compensation records and ledger entries in memory.
type Store struct {
	mu       sync.RWMutex
	opts     Options
	accounts map[string]*store.AccountStatus
	records  []*store.CompensationRecord
	ledger   []store.LedgerEntry
	nextID   int64
}

var (
	_ store.AccountStore        = (*Store)(nil)
	_ store.CompensationTracker = (*Store)(nil)
	_ store.Ledger              = (*Store)(nil)
)

// NewStore constructs an empty Store.
func NewStore(opts Options) *Store {
	return &Store{
		opts:     opts.withDefaults(),
		accounts: make(map[string]*store.AccountStatus),
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Seed replaces or inserts an account row verbatim.
func (s *Store) Seed(acct store.AccountStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := cloneAccount(acct)
	s.accounts[acct.AccountID] = &c
}

// SeedRecord inserts a compensation record verbatim, assigning an ID.
func (s *Store) SeedRecord(rec store.CompensationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c := cloneRecord(rec)
	c.ID = s.nextID
	s.records = append(s.records, &c)
}

// Initialize inserts a PENDING row unless one already exists.
func (s *Store) Initialize(_ context.Context, accountID, accountName string) error {
	if accountID == "" {
		return fmt.Errorf("account id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[accountID]; ok {
		return nil
	}
	now := s.opts.Clock.Now()
	s.accounts[accountID] = &store.AccountStatus{
		AccountID:      accountID,
		AccountName:    accountName,
		Status:         store.StatusPending,
		CreateTime:     now,
		UpdateTime:     now,
		LastUpdateTime: now,
	}
	return nil
}

// UpdateStatus sets status and optionally last_exception_msg.
func (s *Store) UpdateStatus(_ context.Context, accountID string, status store.Status, msg *string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}
	return s.mutate(accountID, func(a *store.AccountStatus, now time.Time) {
		a.Status = status
		a.LastUpdateTime = now
		if msg != nil {
			a.LastExceptionMsg = stringPtr(*msg)
		}
	})
}

// IncrementRetry bumps retry_count.
func (s *Store) IncrementRetry(_ context.Context, accountID string) error {
	return s.mutate(accountID, func(a *store.AccountStatus, _ time.Time) {
		a.RetryCount++
	})
}

// SetNextRetryTime records next_retry_time.
func (s *Store) SetNextRetryTime(_ context.Context, accountID string, at time.Time) error {
	return s.mutate(accountID, func(a *store.AccountStatus, _ time.Time) {
		a.NextRetryTime = timePtr(at)
	})
}

// ResetForRetry moves the account to RETRYING and schedules the next attempt.
func (s *Store) ResetForRetry(_ context.Context, accountID string, msg *string) error {
	return s.mutate(accountID, func(a *store.AccountStatus, now time.Time) {
		a.Status = store.StatusRetrying
		a.RetryCount++
		a.NextRetryTime = timePtr(now.Add(s.opts.RetryDelay))
		a.LastUpdateTime = now
		if msg != nil {
			a.LastExceptionMsg = stringPtr(*msg)
		}
	})
}

// ResetAllToPending flushes failures, snapshots them and resets every
// non-PENDING account.
func (s *Store) ResetAllToPending(context.Context) (store.ResetResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock.Now()
	today := clock.StartOfDay(now)
	var res store.ResetResult
	res.Recorded = s.recordFailuresLocked(today, now)

	for _, a := range s.sortedAccountsLocked() {
		switch {
		case a.Status.IsFailure():
			if a.LastExceptionMsg != nil {
				a.FailedReasonBackup = stringPtr(*a.LastExceptionMsg)
			}
			if a.LastFailedDate == nil || a.LastFailedDate.Before(today) {
				a.LastFailedDate = timePtr(today)
				a.ConsecutiveFailures++
			}
		case a.Status == store.StatusCompleted:
			a.ConsecutiveFailures = 0
		case a.Status != store.StatusRetrying:
			continue
		}
		if a.Status.NeedsCompensation() {
			a.CompensationPriority = 1
		}
		a.UpdateTime = now
		res.Snapshotted++
	}

	for _, a := range s.accounts {
		if a.Status == store.StatusPending {
			continue
		}
		a.Status = store.StatusPending
		a.LastExceptionMsg = nil
		a.NextRetryTime = nil
		a.LastUpdateTime = now
		a.UpdateTime = now
		res.Reset++
	}
	return res, nil
}

// Get loads one account.
func (s *Store) Get(_ context.Context, accountID string) (store.AccountStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return store.AccountStatus{}, store.ErrNotFound
	}
	return cloneAccount(*a), nil
}

// ListByStatus returns accounts in status ordered by account_id.
func (s *Store) ListByStatus(_ context.Context, status store.Status) ([]store.AccountStatus, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.AccountStatus
	for _, a := range s.sortedAccountsLocked() {
		if a.Status == status {
			out = append(out, cloneAccount(*a))
		}
	}
	return out, nil
}

// ListByIDs returns the existing accounts among ids.
func (s *Store) ListByIDs(_ context.Context, ids []string) ([]store.AccountStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(ids))
	var out []store.AccountStatus
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if a, ok := s.accounts[id]; ok {
			out = append(out, cloneAccount(*a))
		}
	}
	return out, nil
}

// ListFailed returns failing or recently prioritized accounts.
func (s *Store) ListFailed(context.Context) ([]store.AccountStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	since := clock.Today(s.opts.Clock).AddDate(0, 0, -s.opts.FailedLookbackDays)
	var out []store.AccountStatus
	for _, a := range s.accounts {
		recent := a.CompensationPriority > 0 && a.LastFailedDate != nil && !a.LastFailedDate.Before(since)
		if a.Status.IsFailure() || recent {
			out = append(out, cloneAccount(*a))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CompensationPriority != out[j].CompensationPriority {
			return out[i].CompensationPriority > out[j].CompensationPriority
		}
		if out[i].ConsecutiveFailures != out[j].ConsecutiveFailures {
			return out[i].ConsecutiveFailures > out[j].ConsecutiveFailures
		}
		return out[i].LastUpdateTime.After(out[j].LastUpdateTime)
	})
	return out, nil
}

// Summary returns a status histogram with every status plus TOTAL.
func (s *Store) Summary(context.Context) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int64, len(store.AllStatuses)+1)
	for _, st := range store.AllStatuses {
		out[string(st)] = 0
	}
	for _, a := range s.accounts {
		out[string(a.Status)]++
	}
	out[store.SummaryTotalKey] = int64(len(s.accounts))
	return out, nil
}

func (s *Store) mutate(accountID string, fn func(*store.AccountStatus, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	now := s.opts.Clock.Now()
	fn(a, now)
	a.UpdateTime = now
	return nil
}

func (s *Store) sortedAccountsLocked() []*store.AccountStatus {
	out := make([]*store.AccountStatus, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func cloneAccount(a store.AccountStatus) store.AccountStatus {
	if a.LastExceptionMsg != nil {
		a.LastExceptionMsg = stringPtr(*a.LastExceptionMsg)
	}
	if a.NextRetryTime != nil {
		a.NextRetryTime = timePtr(*a.NextRetryTime)
	}
	if a.LastFailedDate != nil {
		a.LastFailedDate = timePtr(*a.LastFailedDate)
	}
	if a.FailedReasonBackup != nil {
		a.FailedReasonBackup = stringPtr(*a.FailedReasonBackup)
	}
	return a
}

func stringPtr(s string) *string {
	return &s
}

func timePtr(t time.Time) *time.Time {
	return &t
}
