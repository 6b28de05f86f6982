package memory

import (
	"context"
	"sort"
	"time"

	"github.com/JakeFAU/roundcrawler/internal/clock"
	"github.com/JakeFAU/roundcrawler/internal/store"
)

// PendingAccounts lists accounts with PENDING records, oldest failure first.
func (s *Store) PendingAccounts(_ context.Context, limit int) ([]store.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type agg struct {
		target      store.Target
		firstFailed time.Time
		lastUpdate  time.Time
	}
	groups := make(map[store.Target]*agg)
	var order []*agg
	for _, r := range s.records {
		if r.Status != store.CompensationPending {
			continue
		}
		key := store.Target{AccountID: r.AccountID, AccountName: r.AccountName}
		g, ok := groups[key]
		if !ok {
			g = &agg{target: key, firstFailed: r.FailedDate, lastUpdate: r.UpdateTime}
			groups[key] = g
			order = append(order, g)
			continue
		}
		if r.FailedDate.Before(g.firstFailed) {
			g.firstFailed = r.FailedDate
		}
		if r.UpdateTime.After(g.lastUpdate) {
			g.lastUpdate = r.UpdateTime
		}
	}
	sort.SliceStable(order, func(i, j int) bool {
		if !order[i].firstFailed.Equal(order[j].firstFailed) {
			return order[i].firstFailed.Before(order[j].firstFailed)
		}
		return order[i].lastUpdate.After(order[j].lastUpdate)
	})
	if limit > 0 && len(order) > limit {
		order = order[:limit]
	}
	out := make([]store.Target, 0, len(order))
	for _, g := range order {
		out = append(out, g.target)
	}
	return out, nil
}

// MarkCompleted clears the account's priority and failure streak and
// completes its PENDING records inside the window.
func (s *Store) MarkCompleted(_ context.Context, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock.Now()
	today := clock.StartOfDay(now)
	if a, ok := s.accounts[accountID]; ok {
		a.CompensationPriority = 0
		a.ConsecutiveFailures = 0
		a.UpdateTime = now
	}
	for _, r := range s.windowPendingLocked(accountID, today) {
		r.Status = store.CompensationCompleted
		r.CompensationDate = timePtr(today)
		r.UpdateTime = now
	}
	return nil
}

// MarkFailed fails the account's PENDING records inside the window, or writes
// a FAILED record for today when none matched.
func (s *Store) MarkFailed(_ context.Context, accountID string, reason *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.opts.Clock.Now()
	today := clock.StartOfDay(now)
	matched := s.windowPendingLocked(accountID, today)
	for _, r := range matched {
		r.Status = store.CompensationFailed
		if reason != nil {
			r.FailureReason = stringPtr(*reason)
		}
		r.UpdateTime = now
	}
	if len(matched) > 0 {
		return nil
	}

	a, ok := s.accounts[accountID]
	if !ok {
		return store.ErrNotFound
	}
	if r := s.findRecordLocked(accountID, today); r != nil {
		r.Status = store.CompensationFailed
		if reason != nil {
			r.FailureReason = stringPtr(*reason)
		}
		r.UpdateTime = now
		return nil
	}
	s.nextID++
	rec := &store.CompensationRecord{
		ID:          s.nextID,
		AccountID:   a.AccountID,
		AccountName: a.AccountName,
		FailedDate:  today,
		Status:      store.CompensationFailed,
		CreateTime:  now,
		UpdateTime:  now,
	}
	if reason != nil {
		rec.FailureReason = stringPtr(*reason)
	}
	s.records = append(s.records, rec)
	return nil
}

// RecordCurrentFailures upserts today's PENDING record per failing account.
func (s *Store) RecordCurrentFailures(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Clock.Now()
	return s.recordFailuresLocked(clock.StartOfDay(now), now), nil
}

// History lists every record for accountID, newest failure first.
func (s *Store) History(_ context.Context, accountID string) ([]store.CompensationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.CompensationRecord
	for _, r := range s.records {
		if r.AccountID == accountID {
			out = append(out, cloneRecord(*r))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].FailedDate.After(out[j].FailedDate) })
	return out, nil
}

func (s *Store) recordFailuresLocked(today, now time.Time) int64 {
	var n int64
	for _, a := range s.sortedAccountsLocked() {
		if !a.Status.IsFailure() {
			continue
		}
		reason := store.FailureReason(a.Status, a.LastExceptionMsg)
		if r := s.findRecordLocked(a.AccountID, today); r != nil {
			r.FailureReason = stringPtr(reason)
			r.Status = store.CompensationPending
			r.CompensationDate = nil
			r.UpdateTime = now
		} else {
			s.nextID++
			s.records = append(s.records, &store.CompensationRecord{
				ID:            s.nextID,
				AccountID:     a.AccountID,
				AccountName:   a.AccountName,
				FailedDate:    today,
				FailureReason: stringPtr(reason),
				Status:        store.CompensationPending,
				CreateTime:    now,
				UpdateTime:    now,
			})
		}
		n++
	}
	return n
}

func (s *Store) windowPendingLocked(accountID string, today time.Time) []*store.CompensationRecord {
	windowStart := today.AddDate(0, 0, -s.opts.WindowDays)
	var out []*store.CompensationRecord
	for _, r := range s.records {
		if r.AccountID == accountID && r.Status == store.CompensationPending && !r.FailedDate.Before(windowStart) {
			out = append(out, r)
		}
	}
	return out
}

func (s *Store) findRecordLocked(accountID string, day time.Time) *store.CompensationRecord {
	for _, r := range s.records {
		if r.AccountID == accountID && r.FailedDate.Equal(day) {
			return r
		}
	}
	return nil
}

func cloneRecord(r store.CompensationRecord) store.CompensationRecord {
	if r.FailureReason != nil {
		r.FailureReason = stringPtr(*r.FailureReason)
	}
	if r.CompensationDate != nil {
		r.CompensationDate = timePtr(*r.CompensationDate)
	}
	return r
}
