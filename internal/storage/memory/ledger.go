package memory

import (
	"context"

	"github.com/JakeFAU/roundcrawler/internal/store"
)

const defaultLedgerLimit = 50

// Append records one round outcome.
func (s *Store) Append(_ context.Context, status store.LedgerStatus) error {
	if _, err := store.ParseLedgerStatus(string(status)); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.opts.Clock.Now()
	s.ledger = append(s.ledger, store.LedgerEntry{
		ID:           int64(len(s.ledger) + 1),
		FinishedDate: now,
		Status:       status,
		CreateTime:   now,
	})
	return nil
}

// Recent returns the newest entries first.
func (s *Store) Recent(_ context.Context, limit int) ([]store.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultLedgerLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]store.LedgerEntry, 0, min(limit, len(s.ledger)))
	for i := len(s.ledger) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.ledger[i])
	}
	return out, nil
}
