package store

import (
	"context"
	"time"
)

// LedgerEntry models one crawl_exception row.
type LedgerEntry struct {
	ID           int64        `json:"id"`
	FinishedDate time.Time    `json:"finished_date"`
	Status       LedgerStatus `json:"status"`
	CreateTime   time.Time    `json:"create_time"`
}

// Ledger is the append-only journal of round outcomes.
type Ledger interface {
	// Append records one round outcome.
	Append(ctx context.Context, status LedgerStatus) error
	// Recent returns the newest entries first. limit <= 0 uses a default.
	Recent(ctx context.Context, limit int) ([]LedgerEntry, error)
}
