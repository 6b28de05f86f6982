package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/roundcrawler/internal/store"
)

const defaultLedgerLimit = 50

// Ledger appends round outcomes to crawl_exception.
type Ledger struct {
	db   *DB
	opts Options
}

var _ store.Ledger = (*Ledger)(nil)

// NewLedger creates a Ledger backed by db.
func NewLedger(db *DB, opts Options) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &Ledger{db: db, opts: opts.withDefaults()}, nil
}

// Append inserts one outcome row stamped with the current time.
func (l *Ledger) Append(ctx context.Context, status store.LedgerStatus) error {
	if _, err := store.ParseLedgerStatus(string(status)); err != nil {
		return err
	}
	now := l.opts.Clock.Now()
	return l.db.withRetry(ctx, "ledger_append", func(ctx context.Context) error {
		if _, err := l.db.pool.Exec(ctx,
			`INSERT INTO crawl_exception (finished_date, status, create_time) VALUES ($1, $2, $1)`,
			now, string(status)); err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}
		return nil
	})
}

// Recent returns the newest entries first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]store.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultLedgerLimit
	}
	var out []store.LedgerEntry
	err := l.db.withRetry(ctx, "ledger_recent", func(ctx context.Context) error {
		rows, err := l.db.pool.Query(ctx,
			`SELECT id, finished_date, status, create_time FROM crawl_exception ORDER BY finished_date DESC, id DESC LIMIT $1`,
			limit)
		if err != nil {
			return fmt.Errorf("query ledger: %w", err)
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			var (
				e      store.LedgerEntry
				status string
			)
			if err := rows.Scan(&e.ID, &e.FinishedDate, &status, &e.CreateTime); err != nil {
				return fmt.Errorf("scan ledger entry: %w", err)
			}
			if e.Status, err = store.ParseLedgerStatus(status); err != nil {
				return err
			}
			out = append(out, e)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate ledger: %w", err)
		}
		return nil
	})
	return out, err
}
