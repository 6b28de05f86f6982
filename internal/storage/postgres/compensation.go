package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/roundcrawler/internal/clock"
	"github.com/JakeFAU/roundcrawler/internal/store"
)

// recordFailuresSQL upserts today's PENDING record for every failing account.
// A same-day conflict refreshes the reason and reopens the record.
const recordFailuresSQL = `
INSERT INTO compensation_history
	(account_id, account_name, failed_date, failure_reason, compensation_status, create_time, update_time)
SELECT account_id, account_name, $1,
	COALESCE(NULLIF(last_exception_msg, ''), 'status abnormal: ' || status),
	'PENDING', $2, $2
FROM account_status
WHERE status IN ('EXCEPTION', 'FAILED')
ON CONFLICT (account_id, failed_date) DO UPDATE SET
	failure_reason = EXCLUDED.failure_reason,
	compensation_status = 'PENDING',
	compensation_date = NULL,
	update_time = EXCLUDED.update_time`

const compensationColumns = `id, account_id, account_name, failed_date, failure_reason, compensation_status,
	compensation_date, create_time, update_time`

// CompensationTracker persists compensation_history rows in Postgres.
type CompensationTracker struct {
	db   *DB
	opts Options
}

var _ store.CompensationTracker = (*CompensationTracker)(nil)

// NewCompensationTracker creates a CompensationTracker backed by db.
func NewCompensationTracker(db *DB, opts Options) (*CompensationTracker, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &CompensationTracker{db: db, opts: opts.withDefaults()}, nil
}

// PendingAccounts lists accounts with PENDING records, oldest failure first.
func (c *CompensationTracker) PendingAccounts(ctx context.Context, limit int) ([]store.Target, error) {
	query := `
SELECT account_id, account_name, MIN(failed_date) AS first_failed_date, MAX(update_time) AS last_update
FROM compensation_history
WHERE compensation_status = 'PENDING'
GROUP BY account_id, account_name
ORDER BY first_failed_date ASC, last_update DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	var out []store.Target
	err := c.db.withRetry(ctx, "pending_accounts", func(ctx context.Context) error {
		rows, err := c.db.pool.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query pending compensation: %w", err)
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			var (
				t           store.Target
				firstFailed time.Time
				lastUpdate  time.Time
			)
			if err := rows.Scan(&t.AccountID, &t.AccountName, &firstFailed, &lastUpdate); err != nil {
				return fmt.Errorf("scan pending compensation: %w", err)
			}
			out = append(out, t)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate pending compensation: %w", err)
		}
		return nil
	})
	return out, err
}

// MarkCompleted clears the account's priority and failure streak and
// completes its PENDING records inside the window. Records older than the
// window stay PENDING.
func (c *CompensationTracker) MarkCompleted(ctx context.Context, accountID string) error {
	now := c.opts.Clock.Now()
	today := clock.StartOfDay(now)
	windowStart := today.AddDate(0, 0, -c.opts.WindowDays)
	return c.db.withRetry(ctx, "mark_compensation_completed", func(ctx context.Context) error {
		return c.db.inTx(ctx, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
UPDATE account_status SET compensation_priority = 0, consecutive_failures = 0, update_time = $1
WHERE account_id = $2`, now, accountID); err != nil {
				return fmt.Errorf("clear compensation priority: %w", err)
			}
			if _, err := tx.Exec(ctx, `
UPDATE compensation_history SET compensation_status = 'COMPLETED', compensation_date = $1, update_time = $2
WHERE account_id = $3 AND compensation_status = 'PENDING' AND failed_date >= $4`,
				today, now, accountID, windowStart); err != nil {
				return fmt.Errorf("complete compensation records: %w", err)
			}
			return nil
		})
	})
}

// MarkFailed fails the account's PENDING records inside the window. When none
// matched, a FAILED record for today is written from the account's current row.
func (c *CompensationTracker) MarkFailed(ctx context.Context, accountID string, reason *string) error {
	now := c.opts.Clock.Now()
	today := clock.StartOfDay(now)
	windowStart := today.AddDate(0, 0, -c.opts.WindowDays)
	return c.db.withRetry(ctx, "mark_compensation_failed", func(ctx context.Context) error {
		return c.db.inTx(ctx, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, `
UPDATE compensation_history SET compensation_status = 'FAILED', failure_reason = COALESCE($1, failure_reason), update_time = $2
WHERE account_id = $3 AND compensation_status = 'PENDING' AND failed_date >= $4`,
				reason, now, accountID, windowStart)
			if err != nil {
				return fmt.Errorf("fail compensation records: %w", err)
			}
			if tag.RowsAffected() > 0 {
				return nil
			}
			tag, err = tx.Exec(ctx, `
INSERT INTO compensation_history
	(account_id, account_name, failed_date, failure_reason, compensation_status, create_time, update_time)
SELECT account_id, account_name, $1, $2, 'FAILED', $3, $3
FROM account_status WHERE account_id = $4
ON CONFLICT (account_id, failed_date) DO UPDATE SET
	compensation_status = 'FAILED',
	failure_reason = COALESCE(EXCLUDED.failure_reason, compensation_history.failure_reason),
	update_time = EXCLUDED.update_time`,
				today, reason, now, accountID)
			if err != nil {
				return fmt.Errorf("insert failed compensation record: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return store.ErrNotFound
			}
			return nil
		})
	})
}

// RecordCurrentFailures upserts today's PENDING record per failing account.
func (c *CompensationTracker) RecordCurrentFailures(ctx context.Context) (int64, error) {
	now := c.opts.Clock.Now()
	var n int64
	err := c.db.withRetry(ctx, "record_current_failures", func(ctx context.Context) error {
		tag, err := c.db.pool.Exec(ctx, recordFailuresSQL, clock.StartOfDay(now), now)
		if err != nil {
			return fmt.Errorf("record current failures: %w", err)
		}
		n = tag.RowsAffected()
		return nil
	})
	return n, err
}

// History lists every record for accountID, newest failure first.
func (c *CompensationTracker) History(ctx context.Context, accountID string) ([]store.CompensationRecord, error) {
	var out []store.CompensationRecord
	err := c.db.withRetry(ctx, "compensation_history", func(ctx context.Context) error {
		rows, err := c.db.pool.Query(ctx,
			`SELECT `+compensationColumns+` FROM compensation_history WHERE account_id = $1 ORDER BY failed_date DESC`,
			accountID)
		if err != nil {
			return fmt.Errorf("query compensation history: %w", err)
		}
		defer rows.Close()

		out = nil
		for rows.Next() {
			var (
				rec    store.CompensationRecord
				status string
			)
			if err := rows.Scan(
				&rec.ID,
				&rec.AccountID,
				&rec.AccountName,
				&rec.FailedDate,
				&rec.FailureReason,
				&status,
				&rec.CompensationDate,
				&rec.CreateTime,
				&rec.UpdateTime,
			); err != nil {
				return fmt.Errorf("scan compensation record: %w", err)
			}
			if rec.Status, err = store.ParseCompensationStatus(status); err != nil {
				return err
			}
			out = append(out, rec)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate compensation history: %w", err)
		}
		return nil
	})
	return out, err
}
