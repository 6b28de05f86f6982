package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/roundcrawler/internal/clock"
	"github.com/JakeFAU/roundcrawler/internal/store"
)

// Options tunes time-based behavior shared by the stores.
type Options struct {
	// Clock drives "today" and timestamps. Defaults to UTC wall time.
	Clock clock.Clock
	// RetryDelay is how far ResetForRetry schedules next_retry_time.
	RetryDelay time.Duration
	// FailedLookbackDays bounds ListFailed's priority listing.
	FailedLookbackDays int
	// WindowDays scopes compensation mark-complete/mark-failed.
	WindowDays int
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

const accountColumns = `account_id, account_name, status, retry_count, last_exception_msg, next_retry_time,
	compensation_priority, consecutive_failures, last_failed_date, failed_reason_backup,
	create_time, update_time, last_update_time`

const (
	snapshotFailuresSQL = `
UPDATE account_status SET
	failed_reason_backup = CASE
		WHEN status IN ('EXCEPTION', 'FAILED') AND last_exception_msg IS NOT NULL THEN last_exception_msg
		ELSE failed_reason_backup END,
	consecutive_failures = CASE
		WHEN status IN ('EXCEPTION', 'FAILED') AND (last_failed_date IS NULL OR last_failed_date < $1) THEN consecutive_failures + 1
		WHEN status = 'COMPLETED' THEN 0
		ELSE consecutive_failures END,
	last_failed_date = CASE
		WHEN status IN ('EXCEPTION', 'FAILED') AND (last_failed_date IS NULL OR last_failed_date < $1) THEN $1
		ELSE last_failed_date END,
	compensation_priority = CASE
		WHEN status IN ('EXCEPTION', 'FAILED', 'RETRYING') THEN 1
		ELSE compensation_priority END,
	update_time = $2
WHERE status IN ('EXCEPTION', 'FAILED', 'RETRYING', 'COMPLETED')`

	resetToPendingSQL = `
UPDATE account_status SET
	status = 'PENDING',
	last_exception_msg = NULL,
	next_retry_time = NULL,
	last_update_time = $1,
	update_time = $1
WHERE status <> 'PENDING'`
)

// AccountStore persists account_status rows in Postgres.
type AccountStore struct {
	db   *DB
	opts Options
}

var _ store.AccountStore = (*AccountStore)(nil)

// NewAccountStore creates an AccountStore backed by db.
func NewAccountStore(db *DB, opts Options) (*AccountStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	return &AccountStore{db: db, opts: opts.withDefaults()}, nil
}

// Initialize inserts a PENDING row unless one already exists.
func (s *AccountStore) Initialize(ctx context.Context, accountID, accountName string) error {
	if accountID == "" {
		return fmt.Errorf("account id is required")
	}
	now := s.opts.Clock.Now()
	return s.db.withRetry(ctx, "initialize", func(ctx context.Context) error {
		_, err := s.db.pool.Exec(ctx, `
INSERT INTO account_status (account_id, account_name, status, retry_count, create_time, update_time, last_update_time)
VALUES ($1, $2, 'PENDING', 0, $3, $3, $3)
ON CONFLICT (account_id) DO NOTHING`, accountID, accountName, now)
		if err != nil {
			return fmt.Errorf("initialize account: %w", err)
		}
		return nil
	})
}

// UpdateStatus sets status and optionally last_exception_msg.
func (s *AccountStore) UpdateStatus(ctx context.Context, accountID string, status store.Status, msg *string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}
	now := s.opts.Clock.Now()
	query := `UPDATE account_status SET status = $1, last_update_time = $2, update_time = $2 WHERE account_id = $3`
	args := []any{string(status), now, accountID}
	if msg != nil {
		query = `UPDATE account_status SET status = $1, last_update_time = $2, update_time = $2, last_exception_msg = $4 WHERE account_id = $3`
		args = append(args, *msg)
	}
	return s.execOne(ctx, "update_status", query, args...)
}

// IncrementRetry bumps retry_count.
func (s *AccountStore) IncrementRetry(ctx context.Context, accountID string) error {
	return s.execOne(ctx, "increment_retry",
		`UPDATE account_status SET retry_count = retry_count + 1, update_time = $1 WHERE account_id = $2`,
		s.opts.Clock.Now(), accountID)
}

// SetNextRetryTime records next_retry_time.
func (s *AccountStore) SetNextRetryTime(ctx context.Context, accountID string, at time.Time) error {
	return s.execOne(ctx, "set_next_retry_time",
		`UPDATE account_status SET next_retry_time = $1, update_time = $2 WHERE account_id = $3`,
		at, s.opts.Clock.Now(), accountID)
}

// ResetForRetry moves the account to RETRYING and schedules the next attempt.
func (s *AccountStore) ResetForRetry(ctx context.Context, accountID string, msg *string) error {
	now := s.opts.Clock.Now()
	next := now.Add(s.opts.RetryDelay)
	query := `UPDATE account_status SET status = 'RETRYING', retry_count = retry_count + 1, next_retry_time = $1, last_update_time = $2, update_time = $2 WHERE account_id = $3`
	args := []any{next, now, accountID}
	if msg != nil {
		query = `UPDATE account_status SET status = 'RETRYING', retry_count = retry_count + 1, next_retry_time = $1, last_update_time = $2, update_time = $2, last_exception_msg = $4 WHERE account_id = $3`
		args = append(args, *msg)
	}
	return s.execOne(ctx, "reset_for_retry", query, args...)
}

// ResetAllToPending runs the compensation flush, failure snapshot and reset
// in a single transaction.
func (s *AccountStore) ResetAllToPending(ctx context.Context) (store.ResetResult, error) {
	now := s.opts.Clock.Now()
	today := clock.StartOfDay(now)
	var res store.ResetResult
	err := s.db.withRetry(ctx, "reset_all_to_pending", func(ctx context.Context) error {
		res = store.ResetResult{}
		return s.db.inTx(ctx, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx, recordFailuresSQL, today, now)
			if err != nil {
				return fmt.Errorf("record failures to compensation: %w", err)
			}
			res.Recorded = tag.RowsAffected()

			tag, err = tx.Exec(ctx, snapshotFailuresSQL, today, now)
			if err != nil {
				return fmt.Errorf("snapshot failures: %w", err)
			}
			res.Snapshotted = tag.RowsAffected()

			tag, err = tx.Exec(ctx, resetToPendingSQL, now)
			if err != nil {
				return fmt.Errorf("reset to pending: %w", err)
			}
			res.Reset = tag.RowsAffected()
			return nil
		})
	})
	if err != nil {
		return store.ResetResult{}, err
	}
	return res, nil
}

// Get loads one account.
func (s *AccountStore) Get(ctx context.Context, accountID string) (store.AccountStatus, error) {
	var acct store.AccountStatus
	err := s.db.withRetry(ctx, "get_account", func(ctx context.Context) error {
		row := s.db.pool.QueryRow(ctx, `SELECT `+accountColumns+` FROM account_status WHERE account_id = $1`, accountID)
		var err error
		acct, err = scanAccount(row)
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get account: %w", err)
		}
		return nil
	})
	return acct, err
}

// ListByStatus returns accounts in status ordered by account_id.
func (s *AccountStore) ListByStatus(ctx context.Context, status store.Status) ([]store.AccountStatus, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: %q", store.ErrInvalidStatus, status)
	}
	return s.list(ctx, "list_by_status",
		`SELECT `+accountColumns+` FROM account_status WHERE status = $1 ORDER BY account_id`,
		string(status))
}

// ListByIDs returns the existing accounts among ids.
func (s *AccountStore) ListByIDs(ctx context.Context, ids []string) ([]store.AccountStatus, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.list(ctx, "list_by_ids",
		`SELECT `+accountColumns+` FROM account_status WHERE account_id = ANY($1)`,
		ids)
}

// ListFailed returns failing or recently prioritized accounts.
func (s *AccountStore) ListFailed(ctx context.Context) ([]store.AccountStatus, error) {
	since := clock.Today(s.opts.Clock).AddDate(0, 0, -s.opts.FailedLookbackDays)
	return s.list(ctx, "list_failed", `
SELECT `+accountColumns+` FROM account_status
WHERE status IN ('EXCEPTION', 'FAILED')
   OR (compensation_priority > 0 AND last_failed_date >= $1)
ORDER BY compensation_priority DESC, consecutive_failures DESC, last_update_time DESC`, since)
}

// Summary returns a status histogram with every status plus TOTAL.
func (s *AccountStore) Summary(ctx context.Context) (map[string]int64, error) {
	var out map[string]int64
	err := s.db.withRetry(ctx, "summary", func(ctx context.Context) error {
		rows, err := s.db.pool.Query(ctx, `SELECT status, COUNT(*) FROM account_status GROUP BY status`)
		if err != nil {
			return fmt.Errorf("summarize accounts: %w", err)
		}
		defer rows.Close()

		out = make(map[string]int64, len(store.AllStatuses)+1)
		for _, st := range store.AllStatuses {
			out[string(st)] = 0
		}
		var total int64
		for rows.Next() {
			var (
				status string
				count  int64
			)
			if err := rows.Scan(&status, &count); err != nil {
				return fmt.Errorf("scan summary: %w", err)
			}
			out[status] = count
			total += count
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate summary: %w", err)
		}
		out[store.SummaryTotalKey] = total
		return nil
	})
	return out, err
}

func (s *AccountStore) execOne(ctx context.Context, op, query string, args ...any) error {
	return s.db.withRetry(ctx, op, func(ctx context.Context) error {
		tag, err := s.db.pool.Exec(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		if tag.RowsAffected() == 0 {
			return store.ErrNotFound
		}
		return nil
	})
}

func (s *AccountStore) list(ctx context.Context, op, query string, args ...any) ([]store.AccountStatus, error) {
	var out []store.AccountStatus
	err := s.db.withRetry(ctx, op, func(ctx context.Context) error {
		var err error
		out, err = queryAccounts(ctx, s.db.pool, query, args...)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	})
	return out, err
}

func queryAccounts(ctx context.Context, q querier, query string, args ...any) ([]store.AccountStatus, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.AccountStatus
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, acct)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func scanAccount(row pgx.Row) (store.AccountStatus, error) {
	var (
		acct   store.AccountStatus
		status string
	)
	err := row.Scan(
		&acct.AccountID,
		&acct.AccountName,
		&status,
		&acct.RetryCount,
		&acct.LastExceptionMsg,
		&acct.NextRetryTime,
		&acct.CompensationPriority,
		&acct.ConsecutiveFailures,
		&acct.LastFailedDate,
		&acct.FailedReasonBackup,
		&acct.CreateTime,
		&acct.UpdateTime,
		&acct.LastUpdateTime,
	)
	if err != nil {
		return store.AccountStatus{}, err
	}
	acct.Status, err = store.ParseStatus(status)
	if err != nil {
		return store.AccountStatus{}, err
	}
	return acct, nil
}
