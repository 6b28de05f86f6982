package store

import (
	"context"
	"time"
)

// SummaryTotalKey is the synthetic histogram key holding the row count.
const SummaryTotalKey = "TOTAL"

// Target is one crawlable account as listed in a target list.
type Target struct {
	AccountID   string `json:"account_id" yaml:"account_id"`
	AccountName string `json:"account_name" yaml:"account_name"`
}

// AccountStatus models one account_status row.
type AccountStatus struct {
	AccountID   string `json:"account_id"`
	AccountName string `json:"account_name"`
	Status      Status `json:"status"`
	// RetryCount only moves on explicit retry actions.
	RetryCount       int        `json:"retry_count"`
	LastExceptionMsg *string    `json:"last_exception_msg,omitempty"`
	NextRetryTime    *time.Time `json:"next_retry_time,omitempty"`
	// CompensationPriority is 0 or 1.
	CompensationPriority int `json:"compensation_priority"`
	// ConsecutiveFailures grows at most once per calendar day.
	ConsecutiveFailures int `json:"consecutive_failures"`
	// LastFailedDate and FailedReasonBackup are written only by reset.
	LastFailedDate     *time.Time `json:"last_failed_date,omitempty"`
	FailedReasonBackup *string    `json:"failed_reason_backup,omitempty"`
	CreateTime         time.Time  `json:"create_time"`
	UpdateTime         time.Time  `json:"update_time"`
	LastUpdateTime     time.Time  `json:"last_update_time"`
}

// ResetResult reports how many rows each reset phase touched.
type ResetResult struct {
	// Recorded counts compensation records upserted before the snapshot.
	Recorded int64 `json:"recorded"`
	// Snapshotted counts rows whose failure snapshot fields were refreshed.
	Snapshotted int64 `json:"snapshotted"`
	// Reset counts rows moved back to PENDING.
	Reset int64 `json:"reset"`
}

// AccountStore persists per-account crawl status.
type AccountStore interface {
	// Initialize inserts a PENDING row; an existing row is left untouched.
	Initialize(ctx context.Context, accountID, accountName string) error
	// UpdateStatus sets the status and, when msg is non-nil, the exception
	// message. Returns ErrNotFound when no row matched.
	UpdateStatus(ctx context.Context, accountID string, status Status, msg *string) error
	// IncrementRetry bumps retry_count by one.
	IncrementRetry(ctx context.Context, accountID string) error
	// SetNextRetryTime records when the account may be retried manually.
	SetNextRetryTime(ctx context.Context, accountID string, at time.Time) error
	// ResetForRetry moves the account to RETRYING, bumps retry_count and
	// schedules next_retry_time after the configured delay.
	ResetForRetry(ctx context.Context, accountID string, msg *string) error
	// ResetAllToPending flushes failures into compensation, snapshots failure
	// fields and moves every non-PENDING row back to PENDING.
	ResetAllToPending(ctx context.Context) (ResetResult, error)

	// Get loads one account or returns ErrNotFound.
	Get(ctx context.Context, accountID string) (AccountStatus, error)
	// ListByStatus returns accounts currently in status.
	ListByStatus(ctx context.Context, status Status) ([]AccountStatus, error)
	// ListByIDs returns the accounts that exist among ids, in no particular order.
	ListByIDs(ctx context.Context, ids []string) ([]AccountStatus, error)
	// ListFailed returns accounts needing attention ordered by priority,
	// consecutive failures and last update.
	ListFailed(ctx context.Context) ([]AccountStatus, error)
	// Summary returns a status to count histogram including SummaryTotalKey.
	Summary(ctx context.Context) (map[string]int64, error)
}
