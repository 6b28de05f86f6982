package store

import (
	"context"
	"time"
)

// CompensationRecord models one compensation_history row.
type CompensationRecord struct {
	ID               int64              `json:"id"`
	AccountID        string             `json:"account_id"`
	AccountName      string             `json:"account_name"`
	FailedDate       time.Time          `json:"failed_date"`
	FailureReason    *string            `json:"failure_reason,omitempty"`
	Status           CompensationStatus `json:"compensation_status"`
	CompensationDate *time.Time         `json:"compensation_date,omitempty"`
	CreateTime       time.Time          `json:"create_time"`
	UpdateTime       time.Time          `json:"update_time"`
}

// CompensationTracker persists the retry backlog of failed accounts.
type CompensationTracker interface {
	// PendingAccounts lists accounts with PENDING records, earliest failure
	// first and most recently touched first among ties. limit <= 0 means all.
	PendingAccounts(ctx context.Context, limit int) ([]Target, error)
	// MarkCompleted clears the account's priority and failure streak and
	// completes its PENDING records inside the window.
	MarkCompleted(ctx context.Context, accountID string) error
	// MarkFailed fails the account's PENDING records inside the window, or
	// inserts a FAILED record for today when none matched.
	MarkFailed(ctx context.Context, accountID string, reason *string) error
	// RecordCurrentFailures upserts a PENDING record for today for every
	// account currently in EXCEPTION or FAILED.
	RecordCurrentFailures(ctx context.Context) (int64, error)
	// History lists every record for the account, newest failure first.
	History(ctx context.Context, accountID string) ([]CompensationRecord, error)
}

// FailureReason renders the reason stored for an account flushed into compensation.
func FailureReason(status Status, msg *string) string {
	if msg != nil && *msg != "" {
		return *msg
	}
	return "status abnormal: " + string(status)
}
