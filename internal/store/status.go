package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidStatus is returned when a status string is outside its enum.
	ErrInvalidStatus = errors.New("invalid status")
)

// Status mirrors the account_status.status column.
type Status string

// Account statuses persisted in account_status.status.
const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusException  Status = "EXCEPTION"
	StatusFailed     Status = "FAILED"
	StatusRetrying   Status = "RETRYING"
)

// AllStatuses lists every account status in display order.
var AllStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusException,
	StatusFailed,
	StatusRetrying,
}

// ParseStatus converts a raw column or flag value into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: account status %q", ErrInvalidStatus, raw)
	}
	return s, nil
}

// Valid reports whether s is one of the known account statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusException, StatusFailed, StatusRetrying:
		return true
	default:
		return false
	}
}

// IsFailure reports whether the account failed its last crawl attempt.
// Failed accounts are flushed into the compensation backlog at reset time.
func (s Status) IsFailure() bool {
	return s == StatusException || s == StatusFailed
}

// NeedsCompensation reports whether reset should raise the account's
// compensation priority.
func (s Status) NeedsCompensation() bool {
	return s.IsFailure() || s == StatusRetrying
}

// CompensationStatus mirrors the compensation_history.compensation_status column.
type CompensationStatus string

// Compensation statuses persisted in compensation_history.compensation_status.
const (
	CompensationPending   CompensationStatus = "PENDING"
	CompensationCompleted CompensationStatus = "COMPLETED"
	CompensationFailed    CompensationStatus = "FAILED"
)

// ParseCompensationStatus converts a raw column value into a CompensationStatus.
func ParseCompensationStatus(raw string) (CompensationStatus, error) {
	s := CompensationStatus(strings.ToUpper(strings.TrimSpace(raw)))
	switch s {
	case CompensationPending, CompensationCompleted, CompensationFailed:
		return s, nil
	default:
		return "", fmt.Errorf("%w: compensation status %q", ErrInvalidStatus, raw)
	}
}

// LedgerStatus mirrors the crawl_exception.status column.
type LedgerStatus string

// Round outcomes recorded in the ledger.
const (
	LedgerFinished   LedgerStatus = "finished"
	LedgerUnfinished LedgerStatus = "unfinished"
)

// ParseLedgerStatus converts a raw column value into a LedgerStatus.
func ParseLedgerStatus(raw string) (LedgerStatus, error) {
	s := LedgerStatus(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case LedgerFinished, LedgerUnfinished:
		return s, nil
	default:
		return "", fmt.Errorf("%w: ledger status %q", ErrInvalidStatus, raw)
	}
}
