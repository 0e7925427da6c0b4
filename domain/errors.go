package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownColumn    = errors.New("unknown column")
	ErrColumnFull       = errors.New("column full")
	ErrAlreadyPending   = errors.New("mutation already pending")
	ErrConflict         = errors.New("version conflict")
	ErrRateLimited      = errors.New("rate limited")
	ErrTransientNetwork = errors.New("transient network failure")
	ErrFatal            = errors.New("fatal remote failure")

	ErrUnknownItem     = errors.New("unknown item")
	ErrUnknownStatus   = errors.New("unknown status")
	ErrPendingNotFound = errors.New("pending mutation not found")
)

// ConflictError indicates that a conditional write was based on a stale version.
type ConflictError struct {
	ItemID          string
	ExpectedVersion int64
	CurrentVersion  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on item %s: expected %d, current %d", e.ItemID, e.ExpectedVersion, e.CurrentVersion)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// RateLimitError is returned when an upstream answers 429. RetryAfter is zero when
// the response carried no hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
	}
	return "rate limited"
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// TransientError wraps failures worth retrying (timeouts, 5xx, dropped connections).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	if e.Err == nil {
		return ErrTransientNetwork.Error()
	}
	return "transient failure: " + e.Err.Error()
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransientNetwork }

// FatalError is surfaced once the retry budget is spent or an error cannot be classified.
type FatalError struct {
	Attempts int
	Err      error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("giving up after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func (e *FatalError) Is(target error) bool { return target == ErrFatal }

// Transient wraps err as a TransientError.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}
