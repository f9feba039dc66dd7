package entities

import (
	"errors"
	"fmt"
)

// Domain errors
var (
	// Queue errors
	ErrTaskNotFound     = errors.New("sync task not found")
	ErrTaskNotAbandoned = errors.New("sync task is not abandoned")
	ErrQueueExhausted   = errors.New("sync task exhausted its retry attempts")

	// Lock errors
	ErrLockNotAcquired = errors.New("record lock not acquired")

	// Record errors
	ErrRecordNotFound = errors.New("crm record not found")
)

// ValidationError reports a malformed extracted-field payload or meeting snapshot
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Reason)
}

// SyncErrorKind separates failures worth retrying from ones that never succeed
type SyncErrorKind int

const (
	SyncErrorTransient SyncErrorKind = iota // network, timeouts, 429, 5xx
	SyncErrorPermanent                      // 4xx, auth, CRM-side validation
)

func (k SyncErrorKind) String() string {
	if k == SyncErrorPermanent {
		return "permanent"
	}
	return "transient"
}

// SyncError is returned by a Syncer when a write to the CRM fails
type SyncError struct {
	Kind       SyncErrorKind
	StatusCode int
	Code       string
	Err        error
}

func (e *SyncError) Error() string {
	msg := e.Kind.String() + " sync error"
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewTransientSyncError wraps err as a retryable failure
func NewTransientSyncError(statusCode int, err error) *SyncError {
	return &SyncError{Kind: SyncErrorTransient, StatusCode: statusCode, Err: err}
}

// NewPermanentSyncError wraps err as a failure that must not be retried automatically
func NewPermanentSyncError(statusCode int, code string, err error) *SyncError {
	return &SyncError{Kind: SyncErrorPermanent, StatusCode: statusCode, Code: code, Err: err}
}

// IsPermanentSyncError checks whether err carries a permanent SyncError
func IsPermanentSyncError(err error) bool {
	var syncErr *SyncError
	return errors.As(err, &syncErr) && syncErr.Kind == SyncErrorPermanent
}
