package jobcontext

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTaskTimeout bounds a single Syncer call made on behalf of a task
const DefaultTaskTimeout = 15 * time.Second

type KeyContext string

var (
	keyTaskID        KeyContext = "task_id"
	keyMeetingID     KeyContext = "meeting_id"
	keyAttempt       KeyContext = "attempt"
	keyTaskStartTime KeyContext = "task_start_time"
)

// TaskMetadata holds metadata for one sync attempt
type TaskMetadata struct {
	TaskID    uuid.UUID
	MeetingID string
	Attempt   int
	StartTime time.Time
}

// TaskBegin derives a context for one sync attempt with a timeout and the
// task's metadata attached. A non-positive timeout uses DefaultTaskTimeout.
func TaskBegin(parentCtx context.Context, taskID uuid.UUID, meetingID string, attempt int, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	ctx, cancel := context.WithTimeout(parentCtx, timeout)

	ctx = context.WithValue(ctx, keyTaskID, taskID)
	ctx = context.WithValue(ctx, keyMeetingID, meetingID)
	ctx = context.WithValue(ctx, keyAttempt, attempt)
	ctx = context.WithValue(ctx, keyTaskStartTime, time.Now())

	return ctx, cancel
}

// Run executes fn once, turning a panic into an error
func Run(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic recovered: %v", p)
		}
	}()

	if ctx.Err() != nil {
		return fmt.Errorf("context cancelled before task execution: %w", ctx.Err())
	}

	return fn(ctx)
}

// GetTaskID extracts task ID from context
func GetTaskID(ctx context.Context) (uuid.UUID, bool) {
	taskID, ok := ctx.Value(keyTaskID).(uuid.UUID)
	return taskID, ok
}

// GetMeetingID extracts meeting ID from context
func GetMeetingID(ctx context.Context) (string, bool) {
	meetingID, ok := ctx.Value(keyMeetingID).(string)
	return meetingID, ok
}

// GetAttempt extracts the attempt number from context
func GetAttempt(ctx context.Context) int {
	attempt, ok := ctx.Value(keyAttempt).(int)
	if !ok {
		return 0
	}
	return attempt
}

// GetTaskStartTime extracts task start time from context
func GetTaskStartTime(ctx context.Context) (time.Time, bool) {
	startTime, ok := ctx.Value(keyTaskStartTime).(time.Time)
	return startTime, ok
}

// GetTaskMetadata extracts all task metadata from context
func GetTaskMetadata(ctx context.Context) *TaskMetadata {
	taskID, _ := GetTaskID(ctx)
	meetingID, _ := GetMeetingID(ctx)
	startTime, _ := GetTaskStartTime(ctx)

	return &TaskMetadata{
		TaskID:    taskID,
		MeetingID: meetingID,
		Attempt:   GetAttempt(ctx),
		StartTime: startTime,
	}
}

// IsCallerCancellation reports a cancellation that came from the caller rather
// than from a deadline. Such a failure says nothing about the remote system.
func IsCallerCancellation(err error) bool {
	return errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// IsRetryableError checks if an untyped error should trigger a retry
// Retryable errors include: network errors, timeouts, rate limits, 5xx
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	// Context errors (timeout)
	if strings.Contains(errStr, "context deadline exceeded") ||
		strings.Contains(errStr, "client.timeout exceeded") {
		return true
	}

	// Network errors
	if strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "network unreachable") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "eof") {
		return true
	}

	// API rate limiting
	if strings.Contains(errStr, "rate limit") ||
		strings.Contains(errStr, "too many requests") {
		return true
	}

	// Server errors (5xx)
	if strings.Contains(errStr, "status 5") ||
		strings.Contains(errStr, "internal server error") ||
		strings.Contains(errStr, "service unavailable") ||
		strings.Contains(errStr, "bad gateway") {
		return true
	}

	// Temporary failures
	if strings.Contains(errStr, "temporary failure") ||
		strings.Contains(errStr, "try again") {
		return true
	}

	return false
}

// IsNonRetryableError checks if an untyped error should NOT trigger a retry
func IsNonRetryableError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// Client errors (4xx except 429)
	if strings.Contains(errStr, "status 400") ||
		strings.Contains(errStr, "status 401") ||
		strings.Contains(errStr, "status 403") ||
		strings.Contains(errStr, "status 404") ||
		strings.Contains(errStr, "bad request") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "forbidden") {
		return true
	}

	// Data validation errors
	if strings.Contains(errStr, "validation failed") ||
		strings.Contains(errStr, "malformed") ||
		strings.Contains(errStr, "parse error") {
		return true
	}

	return false
}

// CalculateBackoff returns 2^attempt * baseDelay, capped at maxDelay
func CalculateBackoff(attempt int, baseDelay, maxDelay time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// beyond 2^30 every sane base overflows the cap anyway
	if attempt > 30 {
		return maxDelay
	}

	backoff := time.Duration(1<<uint(attempt)) * baseDelay
	if backoff > maxDelay || backoff < 0 {
		backoff = maxDelay
	}

	return backoff
}
