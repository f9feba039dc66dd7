package jobcontext

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskBegin_AttachesMetadata(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	ctx, cancel := TaskBegin(context.Background(), id, "m-1", 2, time.Minute)
	defer cancel()

	meta := GetTaskMetadata(ctx)
	assert.Equal(t, id, meta.TaskID)
	assert.Equal(t, "m-1", meta.MeetingID)
	assert.Equal(t, 2, meta.Attempt)
	assert.False(t, meta.StartTime.IsZero())

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Minute), deadline, 5*time.Second)
}

func TestTaskBegin_DefaultTimeout(t *testing.T) {
	t.Parallel()

	ctx, cancel := TaskBegin(context.Background(), uuid.New(), "m-1", 1, 0)
	defer cancel()

	deadline, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(DefaultTaskTimeout), deadline, 5*time.Second)
}

func TestRun_RecoversPanic(t *testing.T) {
	t.Parallel()

	err := Run(context.Background(), func(context.Context) error {
		panic("boom")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRun_SkipsCancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := Run(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.False(t, called)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, IsCallerCancellation(err))
}

func TestIsCallerCancellation(t *testing.T) {
	t.Parallel()

	assert.True(t, IsCallerCancellation(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.False(t, IsCallerCancellation(context.DeadlineExceeded))
	assert.False(t, IsCallerCancellation(errors.New("context canceled")), "only typed cancellation counts")
}

func TestErrorClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err          error
		retryable    bool
		nonRetryable bool
	}{
		{err: context.DeadlineExceeded, retryable: true},
		{err: errors.New("dial tcp: connection refused"), retryable: true},
		{err: errors.New("crm returned status 503: service unavailable"), retryable: true},
		{err: errors.New("too many requests"), retryable: true},
		{err: errors.New("crm returned status 401"), nonRetryable: true},
		{err: errors.New("validation failed on extracted.roi"), nonRetryable: true},
		{err: errors.New("something odd")},
		{err: nil},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.retryable, IsRetryableError(tt.err), "%v", tt.err)
		assert.Equal(t, tt.nonRetryable, IsNonRetryableError(tt.err), "%v", tt.err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	t.Parallel()

	base, limit := 5*time.Second, 5*time.Minute
	assert.Equal(t, 5*time.Second, CalculateBackoff(0, base, limit))
	assert.Equal(t, 10*time.Second, CalculateBackoff(1, base, limit))
	assert.Equal(t, 20*time.Second, CalculateBackoff(2, base, limit))
	assert.Equal(t, 160*time.Second, CalculateBackoff(5, base, limit))
	assert.Equal(t, limit, CalculateBackoff(6, base, limit))
	assert.Equal(t, limit, CalculateBackoff(62, base, limit))
	assert.Equal(t, base, CalculateBackoff(-3, base, limit))
}
