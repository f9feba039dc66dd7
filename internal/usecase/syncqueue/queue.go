package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
	"github.com/johnquangdev/discovery-sync/internal/domain/repositories"
	"github.com/johnquangdev/discovery-sync/internal/infrastructure/lock"
	"github.com/johnquangdev/discovery-sync/pkg/jobcontext"
)

// Defaults used when Options leaves a field zero
const (
	DefaultBaseDelay     = 5 * time.Second
	DefaultMaxDelay      = 5 * time.Minute
	DefaultDrainInterval = 5 * time.Second
	DefaultConcurrency   = 4
)

// Syncer writes a payload to the external record system. An empty recordID
// creates the record; the returned id is the record that was written.
type Syncer interface {
	Upsert(ctx context.Context, recordID string, payload entities.SyncPayload) (string, error)
}

// Invalidator drops cached reads made stale by a successful write
type Invalidator interface {
	InvalidateRecord(recordID string)
}

// Options tunes a Queue
type Options struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	CallTimeout   time.Duration
	Concurrency   int
	DrainInterval time.Duration
	Clock         func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = entities.DefaultMaxAttempts
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = DefaultBaseDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultMaxDelay
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = jobcontext.DefaultTaskTimeout
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = DefaultDrainInterval
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// Status summarizes the queue for callers that surface it to users
type Status struct {
	Pending     int            `json:"pending"`
	InFlight    int            `json:"in_flight"`
	Abandoned   int            `json:"abandoned"`
	NextRetryAt *time.Time     `json:"next_retry_at,omitempty"`
	NextRetryIn *time.Duration `json:"next_retry_in,omitempty"`
}

// DrainReport counts what one drain pass did
type DrainReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Abandoned int `json:"abandoned"`
	Skipped   int `json:"skipped"`
}

type drainCounters struct {
	attempted, succeeded, failed, abandoned, skipped atomic.Int64
}

func (c *drainCounters) report() DrainReport {
	return DrainReport{
		Attempted: int(c.attempted.Load()),
		Succeeded: int(c.succeeded.Load()),
		Failed:    int(c.failed.Load()),
		Abandoned: int(c.abandoned.Load()),
		Skipped:   int(c.skipped.Load()),
	}
}

// Queue is the durable retry queue for failed CRM writes
type Queue struct {
	repo        repositories.SyncTaskRepository
	syncer      Syncer
	locker      lock.Locker
	invalidator Invalidator
	opts        Options
	logger      *zap.Logger

	workerStopChan chan struct{}
	workerWg       sync.WaitGroup
	isRunning      bool
	workerMutex    sync.Mutex
}

// NewQueue constructs a queue. invalidator may be nil.
func NewQueue(
	repo repositories.SyncTaskRepository,
	syncer Syncer,
	locker lock.Locker,
	invalidator Invalidator,
	opts Options,
	logger *zap.Logger,
) *Queue {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		repo:        repo,
		syncer:      syncer,
		locker:      locker,
		invalidator: invalidator,
		opts:        opts.withDefaults(),
		logger:      logger,
	}
}

// Locker returns the per-record lock shared with live syncs
func (q *Queue) Locker() lock.Locker {
	return q.locker
}

// Backoff returns the wait before retry number attempt: base * 2^(attempt-1),
// capped. The first retry comes 5s after the failed live write, then 10s, 20s.
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	return jobcontext.CalculateBackoff(attempt-1, q.opts.BaseDelay, q.opts.MaxDelay)
}

// NextAttemptAt is when a pending task becomes due
func (q *Queue) NextAttemptAt(task entities.SyncTask) time.Time {
	return task.LastAttemptAt.Add(q.Backoff(task.Attempts + 1))
}

// Enqueue records a failed live write. A pending task for the same meeting
// absorbs the newer snapshot instead of adding a second task. Permanent
// failures go straight to the abandoned set.
func (q *Queue) Enqueue(ctx context.Context, payload entities.SyncPayload, recordID string, cause error) (*entities.SyncTask, error) {
	if payload.Meeting == nil || payload.Meeting.MeetingID == "" {
		return nil, &entities.ValidationError{Field: "meeting.meetingId", Reason: "required"}
	}
	data, err := payload.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode sync payload: %w", err)
	}

	now := q.opts.Clock()
	meetingID := payload.Meeting.MeetingID
	errMsg := errorMessage(cause)

	existing, err := q.repo.FindPendingByMeeting(ctx, meetingID)
	switch {
	case err == nil:
		existing.Coalesce(recordID, data, errMsg, now)
		if isPermanent(cause) && !existing.IsAbandoned() {
			existing.MarkAbandoned(entities.AbandonReasonPermanent, now)
		}
		if err := q.repo.Update(ctx, existing); err != nil {
			return nil, fmt.Errorf("failed to update sync task: %w", err)
		}
		q.logEnqueued(existing, true)
		return existing, nil

	case errors.Is(err, entities.ErrTaskNotFound):
		task := entities.NewSyncTask(meetingID, recordID, data, errMsg, now)
		task.MaxAttempts = q.opts.MaxAttempts
		if isPermanent(cause) {
			task.MarkAbandoned(entities.AbandonReasonPermanent, now)
		}
		if err := q.repo.Create(ctx, task); err != nil {
			return nil, fmt.Errorf("failed to create sync task: %w", err)
		}
		q.logEnqueued(task, false)
		return task, nil

	default:
		return nil, fmt.Errorf("failed to look up pending sync task: %w", err)
	}
}

// Drain attempts every pending task whose backoff window has elapsed
func (q *Queue) Drain(ctx context.Context) (DrainReport, error) {
	return q.drain(ctx, false)
}

// RetryAllNow attempts every pending task immediately, ignoring backoff
func (q *Queue) RetryAllNow(ctx context.Context) (DrainReport, error) {
	return q.drain(ctx, true)
}

func (q *Queue) drain(ctx context.Context, force bool) (DrainReport, error) {
	tasks, err := q.repo.ListByStatus(ctx, entities.SyncTaskStatusPending, 0)
	if err != nil {
		return DrainReport{}, fmt.Errorf("failed to list pending sync tasks: %w", err)
	}

	now := q.opts.Clock()
	var counters drainCounters
	g := new(errgroup.Group)
	g.SetLimit(q.opts.Concurrency)

	for i := range tasks {
		task := tasks[i]
		if !force && now.Before(q.NextAttemptAt(task)) {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			q.process(ctx, task.ID, task.LockKey(), &counters)
			return nil
		})
	}
	_ = g.Wait()

	report := counters.report()
	if report.Attempted > 0 {
		q.logger.Info("🔁 Sync queue drained",
			zap.Int("attempted", report.Attempted),
			zap.Int("succeeded", report.Succeeded),
			zap.Int("failed", report.Failed),
			zap.Int("abandoned", report.Abandoned),
			zap.Int("skipped", report.Skipped),
		)
	}
	return report, ctx.Err()
}

// process runs one attempt under the record lock. The task is claimed
// (pending → in_flight) before the Syncer is called so concurrent drains
// never fire the same task twice.
func (q *Queue) process(ctx context.Context, id uuid.UUID, lockKey string, counters *drainCounters) {
	release, err := q.locker.Acquire(ctx, lockKey)
	if err != nil {
		counters.skipped.Add(1)
		return
	}
	defer release()

	claimed, err := q.repo.Claim(ctx, id, q.opts.Clock())
	if err != nil {
		q.logger.Error("❌ Failed to claim sync task", zap.String("task_id", id.String()), zap.Error(err))
		counters.skipped.Add(1)
		return
	}
	if !claimed {
		// superseded by a live sync or owned by another drain
		counters.skipped.Add(1)
		return
	}

	// Bookkeeping after the call must land even if ctx is cancelled meanwhile
	storeCtx := context.WithoutCancel(ctx)

	task, err := q.repo.Get(storeCtx, id)
	if err != nil {
		q.logger.Error("❌ Failed to load claimed sync task", zap.String("task_id", id.String()), zap.Error(err))
		counters.skipped.Add(1)
		return
	}

	counters.attempted.Add(1)

	payload, err := entities.DecodeSyncPayload(task.Payload)
	if err != nil {
		task.MarkPermanentFailure(fmt.Sprintf("undecodable payload: %v", err), q.opts.Clock())
		q.save(storeCtx, task)
		counters.abandoned.Add(1)
		q.logAbandoned(task)
		return
	}

	callCtx, cancel := jobcontext.TaskBegin(ctx, task.ID, task.MeetingID, task.Attempts+1, q.opts.CallTimeout)
	var recordID string
	err = jobcontext.Run(callCtx, func(c context.Context) error {
		var upsertErr error
		recordID, upsertErr = q.syncer.Upsert(c, task.RecordID, payload)
		return upsertErr
	})
	cancel()

	now := q.opts.Clock()

	switch {
	case err == nil:
		if err := q.repo.Delete(storeCtx, task.ID); err != nil && !errors.Is(err, entities.ErrTaskNotFound) {
			q.logger.Error("❌ Failed to remove synced task", zap.String("task_id", task.ID.String()), zap.Error(err))
		}
		if recordID == "" {
			recordID = task.RecordID
		}
		if q.invalidator != nil {
			q.invalidator.InvalidateRecord(recordID)
		}
		counters.succeeded.Add(1)
		q.logger.Info("✅ Queued sync succeeded",
			zap.String("task_id", task.ID.String()),
			zap.String("meeting_id", task.MeetingID),
			zap.String("record_id", recordID),
			zap.Int("attempts", task.Attempts+1),
		)

	case jobcontext.IsCallerCancellation(err) && ctx.Err() != nil:
		task.MarkInterrupted(err.Error(), now)
		q.save(storeCtx, task)
		counters.skipped.Add(1)
		q.logger.Warn("⚠️ Queued sync interrupted, attempt not counted",
			zap.String("task_id", task.ID.String()),
		)

	case isPermanent(err):
		task.MarkPermanentFailure(err.Error(), now)
		q.save(storeCtx, task)
		counters.abandoned.Add(1)
		q.logAbandoned(task)

	default:
		task.MarkFailed(err.Error(), now)
		q.save(storeCtx, task)
		if task.IsAbandoned() {
			counters.abandoned.Add(1)
			q.logAbandoned(task)
			return
		}
		counters.failed.Add(1)
		q.logger.Warn("⚠️ Queued sync failed, will retry",
			zap.String("task_id", task.ID.String()),
			zap.Int("attempts", task.Attempts),
			zap.Duration("next_in", q.Backoff(task.Attempts+1)),
			zap.Error(err),
		)
	}
}

// Status counts tasks per state and reports when the next retry is due
func (q *Queue) Status(ctx context.Context) (Status, error) {
	counts, err := q.repo.CountByStatus(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to count sync tasks: %w", err)
	}

	st := Status{
		Pending:   counts[entities.SyncTaskStatusPending],
		InFlight:  counts[entities.SyncTaskStatusInFlight],
		Abandoned: counts[entities.SyncTaskStatusAbandoned],
	}
	if st.Pending == 0 {
		return st, nil
	}

	pending, err := q.repo.ListByStatus(ctx, entities.SyncTaskStatusPending, 0)
	if err != nil {
		return Status{}, fmt.Errorf("failed to list pending sync tasks: %w", err)
	}
	var next time.Time
	for _, task := range pending {
		at := q.NextAttemptAt(task)
		if next.IsZero() || at.Before(next) {
			next = at
		}
	}
	if !next.IsZero() {
		in := next.Sub(q.opts.Clock())
		if in < 0 {
			in = 0
		}
		st.NextRetryAt = &next
		st.NextRetryIn = &in
	}
	return st, nil
}

// Pending lists tasks waiting for automatic retry, oldest first
func (q *Queue) Pending(ctx context.Context) ([]entities.SyncTask, error) {
	return q.repo.ListByStatus(ctx, entities.SyncTaskStatusPending, 0)
}

// Abandoned lists tasks that stopped retrying and need a person to act
func (q *Queue) Abandoned(ctx context.Context) ([]entities.SyncTask, error) {
	return q.repo.ListByStatus(ctx, entities.SyncTaskStatusAbandoned, 0)
}

// Retry puts an abandoned task back in the queue with a fresh attempt budget.
// It is due on the next drain.
func (q *Queue) Retry(ctx context.Context, id uuid.UUID) (*entities.SyncTask, error) {
	task, err := q.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !task.IsAbandoned() {
		return nil, entities.ErrTaskNotAbandoned
	}

	task.ResetForRetry(q.opts.Clock())
	if err := q.repo.Update(ctx, task); err != nil {
		return nil, fmt.Errorf("failed to reset sync task: %w", err)
	}

	q.logger.Info("🔄 Abandoned sync task requeued",
		zap.String("task_id", task.ID.String()),
		zap.String("meeting_id", task.MeetingID),
	)
	return task, nil
}

// Acknowledge removes an abandoned task once a person has seen it
func (q *Queue) Acknowledge(ctx context.Context, id uuid.UUID) error {
	task, err := q.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if !task.IsAbandoned() {
		return entities.ErrTaskNotAbandoned
	}
	if err := q.repo.Delete(ctx, id); err != nil {
		return err
	}

	q.logger.Info("🗑️ Abandoned sync task acknowledged",
		zap.String("task_id", id.String()),
		zap.String("meeting_id", task.MeetingID),
	)
	return nil
}

// Supersede drops pending tasks made obsolete by a successful live write of
// the same meeting. Tasks already in flight are left to finish. Abandoned
// tasks stay until someone retries or acknowledges them.
func (q *Queue) Supersede(ctx context.Context, meetingID string) (int, error) {
	n, err := q.repo.DeleteByMeeting(ctx, meetingID, entities.SyncTaskStatusPending)
	if err != nil {
		return 0, fmt.Errorf("failed to supersede sync tasks: %w", err)
	}
	if n > 0 {
		q.logger.Info("🧹 Superseded queued sync tasks",
			zap.String("meeting_id", meetingID),
			zap.Int("count", n),
		)
	}
	return n, nil
}

// Recover returns tasks left in_flight by a crash to pending. It runs at
// startup and on every worker tick. A claim younger than twice CallTimeout may
// still be running on another replica and is left alone.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	now := q.opts.Clock()
	n, err := q.repo.ResetInFlight(ctx, now.Add(-2*q.opts.CallTimeout), now)
	if err != nil {
		return 0, fmt.Errorf("failed to recover in-flight sync tasks: %w", err)
	}
	if n > 0 {
		q.logger.Warn("⚠️ Recovered interrupted sync tasks", zap.Int("count", n))
	}
	return n, nil
}

// Start runs Drain on a ticker until Stop is called or ctx is done
func (q *Queue) Start(ctx context.Context) error {
	q.workerMutex.Lock()
	defer q.workerMutex.Unlock()

	if q.isRunning {
		return fmt.Errorf("sync queue worker already running")
	}

	q.isRunning = true
	q.workerStopChan = make(chan struct{})

	q.logger.Info("🚀 Starting sync queue worker",
		zap.Duration("interval", q.opts.DrainInterval),
		zap.Int("concurrency", q.opts.Concurrency),
	)

	workerCtx, cancel := context.WithCancel(ctx)
	stop := q.workerStopChan

	q.workerWg.Add(1)
	go func() {
		defer q.workerWg.Done()
		defer cancel()
		q.drainWorker(workerCtx, stop)
	}()

	// Cancel in-flight calls as soon as Stop is requested
	q.workerWg.Add(1)
	go func() {
		defer q.workerWg.Done()
		select {
		case <-stop:
			cancel()
		case <-workerCtx.Done():
		}
	}()

	return nil
}

// Stop signals the worker and waits for the current drain to finish
func (q *Queue) Stop() error {
	q.workerMutex.Lock()
	defer q.workerMutex.Unlock()

	if !q.isRunning {
		return fmt.Errorf("sync queue worker not running")
	}

	q.logger.Info("🛑 Stopping sync queue worker...")

	close(q.workerStopChan)
	q.workerWg.Wait()
	q.isRunning = false

	q.logger.Info("✅ Sync queue worker stopped")
	return nil
}

func (q *Queue) drainWorker(ctx context.Context, stop <-chan struct{}) {
	ticker := time.NewTicker(q.opts.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.Recover(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("❌ Sync queue recovery failed", zap.Error(err))
			}
			if _, err := q.Drain(ctx); err != nil && ctx.Err() == nil {
				q.logger.Error("❌ Sync queue drain failed", zap.Error(err))
			}
		}
	}
}

func (q *Queue) save(ctx context.Context, task *entities.SyncTask) {
	if err := q.repo.Update(ctx, task); err != nil {
		q.logger.Error("❌ Failed to persist sync task",
			zap.String("task_id", task.ID.String()),
			zap.String("status", string(task.Status)),
			zap.Error(err),
		)
	}
}

func (q *Queue) logEnqueued(task *entities.SyncTask, coalesced bool) {
	if task.IsAbandoned() {
		q.logAbandoned(task)
		return
	}
	q.logger.Info("📥 Sync task queued",
		zap.String("task_id", task.ID.String()),
		zap.String("meeting_id", task.MeetingID),
		zap.String("record_id", task.RecordID),
		zap.Int("attempts", task.Attempts),
		zap.Bool("coalesced", coalesced),
	)
}

func (q *Queue) logAbandoned(task *entities.SyncTask) {
	fields := []zap.Field{
		zap.String("task_id", task.ID.String()),
		zap.String("meeting_id", task.MeetingID),
		zap.String("record_id", task.RecordID),
		zap.String("reason", task.AbandonReason),
		zap.Int("attempts", task.Attempts),
		zap.String("last_error", task.LastError),
	}
	if task.AbandonReason == entities.AbandonReasonExhausted {
		fields = append(fields, zap.Error(entities.ErrQueueExhausted))
	}
	q.logger.Error("💀 Sync task abandoned", fields...)
}

// isPermanent trusts a typed SyncError. Untyped errors from other Syncers
// fall back to message classification and default to transient.
func isPermanent(err error) bool {
	var syncErr *entities.SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Kind == entities.SyncErrorPermanent
	}
	return jobcontext.IsNonRetryableError(err) && !jobcontext.IsRetryableError(err)
}

func errorMessage(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}
