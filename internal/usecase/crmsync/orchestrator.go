package crmsync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
	"github.com/johnquangdev/discovery-sync/internal/infrastructure/cache"
	"github.com/johnquangdev/discovery-sync/internal/infrastructure/external/crm"
	"github.com/johnquangdev/discovery-sync/internal/infrastructure/lock"
	"github.com/johnquangdev/discovery-sync/internal/usecase/merge"
	"github.com/johnquangdev/discovery-sync/internal/usecase/progress"
	"github.com/johnquangdev/discovery-sync/internal/usecase/status"
	"github.com/johnquangdev/discovery-sync/internal/usecase/syncqueue"
	"github.com/johnquangdev/discovery-sync/pkg/jobcontext"
)

// RecordReader reads records back from the CRM
type RecordReader interface {
	GetRecord(ctx context.Context, recordID string) (*crm.Record, error)
	ListRecords(ctx context.Context, filter crm.ListFilter) (*crm.RecordList, error)
}

// RetryQueue is the part of the sync queue a live sync needs
type RetryQueue interface {
	Enqueue(ctx context.Context, payload entities.SyncPayload, recordID string, cause error) (*entities.SyncTask, error)
	Supersede(ctx context.Context, meetingID string) (int, error)
}

// RecordCache holds read-through copies of CRM records and list pages.
// Fills are conditional on the generation read before the CRM call.
type RecordCache interface {
	GetRecord(recordID string) (any, bool)
	GetList(filter map[string]string) (any, bool)
	Generation() uint64
	SetRecordIfCurrent(recordID string, value any, gen uint64) bool
	SetListIfCurrent(filter map[string]string, value any, gen uint64) bool
	InvalidateRecord(recordID string)
}

// Result reports the outcome of one live sync. Failures are data, never errors.
type Result struct {
	Success          bool                     `json:"success"`
	RecordID         string                   `json:"recordId,omitempty"`
	MeetingID        string                   `json:"meetingId"`
	Status           entities.DiscoveryStatus `json:"discoveryStatus"`
	Progress         int                      `json:"progress"`
	Completion       string                   `json:"completion"`
	ModulesCompleted int                      `json:"modulesCompleted"`
	Error            string                   `json:"error,omitempty"`
	Permanent        bool                     `json:"permanent,omitempty"`
	Queued           bool                     `json:"queued"`
	TaskID           string                   `json:"taskId,omitempty"`
}

// Orchestrator derives the discovery fields for a meeting, writes them to the
// CRM and hands failures to the retry queue
type Orchestrator struct {
	syncer      syncqueue.Syncer
	reader      RecordReader
	queue       RetryQueue
	cache       RecordCache
	locker      lock.Locker
	callTimeout time.Duration
	group       singleflight.Group
	logger      *zap.Logger
}

// NewOrchestrator creates an orchestrator. The locker must be the one the
// retry queue drains under so live writes and retries of a record never overlap.
func NewOrchestrator(
	syncer syncqueue.Syncer,
	reader RecordReader,
	queue RetryQueue,
	recordCache RecordCache,
	locker lock.Locker,
	callTimeout time.Duration,
	logger *zap.Logger,
) *Orchestrator {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	if callTimeout <= 0 {
		callTimeout = jobcontext.DefaultTaskTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		syncer:      syncer,
		reader:      reader,
		queue:       queue,
		cache:       recordCache,
		locker:      locker,
		callTimeout: callTimeout,
		logger:      logger,
	}
}

// SyncMeeting writes the meeting to its CRM record, creating the record when
// recordID is empty. A failed write is queued for retry and reported in the
// result.
func (o *Orchestrator) SyncMeeting(ctx context.Context, meeting *entities.Meeting, recordID string) Result {
	if meeting == nil || meeting.MeetingID == "" {
		return Result{
			Error:     (&entities.ValidationError{Field: "meeting.meetingId", Reason: "required"}).Error(),
			Permanent: true,
		}
	}

	snapshot := meeting.Clone()
	percent := progress.Compute(snapshot)
	payload := entities.NewSyncPayload(snapshot, status.Compute(snapshot), percent, progress.ModulesCompleted(snapshot))
	res := Result{
		RecordID:         recordID,
		MeetingID:        meeting.MeetingID,
		Status:           payload.DiscoveryStatus,
		Progress:         percent,
		Completion:       payload.DiscoveryCompletion,
		ModulesCompleted: payload.DiscoveryModulesCompleted,
	}

	release, err := o.locker.Acquire(ctx, entities.RecordLockKey(recordID, meeting.MeetingID))
	if err != nil {
		return o.fail(ctx, res, payload, fmt.Errorf("%w: %v", entities.ErrLockNotAcquired, err))
	}
	defer release()

	writtenID, err := o.upsert(ctx, recordID, payload)
	if err != nil {
		return o.fail(ctx, res, payload, err)
	}

	res.Success = true
	res.RecordID = writtenID
	o.invalidate(writtenID)
	if recordID != "" && recordID != writtenID {
		o.invalidate(recordID)
	}

	// Bookkeeping must finish even if the caller has gone away.
	if _, err := o.queue.Supersede(context.WithoutCancel(ctx), meeting.MeetingID); err != nil {
		o.logger.Warn("⚠️ Failed to drop superseded sync tasks",
			zap.String("meeting_id", meeting.MeetingID),
			zap.Error(err),
		)
	}

	o.logger.Info("✅ Meeting synced",
		zap.String("meeting_id", meeting.MeetingID),
		zap.String("record_id", writtenID),
		zap.String("status", string(res.Status)),
		zap.Int("progress", res.Progress),
	)
	return res
}

// MergeAndSync fills empty fields of the meeting from an extracted field set
// and syncs the merged snapshot. Only a malformed field set returns an error.
func (o *Orchestrator) MergeAndSync(
	ctx context.Context,
	meeting *entities.Meeting,
	extracted entities.ExtractedFieldSet,
	recordID string,
) (merge.Result, *entities.Meeting, Result, error) {
	if meeting == nil {
		return merge.Result{}, nil, Result{}, &entities.ValidationError{Field: "meeting", Reason: "required"}
	}

	merged, err := merge.MergeAll(meeting.Modules, extracted)
	if err != nil {
		return merge.Result{}, nil, Result{}, err
	}

	updated := meeting.Clone()
	updated.Modules = merged.Modules

	o.logger.Info("🧩 Merged extracted fields",
		zap.String("meeting_id", meeting.MeetingID),
		zap.Int("filled", merged.TotalFilled),
		zap.Int("skipped", merged.TotalSkipped),
	)

	return merged, updated, o.SyncMeeting(ctx, updated, recordID), nil
}

// GetRecord reads a record through the cache. Concurrent misses for the
// same record share one CRM call.
func (o *Orchestrator) GetRecord(ctx context.Context, recordID string) (*crm.Record, error) {
	if v, ok := o.cache.GetRecord(recordID); ok {
		if rec, ok := v.(*crm.Record); ok {
			return rec, nil
		}
	}

	v, err, _ := o.group.Do(cache.RecordKey(recordID), func() (any, error) {
		gen := o.cache.Generation()
		rec, err := o.reader.GetRecord(ctx, recordID)
		if err != nil {
			return nil, err
		}
		o.cache.SetRecordIfCurrent(recordID, rec, gen)
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*crm.Record), nil
}

// ListRecords reads a page of records through the cache
func (o *Orchestrator) ListRecords(ctx context.Context, filter crm.ListFilter) (*crm.RecordList, error) {
	params := filter.Params()
	if v, ok := o.cache.GetList(params); ok {
		if list, ok := v.(*crm.RecordList); ok {
			return list, nil
		}
	}

	v, err, _ := o.group.Do(cache.ListKey(params), func() (any, error) {
		gen := o.cache.Generation()
		list, err := o.reader.ListRecords(ctx, filter)
		if err != nil {
			return nil, err
		}
		o.cache.SetListIfCurrent(params, list, gen)
		return list, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*crm.RecordList), nil
}

// invalidate drops the cached record and detaches any read of it still in
// flight, so the next GetRecord goes back to the CRM instead of joining it
func (o *Orchestrator) invalidate(recordID string) {
	o.cache.InvalidateRecord(recordID)
	o.group.Forget(cache.RecordKey(recordID))
}

func (o *Orchestrator) upsert(ctx context.Context, recordID string, payload entities.SyncPayload) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()

	var writtenID string
	err := jobcontext.Run(callCtx, func(ctx context.Context) error {
		id, err := o.syncer.Upsert(ctx, recordID, payload)
		if err != nil {
			return err
		}
		writtenID = id
		return nil
	})
	if err != nil {
		return "", err
	}
	if writtenID == "" {
		writtenID = recordID
	}
	return writtenID, nil
}

// fail queues the payload for retry and turns err into a failed result
func (o *Orchestrator) fail(ctx context.Context, res Result, payload entities.SyncPayload, err error) Result {
	res.Error = err.Error()
	res.Permanent = entities.IsPermanentSyncError(err)

	task, qerr := o.queue.Enqueue(context.WithoutCancel(ctx), payload, res.RecordID, err)
	if qerr != nil {
		o.logger.Error("❌ Failed to queue sync retry",
			zap.String("meeting_id", res.MeetingID),
			zap.Error(errors.Join(err, qerr)),
		)
		return res
	}

	res.Queued = true
	res.TaskID = task.ID.String()
	if task.AbandonReason == entities.AbandonReasonPermanent {
		res.Permanent = true
	}
	o.logger.Warn("⚠️ Meeting sync failed, queued for retry",
		zap.String("meeting_id", res.MeetingID),
		zap.String("record_id", res.RecordID),
		zap.String("task_id", res.TaskID),
		zap.Bool("permanent", res.Permanent),
		zap.Error(err),
	)
	return res
}
