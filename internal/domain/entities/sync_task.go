package entities

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// SyncTaskStatus represents where a sync task is in its retry lifecycle
type SyncTaskStatus string

const (
	SyncTaskStatusPending   SyncTaskStatus = "pending"   // Waiting for its backoff window
	SyncTaskStatusInFlight  SyncTaskStatus = "in_flight" // Claimed by a drain, Syncer call running
	SyncTaskStatusAbandoned SyncTaskStatus = "abandoned" // Terminal, needs manual retry or acknowledgement
)

// Reasons recorded when a task is abandoned
const (
	AbandonReasonExhausted = "max_attempts_exceeded"
	AbandonReasonPermanent = "permanent_error"
)

// DefaultMaxAttempts bounds automatic retries of a sync task
const DefaultMaxAttempts = 3

// SyncTask is one pending write of a meeting snapshot to the external record
type SyncTask struct {
	ID            uuid.UUID      `json:"id" gorm:"type:uuid;primary_key"`
	MeetingID     string         `json:"meeting_id" gorm:"type:varchar(255);not null;index"`
	RecordID      string         `json:"record_id,omitempty" gorm:"type:varchar(255);index"`
	Payload       datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	Status        SyncTaskStatus `json:"status" gorm:"type:varchar(32);not null;index;default:'pending'"`
	Attempts      int            `json:"attempts" gorm:"type:integer;not null;default:0"`
	MaxAttempts   int            `json:"max_attempts" gorm:"type:integer;not null;default:3"`
	LastError     string         `json:"last_error,omitempty" gorm:"type:text"`
	LastAttemptAt time.Time      `json:"last_attempt_at" gorm:"type:timestamp;not null"`
	AbandonReason string         `json:"abandon_reason,omitempty" gorm:"type:varchar(64)"`

	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

// NewSyncTask creates a task for a failed live write. Attempts counts queued
// retries only, so the live failure leaves the full budget.
func NewSyncTask(meetingID, recordID string, payload []byte, lastError string, now time.Time) *SyncTask {
	return &SyncTask{
		ID:            uuid.New(),
		MeetingID:     meetingID,
		RecordID:      recordID,
		Payload:       datatypes.JSON(payload),
		Status:        SyncTaskStatusPending,
		Attempts:      0,
		MaxAttempts:   DefaultMaxAttempts,
		LastError:     lastError,
		LastAttemptAt: now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// IsExhausted checks whether the attempt budget is spent
func (t *SyncTask) IsExhausted() bool {
	return t.Attempts >= t.MaxAttempts
}

// IsAbandoned checks whether the task stopped retrying automatically
func (t *SyncTask) IsAbandoned() bool {
	return t.Status == SyncTaskStatusAbandoned
}

// LockKey returns the key used to serialize writes for this task's record
func (t *SyncTask) LockKey() string {
	return RecordLockKey(t.RecordID, t.MeetingID)
}

// MarkInFlight marks the task as claimed by a drain
func (t *SyncTask) MarkInFlight(now time.Time) {
	t.Status = SyncTaskStatusInFlight
	t.UpdatedAt = now
}

// MarkFailed records a failed attempt and abandons the task once exhausted
func (t *SyncTask) MarkFailed(errMsg string, now time.Time) {
	t.Attempts++
	t.LastError = errMsg
	t.LastAttemptAt = now
	t.UpdatedAt = now
	if t.IsExhausted() {
		t.MarkAbandoned(AbandonReasonExhausted, now)
		return
	}
	t.Status = SyncTaskStatusPending
}

// MarkPermanentFailure records a failed attempt that must not be retried automatically
func (t *SyncTask) MarkPermanentFailure(errMsg string, now time.Time) {
	t.Attempts++
	t.LastError = errMsg
	t.LastAttemptAt = now
	t.MarkAbandoned(AbandonReasonPermanent, now)
}

// Coalesce folds a newer failed write for the same meeting into this pending
// task: the newest snapshot wins and the failure counts as an attempt.
func (t *SyncTask) Coalesce(recordID string, payload []byte, errMsg string, now time.Time) {
	t.Payload = payload
	if recordID != "" {
		t.RecordID = recordID
	}
	t.MarkFailed(errMsg, now)
}

// MarkInterrupted returns the task to pending without spending an attempt
func (t *SyncTask) MarkInterrupted(errMsg string, now time.Time) {
	t.Status = SyncTaskStatusPending
	t.LastError = errMsg
	t.UpdatedAt = now
}

// MarkAbandoned moves the task to the terminal abandoned set
func (t *SyncTask) MarkAbandoned(reason string, now time.Time) {
	t.Status = SyncTaskStatusAbandoned
	t.AbandonReason = reason
	t.UpdatedAt = now
}

// ResetForRetry puts an abandoned task back in the queue with a fresh budget
func (t *SyncTask) ResetForRetry(now time.Time) {
	t.Status = SyncTaskStatusPending
	t.Attempts = 0
	t.AbandonReason = ""
	t.LastAttemptAt = time.Time{}
	t.UpdatedAt = now
}

// TableName specifies the table name for GORM
func (SyncTask) TableName() string {
	return "sync_tasks"
}

// RecordLockKey builds the serialization key for a record. Meetings that have
// not been created in the CRM yet are keyed by meeting id.
func RecordLockKey(recordID, meetingID string) string {
	if recordID != "" {
		return "record:" + recordID
	}
	return "meeting:" + meetingID
}
