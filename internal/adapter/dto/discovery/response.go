package discovery

import (
	"time"

	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
	"github.com/johnquangdev/discovery-sync/internal/usecase/crmsync"
	"github.com/johnquangdev/discovery-sync/internal/usecase/merge"
	"github.com/johnquangdev/discovery-sync/internal/usecase/progress"
	"github.com/johnquangdev/discovery-sync/internal/usecase/syncqueue"
)

// SyncMeetingResponse reports a live sync, plus the merge when fields were extracted
type SyncMeetingResponse struct {
	Sync         crmsync.Result    `json:"sync"`
	Merge        *merge.Result     `json:"merge,omitempty"`
	MergeSummary string            `json:"mergeSummary,omitempty"`
	Meeting      *entities.Meeting `json:"meeting,omitempty"`
}

// PreviewResponse is the derived discovery state of a snapshot, without syncing
type PreviewResponse struct {
	Status           entities.DiscoveryStatus  `json:"discoveryStatus"`
	Description      string                    `json:"description"`
	Progress         int                       `json:"progress"`
	Completion       string                    `json:"completion"`
	ModulesCompleted int                       `json:"modulesCompleted"`
	Modules          []progress.ModuleProgress `json:"modules"`
}

// TaskResponse is a sync task without its payload
type TaskResponse struct {
	ID            string     `json:"id"`
	MeetingID     string     `json:"meeting_id"`
	RecordID      string     `json:"record_id,omitempty"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	MaxAttempts   int        `json:"max_attempts"`
	LastError     string     `json:"last_error,omitempty"`
	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	AbandonReason string     `json:"abandon_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// QueueResponse is the body of GET /v1/sync/queue
type QueueResponse struct {
	Status    syncqueue.Status `json:"status"`
	Pending   []TaskResponse   `json:"pending"`
	Abandoned []TaskResponse   `json:"abandoned"`
}
