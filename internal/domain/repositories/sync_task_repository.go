package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
)

// SyncTaskRepository defines durable storage for the sync retry queue.
// Lookups of a missing task return entities.ErrTaskNotFound.
type SyncTaskRepository interface {
	Create(ctx context.Context, task *entities.SyncTask) error
	Get(ctx context.Context, id uuid.UUID) (*entities.SyncTask, error)
	FindPendingByMeeting(ctx context.Context, meetingID string) (*entities.SyncTask, error)

	// ListByStatus returns tasks oldest first; limit <= 0 means no limit
	ListByStatus(ctx context.Context, status entities.SyncTaskStatus, limit int) ([]entities.SyncTask, error)
	CountByStatus(ctx context.Context) (map[entities.SyncTaskStatus]int, error)

	// Claim atomically moves a pending task to in_flight. It reports false
	// when the task is gone or another drain already owns it.
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error)
	Update(ctx context.Context, task *entities.SyncTask) error
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByMeeting(ctx context.Context, meetingID string, statuses ...entities.SyncTaskStatus) (int, error)

	// ResetInFlight returns in_flight tasks last touched before staleBefore to
	// pending. Newer claims may belong to a live drain on another replica.
	ResetInFlight(ctx context.Context, staleBefore, now time.Time) (int, error)
}
