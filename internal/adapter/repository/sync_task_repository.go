package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
	"github.com/johnquangdev/discovery-sync/internal/domain/repositories"
)

var _ repositories.SyncTaskRepository = (*SyncTaskRepository)(nil)

// SyncTaskRepository stores sync tasks in the sync_tasks table
type SyncTaskRepository struct {
	db *gorm.DB
}

// NewSyncTaskRepository creates a new sync task repository
func NewSyncTaskRepository(db *gorm.DB) *SyncTaskRepository {
	return &SyncTaskRepository{db: db}
}

// Create inserts a new sync task
func (r *SyncTaskRepository) Create(ctx context.Context, task *entities.SyncTask) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	return r.db.WithContext(ctx).Create(task).Error
}

// Get retrieves a sync task by ID
func (r *SyncTaskRepository) Get(ctx context.Context, id uuid.UUID) (*entities.SyncTask, error) {
	var task entities.SyncTask
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, entities.ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// FindPendingByMeeting retrieves the oldest pending task of a meeting
func (r *SyncTaskRepository) FindPendingByMeeting(ctx context.Context, meetingID string) (*entities.SyncTask, error) {
	var task entities.SyncTask
	if err := r.db.WithContext(ctx).
		Where("meeting_id = ? AND status = ?", meetingID, entities.SyncTaskStatusPending).
		Order("created_at ASC").
		First(&task).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, entities.ErrTaskNotFound
		}
		return nil, err
	}
	return &task, nil
}

// ListByStatus retrieves tasks with a specific status, oldest first
func (r *SyncTaskRepository) ListByStatus(ctx context.Context, status entities.SyncTaskStatus, limit int) ([]entities.SyncTask, error) {
	var tasks []entities.SyncTask
	query := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// CountByStatus counts tasks grouped by status
func (r *SyncTaskRepository) CountByStatus(ctx context.Context) (map[entities.SyncTaskStatus]int, error) {
	var rows []struct {
		Status entities.SyncTaskStatus
		Count  int
	}
	if err := r.db.WithContext(ctx).
		Model(&entities.SyncTask{}).
		Select("status, count(*) AS count").
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}

	counts := make(map[entities.SyncTaskStatus]int, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.Count
	}
	return counts, nil
}

// Claim moves a pending task to in_flight with a conditional update
func (r *SyncTaskRepository) Claim(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&entities.SyncTask{}).
		Where("id = ? AND status = ?", id, entities.SyncTaskStatusPending).
		Updates(map[string]interface{}{
			"status":     entities.SyncTaskStatusInFlight,
			"updated_at": now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Update writes every column of an existing task
func (r *SyncTaskRepository) Update(ctx context.Context, task *entities.SyncTask) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	result := r.db.WithContext(ctx).
		Model(task).
		Select("*").
		Omit("id", "created_at").
		Updates(task)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return entities.ErrTaskNotFound
	}
	return nil
}

// Delete removes a task
func (r *SyncTaskRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Delete(&entities.SyncTask{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return entities.ErrTaskNotFound
	}
	return nil
}

// DeleteByMeeting removes a meeting's tasks in the given statuses
func (r *SyncTaskRepository) DeleteByMeeting(ctx context.Context, meetingID string, statuses ...entities.SyncTaskStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	result := r.db.WithContext(ctx).
		Where("meeting_id = ? AND status IN ?", meetingID, statuses).
		Delete(&entities.SyncTask{})
	return int(result.RowsAffected), result.Error
}

// ResetInFlight returns in_flight tasks claimed before staleBefore to pending
func (r *SyncTaskRepository) ResetInFlight(ctx context.Context, staleBefore, now time.Time) (int, error) {
	result := r.db.WithContext(ctx).
		Model(&entities.SyncTask{}).
		Where("status = ? AND updated_at < ?", entities.SyncTaskStatusInFlight, staleBefore).
		Updates(map[string]interface{}{
			"status":     entities.SyncTaskStatusPending,
			"last_error": gorm.Expr("COALESCE(NULLIF(last_error, ''), ?)", "interrupted by restart"),
			"updated_at": now,
		})
	return int(result.RowsAffected), result.Error
}
