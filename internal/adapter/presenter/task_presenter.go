package presenter

import (
	"time"

	"github.com/johnquangdev/discovery-sync/internal/adapter/dto/discovery"
	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
)

// ToTaskResponse converts a SyncTask entity to TaskResponse DTO. next is the
// time the task becomes due; it is only reported for pending tasks.
func ToTaskResponse(t *entities.SyncTask, next time.Time) discovery.TaskResponse {
	resp := discovery.TaskResponse{
		ID:            t.ID.String(),
		MeetingID:     t.MeetingID,
		RecordID:      t.RecordID,
		Status:        string(t.Status),
		Attempts:      t.Attempts,
		MaxAttempts:   t.MaxAttempts,
		LastError:     t.LastError,
		AbandonReason: t.AbandonReason,
		CreatedAt:     t.CreatedAt,
	}

	if !t.LastAttemptAt.IsZero() {
		last := t.LastAttemptAt
		resp.LastAttemptAt = &last
	}
	if t.Status == entities.SyncTaskStatusPending {
		resp.NextAttemptAt = &next
	}

	return resp
}

// ToTaskResponses converts a list of tasks, using nextAt to compute due times
func ToTaskResponses(tasks []entities.SyncTask, nextAt func(entities.SyncTask) time.Time) []discovery.TaskResponse {
	out := make([]discovery.TaskResponse, 0, len(tasks))
	for i := range tasks {
		out = append(out, ToTaskResponse(&tasks[i], nextAt(tasks[i])))
	}
	return out
}
