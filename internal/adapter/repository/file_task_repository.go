package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
	"github.com/johnquangdev/discovery-sync/internal/domain/repositories"
)

var _ repositories.SyncTaskRepository = (*FileTaskRepository)(nil)

const fileFormatVersion = 1

type taskFile struct {
	Version int                 `json:"version"`
	Tasks   []entities.SyncTask `json:"tasks"`
}

// FileTaskRepository keeps sync tasks in a single JSON document. Every
// mutation rewrites the document through a temp file and an atomic rename,
// so a crash leaves either the old or the new state on disk.
type FileTaskRepository struct {
	mu    sync.Mutex
	path  string
	tasks map[uuid.UUID]entities.SyncTask
}

// NewFileTaskRepository opens the queue file at path, creating its directory if needed
func NewFileTaskRepository(path string) (*FileTaskRepository, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	r := &FileTaskRepository{
		path:  path,
		tasks: make(map[uuid.UUID]entities.SyncTask),
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

// Create inserts a new sync task
func (r *FileTaskRepository) Create(_ context.Context, task *entities.SyncTask) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	return r.mutate(func(tasks map[uuid.UUID]entities.SyncTask) error {
		if _, exists := tasks[task.ID]; exists {
			return fmt.Errorf("sync task %s already exists", task.ID)
		}
		tasks[task.ID] = *task
		return nil
	})
}

// Get retrieves a sync task by ID
func (r *FileTaskRepository) Get(_ context.Context, id uuid.UUID) (*entities.SyncTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	task, ok := r.tasks[id]
	if !ok {
		return nil, entities.ErrTaskNotFound
	}
	return &task, nil
}

// FindPendingByMeeting retrieves the oldest pending task of a meeting
func (r *FileTaskRepository) FindPendingByMeeting(_ context.Context, meetingID string) (*entities.SyncTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, task := range sortedTasks(r.tasks) {
		if task.MeetingID == meetingID && task.Status == entities.SyncTaskStatusPending {
			return &task, nil
		}
	}
	return nil, entities.ErrTaskNotFound
}

// ListByStatus retrieves tasks with a specific status, oldest first
func (r *FileTaskRepository) ListByStatus(_ context.Context, status entities.SyncTaskStatus, limit int) ([]entities.SyncTask, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []entities.SyncTask
	for _, task := range sortedTasks(r.tasks) {
		if task.Status != status {
			continue
		}
		out = append(out, task)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// CountByStatus counts tasks grouped by status
func (r *FileTaskRepository) CountByStatus(_ context.Context) (map[entities.SyncTaskStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[entities.SyncTaskStatus]int)
	for _, task := range r.tasks {
		counts[task.Status]++
	}
	return counts, nil
}

// Claim moves a pending task to in_flight
func (r *FileTaskRepository) Claim(_ context.Context, id uuid.UUID, now time.Time) (bool, error) {
	claimed := false
	err := r.mutate(func(tasks map[uuid.UUID]entities.SyncTask) error {
		task, ok := tasks[id]
		if !ok || task.Status != entities.SyncTaskStatusPending {
			return nil
		}
		task.MarkInFlight(now)
		tasks[id] = task
		claimed = true
		return nil
	})
	return claimed, err
}

// Update replaces an existing task
func (r *FileTaskRepository) Update(_ context.Context, task *entities.SyncTask) error {
	if task == nil {
		return errors.New("task cannot be nil")
	}
	return r.mutate(func(tasks map[uuid.UUID]entities.SyncTask) error {
		if _, ok := tasks[task.ID]; !ok {
			return entities.ErrTaskNotFound
		}
		tasks[task.ID] = *task
		return nil
	})
}

// Delete removes a task
func (r *FileTaskRepository) Delete(_ context.Context, id uuid.UUID) error {
	return r.mutate(func(tasks map[uuid.UUID]entities.SyncTask) error {
		if _, ok := tasks[id]; !ok {
			return entities.ErrTaskNotFound
		}
		delete(tasks, id)
		return nil
	})
}

// DeleteByMeeting removes a meeting's tasks in the given statuses
func (r *FileTaskRepository) DeleteByMeeting(_ context.Context, meetingID string, statuses ...entities.SyncTaskStatus) (int, error) {
	removed := 0
	err := r.mutate(func(tasks map[uuid.UUID]entities.SyncTask) error {
		for id, task := range tasks {
			if task.MeetingID != meetingID || !hasStatus(task.Status, statuses) {
				continue
			}
			delete(tasks, id)
			removed++
		}
		return nil
	})
	return removed, err
}

// ResetInFlight returns in_flight tasks claimed before staleBefore to pending
func (r *FileTaskRepository) ResetInFlight(_ context.Context, staleBefore, now time.Time) (int, error) {
	reset := 0
	err := r.mutate(func(tasks map[uuid.UUID]entities.SyncTask) error {
		for id, task := range tasks {
			if task.Status != entities.SyncTaskStatusInFlight || !task.UpdatedAt.Before(staleBefore) {
				continue
			}
			msg := task.LastError
			if msg == "" {
				msg = "interrupted by restart"
			}
			task.MarkInterrupted(msg, now)
			tasks[id] = task
			reset++
		}
		return nil
	})
	return reset, err
}

// mutate applies fn to a copy of the task set, persists the copy and only
// then makes it current. A failed write leaves memory and disk unchanged.
func (r *FileTaskRepository) mutate(fn func(tasks map[uuid.UUID]entities.SyncTask) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[uuid.UUID]entities.SyncTask, len(r.tasks))
	for id, task := range r.tasks {
		next[id] = task
	}

	if err := fn(next); err != nil {
		return err
	}
	if err := r.persist(next); err != nil {
		return err
	}

	r.tasks = next
	return nil
}

func (r *FileTaskRepository) persist(tasks map[uuid.UUID]entities.SyncTask) error {
	data, err := json.MarshalIndent(taskFile{
		Version: fileFormatVersion,
		Tasks:   sortedTasks(tasks),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode queue: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp queue file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write queue: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close queue: %w", err)
	}
	if err := os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("failed to replace queue file: %w", err)
	}
	return nil
}

func (r *FileTaskRepository) load() error {
	data, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read queue file: %w", err)
	}
	if len(data) == 0 {
		return nil
	}

	var doc taskFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to decode queue file %s: %w", r.path, err)
	}
	if doc.Version != fileFormatVersion {
		return fmt.Errorf("unsupported queue file version %d", doc.Version)
	}

	for _, task := range doc.Tasks {
		r.tasks[task.ID] = task
	}
	return nil
}

func sortedTasks(tasks map[uuid.UUID]entities.SyncTask) []entities.SyncTask {
	out := make([]entities.SyncTask, 0, len(tasks))
	for _, task := range tasks {
		out = append(out, task)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func hasStatus(status entities.SyncTaskStatus, statuses []entities.SyncTaskStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
