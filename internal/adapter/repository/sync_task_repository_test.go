package repository

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/johnquangdev/discovery-sync/internal/domain/entities"
)

type capturedStmt struct {
	sql  string
	vars []interface{}
}

// sqlRecorder keeps the statements gorm builds in dry-run mode
type sqlRecorder struct {
	mu    sync.Mutex
	stmts []capturedStmt
}

var placeholder = regexp.MustCompile(`\$\d+`)

func (r *sqlRecorder) record(tx *gorm.DB) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stmts = append(r.stmts, capturedStmt{
		sql:  placeholder.ReplaceAllString(tx.Statement.SQL.String(), "?"),
		vars: append([]interface{}(nil), tx.Statement.Vars...),
	})
}

func (r *sqlRecorder) last(t *testing.T) capturedStmt {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	require.NotEmpty(t, r.stmts)
	return r.stmts[len(r.stmts)-1]
}

// newDryRunRepo builds statements with the postgres dialect without a server
func newDryRunRepo(t *testing.T) (*SyncTaskRepository, *sqlRecorder) {
	t.Helper()

	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN: "host=localhost user=sync dbname=sync sslmode=disable",
	}), &gorm.Config{
		DryRun:               true,
		DisableAutomaticPing: true,
		Logger:               logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	rec := &sqlRecorder{}
	require.NoError(t, db.Callback().Update().After("gorm:update").Register("test:record_update", rec.record))
	require.NoError(t, db.Callback().Delete().After("gorm:delete").Register("test:record_delete", rec.record))
	require.NoError(t, db.Callback().Query().After("gorm:query").Register("test:record_query", rec.record))
	return NewSyncTaskRepository(db), rec
}

func TestSyncTaskRepository_ClaimIsConditional(t *testing.T) {
	t.Parallel()
	repo, rec := newDryRunRepo(t)
	task := newTask("m-1", t0)

	ok, err := repo.Claim(context.Background(), task.ID, t0)
	require.NoError(t, err)
	assert.False(t, ok, "dry run touches no rows")

	stmt := rec.last(t)
	assert.Contains(t, stmt.sql, `UPDATE "sync_tasks" SET`)
	assert.Contains(t, stmt.sql, `"status"=?`)
	assert.Contains(t, stmt.sql, `"updated_at"=?`)
	assert.Contains(t, stmt.sql, `WHERE id = ? AND status = ?`)
	assert.Contains(t, stmt.vars, entities.SyncTaskStatusInFlight)
	assert.Contains(t, stmt.vars, entities.SyncTaskStatusPending)
	assert.Contains(t, stmt.vars, task.ID)
}

func TestSyncTaskRepository_UpdateWritesZeroValues(t *testing.T) {
	t.Parallel()
	repo, rec := newDryRunRepo(t)
	task := newTask("m-1", t0)
	task.LastError = ""

	err := repo.Update(context.Background(), task)
	assert.ErrorIs(t, err, entities.ErrTaskNotFound, "dry run touches no rows")

	stmt := rec.last(t)
	assert.Contains(t, stmt.sql, `UPDATE "sync_tasks" SET`)
	assert.Contains(t, stmt.sql, `"attempts"=?`, "zero attempts must still be written")
	assert.Contains(t, stmt.sql, `"last_error"=?`)
	assert.Contains(t, stmt.sql, `"abandon_reason"=?`)
	assert.NotContains(t, stmt.sql, `"created_at"=`)
	assert.NotContains(t, stmt.sql, `SET "id"=`)
	assert.Contains(t, stmt.sql, `WHERE "sync_tasks"."id" = ?`)
}

func TestSyncTaskRepository_ResetInFlightOnlyStaleClaims(t *testing.T) {
	t.Parallel()
	repo, rec := newDryRunRepo(t)
	staleBefore := t0.Add(-15 * time.Second)

	n, err := repo.ResetInFlight(context.Background(), staleBefore, t0)
	require.NoError(t, err)
	assert.Zero(t, n)

	stmt := rec.last(t)
	assert.Contains(t, stmt.sql, `UPDATE "sync_tasks" SET`)
	assert.Contains(t, stmt.sql, `COALESCE(NULLIF(last_error, ''), ?)`)
	assert.Contains(t, stmt.sql, `WHERE status = ? AND updated_at < ?`)
	assert.Contains(t, stmt.vars, entities.SyncTaskStatusInFlight)
	assert.Contains(t, stmt.vars, staleBefore)
}

func TestSyncTaskRepository_DeleteByMeeting(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	repo, rec := newDryRunRepo(t)

	n, err := repo.DeleteByMeeting(ctx, "m-1")
	require.NoError(t, err)
	assert.Zero(t, n)
	rec.mu.Lock()
	assert.Empty(t, rec.stmts, "no statuses means no statement")
	rec.mu.Unlock()

	_, err = repo.DeleteByMeeting(ctx, "m-1", entities.SyncTaskStatusPending)
	require.NoError(t, err)

	stmt := rec.last(t)
	assert.Contains(t, stmt.sql, `DELETE FROM "sync_tasks"`)
	assert.Contains(t, stmt.sql, `WHERE meeting_id = ? AND status IN (?)`)
	assert.Equal(t, []interface{}{"m-1", entities.SyncTaskStatusPending}, stmt.vars)
}

func TestSyncTaskRepository_ListByStatusOrdersOldestFirst(t *testing.T) {
	t.Parallel()
	repo, rec := newDryRunRepo(t)

	tests := []struct {
		name  string
		limit int
		want  string
	}{
		{"unbounded", 0, `ORDER BY created_at ASC`},
		{"limited", 5, `ORDER BY created_at ASC LIMIT `},
	}
	for _, tt := range tests {
		_, err := repo.ListByStatus(context.Background(), entities.SyncTaskStatusPending, tt.limit)
		require.NoError(t, err, tt.name)

		stmt := rec.last(t)
		assert.Contains(t, stmt.sql, `SELECT * FROM "sync_tasks" WHERE status = ?`, tt.name)
		assert.Contains(t, stmt.sql, tt.want, tt.name)
	}
}
