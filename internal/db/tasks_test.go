package db_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
)

func newMockStore(t *testing.T) (*db.Store, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return db.NewStore(sqlx.NewDb(raw, "postgres")), mock
}

func taskRows(id, status string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "source_channel_id", "task_type", "status", "created_at", "started_at",
		"paused_at", "completed_at", "progress_current", "progress_total",
		"last_processed_id", "last_error",
	}).AddRow(id, "src-1", "history_full", status, time.Now(), nil, nil, nil, nil, nil, nil, nil)
}

func TestClaimNextTaskNoCandidates(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT t\.id`).WillReturnError(sql.ErrNoRows)

	task, err := store.ClaimNextTask(context.Background(), db.TaskTypeHistoryFull, nil)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextTaskLostRace(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT t\.id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("task-1"))
	// Второй шаг: guard status='pending' не прошёл — гонку выиграл другой процесс.
	mock.ExpectQuery(`UPDATE sync_task`).
		WithArgs("task-1").
		WillReturnError(sql.ErrNoRows)

	task, err := store.ClaimNextTask(context.Background(), db.TaskTypeHistoryFull, nil)
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimNextTaskSuccess(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT t\.id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("task-1"))
	mock.ExpectQuery(`UPDATE sync_task`).
		WithArgs("task-1").
		WillReturnRows(taskRows("task-1", "running"))

	task, err := store.ClaimNextTask(context.Background(), db.TaskTypeHistoryFull, []string{"busy-src"})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, "task-1", task.ID)
	assert.Equal(t, db.TaskStatusRunning, task.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteTaskReturnsPriorRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM sync_task WHERE id = \$1 FOR UPDATE`).
		WithArgs("task-1").
		WillReturnRows(taskRows("task-1", "running"))
	mock.ExpectExec(`UPDATE sync_task`).
		WithArgs("task-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	prior, err := store.CompleteTask(context.Background(), "task-1")
	require.NoError(t, err)
	require.NotNil(t, prior)
	assert.Equal(t, db.TaskStatusRunning, prior.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPauseTaskMissingTask(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FOR UPDATE`).
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	prior, err := store.PauseTask(context.Background(), "ghost", "FLOOD_WAIT_60", nil)
	assert.Error(t, err)
	assert.Nil(t, prior)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivateTaskGuarded(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE sync_task`).
		WithArgs("task-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := store.ActivateTask(context.Background(), "task-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}
