package db_test

import (
	"context"
	"database/sql"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
)

func TestInsertPendingMappingDuplicate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	// ON CONFLICT DO NOTHING не возвращает строку — сообщение уже известно.
	mock.ExpectQuery(`INSERT INTO message_mapping`).WillReturnError(sql.ErrNoRows)

	id, inserted, err := store.InsertPendingMapping(context.Background(), "src-1", 42, db.NewMappingFields{
		MessageType: "text",
		Text:        "hello",
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Empty(t, id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertPendingMappingNew(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO message_mapping`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("map-1"))

	id, inserted, err := store.InsertPendingMapping(context.Background(), "src-1", 42, db.NewMappingFields{
		MessageType: "photo",
		HasMedia:    true,
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, "map-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkMappingFailedReturnsCount(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery(`UPDATE message_mapping`).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count"}).AddRow(3))

	count, err := store.MarkMappingFailed(context.Background(), "map-1", "FLOOD_WAIT_5")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEditStaleIsNoop(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	// Guard last_edited_at отсёк устаревшую правку: история не пишется.
	mock.ExpectExec(`UPDATE message_mapping`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	applied, err := store.ApplyEdit(context.Background(), "map-1", "new text", 1700000100, true)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEditWithHistory(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE message_mapping`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO message_edit`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := store.ApplyEdit(context.Background(), "map-1", "new text", 1700000100, true)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyEditHistoryDisabled(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE message_mapping`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	applied, err := store.ApplyEdit(context.Background(), "map-1", "new text", 1700000100, false)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}
