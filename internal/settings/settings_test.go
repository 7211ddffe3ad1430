package settings_test

import (
	"context"
	"errors"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/settings"
)

func newMockService(t *testing.T) (*settings.Service, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return settings.New(db.NewStore(sqlx.NewDb(raw, "postgres"))), mock
}

func settingRow(value string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"value"}).AddRow(value)
}

func TestMirrorClampsAndCaches(t *testing.T) {
	t.Parallel()

	svc, mock := newMockService(t)
	mock.ExpectQuery(`SELECT value FROM app_setting`).
		WithArgs("mirror_settings").
		WillReturnRows(settingRow(`{"interval_ms":-5,"max_file_size_mb":0,"group_media":false,"album_buffer_ms":50000}`))

	m := svc.Mirror(context.Background())
	assert.Equal(t, 0, m.IntervalMS)
	assert.Equal(t, 50, m.MaxFileSizeMB)
	assert.Equal(t, 10000, m.AlbumBufferMS)
	assert.False(t, m.GroupMedia)

	// Повторное чтение в пределах TTL не ходит в базу.
	again := svc.Mirror(context.Background())
	assert.Equal(t, m, again)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuntimeDefaultsWhenMissing(t *testing.T) {
	t.Parallel()

	svc, mock := newMockService(t)
	mock.ExpectQuery(`SELECT value FROM app_setting`).
		WithArgs("runtime_settings").
		WillReturnRows(sqlmock.NewRows([]string{"value"}))

	rt := svc.Runtime(context.Background())
	assert.True(t, rt.SyncEdits)
	assert.True(t, rt.KeepHistory)
	assert.True(t, rt.SyncDeletions)
}

func TestTaskRunnerClampsCap(t *testing.T) {
	t.Parallel()

	svc, mock := newMockService(t)
	mock.ExpectQuery(`SELECT value FROM app_setting`).
		WithArgs("task_runner").
		WillReturnRows(settingRow(`{"max_concurrent_tasks":25}`))

	tr := svc.TaskRunner(context.Background())
	require.Equal(t, 10, tr.MaxConcurrentTasks)
}

func TestEffectiveKeywords(t *testing.T) {
	t.Parallel()

	t.Run("disabled", func(t *testing.T) {
		t.Parallel()
		svc, _ := newMockService(t)
		src := &db.SourceChannel{FilterMode: db.FilterModeDisabled}
		assert.Empty(t, svc.EffectiveKeywords(context.Background(), src))
	})

	t.Run("custom override", func(t *testing.T) {
		t.Parallel()
		svc, _ := newMockService(t)
		src := &db.SourceChannel{FilterMode: db.FilterModeCustom, FilterKeywords: "акции, новости"}
		assert.Equal(t, []string{"акции", "новости"}, svc.EffectiveKeywords(context.Background(), src))
	})

	t.Run("global enabled", func(t *testing.T) {
		t.Parallel()
		svc, mock := newMockService(t)
		mock.ExpectQuery(`SELECT value FROM app_setting`).
			WithArgs("message_filter").
			WillReturnRows(settingRow(`{"enabled":true,"keywords":"скидка"}`))

		src := &db.SourceChannel{FilterMode: db.FilterModeInherit}
		assert.Equal(t, []string{"скидка"}, svc.EffectiveKeywords(context.Background(), src))
	})

	t.Run("global disabled", func(t *testing.T) {
		t.Parallel()
		svc, mock := newMockService(t)
		mock.ExpectQuery(`SELECT value FROM app_setting`).
			WithArgs("message_filter").
			WillReturnRows(settingRow(`{"enabled":false,"keywords":"скидка"}`))

		src := &db.SourceChannel{FilterMode: db.FilterModeInherit}
		assert.Empty(t, svc.EffectiveKeywords(context.Background(), src))
	})

	t.Run("db error without fallback", func(t *testing.T) {
		t.Parallel()
		svc, mock := newMockService(t)
		mock.ExpectQuery(`SELECT value FROM app_setting`).
			WithArgs("message_filter").
			WillReturnError(errors.New("permission denied"))

		src := &db.SourceChannel{FilterMode: db.FilterModeInherit}
		assert.Empty(t, svc.EffectiveKeywords(context.Background(), src))
	})
}
