package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const taskColumns = `id, source_channel_id, task_type, status, created_at, started_at,
	paused_at, completed_at, progress_current, progress_total, last_processed_id, last_error`

// GetTask возвращает задачу по id или nil.
func (s *Store) GetTask(ctx context.Context, id string) (*SyncTask, error) {
	var t SyncTask
	err := WithRetry(ctx, "get task", func(ctx context.Context) error {
		return s.pool.GetContext(ctx, &t,
			`SELECT `+taskColumns+` FROM sync_task WHERE id = $1`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get task")
	}
	return &t, nil
}

// ClaimNextTask — двухшаговый клейм очередной pending-задачи заданного типа.
//
// Шаг 1: выбирается старейшая pending-задача, чей источник активен, не в
// sync_status='error' и не занят уже исполняемой задачей (excludedSources —
// in-memory множество супервизора). Для типов, отличных от resolve,
// дополнительно требуется, чтобы и источник, и зеркало были отрезолвлены.
// Порядок: приоритет источника по убыванию, затем created_at по возрастанию.
//
// Шаг 2: условный UPDATE c guard'ом status='pending' и RETURNING; ноль строк
// означает проигранную гонку — клейм бросается, вызывающий тик попробует снова.
func (s *Store) ClaimNextTask(ctx context.Context, taskType TaskType, excludedSources []string) (*SyncTask, error) {
	needResolved := taskType != TaskTypeResolve
	if excludedSources == nil {
		excludedSources = []string{}
	}

	var picked string
	err := WithRetry(ctx, "select claimable task", func(ctx context.Context) error {
		return s.pool.GetContext(ctx, &picked, `
			SELECT t.id
			FROM sync_task t
			JOIN source_channel sc ON sc.id = t.source_channel_id
			LEFT JOIN mirror_channel mc ON mc.source_channel_id = sc.id
			WHERE t.task_type = $1
			  AND t.status = 'pending'
			  AND sc.is_active = TRUE
			  AND sc.sync_status <> 'error'
			  AND (sc.id <> ALL($2))
			  AND ($3 = FALSE OR (sc.tg_channel_id IS NOT NULL AND mc.tg_channel_id IS NOT NULL))
			ORDER BY sc.priority DESC, t.created_at ASC
			LIMIT 1`,
			taskType, pq.Array(excludedSources), needResolved)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select claimable task")
	}

	var claimed SyncTask
	err = WithRetry(ctx, "claim task", func(ctx context.Context) error {
		return s.pool.GetContext(ctx, &claimed, `
			UPDATE sync_task
			SET status = 'running', started_at = NOW()
			WHERE id = $1 AND status = 'pending'
			RETURNING `+taskColumns,
			picked)
	})
	if errors.Is(err, sql.ErrNoRows) {
		// Гонку выиграл кто-то другой; не ошибка.
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "claim task")
	}
	return &claimed, nil
}

// ProgressSnapshot — опциональный снимок прогресса, сохраняемый при паузе.
type ProgressSnapshot struct {
	Current         *int64
	Total           *int64
	LastProcessedID *int64
}

// PauseTask атомарно переводит задачу в paused, сохраняя причину и опциональный
// снимок прогресса. Возвращает строку задачи ДО изменения (для событий).
func (s *Store) PauseTask(ctx context.Context, id, reason string, snap *ProgressSnapshot) (*SyncTask, error) {
	reason = truncateRunes(reason, eventMessageMaxRunes)
	return s.mutateTask(ctx, "pause task", id, func(ctx context.Context, tx *sqlx.Tx) error {
		if snap != nil {
			_, err := tx.ExecContext(ctx, `
				UPDATE sync_task
				SET status = 'paused', paused_at = NOW(), last_error = $2,
				    progress_current = COALESCE($3, progress_current),
				    progress_total = COALESCE($4, progress_total),
				    last_processed_id = COALESCE($5, last_processed_id)
				WHERE id = $1`,
				id, reason, snap.Current, snap.Total, snap.LastProcessedID)
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_task
			SET status = 'paused', paused_at = NOW(), last_error = $2
			WHERE id = $1`,
			id, reason)
		return err
	})
}

// FailTask переводит задачу в терминальный failed и фиксирует момент
// завершения. Для задач resolve и history_full дополнительно помечает
// источник sync_status='error'. Возвращает строку задачи до изменения.
func (s *Store) FailTask(ctx context.Context, id, errMsg string) (*SyncTask, error) {
	errMsg = truncateRunes(errMsg, eventMessageMaxRunes)
	return s.mutateTask(ctx, "fail task", id, func(ctx context.Context, tx *sqlx.Tx) error {
		var t SyncTask
		if err := tx.GetContext(ctx, &t, `
			UPDATE sync_task
			SET status = 'failed', completed_at = NOW(), last_error = $2
			WHERE id = $1
			RETURNING `+taskColumns, id, errMsg); err != nil {
			return err
		}
		if t.TaskType == TaskTypeResolve || t.TaskType == TaskTypeHistoryFull {
			if _, err := tx.ExecContext(ctx,
				`UPDATE source_channel SET sync_status = 'error' WHERE id = $1`,
				t.SourceChannelID); err != nil {
				return err
			}
		}
		return nil
	})
}

// CompleteTask переводит задачу в completed и очищает last_error.
// Возвращает строку задачи до изменения.
func (s *Store) CompleteTask(ctx context.Context, id string) (*SyncTask, error) {
	return s.mutateTask(ctx, "complete task", id, func(ctx context.Context, tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE sync_task
			SET status = 'completed', completed_at = NOW(), last_error = NULL
			WHERE id = $1`, id)
		return err
	})
}

// mutateTask — общий каркас атомарных мутаторов: в одной транзакции читает
// строку с блокировкой (она и есть «prior»), применяет мутацию и коммитит.
func (s *Store) mutateTask(ctx context.Context, op, id string,
	mutate func(ctx context.Context, tx *sqlx.Tx) error) (*SyncTask, error) {
	var prior SyncTask
	err := WithRetry(ctx, op, func(ctx context.Context) error {
		tx, err := s.pool.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.GetContext(ctx, &prior,
			`SELECT `+taskColumns+` FROM sync_task WHERE id = $1 FOR UPDATE`, id); err != nil {
			return err
		}
		if err := mutate(ctx, tx); err != nil {
			return err
		}
		return tx.Commit()
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Errorf("%s: task %s not found", op, id)
	}
	if err != nil {
		return nil, errors.Wrap(err, op)
	}
	return &prior, nil
}

// CreateTask вставляет pending-задачу и возвращает её id.
func (s *Store) CreateTask(ctx context.Context, sourceID string, taskType TaskType) (string, error) {
	id := uuid.NewString()
	err := WithRetry(ctx, "create task", func(ctx context.Context) error {
		_, err := s.pool.ExecContext(ctx, `
			INSERT INTO sync_task (id, source_channel_id, task_type, status, created_at)
			VALUES ($1, $2, $3, 'pending', NOW())`,
			id, sourceID, taskType)
		return err
	})
	return id, err
}

// ReviveTask возвращает «протухшую» задачу в pending, сбрасывая прогресс.
// Используется планировщиком ретраев для completed/failed retry_failed задач.
func (s *Store) ReviveTask(ctx context.Context, id string) error {
	return WithRetry(ctx, "revive task", func(ctx context.Context) error {
		_, err := s.pool.ExecContext(ctx, `
			UPDATE sync_task
			SET status = 'pending', started_at = NULL, paused_at = NULL, completed_at = NULL,
			    progress_current = NULL, progress_total = NULL, last_error = NULL
			WHERE id = $1`, id)
		return err
	})
}

// ResumePausedTask переводит paused-задачу в pending (авто-возобновление после
// FLOOD_WAIT). Guard по статусу защищает от гонки с ручными действиями UI.
func (s *Store) ResumePausedTask(ctx context.Context, id string) (bool, error) {
	var resumed bool
	err := WithRetry(ctx, "resume paused task", func(ctx context.Context) error {
		res, err := s.pool.ExecContext(ctx, `
			UPDATE sync_task
			SET status = 'pending', paused_at = NULL
			WHERE id = $1 AND status = 'paused'`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		resumed = n > 0
		return err
	})
	return resumed, err
}

// ActivateTask переводит pending-задачу в running в обход клеймера
// (realtime-задачи менеджер подписок активирует сам). Guard по статусу.
func (s *Store) ActivateTask(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := WithRetry(ctx, "activate task", func(ctx context.Context) error {
		res, err := s.pool.ExecContext(ctx, `
			UPDATE sync_task
			SET status = 'running', started_at = NOW()
			WHERE id = $1 AND status = 'pending'`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		ok = n > 0
		return err
	})
	return ok, err
}

// MarkPausedRunning оживляет paused realtime-задачу без пересоздания подписки.
func (s *Store) MarkPausedRunning(ctx context.Context, id string) (bool, error) {
	var ok bool
	err := WithRetry(ctx, "mark paused running", func(ctx context.Context) error {
		res, err := s.pool.ExecContext(ctx, `
			UPDATE sync_task
			SET status = 'running', paused_at = NULL, last_error = NULL
			WHERE id = $1 AND status = 'paused'`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		ok = n > 0
		return err
	})
	return ok, err
}

// RequeueRunningTasks возвращает все running-задачи в pending. Вызывается при
// старте (восстановление после падения) и на graceful shutdown.
func (s *Store) RequeueRunningTasks(ctx context.Context) (int, error) {
	var n int64
	err := WithRetry(ctx, "requeue running tasks", func(ctx context.Context) error {
		res, err := s.pool.ExecContext(ctx, `
			UPDATE sync_task
			SET status = 'pending', started_at = NULL
			WHERE status = 'running'`)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return int(n), err
}

// UpdateTaskProgress оппортунистически сохраняет прогресс исполнения.
func (s *Store) UpdateTaskProgress(ctx context.Context, id string, current, total, lastProcessedID *int64) error {
	return WithRetry(ctx, "update task progress", func(ctx context.Context) error {
		_, err := s.pool.ExecContext(ctx, `
			UPDATE sync_task
			SET progress_current = COALESCE($2, progress_current),
			    progress_total = COALESCE($3, progress_total),
			    last_processed_id = COALESCE($4, last_processed_id)
			WHERE id = $1`,
			id, current, total, lastProcessedID)
		return err
	})
}

// TaskRuntimeState — снимок для кооперативной проверки воркером: статус задачи
// и активность источника.
type TaskRuntimeState struct {
	Status       TaskStatus `db:"status"`
	SourceActive bool       `db:"is_active"`
}

// GetTaskRuntimeState читает статус задачи вместе с is_active источника одним
// запросом; воркеры зовут его не чаще раза в ~5 секунд.
func (s *Store) GetTaskRuntimeState(ctx context.Context, id string) (*TaskRuntimeState, error) {
	var st TaskRuntimeState
	err := WithRetry(ctx, "get task runtime state", func(ctx context.Context) error {
		return s.pool.GetContext(ctx, &st, `
			SELECT t.status, sc.is_active
			FROM sync_task t
			JOIN source_channel sc ON sc.id = t.source_channel_id
			WHERE t.id = $1`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get task runtime state")
	}
	return &st, nil
}

// HistoryBlocksRealtime сообщает, есть ли для источника pending/running
// history_full: realtime-подписка не стартует, пока бэкфилл не завершён или
// не поставлен на паузу.
func (s *Store) HistoryBlocksRealtime(ctx context.Context, sourceID string) (bool, error) {
	var blocked bool
	err := WithRetry(ctx, "history blocks realtime", func(ctx context.Context) error {
		return s.pool.GetContext(ctx, &blocked, `
			SELECT EXISTS (
				SELECT 1 FROM sync_task
				WHERE source_channel_id = $1
				  AND task_type = 'history_full'
				  AND status IN ('pending', 'running')
			)`, sourceID)
	})
	return blocked, err
}

// ListTasksByType возвращает задачи заданного типа и статусов для всех
// источников (используется realtime-менеджером и планировщиками).
func (s *Store) ListTasksByType(ctx context.Context, taskType TaskType, statuses ...TaskStatus) ([]SyncTask, error) {
	var out []SyncTask
	err := WithRetry(ctx, "list tasks by type", func(ctx context.Context) error {
		out = out[:0]
		return s.pool.SelectContext(ctx, &out, `
			SELECT `+taskColumns+` FROM sync_task
			WHERE task_type = $1 AND status = ANY($2)
			ORDER BY created_at`, taskType, pq.Array(statuses))
	})
	if err != nil {
		return nil, errors.Wrap(err, "list tasks by type")
	}
	return out, nil
}

// FindTaskForSource возвращает задачу источника заданного типа (любого
// статуса, самую свежую) или nil.
func (s *Store) FindTaskForSource(ctx context.Context, sourceID string, taskType TaskType) (*SyncTask, error) {
	var t SyncTask
	err := WithRetry(ctx, "find task for source", func(ctx context.Context) error {
		return s.pool.GetContext(ctx, &t, `
			SELECT `+taskColumns+` FROM sync_task
			WHERE source_channel_id = $1 AND task_type = $2
			ORDER BY created_at DESC
			LIMIT 1`, sourceID, taskType)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "find task for source")
	}
	return &t, nil
}

// ListPausedTasksWithError возвращает paused-задачи с непустым last_error;
// планировщик авто-возобновления разбирает из них FLOOD_WAIT.
func (s *Store) ListPausedTasksWithError(ctx context.Context) ([]SyncTask, error) {
	var out []SyncTask
	err := WithRetry(ctx, "list paused tasks", func(ctx context.Context) error {
		out = out[:0]
		return s.pool.SelectContext(ctx, &out, `
			SELECT `+taskColumns+` FROM sync_task
			WHERE status = 'paused' AND last_error IS NOT NULL AND paused_at IS NOT NULL
			ORDER BY paused_at`)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list paused tasks")
	}
	return out, nil
}

// StalePausedBefore — вспомогательный предикат планировщика: задача паузилась
// не позже указанного момента.
func StalePausedBefore(t *SyncTask, deadline time.Time) bool {
	return t.PausedAt != nil && !t.PausedAt.After(deadline)
}
