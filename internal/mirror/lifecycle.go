package mirror

import (
	"context"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/metrics"
)

// Три атомарных перехода жизненного цикла задачи. Каждый возвращает событие
// в журнал, уведомление pg_notify и метрику; строка «до» нужна для текста
// события.

func (e *Engine) pauseTask(ctx context.Context, taskID, reason string, snap *db.ProgressSnapshot) {
	prior, err := e.store.PauseTask(ctx, taskID, reason, snap)
	if err != nil {
		logger.Errorf("пауза задачи %s: %v", taskID, err)
		return
	}
	e.event(ctx, db.EventLevelWarn, &prior.SourceChannelID,
		"задача %s (%s) поставлена на паузу: %s", taskID, prior.TaskType, reason)
	e.notifyTransition(ctx, prior, db.TaskStatusPaused)
}

func (e *Engine) failTask(ctx context.Context, taskID string, taskErr error) {
	prior, err := e.store.FailTask(ctx, taskID, taskErr.Error())
	if err != nil {
		logger.Errorf("провал задачи %s: %v", taskID, err)
		return
	}
	e.event(ctx, db.EventLevelError, &prior.SourceChannelID,
		"задача %s (%s) завершилась ошибкой: %v", taskID, prior.TaskType, taskErr)
	e.notifyTransition(ctx, prior, db.TaskStatusFailed)
}

func (e *Engine) completeTask(ctx context.Context, taskID string) {
	prior, err := e.store.CompleteTask(ctx, taskID)
	if err != nil {
		logger.Errorf("завершение задачи %s: %v", taskID, err)
		return
	}
	e.event(ctx, db.EventLevelInfo, &prior.SourceChannelID,
		"задача %s (%s) выполнена", taskID, prior.TaskType)
	e.notifyTransition(ctx, prior, db.TaskStatusCompleted)
}

func (e *Engine) notifyTransition(ctx context.Context, t *db.SyncTask, newStatus db.TaskStatus) {
	metrics.TaskTransitions.WithLabelValues(string(t.TaskType), string(newStatus)).Inc()
	e.store.NotifyTask(ctx, db.TaskNotification{
		TaskID:          t.ID,
		SourceChannelID: t.SourceChannelID,
		TaskType:        string(t.TaskType),
		Status:          string(newStatus),
	})
}
