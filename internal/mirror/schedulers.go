package mirror

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/telegram"
)

const (
	retryCreatorMinInterval = 10 * time.Second
	floodResumeMinInterval  = 5 * time.Second
)

// schedulers — фоновые планировщики, разбираемые тиком супервизора: создание
// retry-задач, авто-возобновление FLOOD_WAIT-пауз и health check источников.
type schedulers struct {
	e *Engine

	lastRetryCreator time.Time
	lastFloodResume  time.Time

	lastHealthPass    time.Time
	lastHealthRefresh time.Time
	healthQueue       []db.SourceChannel
	healthPos         int
}

func newSchedulers(e *Engine) *schedulers {
	return &schedulers{e: e}
}

// ensureRetryTasks заводит (или оживляет) retry_failed-задачи для источников
// с накопившимися ретраябельными сбоями. Не чаще раза в 10 секунд.
func (sch *schedulers) ensureRetryTasks(ctx context.Context) {
	if time.Since(sch.lastRetryCreator) < retryCreatorMinInterval {
		return
	}
	sch.lastRetryCreator = time.Now()

	e := sch.e
	rpol := e.settings.Retry(ctx)
	sources, err := e.store.SourcesWithRetryableFailures(ctx, rpol.RetryIntervalSec, rpol.MaxRetries)
	if err != nil {
		logger.Warnf("планировщик ретраев: выборка источников: %v", err)
		return
	}

	for _, sourceID := range sources {
		task, err := e.store.FindTaskForSource(ctx, sourceID, db.TaskTypeRetryFailed)
		if err != nil {
			logger.Warnf("планировщик ретраев: поиск задачи %s: %v", sourceID, err)
			continue
		}
		switch {
		case task == nil:
			if _, cErr := e.store.CreateTask(ctx, sourceID, db.TaskTypeRetryFailed); cErr != nil {
				logger.Warnf("планировщик ретраев: создание задачи %s: %v", sourceID, cErr)
				continue
			}
			e.event(ctx, db.EventLevelInfo, &sourceID, "создана retry-задача для источника %s", sourceID)
		case task.Status == db.TaskStatusCompleted || task.Status == db.TaskStatusFailed:
			if rErr := e.store.ReviveTask(ctx, task.ID); rErr != nil {
				logger.Warnf("планировщик ретраев: оживление задачи %s: %v", task.ID, rErr)
			}
		}
		// pending/running/paused — задача уже в обороте, не трогаем.
	}
}

// ensureFloodResume возобновляет задачи, приостановленные по FLOOD_WAIT,
// как только срок ожидания (плюс секунда запаса) истёк. Не чаще раза в 5 секунд.
func (sch *schedulers) ensureFloodResume(ctx context.Context) {
	if time.Since(sch.lastFloodResume) < floodResumeMinInterval {
		return
	}
	sch.lastFloodResume = time.Now()

	e := sch.e
	tasks, err := e.store.ListPausedTasksWithError(ctx)
	if err != nil {
		logger.Warnf("планировщик flood-возобновления: %v", err)
		return
	}

	now := time.Now()
	for i := range tasks {
		task := &tasks[i]
		wait, ok := telegram.FloodWaitDuration(errors.New(*task.LastError))
		if !ok {
			continue
		}
		if !db.StalePausedBefore(task, now.Add(-(wait + time.Second))) {
			continue
		}
		resumed, rErr := e.store.ResumePausedTask(ctx, task.ID)
		if rErr != nil {
			logger.Warnf("возобновление задачи %s: %v", task.ID, rErr)
			continue
		}
		if resumed {
			e.event(ctx, db.EventLevelInfo, &task.SourceChannelID,
				"задача %s возобновлена после FLOOD_WAIT (%s)", task.ID, wait)
		}
	}
}

// ensureHealth гоняет периодический health check: раз в настроенный интервал
// проверяется очередная пачка активных источников, список обновляется реже.
func (sch *schedulers) ensureHealth(ctx context.Context) {
	e := sch.e
	if !e.env.HealthcheckEnabled {
		return
	}
	if time.Since(sch.lastHealthPass) < time.Duration(e.env.HealthcheckIntervalSec)*time.Second {
		return
	}
	sch.lastHealthPass = time.Now()

	if time.Since(sch.lastHealthRefresh) >= time.Duration(e.env.HealthcheckRefreshSec)*time.Second || sch.healthQueue == nil {
		list, err := e.store.ListActiveResolvedSources(ctx)
		if err != nil {
			logger.Warnf("health check: список источников: %v", err)
			return
		}
		sch.healthQueue = list
		sch.healthPos = 0
		sch.lastHealthRefresh = time.Now()
	}
	if len(sch.healthQueue) == 0 {
		return
	}

	for n := 0; n < e.env.HealthcheckBatch && n < len(sch.healthQueue); n++ {
		src := sch.healthQueue[sch.healthPos%len(sch.healthQueue)]
		sch.healthPos++
		sch.checkSource(ctx, &src)
		if ctx.Err() != nil {
			return
		}
	}
}

// checkSource проверяет доступность одного источника и синхронизирует его
// метаданные; недоступность переводит sync_status в error, восстановление
// доступа — обратно.
func (sch *schedulers) checkSource(ctx context.Context, src *db.SourceChannel) {
	e := sch.e
	ident := telegram.Identifier{Kind: telegram.IdentNumericID, ChannelID: *src.TGChannelID}
	info, err := e.tg.ResolveChannel(ctx, ident)
	if err != nil {
		class, _ := telegram.Classify(err)
		if class == telegram.ClassInaccessible {
			changed, mErr := e.store.MarkSourceError(ctx, src.ID)
			if mErr != nil {
				logger.Warnf("health check: пометка источника %s: %v", src.ID, mErr)
				return
			}
			if changed {
				e.event(ctx, db.EventLevelWarn, &src.ID, "источник %s недоступен: %v", src.ID, err)
			}
			return
		}
		logger.Debugf("health check: источник %s: %v", src.ID, err)
		return
	}

	fields := db.ResolvedSourceFields{
		AccessHash:  info.AccessHash,
		Title:       info.Title,
		IsProtected: info.Noforwards,
	}
	if info.Username != "" {
		fields.Username = &info.Username
	}
	if info.About != "" {
		fields.Description = &info.About
	}
	if info.Participants > 0 {
		fields.MemberCount = &info.Participants
	}
	if uErr := e.store.UpdateSourceHealth(ctx, src.ID, fields); uErr != nil {
		logger.Warnf("health check: обновление источника %s: %v", src.ID, uErr)
		return
	}

	if src.SyncStatus == db.SyncStatusError {
		sch.recoverSource(ctx, src)
	}
}

// recoverSource возвращает снова доступный источник из sync_status='error':
// статус выводится из судьбы последней задачи бэкфилла.
func (sch *schedulers) recoverSource(ctx context.Context, src *db.SourceChannel) {
	e := sch.e
	task, err := e.store.FindTaskForSource(ctx, src.ID, db.TaskTypeHistoryFull)
	if err != nil {
		logger.Warnf("health check: история источника %s: %v", src.ID, err)
		return
	}

	status := db.SyncStatusPending
	if task != nil && task.Status == db.TaskStatusCompleted {
		status = db.SyncStatusCompleted
	}
	if sErr := e.store.SetSourceSyncStatus(ctx, src.ID, status); sErr != nil {
		logger.Warnf("health check: восстановление источника %s: %v", src.ID, sErr)
		return
	}
	e.event(ctx, db.EventLevelInfo, &src.ID, "источник %s снова доступен (sync_status=%s)", src.ID, status)
	src.SyncStatus = status
}
