// Package mirror — конвейер зеркалирования каналов: резолв источников,
// бэкфилл истории, повтор неудачных пересылок, realtime-подписки,
// планировщики и супервизор задач.
package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/gotd/td/tg"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/concurrency"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/config"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/metrics"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/settings"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/telegram"
)

// Store — операции хранилища, нужные конвейеру зеркалирования.
// Реализуется *db.Store; в тестах воркеров подменяется фейком.
type Store interface {
	GetSource(ctx context.Context, id string) (*db.SourceChannel, error)
	UpdateSourceResolved(ctx context.Context, id string, f db.ResolvedSourceFields) error
	UpdateSourceHealth(ctx context.Context, id string, f db.ResolvedSourceFields) error
	SetSourceSyncStatus(ctx context.Context, id string, status db.SyncStatus) error
	MarkSourceError(ctx context.Context, id string) (bool, error)
	MarkSourceProtected(ctx context.Context, id string) (bool, error)
	UpdateSourceLastSync(ctx context.Context, id string, lastMessageID int64) error
	ListActiveResolvedSources(ctx context.Context) ([]db.SourceChannel, error)

	GetMirrorBySource(ctx context.Context, sourceID string) (*db.MirrorChannel, error)
	UpdateMirrorResolved(ctx context.Context, id string, f db.ResolvedMirrorFields) error
	SetMirrorInviteLink(ctx context.Context, id, link string) error

	ClaimNextTask(ctx context.Context, taskType db.TaskType, excludedSources []string) (*db.SyncTask, error)
	PauseTask(ctx context.Context, id, reason string, snap *db.ProgressSnapshot) (*db.SyncTask, error)
	FailTask(ctx context.Context, id, errMsg string) (*db.SyncTask, error)
	CompleteTask(ctx context.Context, id string) (*db.SyncTask, error)
	CreateTask(ctx context.Context, sourceID string, taskType db.TaskType) (string, error)
	ReviveTask(ctx context.Context, id string) error
	ResumePausedTask(ctx context.Context, id string) (bool, error)
	ActivateTask(ctx context.Context, id string) (bool, error)
	MarkPausedRunning(ctx context.Context, id string) (bool, error)
	RequeueRunningTasks(ctx context.Context) (int, error)
	UpdateTaskProgress(ctx context.Context, id string, current, total, lastProcessedID *int64) error
	GetTaskRuntimeState(ctx context.Context, id string) (*db.TaskRuntimeState, error)
	HistoryBlocksRealtime(ctx context.Context, sourceID string) (bool, error)
	ListTasksByType(ctx context.Context, taskType db.TaskType, statuses ...db.TaskStatus) ([]db.SyncTask, error)
	FindTaskForSource(ctx context.Context, sourceID string, taskType db.TaskType) (*db.SyncTask, error)
	ListPausedTasksWithError(ctx context.Context) ([]db.SyncTask, error)

	InsertPendingMapping(ctx context.Context, sourceID string, sourceMessageID int64, f db.NewMappingFields) (string, bool, error)
	GetMapping(ctx context.Context, sourceID string, sourceMessageID int64) (*db.MessageMapping, error)
	MarkMappingSuccess(ctx context.Context, id string, mirrorMessageID int64) error
	MarkMappingSkipped(ctx context.Context, id string, reason db.SkipReason, detail string) error
	MarkMappingFailed(ctx context.Context, id string, errMsg string) (int, error)
	ListRetryableMappings(ctx context.Context, sourceID string, maxRetries int, afterMessageID int64, limit int) ([]db.MessageMapping, error)
	SourcesWithRetryableFailures(ctx context.Context, olderThanSec, maxRetries int) ([]string, error)
	ApplyEdit(ctx context.Context, mappingID string, text string, editedAtUnix int64, keepHistory bool) (bool, error)
	MarkMappingsDeleted(ctx context.Context, sourceID string, sourceMessageIDs []int64) ([]int64, error)
	MirrorMessageID(ctx context.Context, sourceID string, sourceMessageID int64) (int64, error)

	InsertEvent(ctx context.Context, level db.EventLevel, message string, sourceID *string) error
	NotifyTask(ctx context.Context, n db.TaskNotification)
	WriteHeartbeat(ctx context.Context, startedAt time.Time) error
}

// Chat — операции чат-сервиса, нужные воркерам. Реализуется *telegram.Client.
type Chat interface {
	ResolveChannel(ctx context.Context, ident telegram.Identifier) (*telegram.ChannelInfo, error)
	ResolveUser(ctx context.Context, identifier string) (*tg.InputUser, error)
	CreateBroadcast(ctx context.Context, title, about string) (*telegram.ChannelInfo, error)
	CreateLinkedDiscussion(ctx context.Context, broadcast telegram.Peer, title string) (*telegram.ChannelInfo, error)
	ExportInvite(ctx context.Context, peer telegram.Peer) (string, error)
	PromoteFullAdmin(ctx context.Context, channel telegram.Peer, user *tg.InputUser, rank string) error
	DiscussionRoot(ctx context.Context, broadcast telegram.Peer, postID int64) (telegram.Peer, int64, error)
	LinkedDiscussion(ctx context.Context, broadcast telegram.Peer) (telegram.Peer, bool, error)
	HistoryAscending(ctx context.Context, peer telegram.Peer, afterID int64, limit int) (*telegram.HistoryPage, error)
	LatestMessage(ctx context.Context, peer telegram.Peer) (*tg.Message, int, error)
	GetMessages(ctx context.Context, peer telegram.Peer, ids []int64) ([]*tg.Message, error)
	Replies(ctx context.Context, peer telegram.Peer, postID int64, limit int) ([]*tg.Message, error)
	ForwardAsCopy(ctx context.Context, from, to telegram.Peer, ids []int64) ([]int64, error)
	SendText(ctx context.Context, to telegram.Peer, text string, replyTo int64) (int64, error)
	CopyMessage(ctx context.Context, to telegram.Peer, msg *tg.Message, replyTo int64) (int64, error)
	CopyAlbum(ctx context.Context, to telegram.Peer, msgs []*tg.Message, replyTo int64) ([]int64, error)
	EditMediaSpoiler(ctx context.Context, peer telegram.Peer, messageID int64, srcMsg *tg.Message) error
	DeleteMessages(ctx context.Context, peer telegram.Peer, ids []int64) error
}

// Settings — проекции операторских настроек. Реализуется *settings.Service.
type Settings interface {
	Runtime(ctx context.Context) settings.Runtime
	Mirror(ctx context.Context) settings.Mirror
	TaskRunner(ctx context.Context) settings.TaskRunner
	Retry(ctx context.Context) settings.Retry
	EffectiveKeywords(ctx context.Context, src *db.SourceChannel) []string
}

// Вместимость статических множеств дедупликации.
const (
	linkKeysCap      = 10000
	adminKeysCap     = 10000
	discussionIDsCap = 5000
)

// Engine — общие зависимости воркеров зеркалирования.
type Engine struct {
	store    Store
	tg       Chat
	settings Settings
	env      config.EnvConfig

	// Статические множества дедупликации (см. модель конкурентности):
	// ключи отправленных original-link комментариев, пары (канал, админ)
	// уже выполненных продвижений и id отзеркаленных комментариев.
	linkKeys      *concurrency.SeenSet
	adminKeys     *concurrency.SeenSet
	discussionIDs *concurrency.SeenSet
}

func NewEngine(store Store, tgClient Chat, svc Settings, env config.EnvConfig) *Engine {
	return &Engine{
		store:         store,
		tg:            tgClient,
		settings:      svc,
		env:           env,
		linkKeys:      concurrency.NewSeenSet(linkKeysCap),
		adminKeys:     concurrency.NewSeenSet(adminKeysCap),
		discussionIDs: concurrency.NewSeenSet(discussionIDsCap),
	}
}

// event пишет строку журнала в БД и дублирует её в лог. Ошибка записи
// некритична.
func (e *Engine) event(ctx context.Context, level db.EventLevel, sourceID *string, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	switch level {
	case db.EventLevelError:
		logger.Error(msg)
	case db.EventLevelWarn:
		logger.Warn(msg)
	default:
		logger.Info(msg)
	}
	if err := e.store.InsertEvent(ctx, level, msg, sourceID); err != nil {
		logger.Warnf("запись события не удалась: %v", err)
	}
}

// floodWaitReason форматирует причину паузы так, чтобы планировщик
// авто-возобновления смог разобрать её обратно.
func floodWaitReason(wait time.Duration) string {
	return fmt.Sprintf("FLOOD_WAIT_%d", int(wait.Seconds()))
}

// transientRetryAttempts — ограниченный повтор сетевых сбоев RPC внутри
// одного вызова; исчерпание ведёт к паузе задачи.
const transientRetryAttempts = 3

// invoke исполняет RPC-вызов с локальными политиками восстановления:
//   - FLOOD_WAIT не больше конфигурационного максимума пережидается на месте
//     (wait+1 секунда) с одним повтором; больший wait возвращается вызывающему
//     как есть — задача должна встать на паузу;
//   - transient-сбои повторяются до transientRetryAttempts раз с растущей
//     паузой, затем ошибка всплывает.
func (e *Engine) invoke(ctx context.Context, fn func(ctx context.Context) error) error {
	floodRetried := false
	transientTries := 0
	for {
		err := fn(ctx)
		if err == nil || ctx.Err() != nil {
			return err
		}

		class, wait := telegram.Classify(err)
		switch class {
		case telegram.ClassFloodWait:
			maxWait := time.Duration(e.env.FloodWaitMaxSec) * time.Second
			if floodRetried || wait > maxWait {
				metrics.FloodWaits.WithLabelValues("paused").Inc()
				return err
			}
			floodRetried = true
			metrics.FloodWaits.WithLabelValues("slept").Inc()
			logger.Infof("FLOOD_WAIT %s, пережидаю на месте", wait)
			if serr := sleepCtx(ctx, wait+time.Second); serr != nil {
				return serr
			}
		case telegram.ClassTransient:
			transientTries++
			if transientTries >= transientRetryAttempts {
				return err
			}
			logger.Warnf("временный сбой RPC (попытка %d/%d): %v", transientTries, transientRetryAttempts, err)
			if serr := sleepCtx(ctx, time.Duration(transientTries)*2*time.Second); serr != nil {
				return serr
			}
		default:
			return err
		}
	}
}

// handleWorkerError — разбор ошибки на уровне тела задачи. FLOOD_WAIT сверх
// лимита и исчерпанные transient-повторы переводят задачу в паузу (снимок
// прогресса сохраняется) и возвращают errTaskPaused; остальное всплывает и
// приводит к провалу задачи.
func (e *Engine) handleWorkerError(ctx context.Context, task *db.SyncTask, err error, snap *db.ProgressSnapshot) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		// Отмена процесса: running-задачи вернёт в pending супервизор.
		return ctx.Err()
	}

	class, wait := telegram.Classify(err)
	switch class {
	case telegram.ClassFloodWait:
		e.pauseTask(ctx, task.ID, floodWaitReason(wait), snap)
		return errTaskPaused
	case telegram.ClassTransient:
		e.pauseTask(ctx, task.ID, "временный сбой: "+err.Error(), snap)
		return errTaskPaused
	default:
		return err
	}
}

// sleepCtx — пауза с уважением отмены.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// sourcePeer / mirrorPeer строят адрес канала из строк БД; ошибка означает
// неотрезолвленный канал.
func sourcePeer(src *db.SourceChannel) (telegram.Peer, bool) {
	if src.TGChannelID == nil {
		return telegram.Peer{}, false
	}
	p := telegram.Peer{ChannelID: *src.TGChannelID}
	if src.AccessHash != nil {
		p.AccessHash = *src.AccessHash
	}
	return p, true
}

func mirrorPeer(m *db.MirrorChannel) (telegram.Peer, bool) {
	if m == nil || m.TGChannelID == nil {
		return telegram.Peer{}, false
	}
	p := telegram.Peer{ChannelID: *m.TGChannelID}
	if m.AccessHash != nil {
		p.AccessHash = *m.AccessHash
	}
	return p, true
}
