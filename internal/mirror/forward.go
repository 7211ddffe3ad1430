package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/metrics"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/settings"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/telegram"
)

// flushCtx — всё, что нужно для сброса пачки: задача (для пауз), источник и
// координаты обеих сторон.
type flushCtx struct {
	task    *db.SyncTask
	src     *db.SourceChannel
	srcPeer telegram.Peer
	mirPeer telegram.Peer
	snap    func() *db.ProgressSnapshot // снимок прогресса для паузы

	// retry != nil — пачку гонит retry-воркер: ошибки пересылки не паузят
	// задачу, а двигают retry_count вплоть до финального skip.
	retry *settings.Retry
}

// flushBatch зеркалирует пачку маппингов одного альбома (или одиночное
// сообщение) согласно режиму источника. Возвращает errTaskPaused, если
// задача поставлена на паузу, иначе ошибку для провала задачи; nil — пачка
// обработана (успех или пропуск).
func (e *Engine) flushBatch(ctx context.Context, fc flushCtx, items []db.MessageMapping) error {
	if len(items) == 0 {
		return nil
	}
	if fc.src.MirrorMode == db.MirrorModeCopy {
		return e.flushCopy(ctx, fc, items)
	}
	return e.flushForward(ctx, fc, items)
}

// flushForward — режим forward: вся пачка уходит одним forward_as_copy.
func (e *Engine) flushForward(ctx context.Context, fc flushCtx, items []db.MessageMapping) error {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.SourceMessageID
	}

	var mirrorIDs []int64
	err := e.invoke(ctx, func(ctx context.Context) error {
		var ferr error
		mirrorIDs, ferr = e.tg.ForwardAsCopy(ctx, fc.srcPeer, fc.mirPeer, ids)
		return ferr
	})
	if err != nil {
		return e.handleFlushError(ctx, fc, items, err)
	}

	for i, it := range items {
		if mirrorIDs[i] == 0 {
			// Восстановить id зеркального сообщения не удалось: без пары
			// последующие правки и удаления не применить, нужен ручной разбор.
			e.pauseTask(ctx, fc.task.ID,
				fmt.Sprintf("не восстановлен id зеркального сообщения для %d", it.SourceMessageID), fc.snap())
			return errTaskPaused
		}
		if mErr := e.store.MarkMappingSuccess(ctx, it.ID, mirrorIDs[i]); mErr != nil {
			return mErr
		}
		metrics.MessagesMirrored.WithLabelValues(string(db.MirrorModeForward)).Inc()
	}

	e.throttle(ctx)
	e.mirrorCommentsForAnchor(ctx, fc, items, mirrorIDs)
	return nil
}

// flushCopy — режим copy: пересылка текстов по одному; сообщения без текста
// пропускаются как unsupported_type.
func (e *Engine) flushCopy(ctx context.Context, fc flushCtx, items []db.MessageMapping) error {
	for _, it := range items {
		if it.Text == "" {
			if err := e.store.MarkMappingSkipped(ctx, it.ID, db.SkipReasonUnsupportedType, "пустой текст в режиме copy"); err != nil {
				return err
			}
			metrics.MessagesSkipped.WithLabelValues(string(db.SkipReasonUnsupportedType)).Inc()
			continue
		}

		var mirrorID int64
		err := e.invoke(ctx, func(ctx context.Context) error {
			var serr error
			mirrorID, serr = e.tg.SendText(ctx, fc.mirPeer, it.Text, 0)
			return serr
		})
		if err != nil {
			return e.handleFlushError(ctx, fc, []db.MessageMapping{it}, err)
		}
		if mErr := e.store.MarkMappingSuccess(ctx, it.ID, mirrorID); mErr != nil {
			return mErr
		}
		metrics.MessagesMirrored.WithLabelValues(string(db.MirrorModeCopy)).Inc()

		e.throttle(ctx)
		e.mirrorCommentsForAnchor(ctx, fc, []db.MessageMapping{it}, []int64{mirrorID})
	}
	return nil
}

// handleFlushError применяет политику ошибок пересылки к пачке.
func (e *Engine) handleFlushError(ctx context.Context, fc flushCtx, items []db.MessageMapping, err error) error {
	class, _ := telegram.Classify(err)
	switch class {
	case telegram.ClassProtectedContent:
		return e.handleProtected(ctx, fc, items, err)

	case telegram.ClassMessageDeleted:
		for _, it := range items {
			if mErr := e.store.MarkMappingSkipped(ctx, it.ID, db.SkipReasonMessageDeleted, err.Error()); mErr != nil {
				return mErr
			}
			metrics.MessagesSkipped.WithLabelValues(string(db.SkipReasonMessageDeleted)).Inc()
		}
		return nil

	case telegram.ClassFloodWait, telegram.ClassTransient:
		return e.handleWorkerError(ctx, fc.task, err, fc.snap())

	default:
		for _, it := range items {
			count, mErr := e.store.MarkMappingFailed(ctx, it.ID, err.Error())
			if mErr != nil {
				return mErr
			}
			if fc.retry != nil && count >= fc.retry.MaxRetries && fc.retry.SkipAfterMax {
				if sErr := e.store.MarkMappingSkipped(ctx, it.ID, db.SkipReasonTooManyRetries,
					"исчерпаны повторы: "+err.Error()); sErr != nil {
					return sErr
				}
				metrics.MessagesSkipped.WithLabelValues(string(db.SkipReasonTooManyRetries)).Inc()
			}
		}
		if fc.retry != nil {
			return nil
		}
		e.pauseTask(ctx, fc.task.ID, "ошибка пересылки: "+err.Error(), fc.snap())
		return errTaskPaused
	}
}

// handleProtected — источник запрещает пересылку. Флаг is_protected
// проставляется один раз; дальше либо пропускаем пачку, либо паузим задачу —
// по настройке skip_protected.
func (e *Engine) handleProtected(ctx context.Context, fc flushCtx, items []db.MessageMapping, cause error) error {
	changed, err := e.store.MarkSourceProtected(ctx, fc.src.ID)
	if err != nil {
		return err
	}
	if changed {
		e.event(ctx, db.EventLevelWarn, &fc.src.ID, "источник %s защищён от пересылки", fc.src.ID)
	}

	if e.settings.Mirror(ctx).SkipProtected {
		for _, it := range items {
			if mErr := e.store.MarkMappingSkipped(ctx, it.ID, db.SkipReasonProtectedContent, cause.Error()); mErr != nil {
				return mErr
			}
			metrics.MessagesSkipped.WithLabelValues(string(db.SkipReasonProtectedContent)).Inc()
		}
		return nil
	}

	for _, it := range items {
		if _, mErr := e.store.MarkMappingFailed(ctx, it.ID, cause.Error()); mErr != nil {
			return mErr
		}
	}
	e.pauseTask(ctx, fc.task.ID, "защищённый контент при выключенном skip_protected", fc.snap())
	return errTaskPaused
}

// throttle выдерживает настроенный интервал между отправками.
func (e *Engine) throttle(ctx context.Context) {
	interval := time.Duration(e.settings.Mirror(ctx).IntervalMS) * time.Millisecond
	_ = sleepCtx(ctx, interval)
}

// preSkipReason — предварительные решения до отправки: фильтр по ключевым
// словам, выключенное видео, превышение размера файла. false — сообщение
// подлежит пересылке.
func (e *Engine) preSkipReason(ctx context.Context, src *db.SourceChannel, m db.NewMappingFields) (db.SkipReason, bool) {
	if kw := e.settings.EffectiveKeywords(ctx, src); len(kw) > 0 {
		// Фильтр отбрасывает совпавшие сообщения.
		if m.Text != "" && settings.MatchesAny(m.Text, kw) {
			return db.SkipReasonFiltered, true
		}
	}

	mrr := e.settings.Mirror(ctx)
	if !mrr.SyncVideo && m.MessageType == "video" {
		return db.SkipReasonUnsupportedType, true
	}
	if m.FileSize != nil && *m.FileSize > int64(mrr.MaxFileSizeMB)*1024*1024 {
		return db.SkipReasonFileTooLarge, true
	}
	return "", false
}
