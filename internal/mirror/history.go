package mirror

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/metrics"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/telegram"
)

const (
	historyPageSize = 100

	// Политика оппортунистической записи прогресса: по таймеру или по дельте.
	progressWriteEvery = 2 * time.Second
	progressWriteDelta = 50

	// Кооперативная проверка статуса задачи и активности источника.
	coopCheckEvery = 5 * time.Second

	// Столько раундов подряд без продвижения — пауза на ручной разбор.
	maxStalledRounds = 2
)

// progressTracker накапливает прогресс бэкфилла и решает, когда его
// персистить.
type progressTracker struct {
	current       int64
	total         int64
	lastProcessed int64

	lastWrite    time.Time
	writtenAtCur int64
}

func (p *progressTracker) snapshot() *db.ProgressSnapshot {
	return &db.ProgressSnapshot{Current: &p.current, Total: &p.total, LastProcessedID: &p.lastProcessed}
}

func (p *progressTracker) due() bool {
	return time.Since(p.lastWrite) >= progressWriteEvery || p.current-p.writtenAtCur >= progressWriteDelta
}

func (p *progressTracker) persist(ctx context.Context, store Store, taskID string) {
	if err := store.UpdateTaskProgress(ctx, taskID, &p.current, &p.total, &p.lastProcessed); err != nil {
		logger.Warnf("запись прогресса задачи %s: %v", taskID, err)
		return
	}
	p.lastWrite = time.Now()
	p.writtenAtCur = p.current
}

// runHistory — воркер задачи history_full: восходящий проход по истории
// источника с зеркалированием каждого нового сообщения.
func (e *Engine) runHistory(ctx context.Context, task *db.SyncTask) error {
	fc, err := e.loadFlushCtx(ctx, task)
	if err != nil {
		return err
	}

	if err := e.store.SetSourceSyncStatus(ctx, fc.src.ID, db.SyncStatusSyncing); err != nil {
		return err
	}

	prog := &progressTracker{lastWrite: time.Now()}
	if task.ProgressCurrent != nil {
		prog.current = *task.ProgressCurrent
	}
	if task.ProgressTotal != nil {
		prog.total = *task.ProgressTotal
	}
	if task.LastProcessedID != nil {
		prog.lastProcessed = *task.LastProcessedID
	}
	fc.snap = prog.snapshot

	// Startup: общий размер истории, если ещё не известен.
	if prog.total == 0 {
		var total int
		err := e.invoke(ctx, func(ctx context.Context) error {
			var lerr error
			_, total, lerr = e.tg.LatestMessage(ctx, fc.srcPeer)
			return lerr
		})
		if err != nil {
			return e.handleWorkerError(ctx, task, err, prog.snapshot())
		}
		prog.total = int64(total)
		prog.persist(ctx, e.store, task.ID)
	}

	stalledRounds := 0
	lastCoopCheck := time.Now()

	for {
		if time.Since(lastCoopCheck) >= coopCheckEvery {
			lastCoopCheck = time.Now()
			stop, coopErr := e.coopCheck(ctx, task, fc.src.ID, prog)
			if coopErr != nil {
				return coopErr
			}
			if stop {
				return errTaskPaused
			}
		}

		var page *telegram.HistoryPage
		err := e.invoke(ctx, func(ctx context.Context) error {
			var perr error
			page, perr = e.tg.HistoryAscending(ctx, fc.srcPeer, prog.lastProcessed, historyPageSize)
			return perr
		})
		if err != nil {
			return e.handleWorkerError(ctx, task, err, prog.snapshot())
		}
		if page.Total > 0 {
			prog.total = int64(page.Total)
		}

		if len(page.Messages) == 0 {
			// Контрольная проба: пусто и за границей — бэкфилл завершён.
			done, probeErr := e.probeHistoryDone(ctx, task, fc.srcPeer, prog)
			if probeErr != nil {
				return probeErr
			}
			if done {
				break
			}
			continue
		}

		before := prog.lastProcessed
		if err := e.scanRound(ctx, fc, page.Messages, prog); err != nil {
			return err
		}

		if prog.lastProcessed <= before {
			stalledRounds++
			if stalledRounds >= maxStalledRounds {
				e.pauseTask(ctx, task.ID, "история не продвигается, требуется ручной разбор", prog.snapshot())
				return errTaskPaused
			}
		} else {
			stalledRounds = 0
		}

		if prog.due() {
			prog.persist(ctx, e.store, task.ID)
		}
	}

	prog.persist(ctx, e.store, task.ID)
	if err := e.store.UpdateSourceLastSync(ctx, fc.src.ID, prog.lastProcessed); err != nil {
		return err
	}
	if err := e.store.SetSourceSyncStatus(ctx, fc.src.ID, db.SyncStatusCompleted); err != nil {
		return err
	}
	e.event(ctx, db.EventLevelInfo, &fc.src.ID,
		"бэкфилл источника %s завершён: %d сообщений", fc.src.ID, prog.current)
	return nil
}

// loadFlushCtx собирает контекст пересылки задачи: источник, зеркало и их
// координаты. Неотрезолвленные стороны — ошибка программиста клеймера.
func (e *Engine) loadFlushCtx(ctx context.Context, task *db.SyncTask) (flushCtx, error) {
	src, err := e.store.GetSource(ctx, task.SourceChannelID)
	if err != nil {
		return flushCtx{}, err
	}
	if src == nil {
		return flushCtx{}, errors.Errorf("источник %s не найден", task.SourceChannelID)
	}
	mirror, err := e.store.GetMirrorBySource(ctx, src.ID)
	if err != nil {
		return flushCtx{}, err
	}

	srcPeer, ok := sourcePeer(src)
	if !ok {
		return flushCtx{}, errors.Errorf("источник %s не отрезолвлен", src.ID)
	}
	mirPeer, ok := mirrorPeer(mirror)
	if !ok {
		return flushCtx{}, errors.Errorf("зеркало источника %s не отрезолвлено", src.ID)
	}

	return flushCtx{
		task:    task,
		src:     src,
		srcPeer: srcPeer,
		mirPeer: mirPeer,
		snap:    func() *db.ProgressSnapshot { return nil },
	}, nil
}

// coopCheck перечитывает статус задачи и активность источника. stop=true —
// воркер должен сохранить прогресс и выйти.
func (e *Engine) coopCheck(ctx context.Context, task *db.SyncTask, sourceID string, prog *progressTracker) (bool, error) {
	st, err := e.store.GetTaskRuntimeState(ctx, task.ID)
	if err != nil {
		return false, err
	}
	if st == nil {
		return false, errors.Errorf("задача %s исчезла", task.ID)
	}
	if st.Status != db.TaskStatusRunning {
		// Паузу/провал выставили извне; фиксируем только прогресс.
		prog.persist(ctx, e.store, task.ID)
		logger.Infof("задача %s остановлена извне (%s), выхожу", task.ID, st.Status)
		return true, nil
	}
	if !st.SourceActive {
		prog.persist(ctx, e.store, task.ID)
		e.pauseTask(ctx, task.ID, "источник выключен оператором", prog.snapshot())
		return true, nil
	}
	return false, nil
}

// probeHistoryDone — одиночная проба за границей прогресса: пустой ответ
// означает конец истории.
func (e *Engine) probeHistoryDone(ctx context.Context, task *db.SyncTask, peer telegram.Peer, prog *progressTracker) (bool, error) {
	var page *telegram.HistoryPage
	err := e.invoke(ctx, func(ctx context.Context) error {
		var perr error
		page, perr = e.tg.HistoryAscending(ctx, peer, prog.lastProcessed, 1)
		return perr
	})
	if err != nil {
		return false, e.handleWorkerError(ctx, task, err, prog.snapshot())
	}
	return len(page.Messages) == 0, nil
}

// scanRound обрабатывает страницу истории: регистрирует маппинги, применяет
// предварительные пропуски и сбрасывает пачки по границам альбомов.
func (e *Engine) scanRound(ctx context.Context, fc flushCtx, msgs []*tg.Message, prog *progressTracker) error {
	var batch []db.MessageMapping
	var batchGroup int64

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := e.flushBatch(ctx, fc, batch)
		if err != nil {
			return err
		}
		for _, it := range batch {
			if it.SourceMessageID > prog.lastProcessed {
				prog.lastProcessed = it.SourceMessageID
			}
			prog.current++
		}
		batch = nil
		batchGroup = 0
		if prog.due() {
			prog.persist(ctx, e.store, fc.task.ID)
		}
		return nil
	}

	for _, msg := range msgs {
		sourceID := int64(msg.ID)
		fields := mappingFieldsFrom(msg)

		mappingID, inserted, err := e.store.InsertPendingMapping(ctx, fc.src.ID, sourceID, fields)
		if err != nil {
			return err
		}
		if !inserted {
			existing, gerr := e.store.GetMapping(ctx, fc.src.ID, sourceID)
			if gerr != nil {
				return gerr
			}
			if existing == nil || existing.Status != db.MappingStatusPending {
				// Добрался до терминального статуса: вперёд без пересылки.
				if err := flush(); err != nil {
					return err
				}
				if sourceID > prog.lastProcessed {
					prog.lastProcessed = sourceID
				}
				continue
			}
			// Зависший pending: регистрация прошла, отправка — нет
			// (пауза или рестарт между вставкой и сбросом пачки).
			mappingID = existing.ID
		}

		if reason, skip := e.preSkipReason(ctx, fc.src, fields); skip {
			if err := e.store.MarkMappingSkipped(ctx, mappingID, reason, ""); err != nil {
				return err
			}
			metrics.MessagesSkipped.WithLabelValues(string(reason)).Inc()
			if err := flush(); err != nil {
				return err
			}
			if sourceID > prog.lastProcessed {
				prog.lastProcessed = sourceID
			}
			prog.current++
			continue
		}

		item := db.MessageMapping{ID: mappingID, SourceChannelID: fc.src.ID, SourceMessageID: sourceID, Text: msg.Message}
		gid, _ := msg.GetGroupedID()
		switch {
		case gid == 0:
			if err := flush(); err != nil {
				return err
			}
			batch = append(batch, item)
			if err := flush(); err != nil {
				return err
			}
		case gid != batchGroup:
			if err := flush(); err != nil {
				return err
			}
			batchGroup = gid
			batch = append(batch, item)
		default:
			batch = append(batch, item)
		}
	}
	return flush()
}
