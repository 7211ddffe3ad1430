package mirror

import (
	"context"
	"time"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
)

const retryFetchLimit = 200

// runRetry — воркер задачи retry_failed: повторная пересылка failed-маппингов
// источника в восходящем порядке. При max_retries=0 задача завершается сразу.
func (e *Engine) runRetry(ctx context.Context, task *db.SyncTask) error {
	fc, err := e.loadFlushCtx(ctx, task)
	if err != nil {
		return err
	}

	rpol := e.settings.Retry(ctx)
	if rpol.MaxRetries == 0 {
		return nil
	}
	fc.retry = &rpol

	prog := &progressTracker{lastWrite: time.Now()}
	if task.LastProcessedID != nil {
		prog.lastProcessed = *task.LastProcessedID
	}
	if task.ProgressCurrent != nil {
		prog.current = *task.ProgressCurrent
	}
	fc.snap = prog.snapshot

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

		maps, err := e.store.ListRetryableMappings(ctx, fc.src.ID, rpol.MaxRetries, prog.lastProcessed, retryFetchLimit)
		if err != nil {
			return err
		}
		if len(maps) == 0 {
			break
		}

		for _, unit := range groupAdjacent(maps, fc.src.MirrorMode) {
			if err := e.flushBatch(ctx, fc, unit); err != nil {
				return err
			}
			for _, it := range unit {
				if it.SourceMessageID > prog.lastProcessed {
					prog.lastProcessed = it.SourceMessageID
				}
				prog.current++
			}
			if prog.due() {
				prog.persist(ctx, e.store, task.ID)
			}
		}
	}

	prog.persist(ctx, e.store, task.ID)
	return nil
}

// groupAdjacent режет отсортированный список маппингов на единицы пересылки:
// в режиме forward смежные элементы одного media_group_id образуют альбом,
// в режиме copy каждый элемент отправляется отдельно.
func groupAdjacent(maps []db.MessageMapping, mode db.MirrorMode) [][]db.MessageMapping {
	var out [][]db.MessageMapping
	if mode != db.MirrorModeForward {
		for _, m := range maps {
			out = append(out, []db.MessageMapping{m})
		}
		return out
	}

	var cur []db.MessageMapping
	var curGroup int64
	flush := func() {
		if len(cur) > 0 {
			out = append(out, cur)
			cur = nil
		}
	}
	for _, m := range maps {
		var gid int64
		if m.MediaGroupID != nil {
			gid = *m.MediaGroupID
		}
		if gid == 0 {
			flush()
			out = append(out, []db.MessageMapping{m})
			curGroup = 0
			continue
		}
		if gid != curGroup {
			flush()
			curGroup = gid
		}
		cur = append(cur, m)
	}
	flush()
	return out
}
