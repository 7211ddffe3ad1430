package mirror

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/metrics"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/telegram"
)

// pauseReasonSourceInactive — операторская пауза; только её Ensure снимает
// сам, остальные причины ждут планировщик возобновления или оператора.
const pauseReasonSourceInactive = "приостановлено пользователем"

// subscription — активная realtime-подписка одного источника.
type subscription struct {
	taskID  string
	fc      flushCtx
	srcDisc telegram.Peer // обсуждение источника (нулевой — не привязано)
	hasDisc bool

	mu         sync.Mutex
	suppressed bool // источник выключен: события игнорируются, подписка жива
}

func (s *subscription) setSuppressed(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suppressed = v
}

func (s *subscription) isSuppressed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suppressed
}

// Realtime — менеджер realtime-подписок: одна подписка на источник с
// активной realtime-задачей, общие обработчики правок и удалений.
type Realtime struct {
	e *Engine

	mu           sync.Mutex
	bySource     map[string]*subscription
	byChannel    map[int64]*subscription // tg id источника → подписка
	byDiscussion map[int64]*subscription // tg id обсуждения источника → подписка

	albums *albumBuffer

	// Контекст обработчиков апдейтов: живёт, пока жив клиент.
	runCtx context.Context
}

func NewRealtime(e *Engine) *Realtime {
	return &Realtime{
		e:            e,
		bySource:     make(map[string]*subscription),
		byChannel:    make(map[int64]*subscription),
		byDiscussion: make(map[int64]*subscription),
		albums:       newAlbumBuffer(),
	}
}

// Attach регистрирует общие обработчики апдейтов. Вызывается один раз до
// старта клиента.
func (r *Realtime) Attach(ctx context.Context, dispatcher *tg.UpdateDispatcher) {
	r.runCtx = ctx
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		msg, ok := u.Message.(*tg.Message)
		if !ok {
			return nil
		}
		r.handleNewMessage(ctx, msg)
		return nil
	})
	dispatcher.OnEditChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateEditChannelMessage) error {
		msg, ok := u.Message.(*tg.Message)
		if !ok {
			return nil
		}
		r.handleEdit(ctx, msg)
		return nil
	})
	dispatcher.OnDeleteChannelMessages(func(ctx context.Context, e tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
		r.handleDeletes(ctx, u.ChannelID, u.Messages)
		return nil
	})
}

// Ensure — тик супервизора: выравнивает множество подписок по состоянию
// realtime-задач в БД.
func (r *Realtime) Ensure(ctx context.Context) {
	tasks, err := r.e.store.ListTasksByType(ctx, db.TaskTypeRealtime,
		db.TaskStatusPending, db.TaskStatusRunning, db.TaskStatusPaused)
	if err != nil {
		logger.Warnf("realtime: список задач: %v", err)
		return
	}

	seen := make(map[string]bool, len(tasks))
	for i := range tasks {
		task := &tasks[i]
		seen[task.SourceChannelID] = true
		r.ensureOne(ctx, task)
	}

	// Подписки без живой задачи демонтируются.
	r.mu.Lock()
	for sourceID, sub := range r.bySource {
		if !seen[sourceID] {
			r.dropLocked(sourceID, sub)
		}
	}
	r.mu.Unlock()
}

func (r *Realtime) ensureOne(ctx context.Context, task *db.SyncTask) {
	r.mu.Lock()
	sub := r.bySource[task.SourceChannelID]
	r.mu.Unlock()

	st, err := r.e.store.GetTaskRuntimeState(ctx, task.ID)
	if err != nil || st == nil {
		return
	}

	switch task.Status {
	case db.TaskStatusPending:
		// Гейт: пока по источнику идёт (или ждёт) бэкфилл, подписка не стартует.
		blocked, berr := r.e.store.HistoryBlocksRealtime(ctx, task.SourceChannelID)
		if berr != nil || blocked {
			return
		}
		if !st.SourceActive {
			return
		}
		if sub == nil {
			sub, err = r.subscribe(ctx, task)
			if err != nil {
				logger.Warnf("realtime: подписка на %s: %v", task.SourceChannelID, err)
				return
			}
		}
		if ok, aerr := r.e.store.ActivateTask(ctx, task.ID); aerr != nil || !ok {
			return
		}
		sub.taskID = task.ID
		sub.setSuppressed(false)
		r.e.notifyTransition(ctx, task, db.TaskStatusRunning)
		r.e.event(ctx, db.EventLevelInfo, &task.SourceChannelID, "realtime-подписка на %s активна", task.SourceChannelID)

	case db.TaskStatusRunning:
		if sub == nil {
			// Процесс перезапущен в обход RequeueRunningTasks — восстанавливаем.
			sub, err = r.subscribe(ctx, task)
			if err != nil {
				logger.Warnf("realtime: восстановление подписки %s: %v", task.SourceChannelID, err)
				return
			}
			sub.taskID = task.ID
		}
		if !st.SourceActive && !sub.isSuppressed() {
			sub.setSuppressed(true)
			r.e.pauseTask(ctx, task.ID, pauseReasonSourceInactive, nil)
		}

	case db.TaskStatusPaused:
		if sub == nil || !st.SourceActive || !sub.isSuppressed() {
			return
		}
		// Снимается только операторская пауза: FLOOD_WAIT разбирает
		// планировщик возобновления, ошибки пересылки ждут оператора.
		if task.LastError == nil || *task.LastError != pauseReasonSourceInactive {
			return
		}
		// Источник вернулся: paused → running без пересоздания подписки.
		if ok, merr := r.e.store.MarkPausedRunning(ctx, task.ID); merr == nil && ok {
			sub.setSuppressed(false)
			r.e.notifyTransition(ctx, task, db.TaskStatusRunning)
			r.e.event(ctx, db.EventLevelInfo, &task.SourceChannelID, "realtime-подписка на %s возобновлена", task.SourceChannelID)
		}
	}
}

// subscribe строит подписку: контекст пересылки плюс обсуждение источника
// для зеркалирования комментариев.
func (r *Realtime) subscribe(ctx context.Context, task *db.SyncTask) (*subscription, error) {
	fc, err := r.e.loadFlushCtx(ctx, task)
	if err != nil {
		return nil, err
	}
	sub := &subscription{taskID: task.ID, fc: fc}

	if r.e.env.SyncComments {
		if disc, ok, derr := r.e.tg.LinkedDiscussion(ctx, fc.srcPeer); derr != nil {
			logger.Debugf("realtime: обсуждение источника %s: %v", fc.src.ID, derr)
		} else if ok {
			sub.srcDisc = disc
			sub.hasDisc = true
		}
	}

	r.mu.Lock()
	r.bySource[fc.src.ID] = sub
	r.byChannel[fc.srcPeer.ChannelID] = sub
	if sub.hasDisc {
		r.byDiscussion[sub.srcDisc.ChannelID] = sub
	}
	r.mu.Unlock()
	metrics.RealtimeSubscriptions.Set(float64(len(r.bySource)))
	return sub, nil
}

func (r *Realtime) dropLocked(sourceID string, sub *subscription) {
	delete(r.bySource, sourceID)
	delete(r.byChannel, sub.fc.srcPeer.ChannelID)
	if sub.hasDisc {
		delete(r.byDiscussion, sub.srcDisc.ChannelID)
	}
	metrics.RealtimeSubscriptions.Set(float64(len(r.bySource)))
}

func (r *Realtime) lookupChannel(channelID int64) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byChannel[channelID]
}

func (r *Realtime) lookupDiscussion(channelID int64) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byDiscussion[channelID]
}

// handleNewMessage — новое сообщение источника или его обсуждения.
func (r *Realtime) handleNewMessage(ctx context.Context, msg *tg.Message) {
	peerCh, ok := msg.PeerID.(*tg.PeerChannel)
	if !ok {
		return
	}

	if sub := r.lookupChannel(peerCh.ChannelID); sub != nil {
		if !sub.isSuppressed() {
			r.mirrorNewPost(ctx, sub, msg)
		}
		return
	}
	if sub := r.lookupDiscussion(peerCh.ChannelID); sub != nil {
		if !sub.isSuppressed() {
			r.mirrorComment(ctx, sub, msg)
		}
	}
}

// mirrorNewPost зеркалит свежий пост: предварительные решения, регистрация
// маппинга, альбомная буферизация или немедленная пересылка.
func (r *Realtime) mirrorNewPost(ctx context.Context, sub *subscription, msg *tg.Message) {
	e := r.e
	fields := mappingFieldsFrom(msg)
	sourceID := int64(msg.ID)

	mappingID, inserted, err := e.store.InsertPendingMapping(ctx, sub.fc.src.ID, sourceID, fields)
	if err != nil {
		logger.Errorf("realtime: регистрация маппинга %d: %v", sourceID, err)
		return
	}
	if !inserted {
		existing, gerr := e.store.GetMapping(ctx, sub.fc.src.ID, sourceID)
		if gerr != nil || existing == nil || existing.Status != db.MappingStatusPending {
			return
		}
		// Зависший pending после рестарта: досылаем.
		mappingID = existing.ID
	}

	if reason, skip := e.preSkipReason(ctx, sub.fc.src, fields); skip {
		if mErr := e.store.MarkMappingSkipped(ctx, mappingID, reason, ""); mErr != nil {
			logger.Errorf("realtime: пропуск маппинга %s: %v", mappingID, mErr)
		}
		metrics.MessagesSkipped.WithLabelValues(string(reason)).Inc()
		return
	}

	item := albumItem{
		Mapping: db.MessageMapping{ID: mappingID, SourceChannelID: sub.fc.src.ID, SourceMessageID: sourceID, Text: msg.Message},
		Msg:     msg,
	}

	gid, _ := msg.GetGroupedID()
	mrr := e.settings.Mirror(ctx)
	if gid != 0 && mrr.GroupMedia {
		delay := time.Duration(mrr.AlbumBufferMS) * time.Millisecond
		key := albumKey{SourceID: sub.fc.src.ID, GroupID: gid}
		r.albums.Add(key, item, delay, func(items []albumItem) {
			r.flushRealtime(r.runCtx, sub, items)
		})
		return
	}
	r.flushRealtime(ctx, sub, []albumItem{item})
}

// flushRealtime сбрасывает единицу пересылки (пост или альбом) и выполняет
// постобработку: спойлеры и учёт последнего синхронизированного id.
func (r *Realtime) flushRealtime(ctx context.Context, sub *subscription, items []albumItem) {
	e := r.e
	batch := make([]db.MessageMapping, len(items))
	for i, it := range items {
		batch[i] = it.Mapping
	}

	if err := e.flushBatch(ctx, sub.fc, batch); err != nil {
		if ctx.Err() != nil {
			return
		}
		// Задача встала (пауза или провал) — подписка замолкает, пока
		// Ensure не активирует её заново.
		sub.setSuppressed(true)
		if err != errTaskPaused {
			e.failTask(ctx, sub.taskID, err)
		}
		return
	}

	maxID := int64(0)
	for _, it := range items {
		if it.Mapping.SourceMessageID > maxID {
			maxID = it.Mapping.SourceMessageID
		}
		if hasSpoiler(it.Msg) {
			r.respoiler(ctx, sub, it)
		}
	}
	if err := e.store.UpdateSourceLastSync(ctx, sub.fc.src.ID, maxID); err != nil {
		logger.Warnf("realtime: last_synced источника %s: %v", sub.fc.src.ID, err)
	}
}

// respoiler восстанавливает спойлер на зеркальном сообщении.
func (r *Realtime) respoiler(ctx context.Context, sub *subscription, it albumItem) {
	mirrorID, err := r.e.store.MirrorMessageID(ctx, sub.fc.src.ID, it.Mapping.SourceMessageID)
	if err != nil || mirrorID == 0 {
		return
	}
	if err := r.e.tg.EditMediaSpoiler(ctx, sub.fc.mirPeer, mirrorID, it.Msg); err != nil {
		logger.Debugf("realtime: спойлер для %d: %v", mirrorID, err)
	}
}

// handleEdit фиксирует правку поста источника в маппинге и, при
// keep_edit_history, в журнале версий. Само зеркальное сообщение не
// переписывается.
func (r *Realtime) handleEdit(ctx context.Context, msg *tg.Message) {
	peerCh, ok := msg.PeerID.(*tg.PeerChannel)
	if !ok {
		return
	}
	sub := r.lookupChannel(peerCh.ChannelID)
	if sub == nil || sub.isSuppressed() {
		return
	}

	e := r.e
	rt := e.settings.Runtime(ctx)
	if !rt.SyncEdits {
		return
	}

	mapping, err := e.store.GetMapping(ctx, sub.fc.src.ID, int64(msg.ID))
	if err != nil || mapping == nil {
		return
	}

	editDate, ok := msg.GetEditDate()
	if !ok {
		return
	}
	if _, err := e.store.ApplyEdit(ctx, mapping.ID, msg.Message, int64(editDate), rt.KeepHistory); err != nil {
		logger.Warnf("realtime: правка маппинга %s: %v", mapping.ID, err)
	}
}

// handleDeletes отражает удаления постов источника.
func (r *Realtime) handleDeletes(ctx context.Context, channelID int64, messageIDs []int) {
	sub := r.lookupChannel(channelID)
	if sub == nil || sub.isSuppressed() {
		return
	}
	e := r.e
	if !e.settings.Runtime(ctx).SyncDeletions {
		return
	}

	ids := make([]int64, len(messageIDs))
	for i, id := range messageIDs {
		ids[i] = int64(id)
	}
	mirrorIDs, err := e.store.MarkMappingsDeleted(ctx, sub.fc.src.ID, ids)
	if err != nil {
		logger.Warnf("realtime: пометка удалений: %v", err)
		return
	}
	if len(mirrorIDs) == 0 {
		return
	}
	if err := e.tg.DeleteMessages(ctx, sub.fc.mirPeer, mirrorIDs); err != nil {
		logger.Warnf("realtime: удаление зеркальных сообщений: %v", err)
	}
}

// mirrorComment переносит комментарий из обсуждения источника в обсуждение
// зеркала, восстановив цепочку пост → тред.
func (r *Realtime) mirrorComment(ctx context.Context, sub *subscription, msg *tg.Message) {
	e := r.e
	dedupeKey := fmt.Sprintf("%s:%d", sub.fc.src.ID, msg.ID)
	if e.discussionIDs.Seen(dedupeKey) {
		return
	}

	postID, ok := r.sourcePostForComment(ctx, sub, msg)
	if !ok {
		return
	}
	mirrorPostID, err := e.store.MirrorMessageID(ctx, sub.fc.src.ID, postID)
	if err != nil || mirrorPostID == 0 {
		return
	}
	groupPeer, rootID, err := e.tg.DiscussionRoot(ctx, sub.fc.mirPeer, mirrorPostID)
	if err != nil {
		logger.Debugf("realtime: обсуждение зеркала для поста %d: %v", mirrorPostID, err)
		return
	}

	gid, _ := msg.GetGroupedID()
	if gid != 0 && e.settings.Mirror(ctx).GroupMedia {
		delay := time.Duration(e.settings.Mirror(ctx).AlbumBufferMS) * time.Millisecond
		r.albums.Add(albumKey{SourceID: "comment:" + sub.fc.src.ID, GroupID: gid},
			albumItem{Mapping: db.MessageMapping{SourceMessageID: int64(msg.ID)}, Msg: msg},
			delay,
			func(items []albumItem) {
				msgs := make([]*tg.Message, len(items))
				for i, it := range items {
					msgs[i] = it.Msg
				}
				if _, aerr := e.tg.CopyAlbum(r.runCtx, groupPeer, msgs, rootID); aerr != nil {
					logger.Warnf("realtime: альбом-комментарий: %v", aerr)
					return
				}
				for _, it := range items {
					e.discussionIDs.Add(fmt.Sprintf("%s:%d", sub.fc.src.ID, it.Mapping.SourceMessageID))
				}
			})
		return
	}

	var sendErr error
	switch {
	case msg.Media != nil:
		_, sendErr = e.tg.CopyMessage(ctx, groupPeer, msg, rootID)
	case msg.Message != "":
		_, sendErr = e.tg.SendText(ctx, groupPeer, msg.Message, rootID)
	default:
		return
	}
	if sendErr != nil {
		logger.Warnf("realtime: комментарий %d: %v", msg.ID, sendErr)
		return
	}
	e.discussionIDs.Add(dedupeKey)
}

// sourcePostForComment восстанавливает id исходного поста по комментарию:
// корень треда в обсуждении — автофорвард поста, его FwdFrom указывает на
// номер поста в канале.
func (r *Realtime) sourcePostForComment(ctx context.Context, sub *subscription, msg *tg.Message) (int64, bool) {
	reply, ok := msg.GetReplyTo()
	if !ok {
		return 0, false
	}
	header, ok := reply.(*tg.MessageReplyHeader)
	if !ok {
		return 0, false
	}
	rootID := header.ReplyToTopID
	if rootID == 0 {
		rootID = header.ReplyToMsgID
	}
	if rootID == 0 {
		return 0, false
	}

	roots, err := r.e.tg.GetMessages(ctx, sub.srcDisc, []int64{int64(rootID)})
	if err != nil || len(roots) == 0 {
		return 0, false
	}
	fwd, ok := roots[0].GetFwdFrom()
	if !ok || fwd.ChannelPost == 0 {
		return 0, false
	}
	return int64(fwd.ChannelPost), true
}
