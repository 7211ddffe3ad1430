package mirror

import (
	"context"
	"testing"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
)

// testRealtime собирает менеджер с одной зарегистрированной подпиской,
// минуя Ensure.
func testRealtime(e *Engine, fc flushCtx) (*Realtime, *subscription) {
	r := NewRealtime(e)
	r.runCtx = context.Background()
	sub := &subscription{taskID: fc.task.ID, fc: fc}
	r.bySource[fc.src.ID] = sub
	r.byChannel[fc.srcPeer.ChannelID] = sub
	return r, sub
}

func channelMsg(id int, text string) *tg.Message {
	return &tg.Message{ID: id, Message: text, PeerID: &tg.PeerChannel{ChannelID: 111}, Date: 1700000000}
}

func TestRealtimeSuppressedAfterErrorPause(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	chat := &fakeChat{forwardErr: tgerr.New(406, "CHAT_FORWARDS_RESTRICTED")}
	s := defaultTestSettings()
	s.mirror.SkipProtected = false
	e := testEngine(store, chat, s)
	r, sub := testRealtime(e, testFlushCtx(testTask(db.TaskTypeRealtime), db.MirrorModeForward))

	r.handleNewMessage(context.Background(), channelMsg(5, "первый"))

	if len(store.pauses) != 1 {
		t.Fatalf("pause calls = %d, want 1", len(store.pauses))
	}
	if !sub.isSuppressed() {
		t.Fatal("подписка не замолчала после паузы задачи")
	}

	// Следующие посты до возобновления задачи игнорируются целиком.
	before := store.insertCount()
	r.handleNewMessage(context.Background(), channelMsg(6, "второй"))
	if got := store.insertCount(); got != before {
		t.Fatalf("приостановленная подписка зарегистрировала маппинг: %d -> %d", before, got)
	}
}

func TestRealtimeResendsStuckPending(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.existing[7] = &db.MessageMapping{
		ID: "stuck", SourceChannelID: "src-1", SourceMessageID: 7, Status: db.MappingStatusPending,
	}
	chat := &fakeChat{}
	e := testEngine(store, chat, defaultTestSettings())
	r, _ := testRealtime(e, testFlushCtx(testTask(db.TaskTypeRealtime), db.MirrorModeForward))

	r.handleNewMessage(context.Background(), channelMsg(7, "повторная доставка"))

	if store.success["stuck"] == 0 {
		t.Fatal("застрявший pending-маппинг не дослан")
	}
	if store.lastSync != 7 {
		t.Fatalf("last_synced = %d, want 7", store.lastSync)
	}
}

func TestRealtimeIgnoresTerminalDuplicate(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.existing[7] = &db.MessageMapping{
		ID: "done", SourceChannelID: "src-1", SourceMessageID: 7, Status: db.MappingStatusSuccess,
	}
	chat := &fakeChat{}
	e := testEngine(store, chat, defaultTestSettings())
	r, _ := testRealtime(e, testFlushCtx(testTask(db.TaskTypeRealtime), db.MirrorModeForward))

	r.handleNewMessage(context.Background(), channelMsg(7, "дубль"))

	if got := chat.forwardCount(); got != 0 {
		t.Fatalf("ForwardAsCopy called %d times for terminal duplicate, want 0", got)
	}
}

func TestRealtimeEditRecordedWithoutRewrite(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.existing[9] = &db.MessageMapping{
		ID: "m9", SourceChannelID: "src-1", SourceMessageID: 9, Status: db.MappingStatusSuccess,
	}
	chat := &fakeChat{}
	e := testEngine(store, chat, defaultTestSettings())
	r, _ := testRealtime(e, testFlushCtx(testTask(db.TaskTypeRealtime), db.MirrorModeForward))

	msg := channelMsg(9, "новый текст")
	msg.SetEditDate(1700000100)
	r.handleEdit(context.Background(), msg)

	if len(store.edits) != 1 {
		t.Fatalf("ApplyEdit calls = %d, want 1", len(store.edits))
	}
	got := store.edits[0]
	if got.mappingID != "m9" || got.text != "новый текст" || got.editedAt != 1700000100 || !got.keep {
		t.Fatalf("ApplyEdit args = %+v", got)
	}
	// Правка только фиксируется: зеркальное сообщение не трогаем.
	if chat.forwardCount() != 0 || len(chat.sent) != 0 {
		t.Fatal("правка вызвала пересылку в зеркало")
	}
}

func TestRealtimeEditIgnoredWhenDisabled(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.existing[9] = &db.MessageMapping{ID: "m9", SourceChannelID: "src-1", SourceMessageID: 9}
	chat := &fakeChat{}
	s := defaultTestSettings()
	s.runtime.SyncEdits = false
	e := testEngine(store, chat, s)
	r, _ := testRealtime(e, testFlushCtx(testTask(db.TaskTypeRealtime), db.MirrorModeForward))

	msg := channelMsg(9, "новый текст")
	msg.SetEditDate(1700000100)
	r.handleEdit(context.Background(), msg)

	if len(store.edits) != 0 {
		t.Fatalf("ApplyEdit calls = %d, want 0 при выключенном sync_edits", len(store.edits))
	}
}

func TestEnsureOneResumesOnlyOperatorPause(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.resumeResp = true
	store.runtimeSt = &db.TaskRuntimeState{Status: db.TaskStatusPaused, SourceActive: true}
	chat := &fakeChat{}
	e := testEngine(store, chat, defaultTestSettings())
	fc := testFlushCtx(testTask(db.TaskTypeRealtime), db.MirrorModeForward)
	r, sub := testRealtime(e, fc)
	sub.setSuppressed(true)

	// FLOOD_WAIT-паузу разбирает планировщик возобновления, не Ensure.
	flood := "FLOOD_WAIT_60"
	task := &db.SyncTask{
		ID: fc.task.ID, SourceChannelID: fc.src.ID, TaskType: db.TaskTypeRealtime,
		Status: db.TaskStatusPaused, LastError: &flood,
	}
	r.ensureOne(context.Background(), task)
	if len(store.resumed) != 0 {
		t.Fatalf("flood-пауза возобновлена через Ensure: %v", store.resumed)
	}
	if !sub.isSuppressed() {
		t.Fatal("подписка ожила при flood-паузе")
	}

	// Операторская пауза снимается, как только источник снова активен.
	operator := pauseReasonSourceInactive
	task.LastError = &operator
	r.ensureOne(context.Background(), task)
	if len(store.resumed) != 1 {
		t.Fatalf("resume calls = %d, want 1", len(store.resumed))
	}
	if sub.isSuppressed() {
		t.Fatal("подписка осталась приглушённой после возобновления")
	}
}
