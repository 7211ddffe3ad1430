package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/config"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/settings"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/telegram"
)

// fakeStore реализует подмножество Store, нужное тестам воркеров; остальные
// методы паникуют через встроенный нулевой интерфейс.
type fakeStore struct {
	Store

	mu sync.Mutex

	existing map[int64]*db.MessageMapping // дубли вставки по id сообщения
	inserted []int64
	success  map[string]int64
	skipped  map[string]db.SkipReason
	failed   map[string]int
	failResp int // что возвращает MarkMappingFailed

	pauses     []pauseCall
	taskFails  []string
	lastSync   int64
	edits      []editCall
	runtimeSt  *db.TaskRuntimeState
	resumed    []string
	resumeResp bool
}

type pauseCall struct {
	taskID string
	reason string
}

type editCall struct {
	mappingID string
	text      string
	editedAt  int64
	keep      bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		existing: make(map[int64]*db.MessageMapping),
		success:  make(map[string]int64),
		skipped:  make(map[string]db.SkipReason),
		failed:   make(map[string]int),
	}
}

func (f *fakeStore) InsertPendingMapping(_ context.Context, _ string, sourceMessageID int64, _ db.NewMappingFields) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, dup := f.existing[sourceMessageID]; dup {
		return "", false, nil
	}
	f.inserted = append(f.inserted, sourceMessageID)
	return fmt.Sprintf("map-%d", sourceMessageID), true, nil
}

func (f *fakeStore) GetMapping(_ context.Context, _ string, sourceMessageID int64) (*db.MessageMapping, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[sourceMessageID], nil
}

func (f *fakeStore) MarkMappingSuccess(_ context.Context, id string, mirrorMessageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.success[id] = mirrorMessageID
	return nil
}

func (f *fakeStore) MarkMappingSkipped(_ context.Context, id string, reason db.SkipReason, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.skipped[id] = reason
	return nil
}

func (f *fakeStore) MarkMappingFailed(_ context.Context, id string, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id]++
	return f.failResp, nil
}

func (f *fakeStore) MarkSourceProtected(context.Context, string) (bool, error) { return true, nil }

func (f *fakeStore) PauseTask(_ context.Context, id, reason string, _ *db.ProgressSnapshot) (*db.SyncTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses = append(f.pauses, pauseCall{taskID: id, reason: reason})
	return &db.SyncTask{ID: id, SourceChannelID: "src-1", TaskType: db.TaskTypeHistoryFull}, nil
}

func (f *fakeStore) FailTask(_ context.Context, id, _ string) (*db.SyncTask, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.taskFails = append(f.taskFails, id)
	return &db.SyncTask{ID: id, SourceChannelID: "src-1", TaskType: db.TaskTypeRealtime}, nil
}

func (f *fakeStore) UpdateTaskProgress(context.Context, string, *int64, *int64, *int64) error {
	return nil
}

func (f *fakeStore) UpdateSourceLastSync(_ context.Context, _ string, lastMessageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSync = lastMessageID
	return nil
}

func (f *fakeStore) ApplyEdit(_ context.Context, mappingID string, text string, editedAtUnix int64, keepHistory bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, editCall{mappingID: mappingID, text: text, editedAt: editedAtUnix, keep: keepHistory})
	return true, nil
}

func (f *fakeStore) GetTaskRuntimeState(context.Context, string) (*db.TaskRuntimeState, error) {
	return f.runtimeSt, nil
}

func (f *fakeStore) MarkPausedRunning(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, id)
	return f.resumeResp, nil
}

func (f *fakeStore) InsertEvent(context.Context, db.EventLevel, string, *string) error { return nil }
func (f *fakeStore) NotifyTask(context.Context, db.TaskNotification)                   {}

func (f *fakeStore) insertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

// fakeChat отвечает на пересылочные вызовы; id зеркальных сообщений растут
// от 1000.
type fakeChat struct {
	Chat

	mu           sync.Mutex
	forwardErr   error
	forwardCalls [][]int64
	sent         []string
	nextID       int64
}

func (f *fakeChat) ForwardAsCopy(_ context.Context, _, _ telegram.Peer, ids []int64) ([]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forwardCalls = append(f.forwardCalls, ids)
	if f.forwardErr != nil {
		return nil, f.forwardErr
	}
	out := make([]int64, len(ids))
	for i := range ids {
		f.nextID++
		out[i] = 1000 + f.nextID
	}
	return out, nil
}

func (f *fakeChat) SendText(_ context.Context, _ telegram.Peer, text string, _ int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	f.nextID++
	return 1000 + f.nextID, nil
}

func (f *fakeChat) DiscussionRoot(context.Context, telegram.Peer, int64) (telegram.Peer, int64, error) {
	return telegram.Peer{}, 0, errors.New("нет привязанного обсуждения")
}

func (f *fakeChat) EditMediaSpoiler(context.Context, telegram.Peer, int64, *tg.Message) error {
	return nil
}

func (f *fakeChat) forwardCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.forwardCalls)
}

// fakeSettings отдаёт фиксированные проекции настроек.
type fakeSettings struct {
	runtime settings.Runtime
	mirror  settings.Mirror
	runner  settings.TaskRunner
	retry   settings.Retry
}

func (f fakeSettings) Runtime(context.Context) settings.Runtime       { return f.runtime }
func (f fakeSettings) Mirror(context.Context) settings.Mirror         { return f.mirror }
func (f fakeSettings) TaskRunner(context.Context) settings.TaskRunner { return f.runner }
func (f fakeSettings) Retry(context.Context) settings.Retry           { return f.retry }
func (f fakeSettings) EffectiveKeywords(context.Context, *db.SourceChannel) []string {
	return nil
}

func defaultTestSettings() fakeSettings {
	return fakeSettings{
		runtime: settings.Runtime{SyncEdits: true, KeepHistory: true, SyncDeletions: true},
		mirror:  settings.Mirror{MaxFileSizeMB: 50, GroupMedia: true, SkipProtected: true, SyncVideo: true, AlbumBufferMS: 100},
		runner:  settings.TaskRunner{MaxConcurrentTasks: 3},
		retry:   settings.Retry{MaxRetries: 3, RetryIntervalSec: 300, SkipAfterMax: true},
	}
}

func testEngine(store *fakeStore, chat *fakeChat, s fakeSettings) *Engine {
	return NewEngine(store, chat, s, config.EnvConfig{FloodWaitMaxSec: 60})
}

func testTask(taskType db.TaskType) *db.SyncTask {
	return &db.SyncTask{ID: "task-1", SourceChannelID: "src-1", TaskType: taskType, Status: db.TaskStatusRunning}
}

func testFlushCtx(task *db.SyncTask, mode db.MirrorMode) flushCtx {
	chID, hash := int64(111), int64(222)
	return flushCtx{
		task: task,
		src: &db.SourceChannel{
			ID: "src-1", MirrorMode: mode, TGChannelID: &chID, AccessHash: &hash, IsActive: true,
		},
		srcPeer: telegram.Peer{ChannelID: 111, AccessHash: 222},
		mirPeer: telegram.Peer{ChannelID: 333, AccessHash: 444},
		snap:    func() *db.ProgressSnapshot { return nil },
	}
}

func historyMsg(id int, text string) *tg.Message {
	return &tg.Message{ID: id, Message: text, PeerID: &tg.PeerChannel{ChannelID: 111}, Date: 1700000000}
}

func TestFlushBatchForwardsAlbumAtOnce(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	chat := &fakeChat{}
	e := testEngine(store, chat, defaultTestSettings())
	fc := testFlushCtx(testTask(db.TaskTypeHistoryFull), db.MirrorModeForward)

	items := []db.MessageMapping{
		{ID: "m1", SourceChannelID: "src-1", SourceMessageID: 10},
		{ID: "m2", SourceChannelID: "src-1", SourceMessageID: 11},
	}
	if err := e.flushBatch(context.Background(), fc, items); err != nil {
		t.Fatalf("flushBatch error: %v", err)
	}

	if got := chat.forwardCount(); got != 1 {
		t.Fatalf("ForwardAsCopy called %d times, want 1", got)
	}
	if len(chat.forwardCalls[0]) != 2 {
		t.Fatalf("forwarded %d ids, want 2", len(chat.forwardCalls[0]))
	}
	for _, id := range []string{"m1", "m2"} {
		if store.success[id] == 0 {
			t.Fatalf("mapping %s not marked success", id)
		}
	}
}

func TestFlushBatchProtectedContentSkips(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	chat := &fakeChat{forwardErr: tgerr.New(406, "CHAT_FORWARDS_RESTRICTED")}
	e := testEngine(store, chat, defaultTestSettings())
	fc := testFlushCtx(testTask(db.TaskTypeHistoryFull), db.MirrorModeForward)

	items := []db.MessageMapping{{ID: "m1", SourceChannelID: "src-1", SourceMessageID: 10}}
	if err := e.flushBatch(context.Background(), fc, items); err != nil {
		t.Fatalf("flushBatch error: %v", err)
	}

	if got := store.skipped["m1"]; got != db.SkipReasonProtectedContent {
		t.Fatalf("skip reason = %q, want protected_content", got)
	}
	if len(store.pauses) != 0 {
		t.Fatalf("task paused unexpectedly: %v", store.pauses)
	}
}

func TestFlushBatchProtectedContentPausesWhenSkipDisabled(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	chat := &fakeChat{forwardErr: tgerr.New(406, "CHAT_FORWARDS_RESTRICTED")}
	s := defaultTestSettings()
	s.mirror.SkipProtected = false
	e := testEngine(store, chat, s)
	fc := testFlushCtx(testTask(db.TaskTypeHistoryFull), db.MirrorModeForward)

	items := []db.MessageMapping{{ID: "m1", SourceChannelID: "src-1", SourceMessageID: 10}}
	err := e.flushBatch(context.Background(), fc, items)
	if err != errTaskPaused {
		t.Fatalf("flushBatch = %v, want errTaskPaused", err)
	}

	if store.failed["m1"] != 1 {
		t.Fatalf("mapping m1 failed %d times, want 1", store.failed["m1"])
	}
	if len(store.pauses) != 1 || store.pauses[0].taskID != "task-1" {
		t.Fatalf("pause calls = %v, want one for task-1", store.pauses)
	}
}

func TestFlushBatchFloodWaitBeyondMaxPausesTask(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	chat := &fakeChat{forwardErr: errors.New("FLOOD_WAIT_120")}
	e := testEngine(store, chat, defaultTestSettings()) // максимум 60 секунд
	fc := testFlushCtx(testTask(db.TaskTypeHistoryFull), db.MirrorModeForward)

	items := []db.MessageMapping{{ID: "m1", SourceChannelID: "src-1", SourceMessageID: 10}}
	err := e.flushBatch(context.Background(), fc, items)
	if err != errTaskPaused {
		t.Fatalf("flushBatch = %v, want errTaskPaused", err)
	}

	if len(store.pauses) != 1 {
		t.Fatalf("pause calls = %d, want 1", len(store.pauses))
	}
	if got := store.pauses[0].reason; got != "FLOOD_WAIT_120" {
		t.Fatalf("pause reason = %q, want FLOOD_WAIT_120", got)
	}
}

func TestFlushBatchRetryExhaustionSkips(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.failResp = 2
	chat := &fakeChat{forwardErr: errors.New("MEDIA_EMPTY")}
	e := testEngine(store, chat, defaultTestSettings())

	fc := testFlushCtx(testTask(db.TaskTypeRetryFailed), db.MirrorModeForward)
	fc.retry = &settings.Retry{MaxRetries: 2, SkipAfterMax: true}

	items := []db.MessageMapping{{ID: "m1", SourceChannelID: "src-1", SourceMessageID: 10}}
	if err := e.flushBatch(context.Background(), fc, items); err != nil {
		t.Fatalf("flushBatch error: %v", err)
	}

	if got := store.skipped["m1"]; got != db.SkipReasonTooManyRetries {
		t.Fatalf("skip reason = %q, want failed_too_many_times", got)
	}
	if len(store.pauses) != 0 {
		t.Fatalf("retry-воркер не должен паузить задачу: %v", store.pauses)
	}
}

func TestScanRoundResendsStuckPending(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.existing[10] = &db.MessageMapping{
		ID: "stuck", SourceChannelID: "src-1", SourceMessageID: 10, Status: db.MappingStatusPending,
	}
	chat := &fakeChat{}
	e := testEngine(store, chat, defaultTestSettings())
	fc := testFlushCtx(testTask(db.TaskTypeHistoryFull), db.MirrorModeForward)

	prog := &progressTracker{lastWrite: time.Now()}
	msgs := []*tg.Message{historyMsg(10, "застрявший"), historyMsg(11, "новый")}
	if err := e.scanRound(context.Background(), fc, msgs, prog); err != nil {
		t.Fatalf("scanRound error: %v", err)
	}

	// Зависший pending дослан под старым id маппинга, новый — под новым.
	if store.success["stuck"] == 0 {
		t.Fatal("застрявший pending-маппинг не переслан")
	}
	if store.success["map-11"] == 0 {
		t.Fatal("новое сообщение не переслано")
	}
	if prog.lastProcessed != 11 {
		t.Fatalf("lastProcessed = %d, want 11", prog.lastProcessed)
	}
}

func TestScanRoundSkipsTerminalDuplicate(t *testing.T) {
	t.Parallel()

	store := newFakeStore()
	store.existing[10] = &db.MessageMapping{
		ID: "done", SourceChannelID: "src-1", SourceMessageID: 10, Status: db.MappingStatusSuccess,
	}
	chat := &fakeChat{}
	e := testEngine(store, chat, defaultTestSettings())
	fc := testFlushCtx(testTask(db.TaskTypeHistoryFull), db.MirrorModeForward)

	prog := &progressTracker{lastWrite: time.Now()}
	if err := e.scanRound(context.Background(), fc, []*tg.Message{historyMsg(10, "дубль")}, prog); err != nil {
		t.Fatalf("scanRound error: %v", err)
	}

	if got := chat.forwardCount(); got != 0 {
		t.Fatalf("ForwardAsCopy called %d times for terminal duplicate, want 0", got)
	}
	if prog.lastProcessed != 10 {
		t.Fatalf("lastProcessed = %d, want 10", prog.lastProcessed)
	}
}
