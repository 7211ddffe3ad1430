// Package settings — типизированный доступ к операторским настройкам из
// таблицы app_setting. Значения хранятся JSON-блобами по группам; каждая
// проекция кэшируется на пять секунд, а последняя удачно прочитанная версия
// хранится бессрочно и служит фолбэком при недоступной базе.
package settings

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
)

// Ключи групп настроек в app_setting.
const (
	keyRuntime    = "runtime_settings"
	keyMirror     = "mirror_settings"
	keyFilter     = "message_filter"
	keyTaskRunner = "task_runner"
	keyRetry      = "retry_settings"
)

const (
	cacheTTL         = 5 * time.Second
	errorLogInterval = time.Minute
)

// Runtime — поведение синхронизации: что делать с правками, историей и
// удалениями источника.
type Runtime struct {
	SyncEdits     bool `json:"sync_edits"`
	KeepHistory   bool `json:"keep_history"`
	SyncDeletions bool `json:"sync_deletions"`
}

// Mirror — поведение пересылки.
type Mirror struct {
	IntervalMS    int  `json:"interval_ms"`
	MaxFileSizeMB int  `json:"max_file_size_mb"`
	GroupMedia    bool `json:"group_media"`
	SkipProtected bool `json:"skip_protected"`
	SyncVideo     bool `json:"sync_video"`
	AlbumBufferMS int  `json:"album_buffer_ms"`
}

// Filter — глобальный фильтр сообщений по ключевым словам.
type Filter struct {
	Enabled  bool   `json:"enabled"`
	Keywords string `json:"keywords"`
}

// TaskRunner — параметры супервизора.
type TaskRunner struct {
	MaxConcurrentTasks int `json:"max_concurrent_tasks"`
}

// Retry — политика повторов неудачных пересылок.
type Retry struct {
	MaxRetries       int  `json:"max_retries"`
	RetryIntervalSec int  `json:"retry_interval_sec"`
	SkipAfterMax     bool `json:"skip_after_max"`
}

// Значения по умолчанию действуют, пока оператор не записал свои и фолбэка
// ещё нет.
func defaultRuntime() Runtime { return Runtime{SyncEdits: true, KeepHistory: true, SyncDeletions: true} }
func defaultMirror() Mirror {
	return Mirror{IntervalMS: 1000, MaxFileSizeMB: 50, GroupMedia: true, SkipProtected: true, SyncVideo: true, AlbumBufferMS: 2500}
}
func defaultFilter() Filter         { return Filter{} }
func defaultTaskRunner() TaskRunner { return TaskRunner{MaxConcurrentTasks: 3} }
func defaultRetry() Retry {
	return Retry{MaxRetries: 3, RetryIntervalSec: 300, SkipAfterMax: true}
}

// Service читает проекции настроек через двухуровневый кэш.
type Service struct {
	store *db.Store

	fresh    *gocache.Cache // TTL 5 секунд
	lastGood *gocache.Cache // без истечения, фолбэк при ошибках БД

	errLogMu   sync.Mutex
	errLogLast time.Time
}

func New(store *db.Store) *Service {
	return &Service{
		store:    store,
		fresh:    gocache.New(cacheTTL, 2*cacheTTL),
		lastGood: gocache.New(gocache.NoExpiration, 0),
	}
}

// load читает группу key из базы, раскладывает JSON в dst и обновляет оба
// уровня кэша. При ошибке возвращает последнее удачное значение, а при его
// отсутствии — fallback; жалоба в лог — не чаще раза в минуту.
func load[T any](ctx context.Context, s *Service, key string, fallback T) T {
	if v, ok := s.fresh.Get(key); ok {
		return v.(T)
	}

	raw, found, err := s.store.GetSettingRaw(ctx, key)
	if err != nil {
		s.logReadError(key, err)
		if v, ok := s.lastGood.Get(key); ok {
			return v.(T)
		}
		return fallback
	}

	value := fallback
	if found {
		if uerr := json.Unmarshal([]byte(raw), &value); uerr != nil {
			s.logReadError(key, uerr)
			value = fallback
		}
	}
	s.fresh.Set(key, value, cacheTTL)
	s.lastGood.Set(key, value, gocache.NoExpiration)
	return value
}

func (s *Service) logReadError(key string, err error) {
	s.errLogMu.Lock()
	defer s.errLogMu.Unlock()
	if time.Since(s.errLogLast) < errorLogInterval {
		return
	}
	s.errLogLast = time.Now()
	logger.Warnf("настройки %q недоступны, работаю на кэше: %v", key, err)
}

func (s *Service) Runtime(ctx context.Context) Runtime {
	return load(ctx, s, keyRuntime, defaultRuntime())
}

func (s *Service) Mirror(ctx context.Context) Mirror {
	m := load(ctx, s, keyMirror, defaultMirror())
	if m.IntervalMS < 0 {
		m.IntervalMS = 0
	}
	if m.MaxFileSizeMB <= 0 {
		m.MaxFileSizeMB = defaultMirror().MaxFileSizeMB
	}
	if m.AlbumBufferMS < 200 {
		m.AlbumBufferMS = 200
	}
	if m.AlbumBufferMS > 10000 {
		m.AlbumBufferMS = 10000
	}
	return m
}

func (s *Service) Filter(ctx context.Context) Filter {
	return load(ctx, s, keyFilter, defaultFilter())
}

// TaskRunner возвращает параметры супервизора; cap зажимается в [1, 10].
func (s *Service) TaskRunner(ctx context.Context) TaskRunner {
	tr := load(ctx, s, keyTaskRunner, defaultTaskRunner())
	if tr.MaxConcurrentTasks < 1 {
		tr.MaxConcurrentTasks = 1
	}
	if tr.MaxConcurrentTasks > 10 {
		tr.MaxConcurrentTasks = 10
	}
	return tr
}

// Retry возвращает политику повторов; счётчик в [0, 100], интервал в
// [0, 86400] секунд.
func (s *Service) Retry(ctx context.Context) Retry {
	r := load(ctx, s, keyRetry, defaultRetry())
	if r.MaxRetries < 0 {
		r.MaxRetries = 0
	}
	if r.MaxRetries > 100 {
		r.MaxRetries = 100
	}
	if r.RetryIntervalSec < 0 {
		r.RetryIntervalSec = 0
	}
	if r.RetryIntervalSec > 86400 {
		r.RetryIntervalSec = 86400
	}
	return r
}

// EffectiveKeywords возвращает действующий список ключевых слов для
// источника: канальный override при filter_mode=custom, пусто при disabled,
// иначе глобальный фильтр (если включён).
func (s *Service) EffectiveKeywords(ctx context.Context, src *db.SourceChannel) []string {
	switch src.FilterMode {
	case db.FilterModeDisabled:
		return nil
	case db.FilterModeCustom:
		return ParseKeywords(src.FilterKeywords)
	}
	f := s.Filter(ctx)
	if !f.Enabled {
		return nil
	}
	return ParseKeywords(f.Keywords)
}
