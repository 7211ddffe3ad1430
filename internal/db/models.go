// Package db — слой доступа к реляционному хранилищу сервиса зеркалирования.
// Все персистентные сущности живут в Postgres; сервис не держит собственного
// состояния на диске (кроме файла состояния менеджера апдейтов gotd).
//
// Пакет предоставляет:
//   - типизированные строки таблиц и перечисления статусов,
//   - репозитории с выражениями на sqlx (upsert/ON CONFLICT, RETURNING),
//   - ретраер соединенческих ошибок (retry.go),
//   - эмиттер LISTEN/NOTIFY-уведомлений для реактивных UI (notify.go).
package db

import "time"

// MirrorMode — способ републикации сообщений источника.
type MirrorMode string

const (
	MirrorModeForward MirrorMode = "forward" // нативный форвард с подавлением автора
	MirrorModeCopy    MirrorMode = "copy"    // только текст через send_message
)

// SyncStatus — агрегатный статус синхронизации источника.
type SyncStatus string

const (
	SyncStatusPending   SyncStatus = "pending"
	SyncStatusSyncing   SyncStatus = "syncing"
	SyncStatusCompleted SyncStatus = "completed"
	SyncStatusError     SyncStatus = "error"
)

// TaskType — тип единицы работы.
type TaskType string

const (
	TaskTypeResolve     TaskType = "resolve"
	TaskTypeHistoryFull TaskType = "history_full"
	TaskTypeRetryFailed TaskType = "retry_failed"
	TaskTypeRealtime    TaskType = "realtime"
)

// TaskStatus — статус задачи. Терминальные: completed и failed; paused оживляем.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusPaused    TaskStatus = "paused"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCompleted TaskStatus = "completed"
)

// MappingStatus — статус отображения сообщения. Переходы монотонны к
// терминальным success/skipped.
type MappingStatus string

const (
	MappingStatusPending MappingStatus = "pending"
	MappingStatusSuccess MappingStatus = "success"
	MappingStatusSkipped MappingStatus = "skipped"
	MappingStatusFailed  MappingStatus = "failed"
)

// SkipReason — причина, по которой сообщение не переносится в зеркало.
type SkipReason string

const (
	SkipReasonProtectedContent SkipReason = "protected_content"
	SkipReasonMessageDeleted   SkipReason = "message_deleted"
	SkipReasonUnsupportedType  SkipReason = "unsupported_type"
	SkipReasonFileTooLarge     SkipReason = "file_too_large"
	SkipReasonFiltered         SkipReason = "filtered"
	SkipReasonTooManyRetries   SkipReason = "failed_too_many_times"
)

// FilterMode — режим фильтра по ключевым словам на уровне канала.
type FilterMode string

const (
	FilterModeInherit  FilterMode = "inherit"
	FilterModeDisabled FilterMode = "disabled"
	FilterModeCustom   FilterMode = "custom"
)

// EventLevel — уровень записи в журнале наблюдаемости.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// SourceChannel — зарегистрированный оператором источник. Инварианты:
// identifier уникален; после резолва пара (tg_channel_id, access_hash)
// стабильна на всё время жизни канала; sync_status=error подавляет клейм задач
// до прохождения health check.
type SourceChannel struct {
	ID            string     `db:"id"`
	Identifier    string     `db:"identifier"`
	TGChannelID   *int64     `db:"tg_channel_id"`
	AccessHash    *int64     `db:"access_hash"`
	Title         string     `db:"title"`
	Username      *string    `db:"username"`
	MirrorMode    MirrorMode `db:"mirror_mode"`
	SyncStatus    SyncStatus `db:"sync_status"`
	IsActive      bool       `db:"is_active"`
	IsProtected   bool       `db:"is_protected"`
	FilterMode    FilterMode `db:"filter_mode"`
	FilterKeywords string    `db:"filter_keywords"`
	Priority      int        `db:"priority"`
	SubscribedAt  *time.Time `db:"subscribed_at"`
	LastSyncedAt  *time.Time `db:"last_synced_at"`
	LastMessageID *int64     `db:"last_message_id"`
	MemberCount   *int       `db:"member_count"`
	Description   *string    `db:"description"`
}

// MirrorChannel — принадлежащее оператору зеркало; ровно одно на источник.
type MirrorChannel struct {
	ID              string  `db:"id"`
	SourceChannelID string  `db:"source_channel_id"`
	Identifier      *string `db:"identifier"`
	TGChannelID     *int64  `db:"tg_channel_id"`
	AccessHash      *int64  `db:"access_hash"`
	Title           *string `db:"title"`
	Username        *string `db:"username"`
	IsAutoCreated   bool    `db:"is_auto_created"`
	InviteLink      *string `db:"invite_link"`
}

// SyncTask — единица работы. Создаётся pending интерфейсом или планировщиком;
// переходы выполняет исключительно lifecycle (C4). На источник одновременно
// может исполняться не более одной не-realtime задачи.
type SyncTask struct {
	ID              string     `db:"id"`
	SourceChannelID string     `db:"source_channel_id"`
	TaskType        TaskType   `db:"task_type"`
	Status          TaskStatus `db:"status"`
	CreatedAt       time.Time  `db:"created_at"`
	StartedAt       *time.Time `db:"started_at"`
	PausedAt        *time.Time `db:"paused_at"`
	CompletedAt     *time.Time `db:"completed_at"`
	ProgressCurrent *int64     `db:"progress_current"`
	ProgressTotal   *int64     `db:"progress_total"`
	LastProcessedID *int64     `db:"last_processed_id"`
	LastError       *string    `db:"last_error"`
}

// MessageMapping — помессаджный гроссбух. Ключ (source_channel_id,
// source_message_id) уникален; retry_count < max_retry_count — предусловие
// пригодности к ретраю.
type MessageMapping struct {
	ID              string        `db:"id"`
	SourceChannelID string        `db:"source_channel_id"`
	SourceMessageID int64         `db:"source_message_id"`
	MirrorMessageID *int64        `db:"mirror_message_id"`
	MessageType     string        `db:"message_type"`
	MediaGroupID    *int64        `db:"media_group_id"`
	Status          MappingStatus `db:"status"`
	SkipReason      *SkipReason   `db:"skip_reason"`
	ErrorMessage    *string       `db:"error_message"`
	RetryCount      int           `db:"retry_count"`
	HasMedia        bool          `db:"has_media"`
	FileSize        *int64        `db:"file_size"`
	Text            string        `db:"text"`
	TextPreview     string        `db:"text_preview"`
	SentAt          *time.Time    `db:"sent_at"`
	MirroredAt      *time.Time    `db:"mirrored_at"`
	LastEditedAt    *time.Time    `db:"last_edited_at"`
	EditCount       int           `db:"edit_count"`
	IsDeleted       bool          `db:"is_deleted"`
	DeletedAt       *time.Time    `db:"deleted_at"`
	UpdatedAt       time.Time     `db:"updated_at"`
}

// MessageEdit — неизменяемая история правок источника, ключ (mapping_id, version).
type MessageEdit struct {
	ID        string    `db:"id"`
	MappingID string    `db:"mapping_id"`
	Version   int       `db:"version"`
	Text      string    `db:"text"`
	EditedAt  time.Time `db:"edited_at"`
	CreatedAt time.Time `db:"created_at"`
}

// SyncEvent — строка журнала наблюдаемости (append-only).
type SyncEvent struct {
	ID              string     `db:"id"`
	Level           EventLevel `db:"level"`
	Message         string     `db:"message"`
	SourceChannelID *string    `db:"source_channel_id"`
	CreatedAt       time.Time  `db:"created_at"`
}
