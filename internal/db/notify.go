package db

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
)

// TaskNotifyChannel — канал pg_notify, который слушают внешние потребители
// (панель оператора). Сервис только отправляет, подписки у него нет.
const TaskNotifyChannel = "tg_back_sync_tasks_v1"

// TaskNotification — полезная нагрузка уведомления о смене статуса задачи.
// Все поля, кроме ts, опциональны.
type TaskNotification struct {
	TS              string `json:"ts"`
	TaskID          string `json:"task_id,omitempty"`
	SourceChannelID string `json:"source_channel_id,omitempty"`
	TaskType        string `json:"task_type,omitempty"`
	Status          string `json:"status,omitempty"`
}

// notifyWarnInterval ограничивает частоту жалоб на неудавшийся pg_notify:
// уведомления best-effort, и залп WARN при лежащей базе не нужен.
const notifyWarnInterval = 10 * time.Second

var (
	notifyWarnMu   sync.Mutex
	notifyWarnLast time.Time
)

// NotifyTask отправляет pg_notify о событии задачи. Ошибка никогда не
// прерывает вызывающего: уведомления — сигнал для UI, не источник истины.
func (s *Store) NotifyTask(ctx context.Context, n TaskNotification) {
	if n.TS == "" {
		n.TS = time.Now().UTC().Format(time.RFC3339)
	}
	payload, err := json.Marshal(n)
	if err != nil {
		warnNotify(errors.Wrap(err, "marshal notification"))
		return
	}
	_, err = s.pool.ExecContext(ctx, `SELECT pg_notify($1, $2)`, TaskNotifyChannel, string(payload))
	if err != nil {
		warnNotify(err)
	}
}

func warnNotify(err error) {
	notifyWarnMu.Lock()
	defer notifyWarnMu.Unlock()
	if time.Since(notifyWarnLast) < notifyWarnInterval {
		return
	}
	notifyWarnLast = time.Now()
	logger.Warnf("pg_notify не доставлен: %v", err)
}
