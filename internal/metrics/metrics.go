// Package metrics — счётчики Prometheus для наблюдения за конвейером
// зеркалирования. Регистрация в DefaultRegisterer через promauto.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesMirrored — успешно отражённые сообщения, по режиму (forward/copy).
	MessagesMirrored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Name:      "messages_mirrored_total",
		Help:      "Messages successfully mirrored, by mode.",
	}, []string{"mode"})

	// MessagesSkipped — пропущенные сообщения по причинам.
	MessagesSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Name:      "messages_skipped_total",
		Help:      "Messages skipped, by reason.",
	}, []string{"reason"})

	// TaskTransitions — переходы задач по статусам.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Name:      "task_transitions_total",
		Help:      "Task status transitions, by task type and new status.",
	}, []string{"task_type", "status"})

	// FloodWaits — полученные FLOOD_WAIT, по реакции (slept/paused).
	FloodWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mirror",
		Name:      "flood_waits_total",
		Help:      "FLOOD_WAIT responses, by handling outcome.",
	}, []string{"outcome"})

	// RunningTasks — задачи в исполнении (без realtime).
	RunningTasks = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mirror",
		Name:      "running_tasks",
		Help:      "Currently running claimed tasks.",
	})

	// RealtimeSubscriptions — активные realtime-подписки.
	RealtimeSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mirror",
		Name:      "realtime_subscriptions",
		Help:      "Active realtime subscriptions.",
	})

	// DBRetries — повторы запросов к БД после connection-class ошибок.
	DBRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mirror",
		Name:      "db_retries_total",
		Help:      "DB operations retried after connection-class errors.",
	})
)
