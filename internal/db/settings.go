package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"time"

	"github.com/go-faster/errors"
)

// HeartbeatKey — ключ в app_setting, по которому внешние наблюдатели судят о
// живости сервиса.
const HeartbeatKey = "mirror_service_heartbeat"

// GetSettingRaw возвращает сырое значение настройки. found=false — ключа нет.
func (s *Store) GetSettingRaw(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := WithRetry(ctx, "get setting", func(ctx context.Context) error {
		return s.pool.GetContext(ctx, &value,
			`SELECT value FROM app_setting WHERE key = $1`, key)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "get setting")
	}
	return value, true, nil
}

// UpsertSetting записывает настройку, перезаписывая существующее значение.
func (s *Store) UpsertSetting(ctx context.Context, key, value string) error {
	return WithRetry(ctx, "upsert setting", func(ctx context.Context) error {
		_, err := s.pool.ExecContext(ctx, `
			INSERT INTO app_setting (key, value, updated_at)
			VALUES ($1, $2, NOW())
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
			key, value)
		return err
	})
}

// heartbeatPayload — формат значения под HeartbeatKey.
type heartbeatPayload struct {
	LastHeartbeatAt time.Time `json:"last_heartbeat_at"`
	StartedAt       time.Time `json:"started_at"`
	PID             int       `json:"pid"`
}

// WriteHeartbeat обновляет отметку живости. startedAt — момент запуска
// процесса, он неизменен между ударами.
func (s *Store) WriteHeartbeat(ctx context.Context, startedAt time.Time) error {
	payload, err := json.Marshal(heartbeatPayload{
		LastHeartbeatAt: time.Now().UTC(),
		StartedAt:       startedAt.UTC(),
		PID:             os.Getpid(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal heartbeat")
	}
	return s.UpsertSetting(ctx, HeartbeatKey, string(payload))
}
