package telegram

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/gotd/td/session"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/sessioncrypt"
)

// Ключи сессии в app_setting.
//
// SessionKey пишет оператор (возможно в зашифрованном формате v1:...);
// runtimeSessionKey — рабочая копия, которую ведёт сам клиент: gotd обновляет
// сессию при миграциях DC и ротации ключей, и затирать операторскую запись
// этими обновлениями нельзя.
const (
	SessionKey        = "telegram_session"
	runtimeSessionKey = "telegram_session_runtime"
)

// DBSessionStorage — session.Storage поверх таблицы настроек.
type DBSessionStorage struct {
	store  *db.Store
	secret string
}

func NewDBSessionStorage(store *db.Store, encryptionSecret string) *DBSessionStorage {
	return &DBSessionStorage{store: store, secret: encryptionSecret}
}

// LoadSession возвращает рабочую копию сессии, а при её отсутствии —
// расшифрованную операторскую. session.ErrNotFound сигналит gotd, что
// сохранённой сессии нет.
func (s *DBSessionStorage) LoadSession(ctx context.Context) ([]byte, error) {
	raw, found, err := s.store.GetSettingRaw(ctx, runtimeSessionKey)
	if err != nil {
		return nil, errors.Wrap(err, "load runtime session")
	}
	if found && raw != "" {
		return []byte(raw), nil
	}

	raw, found, err = s.store.GetSettingRaw(ctx, SessionKey)
	if err != nil {
		return nil, errors.Wrap(err, "load session")
	}
	if !found || raw == "" {
		return nil, session.ErrNotFound
	}
	plain, err := sessioncrypt.Decrypt(raw, s.secret)
	if err != nil {
		return nil, errors.Wrap(err, "decrypt session")
	}
	return []byte(plain), nil
}

// StoreSession сохраняет рабочую копию сессии.
func (s *DBSessionStorage) StoreSession(ctx context.Context, data []byte) error {
	return s.store.UpsertSetting(ctx, runtimeSessionKey, string(data))
}

// ResetRuntimeSession сбрасывает рабочую копию; следующий LoadSession вернёт
// операторскую запись. Используется при session_invalid: оператор мог
// переавторизоваться и записать свежую сессию.
func (s *DBSessionStorage) ResetRuntimeSession(ctx context.Context) error {
	return s.store.UpsertSetting(ctx, runtimeSessionKey, "")
}
