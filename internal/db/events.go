package db

import (
	"context"

	"github.com/google/uuid"
)

// InsertEvent пишет строку журнала синхронизации. Текст ограничивается 2000
// рунами, чтобы гигантские стеки ошибок не распухали в таблице. Ошибка записи
// возвращается вызывающему, но воркеры трактуют её как некритичную.
func (s *Store) InsertEvent(ctx context.Context, level EventLevel, message string, sourceID *string) error {
	message = truncateRunes(message, eventMessageMaxRunes)
	return WithRetry(ctx, "insert event", func(ctx context.Context) error {
		_, err := s.pool.ExecContext(ctx, `
			INSERT INTO sync_event (id, level, message, source_channel_id, created_at)
			VALUES ($1, $2, $3, $4, NOW())`,
			uuid.NewString(), level, message, sourceID)
		return err
	})
}
