package db

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
)

// sourceColumns перечисляет столбцы source_channel в порядке, ожидаемом
// структурой SourceChannel.
const sourceColumns = `id, identifier, tg_channel_id, access_hash, title, username,
	mirror_mode, sync_status, is_active, is_protected, filter_mode, filter_keywords,
	priority, subscribed_at, last_synced_at, last_message_id, member_count, description`

// GetSource возвращает источник по id или nil, если строки нет.
func (s *Store) GetSource(ctx context.Context, id string) (*SourceChannel, error) {
	var src SourceChannel
	err := WithRetry(ctx, "get source", func(ctx context.Context) error {
		return s.pool.GetContext(ctx, &src,
			`SELECT `+sourceColumns+` FROM source_channel WHERE id = $1`, id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get source")
	}
	return &src, nil
}

// ResolvedSourceFields — результат резолва канонического идентификатора,
// сохраняемый resolve-воркером.
type ResolvedSourceFields struct {
	Identifier  string
	TGChannelID int64
	AccessHash  int64
	Title       string
	Username    *string
	Description *string
	MemberCount *int
	IsProtected bool
}

// UpdateSourceResolved фиксирует результат резолва и переводит источник в
// sync_status='pending' (готов к зеркалированию).
func (s *Store) UpdateSourceResolved(ctx context.Context, id string, f ResolvedSourceFields) error {
	return WithRetry(ctx, "update source resolved", func(ctx context.Context) error {
		_, err := s.pool.ExecContext(ctx, `
			UPDATE source_channel
			SET identifier = $2, tg_channel_id = $3, access_hash = $4, title = $5,
			    username = $6, description = $7, member_count = $8, is_protected = $9,
			    sync_status = 'pending'
			WHERE id = $1`,
			id, f.Identifier, f.TGChannelID, f.AccessHash, f.Title,
			f.Username, f.Description, f.MemberCount, f.IsProtected)
		return err
	})
}

// UpdateSourceHealth обновляет метаданные источника по результату успешного
// health check. access_hash перезаписывается: Telegram может его менять.
func (s *Store) UpdateSourceHealth(ctx context.Context, id string, f ResolvedSourceFields) error {
	return WithRetry(ctx, "update source health", func(ctx context.Context) error {
		_, err := s.pool.ExecContext(ctx, `
			UPDATE source_channel
			SET access_hash = $2, title = $3, username = $4, description = $5,
			    member_count = $6, is_protected = $7
			WHERE id = $1`,
			id, f.AccessHash, f.Title, f.Username, f.Description, f.MemberCount, f.IsProtected)
		return err
	})
}

// SetSourceSyncStatus безусловно выставляет sync_status.
func (s *Store) SetSourceSyncStatus(ctx context.Context, id string, status SyncStatus) error {
	return WithRetry(ctx, "set source sync status", func(ctx context.Context) error {
		_, err := s.pool.ExecContext(ctx,
			`UPDATE source_channel SET sync_status = $2 WHERE id = $1`, id, status)
		return err
	})
}

// MarkSourceError переводит источник в sync_status='error', если он ещё не там.
// Возвращает true, если переход состоялся (для однократной записи события).
func (s *Store) MarkSourceError(ctx context.Context, id string) (bool, error) {
	var changed bool
	err := WithRetry(ctx, "mark source error", func(ctx context.Context) error {
		res, err := s.pool.ExecContext(ctx,
			`UPDATE source_channel SET sync_status = 'error' WHERE id = $1 AND sync_status <> 'error'`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		changed = n > 0
		return err
	})
	return changed, err
}

// MarkSourceProtected выставляет is_protected один раз; повторные вызовы
// на уже защищённом источнике ничего не меняют. Возвращает true при переходе.
func (s *Store) MarkSourceProtected(ctx context.Context, id string) (bool, error) {
	var changed bool
	err := WithRetry(ctx, "mark source protected", func(ctx context.Context) error {
		res, err := s.pool.ExecContext(ctx,
			`UPDATE source_channel SET is_protected = TRUE WHERE id = $1 AND is_protected = FALSE`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		changed = n > 0
		return err
	})
	return changed, err
}

// UpdateSourceLastSync фиксирует отметку последней синхронизации и последний
// увиденный id сообщения источника.
func (s *Store) UpdateSourceLastSync(ctx context.Context, id string, lastMessageID int64) error {
	return WithRetry(ctx, "update source last sync", func(ctx context.Context) error {
		_, err := s.pool.ExecContext(ctx, `
			UPDATE source_channel
			SET last_synced_at = NOW(),
			    last_message_id = GREATEST(COALESCE(last_message_id, 0), $2)
			WHERE id = $1`,
			id, lastMessageID)
		return err
	})
}

// ListActiveResolvedSources возвращает активные источники с заполненным
// tg_channel_id; используется health check'ом и realtime-менеджером.
func (s *Store) ListActiveResolvedSources(ctx context.Context) ([]SourceChannel, error) {
	var out []SourceChannel
	err := WithRetry(ctx, "list active sources", func(ctx context.Context) error {
		out = out[:0]
		return s.pool.SelectContext(ctx, &out, `
			SELECT `+sourceColumns+`
			FROM source_channel
			WHERE is_active = TRUE AND tg_channel_id IS NOT NULL
			ORDER BY priority DESC, id`)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list active sources")
	}
	return out, nil
}
