package db

import (
	"context"
	"database/sql"

	"github.com/go-faster/errors"
)

const mirrorColumns = `id, source_channel_id, identifier, tg_channel_id, access_hash,
	title, username, is_auto_created, invite_link`

// GetMirrorBySource возвращает парное зеркало источника (1:1) или nil.
func (s *Store) GetMirrorBySource(ctx context.Context, sourceID string) (*MirrorChannel, error) {
	var m MirrorChannel
	err := WithRetry(ctx, "get mirror", func(ctx context.Context) error {
		return s.pool.GetContext(ctx, &m,
			`SELECT `+mirrorColumns+` FROM mirror_channel WHERE source_channel_id = $1`, sourceID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get mirror")
	}
	return &m, nil
}

// ResolvedMirrorFields — данные зеркала после резолва либо автосоздания.
type ResolvedMirrorFields struct {
	Identifier  string
	TGChannelID int64
	AccessHash  int64
	Title       string
	Username    *string
}

// UpdateMirrorResolved сохраняет числовые идентификаторы и имя зеркала.
func (s *Store) UpdateMirrorResolved(ctx context.Context, id string, f ResolvedMirrorFields) error {
	return WithRetry(ctx, "update mirror resolved", func(ctx context.Context) error {
		_, err := s.pool.ExecContext(ctx, `
			UPDATE mirror_channel
			SET identifier = $2, tg_channel_id = $3, access_hash = $4, title = $5, username = $6
			WHERE id = $1`,
			id, f.Identifier, f.TGChannelID, f.AccessHash, f.Title, f.Username)
		return err
	})
}

// SetMirrorInviteLink сохраняет экспортированную инвайт-ссылку (best-effort).
func (s *Store) SetMirrorInviteLink(ctx context.Context, id, link string) error {
	return WithRetry(ctx, "set mirror invite link", func(ctx context.Context) error {
		_, err := s.pool.ExecContext(ctx,
			`UPDATE mirror_channel SET invite_link = $2 WHERE id = $1`, id, link)
		return err
	})
}
