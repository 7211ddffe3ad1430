package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

const mappingColumns = `id, source_channel_id, source_message_id, mirror_message_id,
	message_type, media_group_id, status, skip_reason, error_message, retry_count,
	has_media, file_size, text, text_preview, sent_at, mirrored_at, last_edited_at,
	edit_count, is_deleted, deleted_at, updated_at`

// deleteBatchSize — размер пачки для массовых пометок удаления.
const deleteBatchSize = 500

// previewMaxRunes — длина текстового превью в message_mapping.
const previewMaxRunes = 160

// NewMappingFields — метаданные сообщения, известные воркеру при первой
// встрече: тип, альбом, признак/размер медиа, текст и момент публикации.
type NewMappingFields struct {
	MessageType  string
	MediaGroupID *int64
	HasMedia     bool
	FileSize     *int64
	Text         string
	SentAt       *time.Time
}

// InsertPendingMapping вставляет pending-маппинг. ON CONFLICT DO NOTHING на
// (source_channel_id, source_message_id) делает операцию идемпотентной: при
// повторной доставке того же сообщения возвращается inserted=false, и
// вызывающий обязан не пересылать его второй раз.
func (s *Store) InsertPendingMapping(ctx context.Context, sourceID string, sourceMessageID int64, f NewMappingFields) (string, bool, error) {
	id := uuid.NewString()
	var gotID string
	err := WithRetry(ctx, "insert pending mapping", func(ctx context.Context) error {
		return s.pool.GetContext(ctx, &gotID, `
			INSERT INTO message_mapping
				(id, source_channel_id, source_message_id, message_type, media_group_id,
				 has_media, file_size, text, text_preview, sent_at,
				 status, retry_count, edit_count, is_deleted, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
				'pending', 0, 0, FALSE, NOW())
			ON CONFLICT (source_channel_id, source_message_id) DO NOTHING
			RETURNING id`,
			id, sourceID, sourceMessageID, f.MessageType, f.MediaGroupID,
			f.HasMedia, f.FileSize, f.Text, truncateRunes(f.Text, previewMaxRunes), f.SentAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "insert pending mapping")
	}
	return gotID, true, nil
}

// GetMapping возвращает маппинг по паре (источник, id сообщения) или nil.
func (s *Store) GetMapping(ctx context.Context, sourceID string, sourceMessageID int64) (*MessageMapping, error) {
	var m MessageMapping
	err := WithRetry(ctx, "get mapping", func(ctx context.Context) error {
		return s.pool.GetContext(ctx, &m, `
			SELECT `+mappingColumns+` FROM message_mapping
			WHERE source_channel_id = $1 AND source_message_id = $2`,
			sourceID, sourceMessageID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "get mapping")
	}
	return &m, nil
}

// MarkMappingSuccess фиксирует успешную пересылку: id зеркального сообщения и
// mirrored_at. Сброс skip_reason/error_message важен для повторных попыток.
func (s *Store) MarkMappingSuccess(ctx context.Context, id string, mirrorMessageID int64) error {
	return WithRetry(ctx, "mark mapping success", func(ctx context.Context) error {
		_, err := s.pool.ExecContext(ctx, `
			UPDATE message_mapping
			SET status = 'success', mirror_message_id = $2, mirrored_at = NOW(),
			    skip_reason = NULL, error_message = NULL, updated_at = NOW()
			WHERE id = $1`, id, mirrorMessageID)
		return err
	})
}

// MarkMappingSkipped помечает сообщение пропущенным. mirrored_at выставляется
// и здесь: «обработано» не означает «переслано».
func (s *Store) MarkMappingSkipped(ctx context.Context, id string, reason SkipReason, detail string) error {
	detail = truncateRunes(detail, eventMessageMaxRunes)
	return WithRetry(ctx, "mark mapping skipped", func(ctx context.Context) error {
		_, err := s.pool.ExecContext(ctx, `
			UPDATE message_mapping
			SET status = 'skipped', skip_reason = $2, error_message = NULLIF($3, ''),
			    mirrored_at = NOW(), updated_at = NOW()
			WHERE id = $1`, id, reason, detail)
		return err
	})
}

// MarkMappingFailed помечает пересылку неуспешной и инкрементирует retry_count.
// Возвращает итоговый счётчик: по достижении порога вызывающий помечает
// сообщение пропущенным с причиной failed_too_many_times.
func (s *Store) MarkMappingFailed(ctx context.Context, id string, errMsg string) (int, error) {
	errMsg = truncateRunes(errMsg, eventMessageMaxRunes)
	var count int
	err := WithRetry(ctx, "mark mapping failed", func(ctx context.Context) error {
		return s.pool.GetContext(ctx, &count, `
			UPDATE message_mapping
			SET status = 'failed', error_message = $2,
			    retry_count = retry_count + 1, updated_at = NOW()
			WHERE id = $1
			RETURNING retry_count`, id, errMsg)
	})
	if err != nil {
		return 0, errors.Wrap(err, "mark mapping failed")
	}
	return count, nil
}

// ListRetryableMappings возвращает failed-маппинги источника, пригодные к
// повтору: retry_count ниже порога, причина не protected_content, id строго
// выше last_processed_id задачи. Восходящий порядок сохраняет хронологию.
func (s *Store) ListRetryableMappings(ctx context.Context, sourceID string, maxRetries int, afterMessageID int64, limit int) ([]MessageMapping, error) {
	var out []MessageMapping
	err := WithRetry(ctx, "list retryable mappings", func(ctx context.Context) error {
		out = out[:0]
		return s.pool.SelectContext(ctx, &out, `
			SELECT `+mappingColumns+` FROM message_mapping
			WHERE source_channel_id = $1
			  AND status = 'failed'
			  AND retry_count < $2
			  AND (skip_reason IS NULL OR skip_reason <> 'protected_content')
			  AND source_message_id > $3
			ORDER BY source_message_id ASC
			LIMIT $4`,
			sourceID, maxRetries, afterMessageID, limit)
	})
	if err != nil {
		return nil, errors.Wrap(err, "list retryable mappings")
	}
	return out, nil
}

// SourcesWithRetryableFailures возвращает id источников, у которых есть
// failed-маппинги старше заданного интервала (по updated_at) и с retry_count
// ниже порога. Планировщик создаёт по ним retry_failed-задачи.
func (s *Store) SourcesWithRetryableFailures(ctx context.Context, olderThanSec, maxRetries int) ([]string, error) {
	var out []string
	err := WithRetry(ctx, "sources with retryable failures", func(ctx context.Context) error {
		out = out[:0]
		return s.pool.SelectContext(ctx, &out, `
			SELECT DISTINCT m.source_channel_id
			FROM message_mapping m
			JOIN source_channel sc ON sc.id = m.source_channel_id
			WHERE m.status = 'failed'
			  AND m.retry_count < $1
			  AND (m.skip_reason IS NULL OR m.skip_reason <> 'protected_content')
			  AND m.updated_at < NOW() - make_interval(secs => $2)
			  AND sc.is_active = TRUE
			  AND sc.sync_status <> 'error'`,
			maxRetries, olderThanSec)
	})
	if err != nil {
		return nil, errors.Wrap(err, "sources with retryable failures")
	}
	return out, nil
}

// ApplyEdit записывает правку: обновляет текст и last_edited_at маппинга и,
// при keepHistory, добавляет неизменяемую версию в message_edit. Guard по
// edited_at делает операцию идемпотентной и устойчивой к переупорядоченной
// доставке: более старая правка не затирает более новую. applied=false —
// версия устарела или совпала.
func (s *Store) ApplyEdit(ctx context.Context, mappingID string, text string, editedAtUnix int64, keepHistory bool) (bool, error) {
	var applied bool
	err := WithRetry(ctx, "apply edit", func(ctx context.Context) error {
		tx, err := s.pool.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE message_mapping
			SET last_edited_at = to_timestamp($2), edit_count = edit_count + 1,
			    text = $3, text_preview = $4, updated_at = NOW()
			WHERE id = $1
			  AND (last_edited_at IS NULL OR last_edited_at < to_timestamp($2))`,
			mappingID, editedAtUnix, text, truncateRunes(text, previewMaxRunes))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		applied = n > 0
		if !applied || !keepHistory {
			return tx.Commit()
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO message_edit (id, mapping_id, version, text, edited_at, created_at)
			VALUES ($1, $2,
				(SELECT COALESCE(MAX(version), 0) + 1 FROM message_edit WHERE mapping_id = $2),
				$3, to_timestamp($4), NOW())`,
			uuid.NewString(), mappingID, text, editedAtUnix)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return false, errors.Wrap(err, "apply edit")
	}
	return applied, nil
}

// MarkMappingsDeleted помечает маппинги удалённых сообщений пачками по 500 и
// возвращает id зеркальных сообщений, которые нужно удалить на той стороне.
func (s *Store) MarkMappingsDeleted(ctx context.Context, sourceID string, sourceMessageIDs []int64) ([]int64, error) {
	var mirrorIDs []int64
	for start := 0; start < len(sourceMessageIDs); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(sourceMessageIDs) {
			end = len(sourceMessageIDs)
		}
		batch := sourceMessageIDs[start:end]

		var got []int64
		err := WithRetry(ctx, "mark mappings deleted", func(ctx context.Context) error {
			got = got[:0]
			return s.pool.SelectContext(ctx, &got, `
				UPDATE message_mapping
				SET is_deleted = TRUE, deleted_at = NOW(), updated_at = NOW()
				WHERE source_channel_id = $1
				  AND source_message_id = ANY($2)
				  AND is_deleted = FALSE
				RETURNING COALESCE(mirror_message_id, 0)`,
				sourceID, pq.Array(batch))
		})
		if err != nil {
			return nil, errors.Wrap(err, "mark mappings deleted")
		}
		for _, id := range got {
			if id != 0 {
				mirrorIDs = append(mirrorIDs, id)
			}
		}
	}
	return mirrorIDs, nil
}

// MirrorMessageID возвращает id зеркального сообщения для успешного маппинга
// или 0, если пары нет.
func (s *Store) MirrorMessageID(ctx context.Context, sourceID string, sourceMessageID int64) (int64, error) {
	var id int64
	err := WithRetry(ctx, "mirror message id", func(ctx context.Context) error {
		return s.pool.GetContext(ctx, &id, `
			SELECT COALESCE(mirror_message_id, 0) FROM message_mapping
			WHERE source_channel_id = $1 AND source_message_id = $2 AND status = 'success'`,
			sourceID, sourceMessageID)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrap(err, "mirror message id")
	}
	return id, nil
}
