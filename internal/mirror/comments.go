package mirror

import (
	"context"
	"fmt"

	"github.com/gotd/td/tg"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/telegram"
)

// mirrorCommentsForAnchor — постобработка зеркального поста: комментарий со
// ссылкой на оригинал в привязанном обсуждении зеркала и (если включено)
// реплей комментариев источника. Всё best-effort: сбои логируются и не
// влияют на статус пересылки.
func (e *Engine) mirrorCommentsForAnchor(ctx context.Context, fc flushCtx, items []db.MessageMapping, mirrorIDs []int64) {
	anchor := items[0]
	anchorMirror := mirrorIDs[0]

	groupPeer, rootID, err := e.tg.DiscussionRoot(ctx, fc.mirPeer, anchorMirror)
	if err != nil {
		// Обсуждение не привязано или ещё не видно; это штатно.
		logger.Debugf("обсуждение зеркала %d недоступно: %v", fc.mirPeer.ChannelID, err)
		return
	}

	linkKey := fmt.Sprintf("%s:%d", fc.src.ID, anchor.SourceMessageID)
	if !e.linkKeys.Seen(linkKey) {
		link := sourceDeepLink(fc.src, anchor.SourceMessageID)
		if _, sendErr := e.tg.SendText(ctx, groupPeer, link, rootID); sendErr != nil {
			logger.Warnf("комментарий-ссылка для поста %d: %v", anchor.SourceMessageID, sendErr)
		} else {
			e.linkKeys.Add(linkKey)
		}
	}

	if e.env.SyncComments {
		e.replayComments(ctx, fc, anchor.SourceMessageID, groupPeer, rootID)
	}
}

// sourceDeepLink строит прямую ссылку на пост источника:
// https://t.me/<username>/<id> либо https://t.me/c/<id>/<id> для каналов
// без username.
func sourceDeepLink(src *db.SourceChannel, messageID int64) string {
	if src.Username != nil && *src.Username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", *src.Username, messageID)
	}
	var channelID int64
	if src.TGChannelID != nil {
		channelID = *src.TGChannelID
	}
	return fmt.Sprintf("https://t.me/c/%d/%d", channelID, messageID)
}

// replayComments переносит до MaxCommentsPerPost ответов треда источника в
// обсуждение зеркала, сохраняя альбомную группировку. Каждый комментарий
// дедуплицируется по id (ограниченное множество на процесс).
func (e *Engine) replayComments(ctx context.Context, fc flushCtx, anchorSourceID int64, groupPeer telegram.Peer, rootID int64) {
	limit := e.env.MaxCommentsPerPost
	if limit <= 0 {
		return
	}

	replies, err := e.tg.Replies(ctx, fc.srcPeer, anchorSourceID, limit)
	if err != nil {
		logger.Debugf("ответы поста %d недоступны: %v", anchorSourceID, err)
		return
	}

	for _, unit := range groupByAlbum(replies) {
		if e.commentSeen(fc.src.ID, unit) {
			continue
		}
		var sendErr error
		if len(unit) > 1 {
			_, sendErr = e.tg.CopyAlbum(ctx, groupPeer, unit, rootID)
		} else if unit[0].Media != nil {
			_, sendErr = e.tg.CopyMessage(ctx, groupPeer, unit[0], rootID)
		} else if unit[0].Message != "" {
			_, sendErr = e.tg.SendText(ctx, groupPeer, unit[0].Message, rootID)
		} else {
			continue
		}
		if sendErr != nil {
			logger.Warnf("реплей комментария %d: %v", unit[0].ID, sendErr)
			continue
		}
		e.markCommentsSeen(fc.src.ID, unit)
		e.throttle(ctx)
	}
}

func (e *Engine) commentSeen(sourceID string, unit []*tg.Message) bool {
	for _, m := range unit {
		if e.discussionIDs.Seen(fmt.Sprintf("%s:%d", sourceID, m.ID)) {
			return true
		}
	}
	return false
}

func (e *Engine) markCommentsSeen(sourceID string, unit []*tg.Message) {
	for _, m := range unit {
		e.discussionIDs.Add(fmt.Sprintf("%s:%d", sourceID, m.ID))
	}
}

// groupByAlbum режет отсортированный по id список сообщений на единицы
// отправки: смежные сообщения одного grouped_id образуют альбом.
func groupByAlbum(msgs []*tg.Message) [][]*tg.Message {
	var out [][]*tg.Message
	var cur []*tg.Message
	var curGroup int64

	flush := func() {
		if len(cur) > 0 {
			out = append(out, cur)
			cur = nil
		}
	}

	for _, m := range msgs {
		gid, _ := m.GetGroupedID()
		if gid == 0 {
			flush()
			out = append(out, []*tg.Message{m})
			curGroup = 0
			continue
		}
		if gid != curGroup {
			flush()
			curGroup = gid
		}
		cur = append(cur, m)
	}
	flush()
	return out
}
