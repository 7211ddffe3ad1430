package mirror

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/telegram"
)

// errTaskPaused — сигнальная ошибка воркера: задача уже поставлена на паузу,
// провалом это не считается.
var errTaskPaused = errors.New("task paused")

const (
	mirrorTitleMaxRunes   = 120
	discussionTitleSuffix = " 评论区"

	// Видимость привязки обсуждения опрашивается до 8 раз по 400мс.
	discussionPollAttempts = 8
	discussionPollDelay    = 400 * time.Millisecond
)

// runResolve — воркер задачи resolve: превращает операторский идентификатор
// источника в числовые координаты, заводит автосоздаваемое зеркало с
// обсуждением и продвигает настроенных администраторов.
func (e *Engine) runResolve(ctx context.Context, task *db.SyncTask) error {
	src, err := e.store.GetSource(ctx, task.SourceChannelID)
	if err != nil {
		return err
	}
	if src == nil {
		return errors.Errorf("источник %s не найден", task.SourceChannelID)
	}

	ident, err := telegram.ParseIdentifier(src.Identifier)
	if err != nil {
		return errors.Wrapf(err, "идентификатор %q", src.Identifier)
	}

	var info *telegram.ChannelInfo
	err = e.invoke(ctx, func(ctx context.Context) error {
		var rerr error
		info, rerr = e.tg.ResolveChannel(ctx, ident)
		return rerr
	})
	if err != nil {
		return e.handleWorkerError(ctx, task, err, nil)
	}

	fields := db.ResolvedSourceFields{
		Identifier:  canonicalFor(info),
		TGChannelID: info.ID,
		AccessHash:  info.AccessHash,
		Title:       info.Title,
		IsProtected: info.Noforwards,
	}
	if info.Username != "" {
		fields.Username = &info.Username
	}
	if info.About != "" {
		fields.Description = &info.About
	}
	if info.Participants > 0 {
		fields.MemberCount = &info.Participants
	}
	if err := e.store.UpdateSourceResolved(ctx, src.ID, fields); err != nil {
		return err
	}
	e.event(ctx, db.EventLevelInfo, &src.ID, "источник %s отрезолвлен: %s (id=%d)", src.ID, info.Title, info.ID)

	mirror, err := e.store.GetMirrorBySource(ctx, src.ID)
	if err != nil {
		return err
	}
	if mirror != nil && mirror.TGChannelID == nil && mirror.IsAutoCreated {
		if err := e.createAutoMirror(ctx, task, src, mirror, info.Title); err != nil {
			return err
		}
		// Перечитываем координаты созданного зеркала для продвижения админов.
		mirror, err = e.store.GetMirrorBySource(ctx, src.ID)
		if err != nil {
			return err
		}
	}

	if peer, ok := mirrorPeer(mirror); ok {
		e.promoteAdmins(ctx, peer)
	}
	return nil
}

// canonicalFor строит каноническую форму идентификатора по данным резолва:
// @username при его наличии, иначе -100<id>.
func canonicalFor(info *telegram.ChannelInfo) string {
	if info.Username != "" {
		return "@" + info.Username
	}
	return telegram.CanonicalIdentifier(telegram.Identifier{
		Kind: telegram.IdentNumericID, ChannelID: info.ID,
	})
}

// createAutoMirror создаёт вещательный канал-зеркало, инвайт-ссылку
// (best-effort) и привязанную группу обсуждения (best-effort).
func (e *Engine) createAutoMirror(ctx context.Context, task *db.SyncTask, src *db.SourceChannel, mirror *db.MirrorChannel, sourceTitle string) error {
	title := truncateTitle(e.env.MirrorTitlePrefix+sourceTitle, mirrorTitleMaxRunes)

	var created *telegram.ChannelInfo
	err := e.invoke(ctx, func(ctx context.Context) error {
		var cerr error
		created, cerr = e.tg.CreateBroadcast(ctx, title, "")
		return cerr
	})
	if err != nil {
		return e.handleWorkerError(ctx, task, err, nil)
	}

	canonical := telegram.CanonicalIdentifier(telegram.Identifier{
		Kind: telegram.IdentNumericID, ChannelID: created.ID,
	})
	if err := e.store.UpdateMirrorResolved(ctx, mirror.ID, db.ResolvedMirrorFields{
		Identifier:  canonical,
		TGChannelID: created.ID,
		AccessHash:  created.AccessHash,
		Title:       created.Title,
	}); err != nil {
		return err
	}
	e.event(ctx, db.EventLevelInfo, &src.ID, "создан зеркальный канал %q (id=%d)", title, created.ID)

	peer := created.Peer()
	if link, linkErr := e.tg.ExportInvite(ctx, peer); linkErr != nil {
		logger.Warnf("инвайт-ссылка для зеркала %d: %v", created.ID, linkErr)
	} else if dbErr := e.store.SetMirrorInviteLink(ctx, mirror.ID, link); dbErr != nil {
		logger.Warnf("сохранение инвайт-ссылки: %v", dbErr)
	}

	groupTitle := truncateTitle(title+discussionTitleSuffix, mirrorTitleMaxRunes)
	group, groupErr := e.tg.CreateLinkedDiscussion(ctx, peer, groupTitle)
	if groupErr != nil {
		logger.Warnf("группа обсуждения для зеркала %d: %v", created.ID, groupErr)
		return nil
	}
	e.waitDiscussionVisible(ctx, peer, group.ID)
	e.promoteAdmins(ctx, group.Peer())
	return nil
}

// waitDiscussionVisible опрашивает полные сведения канала, пока привязка
// обсуждения не станет видимой (или не исчерпаются попытки).
func (e *Engine) waitDiscussionVisible(ctx context.Context, broadcast telegram.Peer, groupID int64) {
	for attempt := 0; attempt < discussionPollAttempts; attempt++ {
		ident := telegram.Identifier{Kind: telegram.IdentNumericID, ChannelID: broadcast.ChannelID}
		info, err := e.tg.ResolveChannel(ctx, ident)
		if err == nil && info.LinkedChatID == groupID {
			return
		}
		if sleepCtx(ctx, discussionPollDelay) != nil {
			return
		}
	}
	logger.Warn("привязка обсуждения так и не стала видимой")
}

// promoteAdmins выдаёт полные права всем настроенным администраторам.
// Пара (канал, админ) продвигается один раз за жизнь процесса.
func (e *Engine) promoteAdmins(ctx context.Context, channel telegram.Peer) {
	for _, identifier := range e.env.AdminIdentifiers {
		key := fmt.Sprintf("%d:%s", channel.ChannelID, identifier)
		if e.adminKeys.Seen(key) {
			continue
		}
		user, err := e.tg.ResolveUser(ctx, identifier)
		if err != nil {
			logger.Warnf("резолв администратора %q: %v", identifier, err)
			continue
		}
		err = e.invoke(ctx, func(ctx context.Context) error {
			return e.tg.PromoteFullAdmin(ctx, channel, user, "")
		})
		if err != nil {
			logger.Warnf("продвижение администратора %q в канале %d: %v", identifier, channel.ChannelID, err)
			continue
		}
		e.adminKeys.Add(key)
	}
}

func truncateTitle(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	return string(runes[:maxRunes-1]) + "…"
}
