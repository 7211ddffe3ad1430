package telegram

import (
	"context"
	"math/rand/v2"
	"sort"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/logger"
)

// Peer — адрес канала: числовой id и access hash из БД.
type Peer struct {
	ChannelID  int64
	AccessHash int64
}

func (p Peer) InputChannel() *tg.InputChannel {
	return &tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash}
}

func (p Peer) InputPeer() tg.InputPeerClass {
	return &tg.InputPeerChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash}
}

// ForwardAsCopy пересылает пачку сообщений с drop_author и возвращает id
// созданных зеркальных сообщений в порядке исходных id. Недостающие позиции
// заполняются нулями: частичное восстановление — повод для паузы задачи, но
// решает это вызывающий.
//
// Основной путь восстановления id — кросс-референсы UpdateMessageID
// (random_id → id). Fallback — новые сообщения из ответа в порядке возрастания,
// о чём пишется WARN: хвост без пары остаётся нулевым.
func (c *Client) ForwardAsCopy(ctx context.Context, from, to Peer, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	msgIDs := make([]int, len(ids))
	randomIDs := make([]int64, len(ids))
	for i, id := range ids {
		msgIDs[i] = int(id)
		randomIDs[i] = rand.Int64()
	}

	updates, err := c.API().MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		DropAuthor: true,
		FromPeer:   from.InputPeer(),
		ID:         msgIDs,
		RandomID:   randomIDs,
		ToPeer:     to.InputPeer(),
	})
	if err != nil {
		return nil, errors.Wrap(err, "forward messages")
	}

	out := make([]int64, len(ids))
	byRandom := crossReferences(updates)
	matched := 0
	for i, rid := range randomIDs {
		if mid, ok := byRandom[rid]; ok {
			out[i] = int64(mid)
			matched++
		}
	}
	if matched == len(ids) {
		return out, nil
	}

	// Fallback: новые сообщения ответа по возрастанию id раскладываются на
	// оставшиеся позиции слева направо.
	created := newMessageIDs(updates)
	ci := 0
	for i := range out {
		if out[i] != 0 {
			continue
		}
		if ci >= len(created) {
			logger.Warnf("forward: нет пары для сообщения %d, восстановлено %d из %d", ids[i], i, len(ids))
			break
		}
		out[i] = int64(created[ci])
		ci++
	}
	return out, nil
}

// SendText отправляет текстовое сообщение; replyTo=0 — без ответа.
// Возвращает id созданного сообщения.
func (c *Client) SendText(ctx context.Context, to Peer, text string, replyTo int64) (int64, error) {
	req := &tg.MessagesSendMessageRequest{
		Peer:     to.InputPeer(),
		Message:  text,
		RandomID: rand.Int64(),
	}
	if replyTo != 0 {
		req.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: int(replyTo)})
	}
	updates, err := c.API().MessagesSendMessage(ctx, req)
	if err != nil {
		return 0, errors.Wrap(err, "send message")
	}
	return sentMessageID(updates, req.RandomID), nil
}

// CopyMessage копирует одно сообщение с медиа по ссылке на исходный объект
// (фото или документ), с подписью и опциональным reply. Сообщения без
// поддерживаемого медиа копируются как текст.
func (c *Client) CopyMessage(ctx context.Context, to Peer, msg *tg.Message, replyTo int64) (int64, error) {
	media, ok := inputMediaFrom(msg)
	if !ok {
		return c.SendText(ctx, to, msg.Message, replyTo)
	}

	req := &tg.MessagesSendMediaRequest{
		Peer:     to.InputPeer(),
		Media:    media,
		Message:  msg.Message,
		RandomID: rand.Int64(),
	}
	if replyTo != 0 {
		req.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: int(replyTo)})
	}
	updates, err := c.API().MessagesSendMedia(ctx, req)
	if err != nil {
		return 0, errors.Wrap(err, "send media")
	}
	return sentMessageID(updates, req.RandomID), nil
}

// CopyAlbum копирует альбом одним запросом sendMultiMedia, сохраняя
// группировку. Сообщения без поддерживаемого медиа пропускаются.
func (c *Client) CopyAlbum(ctx context.Context, to Peer, msgs []*tg.Message, replyTo int64) ([]int64, error) {
	multi := make([]tg.InputSingleMedia, 0, len(msgs))
	randomIDs := make([]int64, 0, len(msgs))
	for _, m := range msgs {
		media, ok := inputMediaFrom(m)
		if !ok {
			continue
		}
		rid := rand.Int64()
		randomIDs = append(randomIDs, rid)
		multi = append(multi, tg.InputSingleMedia{Media: media, RandomID: rid, Message: m.Message})
	}
	if len(multi) == 0 {
		return nil, nil
	}

	req := &tg.MessagesSendMultiMediaRequest{
		Peer:       to.InputPeer(),
		MultiMedia: multi,
	}
	if replyTo != 0 {
		req.SetReplyTo(&tg.InputReplyToMessage{ReplyToMsgID: int(replyTo)})
	}
	updates, err := c.API().MessagesSendMultiMedia(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "send multi media")
	}

	byRandom := crossReferences(updates)
	out := make([]int64, len(randomIDs))
	for i, rid := range randomIDs {
		out[i] = int64(byRandom[rid])
	}
	return out, nil
}

// EditMediaSpoiler перевыставляет медиа зеркального сообщения с флагом
// спойлера: при обычной пересылке спойлер теряется. Сообщения без
// поддерживаемого медиа молча пропускаются.
func (c *Client) EditMediaSpoiler(ctx context.Context, peer Peer, messageID int64, srcMsg *tg.Message) error {
	media, ok := inputMediaFrom(srcMsg)
	if !ok {
		return nil
	}
	switch m := media.(type) {
	case *tg.InputMediaPhoto:
		m.Spoiler = true
	case *tg.InputMediaDocument:
		m.Spoiler = true
	}
	req := &tg.MessagesEditMessageRequest{
		Peer:    peer.InputPeer(),
		ID:      int(messageID),
		Message: srcMsg.Message,
	}
	req.SetMedia(media)
	if _, err := c.API().MessagesEditMessage(ctx, req); err != nil {
		return errors.Wrap(err, "edit media spoiler")
	}
	return nil
}

// DeleteMessages удаляет сообщения в канале.
func (c *Client) DeleteMessages(ctx context.Context, peer Peer, ids []int64) error {
	msgIDs := make([]int, len(ids))
	for i, id := range ids {
		msgIDs[i] = int(id)
	}
	_, err := c.API().ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
		Channel: peer.InputChannel(),
		ID:      msgIDs,
	})
	if err != nil {
		return errors.Wrap(err, "delete messages")
	}
	return nil
}

// inputMediaFrom строит ссылку на существующее медиа сообщения. Поддержаны
// фото и документы; остальное (опросы, геопозиции и т.п.) не копируется.
func inputMediaFrom(msg *tg.Message) (tg.InputMediaClass, bool) {
	switch media := msg.Media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := media.Photo.(*tg.Photo)
		if !ok {
			return nil, false
		}
		return &tg.InputMediaPhoto{ID: &tg.InputPhoto{
			ID: photo.ID, AccessHash: photo.AccessHash, FileReference: photo.FileReference,
		}}, true
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			return nil, false
		}
		return &tg.InputMediaDocument{ID: &tg.InputDocument{
			ID: doc.ID, AccessHash: doc.AccessHash, FileReference: doc.FileReference,
		}}, true
	default:
		return nil, false
	}
}

// crossReferences собирает пары random_id → message_id из UpdateMessageID.
func crossReferences(updates tg.UpdatesClass) map[int64]int {
	out := make(map[int64]int)
	for _, u := range flattenUpdates(updates) {
		if ref, ok := u.(*tg.UpdateMessageID); ok {
			out[ref.RandomID] = ref.ID
		}
	}
	return out
}

// newMessageIDs возвращает id новых сообщений из ответа по возрастанию.
func newMessageIDs(updates tg.UpdatesClass) []int {
	var out []int
	for _, u := range flattenUpdates(updates) {
		switch m := u.(type) {
		case *tg.UpdateNewChannelMessage:
			if msg, ok := m.Message.(*tg.Message); ok {
				out = append(out, msg.ID)
			}
		case *tg.UpdateNewMessage:
			if msg, ok := m.Message.(*tg.Message); ok {
				out = append(out, msg.ID)
			}
		}
	}
	sort.Ints(out)
	return out
}

// sentMessageID извлекает id отправленного сообщения из ответа send-методов.
func sentMessageID(updates tg.UpdatesClass, randomID int64) int64 {
	if short, ok := updates.(*tg.UpdateShortSentMessage); ok {
		return int64(short.ID)
	}
	if id, ok := crossReferences(updates)[randomID]; ok {
		return int64(id)
	}
	if ids := newMessageIDs(updates); len(ids) > 0 {
		return int64(ids[len(ids)-1])
	}
	return 0
}

// flattenUpdates достаёт плоский список апдейтов из любого варианта ответа.
func flattenUpdates(updates tg.UpdatesClass) []tg.UpdateClass {
	switch u := updates.(type) {
	case *tg.Updates:
		return u.Updates
	case *tg.UpdatesCombined:
		return u.Updates
	case *tg.UpdateShort:
		return []tg.UpdateClass{u.Update}
	default:
		return nil
	}
}
