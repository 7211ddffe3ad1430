package telegram

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// ChannelInfo — сведения о канале, сохраняемые в БД после резолва.
type ChannelInfo struct {
	ID           int64
	AccessHash   int64
	Title        string
	Username     string
	About        string
	Participants int
	Noforwards   bool
	LinkedChatID int64
}

func (i ChannelInfo) Peer() Peer { return Peer{ChannelID: i.ID, AccessHash: i.AccessHash} }

// ResolveChannel превращает разобранный идентификатор в полные сведения о
// канале. Для инвайт-хэшей при необходимости выполняется вступление.
func (c *Client) ResolveChannel(ctx context.Context, ident Identifier) (*ChannelInfo, error) {
	var ch *tg.Channel
	var err error
	switch ident.Kind {
	case IdentUsername:
		ch, err = c.resolveUsernameChannel(ctx, ident.Username)
	case IdentNumericID:
		ch, err = c.resolveIDChannel(ctx, ident.ChannelID)
	case IdentInviteHash:
		ch, err = c.resolveInviteChannel(ctx, ident.InviteHash)
	default:
		return nil, errors.Wrapf(ErrBadIdentifier, "kind %d", ident.Kind)
	}
	if err != nil {
		return nil, err
	}
	return c.fillChannelInfo(ctx, ch)
}

func (c *Client) resolveUsernameChannel(ctx context.Context, username string) (*tg.Channel, error) {
	resp, err := c.API().ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return nil, errors.Wrapf(err, "resolve username %q", username)
	}
	if ch := channelFromChats(resp.Chats, 0); ch != nil {
		return ch, nil
	}
	return nil, errors.Errorf("identifier %q is not a channel", username)
}

func (c *Client) resolveIDChannel(ctx context.Context, channelID int64) (*tg.Channel, error) {
	// Без известного access hash остаётся запрос с нулевым хэшем: для каналов,
	// где аккаунт состоит, сервер его принимает.
	resp, err := c.API().ChannelsGetChannels(ctx, []tg.InputChannelClass{
		&tg.InputChannel{ChannelID: channelID},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "get channel %d", channelID)
	}
	if ch := channelFromChats(resp.GetChats(), channelID); ch != nil {
		return ch, nil
	}
	return nil, errors.Errorf("channel %d not found", channelID)
}

func (c *Client) resolveInviteChannel(ctx context.Context, hash string) (*tg.Channel, error) {
	invite, err := c.API().MessagesCheckChatInvite(ctx, hash)
	if err != nil {
		return nil, errors.Wrapf(err, "check invite %q", hash)
	}
	if already, ok := invite.(*tg.ChatInviteAlready); ok {
		if ch, chOK := already.Chat.(*tg.Channel); chOK {
			return ch, nil
		}
		return nil, errors.New("invite leads to a non-channel chat")
	}

	// Ещё не участник: вступаем по инвайту.
	updates, err := c.API().MessagesImportChatInvite(ctx, hash)
	if err != nil {
		return nil, errors.Wrapf(err, "import invite %q", hash)
	}
	if u, ok := updates.(*tg.Updates); ok {
		if ch := channelFromChats(u.Chats, 0); ch != nil {
			return ch, nil
		}
	}
	return nil, errors.New("joined chat is not a channel")
}

func (c *Client) fillChannelInfo(ctx context.Context, ch *tg.Channel) (*ChannelInfo, error) {
	info := &ChannelInfo{
		ID:         ch.ID,
		AccessHash: ch.AccessHash,
		Title:      ch.Title,
		Username:   ch.Username,
		Noforwards: ch.Noforwards,
	}

	full, err := c.API().ChannelsGetFullChannel(ctx, &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash})
	if err != nil {
		return nil, errors.Wrap(err, "get full channel")
	}
	if cf, ok := full.FullChat.(*tg.ChannelFull); ok {
		info.About = cf.About
		info.Participants = cf.ParticipantsCount
		info.LinkedChatID = cf.LinkedChatID
	}
	return info, nil
}

func channelFromChats(chats []tg.ChatClass, wantID int64) *tg.Channel {
	for _, chat := range chats {
		ch, ok := chat.(*tg.Channel)
		if !ok {
			continue
		}
		if wantID == 0 || ch.ID == wantID {
			return ch
		}
	}
	return nil
}

// CreateBroadcast создаёт вещательный канал и возвращает его координаты.
func (c *Client) CreateBroadcast(ctx context.Context, title, about string) (*ChannelInfo, error) {
	updates, err := c.API().ChannelsCreateChannel(ctx, &tg.ChannelsCreateChannelRequest{
		Broadcast: true,
		Title:     title,
		About:     about,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create channel")
	}
	ch := createdChannel(updates)
	if ch == nil {
		return nil, errors.New("create channel: no channel in response")
	}
	return &ChannelInfo{ID: ch.ID, AccessHash: ch.AccessHash, Title: ch.Title}, nil
}

// CreateLinkedDiscussion создаёт мегагруппу и привязывает её к каналу как
// обсуждение. Возвращает координаты группы.
func (c *Client) CreateLinkedDiscussion(ctx context.Context, broadcast Peer, title string) (*ChannelInfo, error) {
	updates, err := c.API().ChannelsCreateChannel(ctx, &tg.ChannelsCreateChannelRequest{
		Megagroup: true,
		Title:     title,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create discussion group")
	}
	group := createdChannel(updates)
	if group == nil {
		return nil, errors.New("create discussion group: no channel in response")
	}

	_, err = c.API().ChannelsSetDiscussionGroup(ctx, &tg.ChannelsSetDiscussionGroupRequest{
		Broadcast: broadcast.InputChannel(),
		Group:     &tg.InputChannel{ChannelID: group.ID, AccessHash: group.AccessHash},
	})
	if err != nil {
		return nil, errors.Wrap(err, "link discussion group")
	}
	return &ChannelInfo{ID: group.ID, AccessHash: group.AccessHash, Title: group.Title}, nil
}

func createdChannel(updates tg.UpdatesClass) *tg.Channel {
	switch u := updates.(type) {
	case *tg.Updates:
		return channelFromChats(u.Chats, 0)
	case *tg.UpdatesCombined:
		return channelFromChats(u.Chats, 0)
	default:
		return nil
	}
}

// ExportInvite выпускает инвайт-ссылку канала.
func (c *Client) ExportInvite(ctx context.Context, peer Peer) (string, error) {
	invite, err := c.API().MessagesExportChatInvite(ctx, &tg.MessagesExportChatInviteRequest{
		Peer: peer.InputPeer(),
	})
	if err != nil {
		return "", errors.Wrap(err, "export invite")
	}
	exported, ok := invite.(*tg.ChatInviteExported)
	if !ok {
		return "", errors.New("unexpected invite type")
	}
	return exported.Link, nil
}

// ResolveUser превращает идентификатор администратора (@username или числовой
// id) в InputUser для продвижения в админы.
func (c *Client) ResolveUser(ctx context.Context, identifier string) (*tg.InputUser, error) {
	s := strings.TrimSpace(strings.TrimPrefix(identifier, "@"))
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return &tg.InputUser{UserID: n}, nil
	}
	resp, err := c.API().ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: s})
	if err != nil {
		return nil, errors.Wrapf(err, "resolve user %q", identifier)
	}
	for _, u := range resp.Users {
		if user, ok := u.(*tg.User); ok {
			return &tg.InputUser{UserID: user.ID, AccessHash: user.AccessHash}, nil
		}
	}
	return nil, errors.Errorf("user %q not found", identifier)
}

// PromoteFullAdmin выдаёт пользователю полный набор административных прав.
// USER_ALREADY_PARTICIPANT считается успехом.
func (c *Client) PromoteFullAdmin(ctx context.Context, channel Peer, user *tg.InputUser, rank string) error {
	_, err := c.API().ChannelsEditAdmin(ctx, &tg.ChannelsEditAdminRequest{
		Channel: channel.InputChannel(),
		UserID:  user,
		AdminRights: tg.ChatAdminRights{
			ChangeInfo:     true,
			PostMessages:   true,
			EditMessages:   true,
			DeleteMessages: true,
			BanUsers:       true,
			InviteUsers:    true,
			PinMessages:    true,
			AddAdmins:      true,
			Anonymous:      true,
			ManageCall:     true,
			Other:          true,
			ManageTopics:   true,
			PostStories:    true,
			EditStories:    true,
			DeleteStories:  true,
		},
		Rank: rank,
	})
	if tgerr.Is(err, "USER_ALREADY_PARTICIPANT") {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "edit admin")
	}
	return nil
}

// DiscussionRoot находит корневое сообщение обсуждения для поста канала:
// возвращает координаты привязанной группы и id корня треда.
func (c *Client) DiscussionRoot(ctx context.Context, broadcast Peer, postID int64) (Peer, int64, error) {
	resp, err := c.API().MessagesGetDiscussionMessage(ctx, &tg.MessagesGetDiscussionMessageRequest{
		Peer:  broadcast.InputPeer(),
		MsgID: int(postID),
	})
	if err != nil {
		return Peer{}, 0, errors.Wrap(err, "get discussion message")
	}
	for _, m := range resp.Messages {
		msg, ok := m.(*tg.Message)
		if !ok {
			continue
		}
		peerCh, ok := msg.PeerID.(*tg.PeerChannel)
		if !ok {
			continue
		}
		if ch := channelFromChats(resp.Chats, peerCh.ChannelID); ch != nil {
			return Peer{ChannelID: ch.ID, AccessHash: ch.AccessHash}, int64(msg.ID), nil
		}
	}
	return Peer{}, 0, errors.New("discussion root not found")
}

// HistoryPage — страница истории канала.
type HistoryPage struct {
	Messages []*tg.Message // по возрастанию id
	Total    int
}

// HistoryAscending возвращает до limit сообщений со строго большими id, чем
// afterID, по возрастанию, плюс общий размер истории по оценке сервера.
// limit=0 — только подсчёт.
func (c *Client) HistoryAscending(ctx context.Context, peer Peer, afterID int64, limit int) (*HistoryPage, error) {
	req := &tg.MessagesGetHistoryRequest{
		Peer:     peer.InputPeer(),
		OffsetID: int(afterID),
		// Отрицательный AddOffset сдвигает окно на сообщения НОВЕЕ OffsetID.
		AddOffset: -limit,
		Limit:     limit,
		MinID:     int(afterID),
	}
	resp, err := c.API().MessagesGetHistory(ctx, req)
	if err != nil {
		return nil, errors.Wrap(err, "get history")
	}

	page := &HistoryPage{}
	switch h := resp.(type) {
	case *tg.MessagesChannelMessages:
		page.Total = h.Count
		page.Messages = plainMessages(h.Messages)
	case *tg.MessagesMessagesSlice:
		page.Total = h.Count
		page.Messages = plainMessages(h.Messages)
	case *tg.MessagesMessages:
		page.Total = len(h.Messages)
		page.Messages = plainMessages(h.Messages)
	default:
		return nil, errors.Errorf("unexpected history type %T", resp)
	}

	sort.Slice(page.Messages, func(i, j int) bool { return page.Messages[i].ID < page.Messages[j].ID })
	return page, nil
}

// LinkedDiscussion возвращает координаты привязанной группы обсуждения
// канала; ok=false — обсуждение не привязано.
func (c *Client) LinkedDiscussion(ctx context.Context, broadcast Peer) (Peer, bool, error) {
	full, err := c.API().ChannelsGetFullChannel(ctx, broadcast.InputChannel())
	if err != nil {
		return Peer{}, false, errors.Wrap(err, "get full channel")
	}
	cf, ok := full.FullChat.(*tg.ChannelFull)
	if !ok || cf.LinkedChatID == 0 {
		return Peer{}, false, nil
	}
	if ch := channelFromChats(full.Chats, cf.LinkedChatID); ch != nil {
		return Peer{ChannelID: ch.ID, AccessHash: ch.AccessHash}, true, nil
	}
	return Peer{}, false, nil
}

// LatestMessage возвращает самое свежее сообщение канала (или nil для пустой
// истории) и общий размер истории по оценке сервера.
func (c *Client) LatestMessage(ctx context.Context, peer Peer) (*tg.Message, int, error) {
	resp, err := c.API().MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer.InputPeer(),
		Limit: 1,
	})
	if err != nil {
		return nil, 0, errors.Wrap(err, "get latest message")
	}
	switch h := resp.(type) {
	case *tg.MessagesChannelMessages:
		msgs := plainMessages(h.Messages)
		if len(msgs) == 0 {
			return nil, h.Count, nil
		}
		return msgs[0], h.Count, nil
	case *tg.MessagesMessagesSlice:
		msgs := plainMessages(h.Messages)
		if len(msgs) == 0 {
			return nil, h.Count, nil
		}
		return msgs[0], h.Count, nil
	case *tg.MessagesMessages:
		msgs := plainMessages(h.Messages)
		if len(msgs) == 0 {
			return nil, len(h.Messages), nil
		}
		return msgs[0], len(h.Messages), nil
	default:
		return nil, 0, errors.Errorf("unexpected history type %T", resp)
	}
}

// GetMessages возвращает сообщения канала по id (для пересборки альбомов и
// зеркалирования комментариев).
func (c *Client) GetMessages(ctx context.Context, peer Peer, ids []int64) ([]*tg.Message, error) {
	msgIDs := make([]tg.InputMessageClass, len(ids))
	for i, id := range ids {
		msgIDs[i] = &tg.InputMessageID{ID: int(id)}
	}
	resp, err := c.API().ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
		Channel: peer.InputChannel(),
		ID:      msgIDs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "get messages")
	}
	switch h := resp.(type) {
	case *tg.MessagesChannelMessages:
		return plainMessages(h.Messages), nil
	case *tg.MessagesMessages:
		return plainMessages(h.Messages), nil
	default:
		return nil, errors.Errorf("unexpected messages type %T", resp)
	}
}

// Replies возвращает до limit ответов треда поста по возрастанию id.
func (c *Client) Replies(ctx context.Context, peer Peer, postID int64, limit int) ([]*tg.Message, error) {
	resp, err := c.API().MessagesGetReplies(ctx, &tg.MessagesGetRepliesRequest{
		Peer:  peer.InputPeer(),
		MsgID: int(postID),
		Limit: limit,
	})
	if err != nil {
		return nil, errors.Wrap(err, "get replies")
	}
	var msgs []*tg.Message
	switch h := resp.(type) {
	case *tg.MessagesChannelMessages:
		msgs = plainMessages(h.Messages)
	case *tg.MessagesMessagesSlice:
		msgs = plainMessages(h.Messages)
	case *tg.MessagesMessages:
		msgs = plainMessages(h.Messages)
	}
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs, nil
}

func plainMessages(in []tg.MessageClass) []*tg.Message {
	out := make([]*tg.Message, 0, len(in))
	for _, m := range in {
		if msg, ok := m.(*tg.Message); ok {
			out = append(out, msg)
		}
	}
	return out
}
