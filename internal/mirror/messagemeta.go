package mirror

import (
	"time"

	"github.com/gotd/td/tg"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/db"
)

// mappingFieldsFrom извлекает из сообщения метаданные для строки
// message_mapping.
func mappingFieldsFrom(msg *tg.Message) db.NewMappingFields {
	f := db.NewMappingFields{
		MessageType: messageTypeOf(msg),
		HasMedia:    msg.Media != nil,
		Text:        msg.Message,
	}
	if gid, ok := msg.GetGroupedID(); ok && gid != 0 {
		f.MediaGroupID = &gid
	}
	if size := fileSizeOf(msg); size > 0 {
		f.FileSize = &size
	}
	if msg.Date > 0 {
		sentAt := time.Unix(int64(msg.Date), 0).UTC()
		f.SentAt = &sentAt
	}
	return f
}

// messageTypeOf классифицирует сообщение по медиа-вложению.
func messageTypeOf(msg *tg.Message) string {
	switch media := msg.Media.(type) {
	case nil:
		return "text"
	case *tg.MessageMediaPhoto:
		return "photo"
	case *tg.MessageMediaDocument:
		doc, ok := media.Document.(*tg.Document)
		if !ok {
			return "document"
		}
		// У GIF одновременно video- и animated-атрибуты; порядок в списке
		// не гарантирован, поэтому сначала собираем признаки.
		var animated, roundVideo, video, voice, audio, sticker bool
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeVideo:
				video = true
				roundVideo = a.RoundMessage
			case *tg.DocumentAttributeAudio:
				audio = true
				voice = a.Voice
			case *tg.DocumentAttributeSticker:
				sticker = true
			case *tg.DocumentAttributeAnimated:
				animated = true
			}
		}
		switch {
		case sticker:
			return "sticker"
		case animated:
			return "animation"
		case roundVideo:
			return "video_note"
		case video:
			return "video"
		case voice:
			return "voice"
		case audio:
			return "audio"
		}
		return "document"
	case *tg.MessageMediaPoll:
		return "poll"
	case *tg.MessageMediaGeo, *tg.MessageMediaGeoLive, *tg.MessageMediaVenue:
		return "location"
	case *tg.MessageMediaContact:
		return "contact"
	default:
		return "other"
	}
}

// fileSizeOf возвращает размер вложенного документа в байтах (0 — нет
// документа; фото считаем незначимыми по размеру).
func fileSizeOf(msg *tg.Message) int64 {
	media, ok := msg.Media.(*tg.MessageMediaDocument)
	if !ok {
		return 0
	}
	doc, ok := media.Document.(*tg.Document)
	if !ok {
		return 0
	}
	return doc.Size
}

// hasSpoiler сообщает, помечено ли медиа источника спойлером.
func hasSpoiler(msg *tg.Message) bool {
	switch media := msg.Media.(type) {
	case *tg.MessageMediaPhoto:
		return media.Spoiler
	case *tg.MessageMediaDocument:
		return media.Spoiler
	default:
		return false
	}
}
