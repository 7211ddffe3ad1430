package mirror

import (
	"testing"

	"github.com/gotd/td/tg"
)

func docMessage(attrs ...tg.DocumentAttributeClass) *tg.Message {
	return &tg.Message{
		Media: &tg.MessageMediaDocument{
			Document: &tg.Document{Size: 2048, Attributes: attrs},
		},
	}
}

func TestMessageTypeOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		msg  *tg.Message
		want string
	}{
		{"text", &tg.Message{Message: "hi"}, "text"},
		{"photo", &tg.Message{Media: &tg.MessageMediaPhoto{}}, "photo"},
		{"video", docMessage(&tg.DocumentAttributeVideo{}), "video"},
		{"videoNote", docMessage(&tg.DocumentAttributeVideo{RoundMessage: true}), "video_note"},
		{"voice", docMessage(&tg.DocumentAttributeAudio{Voice: true}), "voice"},
		{"audio", docMessage(&tg.DocumentAttributeAudio{}), "audio"},
		{"sticker", docMessage(&tg.DocumentAttributeSticker{}), "sticker"},
		{"animation", docMessage(&tg.DocumentAttributeAnimated{}), "animation"},
		{"plainDocument", docMessage(), "document"},
		{"poll", &tg.Message{Media: &tg.MessageMediaPoll{}}, "poll"},
		{"location", &tg.Message{Media: &tg.MessageMediaGeo{}}, "location"},
		{"contact", &tg.Message{Media: &tg.MessageMediaContact{}}, "contact"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := messageTypeOf(tc.msg); got != tc.want {
				t.Fatalf("messageTypeOf = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestMappingFieldsFrom(t *testing.T) {
	t.Parallel()

	msg := docMessage(&tg.DocumentAttributeVideo{})
	msg.Message = "caption"
	msg.Date = 1700000000
	msg.SetGroupedID(555)

	f := mappingFieldsFrom(msg)
	if f.MessageType != "video" {
		t.Fatalf("MessageType = %q", f.MessageType)
	}
	if !f.HasMedia {
		t.Fatal("HasMedia = false")
	}
	if f.Text != "caption" {
		t.Fatalf("Text = %q", f.Text)
	}
	if f.MediaGroupID == nil || *f.MediaGroupID != 555 {
		t.Fatalf("MediaGroupID = %v", f.MediaGroupID)
	}
	if f.FileSize == nil || *f.FileSize != 2048 {
		t.Fatalf("FileSize = %v", f.FileSize)
	}
	if f.SentAt == nil || f.SentAt.Unix() != 1700000000 {
		t.Fatalf("SentAt = %v", f.SentAt)
	}
}

func TestHasSpoiler(t *testing.T) {
	t.Parallel()

	if hasSpoiler(&tg.Message{Media: &tg.MessageMediaPhoto{Spoiler: true}}) != true {
		t.Fatal("photo spoiler not detected")
	}
	if hasSpoiler(&tg.Message{Media: &tg.MessageMediaPhoto{}}) {
		t.Fatal("false positive on plain photo")
	}
	if hasSpoiler(&tg.Message{}) {
		t.Fatal("false positive on text message")
	}
}

func TestGroupByAlbum(t *testing.T) {
	t.Parallel()

	grouped := func(id int, gid int64) *tg.Message {
		m := &tg.Message{ID: id}
		m.SetGroupedID(gid)
		return m
	}
	msgs := []*tg.Message{
		{ID: 1},
		grouped(2, 10),
		grouped(3, 10),
		grouped(4, 20),
		{ID: 5},
	}

	units := groupByAlbum(msgs)
	wantSizes := []int{1, 2, 1, 1}
	if len(units) != len(wantSizes) {
		t.Fatalf("units = %d, want %d", len(units), len(wantSizes))
	}
	for i, want := range wantSizes {
		if len(units[i]) != want {
			t.Fatalf("unit %d has %d messages, want %d", i, len(units[i]), want)
		}
	}
}
