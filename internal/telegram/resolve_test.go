package telegram_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/telegram"
)

func TestParseIdentifier(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want telegram.Identifier
	}{
		{
			name: "atUsername",
			raw:  "@SomeChannel",
			want: telegram.Identifier{Kind: telegram.IdentUsername, Username: "somechannel"},
		},
		{
			name: "bareUsername",
			raw:  "durov_channel",
			want: telegram.Identifier{Kind: telegram.IdentUsername, Username: "durov_channel"},
		},
		{
			name: "tmeLink",
			raw:  "https://t.me/golang_news",
			want: telegram.Identifier{Kind: telegram.IdentUsername, Username: "golang_news"},
		},
		{
			name: "tmeLinkWithPostID",
			raw:  "t.me/golang_news/42",
			want: telegram.Identifier{Kind: telegram.IdentUsername, Username: "golang_news"},
		},
		{
			name: "telegramMeLink",
			raw:  "telegram.me/golang_news",
			want: telegram.Identifier{Kind: telegram.IdentUsername, Username: "golang_news"},
		},
		{
			name: "inviteLinkPlus",
			raw:  "https://t.me/+AbCdEf123",
			want: telegram.Identifier{Kind: telegram.IdentInviteHash, InviteHash: "AbCdEf123"},
		},
		{
			name: "inviteLinkJoinchat",
			raw:  "t.me/joinchat/XyZ987",
			want: telegram.Identifier{Kind: telegram.IdentInviteHash, InviteHash: "XyZ987"},
		},
		{
			name: "barePlusHash",
			raw:  "+AbCdEf123",
			want: telegram.Identifier{Kind: telegram.IdentInviteHash, InviteHash: "AbCdEf123"},
		},
		{
			name: "prefixedNumericID",
			raw:  "-1001234567890",
			want: telegram.Identifier{Kind: telegram.IdentNumericID, ChannelID: 1234567890},
		},
		{
			name: "bareNumericID",
			raw:  "1234567890",
			want: telegram.Identifier{Kind: telegram.IdentNumericID, ChannelID: 1234567890},
		},
		{
			name: "privateDeepLink",
			raw:  "https://t.me/c/1234567890/42",
			want: telegram.Identifier{Kind: telegram.IdentNumericID, ChannelID: 1234567890},
		},
		{
			name: "privateDeepLinkNoPost",
			raw:  "t.me/c/1234567890",
			want: telegram.Identifier{Kind: telegram.IdentNumericID, ChannelID: 1234567890},
		},
		{
			name: "self",
			raw:  "me",
			want: telegram.Identifier{Kind: telegram.IdentSelf},
		},
		{
			name: "selfUpper",
			raw:  "Self",
			want: telegram.Identifier{Kind: telegram.IdentSelf},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got, err := telegram.ParseIdentifier(tc.raw)
			if err != nil {
				t.Fatalf("ParseIdentifier(%q) error: %v", tc.raw, err)
			}
			if got != tc.want {
				t.Fatalf("ParseIdentifier(%q) = %#v, want %#v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestParseIdentifierRejects(t *testing.T) {
	t.Parallel()

	for _, raw := range []string{
		"", "  ", "@ab", "@bad-name", "-42", "0", "@" + strings.Repeat("a", 40),
		"t.me/c/abc/42", "t.me/c/-5/1", "+хэш", "t.me/joinchat/bad hash",
	} {
		if _, err := telegram.ParseIdentifier(raw); !errors.Is(err, telegram.ErrBadIdentifier) {
			t.Fatalf("ParseIdentifier(%q): expected ErrBadIdentifier, got %v", raw, err)
		}
	}
}

func TestCanonicalIdentifierRoundTrip(t *testing.T) {
	t.Parallel()

	for _, canonical := range []string{"@somechannel", "-1001234567890", "+AbCdEf123", "me"} {
		ident, err := telegram.ParseIdentifier(canonical)
		if err != nil {
			t.Fatalf("ParseIdentifier(%q) error: %v", canonical, err)
		}
		if got := telegram.CanonicalIdentifier(ident); got != canonical {
			t.Fatalf("CanonicalIdentifier(%q) = %q, want unchanged", canonical, got)
		}
	}

	// Каноническая числовая форма переживает проход через deep-link.
	ident, err := telegram.ParseIdentifier("https://t.me/c/1234567890/7")
	if err != nil {
		t.Fatalf("ParseIdentifier deep link error: %v", err)
	}
	if got := telegram.CanonicalIdentifier(ident); got != "-1001234567890" {
		t.Fatalf("CanonicalIdentifier deep link = %q, want -1001234567890", got)
	}
}
