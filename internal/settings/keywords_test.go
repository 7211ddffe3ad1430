package settings_test

import (
	"reflect"
	"strings"
	"testing"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/settings"
)

func TestParseKeywords(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "commaSeparated",
			raw:  "crypto, Bitcoin,ETH",
			want: []string{"crypto", "bitcoin", "eth"},
		},
		{
			name: "mixedSeparators",
			raw:  "раз，два;три\nчетыре\tпять  шесть",
			want: []string{"раз", "два", "три", "четыре", "пять", "шесть"},
		},
		{
			name: "fullwidthAndNBSP",
			raw:  "один два　три",
			want: []string{"один", "два", "три"},
		},
		{
			name: "duplicatesCollapsedCaseInsensitive",
			raw:  "Spam, spam, SPAM, ham",
			want: []string{"spam", "ham"},
		},
		{
			name: "empty",
			raw:  "  ,\n; ",
			want: []string{},
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			got := settings.ParseKeywords(tc.raw)
			if len(got) == 0 && len(tc.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("ParseKeywords(%q) = %#v, want %#v", tc.raw, got, tc.want)
			}
		})
	}
}

func TestParseKeywordsLimits(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("ю", 150)
	got := settings.ParseKeywords(long)
	if len(got) != 1 {
		t.Fatalf("expected single keyword, got %d", len(got))
	}
	if runes := []rune(got[0]); len(runes) != 100 {
		t.Fatalf("keyword length = %d runes, want 100", len(runes))
	}

	var sb strings.Builder
	for i := 0; i < 300; i++ {
		sb.WriteString("kw")
		sb.WriteString(strings.Repeat("x", i/26+1))
		sb.WriteByte(byte('a' + i%26))
		sb.WriteByte(',')
	}
	if got := settings.ParseKeywords(sb.String()); len(got) > 200 {
		t.Fatalf("keyword count = %d, want at most 200", len(got))
	}
}

func TestMatchesAny(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		text     string
		keywords []string
		want     bool
	}{
		{"caseInsensitiveSubstring", "Breaking NEWS today", []string{"news"}, true},
		{"noMatch", "quiet day", []string{"news", "alert"}, false},
		{"emptyKeywords", "anything", nil, false},
		{"cyrillic", "Срочные НОВОСТИ", []string{"новости"}, true},
		{"substringInsideWord", "unsubscribe", []string{"sub"}, true},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := settings.MatchesAny(tc.text, tc.keywords); got != tc.want {
				t.Fatalf("MatchesAny(%q, %v) = %v, want %v", tc.text, tc.keywords, got, tc.want)
			}
		})
	}
}
