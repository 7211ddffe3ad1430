package telegram

import (
	"strconv"
	"strings"

	"github.com/go-faster/errors"
)

// IdentifierKind — распознанная форма свободного идентификатора канала.
type IdentifierKind int

const (
	IdentUnknown IdentifierKind = iota
	IdentUsername
	IdentNumericID
	IdentInviteHash
	IdentSelf
)

// Identifier — результат разбора операторского ввода: @username, числовой id
// вида -100…, ссылка t.me/…, инвайт-хэш +xxx / joinchat/xxx или «me».
type Identifier struct {
	Kind       IdentifierKind
	Username   string // без @, в нижнем регистре
	ChannelID  int64  // без префикса -100
	InviteHash string
}

// ErrBadIdentifier возвращается на ввод, который не удаётся разобрать.
var ErrBadIdentifier = errors.New("unrecognized channel identifier")

// ParseIdentifier разбирает свободную форму идентификатора канала.
func ParseIdentifier(raw string) (Identifier, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Identifier{}, errors.Wrap(ErrBadIdentifier, "empty")
	}

	if strings.EqualFold(s, "me") || strings.EqualFold(s, "self") {
		return Identifier{Kind: IdentSelf}, nil
	}

	// Ссылочные формы: https://t.me/..., t.me/..., telegram.me/...
	if rest, ok := stripLinkPrefix(s); ok {
		s = rest
		switch {
		case strings.HasPrefix(s, "+"):
			return inviteIdent(s[1:])
		case strings.HasPrefix(s, "joinchat/"):
			return inviteIdent(s[len("joinchat/"):])
		case strings.HasPrefix(s, "c/"):
			// t.me/c/<id>/<msg> — deep-link приватного канала; id без
			// префикса -100, хвост с номером поста отбрасывается.
			rest := s[len("c/"):]
			if idx := strings.IndexByte(rest, '/'); idx >= 0 {
				rest = rest[:idx]
			}
			n, err := strconv.ParseInt(rest, 10, 64)
			if err != nil || n <= 0 {
				return Identifier{}, errors.Wrapf(ErrBadIdentifier, "deep link %q", raw)
			}
			return Identifier{Kind: IdentNumericID, ChannelID: n}, nil
		default:
			// t.me/username[/123] — хвост с номером поста отбрасывается.
			if idx := strings.IndexByte(s, '/'); idx >= 0 {
				s = s[:idx]
			}
			return usernameIdent(s)
		}
	}

	if strings.HasPrefix(s, "+") {
		return inviteIdent(s[1:])
	}
	if strings.HasPrefix(s, "@") {
		return usernameIdent(s[1:])
	}

	// Числовые формы: -100<id> либо голый положительный id канала.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return numericIdent(n)
	}

	return usernameIdent(s)
}

func stripLinkPrefix(s string) (string, bool) {
	for _, p := range []string{"https://t.me/", "http://t.me/", "t.me/", "https://telegram.me/", "telegram.me/"} {
		if strings.HasPrefix(s, p) {
			return s[len(p):], true
		}
	}
	return s, false
}

func usernameIdent(s string) (Identifier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) < 3 || len(s) > 32 {
		return Identifier{}, errors.Wrapf(ErrBadIdentifier, "username %q", s)
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' {
			continue
		}
		return Identifier{}, errors.Wrapf(ErrBadIdentifier, "username %q", s)
	}
	return Identifier{Kind: IdentUsername, Username: s}, nil
}

// inviteIdent принимает инвайт-хэши из [A-Za-z0-9_-].
func inviteIdent(hash string) (Identifier, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return Identifier{}, errors.Wrap(ErrBadIdentifier, "empty invite hash")
	}
	for _, r := range hash {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' {
			continue
		}
		return Identifier{}, errors.Wrapf(ErrBadIdentifier, "invite hash %q", hash)
	}
	return Identifier{Kind: IdentInviteHash, InviteHash: hash}, nil
}

func numericIdent(n int64) (Identifier, error) {
	const marker = int64(-1000000000000)
	switch {
	case n <= marker:
		return Identifier{Kind: IdentNumericID, ChannelID: -n + marker}, nil
	case n > 0:
		return Identifier{Kind: IdentNumericID, ChannelID: n}, nil
	default:
		return Identifier{}, errors.Wrapf(ErrBadIdentifier, "numeric id %d", n)
	}
}

// CanonicalIdentifier строит каноническую строковую форму для хранения в БД:
// @username, -100<id> или +<hash>.
func CanonicalIdentifier(id Identifier) string {
	switch id.Kind {
	case IdentUsername:
		return "@" + id.Username
	case IdentNumericID:
		return "-100" + strconv.FormatInt(id.ChannelID, 10)
	case IdentInviteHash:
		return "+" + id.InviteHash
	case IdentSelf:
		return "me"
	default:
		return ""
	}
}
