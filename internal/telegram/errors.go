package telegram

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/gotd/td/tgerr"
)

// ErrorClass — исход классификации ошибки чат-сервиса. От класса зависит
// реакция воркера: пауза, пропуск, перезагрузка сессии, аварийный выход
// или повтор.
type ErrorClass int

const (
	ClassOther ErrorClass = iota
	ClassFloodWait
	ClassProtectedContent
	ClassMessageDeleted
	ClassSessionInvalid
	ClassFatalConfig
	ClassTransient
	ClassInaccessible
)

func (c ErrorClass) String() string {
	switch c {
	case ClassFloodWait:
		return "flood_wait"
	case ClassProtectedContent:
		return "protected_content"
	case ClassMessageDeleted:
		return "message_deleted"
	case ClassSessionInvalid:
		return "session_invalid"
	case ClassFatalConfig:
		return "fatal_config"
	case ClassTransient:
		return "transient"
	case ClassInaccessible:
		return "inaccessible"
	default:
		return "other"
	}
}

// Коды RPC-ошибок по классам. Списки расширяются только по фактически
// наблюдаемым кодам.
var (
	sessionInvalidCodes = map[string]bool{
		"AUTH_KEY_UNREGISTERED": true,
		"AUTH_KEY_INVALID":      true,
		"SESSION_REVOKED":       true,
		"SESSION_EXPIRED":       true,
		"USER_DEACTIVATED":      true,
		"USER_DEACTIVATED_BAN":  true,
	}
	fatalConfigCodes = map[string]bool{
		"API_ID_INVALID":         true,
		"API_ID_PUBLISHED_FLOOD": true,
		"APP_VERSION_INVALID":    true,
	}
	protectedCodes = map[string]bool{
		"CHAT_FORWARDS_RESTRICTED": true,
	}
	deletedCodes = map[string]bool{
		"MESSAGE_ID_INVALID": true,
		"MESSAGE_IDS_EMPTY":  true,
	}
	inaccessibleCodes = map[string]bool{
		"CHANNEL_PRIVATE":       true,
		"CHANNEL_INVALID":       true,
		"USERNAME_NOT_OCCUPIED": true,
		"USERNAME_INVALID":      true,
		"PEER_ID_INVALID":       true,
		"CHAT_ID_INVALID":       true,
	}
)

// transientPhrases — подстроки сообщений об ошибках сетевого и транспортного
// уровня, после которых операцию стоит повторить.
var transientPhrases = []string{
	"rpc error",
	"rpcDoRequest",
	"timeout",
	"deadline exceeded",
	"connection dead",
	"connection reset",
	"connection refused",
	"broken pipe",
	"use of closed network connection",
	"engine was closed",
	"transport",
	"EOF",
}

// Classify относит ошибку к одному из классов §ErrorClass. Для flood_wait
// вторым значением возвращается предписанная пауза.
func Classify(err error) (ErrorClass, time.Duration) {
	if err == nil {
		return ClassOther, 0
	}

	if d, ok := FloodWaitDuration(err); ok {
		return ClassFloodWait, d
	}

	if rpc, ok := tgerr.As(err); ok {
		t := rpc.Type
		switch {
		case sessionInvalidCodes[t]:
			return ClassSessionInvalid, 0
		case fatalConfigCodes[t]:
			return ClassFatalConfig, 0
		case protectedCodes[t]:
			return ClassProtectedContent, 0
		case deletedCodes[t]:
			return ClassMessageDeleted, 0
		case inaccessibleCodes[t]:
			return ClassInaccessible, 0
		}
		if rpc.Code >= 500 {
			return ClassTransient, 0
		}
		return ClassOther, 0
	}

	if isContextErr(err) {
		return ClassOther, 0
	}

	msg := err.Error()
	for _, p := range transientPhrases {
		if strings.Contains(msg, p) {
			return ClassTransient, 0
		}
	}
	return ClassOther, 0
}

func isContextErr(err error) bool {
	return err == context.Canceled || err == context.DeadlineExceeded ||
		strings.Contains(err.Error(), "context canceled")
}

// FloodWaitDuration извлекает длительность FLOOD_WAIT из ошибки. Понимает и
// структурированную RPC-ошибку gotd, и два текстовых формата:
// «FLOOD_WAIT_60» и «A wait of 60 seconds is required».
func FloodWaitDuration(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	if d, ok := tgerr.AsFloodWait(err); ok {
		return d, true
	}

	msg := err.Error()
	if idx := strings.Index(msg, "FLOOD_WAIT_"); idx >= 0 {
		if secs, ok := leadingInt(msg[idx+len("FLOOD_WAIT_"):]); ok {
			return time.Duration(secs) * time.Second, true
		}
	}
	const prefix = "A wait of "
	if idx := strings.Index(msg, prefix); idx >= 0 {
		rest := msg[idx+len(prefix):]
		if secs, ok := leadingInt(rest); ok && strings.Contains(rest, "seconds is required") {
			return time.Duration(secs) * time.Second, true
		}
	}
	return 0, false
}

func leadingInt(s string) (int, bool) {
	end := 0
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
