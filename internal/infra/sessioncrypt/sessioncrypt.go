// Package sessioncrypt — расшифровка MTProto-сессии, сохранённой веб-интерфейсом
// в таблице настроек. Формат значения:
//
//	v1:<salt_b64>:<iv_b64>:<ciphertext_b64>:<tag_b64>
//
// Ключ выводится из ENCRYPTION_SECRET и соли через scrypt (32 байта), шифр —
// AES-256-GCM с внешним тегом аутентификации. Значения без префикса "v1:"
// считаются незашифрованными и возвращаются как есть (обратная совместимость
// со старыми установками).
package sessioncrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/go-faster/errors"
	"golang.org/x/crypto/scrypt"
)

// Параметры scrypt согласованы с мастером авторизации, который шифрует сессию.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
)

// versionPrefix метит формат зашифрованного значения.
const versionPrefix = "v1:"

// ErrMalformed возвращается, когда значение имеет префикс v1, но не разбирается
// на четыре base64-секции.
var ErrMalformed = errors.New("sessioncrypt: malformed v1 payload")

// Decrypt возвращает расшифрованную строку сессии. Для значений без префикса v1
// возвращает вход без изменений. Ошибка аутентификации GCM означает либо
// неверный ENCRYPTION_SECRET, либо повреждённые данные.
func Decrypt(stored, secret string) (string, error) {
	if !strings.HasPrefix(stored, versionPrefix) {
		return stored, nil
	}

	parts := strings.Split(strings.TrimPrefix(stored, versionPrefix), ":")
	if len(parts) != 4 {
		return "", ErrMalformed
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	iv, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("decode iv: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	tag, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("decode tag: %w", err)
	}

	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", errors.Wrap(err, "derive key")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errors.Wrap(err, "create AES cipher")
	}
	aead, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return "", errors.Wrap(err, "create GCM cipher")
	}

	// Go ожидает тег, приписанный к шифртексту; формат хранит его отдельной секцией.
	plaintext, err := aead.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", errors.Wrap(err, "open session payload")
	}
	return string(plaintext), nil
}

const (
	saltLen = 16
	ivLen   = 12
	tagLen  = 16
)

// Encrypt упаковывает строку сессии в формат v1 со свежими солью и IV.
// Обратная операция к Decrypt; используется утилитой первичного входа.
func Encrypt(plaintext, secret string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", errors.Wrap(err, "generate salt")
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return "", errors.Wrap(err, "generate iv")
	}

	key, err := scrypt.Key([]byte(secret), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return "", errors.Wrap(err, "derive key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", errors.Wrap(err, "create AES cipher")
	}
	aead, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return "", errors.Wrap(err, "create GCM cipher")
	}

	sealed := aead.Seal(nil, iv, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-tagLen], sealed[len(sealed)-tagLen:]

	enc := base64.StdEncoding
	return versionPrefix + strings.Join([]string{
		enc.EncodeToString(salt),
		enc.EncodeToString(iv),
		enc.EncodeToString(ciphertext),
		enc.EncodeToString(tag),
	}, ":"), nil
}
