package sessioncrypt_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/wosa1402/wosa-tel-mirror-sub000/internal/infra/sessioncrypt"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	const secret = "correct horse battery staple"
	plaintext := `{"dc":2,"auth_key":"deadbeef"}`

	stored, err := sessioncrypt.Encrypt(plaintext, secret)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(stored, "v1:") {
		t.Fatalf("encrypted value lacks v1 prefix: %q", stored)
	}
	if parts := strings.Split(strings.TrimPrefix(stored, "v1:"), ":"); len(parts) != 4 {
		t.Fatalf("expected 4 sections, got %d", len(parts))
	}

	got, err := sessioncrypt.Decrypt(stored, secret)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != plaintext {
		t.Fatalf("Decrypt = %q, want %q", got, plaintext)
	}
}

func TestDecryptWrongSecret(t *testing.T) {
	t.Parallel()

	stored, err := sessioncrypt.Encrypt("payload", "secret-one")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := sessioncrypt.Decrypt(stored, "secret-two"); err == nil {
		t.Fatal("Decrypt with wrong secret succeeded")
	}
}

func TestDecryptPlaintextPassthrough(t *testing.T) {
	t.Parallel()

	got, err := sessioncrypt.Decrypt("raw-session-data", "any")
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != "raw-session-data" {
		t.Fatalf("Decrypt = %q, want passthrough", got)
	}
}

func TestDecryptMalformed(t *testing.T) {
	t.Parallel()

	for _, stored := range []string{"v1:", "v1:a:b", "v1:a:b:c:d:e"} {
		if _, err := sessioncrypt.Decrypt(stored, "s"); !errors.Is(err, sessioncrypt.ErrMalformed) {
			t.Fatalf("Decrypt(%q): expected ErrMalformed, got %v", stored, err)
		}
	}
}
