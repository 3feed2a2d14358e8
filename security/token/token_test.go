package token

import (
	"encoding/base64"
	"testing"
)

func TestHasher_SHAFallback(t *testing.T) {
	t.Parallel()

	var h Hasher
	if h.HMAC() {
		t.Fatalf("zero hasher must not be in HMAC mode")
	}
	if got, want := h.Hash("abc"), HashSHA256Hex("abc"); got != want {
		t.Fatalf("Hash()=%q want=%q", got, want)
	}
}

func TestHasher_HMAC(t *testing.T) {
	t.Parallel()

	key := []byte("0123456789abcdef0123456789abcdef")
	h := NewHasher(key)
	if !h.HMAC() {
		t.Fatalf("expected HMAC mode")
	}
	got := h.Hash("abc")
	if got != HashHMACSHA256Hex("abc", key) {
		t.Fatalf("unexpected digest %q", got)
	}
	if got == HashSHA256Hex("abc") {
		t.Fatalf("HMAC digest must differ from plain SHA-256")
	}
	if len(got) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(got))
	}
}

func TestNewHasherFromEnv(t *testing.T) {
	t.Setenv(HMACEnvKey, "")
	if _, err := NewHasherFromEnv(true, 32); err != ErrHMACKeyMissing {
		t.Fatalf("expected ErrHMACKeyMissing, got %v", err)
	}
	h, err := NewHasherFromEnv(false, 32)
	if err != nil || h.HMAC() {
		t.Fatalf("expected SHA fallback, got hmac=%v err=%v", h.HMAC(), err)
	}

	t.Setenv(HMACEnvKey, "short")
	if _, err := NewHasherFromEnv(false, 32); err != ErrHMACKeyTooShort {
		t.Fatalf("expected ErrHMACKeyTooShort, got %v", err)
	}

	t.Setenv(HMACEnvKey, "0123456789abcdef0123456789abcdef")
	h, err = NewHasherFromEnv(true, 32)
	if err != nil || !h.HMAC() {
		t.Fatalf("expected HMAC hasher, got hmac=%v err=%v", h.HMAC(), err)
	}
}

func TestNewOpaque(t *testing.T) {
	t.Parallel()

	if _, err := NewOpaque(16); err != ErrTokenTooShort {
		t.Fatalf("expected ErrTokenTooShort, got %v", err)
	}

	a, err := NewOpaque(32)
	if err != nil {
		t.Fatalf("NewOpaque: %v", err)
	}
	b, err := NewOpaque(32)
	if err != nil {
		t.Fatalf("NewOpaque: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct tokens")
	}
	raw, err := base64.RawURLEncoding.DecodeString(a)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(raw) != 32 {
		t.Fatalf("expected 32 bytes of entropy, got %d", len(raw))
	}
}
