package token

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// HMACEnvKey is the env var name for the token HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "ARC_TOKEN_HMAC_KEY"

	// MinOpaqueBytes is the minimum entropy for opaque refresh tokens (256 bits).
	MinOpaqueBytes = 32
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing a minimum byte length.
// If the env var is missing/blank -> ErrHMACKeyMissing.
// If too short -> ErrHMACKeyTooShort.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// Hasher hashes refresh tokens for server-side storage.
// The zero value hashes with plain SHA-256.
type Hasher struct {
	key []byte
}

// NewHasher returns a Hasher. A nil or empty key selects SHA-256 mode.
func NewHasher(key []byte) Hasher {
	if len(key) == 0 {
		return Hasher{}
	}
	return Hasher{key: append([]byte(nil), key...)}
}

// NewHasherFromEnv builds a Hasher from ARC_TOKEN_HMAC_KEY.
//
// When requireHMAC is true, a missing or short key is an error (no SHA fallback).
// Otherwise a missing key silently selects SHA-256 for dev.
func NewHasherFromEnv(requireHMAC bool, minBytes int) (Hasher, error) {
	key, err := HMACKeyFromEnv(minBytes)
	if err != nil {
		if requireHMAC || err == ErrHMACKeyTooShort {
			return Hasher{}, err
		}
		return Hasher{}, nil
	}
	return NewHasher(key), nil
}

// HMAC reports whether the hasher runs in keyed mode.
func (h Hasher) HMAC() bool { return len(h.key) > 0 }

// Hash returns the 64-char hex digest stored in place of the plain token.
func (h Hasher) Hash(plain string) string {
	if len(h.key) == 0 {
		return HashSHA256Hex(plain)
	}
	return HashHMACSHA256Hex(plain, h.key)
}

// NewOpaque returns a URL-safe random token carrying nBytes of entropy.
// nBytes below MinOpaqueBytes is rejected.
func NewOpaque(nBytes int) (string, error) {
	if nBytes < MinOpaqueBytes {
		return "", ErrTokenTooShort
	}
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	// URL-safe, no padding.
	return base64.RawURLEncoding.EncodeToString(b), nil
}
