package session

import (
	"errors"
	"strings"
	"testing"
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

func testConfig(t *testing.T, format string) Config {
	t.Helper()

	cfg := DefaultConfig()
	cfg.TokenFormat = format
	cfg.PasetoV4SecretKeyHex = paseto.NewV4AsymmetricSecretKey().ExportHex()
	cfg.JWTSecret = strings.Repeat("s", 32)
	return cfg
}

var tokenFormats = []string{FormatPaseto, FormatJWT}

func TestAccessTokenManager_IssueAndParse(t *testing.T) {
	for _, format := range tokenFormats {
		t.Run(format, func(t *testing.T) {
			mgr, err := NewAccessTokenManager(testConfig(t, format))
			if err != nil {
				t.Fatalf("NewAccessTokenManager: %v", err)
			}

			iat := time.Date(2026, 3, 1, 12, 0, 0, 123456000, time.UTC)
			in := AccessClaims{
				Subject:   "01HZZZZZZZZZZZZZZZZZZZZZZZ",
				TokenID:   "jti-1",
				IssuedAt:  iat,
				ExpiresAt: iat.Add(15 * time.Minute),
			}
			tok, err := mgr.Issue(in)
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}

			out, err := mgr.Parse(tok)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if out.Subject != in.Subject || out.TokenID != in.TokenID || out.Issuer != "arc" {
				t.Fatalf("claims mismatch: %+v", out)
			}
			if !out.IssuedAt.Equal(iat) {
				t.Fatalf("iat lost precision: got %v want %v", out.IssuedAt, iat)
			}
			if !out.Expires() {
				t.Fatalf("expected exp claim")
			}
			if !out.ExpiresAt.Equal(in.ExpiresAt) {
				t.Fatalf("exp lost precision: got %v want %v", out.ExpiresAt, in.ExpiresAt)
			}
		})
	}
}

func TestAccessTokenManager_NoExpiryClaim(t *testing.T) {
	for _, format := range tokenFormats {
		t.Run(format, func(t *testing.T) {
			mgr, err := NewAccessTokenManager(testConfig(t, format))
			if err != nil {
				t.Fatalf("NewAccessTokenManager: %v", err)
			}
			tok, err := mgr.Issue(AccessClaims{Subject: "u1", TokenID: "j", IssuedAt: time.Now().UTC()})
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			out, err := mgr.Parse(tok)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if out.Expires() {
				t.Fatalf("expected no exp claim, got %v", out.ExpiresAt)
			}
		})
	}
}

func TestAccessTokenManager_RejectsForeignAndTampered(t *testing.T) {
	for _, format := range tokenFormats {
		t.Run(format, func(t *testing.T) {
			mine, _ := NewAccessTokenManager(testConfig(t, format))

			otherCfg := testConfig(t, format)
			otherCfg.JWTSecret = strings.Repeat("x", 32)
			theirs, _ := NewAccessTokenManager(otherCfg)

			claims := AccessClaims{Subject: "u1", TokenID: "j", IssuedAt: time.Now().UTC()}
			foreign, err := theirs.Issue(claims)
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			if _, err := mine.Parse(foreign); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken for foreign key, got %v", err)
			}

			good, _ := mine.Issue(claims)
			if _, err := mine.Parse(good); err != nil {
				t.Fatalf("Parse(good): %v", err)
			}
			if _, err := mine.Parse(tamper(good)); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken for tampered token, got %v", err)
			}
			tampered := good[:len(good)-10] + tamper(good[len(good)-10:])
			if _, err := mine.Parse(tampered); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken for tampered token, got %v", err)
			}
			if _, err := mine.Parse("not-a-token"); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken for garbage, got %v", err)
			}
		})
	}
}

func TestAccessTokenManager_RejectsWrongIssuer(t *testing.T) {
	for _, format := range tokenFormats {
		t.Run(format, func(t *testing.T) {
			cfg := testConfig(t, format)
			issuer, _ := NewAccessTokenManager(cfg)

			cfg.Issuer = "someone-else"
			verifier, _ := NewAccessTokenManager(cfg)

			tok, _ := issuer.Issue(AccessClaims{Subject: "u1", TokenID: "j", IssuedAt: time.Now().UTC()})
			if _, err := verifier.Parse(tok); !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken for wrong issuer, got %v", err)
			}
		})
	}
}

func TestNewAccessTokenManager_Config(t *testing.T) {
	cfg := testConfig(t, "saml")
	if _, err := NewAccessTokenManager(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for unknown format, got %v", err)
	}

	cfg = testConfig(t, FormatPaseto)
	cfg.PasetoV4SecretKeyHex = "zz"
	if _, err := NewAccessTokenManager(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for bad paseto key, got %v", err)
	}

	cfg = testConfig(t, FormatJWT)
	cfg.JWTSecret = "short"
	if _, err := NewAccessTokenManager(cfg); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for short jwt secret, got %v", err)
	}
}

// tamper flips one base64 character in the middle of s.
func tamper(s string) string {
	b := []byte(s)
	i := len(b) / 2
	for b[i] == '.' {
		i++
	}
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}
	return string(b)
}
