package session

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Token formats accepted by ARC_AUTH_TOKEN_FORMAT.
const (
	FormatPaseto = "paseto"
	FormatJWT    = "jwt"
)

// Config defines all runtime configuration for the token lifecycle.
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string

	// AccessTokenTTL is the default access-token lifetime.
	AccessTokenTTL time.Duration

	// RefreshTTLDays is the refresh-token lifetime in days.
	RefreshTTLDays int

	// ClockSkew is the leeway applied to exp during validation.
	ClockSkew time.Duration

	// RefreshTokenBytes is the number of random bytes per refresh token (32..64).
	RefreshTokenBytes int

	// TokenFormat selects the access-token format (FormatPaseto or FormatJWT).
	TokenFormat string

	// PasetoV4SecretKeyHex is the hex-encoded Ed25519 secret key for PASETO v4.public.
	PasetoV4SecretKeyHex string

	// JWTSecret is the HS256 shared secret.
	JWTSecret string
}

// DefaultConfig returns a secure default configuration suitable for development.
func DefaultConfig() Config {
	return Config{
		Issuer:            "arc",
		AccessTokenTTL:    15 * time.Minute,
		RefreshTTLDays:    30,
		ClockSkew:         30 * time.Second,
		RefreshTokenBytes: 32,
		TokenFormat:       FormatPaseto,
	}
}

// RefreshTTL returns RefreshTTLDays as a duration.
func (c Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTTLDays) * 24 * time.Hour
}

// LoadConfigFromEnv loads token configuration from environment variables.
//
// Required:
//   - ARC_PASETO_V4_SECRET_KEY_HEX (paseto format)
//   - ARC_JWT_SECRET, at least 32 bytes (jwt format)
//
// Optional:
//   - ARC_AUTH_TOKEN_FORMAT (paseto|jwt)
//   - ARC_AUTH_ISSUER
//   - ARC_AUTH_ACCESS_TTL
//   - ARC_AUTH_REFRESH_TTL_DAYS
//   - ARC_AUTH_CLOCK_SKEW
//   - ARC_AUTH_REFRESH_TOKEN_BYTES
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.TrimSpace(os.Getenv("ARC_AUTH_TOKEN_FORMAT")); v != "" {
		cfg.TokenFormat = strings.ToLower(v)
	}
	if cfg.TokenFormat != FormatPaseto && cfg.TokenFormat != FormatJWT {
		return Config{}, ErrConfig
	}

	if v := os.Getenv("ARC_AUTH_ISSUER"); v != "" {
		cfg.Issuer = v
	}

	if v := os.Getenv("ARC_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("ARC_AUTH_REFRESH_TTL_DAYS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 3650 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTTLDays = n
	}

	if v := os.Getenv("ARC_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	if v := os.Getenv("ARC_AUTH_REFRESH_TOKEN_BYTES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 32 || n > 64 {
			return Config{}, ErrConfig
		}
		cfg.RefreshTokenBytes = n
	}

	switch cfg.TokenFormat {
	case FormatPaseto:
		cfg.PasetoV4SecretKeyHex = os.Getenv("ARC_PASETO_V4_SECRET_KEY_HEX")
		if cfg.PasetoV4SecretKeyHex == "" {
			return Config{}, ErrConfig
		}
	case FormatJWT:
		cfg.JWTSecret = os.Getenv("ARC_JWT_SECRET")
		if len(cfg.JWTSecret) < 32 {
			return Config{}, ErrConfig
		}
	}

	return cfg, nil
}
