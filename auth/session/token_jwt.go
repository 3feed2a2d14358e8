package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtAccessClaims carries iat and exp twice: the registered claims (whole
// seconds, for interop) and iat_us / exp_us (microseconds). Parse prefers the
// microsecond values so both token formats expire and compare at the same instant.
type jwtAccessClaims struct {
	jwt.RegisteredClaims
	IssuedAtMicros  int64 `json:"iat_us,omitempty"`
	ExpiresAtMicros int64 `json:"exp_us,omitempty"`
}

type jwtManager struct {
	issuer string
	secret []byte
}

// NewJWTManager builds an HS256 AccessTokenManager from cfg.JWTSecret.
func NewJWTManager(cfg Config) (AccessTokenManager, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, ErrConfig
	}
	return &jwtManager{issuer: cfg.Issuer, secret: []byte(cfg.JWTSecret)}, nil
}

func (m *jwtManager) Issue(c AccessClaims) (string, error) {
	claims := jwtAccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   m.issuer,
			Subject:  c.Subject,
			ID:       c.TokenID,
			IssuedAt: jwt.NewNumericDate(c.IssuedAt),
		},
		IssuedAtMicros: c.IssuedAt.UnixMicro(),
	}
	if c.Expires() {
		claims.ExpiresAt = jwt.NewNumericDate(c.ExpiresAt)
		claims.ExpiresAtMicros = c.ExpiresAt.UnixMicro()
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *jwtManager) Parse(token string) (AccessClaims, error) {
	var claims jwtAccessClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	if claims.Issuer != m.issuer || claims.Subject == "" || claims.ID == "" {
		return AccessClaims{}, ErrInvalidToken
	}

	out := AccessClaims{
		Subject: claims.Subject,
		TokenID: claims.ID,
		Issuer:  claims.Issuer,
	}
	switch {
	case claims.IssuedAtMicros > 0:
		out.IssuedAt = time.UnixMicro(claims.IssuedAtMicros).UTC()
	case claims.IssuedAt != nil:
		out.IssuedAt = claims.IssuedAt.Time.UTC()
	default:
		return AccessClaims{}, ErrInvalidToken
	}
	switch {
	case claims.ExpiresAtMicros > 0:
		out.ExpiresAt = time.UnixMicro(claims.ExpiresAtMicros).UTC()
	case claims.ExpiresAt != nil:
		out.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}

	return out, nil
}
