package session

import (
	"fmt"
	"time"
)

// AccessClaims is the decoded body of an access token.
//
// ExpiresAt is zero for tokens issued without expiry.
type AccessClaims struct {
	Subject   string
	TokenID   string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Expires reports whether the token carries an exp claim.
func (c AccessClaims) Expires() bool { return !c.ExpiresAt.IsZero() }

// AccessToken is a signed access token together with the claims it was issued with.
type AccessToken struct {
	Token  string
	Claims AccessClaims
}

// AccessTokenManager signs and verifies access tokens.
//
// Parse checks signature, issuer and claim structure only. Time-based checks
// (expiry, revocation) belong to the Service so that rotation can ignore expiry.
type AccessTokenManager interface {
	Issue(claims AccessClaims) (string, error)
	Parse(token string) (AccessClaims, error)
}

// NewAccessTokenManager builds the manager selected by cfg.TokenFormat.
func NewAccessTokenManager(cfg Config) (AccessTokenManager, error) {
	switch cfg.TokenFormat {
	case "", FormatPaseto:
		return NewPasetoV4PublicManager(cfg)
	case FormatJWT:
		return NewJWTManager(cfg)
	default:
		return nil, fmt.Errorf("%w: unknown token format %q", ErrConfig, cfg.TokenFormat)
	}
}
