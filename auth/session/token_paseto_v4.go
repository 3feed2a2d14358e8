package session

import (
	"time"

	paseto "aidanwoods.dev/go-paseto"
)

type pasetoV4PublicManager struct {
	issuer string
	secret paseto.V4AsymmetricSecretKey
	public paseto.V4AsymmetricPublicKey
}

// NewPasetoV4PublicManager builds an AccessTokenManager based on PASETO v4.public.
//
// iat is written with sub-second precision; the standard setter only keeps seconds,
// which would let a token minted just before a revocation survive it.
func NewPasetoV4PublicManager(cfg Config) (AccessTokenManager, error) {
	secret, err := paseto.NewV4AsymmetricSecretKeyFromHex(cfg.PasetoV4SecretKeyHex)
	if err != nil {
		return nil, ErrConfig
	}

	return &pasetoV4PublicManager{
		issuer: cfg.Issuer,
		secret: secret,
		public: secret.Public(),
	}, nil
}

// PublicKeyHex exposes the verification key for out-of-process verifiers.
func (m *pasetoV4PublicManager) PublicKeyHex() string {
	return m.public.ExportHex()
}

func (m *pasetoV4PublicManager) Issue(c AccessClaims) (string, error) {
	tok := paseto.NewToken()
	tok.SetIssuer(m.issuer)
	tok.SetSubject(c.Subject)
	tok.SetJti(c.TokenID)
	tok.SetString("iat", c.IssuedAt.UTC().Format(time.RFC3339Nano))
	if c.Expires() {
		tok.SetString("exp", c.ExpiresAt.UTC().Format(time.RFC3339Nano))
	}

	return tok.V4Sign(m.secret, nil), nil
}

func (m *pasetoV4PublicManager) Parse(token string) (AccessClaims, error) {
	// Expiry is evaluated by the caller.
	p := paseto.NewParserWithoutExpiryCheck()
	p.AddRule(paseto.IssuedBy(m.issuer))

	parsed, err := p.ParseV4Public(m.public, token, nil)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	sub, err := parsed.GetSubject()
	if err != nil || sub == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	jti, err := parsed.GetJti()
	if err != nil || jti == "" {
		return AccessClaims{}, ErrInvalidToken
	}
	iat, err := parseTimeClaim(parsed, "iat")
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	claims := AccessClaims{
		Subject:  sub,
		TokenID:  jti,
		Issuer:   m.issuer,
		IssuedAt: iat,
	}

	if _, err := parsed.GetString("exp"); err == nil {
		exp, err := parseTimeClaim(parsed, "exp")
		if err != nil {
			return AccessClaims{}, ErrInvalidToken
		}
		claims.ExpiresAt = exp
	}

	return claims, nil
}

func parseTimeClaim(tok *paseto.Token, key string) (time.Time, error) {
	s, err := tok.GetString(key)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
