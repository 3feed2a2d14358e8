package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/itsthenavid/arc-sockstate/security/token"
)

const maxRefreshTokenLen = 4096

// Service implements the token lifecycle: issuance, validation, rotation and revocation.
type Service struct {
	cfg     Config
	tokens  AccessTokenManager
	refresh RefreshStore
	revoked RevocationStore
	hasher  token.Hasher
	log     *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithHasher sets the refresh-token hasher (default: plain SHA-256).
func WithHasher(h token.Hasher) ServiceOption {
	return func(s *Service) { s.hasher = h }
}

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.log = l
		}
	}
}

// Issued is the result of issuing or rotating a token pair.
type Issued struct {
	Subject      string
	AccessToken  string
	AccessExp    time.Time // zero when the access token does not expire
	RefreshToken string
	RefreshExp   time.Time
}

// RefreshToken is a newly issued refresh token. Value is shown to the client once.
type RefreshToken struct {
	Value     string
	ClientID  string
	ExpiresAt time.Time
}

// NewService constructs a Service.
func NewService(cfg Config, tokens AccessTokenManager, refresh RefreshStore, revoked RevocationStore, opts ...ServiceOption) (*Service, error) {
	if tokens == nil || refresh == nil || revoked == nil {
		return nil, fmt.Errorf("%w: service requires a token manager, refresh store and revocation store", ErrConfig)
	}
	if cfg.RefreshTokenBytes < token.MinOpaqueBytes {
		return nil, fmt.Errorf("%w: refresh token bytes below %d", ErrConfig, token.MinOpaqueBytes)
	}
	if cfg.RefreshTTLDays <= 0 {
		return nil, fmt.Errorf("%w: refresh ttl days must be positive", ErrConfig)
	}

	s := &Service{
		cfg:     cfg,
		tokens:  tokens,
		refresh: refresh,
		revoked: revoked,
		hasher:  token.NewHasher(nil),
		log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// IssueAccessToken issues an access token with the configured default TTL.
func (s *Service) IssueAccessToken(now time.Time, identity string) (AccessToken, error) {
	return s.IssueAccessTokenWithTTL(now, identity, s.cfg.AccessTokenTTL)
}

// IssueAccessTokenWithTTL issues an access token for identity. ttl <= 0 yields a
// token with no exp claim.
func (s *Service) IssueAccessTokenWithTTL(now time.Time, identity string, ttl time.Duration) (AccessToken, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return AccessToken{}, errors.New("session: empty identity")
	}

	now = normalizeNow(now)
	claims := AccessClaims{
		Subject:  identity,
		TokenID:  uuid.NewString(),
		Issuer:   s.cfg.Issuer,
		IssuedAt: now,
	}
	if ttl > 0 {
		claims.ExpiresAt = now.Add(ttl)
	}

	signed, err := s.tokens.Issue(claims)
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{Token: signed, Claims: claims}, nil
}

// IssueRefreshToken replaces the live refresh token for (identity, clientID) with a new one.
func (s *Service) IssueRefreshToken(ctx context.Context, now time.Time, identity, clientID, issuerIP string) (RefreshToken, error) {
	identity = strings.TrimSpace(identity)
	clientID = strings.TrimSpace(clientID)
	if identity == "" || clientID == "" {
		return RefreshToken{}, errors.New("session: identity and client id are required")
	}

	now = normalizeNow(now)

	if err := s.refresh.DeleteByClientID(ctx, identity, clientID); err != nil {
		return RefreshToken{}, err
	}

	plain, err := token.NewOpaque(s.cfg.RefreshTokenBytes)
	if err != nil {
		return RefreshToken{}, err
	}

	rec := RefreshRecord{
		TokenHash: s.hasher.Hash(plain),
		Identity:  identity,
		ClientID:  clientID,
		IssuerIP:  strings.TrimSpace(issuerIP),
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.RefreshTTL()),
	}
	if err := s.refresh.Save(ctx, rec); err != nil {
		return RefreshToken{}, err
	}

	return RefreshToken{Value: plain, ClientID: clientID, ExpiresAt: rec.ExpiresAt}, nil
}

// IssueTokens issues a fresh access + refresh pair (login).
func (s *Service) IssueTokens(ctx context.Context, now time.Time, identity, clientID, issuerIP string) (Issued, error) {
	access, err := s.IssueAccessToken(now, identity)
	if err != nil {
		return Issued{}, err
	}
	refresh, err := s.IssueRefreshToken(ctx, now, identity, clientID, issuerIP)
	if err != nil {
		return Issued{}, err
	}
	return issued(access, refresh), nil
}

// ValidateAccessToken verifies signature, then expiry (with clock skew), then the
// subject's revocation marker.
func (s *Service) ValidateAccessToken(ctx context.Context, tok string, now time.Time) (AccessClaims, error) {
	claims, err := s.tokens.Parse(tok)
	if err != nil {
		return AccessClaims{}, ErrInvalidToken
	}

	now = normalizeNow(now)
	if claims.Expires() && !now.Before(claims.ExpiresAt.Add(s.cfg.ClockSkew)) {
		return AccessClaims{}, ErrExpiredToken
	}

	if err := s.checkRevoked(ctx, claims); err != nil {
		return AccessClaims{}, err
	}
	return claims, nil
}

// RotateFromRefreshToken consumes refreshValue and returns a new token pair.
//
// The previous access token only proves the subject: its expiry is ignored, but
// its signature and revocation status are not. A refresh token can be consumed
// at most once.
func (s *Service) RotateFromRefreshToken(ctx context.Context, now time.Time, refreshValue, previousAccess, clientID, issuerIP string) (Issued, error) {
	refreshValue = strings.TrimSpace(refreshValue)
	if refreshValue == "" || len(refreshValue) > maxRefreshTokenLen {
		return Issued{}, ErrInvalidRefreshToken
	}

	now = normalizeNow(now)
	hash := s.hasher.Hash(refreshValue)

	rec, err := s.refresh.FindByHash(ctx, hash)
	if errors.Is(err, ErrRefreshNotFound) {
		return Issued{}, ErrInvalidRefreshToken
	}
	if err != nil {
		return Issued{}, err
	}
	if !now.Before(rec.ExpiresAt) {
		if _, err := s.refresh.Consume(ctx, hash); err != nil && !errors.Is(err, ErrRefreshNotFound) {
			s.log.Warn("auth.refresh.expired_cleanup_failed", "err", err)
		}
		return Issued{}, ErrInvalidRefreshToken
	}

	clientID = strings.TrimSpace(clientID)
	if clientID == "" {
		clientID = rec.ClientID
	}
	if clientID != rec.ClientID {
		return Issued{}, ErrInvalidRefreshToken
	}

	claims, err := s.tokens.Parse(strings.TrimSpace(previousAccess))
	if err != nil {
		return Issued{}, ErrInvalidAccessToken
	}
	if err := s.checkRevoked(ctx, claims); err != nil {
		return Issued{}, err
	}
	if claims.Subject != rec.Identity {
		s.log.Warn("auth.refresh.subject_mismatch", "client_id", rec.ClientID)
		return Issued{}, ErrInvalidRefreshToken
	}

	if _, err := s.refresh.Consume(ctx, hash); err != nil {
		if errors.Is(err, ErrRefreshNotFound) {
			return Issued{}, ErrInvalidRefreshToken
		}
		return Issued{}, err
	}

	out, err := s.IssueTokens(ctx, now, rec.Identity, clientID, issuerIP)
	if err != nil {
		return Issued{}, err
	}

	s.log.Debug("auth.refresh.rotated", "client_id", clientID)
	return out, nil
}

// RevokeAllSessions invalidates every access token issued for identity before now
// and deletes all of its refresh tokens. Repeated calls never lower the marker.
func (s *Service) RevokeAllSessions(ctx context.Context, now time.Time, identity string) error {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return errors.New("session: empty identity")
	}

	marker, err := s.revoked.Raise(ctx, identity, normalizeNow(now))
	if err != nil {
		return err
	}
	if err := s.refresh.DeleteByIdentity(ctx, identity); err != nil {
		return err
	}

	s.log.Info("auth.revoke_all", "revoked_before", marker)
	return nil
}

// RevokeRefreshToken deletes a single refresh token (logout from one device).
// Unknown tokens are ignored.
func (s *Service) RevokeRefreshToken(ctx context.Context, refreshValue string) error {
	refreshValue = strings.TrimSpace(refreshValue)
	if refreshValue == "" || len(refreshValue) > maxRefreshTokenLen {
		return nil
	}
	_, err := s.refresh.Consume(ctx, s.hasher.Hash(refreshValue))
	if errors.Is(err, ErrRefreshNotFound) {
		return nil
	}
	return err
}

func (s *Service) checkRevoked(ctx context.Context, claims AccessClaims) error {
	marker, ok, err := s.revoked.RevokedBefore(ctx, claims.Subject)
	if err != nil {
		return fmt.Errorf("session: revocation lookup: %w", err)
	}
	if ok && claims.IssuedAt.Before(marker) {
		return ErrRevokedToken
	}
	return nil
}

func issued(access AccessToken, refresh RefreshToken) Issued {
	return Issued{
		Subject:      access.Claims.Subject,
		AccessToken:  access.Token,
		AccessExp:    access.Claims.ExpiresAt,
		RefreshToken: refresh.Value,
		RefreshExp:   refresh.ExpiresAt,
	}
}

// normalizeNow truncates to the precision shared by every token format and store.
func normalizeNow(now time.Time) time.Time {
	if now.IsZero() {
		now = time.Now()
	}
	return now.UTC().Truncate(time.Microsecond)
}
