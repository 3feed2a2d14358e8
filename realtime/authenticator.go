package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/itsthenavid/arc-sockstate/auth/session"
	"github.com/itsthenavid/arc-sockstate/identity"
)

// Handshake outcomes reported on arc_ws_handshakes_total.
const (
	handshakeAnonymous     = "anonymous"
	handshakeAuthenticated = "authenticated"
	handshakeRejected      = "rejected"
)

// TokenValidator validates an access token presented at handshake.
// *session.Service implements it.
type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, token string, now time.Time) (session.AccessClaims, error)
}

// AuthenticatorConfig holds the optional collaborators of an Authenticator.
type AuthenticatorConfig struct {
	// Profiles enriches authenticated connections. Nil skips the lookup.
	Profiles identity.ProfileStore
	Log      *slog.Logger
	Metrics  *Metrics
	// Hooks run after acceptance and on disconnect.
	Hooks Hooks
	// Now defaults to time.Now().UTC().
	Now func() time.Time
}

// Authenticator binds connections to identities at handshake time and keeps
// the Registry in sync with connection lifetimes.
//
// A connection without a token is accepted anonymously: it is attached (so
// broadcast-to-all reaches it) but never registered under an identity. A token
// that is present but fails validation rejects the connection.
type Authenticator struct {
	validator TokenValidator
	registry  *Registry
	profiles  identity.ProfileStore
	log       *slog.Logger
	metrics   *Metrics
	hooks     Hooks
	now       func() time.Time
}

// NewAuthenticator constructs an Authenticator.
func NewAuthenticator(validator TokenValidator, registry *Registry, cfg AuthenticatorConfig) (*Authenticator, error) {
	if validator == nil || registry == nil {
		return nil, errors.New("realtime: authenticator needs a validator and a registry")
	}
	a := &Authenticator{
		validator: validator,
		registry:  registry,
		profiles:  cfg.Profiles,
		log:       cfg.Log,
		metrics:   cfg.Metrics,
		hooks:     cfg.Hooks,
		now:       cfg.Now,
	}
	if a.log == nil {
		a.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if a.now == nil {
		a.now = func() time.Time { return time.Now().UTC() }
	}
	return a, nil
}

// Registry returns the registry this authenticator maintains.
func (a *Authenticator) Registry() *Registry { return a.registry }

// ExtractToken returns the handshake token: the "token" query parameter, else
// the Authorization header with or without a Bearer scheme. Empty means none.
func ExtractToken(r *http.Request) string {
	if r == nil {
		return ""
	}
	if tok := strings.TrimSpace(r.URL.Query().Get("token")); tok != "" {
		return tok
	}

	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h == "" {
		return ""
	}
	if scheme, rest, ok := strings.Cut(h, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(rest)
	}
	return h
}

// Authenticate runs the handshake for c. On error the connection is closed and
// left in no index; the error is a *HandshakeError.
func (a *Authenticator) Authenticate(ctx context.Context, c *Conn, token string) error {
	if c == nil {
		return &HandshakeError{Reason: ErrConnClosed}
	}

	token = strings.TrimSpace(token)
	if token == "" {
		a.registry.Attach(c)
		if err := a.hooks.OnConnect(ctx, c); err != nil {
			a.reject(c, "", err)
			return &HandshakeError{Reason: err}
		}
		c.accepted.Store(true)
		a.metrics.incHandshake(handshakeAnonymous)
		a.metrics.connOpened(false)
		return nil
	}

	claims, err := a.validator.ValidateAccessToken(ctx, token, a.now())
	if err != nil {
		a.reject(c, "", err)
		return &HandshakeError{Reason: err}
	}
	id := claims.Subject

	profile := a.lookupProfile(ctx, id)

	if err := c.Authenticate(id, profile); err != nil {
		a.reject(c, "", err)
		return &HandshakeError{Reason: err}
	}
	if err := a.registry.Register(id, c); err != nil {
		a.reject(c, "", err)
		return &HandshakeError{Reason: err}
	}
	a.registry.Attach(c)

	if err := a.hooks.OnConnect(ctx, c); err != nil {
		a.reject(c, id, err)
		return &HandshakeError{Reason: err}
	}

	c.accepted.Store(true)
	a.metrics.incHandshake(handshakeAuthenticated)
	a.metrics.connOpened(true)
	return nil
}

func (a *Authenticator) lookupProfile(ctx context.Context, id string) *identity.Profile {
	if a.profiles == nil {
		return nil
	}
	p, err := a.profiles.FindByID(ctx, id)
	if err != nil {
		a.log.Warn("ws.auth.profile_lookup_fail", "identity", id, "err", err)
		return nil
	}
	return p
}

// reject undoes a partial handshake. Disconnect becomes a no-op afterwards.
func (a *Authenticator) reject(c *Conn, registeredAs string, reason error) {
	c.markDisconnected()
	c.Close()
	if registeredAs != "" {
		a.registry.Unregister(registeredAs, c)
	}
	a.registry.Detach(c)

	a.metrics.incHandshake(handshakeRejected)
	a.log.Info("ws.reject.auth", "conn_id", c.ID(), "err", reason)
}

// Disconnect closes c and removes it from every index. Only the first call
// has any effect; DisconnectHooks run only for accepted connections.
//
// c is closed before the indexes are touched: a handshake still running on
// another goroutine then either finds c closed or is undone here.
func (a *Authenticator) Disconnect(c *Conn) {
	if c == nil || !c.markDisconnected() {
		return
	}

	c.Close()
	id, authenticated := c.Identity()
	if authenticated {
		a.registry.Unregister(id, c)
	}
	a.registry.Detach(c)

	if c.Accepted() {
		a.metrics.connClosed(authenticated)
		a.hooks.OnDisconnect(c)
	}
}
