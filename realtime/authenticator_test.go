package realtime

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/itsthenavid/arc-sockstate/auth/session"
	"github.com/itsthenavid/arc-sockstate/identity"
)

type validatorFunc func(ctx context.Context, token string, now time.Time) (session.AccessClaims, error)

func (f validatorFunc) ValidateAccessToken(ctx context.Context, token string, now time.Time) (session.AccessClaims, error) {
	return f(ctx, token, now)
}

// tokenTable accepts "tok-<identity>" style tokens from a fixed table.
func tokenTable(valid map[string]string) TokenValidator {
	return validatorFunc(func(_ context.Context, tok string, now time.Time) (session.AccessClaims, error) {
		id, ok := valid[tok]
		if !ok {
			return session.AccessClaims{}, session.ErrInvalidToken
		}
		return session.AccessClaims{Subject: id, IssuedAt: now}, nil
	})
}

type hookRecorder struct {
	mu     sync.Mutex
	events []string
	fail   error
}

func (h *hookRecorder) OnConnect(_ context.Context, c *Conn) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "connect:"+c.ID())
	return h.fail
}

func (h *hookRecorder) OnDisconnect(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, "disconnect:"+c.ID())
}

func (h *hookRecorder) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func newTestAuthenticator(t *testing.T, v TokenValidator, cfg AuthenticatorConfig) (*Authenticator, *Registry) {
	t.Helper()
	reg := NewRegistry()
	a, err := NewAuthenticator(v, reg, cfg)
	require.NoError(t, err)
	return a, reg
}

func TestExtractToken(t *testing.T) {
	cases := []struct {
		name   string
		target string
		header string
		want   string
	}{
		{name: "none", target: "/ws"},
		{name: "query", target: "/ws?token=abc", want: "abc"},
		{name: "query wins", target: "/ws?token=abc", header: "Bearer xyz", want: "abc"},
		{name: "bearer", target: "/ws", header: "Bearer xyz", want: "xyz"},
		{name: "bearer case", target: "/ws", header: "bearer  xyz ", want: "xyz"},
		{name: "raw header", target: "/ws", header: "xyz", want: "xyz"},
		{name: "blank query", target: "/ws?token=%20", header: "Bearer xyz", want: "xyz"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			require.Equal(t, tc.want, ExtractToken(r))
		})
	}
	require.Empty(t, ExtractToken(nil))
}

func TestAuthenticator_AnonymousIsAcceptedNotRegistered(t *testing.T) {
	hooks := &hookRecorder{}
	a, reg := newTestAuthenticator(t, tokenTable(nil), AuthenticatorConfig{Hooks: Hooks{hooks}})

	c := newTestConn(t, 1)
	require.NoError(t, a.Authenticate(context.Background(), c, ""))

	require.Equal(t, StateUnauthenticated, c.State())
	require.True(t, c.Accepted())
	require.Equal(t, 0, reg.Len())
	require.Equal(t, []*Conn{c}, reg.Resolve(ToAll()))
	require.Empty(t, reg.Resolve(ToAuthenticated()))

	a.Disconnect(c)
	require.Empty(t, reg.Resolve(ToAll()))
	require.Equal(t, []string{"connect:" + c.ID(), "disconnect:" + c.ID()}, hooks.seen())
}

func TestAuthenticator_InvalidTokenRejected(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	hooks := &hookRecorder{}
	a, reg := newTestAuthenticator(t, tokenTable(nil), AuthenticatorConfig{Metrics: m, Hooks: Hooks{hooks}})

	c := newTestConn(t, 1)
	err := a.Authenticate(context.Background(), c, "bogus")

	var hsErr *HandshakeError
	require.ErrorAs(t, err, &hsErr)
	require.ErrorIs(t, err, ErrHandshakeRejected)
	require.ErrorIs(t, err, session.ErrInvalidToken)
	require.True(t, session.IsTokenRejection(err))

	require.Equal(t, StateClosed, c.State())
	require.False(t, c.Accepted())
	require.Equal(t, 0, reg.Len())
	require.Empty(t, reg.Resolve(ToAll()))
	require.Empty(t, hooks.seen())
	require.Equal(t, 1.0, testutil.ToFloat64(m.handshakes.WithLabelValues(handshakeRejected)))

	// Disconnect after a rejection is a no-op.
	a.Disconnect(c)
	require.Empty(t, hooks.seen())
}

func TestAuthenticator_ValidTokenRegistersWithProfile(t *testing.T) {
	name := "Ada"
	profiles := identity.NewMemoryProfileStore(identity.Profile{ID: "u1", DisplayName: &name})
	m := NewMetrics(prometheus.NewRegistry())

	a, reg := newTestAuthenticator(t, tokenTable(map[string]string{"tok-u1": "u1"}), AuthenticatorConfig{
		Profiles: profiles,
		Metrics:  m,
	})

	c1, c2 := newTestConn(t, 1), newTestConn(t, 1)
	ctx := context.Background()
	require.NoError(t, a.Authenticate(ctx, c1, "tok-u1"))
	require.NoError(t, a.Authenticate(ctx, c2, "tok-u1"))

	id, ok := c1.Identity()
	require.True(t, ok)
	require.Equal(t, "u1", id)
	require.Equal(t, "Ada", c1.Profile().Label())
	require.Equal(t, 2, reg.Count("u1"))
	require.Equal(t, 2.0, testutil.ToFloat64(m.connections.WithLabelValues("authenticated")))

	a.Disconnect(c1)
	a.Disconnect(c1)
	require.Equal(t, []*Conn{c2}, reg.Lookup("u1"))
	require.Equal(t, StateClosed, c1.State())
	require.Equal(t, 1.0, testutil.ToFloat64(m.connections.WithLabelValues("authenticated")))

	a.Disconnect(c2)
	require.Equal(t, 0, reg.Count("u1"))
	require.Equal(t, 0, reg.Len())
}

func TestAuthenticator_ProfileLookupFailureStillAuthenticates(t *testing.T) {
	profiles := identity.ProfileStoreFunc(func(context.Context, string) (*identity.Profile, error) {
		return nil, errors.New("db down")
	})
	a, reg := newTestAuthenticator(t, tokenTable(map[string]string{"tok-u1": "u1"}), AuthenticatorConfig{Profiles: profiles})

	c := newTestConn(t, 1)
	require.NoError(t, a.Authenticate(context.Background(), c, "tok-u1"))
	require.Nil(t, c.Profile())
	require.Equal(t, 1, reg.Count("u1"))
}

func TestAuthenticator_DisconnectDuringHandshakeLeavesNothing(t *testing.T) {
	var a *Authenticator
	c := newTestConn(t, 1)
	profiles := identity.ProfileStoreFunc(func(context.Context, string) (*identity.Profile, error) {
		a.Disconnect(c)
		return nil, nil
	})
	a, reg := newTestAuthenticator(t, tokenTable(map[string]string{"tok-u1": "u1"}), AuthenticatorConfig{Profiles: profiles})

	err := a.Authenticate(context.Background(), c, "tok-u1")
	require.ErrorIs(t, err, ErrHandshakeRejected)
	require.ErrorIs(t, err, ErrConnClosed)
	require.Equal(t, 0, reg.Count("u1"))
	require.Empty(t, reg.Resolve(ToAll()))
}

func TestAuthenticator_DisconnectBetweenAuthenticateAndRegister(t *testing.T) {
	a, reg := newTestAuthenticator(t, tokenTable(nil), AuthenticatorConfig{})

	// The handshake goroutine has set the identity but not registered yet.
	c := newTestConn(t, 1)
	require.NoError(t, c.Authenticate("u1", nil))
	a.Disconnect(c)

	require.ErrorIs(t, reg.Register("u1", c), ErrConnClosed)
	reg.Attach(c)
	require.Empty(t, reg.Lookup("u1"))
	require.Empty(t, reg.Resolve(ToAll()))
}

func TestAuthenticator_ConnectHookRejects(t *testing.T) {
	boom := errors.New("banned")
	first := &hookRecorder{}
	second := &hookRecorder{fail: boom}
	third := &hookRecorder{}

	a, reg := newTestAuthenticator(t, tokenTable(map[string]string{"tok-u1": "u1"}), AuthenticatorConfig{
		Hooks: Hooks{first, second, third},
	})

	c := newTestConn(t, 1)
	err := a.Authenticate(context.Background(), c, "tok-u1")
	require.ErrorIs(t, err, ErrHandshakeRejected)
	require.ErrorIs(t, err, boom)
	require.False(t, session.IsTokenRejection(err))

	require.Equal(t, 0, reg.Count("u1"))
	require.Empty(t, reg.Resolve(ToAll()))
	require.Equal(t, StateClosed, c.State())
	require.Len(t, first.seen(), 1)
	require.Len(t, second.seen(), 1)
	require.Empty(t, third.seen())
}

func TestAuthenticator_ConcurrentDisconnectUnregistersOnce(t *testing.T) {
	var disconnects int
	var mu sync.Mutex
	hooks := Hooks{DisconnectFunc(func(*Conn) {
		mu.Lock()
		disconnects++
		mu.Unlock()
	})}
	a, reg := newTestAuthenticator(t, tokenTable(map[string]string{"tok-u1": "u1"}), AuthenticatorConfig{Hooks: hooks})

	c := newTestConn(t, 1)
	require.NoError(t, a.Authenticate(context.Background(), c, "tok-u1"))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Disconnect(c)
		}()
	}
	wg.Wait()

	require.Equal(t, 1, disconnects)
	require.Equal(t, 0, reg.Count("u1"))
}

func TestAuthenticator_WithSessionService(t *testing.T) {
	svc := newTestSessionService(t)
	now := time.Now().UTC()

	a, reg := newTestAuthenticator(t, svc, AuthenticatorConfig{Now: func() time.Time { return now }})

	valid, err := svc.IssueAccessToken(now, "u1")
	require.NoError(t, err)
	expired, err := svc.IssueAccessTokenWithTTL(now.Add(-2*time.Hour), "u1", time.Minute)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, a.Authenticate(ctx, newTestConn(t, 1), valid.Token))
	require.Equal(t, 1, reg.Count("u1"))

	err = a.Authenticate(ctx, newTestConn(t, 1), expired.Token)
	require.ErrorIs(t, err, session.ErrExpiredToken)

	require.NoError(t, svc.RevokeAllSessions(ctx, now.Add(time.Second), "u1"))
	err = a.Authenticate(ctx, newTestConn(t, 1), valid.Token)
	require.ErrorIs(t, err, session.ErrRevokedToken)
	require.Equal(t, 1, reg.Count("u1"))
}

func TestHooks_Order(t *testing.T) {
	var order []string
	h := Hooks{
		ConnectFunc(func(context.Context, *Conn) error { order = append(order, "c1"); return nil }),
		DisconnectFunc(func(*Conn) { order = append(order, "d1") }),
		LogHooks{},
		ConnectFunc(func(context.Context, *Conn) error { order = append(order, "c2"); return nil }),
		DisconnectFunc(func(*Conn) { order = append(order, "d2") }),
	}

	c := newTestConn(t, 1)
	require.NoError(t, h.OnConnect(context.Background(), c))
	h.OnDisconnect(c)
	require.Equal(t, []string{"c1", "c2", "d2", "d1"}, order)
}

func newTestSessionService(t *testing.T) *session.Service {
	t.Helper()

	cfg := session.DefaultConfig()
	cfg.TokenFormat = session.FormatJWT
	cfg.JWTSecret = "realtime-test-secret-0123456789abcdef"

	mgr, err := session.NewAccessTokenManager(cfg)
	require.NoError(t, err)

	st := session.NewMemoryStore()
	svc, err := session.NewService(cfg, mgr, st, st)
	require.NoError(t, err)
	return svc
}
