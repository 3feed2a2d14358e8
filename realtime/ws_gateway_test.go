package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/require"

	"github.com/itsthenavid/arc-sockstate/auth/session"
	v1 "github.com/itsthenavid/arc-sockstate/contracts/realtime/v1"
)

type wsTestEnv struct {
	svc  *session.Service
	reg  *Registry
	prop *Propagator
	srv  *httptest.Server
}

func newWSTestEnv(t *testing.T, cfg AuthenticatorConfig, opts ...GatewayOption) *wsTestEnv {
	t.Helper()
	t.Setenv("ARC_WS_DEV_INSECURE", "false")
	t.Setenv("ARC_WS_ORIGIN_REQUIRED", "false")

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := newTestSessionService(t)

	reg := NewRegistry()
	if cfg.Log == nil {
		cfg.Log = log
	}
	auth, err := NewAuthenticator(svc, reg, cfg)
	require.NoError(t, err)

	gw, err := NewWSGateway(log, auth, opts...)
	require.NoError(t, err)

	prop, err := NewPropagator(NewMemoryBus(0), reg, WithLogger(log))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, prop.Start(ctx))

	srv := startWSTestServer(t, gw)
	t.Cleanup(func() {
		srv.Close()
		cancel()
		require.NoError(t, prop.Wait())
	})

	return &wsTestEnv{svc: svc, reg: reg, prop: prop, srv: srv}
}

func (e *wsTestEnv) accessToken(t *testing.T, identity string) string {
	t.Helper()
	at, err := e.svc.IssueAccessToken(time.Now().UTC(), identity)
	require.NoError(t, err)
	return at.Token
}

func requireHandshakeStatus(t *testing.T, resp *http.Response, err error, want int) {
	t.Helper()
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.Error(t, err, "expected handshake failure")
	require.NotNil(t, resp, "expected an HTTP response, err=%v", err)
	require.Equal(t, want, resp.StatusCode)
}

func TestWSGateway_InvalidTokenRejected(t *testing.T) {
	env := newWSTestEnv(t, AuthenticatorConfig{})

	_, resp, err := dialWS(t, env.srv.URL, "http://localhost", "not-a-valid-token")
	requireHandshakeStatus(t, resp, err, http.StatusUnauthorized)
	require.Equal(t, 0, env.reg.Len())
}

func TestWSGateway_ExpiredTokenRejected(t *testing.T) {
	env := newWSTestEnv(t, AuthenticatorConfig{})

	expired, err := env.svc.IssueAccessTokenWithTTL(time.Now().UTC().Add(-2*time.Hour), "u1", time.Minute)
	require.NoError(t, err)

	_, resp, err := dialWS(t, env.srv.URL, "", expired.Token)
	requireHandshakeStatus(t, resp, err, http.StatusUnauthorized)
}

func TestWSGateway_ConnectHookRejectionIsForbidden(t *testing.T) {
	env := newWSTestEnv(t, AuthenticatorConfig{
		Hooks: Hooks{ConnectFunc(func(context.Context, *Conn) error { return errors.New("maintenance") })},
	})

	_, resp, err := dialWS(t, env.srv.URL, "", env.accessToken(t, "u1"))
	requireHandshakeStatus(t, resp, err, http.StatusForbidden)
	require.Equal(t, 0, env.reg.Count("u1"))
}

func TestWSGateway_OriginPolicy(t *testing.T) {
	env := newWSTestEnv(t, AuthenticatorConfig{}, WithOriginRequired(true), WithAllowedOrigins("http://localhost"))

	_, resp, err := dialWS(t, env.srv.URL, "", "")
	requireHandshakeStatus(t, resp, err, http.StatusForbidden)

	_, resp, err = dialWS(t, env.srv.URL, "http://evil.example", "")
	requireHandshakeStatus(t, resp, err, http.StatusForbidden)
}

func TestWSGateway_AnonymousConnection(t *testing.T) {
	env := newWSTestEnv(t, AuthenticatorConfig{})

	conn, resp, err := dialWS(t, env.srv.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeHello, v1.HelloPayload{}))
	ack := readUntilType(t, conn, v1.TypeHelloAck, 4)
	var ackP v1.HelloAckPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &ackP))
	require.False(t, ackP.Authenticated)
	require.NotEmpty(t, ackP.ConnectionID)
	require.Equal(t, 0, env.reg.Len())

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeRoomJoin, v1.RoomPayload{Room: "lobby"}))
	errEnv := readUntilType(t, conn, v1.TypeError, 4)
	var errP v1.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &errP))
	require.Equal(t, "join_failed", errP.Code)

	// Broadcasts still reach anonymous connections.
	require.NoError(t, env.prop.EmitToAll(context.Background(), "announce", map[string]string{"msg": "hi"}))
	evt := readUntilType(t, conn, v1.TypeEvent, 4)
	var evtP v1.EventPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &evtP))
	require.Equal(t, "announce", evtP.Name)
}

func TestWSGateway_AuthenticatedConnectRoomsAndEvents(t *testing.T) {
	env := newWSTestEnv(t, AuthenticatorConfig{})

	conn, resp, err := dialWS(t, env.srv.URL, "", env.accessToken(t, "u1"))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)

	require.Equal(t, 1, env.reg.Count("u1"))

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeHello, v1.HelloPayload{}))
	ack := readUntilType(t, conn, v1.TypeHelloAck, 4)
	var ackP v1.HelloAckPayload
	require.NoError(t, json.Unmarshal(ack.Payload, &ackP))
	require.True(t, ackP.Authenticated)
	require.Equal(t, "u1", ackP.Identity)

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeRoomJoin, v1.RoomPayload{Room: "lobby"}))
	echo := readUntilType(t, conn, v1.TypeRoomJoin, 4)
	var roomP v1.RoomPayload
	require.NoError(t, json.Unmarshal(echo.Payload, &roomP))
	require.Equal(t, "lobby", roomP.Room)

	ctx := context.Background()
	require.NoError(t, env.prop.EmitToRoom(ctx, "lobby", "room.msg", map[string]int{"n": 1}))
	evt := readUntilType(t, conn, v1.TypeEvent, 4)
	var evtP v1.EventPayload
	require.NoError(t, json.Unmarshal(evt.Payload, &evtP))
	require.Equal(t, "room.msg", evtP.Name)
	require.JSONEq(t, `{"n":1}`, string(evtP.Data))

	require.NoError(t, env.prop.EmitToUser(ctx, "u1", "direct", nil))
	evt = readUntilType(t, conn, v1.TypeEvent, 4)
	require.NoError(t, json.Unmarshal(evt.Payload, &evtP))
	require.Equal(t, "direct", evtP.Name)

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeRoomLeave, v1.RoomPayload{Room: "lobby"}))
	_ = readUntilType(t, conn, v1.TypeRoomLeave, 4)
	require.Empty(t, env.reg.LookupRoom("lobby"))

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, "bye"))
	require.Eventually(t, func() bool { return env.reg.Count("u1") == 0 }, 2*time.Second, 10*time.Millisecond)
	require.Empty(t, env.reg.Resolve(ToAll()))
}

func TestWSGateway_MessageHandler(t *testing.T) {
	got := make(chan v1.Envelope, 1)
	handler := MessageHandlerFunc(func(_ context.Context, c *Conn, env v1.Envelope) error {
		if env.Type == "fail" {
			return errors.New("nope")
		}
		got <- env
		return nil
	})
	env := newWSTestEnv(t, AuthenticatorConfig{}, WithMessageHandler(handler))

	conn, resp, err := dialWS(t, env.srv.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, conn, clientEnvelope(t, "custom", map[string]string{"k": "v"}))
	select {
	case e := <-got:
		require.Equal(t, "custom", e.Type)
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called")
	}

	writeEnvelopeWS(t, conn, clientEnvelope(t, "fail", nil))
	errEnv := readUntilType(t, conn, v1.TypeError, 4)
	var errP v1.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &errP))
	require.Equal(t, "handler_failed", errP.Code)
}

func TestWSGateway_RequireAuthenticatedHandler(t *testing.T) {
	got := make(chan string, 2)
	handler := MessageHandlerFunc(func(_ context.Context, c *Conn, env v1.Envelope) error {
		id, _ := c.Identity()
		got <- id
		return nil
	})
	env := newWSTestEnv(t, AuthenticatorConfig{}, WithMessageHandler(RequireAuthenticated(handler)))

	anon, resp, err := dialWS(t, env.srv.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = anon.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, anon, clientEnvelope(t, "custom", nil))
	errEnv := readUntilType(t, anon, v1.TypeError, 4)
	var errP v1.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &errP))
	require.Equal(t, "unauthenticated", errP.Code)
	require.Empty(t, got)

	authed, resp, err := dialWS(t, env.srv.URL, "", env.accessToken(t, "u1"))
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = authed.Close(websocket.StatusNormalClosure, "bye") }()

	writeEnvelopeWS(t, authed, clientEnvelope(t, "custom", nil))
	select {
	case id := <-got:
		require.Equal(t, "u1", id)
	case <-time.After(2 * time.Second):
		t.Fatalf("handler not called for authenticated connection")
	}
}

func TestChainMessageHandler_Order(t *testing.T) {
	var order []string
	mark := func(name string) MessageMiddleware {
		return func(next MessageHandler) MessageHandler {
			return MessageHandlerFunc(func(ctx context.Context, c *Conn, env v1.Envelope) error {
				order = append(order, name)
				return next.HandleMessage(ctx, c, env)
			})
		}
	}
	h := ChainMessageHandler(MessageHandlerFunc(func(context.Context, *Conn, v1.Envelope) error {
		order = append(order, "handler")
		return nil
	}), mark("outer"), nil, mark("inner"))

	c := newTestConn(t, 1)
	require.NoError(t, c.Authenticate("u1", nil))
	require.NoError(t, h.HandleMessage(context.Background(), c, v1.Envelope{}))
	require.Equal(t, []string{"outer", "inner", "handler"}, order)

	guarded := RequireAuthenticated(h)
	require.ErrorIs(t, guarded.HandleMessage(context.Background(), newTestConn(t, 1), v1.Envelope{}), ErrAuthenticationRequired)
	require.Len(t, order, 3)
}

func TestWSGateway_BadFramesAndRateLimit(t *testing.T) {
	env := newWSTestEnv(t, AuthenticatorConfig{}, WithRateLimit(2, time.Minute))

	conn, resp, err := dialWS(t, env.srv.URL, "", "")
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	require.NoError(t, err)
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{nope")))
	errEnv := readUntilType(t, conn, v1.TypeError, 4)
	var errP v1.ErrorPayload
	require.NoError(t, json.Unmarshal(errEnv.Payload, &errP))
	require.Equal(t, "bad_json", errP.Code)

	writeEnvelopeWS(t, conn, v1.Envelope{V: "v0", Type: v1.TypeHello})
	errEnv = readUntilType(t, conn, v1.TypeError, 4)
	require.NoError(t, json.Unmarshal(errEnv.Payload, &errP))
	require.Equal(t, "bad_envelope", errP.Code)

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeHello, v1.HelloPayload{}))
	_ = readUntilType(t, conn, v1.TypeHelloAck, 4)

	writeEnvelopeWS(t, conn, clientEnvelope(t, v1.TypeHello, v1.HelloPayload{}))
	errEnv = readUntilType(t, conn, v1.TypeError, 4)
	require.NoError(t, json.Unmarshal(errEnv.Payload, &errP))
	require.Equal(t, "rate_limited", errP.Code)
	require.Contains(t, errP.Message, "retry after")
}

func clientEnvelope(t *testing.T, typ string, payload any) v1.Envelope {
	t.Helper()
	env := v1.Envelope{V: v1.Version, Type: typ, ID: typ + "-1", TS: time.Now().UTC()}
	if payload != nil {
		env.Payload = mustJSONRaw(t, payload)
	}
	return env
}

func startWSTestServer(t *testing.T, gw *WSGateway) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.Handle("/ws", gw)
	return httptest.NewServer(mux)
}

func dialWS(t *testing.T, baseHTTPURL string, origin string, bearerToken string) (*websocket.Conn, *http.Response, error) {
	t.Helper()

	u, err := url.Parse(baseHTTPURL)
	require.NoError(t, err)
	u.Scheme = "ws"
	u.Path = "/ws"

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(bearerToken) != "" {
		h.Set("Authorization", "Bearer "+bearerToken)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		Subprotocols: []string{wsSubprotocolV1},
		HTTPHeader:   h,
	})
}

func writeEnvelopeWS(t *testing.T, conn *websocket.Conn, env v1.Envelope) {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, b))
}

func readUntilType(t *testing.T, conn *websocket.Conn, typ string, maxReads int) v1.Envelope {
	t.Helper()
	if maxReads <= 0 {
		maxReads = 1
	}
	for i := 0; i < maxReads; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, b, err := conn.Read(ctx)
		cancel()
		require.NoError(t, err)

		var env v1.Envelope
		require.NoError(t, json.Unmarshal(b, &env))
		if env.Type == typ {
			return env
		}
	}
	t.Fatalf("did not receive envelope type %q", typ)
	return v1.Envelope{}
}

func mustJSONRaw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
