package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/itsthenavid/arc-sockstate/auth/session"
	v1 "github.com/itsthenavid/arc-sockstate/contracts/realtime/v1"
)

const (
	wsSubprotocolV1 = "arc.realtime.v1"

	wsMinSendQueueSize = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Security defaults:
	// - Origin is required by default.
	// - Only localhost is allowed by default (secure-by-default for dev).
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// MessageHandler receives inbound envelopes the gateway does not handle itself.
// A returned error is reported to the client as a "handler_failed" error frame,
// or "unauthenticated" when it wraps ErrAuthenticationRequired.
type MessageHandler interface {
	HandleMessage(ctx context.Context, c *Conn, env v1.Envelope) error
}

// MessageHandlerFunc adapts a function to MessageHandler.
type MessageHandlerFunc func(ctx context.Context, c *Conn, env v1.Envelope) error

// HandleMessage implements MessageHandler.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, c *Conn, env v1.Envelope) error {
	return f(ctx, c, env)
}

// MessageMiddleware wraps a MessageHandler.
type MessageMiddleware func(MessageHandler) MessageHandler

// ChainMessageHandler wraps h with mw; mw[0] sees the envelope first.
func ChainMessageHandler(h MessageHandler, mw ...MessageMiddleware) MessageHandler {
	for i := len(mw) - 1; i >= 0; i-- {
		if mw[i] != nil {
			h = mw[i](h)
		}
	}
	return h
}

// RequireAuthenticated stops envelopes from connections without an identity
// before they reach h.
func RequireAuthenticated(h MessageHandler) MessageHandler {
	return MessageHandlerFunc(func(ctx context.Context, c *Conn, env v1.Envelope) error {
		if _, ok := c.Identity(); !ok {
			return ErrAuthenticationRequired
		}
		return h.HandleMessage(ctx, c, env)
	})
}

// WSGateway is the WebSocket entrypoint for Arc realtime.
//
// It enforces origin policy, authenticates the handshake before upgrading,
// and then runs the connection: a writer draining the Conn's outbound queue,
// heartbeats, rate limits and the inbound hello/room protocol.
type WSGateway struct {
	log     *slog.Logger
	auth    *Authenticator
	handler MessageHandler

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// GatewayOption configures a WSGateway.
type GatewayOption func(*WSGateway)

// WithMessageHandler routes unhandled envelope types to h.
func WithMessageHandler(h MessageHandler) GatewayOption {
	return func(g *WSGateway) { g.handler = h }
}

// WithAllowedOrigins overrides ARC_WS_ALLOWED_ORIGINS.
func WithAllowedOrigins(origins ...string) GatewayOption {
	return func(g *WSGateway) {
		g.allowedOrigins = origins
		g.originPatterns = deriveOriginPatternsFromAllowedOrigins(origins)
	}
}

// WithOriginRequired overrides ARC_WS_ORIGIN_REQUIRED.
func WithOriginRequired(required bool) GatewayOption {
	return func(g *WSGateway) { g.originRequired = required }
}

// WithRateLimit overrides ARC_WS_RATE_EVENTS / ARC_WS_RATE_WINDOW.
func WithRateLimit(events int, window time.Duration) GatewayOption {
	return func(g *WSGateway) {
		if events > 0 {
			g.rateEvents = events
		}
		if window > 0 {
			g.rateWindow = window
		}
	}
}

// NewWSGateway constructs a gateway with secure defaults read from the environment.
func NewWSGateway(log *slog.Logger, auth *Authenticator, opts ...GatewayOption) (*WSGateway, error) {
	if auth == nil {
		return nil, errors.New("realtime: gateway needs an authenticator")
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{log: log, auth: auth}

	// NOTE: InsecureSkipVerify is a dev-only knob (TLS verification). It is not an origin policy.
	g.devInsecure = envBoolWS("ARC_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("ARC_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("ARC_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy (same-host ok, cross-origin
	// needs OriginPatterns). Derive the patterns from the allowlist so both agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("ARC_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("ARC_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("ARC_WS_SEND_QUEUE", defaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("ARC_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("ARC_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("ARC_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("ARC_WS_RATE_WINDOW", rateLimitWindow)

	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g, nil
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// HandleWS authenticates the request, upgrades it and runs the connection loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	now := time.Now().UTC()
	connID, err := NewConnID(now)
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	c := NewConn(connID, now, g.sendQueueSize)

	// Authenticate before Accept so a rejected client gets a plain HTTP status.
	if err := g.auth.Authenticate(r.Context(), c, ExtractToken(r)); err != nil {
		status := http.StatusForbidden
		if session.IsTokenRejection(err) {
			status = http.StatusUnauthorized
		}
		g.log.Info("ws.reject.handshake", "conn_id", connID, "status", status, "remote", r.RemoteAddr, "err", err)
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocolV1},

		// Authorize allowed origin hosts (e.g. localhost) for cross-origin requests.
		OriginPatterns: g.originPatterns,

		// Dev-only escape hatch.
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "conn_id", connID, "err", err)
		g.auth.Disconnect(c)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		g.auth.Disconnect(c)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)
	g.serve(r.Context(), conn, c)
}

func (g *WSGateway) serve(parent context.Context, conn *websocket.Conn, c *Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent. Disconnect unregisters before the socket closes so
	// the propagator stops targeting c first.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			g.auth.Disconnect(c)
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case env := <-c.Outbound():
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", c.ID(), "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", c.ID(), "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(c, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", c.ID(), "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if ok, retryAfter := rl.Allow(time.Now().UTC()); !ok {
			g.writeErrorNow(ctx, conn, "rate_limited", fmt.Sprintf("too many events, retry after %s", retryAfter.Round(time.Millisecond)))
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(c, "bad_envelope", err.Error())
			continue readLoop
		}

		switch env.Type {
		case v1.TypeHello:
			if err := g.onHello(c); err != nil {
				g.writeErrorNow(ctx, conn, "hello_failed", err.Error())
				shutdown(websocket.StatusPolicyViolation, "hello failed")
				break readLoop
			}

		case v1.TypeRoomJoin:
			if err := g.onRoomJoin(c, env); err != nil {
				g.trySendError(c, "join_failed", err.Error())
			}

		case v1.TypeRoomLeave:
			if err := g.onRoomLeave(c, env); err != nil {
				g.trySendError(c, "leave_failed", err.Error())
			}

		default:
			if g.handler == nil {
				g.trySendError(c, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
				continue readLoop
			}
			if err := g.handler.HandleMessage(ctx, c, env); err != nil {
				code := "handler_failed"
				if errors.Is(err, ErrAuthenticationRequired) {
					code = "unauthenticated"
				}
				g.trySendError(c, code, err.Error())
			}
		}
	}

	shutdown(websocket.StatusNormalClosure, "bye")
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
}

// ---- handlers ----

func (g *WSGateway) onHello(c *Conn) error {
	ack := v1.HelloAckPayload{ConnectionID: c.ID()}
	if id, ok := c.Identity(); ok {
		ack.Authenticated = true
		ack.Identity = id
		if p := c.Profile(); p != nil && p.DisplayName != nil {
			ack.DisplayName = *p.DisplayName
		}
	}

	if err := g.reply(c, v1.TypeHelloAck, ack); err != nil {
		return fmt.Errorf("backpressure: hello_ack: %w", err)
	}
	return nil
}

func (g *WSGateway) onRoomJoin(c *Conn, env v1.Envelope) error {
	room, err := roomFromEnvelope(env)
	if err != nil {
		return err
	}
	if _, ok := c.Identity(); !ok {
		return ErrAuthenticationRequired
	}

	if err := g.auth.Registry().Join(room, c); err != nil {
		return err
	}
	if err := g.reply(c, v1.TypeRoomJoin, v1.RoomPayload{Room: room}); err != nil {
		g.auth.Registry().Leave(room, c)
		return fmt.Errorf("backpressure: join echo: %w", err)
	}
	return nil
}

func (g *WSGateway) onRoomLeave(c *Conn, env v1.Envelope) error {
	room, err := roomFromEnvelope(env)
	if err != nil {
		return err
	}

	g.auth.Registry().Leave(room, c)
	if err := g.reply(c, v1.TypeRoomLeave, v1.RoomPayload{Room: room}); err != nil {
		return fmt.Errorf("backpressure: leave echo: %w", err)
	}
	return nil
}

func roomFromEnvelope(env v1.Envelope) (string, error) {
	var p v1.RoomPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return "", fmt.Errorf("invalid payload: %w", err)
	}
	room := strings.TrimSpace(p.Room)
	if room == "" {
		return "", errors.New("missing room")
	}
	if len(room) > maxRoomNameLen {
		return "", fmt.Errorf("room too long: max=%d bytes", maxRoomNameLen)
	}
	return room, nil
}

// ---- send helpers ----

func (g *WSGateway) reply(c *Conn, typ string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env, err := newEnvelope(typ, b, time.Now().UTC())
	if err != nil {
		return err
	}
	return c.Deliver(env)
}

func (g *WSGateway) trySendError(c *Conn, code, msg string) {
	_ = g.reply(c, v1.TypeError, v1.ErrorPayload{Code: code, Message: msg})
}

// writeErrorNow bypasses the outbound queue for errors sent right before the
// connection is closed.
func (g *WSGateway) writeErrorNow(ctx context.Context, conn *websocket.Conn, code, msg string) {
	b, err := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	if err != nil {
		return
	}
	env, err := newEnvelope(v1.TypeError, b, time.Now().UTC())
	if err != nil {
		return
	}
	_ = writeEnvelope(ctx, conn, env, g.writeTimeout)
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) (v1.Envelope, error) {
	id, err := NewEventID(ts)
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}, nil
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) || errors.Is(err, io.ErrUnexpectedEOF) {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			// Strongly discouraged, but honored if explicitly configured.
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	// URL form.
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	// host[:port] form.
	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	// We keep this strict: only hosts extracted from allowlist are accepted.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}

	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
