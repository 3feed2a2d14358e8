// Command ws-smoke is a CI-friendly websocket smoke test for a running server.
//
// It validates:
//   - handshake and subprotocol selection
//   - hello/hello_ack for an authenticated and an anonymous connection
//   - room join and leave echoes
//   - that anonymous connections cannot join rooms
//   - that a bad token is rejected with 401 before the upgrade
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"

	v1 "github.com/itsthenavid/arc-sockstate/contracts/realtime/v1"
)

const (
	defaultSubprotocol = "arc.realtime.v1"
	maxReadBytes       = 1 << 20
)

type smokeClient struct {
	name   string
	conn   *websocket.Conn
	connID string

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = flag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = flag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		token   = flag.String("token", os.Getenv("ARC_SMOKE_ACCESS_TOKEN"), "Access token for the authenticated client")
		room    = flag.String("room", "smoke-room", "Room to join and leave")
		timeout = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid -url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid -origin: %v", err)
	}
	if strings.TrimSpace(*token) == "" {
		fatalf("missing -token (or ARC_SMOKE_ACCESS_TOKEN)")
	}

	root := context.Background()

	mustRejectBadToken(root, *wsURL, *origin, *timeout)

	a := mustConnect(root, "A", *wsURL, *origin, *token, *timeout)
	defer closeWS(a.conn)
	ack := a.mustHello(root, *timeout)
	if !ack.Authenticated || ack.Identity == "" {
		fatalf("hello_ack (A): expected an authenticated identity, got %+v", ack)
	}

	b := mustConnect(root, "B", *wsURL, *origin, "", *timeout)
	defer closeWS(b.conn)
	if ackB := b.mustHello(root, *timeout); ackB.Authenticated {
		fatalf("hello_ack (B): anonymous connection reported as authenticated")
	}

	if *verbose {
		fmt.Printf("connected: A=%s (%s) B=%s origin=%q\n", a.connID, ack.Identity, b.connID, *origin)
	}

	a.mustRoom(root, v1.TypeRoomJoin, *room, *timeout)

	b.send(root, v1.TypeRoomJoin, v1.RoomPayload{Room: *room}, *timeout)
	errEnv := b.mustReadUntilType(root, v1.TypeError, *timeout)
	var ep v1.ErrorPayload
	if err := json.Unmarshal(errEnv.Payload, &ep); err != nil {
		fatalf("unmarshal error payload (B): %v", err)
	}
	if ep.Code != "join_failed" {
		fatalf("anonymous join: got code %q want join_failed", ep.Code)
	}

	a.mustRoom(root, v1.TypeRoomLeave, *room, *timeout)

	fmt.Printf("OK: A=%s identity=%s B=%s room=%s\n", a.connID, ack.Identity, b.connID, *room)
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func dial(parent context.Context, wsURL, origin, token string, stepTimeout time.Duration) (*websocket.Conn, *http.Response, error) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}
	if strings.TrimSpace(token) != "" {
		h.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{defaultSubprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

func mustRejectBadToken(parent context.Context, wsURL, origin string, stepTimeout time.Duration) {
	conn, resp, err := dial(parent, wsURL, origin, "not-a-valid-token", stepTimeout)
	if err == nil {
		closeWS(conn)
		fatalf("bad token: handshake unexpectedly succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		fatalf("bad token: got status %d want 401 (err=%v)", status, err)
	}
}

func mustConnect(parent context.Context, name, wsURL, origin, token string, stepTimeout time.Duration) *smokeClient {
	conn, resp, err := dial(parent, wsURL, origin, token, stepTimeout)
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}
	assertSubprotocol(resp, defaultSubprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func (c *smokeClient) mustHello(parent context.Context, stepTimeout time.Duration) v1.HelloAckPayload {
	c.send(parent, v1.TypeHello, v1.HelloPayload{}, stepTimeout)
	ack := c.mustReadUntilType(parent, v1.TypeHelloAck, stepTimeout)

	var p v1.HelloAckPayload
	if err := json.Unmarshal(ack.Payload, &p); err != nil {
		fatalf("unmarshal hello_ack payload (%s): %v", c.name, err)
	}
	if strings.TrimSpace(p.ConnectionID) == "" {
		fatalf("hello_ack missing connection_id (%s)", c.name)
	}
	c.connID = p.ConnectionID
	return p
}

func (c *smokeClient) mustRoom(parent context.Context, typ, room string, stepTimeout time.Duration) {
	c.send(parent, typ, v1.RoomPayload{Room: room}, stepTimeout)
	echo := c.mustReadUntilType(parent, typ, stepTimeout)

	var p v1.RoomPayload
	if err := json.Unmarshal(echo.Payload, &p); err != nil {
		fatalf("unmarshal %s echo (%s): %v", typ, c.name, err)
	}
	if p.Room != room {
		fatalf("%s echo room mismatch (%s): got=%q want=%q", typ, c.name, p.Room, room)
	}
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			_, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func (c *smokeClient) send(parent context.Context, typ string, payload any, stepTimeout time.Duration) {
	raw, err := json.Marshal(payload)
	if err != nil {
		fatalf("marshal %s payload: %v", typ, err)
	}
	env := v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      fmt.Sprintf("%s-%s-%d", c.name, typ, time.Now().UnixNano()),
		TS:      time.Now().UTC(),
		Payload: raw,
	}
	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}

	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write %s (%s): %v", typ, c.name, err)
	}
}

// mustReadUntilType skips unrelated envelopes (events, heartbeats) until typ
// arrives. An unexpected error envelope fails the run.
func (c *smokeClient) mustReadUntilType(parent context.Context, typ string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %s (%s)", typ, c.name)
		case err := <-c.errCh:
			fatalf("read (%s): %v", c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed waiting for %s (%s)", typ, c.name)
			}
			if env.Type == typ {
				return env
			}
			if env.Type == v1.TypeError {
				var p v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &p)
				fatalf("server error waiting for %s (%s): %s %s", typ, c.name, p.Code, p.Message)
			}
		}
	}
}

func closeWS(conn *websocket.Conn) {
	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "smoke done")
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
