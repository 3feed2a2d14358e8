package realtime

import (
	"context"
	"log/slog"
)

// ConnectHook runs after a connection is accepted and (if it carried a token)
// registered. A non-nil error rejects the connection.
type ConnectHook interface {
	OnConnect(ctx context.Context, c *Conn) error
}

// DisconnectHook runs once when a connection goes away.
type DisconnectHook interface {
	OnDisconnect(c *Conn)
}

// ConnectFunc adapts a function to ConnectHook.
type ConnectFunc func(ctx context.Context, c *Conn) error

// OnConnect implements ConnectHook.
func (f ConnectFunc) OnConnect(ctx context.Context, c *Conn) error { return f(ctx, c) }

// DisconnectFunc adapts a function to DisconnectHook.
type DisconnectFunc func(c *Conn)

// OnDisconnect implements DisconnectHook.
func (f DisconnectFunc) OnDisconnect(c *Conn) { f(c) }

// Hooks is an ordered chain. Each element may implement ConnectHook,
// DisconnectHook, both or neither.
//
// OnConnect runs in order and stops at the first error. OnDisconnect runs in
// reverse order, so a hook sees teardown after every hook registered later.
type Hooks []any

// OnConnect implements ConnectHook.
func (h Hooks) OnConnect(ctx context.Context, c *Conn) error {
	for _, hook := range h {
		if ch, ok := hook.(ConnectHook); ok {
			if err := ch.OnConnect(ctx, c); err != nil {
				return err
			}
		}
	}
	return nil
}

// OnDisconnect implements DisconnectHook.
func (h Hooks) OnDisconnect(c *Conn) {
	for i := len(h) - 1; i >= 0; i-- {
		if dh, ok := h[i].(DisconnectHook); ok {
			dh.OnDisconnect(c)
		}
	}
}

// LogHooks logs connects and disconnects at debug level.
type LogHooks struct {
	Log *slog.Logger
	// Gateway names the endpoint in log lines (optional).
	Gateway string
}

// OnConnect implements ConnectHook.
func (l LogHooks) OnConnect(_ context.Context, c *Conn) error {
	if l.Log != nil {
		l.Log.Debug("ws.connect", l.attrs(c)...)
	}
	return nil
}

// OnDisconnect implements DisconnectHook.
func (l LogHooks) OnDisconnect(c *Conn) {
	if l.Log != nil {
		l.Log.Debug("ws.disconnect", append(l.attrs(c), "lifetime", c.Lifetime())...)
	}
}

func (l LogHooks) attrs(c *Conn) []any {
	id, _ := c.Identity()
	attrs := []any{"conn_id", c.ID(), "identity", id}
	if p := c.Profile(); p != nil {
		attrs = append(attrs, "user", p.Label())
	}
	if l.Gateway != "" {
		attrs = append(attrs, "gateway", l.Gateway)
	}
	return attrs
}
