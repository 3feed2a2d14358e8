package realtime

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	v1 "github.com/itsthenavid/arc-sockstate/contracts/realtime/v1"
	"github.com/itsthenavid/arc-sockstate/identity"
)

// ConnState is the lifecycle state of a Conn.
//
//	Unauthenticated -> Authenticated -> Closed
//	Unauthenticated -> Closed
type ConnState uint8

const (
	StateUnauthenticated ConnState = iota
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one live client connection as seen by the socket state core.
//
// The transport owns the underlying socket; Conn only carries identity and a
// bounded outbound queue. The queue is intentionally NOT closed on Close so
// concurrent deliverers can never panic; Done signals shutdown instead.
type Conn struct {
	id            string
	establishedAt time.Time

	mu       sync.RWMutex
	state    ConnState
	identity string
	profile  *identity.Profile
	closedAt time.Time

	send chan v1.Envelope
	done chan struct{}

	closeOnce    sync.Once
	accepted     atomic.Bool
	disconnected atomic.Bool
}

// NewConn constructs a Conn with a bounded outbound queue.
func NewConn(id string, establishedAt time.Time, sendQueueSize int) *Conn {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	if establishedAt.IsZero() {
		establishedAt = time.Now().UTC()
	}
	return &Conn{
		id:            id,
		establishedAt: establishedAt,
		send:          make(chan v1.Envelope, sendQueueSize),
		done:          make(chan struct{}),
	}
}

// ID is unique within this process only.
func (c *Conn) ID() string { return c.id }

// EstablishedAt is when the transport accepted the connection.
func (c *Conn) EstablishedAt() time.Time { return c.establishedAt }

// State returns the current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Identity returns the authenticated identity, if any.
func (c *Conn) Identity() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity, c.identity != ""
}

// Profile returns the profile attached at authentication (may be nil).
func (c *Conn) Profile() *identity.Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.profile
}

// Authenticate binds the connection to id. It succeeds at most once and never
// after Close.
func (c *Conn) Authenticate(id string, profile *identity.Profile) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return ErrEmptyIdentity
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case StateClosed:
		return ErrConnClosed
	case StateAuthenticated:
		return ErrAlreadyAuthenticated
	}
	c.state = StateAuthenticated
	c.identity = id
	c.profile = profile
	return nil
}

// Deliver enqueues env without blocking.
func (c *Conn) Deliver(env v1.Envelope) error {
	if c.State() == StateClosed {
		return ErrConnClosed
	}
	select {
	case <-c.done:
		return ErrConnClosed
	case c.send <- env:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Outbound is drained by the transport writer.
func (c *Conn) Outbound() <-chan v1.Envelope { return c.send }

// Done returns a channel that is closed when the connection is shutting down.
func (c *Conn) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close moves the connection to Closed (idempotent).
func (c *Conn) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.closedAt = time.Now().UTC()
		c.mu.Unlock()
		close(c.done)
	})
}

// Lifetime is how long the connection has been (or was) open.
func (c *Conn) Lifetime() time.Duration {
	c.mu.RLock()
	end := c.closedAt
	c.mu.RUnlock()
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return end.Sub(c.establishedAt)
}

// Accepted reports whether the handshake completed.
func (c *Conn) Accepted() bool { return c.accepted.Load() }

// markDisconnected reports true only for the first caller.
func (c *Conn) markDisconnected() bool {
	return c.disconnected.CompareAndSwap(false, true)
}
