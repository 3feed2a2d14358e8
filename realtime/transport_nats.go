package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
)

// NATSTransport is a Transport over core NATS subjects.
//
// Publish flushes to the server before returning, which is the ack
// Propagator.Emit waits for. Like Redis, core NATS does not persist: a message
// published while nobody is subscribed is dropped.
//
// The connection is owned by the caller; Close does NOT close it.
type NATSTransport struct {
	nc     *nats.Conn
	buffer int

	mu     sync.Mutex
	subs   map[*natsSubscription]struct{}
	closed bool
}

// NewNATSTransport wraps nc.
func NewNATSTransport(nc *nats.Conn, buffer int) (*NATSTransport, error) {
	if nc == nil {
		return nil, fmt.Errorf("realtime: nil nats connection")
	}
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &NATSTransport{nc: nc, buffer: buffer, subs: make(map[*natsSubscription]struct{})}, nil
}

// Publish implements Transport.
func (t *NATSTransport) Publish(ctx context.Context, channel string, data []byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	if err := t.nc.Publish(channel, data); err != nil {
		return err
	}
	return t.nc.FlushWithContext(ctx)
}

// Subscribe implements Transport. The interest is flushed to the server before
// returning.
func (t *NATSTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	in := make(chan *nats.Msg, t.buffer)
	sub, err := t.nc.ChanSubscribe(channel, in)
	if err != nil {
		return nil, fmt.Errorf("realtime: nats subscribe %s: %w", channel, err)
	}
	if err := t.nc.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("realtime: nats flush %s: %w", channel, err)
	}

	s := &natsSubscription{
		owner: t,
		sub:   sub,
		out:   make(chan Message, t.buffer),
		done:  make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = sub.Unsubscribe()
		return nil, ErrTransportClosed
	}
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.pump(in)
	return s, nil
}

// Close ends every subscription opened through t.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*natsSubscription, 0, len(t.subs))
	for s := range t.subs {
		subs = append(subs, s)
	}
	t.subs = nil
	t.mu.Unlock()

	for _, s := range subs {
		_ = s.shutdown()
	}
	return nil
}

func (t *NATSTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *NATSTransport) forget(s *natsSubscription) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

type natsSubscription struct {
	owner *NATSTransport
	sub   *nats.Subscription
	out   chan Message
	done  chan struct{}
	once  sync.Once
}

// pump copies NATS messages out; the NATS client never closes in.
func (s *natsSubscription) pump(in <-chan *nats.Msg) {
	for {
		select {
		case <-s.done:
			return
		case m := <-in:
			select {
			case s.out <- Message{Channel: m.Subject, Data: m.Data}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *natsSubscription) Messages() <-chan Message { return s.out }

func (s *natsSubscription) Done() <-chan struct{} { return s.done }

func (s *natsSubscription) Close() error {
	s.owner.forget(s)
	return s.shutdown()
}

func (s *natsSubscription) shutdown() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.sub.Unsubscribe()
	})
	return err
}
