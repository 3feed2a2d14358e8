package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport is a Transport over Redis PUBLISH/SUBSCRIBE.
//
// Redis pub/sub is fire-and-forget: PUBLISH returning means the server accepted
// the message, which is the ack Propagator.Emit waits for. Reconnects are
// handled by go-redis; messages published while a subscriber is reconnecting
// are lost.
//
// The client is owned by the caller; Close does NOT close it.
type RedisTransport struct {
	rdb    redis.UniversalClient
	buffer int

	mu     sync.Mutex
	subs   map[*redisSubscription]struct{}
	closed bool
}

// NewRedisTransport wraps rdb.
func NewRedisTransport(rdb redis.UniversalClient, buffer int) (*RedisTransport, error) {
	if rdb == nil {
		return nil, fmt.Errorf("realtime: nil redis client")
	}
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &RedisTransport{rdb: rdb, buffer: buffer, subs: make(map[*redisSubscription]struct{})}, nil
}

// Publish implements Transport.
func (t *RedisTransport) Publish(ctx context.Context, channel string, data []byte) error {
	if t.isClosed() {
		return ErrTransportClosed
	}
	return t.rdb.Publish(ctx, channel, data).Err()
}

// Subscribe implements Transport. It returns after Redis confirmed the
// subscription, so a Publish issued afterwards is guaranteed to reach it.
func (t *RedisTransport) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if t.isClosed() {
		return nil, ErrTransportClosed
	}

	ps := t.rdb.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("realtime: redis subscribe %s: %w", channel, err)
	}

	s := &redisSubscription{
		owner: t,
		ps:    ps,
		out:   make(chan Message, t.buffer),
		done:  make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ps.Close()
		return nil, ErrTransportClosed
	}
	t.subs[s] = struct{}{}
	t.mu.Unlock()

	go s.pump(ps.Channel(redis.WithChannelSize(t.buffer)))
	return s, nil
}

// Close ends every subscription opened through t.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := make([]*redisSubscription, 0, len(t.subs))
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

func (t *RedisTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *RedisTransport) forget(s *redisSubscription) {
	t.mu.Lock()
	delete(t.subs, s)
	t.mu.Unlock()
}

type redisSubscription struct {
	owner *RedisTransport
	ps    *redis.PubSub
	out   chan Message
	done  chan struct{}
	once  sync.Once
}

func (s *redisSubscription) pump(in <-chan *redis.Message) {
	defer func() { _ = s.shutdown() }()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			select {
			case s.out <- Message{Channel: m.Channel, Data: []byte(m.Payload)}:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Done() <-chan struct{} { return s.done }

func (s *redisSubscription) Close() error {
	s.owner.forget(s)
	return s.shutdown()
}

func (s *redisSubscription) shutdown() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
