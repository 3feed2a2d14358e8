package realtime

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Transport. Several Propagators may share one bus to
// behave like instances on a shared broker (single-process deployments, tests).
//
// Publish blocks until every current subscriber has buffered the message, so
// the bus never drops; order per channel is publish order.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySubscription]struct{}
	buffer int
	closed bool
}

// NewMemoryBus returns a bus whose subscriptions buffer up to buffer messages.
func NewMemoryBus(buffer int) *MemoryBus {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	return &MemoryBus{
		subs:   make(map[string]map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

// Publish implements Transport.
func (b *MemoryBus) Publish(ctx context.Context, channel string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrTransportClosed
	}
	targets := make([]*memorySubscription, 0, len(b.subs[channel]))
	for s := range b.subs[channel] {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	msg := Message{Channel: channel, Data: append([]byte(nil), data...)}
	for _, s := range targets {
		select {
		case s.out <- msg:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe implements Transport.
func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrTransportClosed
	}
	s := &memorySubscription{
		bus:     b,
		channel: channel,
		out:     make(chan Message, b.buffer),
		done:    make(chan struct{}),
	}
	set := b.subs[channel]
	if set == nil {
		set = make(map[*memorySubscription]struct{})
		b.subs[channel] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// Close ends every subscription.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySubscription
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.subs = make(map[string]map[*memorySubscription]struct{})
	b.mu.Unlock()

	for _, s := range all {
		s.shutdown()
	}
	return nil
}

// Subscribers returns the number of live subscriptions on channel.
func (b *MemoryBus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

type memorySubscription struct {
	bus     *MemoryBus
	channel string
	out     chan Message
	done    chan struct{}
	once    sync.Once
}

func (s *memorySubscription) Messages() <-chan Message { return s.out }

func (s *memorySubscription) Done() <-chan struct{} { return s.done }

func (s *memorySubscription) Close() error {
	s.bus.mu.Lock()
	if set := s.bus.subs[s.channel]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.channel)
		}
	}
	s.bus.mu.Unlock()

	s.shutdown()
	return nil
}

func (s *memorySubscription) shutdown() {
	s.once.Do(func() { close(s.done) })
}
