package realtime

import "context"

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Data    []byte
}

// Subscription is a live subscription to one channel.
//
// Messages is never closed (publishers may still be sending into it); Done is
// closed when the subscription ends, either by Close or because the transport
// went away.
type Subscription interface {
	Messages() <-chan Message
	Done() <-chan struct{}
	Close() error
}

// Transport is the pub/sub primitive shared by all instances.
//
// Publish returns once the backend acknowledged the message. Every current
// subscriber of the channel, the publisher included, receives the bytes
// verbatim. Reconnection and retry belong to the implementation.
type Transport interface {
	Publish(ctx context.Context, channel string, data []byte) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	Close() error
}
