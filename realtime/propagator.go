package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	v1 "github.com/itsthenavid/arc-sockstate/contracts/realtime/v1"
)

// DefaultChannelPrefix is the transport channel prefix used when none is configured.
const DefaultChannelPrefix = "arc.events"

// Propagator is the cross-instance event fanout.
//
// Emit publishes an Event on the channel derived from its target kind. Every
// instance (the publisher included) consumes each channel with one ordered
// goroutine and delivers to its local matching connections without blocking:
// a stalled connection loses the event, it never delays the others.
//
// There is no local shortcut: an instance reaches its own connections through
// its own subscription, exactly like a remote instance would.
type Propagator struct {
	transport  Transport
	resolver   Resolver
	codec      Codec
	instanceID string
	prefix     string
	log        *slog.Logger
	metrics    *Metrics
	now        func() time.Time

	mu      sync.Mutex
	started bool
	group   *errgroup.Group
}

// PropagatorOption configures a Propagator.
type PropagatorOption func(*Propagator) error

// WithCodec sets the wire codec (default JSONCodec).
func WithCodec(c Codec) PropagatorOption {
	return func(p *Propagator) error {
		if c == nil {
			return errors.New("realtime: nil codec")
		}
		p.codec = c
		return nil
	}
}

// WithInstanceID sets the id stamped as OriginInstanceID (default NewInstanceID()).
func WithInstanceID(id string) PropagatorOption {
	return func(p *Propagator) error {
		id = strings.TrimSpace(id)
		if id == "" {
			return errors.New("realtime: empty instance id")
		}
		p.instanceID = id
		return nil
	}
}

// WithChannelPrefix sets the transport channel prefix (default DefaultChannelPrefix).
func WithChannelPrefix(prefix string) PropagatorOption {
	return func(p *Propagator) error {
		prefix = strings.TrimSpace(prefix)
		if prefix == "" {
			return errors.New("realtime: empty channel prefix")
		}
		p.prefix = prefix
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) PropagatorOption {
	return func(p *Propagator) error {
		if l != nil {
			p.log = l
		}
		return nil
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *Metrics) PropagatorOption {
	return func(p *Propagator) error {
		p.metrics = m
		return nil
	}
}

// NewPropagator constructs a Propagator publishing on transport and delivering
// through resolver (usually the process Registry).
func NewPropagator(transport Transport, resolver Resolver, opts ...PropagatorOption) (*Propagator, error) {
	if transport == nil || resolver == nil {
		return nil, errors.New("realtime: propagator needs a transport and a resolver")
	}

	p := &Propagator{
		transport: transport,
		resolver:  resolver,
		codec:     JSONCodec{},
		prefix:    DefaultChannelPrefix,
		log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.instanceID == "" {
		p.instanceID = NewInstanceID()
	}
	return p, nil
}

// InstanceID identifies this process in emitted events.
func (p *Propagator) InstanceID() string { return p.instanceID }

// Channels lists the transport channels this propagator uses.
func (p *Propagator) Channels() []string { return channelsFor(p.prefix) }

// Emit publishes an event and returns once the transport acknowledged it.
//
// payload may be nil, json.RawMessage / []byte holding JSON, or any value
// encoding/json can marshal. A returned error means no remote instance got the
// event; delivery itself is never reported.
func (p *Propagator) Emit(ctx context.Context, target Target, name string, payload any) error {
	if err := target.Validate(); err != nil {
		return err
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxEventNameLen {
		return fmt.Errorf("%w: bad name", ErrInvalidEvent)
	}

	data, err := encodePayload(payload)
	if err != nil {
		return err
	}

	now := p.now()
	id, err := NewEventID(now)
	if err != nil {
		return err
	}

	ev := Event{
		ID:               id,
		Target:           Target{Kind: target.Kind, Value: strings.TrimSpace(target.Value)},
		Name:             name,
		Payload:          data,
		OriginInstanceID: p.instanceID,
		EmittedAt:        now,
	}

	b, err := p.codec.Marshal(ev)
	if err != nil {
		return fmt.Errorf("realtime: encode event: %w", err)
	}

	channel := channelFor(p.prefix, target.Kind)
	if err := p.transport.Publish(ctx, channel, b); err != nil {
		p.metrics.incPublishError(target.Kind)
		p.log.Warn("fanout.publish.fail", "channel", channel, "event", name, "target", ev.Target.String(), "err", err)
		return fmt.Errorf("realtime: publish %s: %w", channel, err)
	}

	p.metrics.incPublished(target.Kind)
	return nil
}

// EmitToUser emits to every connection of identity, on any instance.
func (p *Propagator) EmitToUser(ctx context.Context, identity, name string, payload any) error {
	return p.Emit(ctx, ToUser(identity), name, payload)
}

// EmitToRoom emits to every connection in room, on any instance.
func (p *Propagator) EmitToRoom(ctx context.Context, room, name string, payload any) error {
	return p.Emit(ctx, ToRoom(room), name, payload)
}

// EmitToAuthenticated emits to every authenticated connection, on any instance.
func (p *Propagator) EmitToAuthenticated(ctx context.Context, name string, payload any) error {
	return p.Emit(ctx, ToAuthenticated(), name, payload)
}

// EmitToAll emits to every connection, on any instance.
func (p *Propagator) EmitToAll(ctx context.Context, name string, payload any) error {
	return p.Emit(ctx, ToAll(), name, payload)
}

// Start subscribes to every channel and starts one consumer per channel.
//
// Subscriptions are confirmed before Start returns, so any Emit issued after it
// (by this or any other instance) reaches this instance. Cancelling ctx closes
// the subscriptions; Wait reports how the consumers ended.
func (p *Propagator) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrAlreadyStarted
	}

	channels := p.Channels()
	subs := make([]Subscription, 0, len(channels))
	for _, ch := range channels {
		sub, err := p.transport.Subscribe(ctx, ch)
		if err != nil {
			for _, s := range subs {
				_ = s.Close()
			}
			return fmt.Errorf("realtime: subscribe %s: %w", ch, err)
		}
		subs = append(subs, sub)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, sub := range subs {
		channel := channels[i]
		g.Go(func() error { return p.consume(gctx, channel, sub) })
	}

	p.group = g
	p.started = true
	p.log.Info("fanout.start", "instance_id", p.instanceID, "codec", p.codec.Name(), "channels", channels)
	return nil
}

// Wait blocks until every consumer stopped. It returns nil after a normal
// shutdown (context cancelled) and an error if a subscription ended on its own.
func (p *Propagator) Wait() error {
	p.mu.Lock()
	g := p.group
	p.mu.Unlock()

	if g == nil {
		return nil
	}
	return g.Wait()
}

func (p *Propagator) consume(ctx context.Context, channel string, sub Subscription) error {
	defer func() { _ = sub.Close() }()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sub.Done():
			if ctx.Err() != nil {
				return nil
			}
			p.log.Error("fanout.subscription.ended", "channel", channel)
			return fmt.Errorf("%w: subscription to %s ended", ErrTransportClosed, channel)
		case msg := <-sub.Messages():
			p.handle(msg)
		}
	}
}

func (p *Propagator) handle(msg Message) {
	var ev Event
	if err := p.codec.Unmarshal(msg.Data, &ev); err != nil {
		p.metrics.incDecodeError()
		p.log.Warn("fanout.decode.fail", "channel", msg.Channel, "codec", p.codec.Name(), "err", err)
		return
	}
	if err := ev.Validate(); err != nil {
		p.metrics.incDecodeError()
		p.log.Warn("fanout.decode.invalid", "channel", msg.Channel, "event_id", ev.ID, "err", err)
		return
	}

	p.metrics.incReceived(ev.Target.Kind)
	p.Deliver(ev)
}

// Deliver hands ev to every local connection matching its target. It never
// blocks and never fails: misses are logged and counted as dropped.
func (p *Propagator) Deliver(ev Event) {
	conns := p.resolver.Resolve(ev.Target)
	if len(conns) == 0 {
		p.metrics.incDropped(dropNoLocalConnections)
		p.log.Info("fanout.deliver.dropped",
			"reason", dropNoLocalConnections,
			"event_id", ev.ID,
			"event", ev.Name,
			"target", ev.Target.String(),
			"origin", ev.OriginInstanceID,
		)
		return
	}

	env, err := wireEvent(ev)
	if err != nil {
		p.log.Warn("fanout.deliver.encode_fail", "event_id", ev.ID, "err", err)
		return
	}

	for _, c := range conns {
		switch err := c.Deliver(env); {
		case err == nil:
			p.metrics.incDelivered(ev.Target.Kind)
		default:
			reason := dropQueueFull
			if errors.Is(err, ErrConnClosed) {
				reason = dropConnClosed
			}
			p.metrics.incDropped(reason)
			p.log.Info("fanout.deliver.dropped",
				"reason", reason,
				"event_id", ev.ID,
				"event", ev.Name,
				"conn_id", c.ID(),
			)
		}
	}
}

// wireEvent converts a fanout event to the client-facing envelope.
func wireEvent(ev Event) (v1.Envelope, error) {
	payload, err := json.Marshal(v1.EventPayload{Name: ev.Name, Data: ev.Payload})
	if err != nil {
		return v1.Envelope{}, err
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    v1.TypeEvent,
		ID:      ev.ID,
		TS:      ev.EmittedAt,
		Payload: payload,
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	var data []byte
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		data = v
	case []byte:
		data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("%w: payload: %v", ErrInvalidEvent, err)
		}
		data = b
	}

	if len(data) > maxEventPayloadBytes {
		return nil, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidEvent, maxEventPayloadBytes)
	}
	if len(data) > 0 && !json.Valid(data) {
		return nil, fmt.Errorf("%w: payload is not JSON", ErrInvalidEvent)
	}
	return append(json.RawMessage(nil), data...), nil
}
