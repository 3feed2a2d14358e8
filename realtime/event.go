package realtime

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TargetKind selects how an event is routed to local connections.
type TargetKind string

const (
	// TargetUser addresses every connection of one identity.
	TargetUser TargetKind = "user"
	// TargetRoom addresses every connection that joined a room.
	TargetRoom TargetKind = "room"
	// TargetAuthenticated addresses every authenticated connection.
	TargetAuthenticated TargetKind = "authenticated"
	// TargetAll addresses every connection, anonymous ones included.
	TargetAll TargetKind = "all"
)

// Target is the routing key of an event.
type Target struct {
	Kind  TargetKind `json:"kind"`
	Value string     `json:"value,omitempty"`
}

// ToUser targets identity's connections.
func ToUser(identity string) Target { return Target{Kind: TargetUser, Value: identity} }

// ToRoom targets room's connections.
func ToRoom(room string) Target { return Target{Kind: TargetRoom, Value: room} }

// ToAuthenticated targets every authenticated connection.
func ToAuthenticated() Target { return Target{Kind: TargetAuthenticated} }

// ToAll targets every connection.
func ToAll() Target { return Target{Kind: TargetAll} }

func (t Target) String() string {
	if t.Value == "" {
		return string(t.Kind)
	}
	return string(t.Kind) + ":" + t.Value
}

// Validate checks the kind/value combination.
func (t Target) Validate() error {
	switch t.Kind {
	case TargetUser, TargetRoom:
		v := strings.TrimSpace(t.Value)
		if v == "" {
			return fmt.Errorf("%w: %s target needs a value", ErrInvalidTarget, t.Kind)
		}
		if len(v) > maxTargetValueLen {
			return fmt.Errorf("%w: value too long", ErrInvalidTarget)
		}
		return nil
	case TargetAuthenticated, TargetAll:
		if t.Value != "" {
			return fmt.Errorf("%w: %s target takes no value", ErrInvalidTarget, t.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTarget, t.Kind)
	}
}

// Event is the fanout envelope published between instances. It is transient:
// built by Emit, consumed once per instance, never persisted.
type Event struct {
	ID               string          `json:"id"`
	Target           Target          `json:"target"`
	Name             string          `json:"name"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	OriginInstanceID string          `json:"origin_instance_id"`
	EmittedAt        time.Time       `json:"emitted_at"`
}

// Validate checks the structural invariants of a received event.
func (e Event) Validate() error {
	if err := e.Target.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.Name) == "" || len(e.Name) > maxEventNameLen {
		return fmt.Errorf("%w: bad name", ErrInvalidEvent)
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("%w: payload is not JSON", ErrInvalidEvent)
	}
	return nil
}

// channelFor derives the transport channel for a target kind. User and room
// targets get their own channels; authenticated/all share the broadcast channel.
func channelFor(prefix string, kind TargetKind) string {
	switch kind {
	case TargetUser:
		return prefix + ".user"
	case TargetRoom:
		return prefix + ".room"
	default:
		return prefix + ".broadcast"
	}
}

func channelsFor(prefix string) []string {
	return []string{
		channelFor(prefix, TargetUser),
		channelFor(prefix, TargetRoom),
		channelFor(prefix, TargetAll),
	}
}
