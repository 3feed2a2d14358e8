// Package v1 defines the Arc Realtime Protocol v1 contract: the frames a websocket
// client exchanges with a socket-state instance.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeHello asks the server who this connection is (client -> server).
	TypeHello = "hello"
	// TypeHelloAck describes the connection (server -> client).
	TypeHelloAck = "hello_ack"

	// TypeRoomJoin subscribes the connection to a room (client -> server) and is echoed back.
	TypeRoomJoin = "room_join"
	// TypeRoomLeave unsubscribes the connection from a room (client -> server) and is echoed back.
	TypeRoomLeave = "room_leave"

	// TypeEvent carries a propagated application event (server -> client).
	TypeEvent = "event"

	// TypeError is a generic error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}
	return nil
}

// Known reports whether the envelope type is one this protocol version defines.
func (e Envelope) Known() bool {
	switch e.Type {
	case TypeHello, TypeHelloAck, TypeRoomJoin, TypeRoomLeave, TypeEvent, TypeError:
		return true
	default:
		return false
	}
}

// ---- Payloads ----

// HelloPayload is sent by the client after connecting.
type HelloPayload struct{}

// HelloAckPayload describes the connection as the server sees it.
type HelloAckPayload struct {
	ConnectionID  string `json:"connection_id"`
	Authenticated bool   `json:"authenticated"`
	Identity      string `json:"identity,omitempty"`
	DisplayName   string `json:"display_name,omitempty"`
}

// RoomPayload names a room for join/leave requests and their echoes.
type RoomPayload struct {
	Room string `json:"room"`
}

// EventPayload is an application event delivered to the connection.
// The envelope ID is the event id and TS is when it was emitted.
type EventPayload struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
