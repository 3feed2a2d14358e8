package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrConnClosed is returned when delivering to a closed connection.
	ErrConnClosed = errors.New("realtime: connection closed")

	// ErrSendQueueFull is returned when a connection's outbound queue is full.
	ErrSendQueueFull = errors.New("realtime: send queue full")

	// ErrAlreadyAuthenticated is returned when a connection is authenticated twice.
	ErrAlreadyAuthenticated = errors.New("realtime: connection already authenticated")

	// ErrAlreadyRegistered is returned when a connection is registered under a second identity.
	ErrAlreadyRegistered = errors.New("realtime: connection registered under another identity")

	// ErrHandshakeRejected is the composite handshake failure surfaced at the transport boundary.
	ErrHandshakeRejected = errors.New("realtime: handshake rejected")

	// ErrEmptyIdentity is returned when an identity is blank.
	ErrEmptyIdentity = errors.New("realtime: empty identity")

	// ErrInvalidTarget is returned for malformed event targets.
	ErrInvalidTarget = errors.New("realtime: invalid target")

	// ErrInvalidEvent is returned for malformed events.
	ErrInvalidEvent = errors.New("realtime: invalid event")

	// ErrTransportClosed is returned by transports after Close.
	ErrTransportClosed = errors.New("realtime: transport closed")

	// ErrAuthenticationRequired is returned when an anonymous connection sends
	// a message that needs an identity.
	ErrAuthenticationRequired = errors.New("realtime: authentication required")

	// ErrAlreadyStarted is returned when a Propagator is started twice.
	ErrAlreadyStarted = errors.New("realtime: propagator already started")
)

// HandshakeError is returned by Authenticator.Authenticate when a connection must
// not be accepted. It matches ErrHandshakeRejected and its Reason under errors.Is.
type HandshakeError struct {
	Reason error
}

func (e *HandshakeError) Error() string {
	if e.Reason == nil {
		return ErrHandshakeRejected.Error()
	}
	return fmt.Sprintf("%s: %v", ErrHandshakeRejected.Error(), e.Reason)
}

func (e *HandshakeError) Unwrap() []error {
	if e.Reason == nil {
		return []error{ErrHandshakeRejected}
	}
	return []error{ErrHandshakeRejected, e.Reason}
}
