// Package realtime is the socket state core of an Arc instance.
//
// A Registry tracks which live connections belong to which identity (and which
// rooms). A Propagator publishes events on a shared pub/sub Transport and, on
// every instance including the publisher, delivers them to the locally
// registered connections matching the event target. The Authenticator runs at
// handshake time and is the only path into the Registry; WSGateway wires all of
// this to coder/websocket.
package realtime
