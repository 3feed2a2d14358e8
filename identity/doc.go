// Package identity is the identity-store collaborator of the socket state core.
//
// The core never authenticates against this package. It only resolves an
// already-authenticated identity to a user profile so a live connection can be
// enriched after its token validated (see realtime.Authenticator).
package identity
