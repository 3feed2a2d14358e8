// Package session implements Arc's token lifecycle.
//
// Access tokens are signed and stateless (PASETO v4.public by default, HS256 JWT
// when configured). Validity is signature + expiry, plus one per-identity
// revocation marker: any token whose iat is before the marker is rejected. That
// marker is the whole "log out everywhere" mechanism, there is no blacklist.
//
// Refresh tokens are opaque random strings bound to (identity, client id, issuer
// ip, expiry). They are single-use and stored hashed (HMAC-SHA256 when
// ARC_TOKEN_HMAC_KEY is set; otherwise SHA-256). At most one refresh token is
// live per (identity, client id).
//
// All service timestamps are truncated to microseconds so that markers and iat
// claims compare exactly across token formats and stores.
package session
