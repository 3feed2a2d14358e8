// Package token provides refresh-token primitives for Arc.
//
// It is the single source of truth for how opaque refresh tokens are generated
// and how they are hashed before they reach any store.
//
// Hashing modes:
//   - dev/back-compat: SHA-256(token) when no HMAC key is configured.
//   - production: HMAC-SHA256(token, key) when ARC_TOKEN_HMAC_KEY is set.
//
// Output is always a stable 64-char hex string.
package token
