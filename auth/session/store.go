package session

import (
	"context"
	"time"
)

// RefreshRecord is the persisted form of a refresh token. The plaintext value
// is never stored; TokenHash is the security/token hash of it.
type RefreshRecord struct {
	TokenHash string    `json:"token_hash"`
	Identity  string    `json:"identity"`
	ClientID  string    `json:"client_id"`
	IssuerIP  string    `json:"issuer_ip,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshStore persists refresh records.
//
// Implementations keep at most one record per (Identity, ClientID): Save replaces
// any previous record for the pair. Consume must be atomic so a record can be
// consumed at most once under concurrency.
type RefreshStore interface {
	// Save persists rec.
	Save(ctx context.Context, rec RefreshRecord) error

	// FindByHash loads a record by token hash or returns ErrRefreshNotFound.
	FindByHash(ctx context.Context, tokenHash string) (RefreshRecord, error)

	// Consume deletes and returns a record or returns ErrRefreshNotFound.
	Consume(ctx context.Context, tokenHash string) (RefreshRecord, error)

	// DeleteByIdentity removes every record for identity.
	DeleteByIdentity(ctx context.Context, identity string) error

	// DeleteByClientID removes the record for (identity, clientID), if any.
	DeleteByClientID(ctx context.Context, identity, clientID string) error
}

// RevocationStore holds per-identity revocation markers.
type RevocationStore interface {
	// Raise sets the marker for identity to max(current, at) and returns the effective marker.
	Raise(ctx context.Context, identity string, at time.Time) (time.Time, error)

	// RevokedBefore returns the marker for identity; ok is false when none was ever set.
	RevokedBefore(ctx context.Context, identity string) (marker time.Time, ok bool, err error)
}
