package identity

import (
	"context"
	"time"
)

// Profile is the user profile attached to an authenticated connection.
type Profile struct {
	ID          string
	Username    *string
	Email       *string
	DisplayName *string
	Bio         *string
	CreatedAt   time.Time
}

// Label returns a short human-readable handle for logs.
func (p *Profile) Label() string {
	if p == nil {
		return ""
	}
	switch {
	case p.Username != nil && *p.Username != "":
		return *p.Username
	case p.DisplayName != nil && *p.DisplayName != "":
		return *p.DisplayName
	default:
		return p.ID
	}
}

// ProfileStore resolves identities to profiles.
//
// FindByID returns (nil, nil) when the identity has no profile; an error means
// the lookup itself failed.
type ProfileStore interface {
	FindByID(ctx context.Context, id string) (*Profile, error)
}

// ProfileStoreFunc adapts a function to ProfileStore.
type ProfileStoreFunc func(ctx context.Context, id string) (*Profile, error)

// FindByID implements ProfileStore.
func (f ProfileStoreFunc) FindByID(ctx context.Context, id string) (*Profile, error) {
	return f(ctx, id)
}
