package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidToken is returned when an access token is malformed or its signature does not verify.
	ErrInvalidToken = errors.New("invalid token")

	// ErrExpiredToken is returned when an access token is past its exp claim (plus clock skew).
	ErrExpiredToken = errors.New("expired token")

	// ErrRevokedToken is returned when an access token was issued before its subject's revocation marker.
	ErrRevokedToken = errors.New("revoked token")

	// ErrInvalidRefreshToken is returned when a refresh token is unknown, expired, already used,
	// or does not belong to the presented access token's subject.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrInvalidAccessToken is returned by rotation when the previous access token does not verify.
	// It matches ErrInvalidToken under errors.Is.
	ErrInvalidAccessToken = fmt.Errorf("invalid access token: %w", ErrInvalidToken)

	// ErrRefreshNotFound is returned by stores when no live refresh record matches.
	ErrRefreshNotFound = errors.New("refresh token not found")

	// ErrRefreshRateLimited is returned when refresh is attempted too frequently.
	ErrRefreshRateLimited = errors.New("refresh rate limited")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid config")
)

// RefreshRateLimitError carries retry metadata for refresh throttling.
type RefreshRateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e RefreshRateLimitError) Error() string {
	if e.RetryAfter <= 0 {
		return ErrRefreshRateLimited.Error()
	}
	return fmt.Sprintf("%s: retry after %s", ErrRefreshRateLimited.Error(), e.RetryAfter)
}

func (e RefreshRateLimitError) Unwrap() error { return ErrRefreshRateLimited }

// IsTokenRejection reports whether err is one of the access-token rejection kinds.
func IsTokenRejection(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpiredToken) ||
		errors.Is(err, ErrRevokedToken)
}
