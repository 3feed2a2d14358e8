package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a RefreshStore and RevocationStore backed by PostgreSQL
// (<schema>.refresh_tokens, <schema>.revocation_markers).
//
// The pgx pool is owned by the caller; this store must NOT close it.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "arc").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("%w: invalid schema identifier", ErrConfig)
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore creates a Postgres-backed store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrConfig)
	}
	s := &PostgresStore{pool: pool, schema: "arc"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *PostgresStore) ident(name string) string {
	return pgx.Identifier{s.schema, name}.Sanitize()
}

// EnsureSchema creates the store's tables if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()
	tokens := s.ident("refresh_tokens")
	markers := s.ident("revocation_markers")

	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + schema,
		`CREATE TABLE IF NOT EXISTS ` + tokens + ` (
			token_hash text PRIMARY KEY,
			user_id    text NOT NULL,
			client_id  text NOT NULL,
			issuer_ip  text,
			created_at timestamptz NOT NULL,
			expires_at timestamptz NOT NULL,
			UNIQUE (user_id, client_id)
		)`,
		`CREATE TABLE IF NOT EXISTS ` + markers + ` (
			user_id        text PRIMARY KEY,
			revoked_before timestamptz NOT NULL
		)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

// Save implements RefreshStore. The (user_id, client_id) unique key replaces the previous record.
func (s *PostgresStore) Save(ctx context.Context, rec RefreshRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO `+s.ident("refresh_tokens")+` (
			token_hash, user_id, client_id, issuer_ip, created_at, expires_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id, client_id) DO UPDATE SET
			token_hash = EXCLUDED.token_hash,
			issuer_ip  = EXCLUDED.issuer_ip,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
	`, rec.TokenHash, rec.Identity, rec.ClientID, nullIfEmpty(rec.IssuerIP), rec.CreatedAt, rec.ExpiresAt)
	return err
}

// FindByHash implements RefreshStore.
func (s *PostgresStore) FindByHash(ctx context.Context, tokenHash string) (RefreshRecord, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT token_hash, user_id, client_id, issuer_ip, created_at, expires_at
		FROM `+s.ident("refresh_tokens")+`
		WHERE token_hash = $1
	`, tokenHash)
	return scanRefreshRecord(row)
}

// Consume implements RefreshStore. DELETE ... RETURNING makes the single-use guarantee atomic.
func (s *PostgresStore) Consume(ctx context.Context, tokenHash string) (RefreshRecord, error) {
	row := s.pool.QueryRow(ctx, `
		DELETE FROM `+s.ident("refresh_tokens")+`
		WHERE token_hash = $1
		RETURNING token_hash, user_id, client_id, issuer_ip, created_at, expires_at
	`, tokenHash)
	return scanRefreshRecord(row)
}

// DeleteByIdentity implements RefreshStore.
func (s *PostgresStore) DeleteByIdentity(ctx context.Context, identity string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM `+s.ident("refresh_tokens")+` WHERE user_id = $1`, identity)
	return err
}

// DeleteByClientID implements RefreshStore.
func (s *PostgresStore) DeleteByClientID(ctx context.Context, identity, clientID string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM `+s.ident("refresh_tokens")+`
		WHERE user_id = $1 AND client_id = $2
	`, identity, clientID)
	return err
}

// Raise implements RevocationStore.
func (s *PostgresStore) Raise(ctx context.Context, identity string, at time.Time) (time.Time, error) {
	markers := s.ident("revocation_markers")

	var effective time.Time
	err := s.pool.QueryRow(ctx, `
		INSERT INTO `+markers+` AS m (user_id, revoked_before)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE
			SET revoked_before = GREATEST(m.revoked_before, EXCLUDED.revoked_before)
		RETURNING revoked_before
	`, identity, at).Scan(&effective)
	if err != nil {
		return time.Time{}, err
	}
	return effective.UTC(), nil
}

// RevokedBefore implements RevocationStore.
func (s *PostgresStore) RevokedBefore(ctx context.Context, identity string) (time.Time, bool, error) {
	var marker time.Time
	err := s.pool.QueryRow(ctx, `
		SELECT revoked_before FROM `+s.ident("revocation_markers")+` WHERE user_id = $1
	`, identity).Scan(&marker)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return marker.UTC(), true, nil
}

func scanRefreshRecord(row pgx.Row) (RefreshRecord, error) {
	var (
		rec RefreshRecord
		ip  *string
	)
	err := row.Scan(&rec.TokenHash, &rec.Identity, &rec.ClientID, &ip, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshRecord{}, ErrRefreshNotFound
	}
	if err != nil {
		return RefreshRecord{}, err
	}
	if ip != nil {
		rec.IssuerIP = *ip
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	return rec, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
