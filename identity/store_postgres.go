package identity

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresProfileStore reads profiles from <schema>.users.
//
// The pgx pool is owned by the caller; this store must NOT close it.
// Schema identifiers are validated and quoted.
type PostgresProfileStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresProfileStore) error

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// WithSchema sets the Postgres schema (default "arc").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresProfileStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgIdentRe.MatchString(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresProfileStore constructs a PostgresProfileStore.
func NewPostgresProfileStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresProfileStore, error) {
	st := &PostgresProfileStore{pool: pool, schema: "arc"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, fmt.Errorf("identity: nil pool")
	}
	return st, nil
}

// FindByID implements ProfileStore.
func (s *PostgresProfileStore) FindByID(ctx context.Context, id string) (*Profile, error) {
	const op = "identity.FindByID"

	id = strings.TrimSpace(id)
	if id == "" {
		return nil, OpError{Op: op, Kind: ErrInvalidInput, Msg: "empty id"}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	users := pgx.Identifier{s.schema, "users"}.Sanitize()

	var p Profile
	err := s.pool.QueryRow(ctx, `
		SELECT id, username, email, display_name, bio, created_at
		FROM `+users+`
		WHERE id = $1
	`, id).Scan(&p.ID, &p.Username, &p.Email, &p.DisplayName, &p.Bio, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, OpError{Op: op, Kind: ErrUnavailable, Err: err}
	}
	return &p, nil
}
