// Package store implements the AuthorityStore: transactional, serializable
// persistence for every entity in the data model, backed by PostgreSQL
// through pgx/v5. No ORM, no lazy relationships — every method loads exactly
// the rows its caller needs and returns plain values (§9).
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DB is the subset of pgxpool.Pool (and pgx.Tx) the store needs. Tests
// substitute pgxmock's pool implementation for this interface so every
// repository method is exercised without a live database.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Store is the AuthorityStore. Its methods are the only way Room,
// Participant, Round, Vote, SessionHistory and ExportJob rows are mutated.
type Store struct {
	db DB
}

// New connects a pgxpool to dsn and verifies connectivity before returning.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{db: pool}, nil
}

// NewWithDB wraps an already-constructed DB, used by tests to inject a
// pgxmock pool.
func NewWithDB(db DB) *Store {
	return &Store{db: db}
}

// Ping verifies Postgres connectivity; used by the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.db.Close()
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505), the signal every collision-retry loop in this package
// watches for.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
