// Package postgres implements store.Store on PostgreSQL through pgxpool.
//
// Conditional inserts use ON CONFLICT DO NOTHING and read RowsAffected to
// tell Inserted from AlreadyExists. Status changes are UPDATE ... WHERE
// status = $from so a concurrent writer turns into domain.ErrStaleStatus.
package postgres

import (
	"context"
	"fmt"

	"github.com/dukerupert/billrun/internal/store"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the Postgres implementation of store.Store.
type Store struct {
	pool *pgxpool.Pool
}

// Compile-time check to ensure Store implements store.Store.
var _ store.Store = (*Store)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewFromPool wraps an existing pool.
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
