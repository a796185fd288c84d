package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a job or step record does not exist.
var ErrNotFound = errors.New("store: not found")

// Store wraps pgxpool for Postgres persistence. It is the single source of
// truth for job ownership; callers coordinate only through its transactions,
// never through in-process locks.
type Store struct {
	pool *pgxpool.Pool

	backoffInitial time.Duration
	backoffMax     time.Duration
}

// Options tune retry scheduling performed by FailJob.
type Options struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string, opts Options) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 2 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 5 * time.Minute
	}
	return &Store{
		pool:           pool,
		backoffInitial: opts.BackoffInitial,
		backoffMax:     opts.BackoffMax,
	}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}
