package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry is a fixed-window counter for a single key.
type Entry struct {
	Key         string
	Count       int
	WindowStart time.Time
}

// Store persists rate-limit counters. Implementations must be safe for
// concurrent use across independent process instances; all coordination
// happens in the store.
type Store interface {
	// Get returns the entry for key, or nil, nil when absent.
	Get(ctx context.Context, key string) (*Entry, error)
	// Upsert inserts or fully replaces the entry for key.
	Upsert(ctx context.Context, e *Entry) error
	// Increment atomically adds one to the counter for key.
	Increment(ctx context.Context, key string) error
	// Delete removes the entry for key. Unknown keys are a no-op.
	Delete(ctx context.Context, key string) error
	// DeleteOlderThan removes all entries whose window started before the
	// cutoff and returns the number removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PGStore is the postgres-backed rate-limit store.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore creates a rate-limit store backed by the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// EnsureSchema creates the rate_limits table if absent.
func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`CREATE TABLE IF NOT EXISTS rate_limits (
			key TEXT PRIMARY KEY,
			count INTEGER NOT NULL DEFAULT 1,
			window_start TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("ensuring rate_limits schema: %w", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, key string) (*Entry, error) {
	e := &Entry{}
	err := s.pool.QueryRow(ctx,
		`SELECT key, count, window_start FROM rate_limits WHERE key = $1`, key,
	).Scan(&e.Key, &e.Count, &e.WindowStart)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting rate limit entry: %w", err)
	}
	return e, nil
}

func (s *PGStore) Upsert(ctx context.Context, e *Entry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO rate_limits (key, count, window_start) VALUES ($1, $2, $3)
		 ON CONFLICT (key) DO UPDATE SET count = EXCLUDED.count, window_start = EXCLUDED.window_start`,
		e.Key, e.Count, e.WindowStart)
	if err != nil {
		return fmt.Errorf("upserting rate limit entry: %w", err)
	}
	return nil
}

func (s *PGStore) Increment(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE rate_limits SET count = count + 1 WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("incrementing rate limit entry: %w", err)
	}
	return nil
}

func (s *PGStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM rate_limits WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("deleting rate limit entry: %w", err)
	}
	return nil
}

func (s *PGStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM rate_limits WHERE window_start < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweeping rate limit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}
