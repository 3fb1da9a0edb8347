package offsetcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema creates the offsets table. Kept here so deployments without
// migration tooling can bootstrap with a single Exec.
const Schema = `
CREATE TABLE IF NOT EXISTS geetest_offsets (
	hash          TEXT PRIMARY KEY,
	drag_offset   INTEGER NOT NULL,
	success_count INTEGER NOT NULL DEFAULT 0,
	failure_count INTEGER NOT NULL DEFAULT 0,
	last_used_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// PostgresStore persists entries in PostgreSQL so independent crawl
// processes share the cache. Counter updates are plain upserts; concurrent
// writers may lose increments, which is acceptable for advisory counters.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// EnsureSchema creates the backing table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("failed to create geetest_offsets table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, hash string) (*Entry, error) {
	query := `
		SELECT hash, drag_offset, success_count, failure_count, last_used_at
		FROM geetest_offsets
		WHERE hash = $1`

	entry := &Entry{}
	err := s.pool.QueryRow(ctx, query, hash).Scan(
		&entry.Hash, &entry.Offset, &entry.SuccessCount, &entry.FailureCount, &entry.LastUsedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get offset entry: %w", err)
	}
	return entry, nil
}

func (s *PostgresStore) RecordSuccess(ctx context.Context, hash string, offset int) error {
	query := `
		INSERT INTO geetest_offsets (hash, drag_offset, success_count, last_used_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (hash) DO UPDATE SET
			success_count = geetest_offsets.success_count + 1,
			last_used_at = now()`

	if _, err := s.pool.Exec(ctx, query, hash, offset); err != nil {
		return fmt.Errorf("failed to record offset success: %w", err)
	}
	return nil
}

func (s *PostgresStore) RecordFailure(ctx context.Context, hash string, offset int) error {
	query := `
		INSERT INTO geetest_offsets (hash, drag_offset, failure_count, last_used_at)
		VALUES ($1, $2, 1, now())
		ON CONFLICT (hash) DO UPDATE SET
			failure_count = geetest_offsets.failure_count + 1,
			last_used_at = now()`

	if _, err := s.pool.Exec(ctx, query, hash, offset); err != nil {
		return fmt.Errorf("failed to record offset failure: %w", err)
	}
	return nil
}
