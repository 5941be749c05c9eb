// Package storage implements the Storage Writer (component D): a
// Postgres-backed domain.Store, generalized from the teacher's
// internal/postgres.Repository (database/sql + lib/pq, one hand-written
// query per method) onto pgxpool + jackc/pgx/v5 — the driver indigo
// itself depends on (querycheck/check.go). WriteBatch issues one
// statement per row inside transactions of capped size; it does not use
// pgx.Batch or multi-row statements. See DESIGN.md.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/blackmichael/atproto-indexer/internal/domain"
)

// Store implements domain.Store against Postgres.
type Store struct {
	pool       *pgxpool.Pool
	batchSize  int
	maxRetries int
}

// Open connects to Postgres, verifies the connection, and returns a
// Store ready for use. The caller should call Close when done.
func Open(ctx context.Context, databaseURL string, poolSize, batchSize, maxRetries int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("storage: parse database url: %w", err)
	}
	cfg.MaxConns = int32(poolSize)

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping database: %w", err)
	}

	// withRetry counts attempts, so the first try is added to the
	// configured number of retries.
	return &Store{pool: pool, batchSize: batchSize, maxRetries: maxRetries + 1}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// ensurePrincipal guarantees a did row exists for id and that its
// seen_at is at least as recent as seenAt, satisfying every deferred
// foreign key a dependent row's insert might take out against did(id),
// and the "seen_at never decreases" invariant (§3) at the same time.
func ensurePrincipal(ctx context.Context, tx pgx.Tx, id syntax.DID, seenAt time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO did (id, seen_at) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET seen_at = GREATEST(did.seen_at, EXCLUDED.seen_at)`,
		string(id), seenAt,
	)
	if err != nil {
		return fmt.Errorf("ensure principal %s: %w", id, err)
	}
	return nil
}

func (s *Store) TouchPrincipal(ctx context.Context, did syntax.DID, seenAt time.Time) error {
	return withRetry(ctx, s.maxRetries, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback(ctx)
		if err := ensurePrincipal(ctx, tx, did, seenAt); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
}

func (s *Store) RecordIdentityEvent(ctx context.Context, did syntax.DID, timeUS int64, handle string) error {
	seenAt := time.UnixMicro(timeUS).UTC()
	return withRetry(ctx, s.maxRetries, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback(ctx)
		if err := ensurePrincipal(ctx, tx, did, seenAt); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE did SET handle = $2 WHERE id = $1`, string(did), handle)
		if err != nil {
			return fmt.Errorf("record identity event for %s: %w", did, err)
		}
		return tx.Commit(ctx)
	})
}

func (s *Store) RecordAccountEvent(ctx context.Context, did syntax.DID, timeUS int64, active bool) error {
	seenAt := time.UnixMicro(timeUS).UTC()
	return withRetry(ctx, s.maxRetries, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback(ctx)
		if err := ensurePrincipal(ctx, tx, did, seenAt); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `UPDATE did SET active = $2 WHERE id = $1`, string(did), active)
		if err != nil {
			return fmt.Errorf("record account event for %s: %w", did, err)
		}
		return tx.Commit(ctx)
	})
}

func (s *Store) GetCursor(ctx context.Context, host string) (int64, error) {
	var timeUS int64
	err := s.pool.QueryRow(ctx, `SELECT time_us FROM stream_cursor WHERE host = $1`, host).Scan(&timeUS)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get cursor for %s: %w", host, err)
	}
	return timeUS, nil
}

func (s *Store) UpdateCursor(ctx context.Context, host string, timeUS int64) error {
	return withRetry(ctx, s.maxRetries, func(ctx context.Context) error {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO stream_cursor (host, time_us) VALUES ($1, $2)
			ON CONFLICT (host) DO UPDATE SET time_us = $2`,
			host, timeUS,
		)
		if err != nil {
			return fmt.Errorf("update cursor for %s: %w", host, err)
		}
		return nil
	})
}

func (s *Store) GetBackfillBookmark(ctx context.Context, did syntax.DID) (*time.Time, error) {
	var lastAt time.Time
	err := s.pool.QueryRow(ctx, `SELECT last_at FROM backfill_bookmark WHERE did = $1`, string(did)).Scan(&lastAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get backfill bookmark for %s: %w", did, err)
	}
	return &lastAt, nil
}

func (s *Store) SetBackfillBookmark(ctx context.Context, did syntax.DID, at time.Time) error {
	return withRetry(ctx, s.maxRetries, func(ctx context.Context) error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin: %w", err)
		}
		defer tx.Rollback(ctx)
		if err := ensurePrincipal(ctx, tx, did, at); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO backfill_bookmark (did, last_at) VALUES ($1, $2)
			ON CONFLICT (did) DO UPDATE SET last_at = $2`,
			string(did), at,
		)
		if err != nil {
			return fmt.Errorf("set backfill bookmark for %s: %w", did, err)
		}
		return tx.Commit(ctx)
	})
}

// ListBackfillCandidates returns DIDs never backfilled, or last
// backfilled before olderThan, oldest-bookmark-first (nulls — never
// backfilled — sort first) then alphabetical, per spec's tie-break rule.
func (s *Store) ListBackfillCandidates(ctx context.Context, olderThan time.Time, limit int) ([]syntax.DID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id
		FROM did d
		LEFT JOIN backfill_bookmark b ON b.did = d.id
		WHERE b.last_at IS NULL OR b.last_at < $1
		ORDER BY b.last_at ASC NULLS FIRST, d.id ASC
		LIMIT $2`,
		olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list backfill candidates: %w", err)
	}
	defer rows.Close()

	var out []syntax.DID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan backfill candidate: %w", err)
		}
		did, err := syntax.ParseDID(raw)
		if err != nil {
			return nil, fmt.Errorf("parse backfill candidate did: %w", err)
		}
		out = append(out, did)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backfill candidates: %w", err)
	}
	return out, nil
}

var _ domain.Store = (*Store)(nil)
