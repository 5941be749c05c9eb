package storage

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// withRetry runs fn up to maxAttempts times, retrying only on errors
// classified as transient by isTransient, with jittered exponential
// backoff between attempts. There is no ready-made backoff library
// anywhere in the retrieval pack (none of the example repos' go.mod
// files import one), so the schedule is hand-rolled rather than
// imported; see DESIGN.md.
func withRetry(ctx context.Context, maxAttempts int, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !isTransient(err) || attempt == maxAttempts-1 {
			return err
		}
		backoff := time.Duration(50*(1<<attempt)) * time.Millisecond
		jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return err
}

// isTransient reports whether err is worth retrying: a connection-level
// failure, or a Postgres error class known to resolve itself on retry
// (serialization failure, deadlock).
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03", // lock_not_available
			"57P03": // cannot_connect_now
			return true
		}
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
