package domain

import (
	"context"
	"io"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// RecordWrite is one normalized write destined for the Storage Writer: a
// decoded Entity plus the identity/timing context the decoder doesn't
// carry on its own (the record bytes alone don't know their own URI or
// author).
type RecordWrite struct {
	URI       syntax.ATURI
	Author    syntax.DID
	SeenAt    time.Time
	Operation CommitOp
	Record    Entity // nil when Operation is OpDelete
}

// Store is the Storage Writer's contract (component D). Firehose and
// Backfill depend on this interface, not on the concrete Postgres
// implementation, so either can be tested with a fake.
type Store interface {
	// ApplyRecord durably writes or deletes a single record. Used on the
	// live (firehose) path, one record at a time.
	ApplyRecord(ctx context.Context, rw RecordWrite) error

	// WriteBatch durably writes a batch of records in order, for backfill
	// throughput, committing them in sub-batches of the store's configured
	// size. Each sub-batch is all-or-nothing; the batch as a whole is not:
	// on error, earlier sub-batches stay committed and the error is
	// returned (the caller does not advance its bookmark then). Records are
	// not grouped by target table.
	WriteBatch(ctx context.Context, rws []RecordWrite) error

	// TouchPrincipal bumps a principal's seen_at without otherwise
	// changing it, creating the row if it doesn't exist yet. ApplyRecord
	// and WriteBatch run the same upsert for every record's author (§9).
	TouchPrincipal(ctx context.Context, did syntax.DID, seenAt time.Time) error

	RecordIdentityEvent(ctx context.Context, did syntax.DID, timeUS int64, handle string) error
	RecordAccountEvent(ctx context.Context, did syntax.DID, timeUS int64, active bool) error

	GetCursor(ctx context.Context, host string) (int64, error)
	UpdateCursor(ctx context.Context, host string, timeUS int64) error

	GetBackfillBookmark(ctx context.Context, did syntax.DID) (*time.Time, error)
	SetBackfillBookmark(ctx context.Context, did syntax.DID, at time.Time) error

	// ListBackfillCandidates returns DIDs observed but never backfilled,
	// or whose bookmark is older than olderThan, oldest-bookmark-first
	// then alphabetical, capped at limit.
	ListBackfillCandidates(ctx context.Context, olderThan time.Time, limit int) ([]syntax.DID, error)
}

// ArchiveFetcher is the Repository Fetcher's contract (component C).
type ArchiveFetcher interface {
	FetchArchive(ctx context.Context, did syntax.DID) (io.ReadCloser, error)
}

// PathRecord is one (path, record) pair surfaced while walking a
// repository's merkle-search tree, as produced by the Archive Reader.
type PathRecord struct {
	Collection syntax.NSID
	RKey       syntax.RecordKey
	CID        string
	Data       []byte // raw dag-cbor bytes
}

// RepoArchive is the Archive Reader's contract (component B): a finite,
// single-pass sequence of records plus the repository DID the archive
// belongs to.
type RepoArchive interface {
	DID() syntax.DID
	// Records yields each resolved (path, record) pair in MST order.
	// Iteration stops early if yield returns false, or on the first
	// decode/hash error, which is also returned as err to the caller.
	Records(yield func(PathRecord) bool) error
}
