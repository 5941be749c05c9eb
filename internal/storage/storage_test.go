package storage

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/atproto-indexer/internal/domain"
)

// fakeTx captures the SQL and arguments passed to Exec, so the
// seen_at-suppression guard in upsertProfile can be checked without a
// live Postgres connection. Every other pgx.Tx method is promoted from
// the embedded nil interface and must never be called by these tests.
type fakeTx struct {
	pgx.Tx
	execSQL  string
	execArgs []any
	execErr  error
}

func (f *fakeTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execSQL = sql
	f.execArgs = args
	return pgconn.CommandTag{}, f.execErr
}

func TestPgTextArray_NilBecomesEmptyNotNull(t *testing.T) {
	got := pgTextArray(nil)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestPgTextArray_PassesThroughNonNil(t *testing.T) {
	in := []string{"en", "fr"}
	assert.Equal(t, in, pgTextArray(in))
}

func TestPgDIDArray_EmptyInputYieldsEmptySlice(t *testing.T) {
	got := pgDIDArray(nil)
	require.NotNil(t, got)
	assert.Empty(t, got)
}

func TestPgDIDArray_ConvertsEachElement(t *testing.T) {
	dids := []syntax.DID{syntax.DID("did:plc:aaa"), syntax.DID("did:plc:bbb")}
	got := pgDIDArray(dids)
	assert.Equal(t, []string{"did:plc:aaa", "did:plc:bbb"}, got)
}

func TestCidPtrStr_NilPointerYieldsNil(t *testing.T) {
	assert.Nil(t, cidPtrStr(nil))
}

func TestCidPtrStr_NonNilPointerYieldsStringForm(t *testing.T) {
	c, err := cid.Decode("bafyreigaknyfdvm6i6cfqvhnwxq7x6pojsne2gg26ffqk6go3lmqx2yq5q")
	require.NoError(t, err)
	got := cidPtrStr(&c)
	require.NotNil(t, got)
	assert.Equal(t, c.String(), *got)
}

func TestUriPtrStr_NilPointerYieldsNil(t *testing.T) {
	assert.Nil(t, uriPtrStr(nil))
}

func TestUriPtrStr_NonNilPointerYieldsStringForm(t *testing.T) {
	u := syntax.ATURI("at://did:plc:aaa/app.bsky.feed.post/abc")
	got := uriPtrStr(&u)
	require.NotNil(t, got)
	assert.Equal(t, string(u), *got)
}

func TestDidPtrStr_NilPointerYieldsNil(t *testing.T) {
	assert.Nil(t, didPtrStr(nil))
}

func TestDidPtrStr_NonNilPointerYieldsStringForm(t *testing.T) {
	d := syntax.DID("did:plc:aaa")
	got := didPtrStr(&d)
	require.NotNil(t, got)
	assert.Equal(t, string(d), *got)
}

func TestCollectionTables_CoversEveryDispatchedCollection(t *testing.T) {
	want := []string{
		"app.bsky.feed.post",
		"app.bsky.feed.like",
		"app.bsky.feed.repost",
		"app.bsky.feed.generator",
		"app.bsky.graph.follow",
		"app.bsky.graph.block",
		"app.bsky.graph.list",
		"app.bsky.graph.listitem",
		"app.bsky.graph.listblock",
		"app.bsky.graph.starterpack",
		"app.bsky.labeler.service",
	}
	for _, nsid := range want {
		table, ok := collectionTables[nsid]
		assert.True(t, ok, "missing table mapping for %s", nsid)
		assert.NotEmpty(t, table)
	}
	// app.bsky.actor.profile deliberately has no entry: a profile is never
	// deleted as a row of its own, it only ever updates the did row.
	_, ok := collectionTables["app.bsky.actor.profile"]
	assert.False(t, ok)
}

func TestUpsertProfile_GuardsUpdateAgainstStaleSeenAt(t *testing.T) {
	tx := &fakeTx{}
	author := syntax.DID("did:plc:aaa")
	seenAt := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	name := "alice"
	p := domain.ProfileUpdate{DisplayName: &name}

	err := upsertProfile(context.Background(), tx, author, seenAt, p)
	require.NoError(t, err)

	assert.Contains(t, tx.execSQL, "WHERE id = $1 AND seen_at <= $10",
		"the update must be guarded by seen_at, not unconditional, per the principal-field suppression invariant")
	require.Len(t, tx.execArgs, 10)
	assert.Equal(t, string(author), tx.execArgs[0])
	assert.Equal(t, seenAt, tx.execArgs[9], "seenAt must be the final bound parameter the WHERE clause compares against")
}

func TestIsTransient_PgSerializationFailureIsTransient(t *testing.T) {
	err := &pgconn.PgError{Code: "40001"}
	assert.True(t, isTransient(err))
}

func TestIsTransient_PgDeadlockIsTransient(t *testing.T) {
	err := &pgconn.PgError{Code: "40P01"}
	assert.True(t, isTransient(err))
}

func TestIsTransient_PgConstraintViolationIsNotTransient(t *testing.T) {
	err := &pgconn.PgError{Code: "23505"} // unique_violation
	assert.False(t, isTransient(err))
}

func TestIsTransient_NetErrorIsTransient(t *testing.T) {
	err := &net.DNSError{Err: "timeout", IsTimeout: true}
	assert.True(t, isTransient(err))
}

func TestIsTransient_DeadlineExceededIsTransient(t *testing.T) {
	assert.True(t, isTransient(context.DeadlineExceeded))
}

func TestIsTransient_PlainErrorIsNotTransient(t *testing.T) {
	assert.False(t, isTransient(errors.New("boom")))
}

func TestWithRetry_SucceedsImmediatelyWithoutRetrying(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 5, func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RetriesTransientErrorsUntilSuccess(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), 5, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: "40001"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	transient := &pgconn.PgError{Code: "40001"}
	err := withRetry(context.Background(), 3, func(ctx context.Context) error {
		calls++
		return transient
	})
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_DoesNotRetryNonTransientErrors(t *testing.T) {
	calls := 0
	permanent := errors.New("permanent failure")
	err := withRetry(context.Background(), 5, func(ctx context.Context) error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_AbortsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := withRetry(ctx, 5, func(ctx context.Context) error {
		calls++
		return &pgconn.PgError{Code: "40001"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

