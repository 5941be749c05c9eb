package backfill

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/atproto-indexer/internal/decode"
	"github.com/blackmichael/atproto-indexer/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeFetcher lets tests control exactly what FetchArchive returns and
// observe how many times, and how concurrently, it is called.
type fakeFetcher struct {
	mu       sync.Mutex
	calls    int
	fn       func(ctx context.Context, did syntax.DID) (io.ReadCloser, error)
	inFlight int32
	maxSeen  int32
}

func (f *fakeFetcher) FetchArchive(ctx context.Context, did syntax.DID) (io.ReadCloser, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	n := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxSeen)
		if n <= max || atomic.CompareAndSwapInt32(&f.maxSeen, max, n) {
			break
		}
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	return f.fn(ctx, did)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeStore implements domain.Store with in-memory bookkeeping, enough
// to observe what the scheduler wrote without a live Postgres connection.
type fakeStore struct {
	mu              sync.Mutex
	candidates      []syntax.DID
	listErr         error
	writeBatchCalls int
	writeBatchErr   error
	lastWrite       []domain.RecordWrite
	bookmarked      map[syntax.DID]time.Time
	setBookmarkErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{bookmarked: make(map[syntax.DID]time.Time)}
}

func (s *fakeStore) ApplyRecord(ctx context.Context, rw domain.RecordWrite) error { return nil }

func (s *fakeStore) WriteBatch(ctx context.Context, rws []domain.RecordWrite) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeBatchCalls++
	s.lastWrite = rws
	return s.writeBatchErr
}

func (s *fakeStore) TouchPrincipal(ctx context.Context, did syntax.DID, seenAt time.Time) error {
	return nil
}

func (s *fakeStore) RecordIdentityEvent(ctx context.Context, did syntax.DID, timeUS int64, handle string) error {
	return nil
}

func (s *fakeStore) RecordAccountEvent(ctx context.Context, did syntax.DID, timeUS int64, active bool) error {
	return nil
}

func (s *fakeStore) GetCursor(ctx context.Context, host string) (int64, error) { return 0, nil }

func (s *fakeStore) UpdateCursor(ctx context.Context, host string, timeUS int64) error { return nil }

func (s *fakeStore) GetBackfillBookmark(ctx context.Context, did syntax.DID) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.bookmarked[did]; ok {
		return &t, nil
	}
	return nil, nil
}

func (s *fakeStore) SetBackfillBookmark(ctx context.Context, did syntax.DID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setBookmarkErr != nil {
		return s.setBookmarkErr
	}
	s.bookmarked[did] = at
	return nil
}

func (s *fakeStore) ListBackfillCandidates(ctx context.Context, olderThan time.Time, limit int) ([]syntax.DID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.candidates, nil
}

func newTestScheduler(t *testing.T, store domain.Store, fetcher domain.ArchiveFetcher, concurrency int, interval, ageThreshold time.Duration) *Scheduler {
	t.Helper()
	dec, err := decode.NewDecoder(100)
	require.NoError(t, err)
	return NewScheduler(store, fetcher, dec, discardLogger(), concurrency, interval, ageThreshold)
}

func TestClaim_PreventsDoubleInFlight(t *testing.T) {
	s := newTestScheduler(t, newFakeStore(), &fakeFetcher{}, 4, time.Minute, time.Hour)
	did := syntax.DID("did:plc:aaa")

	require.True(t, s.claim(did))
	assert.False(t, s.claim(did), "second claim of the same in-flight did must fail")

	s.release(did)
	assert.True(t, s.claim(did), "claim must succeed again after release")
}

func TestBackfillOne_FetchFailureIsWrapped(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(ctx context.Context, did syntax.DID) (io.ReadCloser, error) {
		return nil, &domain.FetchFailed{DID: string(did), Err: context.DeadlineExceeded}
	}}
	s := newTestScheduler(t, newFakeStore(), fetcher, 4, time.Minute, time.Hour)

	err := s.backfillOne(context.Background(), syntax.DID("did:plc:aaa"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fetch archive for did:plc:aaa")
}

func TestBackfillOne_InvalidArchiveBytesReturnsError(t *testing.T) {
	fetcher := &fakeFetcher{fn: func(ctx context.Context, did syntax.DID) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte("not a car file"))), nil
	}}
	store := newFakeStore()
	s := newTestScheduler(t, store, fetcher, 4, time.Minute, time.Hour)

	err := s.backfillOne(context.Background(), syntax.DID("did:plc:aaa"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open archive for did:plc:aaa")
	assert.Zero(t, store.writeBatchCalls)
}

func TestScan_SkipsCandidatesAlreadyInFlight(t *testing.T) {
	did := syntax.DID("did:plc:busy")
	store := newFakeStore()
	store.candidates = []syntax.DID{did}

	blockFetch := make(chan struct{})
	fetcher := &fakeFetcher{fn: func(ctx context.Context, did syntax.DID) (io.ReadCloser, error) {
		<-blockFetch
		return nil, context.Canceled
	}}
	s := newTestScheduler(t, store, fetcher, 4, time.Minute, time.Hour)

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.scan(ctx, sem, &wg) // first scan dispatches the job; it blocks inside FetchArchive
	time.Sleep(20 * time.Millisecond)
	s.scan(ctx, sem, &wg) // second scan sees the did already in flight and skips it

	assert.Equal(t, 1, fetcher.callCount(), "a did already in flight must not be fetched twice")

	close(blockFetch)
	wg.Wait()
}

func TestScan_RespectsConcurrencyCap(t *testing.T) {
	const concurrency = 2
	dids := []syntax.DID{"did:plc:a", "did:plc:b", "did:plc:c", "did:plc:d"}
	store := newFakeStore()
	store.candidates = dids

	release := make(chan struct{})
	fetcher := &fakeFetcher{fn: func(ctx context.Context, did syntax.DID) (io.ReadCloser, error) {
		<-release
		return nil, context.Canceled
	}}
	s := newTestScheduler(t, store, fetcher, concurrency, time.Minute, time.Hour)

	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup
	ctx := context.Background()

	// scan itself blocks dispatching once the pool is full (by design: it
	// only returns once every selected candidate is either running or the
	// context is done), so it must run off the test goroutine here.
	go s.scan(ctx, sem, &wg)

	// Give the dispatched goroutines a moment to reach the fetcher and
	// block there before inspecting the high-water mark.
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, int(atomic.LoadInt32(&fetcher.maxSeen)), concurrency)

	close(release)
	wg.Wait()
}

func TestJobBackoff_GrowsWithAttemptAndStaysBounded(t *testing.T) {
	prev := time.Duration(0)
	for attempt := 0; attempt < 4; attempt++ {
		d := jobBackoff(attempt)
		assert.Greater(t, d, prev/2) // jitter can only add, never invert growth entirely
		// jitter adds at most half the base
		assert.LessOrEqual(t, d, time.Duration(750*(1<<attempt))*time.Millisecond)
		prev = d
	}
}
