// Package backfill implements the Backfill Scheduler (component E): a
// bounded worker pool that periodically selects repositories needing a
// full backfill and drives each one through the Repository Fetcher (C),
// Archive Reader (B), Record Decoder (A), and Storage Writer (D).
package backfill

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/blackmichael/atproto-indexer/internal/archive"
	"github.com/blackmichael/atproto-indexer/internal/decode"
	"github.com/blackmichael/atproto-indexer/internal/domain"
)

// candidateBatchSize caps how many DIDs one scan enqueues at a time, so
// a single scan can't outgrow the in-flight set by an unbounded amount.
const candidateBatchSize = 1024

// jobMaxAttempts bounds in-job retries of one repository's full
// fetch-decode-write pipeline. A job that exhausts this gives up quietly
// and is picked up again by the next periodic scan, since its bookmark
// was never advanced.
const jobMaxAttempts = 3

// Scheduler runs the bounded backfill worker pool described by §4.E.
type Scheduler struct {
	store        domain.Store
	fetcher      domain.ArchiveFetcher
	decoder      *decode.Decoder
	logger       *slog.Logger
	concurrency  int
	interval     time.Duration
	ageThreshold time.Duration

	mu       sync.Mutex
	inFlight map[syntax.DID]struct{}
}

// NewScheduler builds a Scheduler. concurrency should already be capped
// by the caller (internal/config.Load applies the NumCPU*4 ceiling).
func NewScheduler(store domain.Store, fetcher domain.ArchiveFetcher, decoder *decode.Decoder, logger *slog.Logger, concurrency int, interval, ageThreshold time.Duration) *Scheduler {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Scheduler{
		store:        store,
		fetcher:      fetcher,
		decoder:      decoder,
		logger:       logger,
		concurrency:  concurrency,
		interval:     interval,
		ageThreshold: ageThreshold,
		inFlight:     make(map[syntax.DID]struct{}),
	}
}

// Start scans for backfill candidates immediately, then again every
// s.interval, dispatching jobs up to the concurrency cap, until ctx is
// cancelled. On cancellation, no new jobs are dequeued and in-flight
// fetches observe ctx directly and abort; Start returns once every
// dispatched job has finished or given up.
func (s *Scheduler) Start(ctx context.Context) error {
	sem := make(chan struct{}, s.concurrency)
	var wg sync.WaitGroup

	s.scan(ctx, sem, &wg)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.scan(ctx, sem, &wg)
		}
	}
}

func (s *Scheduler) scan(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup) {
	cutoff := time.Now().Add(-s.ageThreshold)
	candidates, err := s.store.ListBackfillCandidates(ctx, cutoff, candidateBatchSize)
	if err != nil {
		s.logger.Error("list backfill candidates", "error", err)
		return
	}

	for _, did := range candidates {
		if ctx.Err() != nil {
			return
		}
		if !s.claim(did) {
			continue
		}

		wg.Add(1)
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Done()
			s.release(did)
			return
		}

		go func(did syntax.DID) {
			defer wg.Done()
			defer func() { <-sem }()
			defer s.release(did)
			s.runJob(ctx, did)
		}(did)
	}
}

// claim reserves did for one worker; it reports false if did is already
// in flight, so no repository ever occupies more than one worker slot.
func (s *Scheduler) claim(did syntax.DID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[did]; ok {
		return false
	}
	s.inFlight[did] = struct{}{}
	return true
}

func (s *Scheduler) release(did syntax.DID) {
	s.mu.Lock()
	delete(s.inFlight, did)
	s.mu.Unlock()
}

func (s *Scheduler) runJob(ctx context.Context, did syntax.DID) {
	var err error
	for attempt := 0; attempt < jobMaxAttempts; attempt++ {
		if err = s.backfillOne(ctx, did); err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("backfill job failed, retrying", "did", did, "attempt", attempt+1, "error", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(jobBackoff(attempt)):
		}
	}
	s.logger.Error("backfill job exhausted retries, deferring to next scan", "did", did, "error", err)
}

// backfillOne runs the full fetch -> archive -> decode -> write pipeline
// for one repository. The fetch and archive-walk phases observe ctx
// directly so a shutdown signal aborts them promptly; once a batch write
// has actually started, it runs to completion on an uncancelable context
// derived from ctx, so a repository's writes are never left half-applied
// by a shutdown landing mid-batch.
func (s *Scheduler) backfillOne(ctx context.Context, did syntax.DID) error {
	body, err := s.fetcher.FetchArchive(ctx, did)
	if err != nil {
		return fmt.Errorf("fetch archive for %s: %w", did, err)
	}
	defer body.Close()

	repo, err := archive.OpenArchive(body)
	if err != nil {
		return fmt.Errorf("open archive for %s: %w", did, err)
	}

	now := time.Now().UTC()
	var writes []domain.RecordWrite
	walkErr := repo.Records(func(pr domain.PathRecord) bool {
		entity, err := s.decoder.DecodeArchiveRecord(did, pr.Collection, pr.RKey, pr.Data)
		if err != nil {
			s.logger.Warn("dropping unreadable backfill record", "did", did, "collection", pr.Collection.String(), "error", err)
			return true
		}
		uri := syntax.ATURI(fmt.Sprintf("at://%s/%s/%s", did, pr.Collection, pr.RKey))
		writes = append(writes, domain.RecordWrite{
			URI:       uri,
			Author:    did,
			SeenAt:    now,
			Operation: domain.OpCreate,
			Record:    entity,
		})
		return true
	})
	if walkErr != nil {
		return fmt.Errorf("walk archive for %s: %w", did, walkErr)
	}

	writeCtx := context.WithoutCancel(ctx)
	if len(writes) > 0 {
		if err := s.store.WriteBatch(writeCtx, writes); err != nil {
			return fmt.Errorf("write batch for %s: %w", did, err)
		}
	}
	if err := s.store.SetBackfillBookmark(writeCtx, did, now); err != nil {
		return fmt.Errorf("set backfill bookmark for %s: %w", did, err)
	}
	return nil
}

// jobBackoff is the same jittered-exponential shape used by
// internal/storage and internal/firehose: no backoff library appears
// anywhere in the retrieval pack, so each component hand-rolls its own
// small instance rather than share one through an odd cross-package
// dependency.
func jobBackoff(attempt int) time.Duration {
	base := time.Duration(500*(1<<attempt)) * time.Millisecond
	jitter := time.Duration(rand.Int63n(int64(base)/2 + 1))
	return base + jitter
}
