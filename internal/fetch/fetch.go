// Package fetch implements the Repository Fetcher (component C):
// resolving an account's DID to its current PDS and downloading a full
// CAR export of its repository, with the teacher's explicit-client,
// explicit-error-wrapping style generalized to a retryablehttp-backed
// client grounded in indigo's pkg/robusthttp.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/blackmichael/atproto-indexer/internal/domain"
)

// Fetcher implements domain.ArchiveFetcher: it resolves a DID to its PDS
// and downloads the repo export from com.atproto.sync.getRepo.
type Fetcher struct {
	resolver   *Resolver
	httpClient *retryablehttp.Client
	timeout    time.Duration
}

// Config mirrors the subset of internal/config.Config the fetcher needs,
// named independently so this package has no import-time dependency on
// the top-level config package.
type Config struct {
	PLCDirectoryURL        string
	HTTPPerHostConnections int
	MaxAttempts            int
	MaxBackoff             time.Duration
	Timeout                time.Duration
}

// NewFetcher builds a Fetcher. The underlying retryablehttp.Client caps
// connections per host (so one slow/misbehaving PDS can't starve fetches
// to every other PDS) and retries transient failures with exponential
// backoff, per spec: 5 attempts, capped at 60s between attempts.
func NewFetcher(cfg Config) *Fetcher {
	transport := cleanhttp.DefaultPooledTransport()
	transport.MaxConnsPerHost = cfg.HTTPPerHostConnections
	transport.MaxIdleConnsPerHost = cfg.HTTPPerHostConnections

	rc := retryablehttp.NewClient()
	rc.HTTPClient.Transport = transport
	rc.RetryMax = cfg.MaxAttempts - 1
	rc.RetryWaitMin = 1 * time.Second
	rc.RetryWaitMax = cfg.MaxBackoff
	rc.CheckRetry = defaultRetryPolicy
	// The supervising component logs outcomes; retryablehttp's own
	// request-level logging would be redundant noise per fetch attempt.
	rc.Logger = nil

	plainClient := rc.StandardClient()
	return &Fetcher{
		resolver:   NewResolver(plainClient, cfg.PLCDirectoryURL),
		httpClient: rc,
		timeout:    cfg.Timeout,
	}
}

// defaultRetryPolicy wraps retryablehttp's default policy, treating 429
// as non-retryable so the backfill scheduler can decide how to back off
// a rate-limited PDS instead of burning the retry budget on one repo.
func defaultRetryPolicy(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if err == nil && resp.StatusCode == http.StatusTooManyRequests {
		return false, nil
	}
	return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
}

// FetchArchive resolves did's PDS and streams back its repo CAR export.
// The returned ReadCloser's body is the full CAR bytes; the caller is
// responsible for closing it.
func (f *Fetcher) FetchArchive(ctx context.Context, did syntax.DID) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)

	pds, err := f.resolver.ResolvePDSEndpoint(ctx, did)
	if err != nil {
		cancel()
		return nil, &domain.FetchFailed{DID: string(did), Err: err}
	}

	reqURL := pds + "/xrpc/com.atproto.sync.getRepo?did=" + url.QueryEscape(string(did))
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		cancel()
		return nil, &domain.FetchFailed{DID: string(did), Err: fmt.Errorf("build request: %w", err)}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &domain.FetchFailed{DID: string(did), Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		cancel()
		return nil, &domain.FetchFailed{DID: string(did), Err: fmt.Errorf("getRepo returned status %d", resp.StatusCode)}
	}

	// cancel fires when the caller closes the body, not when this method
	// returns: the timeout still bounds the whole fetch (including body
	// read), but the context must outlive this call for streaming reads.
	return &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnCloseBody ties a context cancel func to a response body's
// lifetime, so the per-fetch timeout context set up in FetchArchive is
// released exactly once the caller is done reading, instead of leaking
// until the parent context ends.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

var _ domain.ArchiveFetcher = (*Fetcher)(nil)
