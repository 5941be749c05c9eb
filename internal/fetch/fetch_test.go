package fetch

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/atproto-indexer/internal/domain"
)

func TestResolver_PLCDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/did:plc:abc123", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "did:plc:abc123",
			"service": [{"id": "#atproto_pds", "type": "AtprotoPersonalDataServer", "serviceEndpoint": "https://pds.example.com"}]
		}`)
	}))
	defer srv.Close()

	r := NewResolver(srv.Client(), srv.URL)
	did, err := syntax.ParseDID("did:plc:abc123")
	require.NoError(t, err)

	endpoint, err := r.ResolvePDSEndpoint(context.Background(), did)
	require.NoError(t, err)
	assert.Equal(t, "https://pds.example.com", endpoint)
}

func TestResolver_MissingServiceEntry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id": "did:plc:abc123", "service": []}`)
	}))
	defer srv.Close()

	r := NewResolver(srv.Client(), srv.URL)
	did, err := syntax.ParseDID("did:plc:abc123")
	require.NoError(t, err)

	_, err = r.ResolvePDSEndpoint(context.Background(), did)
	assert.Error(t, err)
}

func TestResolver_UnsupportedMethod(t *testing.T) {
	r := NewResolver(http.DefaultClient, "https://plc.directory")
	did, err := syntax.ParseDID("did:key:abc123")
	require.NoError(t, err)

	_, err = r.ResolvePDSEndpoint(context.Background(), did)
	assert.Error(t, err)
}

func TestFetcher_FetchArchive_Success(t *testing.T) {
	body := []byte("fake-car-bytes")
	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/xrpc/com.atproto.sync.getRepo", r.URL.Path)
		assert.Equal(t, "did:plc:abc123", r.URL.Query().Get("did"))
		w.Write(body)
	}))
	defer pds.Close()

	plc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"did:plc:abc123","service":[{"id":"#atproto_pds","type":"AtprotoPersonalDataServer","serviceEndpoint":"`+pds.URL+`"}]}`)
	}))
	defer plc.Close()

	f := NewFetcher(Config{
		PLCDirectoryURL:        plc.URL,
		HTTPPerHostConnections: 4,
		MaxAttempts:            1,
		MaxBackoff:             time.Second,
		Timeout:                5 * time.Second,
	})

	did, err := syntax.ParseDID("did:plc:abc123")
	require.NoError(t, err)

	rc, err := f.FetchArchive(context.Background(), did)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestFetcher_FetchArchive_RetriesThenSucceeds(t *testing.T) {
	var attempts int32
	pds := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer pds.Close()

	plc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"id":"did:plc:abc123","service":[{"id":"#atproto_pds","type":"AtprotoPersonalDataServer","serviceEndpoint":"`+pds.URL+`"}]}`)
	}))
	defer plc.Close()

	f := NewFetcher(Config{
		PLCDirectoryURL:        plc.URL,
		HTTPPerHostConnections: 4,
		MaxAttempts:            5,
		MaxBackoff:             100 * time.Millisecond,
		Timeout:                5 * time.Second,
	})

	did, err := syntax.ParseDID("did:plc:abc123")
	require.NoError(t, err)

	rc, err := f.FetchArchive(context.Background(), did)
	require.NoError(t, err)
	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(got))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(2))
}

func TestFetcher_FetchArchive_ResolveFailureIsFetchFailed(t *testing.T) {
	plc := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer plc.Close()

	f := NewFetcher(Config{
		PLCDirectoryURL:        plc.URL,
		HTTPPerHostConnections: 4,
		MaxAttempts:            1,
		MaxBackoff:             time.Second,
		Timeout:                5 * time.Second,
	})

	did, err := syntax.ParseDID("did:plc:abc123")
	require.NoError(t, err)

	_, err = f.FetchArchive(context.Background(), did)
	require.Error(t, err)
	var failed *domain.FetchFailed
	assert.ErrorAs(t, err, &failed)
}
