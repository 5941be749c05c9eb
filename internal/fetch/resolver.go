package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

// didDocument is the subset of a DID document this resolver needs: just
// enough to find the declared PDS. Field shape matches indigo's
// atproto/identity.DIDDocument/DocService, reimplemented here rather than
// imported because that package never compiles in this retrieval pack —
// directory.go/base_directory.go reference an "Identity" type that is
// never defined in any non-test file of the package. See DESIGN.md.
type didDocument struct {
	DID     syntax.DID    `json:"id"`
	Service []docService  `json:"service,omitempty"`
	AKA     []string      `json:"alsoKnownAs,omitempty"`
}

type docService struct {
	ID              string `json:"id"`
	Type            string `json:"type"`
	ServiceEndpoint string `json:"serviceEndpoint"`
}

const atprotoPDSServiceID = "#atproto_pds"

// Resolver resolves a DID to the PDS endpoint currently hosting its repo,
// by fetching and parsing the DID document directly (did:plc via the PLC
// directory HTTP API, did:web via its well-known document) rather than
// through indigo's identity.Directory.
type Resolver struct {
	httpClient      *http.Client
	plcDirectoryURL string
}

// NewResolver builds a Resolver. plcDirectoryURL is the base URL of the
// PLC directory service (e.g. "https://plc.directory").
func NewResolver(httpClient *http.Client, plcDirectoryURL string) *Resolver {
	return &Resolver{
		httpClient:      httpClient,
		plcDirectoryURL: strings.TrimSuffix(plcDirectoryURL, "/"),
	}
}

// ResolvePDSEndpoint returns the base URL of the PDS currently hosting
// did's repository.
func (r *Resolver) ResolvePDSEndpoint(ctx context.Context, did syntax.DID) (string, error) {
	var docURL string
	switch did.Method() {
	case "plc":
		docURL = r.plcDirectoryURL + "/" + string(did)
	case "web":
		domain := strings.TrimPrefix(string(did), "did:web:")
		domain = strings.ReplaceAll(domain, ":", "/")
		docURL = "https://" + domain + "/.well-known/did.json"
	default:
		return "", fmt.Errorf("unsupported did method: %s", did.Method())
	}

	doc, err := r.fetchDocument(ctx, docURL)
	if err != nil {
		return "", fmt.Errorf("resolving %s: %w", did, err)
	}

	for _, svc := range doc.Service {
		if svc.ID == atprotoPDSServiceID && svc.ServiceEndpoint != "" {
			return strings.TrimSuffix(svc.ServiceEndpoint, "/"), nil
		}
	}
	return "", fmt.Errorf("resolving %s: did document has no %s service entry", did, atprotoPDSServiceID)
}

func (r *Resolver) fetchDocument(ctx context.Context, url string) (*didDocument, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch did document: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read did document: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("did document fetch failed (status %d): %s", resp.StatusCode, string(body))
	}

	var doc didDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse did document: %w", err)
	}
	return &doc, nil
}
