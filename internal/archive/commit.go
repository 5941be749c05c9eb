package archive

import (
	"fmt"

	atprotodata "github.com/bluesky-social/indigo/atproto/data"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"

	"github.com/blackmichael/atproto-indexer/internal/domain"
)

// commit is the atproto repo signed commit object (repo format version
// 3): the CAR file's root block. Field names and the "version must be
// 3" / "sig must be present" checks are grounded on
// bluesky-social/indigo's atproto/repo.Commit and
// atproto/repo.Commit.VerifyStructure, hand-rolled here rather than
// imported because that package's Commit type is defined twice, in
// commit.go and repo.go, in this retrieval pack — a conflict that rules
// out depending on it directly.
type commit struct {
	DID     syntax.DID
	Version int64
	Data    cid.Cid
	Rev     string
	Prev    *cid.Cid
}

const repoVersion = 3

func parseCommit(raw []byte) (*commit, error) {
	m, err := atprotodata.UnmarshalCBOR(raw)
	if err != nil {
		return nil, fmt.Errorf("commit block is not valid atproto data: %w", err)
	}

	version, ok := asInt64(m["version"])
	if !ok || version != repoVersion {
		return nil, fmt.Errorf("unsupported repo version: %v", m["version"])
	}
	didStr, ok := m["did"].(string)
	if !ok {
		return nil, fmt.Errorf("commit missing did")
	}
	did, err := syntax.ParseDID(didStr)
	if err != nil {
		return nil, fmt.Errorf("commit has invalid did: %w", err)
	}
	rev, ok := m["rev"].(string)
	if !ok {
		return nil, fmt.Errorf("commit missing rev")
	}
	dataLink, ok := m["data"].(atprotodata.CIDLink)
	if !ok {
		return nil, fmt.Errorf("commit missing data pointer")
	}
	sig, ok := m["sig"].(atprotodata.Bytes)
	if !ok || len(sig) == 0 {
		return nil, fmt.Errorf("commit missing signature")
	}

	c := &commit{
		DID:     did,
		Version: version,
		Data:    cid.Cid(dataLink),
		Rev:     rev,
	}
	if prevLink, ok := m["prev"].(atprotodata.CIDLink); ok {
		prevCID := cid.Cid(prevLink)
		c.Prev = &prevCID
	}
	return c, nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func corruptArchive(did string, reason string) error {
	return &domain.ErrCorruptArchive{DID: did, Reason: reason}
}
