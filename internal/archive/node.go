package archive

import (
	"fmt"

	atprotodata "github.com/bluesky-social/indigo/atproto/data"
	"github.com/ipfs/go-cid"
)

// nodeEntry is one entry of an MST tree node, decoded from the
// single-character wire field names documented in indigo's
// atproto/repo/mst/encoding.go (NodeData/EntryData): "p"/"k"/"v"/"t" for
// prefixLen/keySuffix/value/right-subtree.
type nodeEntry struct {
	prefixLen int64
	keySuffix []byte
	value     cid.Cid
	right     *cid.Cid
}

// node is one MST tree node: an optional pointer to the subtree left of
// all its entries, plus the ordered entry list.
type node struct {
	left    *cid.Cid
	entries []nodeEntry
}

func parseNode(raw []byte) (*node, error) {
	m, err := atprotodata.UnmarshalCBOR(raw)
	if err != nil {
		return nil, fmt.Errorf("mst node is not valid atproto data: %w", err)
	}

	n := &node{}
	if leftLink, ok := m["l"].(atprotodata.CIDLink); ok {
		leftCID := cid.Cid(leftLink)
		n.left = &leftCID
	}

	rawEntries, ok := m["e"].([]any)
	if !ok {
		return nil, fmt.Errorf("mst node missing entry list")
	}
	n.entries = make([]nodeEntry, 0, len(rawEntries))
	for _, re := range rawEntries {
		em, ok := re.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("mst node entry is not an object")
		}
		prefixLen, ok := asInt64(em["p"])
		if !ok {
			return nil, fmt.Errorf("mst node entry missing prefix length")
		}
		suffix, ok := em["k"].(atprotodata.Bytes)
		if !ok {
			return nil, fmt.Errorf("mst node entry missing key suffix")
		}
		valueLink, ok := em["v"].(atprotodata.CIDLink)
		if !ok {
			return nil, fmt.Errorf("mst node entry missing value")
		}
		entry := nodeEntry{
			prefixLen: prefixLen,
			keySuffix: []byte(suffix),
			value:     cid.Cid(valueLink),
		}
		if rightLink, ok := em["t"].(atprotodata.CIDLink); ok {
			rightCID := cid.Cid(rightLink)
			entry.right = &rightCID
		}
		n.entries = append(n.entries, entry)
	}
	return n, nil
}
