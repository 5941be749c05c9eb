package archive

import (
	"fmt"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"

	"github.com/blackmichael/atproto-indexer/internal/domain"
)

// walker resolves every live (key, record-cid) pair in a repository's
// merkle search tree, left-to-right, and reads the pointed-to record
// block for each.
type walker struct {
	did string
	bs  *blockstore
}

// walk visits subtree rooted at nodeCID, calling emit(key, valueCID) for
// every value entry in key order. Returns false from emit to stop early.
func (w *walker) walk(nodeCID cid.Cid, emit func(key string, value cid.Cid) (bool, error)) (bool, error) {
	blk, ok := w.bs.get(nodeCID)
	if !ok {
		// Orphaned subtree pointer: the referenced block never arrived in
		// this archive. Skip rather than fail the whole walk.
		return true, nil
	}
	if err := verifyBlockHash(blk); err != nil {
		return false, corruptArchive(w.did, err.Error())
	}
	n, err := parseNode(blk.RawData())
	if err != nil {
		return false, corruptArchive(w.did, err.Error())
	}

	if n.left != nil {
		cont, err := w.walk(*n.left, emit)
		if err != nil || !cont {
			return cont, err
		}
	}

	var prevKey []byte
	for _, e := range n.entries {
		if e.prefixLen < 0 || int(e.prefixLen) > len(prevKey) {
			return false, corruptArchive(w.did, "mst entry prefix length out of range")
		}
		key := append(append([]byte{}, prevKey[:e.prefixLen]...), e.keySuffix...)
		prevKey = key

		cont, err := emit(string(key), e.value)
		if err != nil || !cont {
			return cont, err
		}
		if e.right != nil {
			cont, err := w.walk(*e.right, emit)
			if err != nil || !cont {
				return cont, err
			}
		}
	}
	return true, nil
}

// splitKey turns an MST key ("collection/rkey") into its two parts,
// validating both as atproto identifiers.
func splitKey(key string) (syntax.NSID, syntax.RecordKey, error) {
	parts := strings.SplitN(key, "/", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("mst key %q is not collection/rkey shaped", key)
	}
	collection, err := syntax.ParseNSID(parts[0])
	if err != nil {
		return "", "", fmt.Errorf("mst key has invalid collection: %w", err)
	}
	rkey, err := syntax.ParseRecordKey(parts[1])
	if err != nil {
		return "", "", fmt.Errorf("mst key has invalid record key: %w", err)
	}
	return collection, rkey, nil
}

var _ domain.RepoArchive = (*Archive)(nil)
