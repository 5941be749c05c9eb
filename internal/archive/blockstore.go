package archive

import (
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
)

// blockstore is an in-memory, write-once block store sized to hold one
// repository export. Grounded on indigo's repo.TinyBlockstore: a
// repository archive is bounded in size (component B is only ever asked
// for one account's records), so buffering every block is simpler and
// cheaper than a real content-addressed store, and lets the MST walk
// make repeated random-access lookups into blocks already read from the
// CAR stream.
type blockstore struct {
	blocks map[string]blocks.Block
}

func newBlockstore() *blockstore {
	return &blockstore{blocks: make(map[string]blocks.Block, 64)}
}

func (bs *blockstore) put(blk blocks.Block) {
	bs.blocks[blk.Cid().KeyString()] = blk
}

func (bs *blockstore) get(c cid.Cid) (blocks.Block, bool) {
	blk, ok := bs.blocks[c.KeyString()]
	return blk, ok
}
