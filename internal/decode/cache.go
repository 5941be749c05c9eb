package decode

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/ipfs/go-cid"
)

// cidCache memoizes multibase/multihash parsing of content-id strings,
// the shared LRU described in spec §5 ("a single content-id decoder
// cache"). It is safe for concurrent use.
type cidCache struct {
	cache *lru.Cache[string, cid.Cid]
}

func newCIDCache(size int) (*cidCache, error) {
	c, err := lru.New[string, cid.Cid](size)
	if err != nil {
		return nil, err
	}
	return &cidCache{cache: c}, nil
}

// decode parses a multibase-prefixed self-describing content-id. A
// malformed string is the caller's to turn into a BadRecord.
func (c *cidCache) decode(s string) (cid.Cid, error) {
	if v, ok := c.cache.Get(s); ok {
		return v, nil
	}
	parsed, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, err
	}
	c.cache.Add(s, parsed)
	return parsed, nil
}
