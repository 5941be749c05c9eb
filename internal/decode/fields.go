package decode

import (
	"fmt"
	"strings"
	"time"

	atprotodata "github.com/bluesky-social/indigo/atproto/data"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
)

// trimNUL strips trailing NUL bytes some clients have been observed to
// send in text fields; Postgres text columns reject them outright.
// Only trailing NULs are canonicalized away — an embedded NUL elsewhere
// in the string is left alone rather than silently deleted.
func trimNUL(s string) string {
	return strings.TrimRight(s, "\x00")
}

func getString(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok {
		return "", false
	}
	return trimNUL(s), true
}

func getStringPtr(m map[string]any, key string) *string {
	s, ok := getString(m, key)
	if !ok {
		return nil
	}
	return &s
}

func getInt64(m map[string]any, key string) (int64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
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

// getTimestamp parses an atproto datetime string. Per spec §4.A, a
// missing or malformed timestamp fails just the one record.
func (d *Decoder) getTimestamp(m map[string]any, key string) (time.Time, error) {
	s, ok := getString(m, key)
	if !ok {
		return time.Time{}, fmt.Errorf("missing %q", key)
	}
	dt, err := syntax.ParseDatetime(s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %q: %w", key, err)
	}
	return dt.Time(), nil
}

func getStringSlice(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, trimNUL(s))
		}
	}
	return out
}

func getMap(m map[string]any, key string) (map[string]any, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	sub, ok := v.(map[string]any)
	return sub, ok
}

func getMapSlice(m map[string]any, key string) []map[string]any {
	v, ok := m[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]map[string]any, 0, len(arr))
	for _, e := range arr {
		if sub, ok := e.(map[string]any); ok {
			out = append(out, sub)
		}
	}
	return out
}

// getATURI parses a strong-ref-shaped sub-object ({"uri","cid"}) or a
// bare at-uri string, returning just the URI half.
func getATURI(m map[string]any, key string) (*syntax.ATURI, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	switch val := v.(type) {
	case string:
		u := syntax.ATURI(val)
		return &u, true
	case map[string]any:
		s, ok := getString(val, "uri")
		if !ok {
			return nil, false
		}
		u := syntax.ATURI(s)
		return &u, true
	default:
		return nil, false
	}
}

type blobRef struct {
	CID      cid.Cid
	MimeType string
	Size     int64
}

// getBlob reads a key holding an atproto/data.Blob (parsed from either
// the current blob schema or the legacy {cid,mimeType} shape) and warms
// the CID cache with its ref, since the same blob is commonly seen again
// as a profile avatar or in another post's embed.
func (d *Decoder) getBlob(m map[string]any, key string) (*blobRef, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	b, ok := v.(atprotodata.Blob)
	if !ok {
		return nil, false
	}
	c := cid.Cid(b.Ref)
	d.cids.cache.Add(c.String(), c)
	return &blobRef{CID: c, MimeType: b.MimeType, Size: b.Size}, true
}
