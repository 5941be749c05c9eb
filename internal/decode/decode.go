// Package decode implements the Record Decoder (component A): turning
// either a firehose JSON frame or a backfilled dag-cbor record into the
// normalized domain.Entity shapes, through one shared extraction path
// (records.go) regardless of wire origin.
package decode

import (
	"encoding/json"
	"fmt"

	atprotodata "github.com/bluesky-social/indigo/atproto/data"
	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/blackmichael/atproto-indexer/internal/domain"
)

// Decoder holds the shared CID-decode cache (§5) used by both the
// firehose and archive paths.
type Decoder struct {
	cids *cidCache
}

// NewDecoder builds a Decoder with a content-id cache of the given size.
// Callers pass the configured cache size (default 10,000, per §5).
func NewDecoder(cidCacheSize int) (*Decoder, error) {
	c, err := newCIDCache(cidCacheSize)
	if err != nil {
		return nil, fmt.Errorf("decode: building cid cache: %w", err)
	}
	return &Decoder{cids: c}, nil
}

// wireFrame is the raw JSON structure of one firehose frame, in the
// Jetstream shape the teacher's subscriber already speaks.
type wireFrame struct {
	DID      string          `json:"did"`
	TimeUS   int64           `json:"time_us"`
	Kind     string          `json:"kind"`
	Commit   *wireCommit     `json:"commit,omitempty"`
	Identity *wireIdentity   `json:"identity,omitempty"`
	Account  *wireAccount    `json:"account,omitempty"`
}

type wireCommit struct {
	Rev        string          `json:"rev"`
	Operation  string          `json:"operation"`
	Collection string          `json:"collection"`
	RKey       string          `json:"rkey"`
	Record     json.RawMessage `json:"record,omitempty"`
	CID        string          `json:"cid,omitempty"`
}

type wireIdentity struct {
	Handle string `json:"handle"`
}

type wireAccount struct {
	Active bool `json:"active"`
}

// DecodeFirehoseEvent parses one raw Jetstream frame. A malformed top
// level frame (bytes that aren't even a JSON object, or missing the
// fields the dispatch itself needs) is a *domain.MalformedFrame: it is
// the caller's cue to treat the whole connection as compromised. A
// frame whose commit record fails to decode is a *domain.BadRecord:
// the caller drops just this one event and keeps the cursor moving.
func (d *Decoder) DecodeFirehoseEvent(raw []byte) (*domain.Event, error) {
	var w wireFrame
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, &domain.MalformedFrame{Reason: err.Error()}
	}
	if w.DID == "" || w.TimeUS == 0 {
		return nil, &domain.MalformedFrame{Reason: "missing did or time_us"}
	}
	authorDID, err := syntax.ParseDID(w.DID)
	if err != nil {
		return nil, &domain.MalformedFrame{Reason: "invalid did: " + err.Error()}
	}

	ev := &domain.Event{DID: authorDID, TimeUS: w.TimeUS}

	switch w.Kind {
	case "commit":
		if w.Commit == nil {
			return nil, &domain.MalformedFrame{Reason: "commit kind with no commit body"}
		}
		ce, err := d.decodeCommit(authorDID, w.Commit)
		if err != nil {
			return nil, err
		}
		ev.Kind = domain.EventCommit
		ev.Commit = ce
	case "identity":
		if w.Identity == nil {
			return nil, &domain.MalformedFrame{Reason: "identity kind with no identity body"}
		}
		ev.Kind = domain.EventIdentity
		ev.Identity = &domain.IdentityEvent{Handle: w.Identity.Handle}
	case "account":
		if w.Account == nil {
			return nil, &domain.MalformedFrame{Reason: "account kind with no account body"}
		}
		ev.Kind = domain.EventAccount
		ev.Account = &domain.AccountEvent{Active: w.Account.Active}
	default:
		return nil, &domain.MalformedFrame{Reason: "unknown kind " + w.Kind}
	}
	return ev, nil
}

func (d *Decoder) decodeCommit(author syntax.DID, w *wireCommit) (*domain.CommitEvent, error) {
	collection, err := syntax.ParseNSID(w.Collection)
	if err != nil {
		return nil, &domain.BadRecord{Collection: w.Collection, Reason: "invalid collection nsid: " + err.Error()}
	}
	rkey, err := syntax.ParseRecordKey(w.RKey)
	if err != nil {
		return nil, &domain.BadRecord{Collection: w.Collection, Reason: "invalid rkey: " + err.Error()}
	}
	uri := syntax.ATURI(fmt.Sprintf("at://%s/%s/%s", author, collection, rkey))

	ce := &domain.CommitEvent{
		URI:        uri,
		Collection: collection,
		RKey:       rkey,
	}
	switch w.Operation {
	case "create":
		ce.Operation = domain.OpCreate
	case "update":
		ce.Operation = domain.OpUpdate
	case "delete":
		ce.Operation = domain.OpDelete
		return ce, nil
	default:
		return nil, &domain.BadRecord{Collection: w.Collection, Reason: "unknown operation " + w.Operation}
	}

	if w.CID != "" {
		cid := w.CID
		ce.RecordCID = &cid
	}
	if len(w.Record) == 0 {
		return nil, &domain.BadRecord{Collection: w.Collection, Reason: "create/update with no record body"}
	}
	m, err := atprotodata.UnmarshalJSON(w.Record)
	if err != nil {
		return nil, &domain.BadRecord{Collection: w.Collection, Reason: "record is not valid atproto data: " + err.Error()}
	}
	entity, err := d.buildEntity(author, collection, rkey, uri, m)
	if err != nil {
		return nil, err
	}
	ce.Record = entity
	return ce, nil
}

// DecodeArchiveRecord decodes one dag-cbor record recovered while
// walking a repository archive (component B). atproto/data.UnmarshalCBOR
// and UnmarshalJSON both route through the same internal parser, so the
// map this produces has exactly the shape the firehose path's
// UnmarshalJSON produces (data.CIDLink/data.Blob in place of raw
// strings/objects) and the two converge on one buildEntity dispatch.
func (d *Decoder) DecodeArchiveRecord(author syntax.DID, collection syntax.NSID, rkey syntax.RecordKey, raw []byte) (domain.Entity, error) {
	m, err := atprotodata.UnmarshalCBOR(raw)
	if err != nil {
		return nil, &domain.BadRecord{Collection: collection.String(), Reason: "cbor decode: " + err.Error()}
	}
	uri := syntax.ATURI(fmt.Sprintf("at://%s/%s/%s", author, collection, rkey))
	return d.buildEntity(author, collection, rkey, uri, m)
}

// buildEntity is the single dispatch point shared by both decode paths:
// everything past this point operates on a plain map[string]any, string,
// float64/int64, bool, []any, regardless of whether it came from
// atproto/data's JSON or CBOR decoder.
func (d *Decoder) buildEntity(author syntax.DID, collection syntax.NSID, rkey syntax.RecordKey, uri syntax.ATURI, m map[string]any) (domain.Entity, error) {
	switch collection.String() {
	case "app.bsky.actor.profile":
		return d.extractProfile(m)
	case "app.bsky.feed.post":
		return d.extractPost(uri, author, m)
	case "app.bsky.feed.like":
		return d.extractLike(uri, author, m)
	case "app.bsky.feed.repost":
		return d.extractRepost(uri, author, m)
	case "app.bsky.graph.follow":
		return d.extractFollow(uri, author, m)
	case "app.bsky.graph.block":
		return d.extractBlock(uri, author, m)
	case "app.bsky.graph.list":
		return d.extractList(uri, author, m)
	case "app.bsky.graph.listitem":
		return d.extractListItem(uri, author, m)
	case "app.bsky.graph.listblock":
		return d.extractListBlock(uri, author, m)
	case "app.bsky.graph.starterpack":
		return d.extractStarterPack(uri, author, m)
	case "app.bsky.feed.generator":
		return d.extractFeedGenerator(uri, author, m)
	case "app.bsky.labeler.service":
		return d.extractLabeler(uri, author, m)
	default:
		return domain.Observed{Collection: collection.String()}, nil
	}
}
