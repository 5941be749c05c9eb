// Package domain holds the normalized relational model that the ingest
// pipeline decodes network records into, independent of how records were
// sourced (firehose or backfill) or how they are eventually stored.
package domain

import (
	"encoding/json"
	"time"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
)

// Principal is a "did" row: the account/repository owner that every other
// entity's author or subject field ultimately references.
type Principal struct {
	ID          syntax.DID
	DisplayName *string
	Description *string
	AvatarCID   *cid.Cid
	BannerCID   *cid.Cid
	Handle      *string
	JoinedVia   *syntax.ATURI // starter pack the account joined through
	PinnedPost  *syntax.ATURI
	CreatedAt   *time.Time
	SeenAt      time.Time // monotonically non-decreasing, see invariant 3
	Labels      []string
	ExtraData   json.RawMessage
}

// PostImage is one entry of a post's ordered image embed list.
type PostImage struct {
	Alt         string
	BlobCID     cid.Cid
	AspectRatio *AspectRatio
}

// AspectRatio is present only when the source record set both dimensions.
type AspectRatio struct {
	Width  int64
	Height int64
}

// Post is a "post" row, keyed by its own AT-URI.
type Post struct {
	URI         syntax.ATURI
	Author      syntax.DID
	CreatedAt   time.Time
	Text        string
	ParentURI   *syntax.ATURI
	RootURI     *syntax.ATURI
	QuotedURI   *syntax.ATURI
	Via         *string
	OriginalURL *string
	Langs       []string
	Tags        []string
	Links       []string
	Labels      []string
	Images      []PostImage
	Mentions    []syntax.DID
	Video       json.RawMessage // opaque structured value, passed through verbatim
	ExtraData   json.RawMessage
}

// Blob is a "blob" row: content-addressed binary referenced by posts,
// profiles, or other entities. Never deleted by ingest.
type Blob struct {
	CID       cid.Cid
	MediaType string
	Size      int64
}

// ID is the blob's primary key: its own content-id, serialized.
func (b Blob) ID() string { return b.CID.String() }

// Feed is a "feed" row (a feed generator record).
type Feed struct {
	URI         syntax.ATURI
	Author      syntax.DID
	DisplayName string
	Description *string
	AvatarCID   *cid.Cid
	CreatedAt   time.Time
	ExtraData   json.RawMessage
}

// List is a "list" row.
type List struct {
	URI         syntax.ATURI
	Author      syntax.DID
	Name        string
	Purpose     string
	Description *string
	AvatarCID   *cid.Cid
	Labels      []string
	CreatedAt   time.Time
	ExtraData   json.RawMessage
}

// StarterPack is a "starterpack" row.
type StarterPack struct {
	URI         syntax.ATURI
	Author      syntax.DID
	Name        string
	Description *string
	ListURI     *syntax.ATURI
	CreatedAt   time.Time
	ExtraData   json.RawMessage
}

// Labeler is a "labeler" row (a labeler service declaration record).
type Labeler struct {
	URI       syntax.ATURI
	Author    syntax.DID
	Policies  json.RawMessage
	CreatedAt time.Time
	ExtraData json.RawMessage
}

// Follow, Block, ListItem, ListBlock, Repost are simple directed relations
// between a principal and another entity.
type Follow struct {
	URI       syntax.ATURI
	Actor     syntax.DID
	Subject   syntax.DID
	CreatedAt time.Time
}

type Block struct {
	URI       syntax.ATURI
	Actor     syntax.DID
	Subject   syntax.DID
	CreatedAt time.Time
}

type ListItem struct {
	URI       syntax.ATURI
	List      syntax.ATURI
	Subject   syntax.DID
	CreatedAt time.Time
}

type ListBlock struct {
	URI       syntax.ATURI
	Actor     syntax.DID
	List      syntax.ATURI
	CreatedAt time.Time
}

type Repost struct {
	URI       syntax.ATURI
	Actor     syntax.DID
	Subject   syntax.ATURI // the reposted post
	CreatedAt time.Time
}

// LikeTarget names which column of a Like row is populated; exactly one
// must be set (invariant 4).
type LikeTarget int

const (
	LikeTargetUnknown LikeTarget = iota
	LikeTargetPost
	LikeTargetFeed
	LikeTargetList
	LikeTargetStarterPack
	LikeTargetLabeler
)

// Like is a polymorphic "like" row: one row, one of five mutually
// exclusive nullable target columns, rather than one table per target
// kind (§9 "Polymorphic like target").
type Like struct {
	URI       syntax.ATURI
	Actor     syntax.DID
	Target    LikeTarget
	TargetURI syntax.ATURI
	CreatedAt time.Time
}

// BackfillBookmark records the last successful backfill for a principal.
// LastAt is the zero time when the principal has never been backfilled.
type BackfillBookmark struct {
	DID    syntax.DID
	LastAt time.Time
}

// StreamCursor records the last processed firehose event time for one
// firehose host, in microseconds since epoch.
type StreamCursor struct {
	Host  string
	TimeUS int64
}
