package domain

import (
	"encoding/json"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/ipfs/go-cid"
)

// Entity is the decoded, normalized form of one record, produced by the
// Record Decoder from either a firehose commit or a backfilled archive
// entry. It carries enough information for the Storage Writer to upsert
// or delete the right rows without re-parsing the source bytes.
type Entity interface {
	// EntityKind names the concrete case, used for dispatch and logging.
	EntityKind() string
}

// ProfileUpdate is the decoded form of an app.bsky.actor.profile record.
// It only ever carries the fields present in the record; the Storage
// Writer merges it into the existing "did" row (§4.D).
type ProfileUpdate struct {
	DisplayName *string
	Description *string
	AvatarCID   *cid.Cid
	BannerCID   *cid.Cid
	JoinedVia   *syntax.ATURI
	PinnedPost  *syntax.ATURI
	Labels      []string
	ExtraData   json.RawMessage
}

func (ProfileUpdate) EntityKind() string { return "profile" }

// PostRecord is the decoded form of an app.bsky.feed.post record. Its
// URI/Author come from the commit/archive context the decoder is given
// (the record bytes alone don't carry them).
type PostRecord struct {
	Post
}

func (PostRecord) EntityKind() string { return "post" }

type FollowRecord struct{ Follow }

func (FollowRecord) EntityKind() string { return "follow" }

type BlockRecord struct{ Block }

func (BlockRecord) EntityKind() string { return "block" }

type LikeRecord struct{ Like }

func (LikeRecord) EntityKind() string { return "like" }

type RepostRecord struct{ Repost }

func (RepostRecord) EntityKind() string { return "repost" }

type ListRecord struct{ List }

func (ListRecord) EntityKind() string { return "list" }

type ListItemRecord struct{ ListItem }

func (ListItemRecord) EntityKind() string { return "listitem" }

type ListBlockRecord struct{ ListBlock }

func (ListBlockRecord) EntityKind() string { return "listblock" }

type StarterPackRecord struct{ StarterPack }

func (StarterPackRecord) EntityKind() string { return "starterpack" }

type FeedGeneratorRecord struct{ Feed }

func (FeedGeneratorRecord) EntityKind() string { return "feed" }

type LabelerRecord struct{ Labeler }

func (LabelerRecord) EntityKind() string { return "labeler" }

// Observed is the decoded form of an unknown collection: the record is
// dropped but the mention still counts as an observation of its author,
// bumping seen_at (§9 "Heterogeneous records").
type Observed struct {
	Collection string
}

func (Observed) EntityKind() string { return "observed" }
