package domain

import "github.com/bluesky-social/indigo/atproto/syntax"

// EventKind distinguishes the three firehose frame shapes (§4.A).
type EventKind string

const (
	EventCommit   EventKind = "commit"
	EventIdentity EventKind = "identity"
	EventAccount  EventKind = "account"
)

// CommitOp is the write operation a commit event carries.
type CommitOp string

const (
	OpCreate CommitOp = "create"
	OpUpdate CommitOp = "update"
	OpDelete CommitOp = "delete"
)

// Event is the decoded form of one firehose frame: a tagged union over
// commit, identity, and account frames.
type Event struct {
	DID    syntax.DID
	TimeUS int64
	Kind   EventKind

	Commit   *CommitEvent
	Identity *IdentityEvent
	Account  *AccountEvent
}

// CommitEvent is a single repository commit: a create, update, or delete
// of one record.
type CommitEvent struct {
	URI        syntax.ATURI
	Collection syntax.NSID
	RKey       syntax.RecordKey
	Operation  CommitOp
	RecordCID  *string // present for create/update
	Record     Entity  // decoded record; nil for delete
}

// IdentityEvent carries a handle change for a DID.
type IdentityEvent struct {
	Handle string
}

// AccountEvent carries an account-active flag for a DID.
type AccountEvent struct {
	Active bool
}
