package domain

import "fmt"

// BadRecord means a single record failed to decode or validate. The
// caller drops the record and continues; it is never a batch- or
// connection-level failure.
type BadRecord struct {
	Collection string
	Reason     string
}

func (e *BadRecord) Error() string {
	return fmt.Sprintf("bad record (%s): %s", e.Collection, e.Reason)
}

// MalformedFrame means the wire framing itself could not be parsed. It is
// terminal for the current firehose connection; the caller reconnects.
type MalformedFrame struct {
	Reason string
}

func (e *MalformedFrame) Error() string {
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

// FetchFailed means the repository fetcher exhausted its retry budget
// fetching a repository's archive.
type FetchFailed struct {
	DID string
	Err error
}

func (e *FetchFailed) Error() string {
	return fmt.Sprintf("fetch failed for %s: %v", e.DID, e.Err)
}

func (e *FetchFailed) Unwrap() error { return e.Err }

// ErrCorruptArchive means a CAR block failed hash verification or the
// commit/MST structure was invalid. It is terminal for the repository job
// the archive belongs to, not the whole backfill run.
type ErrCorruptArchive struct {
	DID    string
	Reason string
}

func (e *ErrCorruptArchive) Error() string {
	return fmt.Sprintf("corrupt archive for %s: %s", e.DID, e.Reason)
}
