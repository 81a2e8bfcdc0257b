package datastore

import (
	"context"
)

// DatastoreDescriptor describes a datastore as reported by the server.
// RoleCode is the raw numeric role code; it is nil when the server omitted
// it, which decodes as owner for backward compatibility.
type DatastoreDescriptor struct {
	ID          string
	Handle      string
	Revision    int64
	RoleCode    *int64
	Title       *string
	MTimeMillis *int64
}

// SnapshotRow is one record of a snapshot in wire form. Data maps field
// names to their JSON-decoded wire values.
type SnapshotRow struct {
	TableID  string         `json:"tid"`
	RecordID string         `json:"rowid"`
	Data     map[string]any `json:"data"`
}

// Snapshot is a full point-in-time dump of a datastore at a revision.
type Snapshot struct {
	Revision int64
	Rows     []SnapshotRow
}

// Delta is a server-confirmed batch of changes tagged with the revision it
// produced. Each change is a JSON-decoded wire array.
type Delta struct {
	Revision int64 `json:"rev"`
	Changes  []any `json:"changes"`
}

// PutDeltaResult is the outcome of a commit attempt. Exactly one of the
// two cases holds: the delta was accepted at Revision, or the server
// reported a conflict. Conflicts are an expected concurrency outcome, not
// an error.
type PutDeltaResult struct {
	Revision int64
	Conflict string
}

// Conflicted reports whether the server rejected the delta because the
// client's base revision was stale.
func (r PutDeltaResult) Conflicted() bool {
	return r.Conflict != ""
}

// ListDatastoresResult carries the account's datastore list and the token
// that fingerprints it for long polling.
type ListDatastoresResult struct {
	Token      string
	Datastores []DatastoreDescriptor
}

// AwaitRequest asks the server to block until the datastore list changes
// (ListToken set) and/or new deltas exist past the given per-handle
// revision cursors.
type AwaitRequest struct {
	ListToken string
	Cursors   map[string]int64
}

// AwaitDeltaUpdate is the per-datastore answer inside an await response:
// either new deltas, or a marker that the datastore no longer exists.
type AwaitDeltaUpdate struct {
	Deltas   []Delta
	NotFound bool
}

// AwaitResponse reports what woke the long poll up. ListChanged indicates
// a fresh token and datastore list; Deltas holds per-handle updates for
// the requested cursors. Both may be empty when the server timed out.
type AwaitResponse struct {
	ListChanged bool
	Token       string
	Datastores  []DatastoreDescriptor
	Deltas      map[string]AwaitDeltaUpdate
}

// Transport is the wire boundary of the engine. Implementations handle
// request transport, authentication and connection management; they do not
// retry, and they surface server access errors through the sentinel
// taxonomy (ErrNotFound, ErrPermissionDenied, ErrProtocol).
type Transport interface {
	// GetDatastore resolves an existing datastore by ID.
	GetDatastore(ctx context.Context, dsid string) (DatastoreDescriptor, error)
	// GetOrCreateDatastore resolves a private datastore, creating it if
	// absent.
	GetOrCreateDatastore(ctx context.Context, dsid string) (DatastoreDescriptor, error)
	// CreateDatastore creates a shareable datastore from a locally
	// generated (dsid, key) pair.
	CreateDatastore(ctx context.Context, dsid, key string) (DatastoreDescriptor, error)
	// DeleteDatastore removes a datastore by handle.
	DeleteDatastore(ctx context.Context, handle string) error
	// ListDatastores returns all datastores for the account.
	ListDatastores(ctx context.Context) (ListDatastoresResult, error)
	// GetSnapshot fetches the full current state of a datastore.
	GetSnapshot(ctx context.Context, handle string) (Snapshot, error)
	// GetDeltas fetches deltas at or after the given revision.
	GetDeltas(ctx context.Context, handle string, rev int64) ([]Delta, error)
	// PutDelta submits staged changes against a base revision with an
	// idempotency nonce.
	PutDelta(ctx context.Context, handle string, rev int64, changes []any, nonce string) (PutDeltaResult, error)
	// Await blocks until the request is satisfiable or a server-controlled
	// timeout elapses.
	Await(ctx context.Context, req AwaitRequest) (AwaitResponse, error)
}
