package datastore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"
)

// Reserved tables: datastore metadata lives in :info (record "info",
// fields "title" and "mtime"), the ACL of a shareable datastore in :acl
// (one record per principal key).
const (
	infoTableID  = ":info"
	infoRecordID = "info"
	titleField   = "title"
	mtimeField   = "mtime"
	aclTableID   = ":acl"
	roleField    = "role"
)

// CommitStatus classifies the outcome of a commit attempt.
type CommitStatus int

const (
	// CommitNoop means there were no pending changes to send.
	CommitNoop CommitStatus = iota
	// CommitApplied means the server accepted the delta at a new revision.
	CommitApplied
	// CommitConflict means the server rejected the delta because the base
	// revision was stale; pending changes remain staged and the caller must
	// roll back before refreshing.
	CommitConflict
)

// CommitOutcome is the result of a commit attempt. Conflicts are an
// expected concurrency outcome and are reported here rather than as an
// error, so retry loops branch on the outcome instead of matching error
// values.
type CommitOutcome struct {
	Status   CommitStatus
	Revision int64
	Conflict string
}

// Conflicted reports whether the commit was rejected as stale.
func (o CommitOutcome) Conflicted() bool {
	return o.Status == CommitConflict
}

// Datastore is an embedded, revisioned mirror of one server-side
// datastore. It keeps a full snapshot of the current content in memory,
// stages mutations optimistically in a pending-change queue, and
// synchronizes through commit and delta application.
//
// A Datastore is not safe for concurrent use; callers coordinating a
// background Await with foreground mutations must hold their own lock.
type Datastore struct {
	manager *Manager
	id      string
	handle  string
	role    Role

	rev                int64
	tables             map[string]*Table
	changes            []Change
	recordCount        int64
	size               int64
	pendingChangesSize int64
}

func newDatastore(manager *Manager, id, handle string, role Role) *Datastore {
	return &Datastore{
		manager: manager,
		id:      id,
		handle:  handle,
		role:    role,
		tables:  make(map[string]*Table),
		size:    BaseDatastoreSize,
	}
}

// ID returns the datastore ID.
func (d *Datastore) ID() string {
	return d.id
}

// Handle returns the opaque server-assigned handle.
func (d *Datastore) Handle() string {
	return d.handle
}

// Revision returns the current revision, an integer >= 0 that only
// advances through snapshot load, delta application and committed deltas.
func (d *Datastore) Revision() int64 {
	return d.rev
}

// Manager returns the manager this datastore was opened through.
func (d *Datastore) Manager() *Manager {
	return d.manager
}

// IsShareable reports whether this is a shareable (dot-prefixed)
// datastore.
func (d *Datastore) IsShareable() bool {
	return len(d.id) > 0 && d.id[0] == '.'
}

// IsWritable reports whether the current user may modify the datastore.
// Private datastores are always writable.
func (d *Datastore) IsWritable() bool {
	return !d.IsShareable() || d.role.canEdit()
}

// EffectiveRole returns the current user's effective role. Private
// datastores always report owner.
func (d *Datastore) EffectiveRole() Role {
	if d.IsShareable() {
		return d.role
	}
	return RoleOwner
}

// RecordCount returns the number of records across all tables.
func (d *Datastore) RecordCount() int64 {
	return d.recordCount
}

// Size returns the datastore's size in bytes: the base size plus the sum
// of all record sizes, maintained incrementally on every mutation.
func (d *Datastore) Size() int64 {
	return d.size
}

// PendingChangesSize returns the size in bytes of the staged changes, or
// zero when nothing is staged.
func (d *Datastore) PendingChangesSize() int64 {
	if len(d.changes) == 0 {
		return 0
	}
	return BaseDeltaSize + d.pendingChangesSize
}

// HasPendingChanges reports whether local mutations are staged but not yet
// committed.
func (d *Datastore) HasPendingChanges() bool {
	return len(d.changes) > 0
}

// Table returns a handle on the table with the given ID, materializing an
// empty table if needed.
func (d *Datastore) Table(tableID string) (*Table, error) {
	if t, exists := d.tables[tableID]; exists {
		return t, nil
	}
	if !IsValidTableID(tableID) {
		return nil, validationf("invalid table ID %q", tableID)
	}
	t := newTable(d, tableID)
	d.tables[tableID] = t
	return t, nil
}

// ListTableIDs returns the IDs of all non-empty tables, sorted.
func (d *Datastore) ListTableIDs() []string {
	var ids []string
	for tableID, t := range d.tables {
		if len(t.records) > 0 {
			ids = append(ids, tableID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (d *Datastore) checkEditPermission() error {
	if d.IsShareable() && !d.role.canEdit() {
		return fmt.Errorf("%w: datastore %s is read-only", ErrPermissionDenied, d.id)
	}
	return nil
}

func (d *Datastore) addPendingChange(c Change) {
	d.changes = append(d.changes, c)
	d.pendingChangesSize += c.size()
}

// Title returns the datastore title, if one has been set.
func (d *Datastore) Title() (string, bool) {
	v := d.infoField(titleField)
	if s, isString := v.(String); isString {
		return string(s), true
	}
	return "", false
}

// SetTitle stages an update of the datastore title. Like any other
// mutation it takes effect on the server at the next commit.
func (d *Datastore) SetTitle(title string) error {
	return d.setInfoField(titleField, String(title))
}

// MTime returns the time of last modification, if known. Commit stamps it
// automatically.
func (d *Datastore) MTime() (Timestamp, bool) {
	v := d.infoField(mtimeField)
	if ts, isTimestamp := v.(Timestamp); isTimestamp {
		return ts, true
	}
	return Timestamp{}, false
}

func (d *Datastore) infoField(field string) Value {
	t, exists := d.tables[infoTableID]
	if !exists {
		return nil
	}
	fields, exists := t.records[infoRecordID]
	if !exists {
		return nil
	}
	return fields[field]
}

func (d *Datastore) setInfoField(field string, v Value) error {
	t, err := d.Table(infoTableID)
	if err != nil {
		return err
	}
	rec, err := t.GetOrInsert(infoRecordID, Fields{})
	if err != nil {
		return err
	}
	return rec.Set(field, v)
}

// LoadSnapshot replaces all local content, including pending changes,
// with a snapshot fetched from the server.
func (d *Datastore) LoadSnapshot(ctx context.Context) error {
	snapshot, err := d.manager.transport.GetSnapshot(ctx, d.handle)
	if err != nil {
		return err
	}
	return d.ApplySnapshot(snapshot.Revision, snapshot.Rows)
}

// ApplySnapshot restores the datastore from a revision and snapshot rows
// obtained earlier. All local content, including pending changes, is
// discarded.
func (d *Datastore) ApplySnapshot(rev int64, rows []SnapshotRow) error {
	if rev < 0 {
		return protocolf("snapshot revision %d is negative", rev)
	}
	d.rev = 0
	d.tables = make(map[string]*Table)
	d.changes = nil
	d.pendingChangesSize = 0
	d.recordCount = 0
	d.size = BaseDatastoreSize
	for _, row := range rows {
		fields, err := decodeFields(row.Data)
		if err != nil {
			return err
		}
		t, err := d.Table(row.TableID)
		if err != nil {
			return err
		}
		if err := t.updateRecordFields(row.RecordID, fields, recordSizeForFields(fields)); err != nil {
			return err
		}
	}
	d.rev = rev
	return nil
}

// Snapshot exports the full current content as wire-form rows. Together
// with Revision this is the complete mutable state; ApplySnapshot restores
// it.
func (d *Datastore) Snapshot() []SnapshotRow {
	var rows []SnapshotRow
	for tableID, t := range d.tables {
		for recordID, fields := range t.records {
			rows = append(rows, SnapshotRow{
				TableID:  tableID,
				RecordID: recordID,
				Data:     encodeFields(fields),
			})
		}
	}
	return rows
}

// FetchDeltas retrieves new deltas from the server without applying them.
func (d *Datastore) FetchDeltas(ctx context.Context) ([]Delta, error) {
	return d.manager.transport.GetDeltas(ctx, d.handle, d.rev)
}

// LoadDeltas fetches new deltas and applies them. It is an error to call
// this with pending changes staged.
func (d *Datastore) LoadDeltas(ctx context.Context) (map[string][]string, error) {
	if len(d.changes) > 0 {
		return nil, fmt.Errorf("%w: cannot load deltas", ErrPendingChanges)
	}
	deltas, err := d.FetchDeltas(ctx)
	if err != nil {
		return nil, err
	}
	return d.ApplyDeltas(deltas)
}

// AwaitDeltas blocks until the server reports new deltas for this
// datastore (or its long-poll timeout elapses), then applies them. It is
// an error to call this with pending changes staged.
func (d *Datastore) AwaitDeltas(ctx context.Context) (map[string][]string, error) {
	if len(d.changes) > 0 {
		return nil, fmt.Errorf("%w: cannot await deltas", ErrPendingChanges)
	}
	resp, err := d.manager.transport.Await(ctx, AwaitRequest{Cursors: map[string]int64{d.handle: d.rev}})
	if err != nil {
		return nil, err
	}
	update, present := resp.Deltas[d.handle]
	if !present {
		return map[string][]string{}, nil
	}
	if update.NotFound {
		return nil, fmt.Errorf("%w: datastore %s", ErrNotFound, d.id)
	}
	return d.ApplyDeltas(update.Deltas)
}

// ApplyDeltas applies deltas retrieved by other means, for example through
// Manager.Await. Deltas older than the current revision have already been
// seen and are skipped silently; a delta that is neither old nor exactly
// at the current revision means local state and server state have
// diverged, which is a protocol error. It is an error to call this with
// pending changes staged.
//
// The returned map lists the affected record IDs per table ID.
func (d *Datastore) ApplyDeltas(deltas []Delta) (map[string][]string, error) {
	if len(d.changes) > 0 {
		return nil, fmt.Errorf("%w: cannot apply deltas", ErrPendingChanges)
	}
	touched := make(map[string]map[string]bool)
	for _, delta := range deltas {
		if delta.Revision < d.rev {
			continue
		}
		if delta.Revision != d.rev {
			return nil, protocolf("revision out of sequence (expected %d, actual %d)", d.rev, delta.Revision)
		}
		for _, rawChange := range delta.Changes {
			arr, isArray := rawChange.([]any)
			if !isArray {
				return nil, protocolf("delta change must be an array, got %T", rawChange)
			}
			change, err := decodeChange(arr)
			if err != nil {
				return nil, err
			}
			if err := d.applyChange(change); err != nil {
				return nil, err
			}
			if touched[change.TableID] == nil {
				touched[change.TableID] = make(map[string]bool)
			}
			touched[change.TableID][change.RecordID] = true
		}
		d.rev = delta.Revision + 1
	}
	changed := make(map[string][]string, len(touched))
	for tableID, recordIDs := range touched {
		ids := make([]string, 0, len(recordIDs))
		for recordID := range recordIDs {
			ids = append(ids, recordID)
		}
		sort.Strings(ids)
		changed[tableID] = ids
	}
	return changed, nil
}

// applyChange folds one change into the local store. Used for server
// deltas and for replaying inverses during rollback; optimistic local
// mutations apply their effects directly at staging time instead.
func (d *Datastore) applyChange(c Change) error {
	t, err := d.Table(c.TableID)
	if err != nil {
		return err
	}
	switch c.Op {
	case OpInsert:
		if _, exists := t.records[c.RecordID]; exists {
			return protocolf("insert for existing record %s/%s", c.TableID, c.RecordID)
		}
		return t.updateRecordFields(c.RecordID, copyFields(c.Fields), recordSizeForFields(c.Fields))
	case OpDelete:
		old, exists := t.records[c.RecordID]
		if !exists {
			return protocolf("delete for missing record %s/%s", c.TableID, c.RecordID)
		}
		return t.updateRecordFields(c.RecordID, nil, -recordSizeForFields(old))
	case OpUpdate:
		current, exists := t.records[c.RecordID]
		if !exists {
			return protocolf("update for missing record %s/%s", c.TableID, c.RecordID)
		}
		next := copyFields(current)
		var oldSize, newSize int64
		for field, op := range c.Ops {
			old := next[field]
			if old != nil {
				oldSize += fieldSize(old)
			}
			switch {
			case op.Kind == FieldPut:
				next[field] = op.Value
				newSize += fieldSize(op.Value)
			case op.Kind == FieldDelete:
				delete(next, field)
			case op.isListOp():
				newList, err := applyFieldListOp(old, op)
				if err != nil {
					return err
				}
				next[field] = newList
				newSize += fieldSize(newList)
			default:
				return protocolf("unknown field op kind %q", op.Kind)
			}
		}
		return t.updateRecordFields(c.RecordID, next, newSize-oldSize)
	default:
		return protocolf("unknown change op %q", c.Op)
	}
}

// Rollback discards all pending changes, applying each change's
// precomputed inverse in LIFO order. Rolling back a clean datastore is a
// no-op.
func (d *Datastore) Rollback() error {
	for len(d.changes) > 0 {
		last := d.changes[len(d.changes)-1]
		inverse, err := last.invert()
		if err != nil {
			return err
		}
		if err := d.applyChange(inverse); err != nil {
			return err
		}
		d.changes = d.changes[:len(d.changes)-1]
		d.pendingChangesSize -= last.size()
	}
	d.changes = nil
	d.pendingChangesSize = 0
	return nil
}

// Commit attempts to send all pending changes to the server, stamping the
// modification time first. With nothing staged it is a no-op. On success
// the revision advances to the server-returned value and the pending
// queue is cleared. On conflict the pending changes remain staged; the
// caller must Rollback before refreshing (Transaction automates this).
func (d *Datastore) Commit(ctx context.Context) (CommitOutcome, error) {
	if err := d.checkEditPermission(); err != nil {
		return CommitOutcome{}, err
	}
	if len(d.changes) == 0 {
		return CommitOutcome{Status: CommitNoop, Revision: d.rev}, nil
	}
	if err := d.setInfoField(mtimeField, NewTimestamp(d.manager.clock())); err != nil {
		return CommitOutcome{}, err
	}
	encoded := make([]any, len(d.changes))
	for i, c := range d.changes {
		encoded[i] = encodeChange(c)
	}
	nonce := newNonce()
	result, err := d.manager.transport.PutDelta(ctx, d.handle, d.rev, encoded, nonce)
	if err != nil {
		return CommitOutcome{}, err
	}
	if result.Conflicted() {
		d.manager.logger.Debug("commit conflict",
			zap.String("datastore", d.id),
			zap.Int64("rev", d.rev),
			zap.String("reason", result.Conflict))
		return CommitOutcome{Status: CommitConflict, Revision: d.rev, Conflict: result.Conflict}, nil
	}
	d.rev = result.Revision
	d.changes = nil
	d.pendingChangesSize = 0
	return CommitOutcome{Status: CommitApplied, Revision: d.rev}, nil
}

// Transaction runs fn and commits its staged changes, retrying up to
// maxTries times on commit conflicts. After each conflict the pending
// changes are rolled back first and only then are fresh deltas loaded;
// refreshing with local changes still staged is illegal and is never
// attempted. If fn or the commit fails for any non-conflict reason,
// pending changes are rolled back and the failure is returned immediately
// with no retry.
//
// The datastore must be clean on entry.
func (d *Datastore) Transaction(ctx context.Context, maxTries int, fn func() error) error {
	if maxTries < 1 {
		return validationf("maxTries must be >= 1, got %d", maxTries)
	}
	if len(d.changes) > 0 {
		return fmt.Errorf("%w: transaction requires a clean datastore", ErrPendingChanges)
	}
	for attempt := 1; attempt <= maxTries; attempt++ {
		if err := fn(); err != nil {
			if rollbackErr := d.Rollback(); rollbackErr != nil {
				return errors.Join(err, rollbackErr)
			}
			return err
		}
		outcome, err := d.Commit(ctx)
		if err != nil {
			if rollbackErr := d.Rollback(); rollbackErr != nil {
				return errors.Join(err, rollbackErr)
			}
			return err
		}
		if !outcome.Conflicted() {
			return nil
		}
		d.manager.logger.Debug("transaction retrying after conflict",
			zap.String("datastore", d.id),
			zap.Int("attempt", attempt),
			zap.Int("max_tries", maxTries))
		if err := d.Rollback(); err != nil {
			return err
		}
		if _, err := d.LoadDeltas(ctx); err != nil {
			return err
		}
	}
	if maxTries == 1 {
		return fmt.Errorf("%w: commit failed; set maxTries above 1 to retry", ErrRetriesExhausted)
	}
	return fmt.Errorf("%w: commit failed %d times in a row", ErrRetriesExhausted, maxTries)
}

// Close detaches the datastore from its manager. The datastore must not
// be used afterwards; all pending changes are lost.
func (d *Datastore) Close() {
	d.manager = nil
	d.changes = nil
	d.pendingChangesSize = 0
}

// ListRoles returns the full ACL as a map from principal to role. Only
// supported for shareable datastores, and requires at least the editor
// role.
func (d *Datastore) ListRoles() (map[Principal]Role, error) {
	if err := d.checkACLAccess(); err != nil {
		return nil, err
	}
	acl := make(map[Principal]Role)
	t, err := d.Table(aclTableID)
	if err != nil {
		return nil, err
	}
	for recordID, fields := range t.records {
		principal, known := principalFromKey(recordID)
		if !known {
			continue
		}
		acl[principal] = roleFromACLField(fields[roleField])
	}
	return acl, nil
}

// GetRole returns the role explicitly granted to a principal, or RoleNone
// if the principal has no entry. The effective role of a user may differ;
// it also depends on ownership and team membership.
func (d *Datastore) GetRole(principal Principal) (Role, error) {
	if err := d.checkACLAccess(); err != nil {
		return RoleNone, err
	}
	if principal.IsZero() {
		return RoleNone, validationf("a principal is required")
	}
	t, err := d.Table(aclTableID)
	if err != nil {
		return RoleNone, err
	}
	fields, exists := t.records[principal.Key()]
	if !exists {
		return RoleNone, nil
	}
	return roleFromACLField(fields[roleField]), nil
}

// SetRole grants a principal the editor or viewer role, updating any
// existing entry. Granting RoleNone is equivalent to DeleteRole. The
// change is staged like any other mutation and takes effect at commit.
func (d *Datastore) SetRole(principal Principal, role Role) error {
	if role == RoleNone {
		return d.DeleteRole(principal)
	}
	if err := d.checkACLAccess(); err != nil {
		return err
	}
	if principal.IsZero() {
		return validationf("a principal is required")
	}
	if role != RoleEditor && role != RoleViewer {
		return validationf("role must be editor or viewer, got %s", role)
	}
	t, err := d.Table(aclTableID)
	if err != nil {
		return err
	}
	rec, err := t.Get(principal.Key())
	if err != nil {
		return err
	}
	if rec == nil {
		_, err = t.GetOrInsert(principal.Key(), Fields{roleField: Int(role.Code())})
		return err
	}
	return rec.Set(roleField, Int(role.Code()))
}

// DeleteRole removes a principal's ACL entry. The principal need not have
// one.
func (d *Datastore) DeleteRole(principal Principal) error {
	if err := d.checkACLAccess(); err != nil {
		return err
	}
	if principal.IsZero() {
		return validationf("a principal is required")
	}
	t, err := d.Table(aclTableID)
	if err != nil {
		return err
	}
	rec, err := t.Get(principal.Key())
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	return rec.DeleteRecord()
}

// checkACLAccess gates all ACL operations: the datastore must be
// shareable and the actor must hold at least the editor role.
func (d *Datastore) checkACLAccess() error {
	if !d.IsShareable() {
		return ErrACLNotSupported
	}
	if !d.role.canEdit() {
		return fmt.Errorf("%w: access control requires at least the editor role", ErrPermissionDenied)
	}
	return nil
}

func roleFromACLField(v Value) Role {
	if code, isInt := v.(Int); isInt {
		return RoleFromCode(int64(code))
	}
	return RoleNone
}
