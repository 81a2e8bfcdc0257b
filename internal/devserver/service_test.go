package devserver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/driftlab/syncstore/internal/datastore"
)

func TestGetOrCreateDatastoreIsIdempotentPerUser(t *testing.T) {
	service := mustService(t)

	first := mustGetOrCreate(t, service, 1, "default")
	second := mustGetOrCreate(t, service, 1, "default")
	if first.Handle != second.Handle {
		t.Fatalf("expected stable handle, got %q then %q", first.Handle, second.Handle)
	}
	if first.Revision != 0 {
		t.Fatalf("expected fresh datastore at revision 0, got %d", first.Revision)
	}
	if first.RoleCode == nil || *first.RoleCode != datastore.RoleOwner.Code() {
		t.Fatalf("expected owner role code, got %v", first.RoleCode)
	}

	other := mustGetOrCreate(t, service, 2, "default")
	if other.Handle == first.Handle {
		t.Fatalf("expected per-user namespaces, both got handle %q", first.Handle)
	}
}

func TestGetOrCreateDatastoreRejectsShareableID(t *testing.T) {
	service := mustService(t)

	_, err := service.GetOrCreateDatastore(context.Background(), 1, ".abc123")
	if !errors.Is(err, datastore.ErrValidation) {
		t.Fatalf("expected validation error for shareable ID, got %v", err)
	}
}

func TestCreateDatastoreVerifiesKeyDerivation(t *testing.T) {
	service := mustService(t)
	key := "0123456789abcdef0123456789abcdef"

	_, err := service.CreateDatastore(context.Background(), 1, ".bogusid", key)
	if !errors.Is(err, datastore.ErrValidation) {
		t.Fatalf("expected validation error for mismatched ID, got %v", err)
	}

	dsid := datastore.ShareableIDForKey(key)
	descriptor, err := service.CreateDatastore(context.Background(), 1, dsid, key)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if descriptor.ID != dsid {
		t.Fatalf("unexpected dsid %q", descriptor.ID)
	}
	if descriptor.RoleCode == nil || *descriptor.RoleCode != datastore.RoleOwner.Code() {
		t.Fatalf("expected owner role code, got %v", descriptor.RoleCode)
	}

	again, err := service.CreateDatastore(context.Background(), 1, dsid, key)
	if err != nil {
		t.Fatalf("re-create failed: %v", err)
	}
	if again.Handle != descriptor.Handle {
		t.Fatalf("expected re-create to resolve the existing datastore")
	}
}

func TestPutDeltaAdvancesRevisionAndMaterializesRecords(t *testing.T) {
	service := mustService(t)
	descriptor := mustGetOrCreate(t, service, 1, "tasks")

	changes := []any{insertChange("items", "r1", map[string]any{"title": "buy milk", "count": map[string]any{"I": "3"}})}
	result := mustPutDelta(t, service, 1, descriptor.Handle, 0, changes, "nonce-1")
	if result.Revision != 1 {
		t.Fatalf("expected revision 1, got %d", result.Revision)
	}

	snapshot, err := service.GetSnapshot(context.Background(), 1, descriptor.Handle)
	if err != nil {
		t.Fatalf("get_snapshot failed: %v", err)
	}
	if snapshot.Revision != 1 || len(snapshot.Rows) != 1 {
		t.Fatalf("unexpected snapshot: rev %d, %d rows", snapshot.Revision, len(snapshot.Rows))
	}
	row := snapshot.Rows[0]
	if row.TableID != "items" || row.RecordID != "r1" {
		t.Fatalf("unexpected row identity %s/%s", row.TableID, row.RecordID)
	}
	if row.Data["title"] != "buy milk" {
		t.Fatalf("unexpected row data %v", row.Data)
	}

	deltas, err := service.GetDeltas(context.Background(), 1, descriptor.Handle, 0)
	if err != nil {
		t.Fatalf("get_deltas failed: %v", err)
	}
	if len(deltas) != 1 || deltas[0].Revision != 0 {
		t.Fatalf("unexpected delta log %+v", deltas)
	}
}

func TestPutDeltaStaleRevisionConflicts(t *testing.T) {
	service := mustService(t)
	descriptor := mustGetOrCreate(t, service, 1, "tasks")

	mustPutDelta(t, service, 1, descriptor.Handle, 0,
		[]any{insertChange("items", "r1", map[string]any{"title": "first"})}, "nonce-1")

	stale, err := service.PutDelta(context.Background(), 1, descriptor.Handle, 0,
		[]any{insertChange("items", "r2", map[string]any{"title": "second"})}, "nonce-2")
	if err != nil {
		t.Fatalf("put_delta failed: %v", err)
	}
	if !stale.Conflicted() {
		t.Fatalf("expected conflict for stale base revision")
	}

	deltas, err := service.GetDeltas(context.Background(), 1, descriptor.Handle, 0)
	if err != nil {
		t.Fatalf("get_deltas failed: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("conflicting delta must not be recorded, log has %d entries", len(deltas))
	}
}

func TestPutDeltaNonceIsIdempotent(t *testing.T) {
	service := mustService(t)
	descriptor := mustGetOrCreate(t, service, 1, "tasks")

	changes := []any{insertChange("items", "r1", map[string]any{"title": "once"})}
	first := mustPutDelta(t, service, 1, descriptor.Handle, 0, changes, "nonce-1")
	replay := mustPutDelta(t, service, 1, descriptor.Handle, 0, changes, "nonce-1")
	if replay.Revision != first.Revision {
		t.Fatalf("expected replay to answer with revision %d, got %d", first.Revision, replay.Revision)
	}

	deltas, err := service.GetDeltas(context.Background(), 1, descriptor.Handle, 0)
	if err != nil {
		t.Fatalf("get_deltas failed: %v", err)
	}
	if len(deltas) != 1 {
		t.Fatalf("expected delta to be applied once, log has %d entries", len(deltas))
	}
}

func TestPutDeltaRejectsMalformedChanges(t *testing.T) {
	service := mustService(t)
	descriptor := mustGetOrCreate(t, service, 1, "tasks")

	_, err := service.PutDelta(context.Background(), 1, descriptor.Handle, 0,
		[]any{[]any{"X", "items", "r1"}}, "nonce-1")
	if !errors.Is(err, datastore.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	deltas, err := service.GetDeltas(context.Background(), 1, descriptor.Handle, 0)
	if err != nil {
		t.Fatalf("get_deltas failed: %v", err)
	}
	if len(deltas) != 0 {
		t.Fatalf("rejected delta must not be recorded")
	}
}

func TestSharedDatastoreAccessControl(t *testing.T) {
	service := mustService(t)
	key := "fedcba9876543210fedcba9876543210"
	dsid := datastore.ShareableIDForKey(key)

	descriptor, err := service.CreateDatastore(context.Background(), 1, dsid, key)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if _, err := service.GetDatastore(context.Background(), 2, dsid); !errors.Is(err, datastore.ErrPermissionDenied) {
		t.Fatalf("expected permission denied before any grant, got %v", err)
	}

	grant := []any{insertChange(":acl", "u2", map[string]any{
		"role": map[string]any{"I": "1000"},
	})}
	mustPutDelta(t, service, 1, descriptor.Handle, 0, grant, "nonce-acl")

	viewed, err := service.GetDatastore(context.Background(), 2, dsid)
	if err != nil {
		t.Fatalf("expected viewer access after grant: %v", err)
	}
	if viewed.RoleCode == nil || *viewed.RoleCode != datastore.RoleViewer.Code() {
		t.Fatalf("expected viewer role code, got %v", viewed.RoleCode)
	}

	if _, err := service.GetSnapshot(context.Background(), 2, descriptor.Handle); err != nil {
		t.Fatalf("viewer should read snapshots: %v", err)
	}
	_, err = service.PutDelta(context.Background(), 2, descriptor.Handle, 1,
		[]any{insertChange("items", "r1", map[string]any{"title": "nope"})}, "nonce-viewer")
	if !errors.Is(err, datastore.ErrPermissionDenied) {
		t.Fatalf("viewer must not write, got %v", err)
	}

	promote := []any{[]any{"U", ":acl", "u2", map[string]any{
		"role": []any{"P", map[string]any{"I": "2000"}},
	}}}
	mustPutDelta(t, service, 1, descriptor.Handle, 1, promote, "nonce-promote")

	if _, err := service.PutDelta(context.Background(), 2, descriptor.Handle, 2,
		[]any{insertChange("items", "r1", map[string]any{"title": "yep"})}, "nonce-editor"); err != nil {
		t.Fatalf("editor should write: %v", err)
	}
}

func TestPrivateDatastoreInvisibleToOthers(t *testing.T) {
	service := mustService(t)
	descriptor := mustGetOrCreate(t, service, 1, "journal")

	if _, err := service.GetSnapshot(context.Background(), 2, descriptor.Handle); !errors.Is(err, datastore.ErrPermissionDenied) {
		t.Fatalf("expected permission denied on foreign private handle, got %v", err)
	}
}

func TestDeleteDatastoreOwnerOnly(t *testing.T) {
	service := mustService(t)
	descriptor := mustGetOrCreate(t, service, 1, "tasks")
	mustPutDelta(t, service, 1, descriptor.Handle, 0,
		[]any{insertChange("items", "r1", map[string]any{"title": "x"})}, "nonce-1")

	if err := service.DeleteDatastore(context.Background(), 2, descriptor.Handle); !errors.Is(err, datastore.ErrPermissionDenied) {
		t.Fatalf("expected permission denied for non-owner, got %v", err)
	}
	if err := service.DeleteDatastore(context.Background(), 1, descriptor.Handle); err != nil {
		t.Fatalf("owner delete failed: %v", err)
	}
	if _, err := service.GetDatastore(context.Background(), 1, "tasks"); !errors.Is(err, datastore.ErrNotFound) {
		t.Fatalf("expected datastore to be gone, got %v", err)
	}
	if _, err := service.GetSnapshot(context.Background(), 1, descriptor.Handle); !errors.Is(err, datastore.ErrNotFound) {
		t.Fatalf("expected snapshot of deleted datastore to 404, got %v", err)
	}
}

func TestListDatastoresTokenTracksMembership(t *testing.T) {
	service := mustService(t)

	empty, err := service.ListDatastores(context.Background(), 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(empty.Datastores) != 0 {
		t.Fatalf("expected empty listing, got %d", len(empty.Datastores))
	}

	mustGetOrCreate(t, service, 1, "tasks")
	one, err := service.ListDatastores(context.Background(), 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(one.Datastores) != 1 || one.Datastores[0].ID != "tasks" {
		t.Fatalf("unexpected listing %+v", one.Datastores)
	}
	if one.Token == empty.Token {
		t.Fatalf("expected token to change when a datastore is created")
	}

	same, err := service.ListDatastores(context.Background(), 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if same.Token != one.Token {
		t.Fatalf("expected stable token for unchanged listing")
	}
}

func TestAwaitReturnsPendingDeltasImmediately(t *testing.T) {
	service := mustService(t)
	descriptor := mustGetOrCreate(t, service, 1, "tasks")
	mustPutDelta(t, service, 1, descriptor.Handle, 0,
		[]any{insertChange("items", "r1", map[string]any{"title": "x"})}, "nonce-1")

	resp, err := service.Await(context.Background(), 1, datastore.AwaitRequest{
		Cursors: map[string]int64{descriptor.Handle: 0},
	})
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	update, ok := resp.Deltas[descriptor.Handle]
	if !ok || update.NotFound || len(update.Deltas) != 1 {
		t.Fatalf("expected one pending delta, got %+v", resp.Deltas)
	}
}

func TestAwaitTimesOutQuietly(t *testing.T) {
	service := mustService(t)
	descriptor := mustGetOrCreate(t, service, 1, "tasks")

	list, err := service.ListDatastores(context.Background(), 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}

	started := time.Now()
	resp, err := service.Await(context.Background(), 1, datastore.AwaitRequest{
		ListToken: list.Token,
		Cursors:   map[string]int64{descriptor.Handle: descriptor.Revision},
	})
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	if time.Since(started) < 50*time.Millisecond {
		t.Fatalf("expected await to block until the timeout")
	}
	if resp.ListChanged || len(resp.Deltas) != 0 {
		t.Fatalf("expected quiet timeout, got %+v", resp)
	}
}

func TestAwaitWakesOnPutDelta(t *testing.T) {
	service := mustService(t)
	service.awaitTimeout = 5 * time.Second
	descriptor := mustGetOrCreate(t, service, 1, "tasks")

	type awaitResult struct {
		resp datastore.AwaitResponse
		err  error
	}
	done := make(chan awaitResult, 1)
	go func() {
		resp, err := service.Await(context.Background(), 1, datastore.AwaitRequest{
			Cursors: map[string]int64{descriptor.Handle: 0},
		})
		done <- awaitResult{resp: resp, err: err}
	}()

	// Give the await call a moment to subscribe before publishing.
	time.Sleep(20 * time.Millisecond)
	mustPutDelta(t, service, 1, descriptor.Handle, 0,
		[]any{insertChange("items", "r1", map[string]any{"title": "x"})}, "nonce-1")

	select {
	case result := <-done:
		if result.err != nil {
			t.Fatalf("await failed: %v", result.err)
		}
		update, ok := result.resp.Deltas[descriptor.Handle]
		if !ok || len(update.Deltas) != 1 {
			t.Fatalf("expected the new delta, got %+v", result.resp.Deltas)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("await did not wake after put_delta")
	}
}

func TestAwaitReportsMissingHandle(t *testing.T) {
	service := mustService(t)

	resp, err := service.Await(context.Background(), 1, datastore.AwaitRequest{
		Cursors: map[string]int64{"no-such-handle": 0},
	})
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	update, ok := resp.Deltas["no-such-handle"]
	if !ok || !update.NotFound {
		t.Fatalf("expected notfound marker, got %+v", resp.Deltas)
	}
}

func TestListDatastoresSurfacesTitleAndMTime(t *testing.T) {
	service := mustService(t)
	descriptor := mustGetOrCreate(t, service, 1, "tasks")

	info := []any{insertChange(":info", "info", map[string]any{
		"title": "groceries",
		"mtime": map[string]any{"T": "1714560000000"},
	})}
	mustPutDelta(t, service, 1, descriptor.Handle, 0, info, "nonce-info")

	listing, err := service.ListDatastores(context.Background(), 1)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(listing.Datastores) != 1 {
		t.Fatalf("expected one datastore, got %d", len(listing.Datastores))
	}
	listed := listing.Datastores[0]
	if listed.Title == nil || *listed.Title != "groceries" {
		t.Fatalf("expected title to surface, got %v", listed.Title)
	}
	if listed.MTimeMillis == nil || *listed.MTimeMillis != 1714560000000 {
		t.Fatalf("expected mtime to surface, got %v", listed.MTimeMillis)
	}
}

func TestAwaitEnforcesDatastoreAccess(t *testing.T) {
	service := mustService(t)
	descriptor := mustGetOrCreate(t, service, 1, "journal")
	mustPutDelta(t, service, 1, descriptor.Handle, 0,
		[]any{insertChange("entries", "e1", map[string]any{"body": "private"})}, "nonce-1")

	resp, err := service.Await(context.Background(), 2, datastore.AwaitRequest{
		Cursors: map[string]int64{descriptor.Handle: 0},
	})
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	update, ok := resp.Deltas[descriptor.Handle]
	if !ok || !update.NotFound {
		t.Fatalf("expected notfound for a foreign private handle, got %+v", resp.Deltas)
	}
	if len(update.Deltas) != 0 {
		t.Fatalf("deltas must not leak to strangers, got %+v", update.Deltas)
	}

	key := "a1b2c3d4e5f6a1b2c3d4e5f6a1b2c3d4"
	dsid := datastore.ShareableIDForKey(key)
	shared, err := service.CreateDatastore(context.Background(), 1, dsid, key)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	grant := []any{insertChange(":acl", "u2", map[string]any{
		"role": map[string]any{"I": "1000"},
	})}
	mustPutDelta(t, service, 1, shared.Handle, 0, grant, "nonce-grant")

	resp, err = service.Await(context.Background(), 2, datastore.AwaitRequest{
		Cursors: map[string]int64{shared.Handle: 0},
	})
	if err != nil {
		t.Fatalf("await failed: %v", err)
	}
	update, ok = resp.Deltas[shared.Handle]
	if !ok || update.NotFound || len(update.Deltas) != 1 {
		t.Fatalf("expected the granted viewer to receive deltas, got %+v", resp.Deltas)
	}
}
