package datastore

import (
	"context"
	"errors"
	"testing"
)

func TestNewManagerRequiresTransport(t *testing.T) {
	if _, err := NewManager(ManagerConfig{}); err == nil {
		t.Fatalf("expected an error for a missing transport")
	}
}

func TestOpenDatastoreFailsWhenAbsent(t *testing.T) {
	manager := newTestManager(t, newMemoryTransport())
	if _, err := manager.OpenDatastore(context.Background(), "absent"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found error, got %v", err)
	}
	if _, err := manager.OpenDatastore(context.Background(), "Bad ID"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestOpenOrCreateRejectsShareableIDs(t *testing.T) {
	manager := newTestManager(t, newMemoryTransport())
	if _, err := manager.OpenOrCreateDatastore(context.Background(), ".abc123"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateDatastoreReturnsShareableIDAndKey(t *testing.T) {
	manager := newTestManager(t, newMemoryTransport())
	created, err := manager.CreateDatastore(context.Background())
	if err != nil {
		t.Fatalf("create datastore: %v", err)
	}
	if !created.Datastore.IsShareable() {
		t.Fatalf("expected a shareable datastore, got ID %q", created.Datastore.ID())
	}
	if created.Key == "" {
		t.Fatalf("expected an access key")
	}
	if created.Datastore.EffectiveRole() != RoleOwner {
		t.Fatalf("expected the creator to be owner, got %s", created.Datastore.EffectiveRole())
	}
}

func TestOpenRawDatastoreEnforcesOwnerForPrivateIDs(t *testing.T) {
	manager := newTestManager(t, newMemoryTransport())
	viewer := int64(1000)
	if _, err := manager.OpenRawDatastore(DatastoreDescriptor{ID: "default", Handle: "h1", RoleCode: &viewer}); !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	ds, err := manager.OpenRawDatastore(DatastoreDescriptor{ID: "default", Handle: "h1"})
	if err != nil {
		t.Fatalf("open raw: %v", err)
	}
	if ds.Revision() != 0 || ds.RecordCount() != 0 {
		t.Fatalf("expected an empty raw datastore")
	}
}

func TestDeleteDatastoreMakesItUnreachable(t *testing.T) {
	transport := newMemoryTransport()
	manager := newTestManager(t, transport)
	ds := mustOpenDefault(t, manager)
	if err := manager.DeleteDatastore(context.Background(), ds.Handle()); err != nil {
		t.Fatalf("delete datastore: %v", err)
	}
	if _, err := manager.OpenDatastore(context.Background(), DefaultDatastoreID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not-found error after delete, got %v", err)
	}
}

func TestListDatastoresReportsDescriptors(t *testing.T) {
	transport := newMemoryTransport()
	manager := newTestManager(t, transport)
	mustOpenDefault(t, manager)
	token, infos, err := manager.ListDatastores(context.Background())
	if err != nil {
		t.Fatalf("list datastores: %v", err)
	}
	if token == "" {
		t.Fatalf("expected a list token")
	}
	if len(infos) != 1 || infos[0].ID != DefaultDatastoreID {
		t.Fatalf("unexpected listing %#v", infos)
	}
	if infos[0].EffectiveRole != RoleOwner {
		t.Fatalf("expected owner role in listing, got %s", infos[0].EffectiveRole)
	}
}

func TestAwaitReportsListChanges(t *testing.T) {
	transport := newMemoryTransport()
	manager := newTestManager(t, transport)
	mustOpenDefault(t, manager)
	token, _, err := manager.ListDatastores(context.Background())
	if err != nil {
		t.Fatalf("list datastores: %v", err)
	}
	if _, err := manager.OpenOrCreateDatastore(context.Background(), "second"); err != nil {
		t.Fatalf("create second datastore: %v", err)
	}
	result, err := manager.Await(context.Background(), token, nil)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if !result.ListChanged || len(result.Datastores) != 2 {
		t.Fatalf("expected a changed listing with 2 datastores, got %#v", result)
	}
	if result.Token == token {
		t.Fatalf("expected a fresh token")
	}
}

func TestAwaitReportsDeltasAndMissingDatastores(t *testing.T) {
	transport := newMemoryTransport()
	manager := newTestManager(t, transport)
	a := mustOpenDefault(t, manager)
	b := mustOpenDefault(t, newTestManager(t, transport))
	mustInsert(t, mustTable(t, a, "t"), Fields{"v": Int(1)})
	if _, err := a.Commit(context.Background()); err != nil {
		t.Fatalf("commit: %v", err)
	}

	result, err := manager.Await(context.Background(), "", []*Datastore{b})
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	deltas := result.Deltas[b.Handle()]
	if len(deltas) != 1 {
		t.Fatalf("expected one delta for the stale client, got %#v", result)
	}
	if _, err := b.ApplyDeltas(deltas); err != nil {
		t.Fatalf("apply awaited deltas: %v", err)
	}
	if b.Revision() != 1 {
		t.Fatalf("expected revision 1, got %d", b.Revision())
	}

	ghost := newDatastore(manager, "ghost", "missing-handle", RoleOwner)
	result, err = manager.Await(context.Background(), "", []*Datastore{ghost})
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if len(result.NotFound) != 1 || result.NotFound[0] != "missing-handle" {
		t.Fatalf("expected the missing handle to be reported, got %#v", result)
	}
}

func TestMakeCursorMapSkipsDirtyDatastores(t *testing.T) {
	transport := newMemoryTransport()
	manager := newTestManager(t, transport)
	clean := mustOpenDefault(t, manager)
	dirty, err := manager.OpenOrCreateDatastore(context.Background(), "scratch")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mustInsert(t, mustTable(t, dirty, "t"), Fields{"v": Int(1)})

	cursors := MakeCursorMap([]*Datastore{clean, dirty})
	if len(cursors) != 1 {
		t.Fatalf("expected only the clean datastore, got %#v", cursors)
	}
	if _, present := cursors[clean.Handle()]; !present {
		t.Fatalf("expected the clean datastore's handle in the map")
	}
}
