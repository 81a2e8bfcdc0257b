package devserver

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/driftlab/syncstore/internal/datastore"
)

func mustService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:syncstore_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&DatastoreRow{}, &RecordRow{}, &DeltaRow{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := func() time.Time { return time.Unix(1714560000, 0).UTC() }
	service, err := NewService(ServiceConfig{
		Database:     db,
		Clock:        clock,
		AwaitTimeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustGetOrCreate(t *testing.T, service *Service, userID int64, dsid string) datastore.DatastoreDescriptor {
	t.Helper()
	descriptor, err := service.GetOrCreateDatastore(context.Background(), userID, dsid)
	if err != nil {
		t.Fatalf("get_or_create %q failed: %v", dsid, err)
	}
	return descriptor
}

func mustPutDelta(t *testing.T, service *Service, userID int64, handle string, rev int64, changes []any, nonce string) datastore.PutDeltaResult {
	t.Helper()
	result, err := service.PutDelta(context.Background(), userID, handle, rev, changes, nonce)
	if err != nil {
		t.Fatalf("put_delta on %s failed: %v", handle, err)
	}
	if result.Conflicted() {
		t.Fatalf("unexpected conflict on %s: %s", handle, result.Conflict)
	}
	return result
}

func insertChange(tableID, recordID string, fields map[string]any) []any {
	return []any{"I", tableID, recordID, fields}
}
