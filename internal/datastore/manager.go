package datastore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// DefaultDatastoreID is the ID of the per-user default datastore, which
// always exists and is created on first open.
const DefaultDatastoreID = "default"

// ManagerConfig carries the dependencies of a Manager. Transport is
// required; Logger and Clock default to a no-op logger and time.Now.
type ManagerConfig struct {
	Transport Transport
	Logger    *zap.Logger
	Clock     func() time.Time
}

// Manager opens, creates, lists and deletes datastores over a Transport.
type Manager struct {
	transport Transport
	logger    *zap.Logger
	clock     func() time.Time
}

// NewManager validates the configuration and returns a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Transport == nil {
		return nil, errors.New("datastore: transport is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Manager{transport: cfg.Transport, logger: logger, clock: clock}, nil
}

// DatastoreInfo describes one datastore in a listing.
type DatastoreInfo struct {
	ID            string
	Handle        string
	Revision      int64
	Title         *string
	MTime         *Timestamp
	EffectiveRole Role
}

// CreatedDatastore is the result of creating a shareable datastore: the
// opened datastore plus the key that grants others access to it by ID.
type CreatedDatastore struct {
	Datastore *Datastore
	Key       string
}

// OpenDefaultDatastore opens the per-user default datastore, creating it
// if needed.
func (m *Manager) OpenDefaultDatastore(ctx context.Context) (*Datastore, error) {
	return m.OpenOrCreateDatastore(ctx, DefaultDatastoreID)
}

// OpenDatastore opens an existing datastore by ID and loads its content.
func (m *Manager) OpenDatastore(ctx context.Context, id string) (*Datastore, error) {
	if !IsValidDatastoreID(id) {
		return nil, validationf("invalid datastore ID %q", id)
	}
	desc, err := m.transport.GetDatastore(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.open(ctx, desc)
}

// OpenOrCreateDatastore opens a private datastore by ID, creating it if
// it does not exist. Shareable (dot-prefixed) IDs cannot be created this
// way; use CreateDatastore.
func (m *Manager) OpenOrCreateDatastore(ctx context.Context, id string) (*Datastore, error) {
	if !IsValidDatastoreID(id) {
		return nil, validationf("invalid datastore ID %q", id)
	}
	if IsValidShareableDatastoreID(id) {
		return nil, validationf("cannot create a shareable datastore by ID %q", id)
	}
	desc, err := m.transport.GetOrCreateDatastore(ctx, id)
	if err != nil {
		return nil, err
	}
	return m.open(ctx, desc)
}

// CreateDatastore creates a new shareable datastore with a freshly
// generated ID and key. The key is a capability: anyone who holds it can
// derive the ID and request access.
func (m *Manager) CreateDatastore(ctx context.Context) (CreatedDatastore, error) {
	id, key := generateShareableID()
	desc, err := m.transport.CreateDatastore(ctx, id, key)
	if err != nil {
		return CreatedDatastore{}, err
	}
	ds, err := m.open(ctx, desc)
	if err != nil {
		return CreatedDatastore{}, err
	}
	return CreatedDatastore{Datastore: ds, Key: key}, nil
}

// OpenRawDatastore constructs a datastore from a descriptor without
// loading a snapshot; the caller restores content via ApplySnapshot. The
// private form requires the owner role in the descriptor.
func (m *Manager) OpenRawDatastore(desc DatastoreDescriptor) (*Datastore, error) {
	role := descriptorRole(desc)
	if !IsValidShareableDatastoreID(desc.ID) && role != RoleOwner {
		return nil, fmt.Errorf("%w: private datastore %s requires the owner role", ErrPermissionDenied, desc.ID)
	}
	return newDatastore(m, desc.ID, desc.Handle, role), nil
}

// DeleteDatastore deletes a datastore by handle. All content is lost.
func (m *Manager) DeleteDatastore(ctx context.Context, handle string) error {
	return m.transport.DeleteDatastore(ctx, handle)
}

// ListDatastores returns descriptions of all datastores accessible to the
// current user, plus a token for change detection via Await.
func (m *Manager) ListDatastores(ctx context.Context) (string, []DatastoreInfo, error) {
	result, err := m.transport.ListDatastores(ctx)
	if err != nil {
		return "", nil, err
	}
	infos := make([]DatastoreInfo, 0, len(result.Datastores))
	for _, desc := range result.Datastores {
		infos = append(infos, descriptorInfo(desc))
	}
	return result.Token, infos, nil
}

// AwaitResult reports what changed during an Await: an updated listing
// (when the set of datastores changed) and fresh deltas per handle.
type AwaitResult struct {
	ListChanged bool
	Token       string
	Datastores  []DatastoreInfo
	Deltas      map[string][]Delta
	NotFound    []string
}

// Await blocks until the datastore list identified by token changes or
// any of the given datastores has deltas beyond its current revision,
// whichever comes first. Datastores with pending changes are skipped; the
// returned deltas are not applied (use ApplyDeltas).
func (m *Manager) Await(ctx context.Context, token string, datastores []*Datastore) (AwaitResult, error) {
	req := AwaitRequest{ListToken: token, Cursors: MakeCursorMap(datastores)}
	resp, err := m.transport.Await(ctx, req)
	if err != nil {
		return AwaitResult{}, err
	}
	result := AwaitResult{ListChanged: resp.ListChanged, Token: resp.Token}
	if resp.ListChanged {
		result.Datastores = make([]DatastoreInfo, 0, len(resp.Datastores))
		for _, desc := range resp.Datastores {
			result.Datastores = append(result.Datastores, descriptorInfo(desc))
		}
	}
	if len(resp.Deltas) > 0 {
		result.Deltas = make(map[string][]Delta)
		for handle, update := range resp.Deltas {
			if update.NotFound {
				result.NotFound = append(result.NotFound, handle)
				continue
			}
			result.Deltas[handle] = update.Deltas
		}
	}
	return result, nil
}

// MakeCursorMap maps each datastore's handle to its current revision,
// omitting datastores with pending changes since fresh deltas could not
// be applied to them anyway.
func MakeCursorMap(datastores []*Datastore) map[string]int64 {
	cursors := make(map[string]int64, len(datastores))
	for _, ds := range datastores {
		if ds.HasPendingChanges() {
			continue
		}
		cursors[ds.handle] = ds.rev
	}
	return cursors
}

func (m *Manager) open(ctx context.Context, desc DatastoreDescriptor) (*Datastore, error) {
	ds := newDatastore(m, desc.ID, desc.Handle, descriptorRole(desc))
	if err := ds.LoadSnapshot(ctx); err != nil {
		return nil, err
	}
	m.logger.Debug("opened datastore",
		zap.String("datastore", ds.id),
		zap.Int64("rev", ds.rev))
	return ds, nil
}

func descriptorRole(desc DatastoreDescriptor) Role {
	if desc.RoleCode == nil {
		return RoleOwner
	}
	return RoleFromCode(*desc.RoleCode)
}

func descriptorInfo(desc DatastoreDescriptor) DatastoreInfo {
	info := DatastoreInfo{
		ID:            desc.ID,
		Handle:        desc.Handle,
		Revision:      desc.Revision,
		Title:         desc.Title,
		EffectiveRole: descriptorRole(desc),
	}
	if desc.MTimeMillis != nil {
		ts := TimestampFromMillis(*desc.MTimeMillis)
		info.MTime = &ts
	}
	return info
}
