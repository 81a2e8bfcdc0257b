package datastore

import (
	"context"
	"fmt"
	"strconv"
)

// memoryTransport is an in-memory Transport with server-side conflict
// detection and nonce idempotency, used to exercise the engine without a
// network. The optional beforePut hook runs once per PutDelta call and is
// disarmed while it executes, so a hook may itself commit through the
// transport to simulate a concurrent writer.
type memoryTransport struct {
	stores      map[string]*memoryStore
	byHandle    map[string]*memoryStore
	nextHandle  int
	listVersion int
	beforePut   func()
}

type memoryStore struct {
	id       string
	handle   string
	rev      int64
	deltas   []Delta
	roleCode *int64
	nonces   map[string]int64
}

func newMemoryTransport() *memoryTransport {
	return &memoryTransport{
		stores:   make(map[string]*memoryStore),
		byHandle: make(map[string]*memoryStore),
	}
}

func (m *memoryTransport) create(dsid string) *memoryStore {
	m.nextHandle++
	m.listVersion++
	store := &memoryStore{
		id:     dsid,
		handle: "h" + strconv.Itoa(m.nextHandle),
		nonces: make(map[string]int64),
	}
	m.stores[dsid] = store
	m.byHandle[store.handle] = store
	return store
}

func (m *memoryTransport) descriptor(store *memoryStore) DatastoreDescriptor {
	return DatastoreDescriptor{
		ID:       store.id,
		Handle:   store.handle,
		Revision: store.rev,
		RoleCode: store.roleCode,
	}
}

func (m *memoryTransport) GetDatastore(_ context.Context, dsid string) (DatastoreDescriptor, error) {
	store, exists := m.stores[dsid]
	if !exists {
		return DatastoreDescriptor{}, fmt.Errorf("%w: datastore %s", ErrNotFound, dsid)
	}
	return m.descriptor(store), nil
}

func (m *memoryTransport) GetOrCreateDatastore(_ context.Context, dsid string) (DatastoreDescriptor, error) {
	store, exists := m.stores[dsid]
	if !exists {
		store = m.create(dsid)
	}
	return m.descriptor(store), nil
}

func (m *memoryTransport) CreateDatastore(_ context.Context, dsid, _ string) (DatastoreDescriptor, error) {
	store, exists := m.stores[dsid]
	if !exists {
		store = m.create(dsid)
	}
	return m.descriptor(store), nil
}

func (m *memoryTransport) DeleteDatastore(_ context.Context, handle string) error {
	store, exists := m.byHandle[handle]
	if !exists {
		return fmt.Errorf("%w: handle %s", ErrNotFound, handle)
	}
	delete(m.byHandle, handle)
	delete(m.stores, store.id)
	m.listVersion++
	return nil
}

func (m *memoryTransport) ListDatastores(_ context.Context) (ListDatastoresResult, error) {
	result := ListDatastoresResult{Token: strconv.Itoa(m.listVersion)}
	for _, store := range m.stores {
		result.Datastores = append(result.Datastores, m.descriptor(store))
	}
	return result, nil
}

// GetSnapshot materializes the snapshot by replaying the full delta log
// into a scratch datastore, the same way a client would.
func (m *memoryTransport) GetSnapshot(_ context.Context, handle string) (Snapshot, error) {
	store, exists := m.byHandle[handle]
	if !exists {
		return Snapshot{}, fmt.Errorf("%w: handle %s", ErrNotFound, handle)
	}
	return Replay(Snapshot{}, store.deltas)
}

func (m *memoryTransport) GetDeltas(_ context.Context, handle string, rev int64) ([]Delta, error) {
	store, exists := m.byHandle[handle]
	if !exists {
		return nil, fmt.Errorf("%w: handle %s", ErrNotFound, handle)
	}
	var fresh []Delta
	for _, delta := range store.deltas {
		if delta.Revision >= rev {
			fresh = append(fresh, delta)
		}
	}
	return fresh, nil
}

func (m *memoryTransport) PutDelta(_ context.Context, handle string, rev int64, changes []any, nonce string) (PutDeltaResult, error) {
	if m.beforePut != nil {
		hook := m.beforePut
		m.beforePut = nil
		hook()
		m.beforePut = hook
	}
	store, exists := m.byHandle[handle]
	if !exists {
		return PutDeltaResult{}, fmt.Errorf("%w: handle %s", ErrNotFound, handle)
	}
	if committed, seen := store.nonces[nonce]; seen {
		return PutDeltaResult{Revision: committed}, nil
	}
	if rev != store.rev {
		return PutDeltaResult{Conflict: fmt.Sprintf("delta against revision %d, current is %d", rev, store.rev)}, nil
	}
	store.deltas = append(store.deltas, Delta{Revision: rev, Changes: changes})
	store.rev = rev + 1
	store.nonces[nonce] = store.rev
	return PutDeltaResult{Revision: store.rev}, nil
}

func (m *memoryTransport) Await(_ context.Context, req AwaitRequest) (AwaitResponse, error) {
	resp := AwaitResponse{Token: strconv.Itoa(m.listVersion)}
	if req.ListToken != "" && req.ListToken != resp.Token {
		resp.ListChanged = true
		for _, store := range m.stores {
			resp.Datastores = append(resp.Datastores, m.descriptor(store))
		}
	}
	for handle, rev := range req.Cursors {
		store, exists := m.byHandle[handle]
		if !exists {
			if resp.Deltas == nil {
				resp.Deltas = make(map[string]AwaitDeltaUpdate)
			}
			resp.Deltas[handle] = AwaitDeltaUpdate{NotFound: true}
			continue
		}
		var fresh []Delta
		for _, delta := range store.deltas {
			if delta.Revision >= rev {
				fresh = append(fresh, delta)
			}
		}
		if len(fresh) > 0 {
			if resp.Deltas == nil {
				resp.Deltas = make(map[string]AwaitDeltaUpdate)
			}
			resp.Deltas[handle] = AwaitDeltaUpdate{Deltas: fresh}
		}
	}
	return resp, nil
}
