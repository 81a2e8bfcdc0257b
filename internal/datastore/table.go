package datastore

import "fmt"

// Table is a handle on one table of a datastore: a mapping from record IDs
// to field maps, with a parallel cache of per-record sizes. Obtain tables
// through Datastore.Table; handles with the same ID share state.
type Table struct {
	ds          *Datastore
	id          string
	records     map[string]Fields
	recordSizes map[string]int64
}

func newTable(ds *Datastore, tableID string) *Table {
	return &Table{
		ds:          ds,
		id:          tableID,
		records:     make(map[string]Fields),
		recordSizes: make(map[string]int64),
	}
}

// ID returns the table ID.
func (t *Table) ID() string {
	return t.id
}

// Datastore returns the datastore this table belongs to.
func (t *Table) Datastore() *Datastore {
	return t.ds
}

// Get returns the record with the given ID, or nil if no such record
// exists.
func (t *Table) Get(recordID string) (*Record, error) {
	if _, exists := t.records[recordID]; exists {
		return &Record{table: t, id: recordID}, nil
	}
	if !IsValidRecordID(recordID) {
		return nil, validationf("invalid record ID %q", recordID)
	}
	return nil, nil
}

// GetOrInsert returns the record with the given ID, inserting it with the
// supplied fields if it does not exist. When the record already exists the
// fields are ignored.
func (t *Table) GetOrInsert(recordID string, fields Fields) (*Record, error) {
	rec, err := t.Get(recordID)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}
	return t.insertWithID(recordID, fields)
}

// Insert adds a new record with a freshly assigned unique ID and returns
// it.
func (t *Table) Insert(fields Fields) (*Record, error) {
	return t.insertWithID(newRecordID(), fields)
}

func (t *Table) insertWithID(recordID string, fields Fields) (*Record, error) {
	if err := t.ds.checkEditPermission(); err != nil {
		return nil, err
	}
	checked := make(Fields, len(fields))
	var valuesSize int64
	for name, v := range fields {
		if !IsValidFieldName(name) {
			return nil, validationf("invalid field name %q", name)
		}
		if v == nil {
			return nil, validationf("field %q: cannot insert nil value", name)
		}
		if err := checkValue(name, v); err != nil {
			return nil, err
		}
		checked[name] = v
		valuesSize += fieldSize(v)
	}
	t.ds.addPendingChange(Change{Op: OpInsert, TableID: t.id, RecordID: recordID, Fields: copyFields(checked)})
	if err := t.updateRecordFields(recordID, checked, BaseRecordSize+valuesSize); err != nil {
		return nil, err
	}
	return &Record{table: t, id: recordID}, nil
}

// Query returns the records whose fields exactly match every supplied
// (field, value) pair. Called with an empty filter it returns all records.
// Integer and float values compare across types; booleans never match
// numeric values even when numerically equal.
func (t *Table) Query(filter Fields) ([]*Record, error) {
	checked := make(Fields, len(filter))
	for name, v := range filter {
		if !IsValidFieldName(name) {
			return nil, validationf("invalid field name %q", name)
		}
		if v == nil {
			return nil, validationf("field %q: cannot query for nil", name)
		}
		if err := checkValue(name, v); err != nil {
			return nil, err
		}
		checked[name] = v
	}
	var results []*Record
recordLoop:
	for recordID, fields := range t.records {
		for name, wanted := range checked {
			stored, present := fields[name]
			if !present || !valueEquals(stored, wanted) {
				continue recordLoop
			}
		}
		results = append(results, &Record{table: t, id: recordID})
	}
	return results, nil
}

// updateRecordFields installs the new field map for a record (or removes
// the record when fields is nil) and maintains the cached record size, the
// datastore size and the record count. The size invariants are this
// package's primary defense against accounting bugs; a violation means
// corrupted bookkeeping and is unrecoverable.
func (t *Table) updateRecordFields(recordID string, fields Fields, sizeDelta int64) error {
	currentSize := t.recordSize(recordID)
	isNewRecord := currentSize == 0
	currentSize += sizeDelta
	if currentSize < 0 {
		return protocolf("record size for %s/%s went negative (%d)", t.id, recordID, currentSize)
	}
	if t.ds.size+sizeDelta < BaseDatastoreSize {
		return protocolf("datastore size went below base (%d)", t.ds.size+sizeDelta)
	}
	if currentSize > 0 {
		t.recordSizes[recordID] = currentSize
		t.records[recordID] = fields
		if isNewRecord {
			t.ds.recordCount++
		}
	} else {
		delete(t.recordSizes, recordID)
		delete(t.records, recordID)
		t.ds.recordCount--
	}
	t.ds.size += sizeDelta
	return nil
}

// recordSize returns the cached size of a record; a record that does not
// exist has size zero.
func (t *Table) recordSize(recordID string) int64 {
	size, cached := t.recordSizes[recordID]
	if !cached {
		if _, exists := t.records[recordID]; exists {
			// A record can only enter the map through updateRecordFields,
			// which always caches its size.
			panic(fmt.Sprintf("datastore: record %s/%s exists without a cached size", t.id, recordID))
		}
		return 0
	}
	return size
}
