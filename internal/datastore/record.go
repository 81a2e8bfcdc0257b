package datastore

// Record is a handle on one record of a table. Two handles are equivalent
// when they name the same table and record ID; the handle itself holds no
// field state and always reads through to the table.
type Record struct {
	table *Table
	id    string
}

// ID returns the record ID.
func (r *Record) ID() string {
	return r.id
}

// Table returns the table this record belongs to.
func (r *Record) Table() *Table {
	return r.table
}

// Size returns the record's size in bytes: the base record size plus the
// size of all fields. A deleted record has size zero.
func (r *Record) Size() int64 {
	return r.table.recordSize(r.id)
}

// Get returns the value of a field, or nil if the record or the field does
// not exist. List fields are returned as their current ListValue snapshot;
// use List for a live, mutable view.
func (r *Record) Get(field string) (Value, error) {
	fields, exists := r.table.records[r.id]
	if exists {
		if v, present := fields[field]; present {
			return v, nil
		}
	}
	if !IsValidFieldName(field) {
		return nil, validationf("invalid field name %q", field)
	}
	return nil, nil
}

// Has reports whether the record has the given field.
func (r *Record) Has(field string) (bool, error) {
	fields, exists := r.table.records[r.id]
	if exists {
		if _, present := fields[field]; present {
			return true, nil
		}
	}
	if !IsValidFieldName(field) {
		return false, validationf("invalid field name %q", field)
	}
	return false, nil
}

// IsDeleted reports whether the record has been deleted from its table.
func (r *Record) IsDeleted() bool {
	_, exists := r.table.records[r.id]
	return !exists
}

// Fields returns a copy of the record's field map. Mutating the returned
// map does not affect the record.
func (r *Record) Fields() Fields {
	fields, exists := r.table.records[r.id]
	if !exists {
		return Fields{}
	}
	return copyFields(fields)
}

// Set sets one field. A nil value deletes the field.
func (r *Record) Set(field string, v Value) error {
	return r.Update(Fields{field: v})
}

// DeleteField removes one field. Deleting an absent field is a no-op.
func (r *Record) DeleteField(field string) error {
	return r.Update(Fields{field: nil})
}

// Update sets multiple fields atomically: all supplied fields are staged
// as a single change. A nil value deletes the corresponding field.
// Updating a deleted record fails.
func (r *Record) Update(updates Fields) error {
	if err := r.table.ds.checkEditPermission(); err != nil {
		return err
	}
	current, exists := r.table.records[r.id]
	if !exists {
		return ErrDeletedRecord
	}
	next := copyFields(current)
	ops := make(map[string]FieldOp, len(updates))
	undo := make(Fields, len(updates))
	var oldSize, newSize int64
	for field, v := range updates {
		if !IsValidFieldName(field) {
			return validationf("invalid field name %q", field)
		}
		if v == nil {
			old, present := next[field]
			if !present {
				// Deleting a field that does not exist is a no-op.
				continue
			}
			undo[field] = old
			oldSize += fieldSize(old)
			delete(next, field)
			ops[field] = deleteOp()
			continue
		}
		if err := checkValue(field, v); err != nil {
			return err
		}
		if old, present := next[field]; present {
			undo[field] = old
			oldSize += fieldSize(old)
		}
		next[field] = v
		newSize += fieldSize(v)
		ops[field] = putOp(v)
	}
	if len(ops) == 0 {
		return nil
	}
	r.table.ds.addPendingChange(Change{
		Op:       OpUpdate,
		TableID:  r.table.id,
		RecordID: r.id,
		Ops:      ops,
		undo:     undo,
	})
	return r.table.updateRecordFields(r.id, next, newSize-oldSize)
}

// DeleteRecord removes the record and all its fields from the table. A
// second call on an already deleted record is a no-op.
func (r *Record) DeleteRecord() error {
	if err := r.table.ds.checkEditPermission(); err != nil {
		return err
	}
	fields, exists := r.table.records[r.id]
	if !exists {
		return nil
	}
	r.table.ds.addPendingChange(Change{
		Op:       OpDelete,
		TableID:  r.table.id,
		RecordID: r.id,
		undo:     copyFields(fields),
	})
	return r.table.updateRecordFields(r.id, nil, -r.Size())
}

// List returns a live view of a list field. The field must exist and hold
// a list value.
func (r *Record) List(field string) (*List, error) {
	list := &List{table: r.table, recordID: r.id, field: field}
	if _, err := list.current(); err != nil {
		return nil, err
	}
	return list, nil
}

// GetOrCreateList returns a live view of a list field, setting the field
// to an empty list first if it does not exist. An existing field holding a
// non-list value is an error.
func (r *Record) GetOrCreateList(field string) (*List, error) {
	fields, exists := r.table.records[r.id]
	if !exists {
		return nil, ErrDeletedRecord
	}
	if v, present := fields[field]; present {
		if _, isList := v.(ListValue); isList {
			return &List{table: r.table, recordID: r.id, field: field}, nil
		}
		return nil, validationf("field %q already exists but is not a list", field)
	}
	if !IsValidFieldName(field) {
		return nil, validationf("invalid field name %q", field)
	}
	if err := r.table.ds.checkEditPermission(); err != nil {
		return nil, err
	}
	r.table.ds.addPendingChange(Change{
		Op:       OpUpdate,
		TableID:  r.table.id,
		RecordID: r.id,
		Ops:      map[string]FieldOp{field: listCreateOp()},
		undo:     Fields{field: nil},
	})
	next := copyFields(fields)
	next[field] = ListValue{}
	if err := r.table.updateRecordFields(r.id, next, BaseFieldSize); err != nil {
		return nil, err
	}
	return &List{table: r.table, recordID: r.id, field: field}, nil
}
