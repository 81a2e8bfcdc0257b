package datastore

// List is a live cursor over a list field, identified by (table, record,
// field). It holds no list state of its own: every access re-derives the
// current value from the store, so multiple cursors over the same field
// agree after either of them mutates. Using a cursor whose record was
// deleted, or whose field no longer holds a list, fails fast.
type List struct {
	table    *Table
	recordID string
	field    string
}

// Record returns the record this list belongs to.
func (l *List) Record() *Record {
	return &Record{table: l.table, id: l.recordID}
}

// Field returns the field name this list is bound to.
func (l *List) Field() string {
	return l.field
}

// current re-derives the list's value from the store, failing if the
// record was deleted or the field was overwritten with a non-list value.
func (l *List) current() (ListValue, error) {
	fields, exists := l.table.records[l.recordID]
	if !exists {
		return nil, ErrDeletedRecord
	}
	v, present := fields[l.field]
	if !present {
		return nil, validationf("field %q no longer exists", l.field)
	}
	list, isList := v.(ListValue)
	if !isList {
		return nil, validationf("field %q no longer holds a list", l.field)
	}
	return list, nil
}

// Len returns the number of items in the list.
func (l *List) Len() (int, error) {
	v, err := l.current()
	if err != nil {
		return 0, err
	}
	return len(v), nil
}

// Values returns a snapshot of the list's items.
func (l *List) Values() (ListValue, error) {
	v, err := l.current()
	if err != nil {
		return nil, err
	}
	out := make(ListValue, len(v))
	copy(out, v)
	return out, nil
}

// Get returns the item at index. Negative indices count from the end.
func (l *List) Get(index int) (Value, error) {
	v, err := l.current()
	if err != nil {
		return nil, err
	}
	resolved, err := resolveIndex(index, len(v))
	if err != nil {
		return nil, err
	}
	return v[resolved], nil
}

// Set replaces the item at index. Negative indices count from the end.
func (l *List) Set(index int, item Value) error {
	if err := checkAtom(l.field, item); err != nil {
		return err
	}
	v, err := l.current()
	if err != nil {
		return err
	}
	resolved, err := resolveIndex(index, len(v))
	if err != nil {
		return err
	}
	return l.update(replaceItem(v, resolved, item), listPutOp(resolved, item))
}

// Delete removes the item at index. Negative indices count from the end.
func (l *List) Delete(index int) error {
	v, err := l.current()
	if err != nil {
		return err
	}
	resolved, err := resolveIndex(index, len(v))
	if err != nil {
		return err
	}
	return l.update(deleteItem(v, resolved), listDeleteOp(resolved))
}

// Insert inserts an item at index; index may equal the list length to
// insert at the end.
func (l *List) Insert(index int, item Value) error {
	if err := checkAtom(l.field, item); err != nil {
		return err
	}
	v, err := l.current()
	if err != nil {
		return err
	}
	resolved := index
	if resolved < 0 {
		resolved += len(v)
	}
	if resolved < 0 || resolved > len(v) {
		return validationf("list insert index %d out of range for length %d", index, len(v))
	}
	return l.update(insertItem(v, resolved, item), listInsertOp(resolved, item))
}

// Append adds an item to the end of the list.
func (l *List) Append(item Value) error {
	if err := checkAtom(l.field, item); err != nil {
		return err
	}
	v, err := l.current()
	if err != nil {
		return err
	}
	return l.update(insertItem(v, len(v), item), listInsertOp(len(v), item))
}

// Extend appends each of the given items in order. Every item stages its
// own change.
func (l *List) Extend(items ...Value) error {
	for _, item := range items {
		if err := l.Append(item); err != nil {
			return err
		}
	}
	return nil
}

// Move relocates the item at index to newIndex, shifting the items in
// between. Negative indices count from the end.
func (l *List) Move(index, newIndex int) error {
	v, err := l.current()
	if err != nil {
		return err
	}
	resolved, err := resolveIndex(index, len(v))
	if err != nil {
		return err
	}
	resolvedNew, err := resolveIndex(newIndex, len(v))
	if err != nil {
		return err
	}
	return l.update(moveItem(v, resolved, resolvedNew), listMoveOp(resolved, resolvedNew))
}

// Pop removes and returns the item at index. Negative indices count from
// the end; use -1 for the last item.
func (l *List) Pop(index int) (Value, error) {
	item, err := l.Get(index)
	if err != nil {
		return nil, err
	}
	if err := l.Delete(index); err != nil {
		return nil, err
	}
	return item, nil
}

// Remove deletes the first item equal to the given value.
func (l *List) Remove(item Value) error {
	index, err := l.Index(item)
	if err != nil {
		return err
	}
	if index < 0 {
		return validationf("value not in list field %q", l.field)
	}
	return l.Delete(index)
}

// Index returns the index of the first item equal to the given value, or
// -1 if no item matches.
func (l *List) Index(item Value) (int, error) {
	v, err := l.current()
	if err != nil {
		return 0, err
	}
	for i, existing := range v {
		if atomEquals(existing, item) {
			return i, nil
		}
	}
	return -1, nil
}

// Contains reports whether any item equals the given value.
func (l *List) Contains(item Value) (bool, error) {
	index, err := l.Index(item)
	if err != nil {
		return false, err
	}
	return index >= 0, nil
}

// Reverse reverses the list in place via elementary item replacements.
func (l *List) Reverse() error {
	v, err := l.Values()
	if err != nil {
		return err
	}
	for i, j := 0, len(v)-1; i < j; i, j = i+1, j-1 {
		if err := l.Set(i, v[j]); err != nil {
			return err
		}
		if err := l.Set(j, v[i]); err != nil {
			return err
		}
	}
	return nil
}

// update stages a single-op update change capturing the pre-mutation list
// as undo, then applies the new list locally.
func (l *List) update(next ListValue, op FieldOp) error {
	if err := l.table.ds.checkEditPermission(); err != nil {
		return err
	}
	fields := l.table.records[l.recordID]
	old := fields[l.field]
	l.table.ds.addPendingChange(Change{
		Op:       OpUpdate,
		TableID:  l.table.id,
		RecordID: l.recordID,
		Ops:      map[string]FieldOp{l.field: op},
		undo:     Fields{l.field: old},
	})
	nextFields := copyFields(fields)
	nextFields[l.field] = next
	return l.table.updateRecordFields(l.recordID, nextFields, valueSize(next)-valueSize(old))
}

// resolveIndex maps a possibly negative index into [0, length), as
// ordinary sequence indexing does.
func resolveIndex(index, length int) (int, error) {
	resolved := index
	if resolved < 0 {
		resolved += length
	}
	if resolved < 0 || resolved >= length {
		return 0, validationf("list index %d out of range for length %d", index, length)
	}
	return resolved, nil
}
