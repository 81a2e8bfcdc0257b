package datastore

// Change op codes as used on the wire.
type ChangeOp string

const (
	// OpInsert inserts a record with an initial field map.
	OpInsert ChangeOp = "I"
	// OpUpdate applies one field op per named field of a record.
	OpUpdate ChangeOp = "U"
	// OpDelete removes a record and all its fields.
	OpDelete ChangeOp = "D"
)

// FieldOpKind enumerates the per-field mutation kinds of an update change.
type FieldOpKind string

const (
	// FieldPut sets a scalar or list field to a value.
	FieldPut FieldOpKind = "P"
	// FieldDelete removes a field.
	FieldDelete FieldOpKind = "D"
	// ListCreate sets a field to a fresh empty list.
	ListCreate FieldOpKind = "LC"
	// ListPut replaces the list item at an index.
	ListPut FieldOpKind = "LP"
	// ListInsert inserts a list item at an index.
	ListInsert FieldOpKind = "LI"
	// ListDelete removes the list item at an index.
	ListDelete FieldOpKind = "LD"
	// ListMove moves the list item at Index to NewIndex.
	ListMove FieldOpKind = "LM"
)

// FieldOp is a single per-field operation inside an update change.
// Index and NewIndex are only meaningful for the list kinds; Value is only
// meaningful for FieldPut, ListPut and ListInsert.
type FieldOp struct {
	Kind     FieldOpKind
	Index    int
	NewIndex int
	Value    Value
}

func putOp(v Value) FieldOp               { return FieldOp{Kind: FieldPut, Value: v} }
func deleteOp() FieldOp                   { return FieldOp{Kind: FieldDelete} }
func listCreateOp() FieldOp               { return FieldOp{Kind: ListCreate} }
func listPutOp(i int, v Value) FieldOp    { return FieldOp{Kind: ListPut, Index: i, Value: v} }
func listInsertOp(i int, v Value) FieldOp { return FieldOp{Kind: ListInsert, Index: i, Value: v} }
func listDeleteOp(i int) FieldOp          { return FieldOp{Kind: ListDelete, Index: i} }
func listMoveOp(i, j int) FieldOp         { return FieldOp{Kind: ListMove, Index: i, NewIndex: j} }

// opValue returns the value payload carried by a field op, or nil for the
// kinds that carry none. Used for change sizing.
func (op FieldOp) opValue() Value {
	switch op.Kind {
	case FieldPut, ListPut, ListInsert:
		return op.Value
	default:
		return nil
	}
}

func (op FieldOp) isListOp() bool {
	switch op.Kind {
	case ListCreate, ListPut, ListInsert, ListDelete, ListMove:
		return true
	default:
		return false
	}
}

// Change is one staged mutation: an insert, an update, or a delete of a
// record. The undo map is local-only (never transmitted) and carries just
// enough prior state to compute the exact inverse.
type Change struct {
	Op       ChangeOp
	TableID  string
	RecordID string
	// Fields is the inserted field map for OpInsert changes.
	Fields Fields
	// Ops maps field names to their operation for OpUpdate changes.
	Ops map[string]FieldOp
	// undo holds the pre-change value of each touched field (OpUpdate) or
	// the full deleted field map (OpDelete).
	undo Fields
}

// size is the change's contribution to pending-delta accounting. Delete
// changes contribute no field cost; the server already accounts the
// deleted record.
func (c Change) size() int64 {
	total := int64(BaseChangeSize)
	switch c.Op {
	case OpInsert:
		for _, v := range c.Fields {
			total += BaseFieldSize + valueSize(v)
		}
	case OpUpdate:
		for _, op := range c.Ops {
			total += BaseFieldSize
			if v := op.opValue(); v != nil {
				total += valueSize(v)
			}
		}
	}
	return total
}

// invert produces the change that exactly reverses this one, using the
// undo state captured when the change was staged.
func (c Change) invert() (Change, error) {
	switch c.Op {
	case OpInsert:
		return Change{Op: OpDelete, TableID: c.TableID, RecordID: c.RecordID, undo: copyFields(c.Fields)}, nil
	case OpDelete:
		return Change{Op: OpInsert, TableID: c.TableID, RecordID: c.RecordID, Fields: copyFields(c.undo)}, nil
	case OpUpdate:
		inverted := make(map[string]FieldOp, len(c.Ops))
		undo := make(Fields, len(c.Ops))
		for name, op := range c.Ops {
			invOp, after, err := invertFieldOp(name, op, c.undo[name])
			if err != nil {
				return Change{}, err
			}
			inverted[name] = invOp
			if after != nil {
				undo[name] = after
			}
		}
		return Change{Op: OpUpdate, TableID: c.TableID, RecordID: c.RecordID, Ops: inverted, undo: undo}, nil
	default:
		return Change{}, protocolf("cannot invert change op %q", c.Op)
	}
}

// invertFieldOp computes the inverse of one field op given the field's
// pre-op value. It also returns the post-op value, which becomes the undo
// state of the inverted op so that double inversion round-trips.
func invertFieldOp(name string, op FieldOp, before Value) (FieldOp, Value, error) {
	if !op.isListOp() {
		switch op.Kind {
		case FieldPut:
			if before == nil {
				return deleteOp(), op.Value, nil
			}
			return putOp(before), op.Value, nil
		case FieldDelete:
			return putOp(before), nil, nil
		default:
			return FieldOp{}, nil, protocolf("field %q: unknown op kind %q", name, op.Kind)
		}
	}

	if op.Kind == ListCreate {
		// A created list's start state is "field absent".
		return deleteOp(), ListValue{}, nil
	}

	beforeList, isList := before.(ListValue)
	if !isList {
		return FieldOp{}, nil, protocolf("field %q: list op %q without prior list state", name, op.Kind)
	}
	index := op.Index
	switch op.Kind {
	case ListPut:
		if index < 0 || index >= len(beforeList) {
			return FieldOp{}, nil, protocolf("field %q: list put index %d out of range", name, index)
		}
		after := replaceItem(beforeList, index, op.Value)
		return listPutOp(index, beforeList[index]), after, nil
	case ListInsert:
		if index < 0 || index > len(beforeList) {
			return FieldOp{}, nil, protocolf("field %q: list insert index %d out of range", name, index)
		}
		after := insertItem(beforeList, index, op.Value)
		return listDeleteOp(index), after, nil
	case ListDelete:
		if index < 0 || index >= len(beforeList) {
			return FieldOp{}, nil, protocolf("field %q: list delete index %d out of range", name, index)
		}
		after := deleteItem(beforeList, index)
		return listInsertOp(index, beforeList[index]), after, nil
	case ListMove:
		newIndex := op.NewIndex
		if index < 0 || index >= len(beforeList) || newIndex < 0 || newIndex >= len(beforeList) {
			return FieldOp{}, nil, protocolf("field %q: list move %d -> %d out of range", name, index, newIndex)
		}
		after := moveItem(beforeList, index, newIndex)
		return listMoveOp(newIndex, index), after, nil
	default:
		return FieldOp{}, nil, protocolf("field %q: unknown list op kind %q", name, op.Kind)
	}
}

// applyFieldListOp applies a list op to the field's current value and
// returns the resulting list. Out-of-range indexes here mean the server
// sent a change inconsistent with local state.
func applyFieldListOp(old Value, op FieldOp) (ListValue, error) {
	if op.Kind == ListCreate {
		if old != nil {
			if existing, isList := old.(ListValue); !isList || len(existing) != 0 {
				return nil, protocolf("list create over existing non-empty field")
			}
		}
		return ListValue{}, nil
	}
	oldList, isList := old.(ListValue)
	if !isList {
		return nil, protocolf("list op %q on non-list field", op.Kind)
	}
	switch op.Kind {
	case ListPut:
		if op.Index < 0 || op.Index >= len(oldList) {
			return nil, protocolf("list put index %d out of range", op.Index)
		}
		return replaceItem(oldList, op.Index, op.Value), nil
	case ListInsert:
		if op.Index < 0 || op.Index > len(oldList) {
			return nil, protocolf("list insert index %d out of range", op.Index)
		}
		return insertItem(oldList, op.Index, op.Value), nil
	case ListDelete:
		if op.Index < 0 || op.Index >= len(oldList) {
			return nil, protocolf("list delete index %d out of range", op.Index)
		}
		return deleteItem(oldList, op.Index), nil
	case ListMove:
		if op.Index < 0 || op.Index >= len(oldList) || op.NewIndex < 0 || op.NewIndex >= len(oldList) {
			return nil, protocolf("list move %d -> %d out of range", op.Index, op.NewIndex)
		}
		return moveItem(oldList, op.Index, op.NewIndex), nil
	default:
		return nil, protocolf("unknown list op kind %q", op.Kind)
	}
}

// The list editing helpers always build a fresh slice; stored list values
// are never mutated in place.

func replaceItem(list ListValue, index int, v Value) ListValue {
	out := make(ListValue, len(list))
	copy(out, list)
	out[index] = v
	return out
}

func insertItem(list ListValue, index int, v Value) ListValue {
	out := make(ListValue, 0, len(list)+1)
	out = append(out, list[:index]...)
	out = append(out, v)
	out = append(out, list[index:]...)
	return out
}

func deleteItem(list ListValue, index int) ListValue {
	out := make(ListValue, 0, len(list)-1)
	out = append(out, list[:index]...)
	out = append(out, list[index+1:]...)
	return out
}

// moveItem removes the item at index and re-inserts it at newIndex.
func moveItem(list ListValue, index, newIndex int) ListValue {
	out := make(ListValue, 0, len(list))
	if index <= newIndex {
		out = append(out, list[:index]...)
		out = append(out, list[index+1:newIndex+1]...)
		out = append(out, list[index])
		out = append(out, list[newIndex+1:]...)
	} else {
		out = append(out, list[:newIndex]...)
		out = append(out, list[index])
		out = append(out, list[newIndex:index]...)
		out = append(out, list[index+1:]...)
	}
	return out
}

// encodeChange produces the wire array form of a change. Undo state is
// local-only and never serialized.
func encodeChange(c Change) []any {
	switch c.Op {
	case OpInsert:
		return []any{string(OpInsert), c.TableID, c.RecordID, encodeFields(c.Fields)}
	case OpUpdate:
		ops := make(map[string]any, len(c.Ops))
		for name, op := range c.Ops {
			ops[name] = encodeFieldOp(op)
		}
		return []any{string(OpUpdate), c.TableID, c.RecordID, ops}
	default:
		return []any{string(OpDelete), c.TableID, c.RecordID}
	}
}

func encodeFieldOp(op FieldOp) []any {
	switch op.Kind {
	case FieldPut:
		return []any{string(FieldPut), encodeValue(op.Value)}
	case ListPut, ListInsert:
		return []any{string(op.Kind), op.Index, encodeValue(op.Value)}
	case ListDelete:
		return []any{string(ListDelete), op.Index}
	case ListMove:
		return []any{string(ListMove), op.Index, op.NewIndex}
	default:
		return []any{string(op.Kind)}
	}
}

// decodeChange parses the wire array form of a change received from the
// server.
func decodeChange(raw []any) (Change, error) {
	if len(raw) < 3 {
		return Change{}, protocolf("change array too short (%d elements)", len(raw))
	}
	opStr, okOp := raw[0].(string)
	tableID, okTable := raw[1].(string)
	recordID, okRecord := raw[2].(string)
	if !okOp || !okTable || !okRecord {
		return Change{}, protocolf("malformed change header %v", raw[:3])
	}
	switch ChangeOp(opStr) {
	case OpInsert:
		if len(raw) != 4 {
			return Change{}, protocolf("insert change must have 4 elements, got %d", len(raw))
		}
		rawFields, isMap := raw[3].(map[string]any)
		if !isMap {
			return Change{}, protocolf("insert change data must be a map, got %T", raw[3])
		}
		fields, err := decodeFields(rawFields)
		if err != nil {
			return Change{}, err
		}
		return Change{Op: OpInsert, TableID: tableID, RecordID: recordID, Fields: fields}, nil
	case OpUpdate:
		if len(raw) != 4 {
			return Change{}, protocolf("update change must have 4 elements, got %d", len(raw))
		}
		rawOps, isMap := raw[3].(map[string]any)
		if !isMap {
			return Change{}, protocolf("update change data must be a map, got %T", raw[3])
		}
		ops := make(map[string]FieldOp, len(rawOps))
		for name, rawOp := range rawOps {
			op, err := decodeFieldOp(rawOp)
			if err != nil {
				return Change{}, err
			}
			ops[name] = op
		}
		return Change{Op: OpUpdate, TableID: tableID, RecordID: recordID, Ops: ops}, nil
	case OpDelete:
		if len(raw) != 3 {
			return Change{}, protocolf("delete change must have 3 elements, got %d", len(raw))
		}
		return Change{Op: OpDelete, TableID: tableID, RecordID: recordID}, nil
	default:
		return Change{}, protocolf("unknown change op %q", opStr)
	}
}

func decodeFieldOp(raw any) (FieldOp, error) {
	arr, isArray := raw.([]any)
	if !isArray || len(arr) == 0 {
		return FieldOp{}, protocolf("field op must be a non-empty array, got %T", raw)
	}
	kindStr, isString := arr[0].(string)
	if !isString {
		return FieldOp{}, protocolf("field op kind must be a string, got %T", arr[0])
	}
	kind := FieldOpKind(kindStr)
	switch kind {
	case FieldPut:
		if len(arr) != 2 {
			return FieldOp{}, protocolf("put op must have 2 elements, got %d", len(arr))
		}
		v, err := decodeValue(arr[1])
		if err != nil {
			return FieldOp{}, err
		}
		return putOp(v), nil
	case FieldDelete, ListCreate:
		if len(arr) != 1 {
			return FieldOp{}, protocolf("%s op must have 1 element, got %d", kind, len(arr))
		}
		return FieldOp{Kind: kind}, nil
	case ListPut, ListInsert:
		if len(arr) != 3 {
			return FieldOp{}, protocolf("%s op must have 3 elements, got %d", kind, len(arr))
		}
		index, err := decodeWireIndex(arr[1])
		if err != nil {
			return FieldOp{}, err
		}
		v, err := decodeValue(arr[2])
		if err != nil {
			return FieldOp{}, err
		}
		return FieldOp{Kind: kind, Index: index, Value: v}, nil
	case ListDelete:
		if len(arr) != 2 {
			return FieldOp{}, protocolf("list delete op must have 2 elements, got %d", len(arr))
		}
		index, err := decodeWireIndex(arr[1])
		if err != nil {
			return FieldOp{}, err
		}
		return listDeleteOp(index), nil
	case ListMove:
		if len(arr) != 3 {
			return FieldOp{}, protocolf("list move op must have 3 elements, got %d", len(arr))
		}
		index, err := decodeWireIndex(arr[1])
		if err != nil {
			return FieldOp{}, err
		}
		newIndex, err := decodeWireIndex(arr[2])
		if err != nil {
			return FieldOp{}, err
		}
		return listMoveOp(index, newIndex), nil
	default:
		return FieldOp{}, protocolf("unknown field op kind %q", kindStr)
	}
}

func decodeWireIndex(raw any) (int, error) {
	switch n := raw.(type) {
	case float64:
		if n != float64(int(n)) {
			return 0, protocolf("list index must be an integer, got %v", n)
		}
		return int(n), nil
	case int:
		// Locally built change arrays carry native ints.
		return n, nil
	default:
		return 0, protocolf("list index must be an integer, got %T", raw)
	}
}
