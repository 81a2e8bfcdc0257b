package datastore

import (
	"errors"
	"testing"
)

func newListUnderTest(t *testing.T, items ...Value) (*Datastore, *List) {
	t.Helper()
	ds := newLocalDatastore()
	table := mustTable(t, ds, "t")
	rec := mustInsert(t, table, Fields{})
	list, err := rec.GetOrCreateList("items")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	if err := list.Extend(items...); err != nil {
		t.Fatalf("extend: %v", err)
	}
	return ds, list
}

func mustListValues(t *testing.T, list *List) ListValue {
	t.Helper()
	values, err := list.Values()
	if err != nil {
		t.Fatalf("values: %v", err)
	}
	return values
}

func TestListAppendAndGetWithNegativeIndex(t *testing.T) {
	_, list := newListUnderTest(t, String("a"), String("b"), String("c"))
	last, err := list.Get(-1)
	if err != nil {
		t.Fatalf("get -1: %v", err)
	}
	if !valueEquals(last, String("c")) {
		t.Fatalf("unexpected last item %#v", last)
	}
	if _, err := list.Get(3); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected out-of-range error, got %v", err)
	}
	if _, err := list.Get(-4); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected out-of-range error, got %v", err)
	}
}

func TestListSetAndDelete(t *testing.T) {
	_, list := newListUnderTest(t, Int(1), Int(2), Int(3))
	if err := list.Set(1, String("x")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := list.Delete(0); err != nil {
		t.Fatalf("delete: %v", err)
	}
	values := mustListValues(t, list)
	if !valueEquals(values, ListValue{String("x"), Int(3)}) {
		t.Fatalf("unexpected list %#v", values)
	}
}

func TestListInsertBoundsAreStrict(t *testing.T) {
	_, list := newListUnderTest(t, Int(1), Int(2))
	if err := list.Insert(2, Int(3)); err != nil {
		t.Fatalf("insert at end: %v", err)
	}
	if err := list.Insert(4, Int(9)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected out-of-range error, got %v", err)
	}
	values := mustListValues(t, list)
	if !valueEquals(values, ListValue{Int(1), Int(2), Int(3)}) {
		t.Fatalf("unexpected list %#v", values)
	}
}

func TestListRejectsListItems(t *testing.T) {
	_, list := newListUnderTest(t)
	if err := list.Append(ListValue{Int(1)}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for nested list, got %v", err)
	}
	if err := list.Append(nil); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error for nil item, got %v", err)
	}
}

func TestListMoveShiftsIntermediateItems(t *testing.T) {
	_, list := newListUnderTest(t, String("a"), String("b"), String("c"), String("d"))
	if err := list.Move(0, 2); err != nil {
		t.Fatalf("move: %v", err)
	}
	values := mustListValues(t, list)
	if !valueEquals(values, ListValue{String("b"), String("c"), String("a"), String("d")}) {
		t.Fatalf("unexpected list after move %#v", values)
	}
}

func TestListPopRemoveIndexContains(t *testing.T) {
	_, list := newListUnderTest(t, Int(10), Int(20), Int(30), Int(20))
	popped, err := list.Pop(-1)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if !valueEquals(popped, Int(20)) {
		t.Fatalf("unexpected popped item %#v", popped)
	}
	index, err := list.Index(Float(20))
	if err != nil || index != 1 {
		t.Fatalf("expected cross-type match at index 1, got %d (%v)", index, err)
	}
	if err := list.Remove(Int(20)); err != nil {
		t.Fatalf("remove: %v", err)
	}
	contains, err := list.Contains(Int(20))
	if err != nil || contains {
		t.Fatalf("expected 20 to be gone (%v)", err)
	}
	if err := list.Remove(Int(99)); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected error removing absent value, got %v", err)
	}
}

func TestListReverse(t *testing.T) {
	_, list := newListUnderTest(t, Int(1), Int(2), Int(3), Int(4))
	if err := list.Reverse(); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	values := mustListValues(t, list)
	if !valueEquals(values, ListValue{Int(4), Int(3), Int(2), Int(1)}) {
		t.Fatalf("unexpected list %#v", values)
	}
}

func TestListMutationsRollBackCompletely(t *testing.T) {
	ds, list := newListUnderTest(t, Int(1), Int(2), Int(3))
	if err := list.Set(0, Int(9)); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := list.Delete(1); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := list.Move(0, 1); err != nil {
		t.Fatalf("move: %v", err)
	}
	if err := ds.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if len(ds.changes) != 0 {
		t.Fatalf("expected empty change queue after rollback")
	}
	if ds.Size() != computedSize(ds) {
		t.Fatalf("size diverged after rollback: %d vs %d", ds.Size(), computedSize(ds))
	}
}

func TestListCursorFailsAfterRecordDeleted(t *testing.T) {
	ds := newLocalDatastore()
	table := mustTable(t, ds, "t")
	rec := mustInsert(t, table, Fields{})
	list, err := rec.GetOrCreateList("items")
	if err != nil {
		t.Fatalf("create list: %v", err)
	}
	if err := rec.DeleteRecord(); err != nil {
		t.Fatalf("delete record: %v", err)
	}
	if _, err := list.Len(); !errors.Is(err, ErrDeletedRecord) {
		t.Fatalf("expected deleted-record error, got %v", err)
	}
}
