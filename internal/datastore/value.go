package datastore

import (
	"bytes"
	"math"
	"time"
	"unicode/utf8"
)

// Value is the closed set of field value types a record can hold. Only the
// atom types Bool, Int, Float, String, Timestamp and Blob, plus ListValue
// (an ordered sequence of atoms), implement it. A nil Value is never a
// storable value; absence of a field is expressed by the field not existing.
type Value interface {
	value()
}

// Bool is a boolean atom.
type Bool bool

func (Bool) value() {}

// Int is an integer atom. Integers travel on the wire as decimal strings so
// they survive JSON number truncation.
type Int int64

func (Int) value() {}

// Float is an IEEE double atom. Non-finite values have symbolic wire
// encodings since JSON has none.
type Float float64

func (Float) value() {}

// String is a UTF-8 text atom.
type String string

func (String) value() {}

// Timestamp is a milliseconds-since-epoch atom. Sub-millisecond precision
// is truncated on construction; this is the protocol's precision limit, not
// an accident.
type Timestamp struct {
	millis int64
}

func (Timestamp) value() {}

// NewTimestamp builds a Timestamp from a time.Time, truncating to
// millisecond resolution.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{millis: t.UnixMilli()}
}

// TimestampFromMillis builds a Timestamp from raw milliseconds since the
// epoch.
func TimestampFromMillis(ms int64) Timestamp {
	return Timestamp{millis: ms}
}

// UnixMillis returns the timestamp as milliseconds since the epoch.
func (t Timestamp) UnixMillis() int64 {
	return t.millis
}

// Time returns the timestamp as a time.Time in UTC.
func (t Timestamp) Time() time.Time {
	return time.UnixMilli(t.millis).UTC()
}

// Blob is an opaque byte-string atom.
type Blob []byte

func (Blob) value() {}

// NewBlob copies raw bytes into a Blob so later mutation of the argument
// cannot alias stored state.
func NewBlob(raw []byte) Blob {
	copied := make([]byte, len(raw))
	copy(copied, raw)
	return Blob(copied)
}

// ListValue is an ordered sequence of atoms. List values are replaced
// wholesale on each mutation, never edited in place, so change-log entries
// can capture exact before/after pairs.
type ListValue []Value

func (ListValue) value() {}

// Fields maps field names to values. A nil value passed to Record.Update
// means delete-this-field; a nil value in an insert is a validation error.
type Fields map[string]Value

// checkValue validates a field value at the call boundary, before any local
// state is touched.
func checkValue(fieldName string, v Value) error {
	if v == nil {
		return validationf("field %q: nil is not a storable value", fieldName)
	}
	switch tv := v.(type) {
	case ListValue:
		for i, item := range tv {
			if err := checkAtom(fieldName, item); err != nil {
				return err
			}
			if _, nested := item.(ListValue); nested {
				return validationf("field %q: list item %d: nested lists are not supported", fieldName, i)
			}
		}
		return nil
	default:
		return checkAtom(fieldName, v)
	}
}

func checkAtom(fieldName string, v Value) error {
	switch tv := v.(type) {
	case nil:
		return validationf("field %q: nil is not a storable value", fieldName)
	case Bool, Int, Float, Timestamp, Blob:
		return nil
	case String:
		if !utf8.ValidString(string(tv)) {
			return validationf("field %q: string is not valid UTF-8", fieldName)
		}
		return nil
	case ListValue:
		return validationf("field %q: a list is not a valid atom", fieldName)
	default:
		return validationf("field %q: type %T is not an acceptable value type", fieldName, v)
	}
}

// atomEquals reports equality between two atoms for query purposes.
// Integers and floats compare across types, but booleans never match
// numeric values even when numerically equal.
func atomEquals(a, b Value) bool {
	switch av := a.(type) {
	case Bool:
		bv, ok := b.(Bool)
		return ok && av == bv
	case Int:
		switch bv := b.(type) {
		case Int:
			return av == bv
		case Float:
			return float64(av) == float64(bv)
		}
		return false
	case Float:
		switch bv := b.(type) {
		case Float:
			return av == bv
		case Int:
			return float64(av) == float64(bv)
		}
		return false
	case String:
		bv, ok := b.(String)
		return ok && av == bv
	case Timestamp:
		bv, ok := b.(Timestamp)
		return ok && av.millis == bv.millis
	case Blob:
		bv, ok := b.(Blob)
		return ok && bytes.Equal(av, bv)
	}
	return false
}

// valueEquals extends atomEquals to list values, comparing element-wise.
func valueEquals(a, b Value) bool {
	al, aIsList := a.(ListValue)
	bl, bIsList := b.(ListValue)
	if aIsList != bIsList {
		return false
	}
	if !aIsList {
		return atomEquals(a, b)
	}
	if len(al) != len(bl) {
		return false
	}
	for i := range al {
		if !atomEquals(al[i], bl[i]) {
			return false
		}
	}
	return true
}

// copyFields makes a shallow copy of a field map. Values are immutable by
// construction, so sharing them is safe.
func copyFields(fields Fields) Fields {
	copied := make(Fields, len(fields))
	for name, v := range fields {
		copied[name] = v
	}
	return copied
}

func isFinite(f float64) bool {
	return !math.IsInf(f, 0) && !math.IsNaN(f)
}
