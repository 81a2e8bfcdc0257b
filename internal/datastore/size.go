package datastore

// Size-accounting base constants and limits. These values are part of the
// server's quota contract and must match it exactly; they are not derived
// from any local formula.
const (
	// BaseDatastoreSize is the size in bytes of a datastore before
	// accounting for its records.
	BaseDatastoreSize = 1000
	// BaseDeltaSize is the size in bytes of a pending delta before
	// accounting for its changes.
	BaseDeltaSize = 100
	// BaseChangeSize is the size in bytes of a change before accounting for
	// the values it carries.
	BaseChangeSize = 100
	// BaseRecordSize is the size in bytes of a record before accounting for
	// its fields.
	BaseRecordSize = 100
	// BaseFieldSize is the size in bytes of a field before accounting for
	// its value payload.
	BaseFieldSize = 100
	// BaseListItemSize is the per-item overhead of a list value.
	BaseListItemSize = 20

	// DatastoreSizeLimit is the maximum size of a datastore in bytes.
	DatastoreSizeLimit = 10 * 1024 * 1024
	// PendingChangesSizeLimit is the maximum size of changes staged between
	// commits.
	PendingChangesSizeLimit = 2 * 1024 * 1024
	// RecordCountLimit is the maximum number of records in a datastore.
	RecordCountLimit = 100000
	// RecordSizeLimit is the maximum size of a record in bytes.
	RecordSizeLimit = 100 * 1024
)

// valueSize is the payload contribution of a value: byte length for strings
// and blobs, per-item overhead plus item payloads for lists, zero for the
// fixed-width atoms.
func valueSize(v Value) int64 {
	if v == nil {
		return 0
	}
	if list, isList := v.(ListValue); isList {
		total := int64(len(list)) * BaseListItemSize
		for _, item := range list {
			total += atomSize(item)
		}
		return total
	}
	return atomSize(v)
}

func atomSize(v Value) int64 {
	switch tv := v.(type) {
	case String:
		return int64(len(tv))
	case Blob:
		return int64(len(tv))
	default:
		return 0
	}
}

// fieldSize is the full cost of one present field. A missing field (nil)
// costs nothing.
func fieldSize(v Value) int64 {
	if v == nil {
		return 0
	}
	return BaseFieldSize + valueSize(v)
}

// recordSizeForFields computes the size of a record holding the given
// fields from scratch. The incremental bookkeeping must always agree with
// this.
func recordSizeForFields(fields Fields) int64 {
	total := int64(BaseRecordSize)
	for _, v := range fields {
		total += fieldSize(v)
	}
	return total
}
