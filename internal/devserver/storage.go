package devserver

// DatastoreRow is the persisted descriptor of one datastore. Shareable
// (dot-prefixed) datastore IDs are content-addressed and globally unique;
// private IDs are unique per owner.
type DatastoreRow struct {
	RowID            int64  `gorm:"column:row_id;primaryKey;autoIncrement"`
	OwnerID          int64  `gorm:"column:owner_id;not null;uniqueIndex:idx_owner_dsid,priority:1"`
	DSID             string `gorm:"column:dsid;size:64;not null;uniqueIndex:idx_owner_dsid,priority:2;index"`
	Handle           string `gorm:"column:handle;size:64;not null;uniqueIndex"`
	AccessKey        string `gorm:"column:access_key;size:64"`
	Rev              int64  `gorm:"column:rev;not null;default:0"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName names the datastore descriptor table.
func (DatastoreRow) TableName() string {
	return "datastores"
}

// RecordRow is one materialized record of a datastore, kept current by
// folding accepted deltas. Data is the record's wire-form field map as
// JSON.
type RecordRow struct {
	RowID    int64  `gorm:"column:row_id;primaryKey;autoIncrement"`
	Handle   string `gorm:"column:handle;size:64;not null;uniqueIndex:idx_handle_record,priority:1"`
	TableID  string `gorm:"column:tid;size:64;not null;uniqueIndex:idx_handle_record,priority:2"`
	RecordID string `gorm:"column:record_id;size:64;not null;uniqueIndex:idx_handle_record,priority:3"`
	DataJSON string `gorm:"column:data_json;type:text;not null"`
}

// TableName names the materialized record table.
func (RecordRow) TableName() string {
	return "datastore_records"
}

// DeltaRow is one accepted delta in a datastore's log. The (handle, nonce)
// pair is unique so that a retried commit is answered idempotently instead
// of being applied twice.
type DeltaRow struct {
	RowID            int64  `gorm:"column:row_id;primaryKey;autoIncrement"`
	Handle           string `gorm:"column:handle;size:64;not null;index:idx_handle_rev,priority:1;uniqueIndex:idx_handle_nonce,priority:1"`
	Rev              int64  `gorm:"column:rev;not null;index:idx_handle_rev,priority:2"`
	ChangesJSON      string `gorm:"column:changes_json;type:text;not null"`
	Nonce            string `gorm:"column:nonce;size:64;not null;uniqueIndex:idx_handle_nonce,priority:2"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName names the delta log table.
func (DeltaRow) TableName() string {
	return "datastore_deltas"
}
