package datastore

import (
	"crypto/sha256"
	"regexp"

	"github.com/google/uuid"
)

var (
	// Private datastore IDs are 1-64 chars of lowercase alphanumerics plus
	// ". - _", with no leading or trailing dot. Shareable IDs are a dot
	// followed by 1-63 dbase64 characters.
	validDatastoreID = regexp.MustCompile(`^([a-z0-9_-]([a-z0-9._-]{0,62}[a-z0-9_-])?|\.[-_A-Za-z0-9]{1,63})$`)

	// Table IDs, record IDs and field names share one charset; a leading
	// colon marks the reserved namespace.
	validEntityID = regexp.MustCompile(`^([a-zA-Z0-9_\-/.+=]{1,64}|:[a-zA-Z0-9_\-/.+=]{1,63})$`)
)

// IsValidDatastoreID reports whether id is a valid private or shareable
// datastore ID.
func IsValidDatastoreID(id string) bool {
	return validDatastoreID.MatchString(id)
}

// IsValidShareableDatastoreID reports whether id is a valid shareable
// (dot-prefixed) datastore ID.
func IsValidShareableDatastoreID(id string) bool {
	return IsValidDatastoreID(id) && id[0] == '.'
}

// IsValidTableID reports whether id is a valid table ID.
func IsValidTableID(id string) bool {
	return validEntityID.MatchString(id)
}

// IsValidRecordID reports whether id is a valid record ID.
func IsValidRecordID(id string) bool {
	return validEntityID.MatchString(id)
}

// IsValidFieldName reports whether name is a valid field name.
func IsValidFieldName(name string) bool {
	return validEntityID.MatchString(name)
}

// ShareableIDForKey derives the shareable datastore ID for an access key:
// a dot followed by dbase64 of the SHA-256 of the encoded key. Servers use
// it to verify that a submitted (dsid, key) pair belongs together.
func ShareableIDForKey(key string) string {
	keyHash := sha256.Sum256([]byte(key))
	return "." + dbase64Encode(keyHash[:])
}

// generateShareableID produces a random (dsid, key) pair for a shareable
// datastore. The key is dbase64 of 32 random bytes.
func generateShareableID() (dsid, key string) {
	first := uuid.New()
	second := uuid.New()
	raw := append(first[:], second[:]...)
	key = dbase64Encode(raw)
	return ShareableIDForKey(key), key
}

// newNonce produces a client-generated idempotency nonce for commits.
func newNonce() string {
	id := uuid.New()
	return dbase64Encode(id[:])
}

// newRecordID assigns a fresh unique record ID for inserts that do not
// supply one.
func newRecordID() string {
	id := uuid.New()
	return dbase64Encode(id[:])
}
