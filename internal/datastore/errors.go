package datastore

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a datastore, table or record was absent
	// where an existence check was required.
	ErrNotFound = errors.New("datastore: not found")
	// ErrConflict indicates that the server rejected a commit because the
	// client's base revision was stale.
	ErrConflict = errors.New("datastore: commit conflict")
	// ErrPermissionDenied indicates a write attempted without a sufficient
	// role, or an edit on a read-only datastore.
	ErrPermissionDenied = errors.New("datastore: permission denied")
	// ErrProtocol indicates a malformed or self-contradictory server
	// response. Protocol errors are not recoverable locally.
	ErrProtocol = errors.New("datastore: protocol error")
	// ErrValidation indicates an invalid identifier, field name or value
	// supplied by the caller. Validation errors are raised before any local
	// state is mutated.
	ErrValidation = errors.New("datastore: validation error")
	// ErrDeletedRecord indicates an attempt to mutate a record that has been
	// deleted from its table.
	ErrDeletedRecord = errors.New("datastore: record is deleted")
	// ErrPendingChanges indicates that a snapshot or delta operation was
	// attempted while local changes are still staged.
	ErrPendingChanges = errors.New("datastore: pending changes staged")
	// ErrACLNotSupported indicates an access-control call on a private
	// datastore; roles exist only on shareable datastores.
	ErrACLNotSupported = errors.New("datastore: access control is only supported for shareable datastores")
	// ErrRetriesExhausted indicates that a transaction ran out of tries
	// without a successful commit.
	ErrRetriesExhausted = errors.New("datastore: transaction retries exhausted")
)

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func protocolf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
