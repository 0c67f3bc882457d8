package db

import "errors"

// Common errors returned by store operations.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, db.ErrNotFound) {
//	    // Record does not exist locally
//	}
var (
	// ErrTransactionRequired is returned when a mutation is attempted on a
	// transaction handle that is nil or has already committed or rolled back.
	ErrTransactionRequired = errors.New("mutation requires an open write transaction")

	// ErrNestedTransaction is returned when Update is called with the context
	// of a write transaction that is still running.
	ErrNestedTransaction = errors.New("nested write transactions are not supported")

	// ErrNotFound is returned when a lookup by id finds no record.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateID is returned when Create is given an id that already exists.
	ErrDuplicateID = errors.New("record id already exists")

	// ErrRecordDeleted is returned when updating a soft-deleted record.
	ErrRecordDeleted = errors.New("record is deleted")

	// ErrNotPurgeable is returned when purging a record whose tombstone has
	// not been acknowledged by the server.
	ErrNotPurgeable = errors.New("record is not an acknowledged tombstone")

	// ErrInvalidQuery is returned for conditions or orderings the store
	// cannot compile.
	ErrInvalidQuery = errors.New("invalid query")
)
