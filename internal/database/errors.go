// ABOUTME: Error taxonomy for the realm database
// ABOUTME: Sentinel errors wrapped with context via fmt.Errorf and matched with errors.Is

package database

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig is returned when a realm store cannot be opened because of a
	// bad storage path, missing permissions, or an invalid configuration.
	ErrConfig = errors.New("database configuration error")

	// ErrSchema is returned when a type is used that was never registered, or
	// when a model declaration is itself invalid.
	ErrSchema = errors.New("schema error")

	// ErrUnknownKey is returned when a condition names a secondary key the
	// model does not declare.
	ErrUnknownKey = fmt.Errorf("%w: unknown secondary key", ErrSchema)

	// ErrNotFound is returned when a selector matches nothing and the model
	// has no default constructor.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write races with another writer, for
	// example an update against a row that was deleted out of band.
	ErrConflict = errors.New("write conflict")

	// ErrAlreadyExists is returned by Insert when the primary key is taken.
	ErrAlreadyExists = fmt.Errorf("%w: primary key already exists", ErrConflict)

	// ErrValidation is returned when a row fails its model's invariants.
	ErrValidation = errors.New("validation failed")

	// ErrIO is returned for storage failures. These are usually transient.
	ErrIO = errors.New("storage i/o error")

	// ErrEncoding is returned when a row cannot be serialized or decoded.
	ErrEncoding = errors.New("encoding error")

	// ErrClosed is returned when a realm or layer is used after Close.
	ErrClosed = errors.New("database closed")

	// ErrReadOnly is returned when a write is attempted in a read transaction.
	ErrReadOnly = errors.New("read-only transaction")
)

// IsRetryable reports whether err is worth retrying with backoff. Primary key
// collisions are conflicts too, but retrying them cannot succeed.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrAlreadyExists) {
		return false
	}
	return errors.Is(err, ErrIO) || errors.Is(err, ErrConflict)
}
