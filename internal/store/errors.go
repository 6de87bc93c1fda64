package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by Get when no record has the requested id.
	ErrNotFound = errors.New("record not found")

	// ErrRecordExists is returned by Add when the id is already taken.
	ErrRecordExists = errors.New("record already exists")

	// ErrUnknownCollection is returned for collections no migration created.
	ErrUnknownCollection = errors.New("unknown collection")
)

// StorageError reports a failed store operation. The local database being
// unavailable, full, or corrupt all surface as StorageError; the store never
// retries on its own.
type StorageError struct {
	Op         string // Operation name, e.g. "put"
	Collection string // Collection or table, when known
	Err        error
}

func (e *StorageError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op, collection string, err error) error {
	return &StorageError{Op: op, Collection: collection, Err: err}
}

// IsNotFound reports whether err is a missing-record error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
