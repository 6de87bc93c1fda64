package cache

import (
	"errors"
	"fmt"
)

// StorageError wraps a failure of the cache database.
type StorageError struct {
	Op        string
	Partition string
	Err       error
}

func (e *StorageError) Error() string {
	if e.Partition != "" {
		return fmt.Sprintf("cache %s %s: %v", e.Op, e.Partition, e.Err)
	}
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ErrEmptyPartition is returned when a partition name is empty.
var ErrEmptyPartition = errors.New("partition name is required")

func storageErr(op, partition string, err error) error {
	return &StorageError{Op: op, Partition: partition, Err: err}
}
