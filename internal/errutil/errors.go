package errutil

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// StorageError reports a local read or write failure.
type StorageError struct {
	Op  string
	Key string
	Err error
}

func (e *StorageError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// FetchError reports a remote download or upload failure.
type FetchError struct {
	Locator string
	Err     error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.Locator, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DispatchError reports a failed remote mutation.
type DispatchError struct {
	ActionID  string
	Domain    string
	Operation string
	Attempts  int
	Err       error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s %s/%s (attempt %d): %v", e.ActionID, e.Domain, e.Operation, e.Attempts, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// ValidationError reports a malformed record or request.
type ValidationError struct {
	Key    string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	msg := e.Reason
	if e.Key != "" {
		msg = fmt.Sprintf("%q: %s", e.Key, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("invalid %s: %v", msg, e.Err)
	}
	return "invalid " + msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

// CapacityError is returned when eviction could not free enough space for a write.
type CapacityError struct {
	Needed    int64
	Available int64
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("insufficient cache capacity: need %d bytes, %d available", e.Needed, e.Available)
}

// Storage wraps err in a StorageError unless it is nil or already one.
func Storage(op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Key: key, Err: err}
}
