package table

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is returned when a key was never stored or its latest
	// version is a tombstone.
	ErrKeyNotFound = errors.New("key not found")

	// ErrStorage matches every *StorageError.
	ErrStorage = errors.New("storage error")

	// ErrFatal matches errors after which the table must not be used again.
	ErrFatal = errors.New("fatal table error")

	errNotDirectory = errors.New("not a directory")
	errShortRead    = errors.New("read length does not match file size")
)

// StorageError reports a failed filesystem operation.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s %s: storage error", e.Op, e.Path)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap makes a StorageError match both ErrStorage and its cause.
func (e *StorageError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStorage}
	}
	return []error{ErrStorage, e.Err}
}

// VersionOverflowError is returned when a key has used every version number.
// Wrapping around would let an old version win again, so this is fatal.
type VersionOverflowError struct {
	Key uint64
}

func (e *VersionOverflowError) Error() string {
	return fmt.Sprintf("version counter exhausted for key %d", e.Key)
}

func (e *VersionOverflowError) Unwrap() error { return ErrFatal }

// Status is the wire form of a table result.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusKeyNotFound
	StatusStorageError
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusKeyNotFound:
		return "key not found"
	case StatusStorageError:
		return "storage error"
	case StatusFatal:
		return "fatal"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// StatusOf maps an error returned by a table operation to its Status.
// Errors outside the table taxonomy are reported as storage errors.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrKeyNotFound):
		return StatusKeyNotFound
	case errors.Is(err, ErrFatal):
		return StatusFatal
	default:
		return StatusStorageError
	}
}

// ErrorFor rebuilds an error from a Status and the message that accompanied
// it, so that errors.Is keeps working on the far side of a connection.
func ErrorFor(s Status, msg string) error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusKeyNotFound:
		return ErrKeyNotFound
	case StatusFatal:
		return fmt.Errorf("%w: %s", ErrFatal, msg)
	default:
		return &StorageError{Op: "remote", Err: errors.New(msg)}
	}
}
