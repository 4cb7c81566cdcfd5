package models

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation references an unknown record id.
var ErrNotFound = errors.New("memory not found")

// NotFound wraps ErrNotFound with the offending id.
func NotFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}

// InitializationError means the durable medium could not be opened. It is fatal.
type InitializationError struct {
	Path string
	Err  error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize memory store at %s: %v", e.Path, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// StorageError is a write failure against the durable store. Nothing from the
// failed operation was committed, so callers may retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// Retryable is always true; the engine rolls back partial work.
func (e *StorageError) Retryable() bool { return true }

// CorruptDataError describes a stored blob that failed to deserialize. Readers
// log it and treat the field as absent.
type CorruptDataError struct {
	RecordID string
	Field    string
	Err      error
}

func (e *CorruptDataError) Error() string {
	return fmt.Sprintf("corrupt %s on record %s: %v", e.Field, e.RecordID, e.Err)
}

func (e *CorruptDataError) Unwrap() error { return e.Err }

// ValidationError rejects malformed input before anything is written.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsStorage reports whether err is (or wraps) a StorageError.
func IsStorage(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}
