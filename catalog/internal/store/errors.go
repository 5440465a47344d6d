package store

import "errors"

var (
	// ErrNotFound is returned when no item matches the code.
	ErrNotFound = errors.New("store: item not found")

	// ErrKindConflict is returned when a write targets an existing code with
	// the other kind.
	ErrKindConflict = errors.New("store: code already stored with another kind")

	// ErrBackup wraps a failed pre-write snapshot. The write was not attempted.
	ErrBackup = errors.New("store: pre-write backup failed")
)
