package store

import "errors"

var (
	// ErrNotFound is returned when a row looked up by id or unique key does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an insert violates a uniqueness constraint.
	ErrConflict = errors.New("store: conflict")
)
