package storage

import "errors"

var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrImmutable is returned when a caller tries to rewrite an append-only record.
	ErrImmutable = errors.New("storage: record is immutable")
)
