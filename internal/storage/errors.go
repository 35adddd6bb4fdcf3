package storage

import "errors"

// Errors shared by every store implementation.
var (
	// ErrNotFound is returned when a requested asset, snapshot or key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when inserting an API key whose hash is already stored.
	// Assets never return it: they are upserted by external id.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when a batch or argument fails validation.
	// A batch rejected this way leaves the store unchanged.
	ErrInvalidInput = errors.New("invalid input")
)
