package storage

import "errors"

// Sentinel errors returned by tier store implementations.
var (
	// ErrObjectNotFound indicates the key does not exist in the tier.
	ErrObjectNotFound = errors.New("object not found in tier")

	// ErrInvalidRange indicates the requested byte range starts at or past
	// the end of the object.
	ErrInvalidRange = errors.New("invalid byte range")

	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("store is closed")

	// ErrObjectExists indicates the destination key of a move already exists.
	ErrObjectExists = errors.New("object already exists in tier")
)
