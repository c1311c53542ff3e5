// Package storage defines the tier store ports shared by the cache and NAS
// backends. Implementations live in the fscache, s3cache and nas subpackages.
package storage

import (
	"context"
	"io"
	"time"
)

// ObjectInfo describes an object in a tier.
type ObjectInfo struct {
	// Key is the tier-local object key.
	Key string

	// Size is the object size in bytes.
	Size int64

	// ModTime is the last modification time, when the backend exposes one.
	ModTime time.Time
}

// CacheStore is the fast tier. Objects are immutable once written: a write
// either fully replaces the key or leaves it untouched.
type CacheStore interface {
	// Write streams r into the object at key, replacing any previous
	// content atomically. Returns the number of bytes written.
	Write(ctx context.Context, key string, r io.Reader) (int64, error)

	// Open returns a reader over the whole object.
	// Returns ErrObjectNotFound if the key does not exist.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// OpenRange returns a reader over length bytes starting at offset.
	// A negative length means "to the end of the object". Returns
	// ErrInvalidRange when offset is at or past the end.
	OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Stat returns object metadata, or ErrObjectNotFound.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteByPrefix removes every object whose key starts with prefix.
	DeleteByPrefix(ctx context.Context, prefix string) error

	// ListByPrefix returns the keys under prefix in lexical order.
	ListByPrefix(ctx context.Context, prefix string) ([]string, error)

	// Move renames an object within the tier.
	Move(ctx context.Context, oldKey, newKey string) error

	// HealthCheck verifies the backend is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// NASStore is the slow tier. In addition to whole-object streaming it
// supports preallocated positional writes so large files can be assembled
// from concurrently written chunks, and atomic renames for staged commits.
type NASStore interface {
	// Write streams r into the object at key via a temporary file and an
	// atomic rename. Returns the number of bytes written.
	Write(ctx context.Context, key string, r io.Reader) (int64, error)

	// Preallocate creates the object at key with the given size so that
	// concurrent WriteAt calls can fill disjoint regions.
	Preallocate(ctx context.Context, key string, size int64) error

	// WriteAt copies r into the object starting at offset. The region must
	// have been preallocated. Returns the number of bytes written.
	WriteAt(ctx context.Context, key string, offset int64, r io.Reader) (int64, error)

	// Open returns a reader over the whole object.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// OpenRange returns a reader over length bytes starting at offset.
	// A negative length means "to the end of the object".
	OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)

	// Stat returns object metadata, or ErrObjectNotFound.
	Stat(ctx context.Context, key string) (ObjectInfo, error)

	// Rename moves an object to a new key atomically, creating parent
	// directories as needed. Returns ErrObjectExists when the destination
	// is already taken.
	Rename(ctx context.Context, oldKey, newKey string) error

	// Delete removes the object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// HealthCheck verifies the mount is reachable and writable.
	HealthCheck(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
