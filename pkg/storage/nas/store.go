// Package nas provides the slow tier implementation over a mounted
// filesystem, typically an NFS or SMB mount.
package nas

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tierfs/tierfs/pkg/storage"
)

// Store is a filesystem-backed implementation of storage.NASStore.
//
// Whole-object writes are staged in a temporary file and renamed into place.
// Large files are assembled with Preallocate followed by concurrent WriteAt
// calls over disjoint regions, which keeps a single open file descriptor per
// chunk and avoids buffering whole files in memory.
type Store struct {
	mu       sync.RWMutex
	basePath string
	closed   bool
}

// Config holds configuration for the NAS store.
type Config struct {
	// BasePath is the NAS mount root (required).
	BasePath string

	// CreateDir creates the base directory if it doesn't exist.
	// Default: true
	CreateDir bool
}

// New creates a NAS store rooted at the configured mount path.
func New(cfg Config) (*Store, error) {
	if cfg.BasePath == "" {
		return nil, errors.New("base path is required")
	}

	if cfg.CreateDir {
		if err := os.MkdirAll(cfg.BasePath, 0755); err != nil {
			return nil, err
		}
	}

	info, err := os.Stat(cfg.BasePath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("base path is not a directory")
	}

	return &Store{basePath: cfg.BasePath}, nil
}

// NewWithPath creates a NAS store with default configuration.
func NewWithPath(basePath string) (*Store, error) {
	return New(Config{BasePath: basePath, CreateDir: true})
}

func (s *Store) objectPath(key string) string {
	return filepath.Join(s.basePath, filepath.FromSlash(key))
}

// Write streams r into the object at key via a temporary file and an atomic
// rename, so a crash mid-write never leaves a half-visible object.
func (s *Store) Write(ctx context.Context, key string, r io.Reader) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, storage.ErrStoreClosed
	}

	path := s.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, err
	}

	tmpPath := path + ".tierfs-tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, err
	}

	written, err := io.Copy(f, r)
	if err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return 0, err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	return written, nil
}

// Preallocate creates the object at key with the given size. Existing
// content at the key is truncated.
func (s *Store) Preallocate(ctx context.Context, key string, size int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	path := s.objectPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	return f.Truncate(size)
}

// WriteAt copies r into the object starting at offset. Callers writing
// disjoint regions may run concurrently.
func (s *Store) WriteAt(ctx context.Context, key string, offset int64, r io.Reader) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, storage.ErrStoreClosed
	}

	f, err := os.OpenFile(s.objectPath(key), os.O_WRONLY, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, storage.ErrObjectNotFound
		}
		return 0, err
	}
	defer f.Close()

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return 0, err
	}

	return io.Copy(f, r)
}

// Open returns a reader over the whole object.
func (s *Store) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	f, err := os.Open(s.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, err
	}
	return f, nil
}

type rangeReader struct {
	io.Reader
	f *os.File
}

func (r *rangeReader) Close() error {
	return r.f.Close()
}

// OpenRange returns a reader over length bytes starting at offset.
// A negative length reads to the end of the object.
func (s *Store) OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, storage.ErrStoreClosed
	}

	f, err := os.Open(s.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	if offset < 0 || offset >= info.Size() {
		f.Close()
		return nil, storage.ErrInvalidRange
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	if length < 0 || offset+length > info.Size() {
		length = info.Size() - offset
	}

	return &rangeReader{Reader: io.LimitReader(f, length), f: f}, nil
}

// Stat returns object metadata.
func (s *Store) Stat(ctx context.Context, key string) (storage.ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return storage.ObjectInfo{}, storage.ErrStoreClosed
	}

	info, err := os.Stat(s.objectPath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ObjectInfo{}, storage.ErrObjectNotFound
		}
		return storage.ObjectInfo{}, err
	}

	return storage.ObjectInfo{
		Key:     key,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

// Rename moves an object to a new key, creating parent directories as
// needed. The destination must not already exist.
func (s *Store) Rename(ctx context.Context, oldKey, newKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	oldPath := s.objectPath(oldKey)
	newPath := s.objectPath(newKey)

	if _, err := os.Stat(newPath); err == nil {
		return storage.ErrObjectExists
	}

	if err := os.MkdirAll(filepath.Dir(newPath), 0755); err != nil {
		return err
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrObjectNotFound
		}
		return err
	}

	s.cleanEmptyDirs(filepath.Dir(oldPath))
	return nil
}

// Delete removes the object. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	path := s.objectPath(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}

	s.cleanEmptyDirs(filepath.Dir(path))
	return nil
}

func (s *Store) cleanEmptyDirs(dir string) {
	for dir != s.basePath && strings.HasPrefix(dir, s.basePath) {
		if err := os.Remove(dir); err != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}

// HealthCheck verifies the mount is reachable and writable. A stale NFS
// handle or unmounted share fails here rather than mid-transfer.
func (s *Store) HealthCheck(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return storage.ErrStoreClosed
	}

	probe := filepath.Join(s.basePath, ".tierfs-health")
	if err := os.WriteFile(probe, []byte("ok"), 0644); err != nil {
		return err
	}
	return os.Remove(probe)
}

// Close marks the store as closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}

// BasePath returns the mount root (for testing).
func (s *Store) BasePath() string {
	return s.basePath
}

// Ensure Store implements storage.NASStore.
var _ storage.NASStore = (*Store)(nil)
