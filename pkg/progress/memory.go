package progress

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory progress store for deployments without a
// progress path configured, and for tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	ttl     time.Duration
}

type memoryEntry struct {
	entry     Entry
	expiresAt time.Time
}

// NewMemoryStore creates a memory store whose entries expire after ttl.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
	}
}

// Set writes the entry, stamping UpdatedAt.
func (s *MemoryStore) Set(ctx context.Context, entry Entry) error {
	entry.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[entry.Key] = memoryEntry{
		entry:     entry,
		expiresAt: time.Now().Add(s.ttl),
	}
	return nil
}

// Get returns the entry for key, or ErrNotFound. Expired entries are
// dropped lazily on read.
func (s *MemoryStore) Get(ctx context.Context, key string) (Entry, error) {
	s.mu.RLock()
	stored, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok {
		return Entry{}, ErrNotFound
	}
	if time.Now().After(stored.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return Entry{}, ErrNotFound
	}

	return stored.entry, nil
}

// Delete removes the entry.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, key)
	return nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}

var _ Store = (*MemoryStore)(nil)
