// Package lock provides per-file lease locks for the sync and restore
// workers. A lease pins exclusive access to a file's NAS state for its TTL
// and is renewed in the background while the holder works, so a crashed
// holder frees the file after at most one TTL.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tierfs/tierfs/internal/logger"
)

// ErrLockHeld indicates the key is leased by another holder.
var ErrLockHeld = errors.New("lock is held by another holder")

// ErrLeaseLost indicates the lease expired or was released before the call.
var ErrLeaseLost = errors.New("lease is no longer held")

// Config tunes the lease manager.
type Config struct {
	// TTL is the lease duration. Default: 5m
	TTL time.Duration

	// RenewInterval is how often held leases are renewed.
	// Default: TTL / 3
	RenewInterval time.Duration
}

type leaseEntry struct {
	holderID  string
	expiresAt time.Time
}

// Manager hands out per-key leases. All state is in memory; in a single
// writer deployment this is sufficient because every sync worker shares the
// process. The TTL recovers keys abandoned by panicked goroutines.
type Manager struct {
	mu     sync.Mutex
	leases map[string]*leaseEntry

	ttl           time.Duration
	renewInterval time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates a lease manager and starts its expiry sweep.
func NewManager(cfg Config) *Manager {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.RenewInterval <= 0 {
		cfg.RenewInterval = cfg.TTL / 3
	}

	m := &Manager{
		leases:        make(map[string]*leaseEntry),
		ttl:           cfg.TTL,
		renewInterval: cfg.RenewInterval,
		stopCh:        make(chan struct{}),
	}

	go m.sweepLoop()
	return m
}

// sweepLoop drops expired leases so the map does not grow unbounded.
func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(m.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			m.mu.Lock()
			for key, entry := range m.leases {
				if now.After(entry.expiresAt) {
					logger.Warn("dropping expired lease", logger.KeyFileID, key)
					delete(m.leases, key)
				}
			}
			m.mu.Unlock()
		}
	}
}

// TryAcquire attempts to lease the key without blocking.
// Returns ErrLockHeld when another holder has an unexpired lease.
func (m *Manager) TryAcquire(key string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if entry, ok := m.leases[key]; ok && now.Before(entry.expiresAt) {
		return nil, ErrLockHeld
	}

	holderID := uuid.NewString()
	m.leases[key] = &leaseEntry{
		holderID:  holderID,
		expiresAt: now.Add(m.ttl),
	}

	lease := &Lease{
		manager:  m,
		key:      key,
		holderID: holderID,
		done:     make(chan struct{}),
	}
	go lease.renewLoop(m.renewInterval)

	return lease, nil
}

// Acquire leases the key, polling until it is free or ctx is done.
func (m *Manager) Acquire(ctx context.Context, key string) (*Lease, error) {
	const pollInterval = 100 * time.Millisecond

	for {
		lease, err := m.TryAcquire(key)
		if err == nil {
			return lease, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// renew extends the lease if still held by holderID.
func (m *Manager) renew(key, holderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.leases[key]
	if !ok || entry.holderID != holderID {
		return ErrLeaseLost
	}

	entry.expiresAt = time.Now().Add(m.ttl)
	return nil
}

// release frees the lease if still held by holderID.
func (m *Manager) release(key, holderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.leases[key]; ok && entry.holderID == holderID {
		delete(m.leases, key)
	}
}

// IsHeld reports whether the key currently has an unexpired lease.
func (m *Manager) IsHeld(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.leases[key]
	return ok && time.Now().Before(entry.expiresAt)
}

// Close stops the expiry sweep. Held leases keep working until released.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Lease is a held lock on a key. Release must be called exactly once;
// releasing twice is harmless.
type Lease struct {
	manager  *Manager
	key      string
	holderID string

	once sync.Once
	done chan struct{}
}

// Key returns the leased key.
func (l *Lease) Key() string {
	return l.key
}

// renewLoop extends the lease in the background until Release.
func (l *Lease) renewLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			if err := l.manager.renew(l.key, l.holderID); err != nil {
				logger.Warn("lease renewal failed", logger.KeyFileID, l.key, logger.KeyError, err)
				return
			}
		}
	}
}

// Release frees the lease and stops its renewal.
func (l *Lease) Release() {
	l.once.Do(func() {
		close(l.done)
		l.manager.release(l.key, l.holderID)
	})
}

// WithLock leases the key for the duration of fn.
func (m *Manager) WithLock(ctx context.Context, key string, fn func() error) error {
	lease, err := m.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer lease.Release()

	return fn()
}
