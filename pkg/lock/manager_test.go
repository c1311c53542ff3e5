package lock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	m := NewManager(Config{TTL: ttl})
	t.Cleanup(m.Close)
	return m
}

func TestTryAcquireConflict(t *testing.T) {
	m := newTestManager(t, time.Minute)

	lease, err := m.TryAcquire("file-1")
	require.NoError(t, err)
	assert.Equal(t, "file-1", lease.Key())
	assert.True(t, m.IsHeld("file-1"))

	_, err = m.TryAcquire("file-1")
	assert.ErrorIs(t, err, ErrLockHeld)

	// Other keys are independent.
	other, err := m.TryAcquire("file-2")
	require.NoError(t, err)
	other.Release()

	lease.Release()
	assert.False(t, m.IsHeld("file-1"))

	// Releasing twice is harmless.
	lease.Release()

	_, err = m.TryAcquire("file-1")
	require.NoError(t, err)
}

func TestAcquireWaits(t *testing.T) {
	m := newTestManager(t, time.Minute)

	lease, err := m.TryAcquire("file-1")
	require.NoError(t, err)

	acquired := make(chan *Lease, 1)
	go func() {
		l, err := m.Acquire(context.Background(), "file-1")
		if err == nil {
			acquired <- l
		}
	}()

	select {
	case <-acquired:
		t.Fatal("acquired while lease was held")
	case <-time.After(150 * time.Millisecond):
	}

	lease.Release()

	select {
	case l := <-acquired:
		l.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the lease")
	}
}

func TestAcquireContextCancelled(t *testing.T) {
	m := newTestManager(t, time.Minute)

	lease, err := m.TryAcquire("file-1")
	require.NoError(t, err)
	defer lease.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err = m.Acquire(ctx, "file-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExpiredLeaseIsReacquirable(t *testing.T) {
	m := newTestManager(t, 50*time.Millisecond)

	lease, err := m.TryAcquire("file-1")
	require.NoError(t, err)
	// Stop renewal without releasing, simulating a crashed holder.
	close(lease.done)

	time.Sleep(120 * time.Millisecond)

	fresh, err := m.TryAcquire("file-1")
	require.NoError(t, err)
	fresh.Release()
}

func TestRenewalKeepsLeaseAlive(t *testing.T) {
	m := newTestManager(t, 80*time.Millisecond)

	lease, err := m.TryAcquire("file-1")
	require.NoError(t, err)
	defer lease.Release()

	// Well past the TTL, renewal keeps the lease held.
	time.Sleep(250 * time.Millisecond)

	_, err = m.TryAcquire("file-1")
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestWithLockSerializes(t *testing.T) {
	m := newTestManager(t, time.Minute)
	ctx := context.Background()

	var mu sync.Mutex
	var active, maxActive int

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.WithLock(ctx, "shared", func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()

				time.Sleep(10 * time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive)
	assert.False(t, m.IsHeld("shared"))
}
