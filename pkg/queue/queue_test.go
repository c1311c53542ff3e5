package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessesJobs(t *testing.T) {
	var processed atomic.Int64
	done := make(chan struct{}, 10)

	q := New(Config{Name: "test", Workers: 2}, func(ctx context.Context, payload any) error {
		processed.Add(1)
		done <- struct{}{}
		return nil
	})
	defer q.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(string(rune('a'+i)), i))
	}

	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("job never processed")
		}
	}
	assert.Equal(t, int64(5), processed.Load())
}

func TestDeduplicatesByID(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once

	q := New(Config{Name: "test"}, func(ctx context.Context, payload any) error {
		once.Do(func() { close(started) })
		<-release
		return nil
	})
	defer q.Close()

	require.NoError(t, q.Enqueue("job-1", nil))
	<-started

	assert.ErrorIs(t, q.Enqueue("job-1", nil), ErrDuplicateJob)

	close(release)

	// Once done, the same ID can be enqueued again.
	require.Eventually(t, func() bool {
		info, ok := q.Status("job-1")
		return ok && info.Status == JobDone
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, q.Enqueue("job-1", nil))
}

func TestRetriesRetryableErrors(t *testing.T) {
	var attempts atomic.Int64
	succeeded := make(chan struct{})

	q := New(Config{
		Name:           "test",
		MaxAttempts:    5,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     10 * time.Millisecond,
	}, func(ctx context.Context, payload any) error {
		if attempts.Add(1) < 3 {
			return Retryable(errors.New("transient"))
		}
		close(succeeded)
		return nil
	})
	defer q.Close()

	require.NoError(t, q.Enqueue("flaky", nil))

	select {
	case <-succeeded:
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	assert.Equal(t, int64(3), attempts.Load())

	info, _ := q.Status("flaky")
	assert.Equal(t, JobDone, info.Status)
	assert.Equal(t, 3, info.Attempt)
}

func TestFailsAfterAttemptBudget(t *testing.T) {
	var attempts atomic.Int64

	q := New(Config{
		Name:           "test",
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}, func(ctx context.Context, payload any) error {
		attempts.Add(1)
		return Retryable(errors.New("still broken"))
	})
	defer q.Close()

	require.NoError(t, q.Enqueue("doomed", nil))

	require.Eventually(t, func() bool {
		info, ok := q.Status("doomed")
		return ok && info.Status == JobFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(3), attempts.Load())
	info, _ := q.Status("doomed")
	assert.Contains(t, info.LastErr, "still broken")
}

func TestPermanentErrorFailsImmediately(t *testing.T) {
	var attempts atomic.Int64

	q := New(Config{Name: "test", MaxAttempts: 5, InitialBackoff: time.Millisecond},
		func(ctx context.Context, payload any) error {
			attempts.Add(1)
			return errors.New("permanent")
		})
	defer q.Close()

	require.NoError(t, q.Enqueue("fatal", nil))

	require.Eventually(t, func() bool {
		info, ok := q.Status("fatal")
		return ok && info.Status == JobFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, int64(1), attempts.Load())
}

func TestDelayedDelivery(t *testing.T) {
	processed := make(chan time.Time, 1)

	q := New(Config{Name: "test"}, func(ctx context.Context, payload any) error {
		processed <- time.Now()
		return nil
	})
	defer q.Close()

	start := time.Now()
	require.NoError(t, q.EnqueueDelayed("later", nil, 100*time.Millisecond))

	select {
	case at := <-processed:
		assert.GreaterOrEqual(t, at.Sub(start), 90*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("delayed job never ran")
	}
}

func TestBackoffDoesNotHoldWorker(t *testing.T) {
	flakyDone := make(chan struct{})
	quickDone := make(chan struct{})
	var flakyAttempts atomic.Int64

	q := New(Config{
		Name:           "test",
		Workers:        1,
		MaxAttempts:    2,
		InitialBackoff: time.Second,
		MaxBackoff:     time.Second,
	}, func(ctx context.Context, payload any) error {
		switch payload {
		case "flaky":
			if flakyAttempts.Add(1) == 1 {
				return Retryable(errors.New("transient"))
			}
			close(flakyDone)
		case "quick":
			close(quickDone)
		}
		return nil
	})
	defer q.Close()

	require.NoError(t, q.Enqueue("flaky", "flaky"))
	require.NoError(t, q.Enqueue("quick", "quick"))

	// The single worker must run the second job while the first one sits
	// out its backoff, well before the one-second retry fires.
	select {
	case <-quickDone:
	case <-flakyDone:
		t.Fatal("retry ran before the waiting job")
	case <-time.After(500 * time.Millisecond):
		t.Fatal("waiting job was starved by a backing-off job")
	}

	select {
	case <-flakyDone:
	case <-time.After(5 * time.Second):
		t.Fatal("retry never ran")
	}
	assert.Equal(t, int64(2), flakyAttempts.Load())
}

func TestTerminalJobsAreEvicted(t *testing.T) {
	q := New(Config{Name: "test", Workers: 1}, func(ctx context.Context, payload any) error {
		return nil
	})
	defer q.Close()

	total := terminalRetention + 10
	for i := 0; i < total; i++ {
		require.NoError(t, q.Enqueue(fmt.Sprintf("job-%d", i), nil))
	}

	// The single worker finishes in enqueue order, so once the last job is
	// done every earlier one is too.
	require.Eventually(t, func() bool {
		info, ok := q.Status(fmt.Sprintf("job-%d", total-1))
		return ok && info.Status == JobDone
	}, 5*time.Second, 10*time.Millisecond)

	_, ok := q.Status("job-0")
	assert.False(t, ok, "oldest terminal snapshot should have been evicted")

	info, ok := q.Status(fmt.Sprintf("job-%d", total-1))
	require.True(t, ok)
	assert.Equal(t, JobDone, info.Status)
}

func TestEnqueueAfterClose(t *testing.T) {
	q := New(Config{Name: "test"}, func(ctx context.Context, payload any) error {
		return nil
	})
	q.Close()

	assert.ErrorIs(t, q.Enqueue("late", nil), ErrQueueClosed)
}

func TestIsRetryable(t *testing.T) {
	base := errors.New("boom")
	assert.False(t, IsRetryable(base))
	assert.True(t, IsRetryable(Retryable(base)))
	assert.ErrorIs(t, Retryable(base), base)
	assert.Nil(t, Retryable(nil))
}
