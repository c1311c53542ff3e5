// Package cleaner runs the periodic maintenance sweep: it expires overdue
// multipart sessions, reaps the parts of dead sessions, requeues sync events
// that never reached a worker and drives the admission queue's housekeeping.
package cleaner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/files"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/queue"
	"github.com/tierfs/tierfs/pkg/storage"
)

// AdmissionQueue is the slice of the admission queue the cleaner drives.
// *files.Admission satisfies it.
type AdmissionQueue interface {
	Release(sessionID string)
	RunMaintenance()
}

// Config tunes the sweep.
type Config struct {
	// Interval is how often the sweep runs.
	Interval time.Duration

	// Retention is how long aborted and expired sessions keep their parts
	// before they are reaped. Stuck COMPLETING sessions get twice this.
	Retention time.Duration

	// BatchSize bounds how many rows each sweep step handles.
	BatchSize int

	// StuckEventAge is how long an event may sit in PROCESSING before it is
	// considered abandoned by a crashed worker.
	StuckEventAge time.Duration
}

// Deps carries the collaborators of the cleaner.
type Deps struct {
	Meta      *metadata.Store
	Cache     storage.CacheStore
	SyncQueue files.Enqueuer
	Admission AdmissionQueue
}

// Stats counts what one sweep did.
type Stats struct {
	SessionsExpired int
	SessionsReaped  int
	EventsRequeued  int
	Errors          int
}

// Cleaner owns the sweep loop. Sweeps never overlap: a tick that fires while
// the previous sweep still runs is skipped.
type Cleaner struct {
	meta      *metadata.Store
	cache     storage.CacheStore
	syncQueue files.Enqueuer
	admission AdmissionQueue
	cfg       Config

	running  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New wires a cleaner. Call Start to begin sweeping.
func New(deps Deps, cfg Config) *Cleaner {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.StuckEventAge <= 0 {
		cfg.StuckEventAge = 15 * time.Minute
	}

	return &Cleaner{
		meta:      deps.Meta,
		cache:     deps.Cache,
		syncQueue: deps.SyncQueue,
		admission: deps.Admission,
		cfg:       cfg,
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the sweep loop. The first sweep runs immediately so a
// restarted process picks up stranded work without waiting a full interval.
func (c *Cleaner) Start(ctx context.Context) {
	go func() {
		defer close(c.done)

		c.RunOnce(ctx)

		ticker := time.NewTicker(c.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.RunOnce(ctx)
			}
		}
	}()
}

// Close stops the sweep loop and waits for an in-flight sweep to finish.
func (c *Cleaner) Close() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	<-c.done
}

// RunOnce executes a single sweep. Overlapping calls are skipped.
func (c *Cleaner) RunOnce(ctx context.Context) Stats {
	if !c.running.CompareAndSwap(false, true) {
		return Stats{}
	}
	defer c.running.Store(false)

	var stats Stats
	now := time.Now()

	c.expireSessions(ctx, now, &stats)
	c.reapDeadSessions(ctx, now, &stats)
	c.abortStuckCompleting(ctx, now, &stats)
	c.requeuePendingEvents(ctx, &stats)
	c.requeueStuckEvents(ctx, now, &stats)

	if c.admission != nil {
		c.admission.RunMaintenance()
	}

	if stats != (Stats{}) {
		logger.Info("maintenance sweep finished",
			"sessions_expired", stats.SessionsExpired,
			"sessions_reaped", stats.SessionsReaped,
			"events_requeued", stats.EventsRequeued,
			"errors", stats.Errors)
	}
	return stats
}

// expireSessions moves ACTIVE sessions past their deadline to EXPIRED and
// frees their admission slots.
func (c *Cleaner) expireSessions(ctx context.Context, now time.Time, stats *Stats) {
	sessions, err := c.meta.ListExpiredSessions(ctx, now, c.cfg.BatchSize)
	if err != nil {
		stats.Errors++
		logger.Warn("failed to list expired sessions", logger.KeyError, err)
		return
	}

	for _, session := range sessions {
		err := c.meta.TransitionSessionStatus(ctx, session.ID, metadata.SessionActive, metadata.SessionExpired)
		if err != nil {
			if !errors.Is(err, metadata.ErrStaleTransition) {
				stats.Errors++
				logger.Warn("failed to expire session",
					logger.KeySessionID, session.ID,
					logger.KeyError, err)
			}
			continue
		}

		if c.admission != nil {
			c.admission.Release(session.ID)
		}
		stats.SessionsExpired++
		logger.Info("expired idle upload session",
			logger.KeySessionID, session.ID,
			logger.KeyFileName, session.FileName)
	}
}

// reapDeadSessions deletes the cached parts of ABORTED and EXPIRED sessions
// once their retention has passed.
func (c *Cleaner) reapDeadSessions(ctx context.Context, now time.Time, stats *Stats) {
	cutoff := now.Add(-c.cfg.Retention)
	statuses := []metadata.SessionStatus{metadata.SessionAborted, metadata.SessionExpired}

	sessions, err := c.meta.ListReapableSessions(ctx, statuses, cutoff, c.cfg.BatchSize)
	if err != nil {
		stats.Errors++
		logger.Warn("failed to list reapable sessions", logger.KeyError, err)
		return
	}

	for _, session := range sessions {
		if c.reapParts(ctx, session.ID, stats) {
			stats.SessionsReaped++
		}
	}
}

// abortStuckCompleting handles sessions whose completion never finished, for
// example because the CREATE event exhausted its retries. After twice the
// retention they are aborted and their parts reaped.
func (c *Cleaner) abortStuckCompleting(ctx context.Context, now time.Time, stats *Stats) {
	cutoff := now.Add(-2 * c.cfg.Retention)

	sessions, err := c.meta.ListSessionsByStatus(ctx, metadata.SessionCompleting, c.cfg.BatchSize)
	if err != nil {
		stats.Errors++
		logger.Warn("failed to list completing sessions", logger.KeyError, err)
		return
	}

	for _, session := range sessions {
		if session.UpdatedAt.After(cutoff) {
			continue
		}

		err := c.meta.TransitionSessionStatus(ctx, session.ID, metadata.SessionCompleting, metadata.SessionAborted)
		if err != nil {
			if !errors.Is(err, metadata.ErrStaleTransition) {
				stats.Errors++
				logger.Warn("failed to abort stuck session",
					logger.KeySessionID, session.ID,
					logger.KeyError, err)
			}
			continue
		}

		logger.Warn("aborted session stuck in completion",
			logger.KeySessionID, session.ID,
			logger.KeyFileName, session.FileName)

		if c.reapParts(ctx, session.ID, stats) {
			stats.SessionsReaped++
		}
		if c.admission != nil {
			c.admission.Release(session.ID)
		}
	}
}

// reapParts deletes a session's part blobs and rows. Rows are only removed
// after the blobs went, so a failed sweep leaves the session reapable.
func (c *Cleaner) reapParts(ctx context.Context, sessionID string, stats *Stats) bool {
	if err := c.cache.DeleteByPrefix(ctx, files.SessionObjectPrefix(sessionID)); err != nil {
		stats.Errors++
		logger.Warn("failed to delete session parts from cache",
			logger.KeySessionID, sessionID,
			logger.KeyError, err)
		return false
	}
	if err := c.meta.DeleteParts(ctx, sessionID); err != nil {
		stats.Errors++
		logger.Warn("failed to delete session part rows",
			logger.KeySessionID, sessionID,
			logger.KeyError, err)
		return false
	}
	return true
}

// requeuePendingEvents hands PENDING events back to the sync queue. Events
// land in PENDING either at creation, when the original enqueue failed, or
// when a worker marked them for retry and the process died before the retry.
func (c *Cleaner) requeuePendingEvents(ctx context.Context, stats *Stats) {
	events, err := c.meta.ListPendingEvents(ctx, c.cfg.BatchSize)
	if err != nil {
		stats.Errors++
		logger.Warn("failed to list pending events", logger.KeyError, err)
		return
	}

	for i := range events {
		if c.requeueEvent(ctx, &events[i], stats) {
			stats.EventsRequeued++
		}
	}
}

// requeueStuckEvents recovers events abandoned in PROCESSING by a crashed
// worker: back to PENDING, then into the queue again.
func (c *Cleaner) requeueStuckEvents(ctx context.Context, now time.Time, stats *Stats) {
	cutoff := now.Add(-c.cfg.StuckEventAge)

	events, err := c.meta.ListStuckEvents(ctx, cutoff, c.cfg.BatchSize)
	if err != nil {
		stats.Errors++
		logger.Warn("failed to list stuck events", logger.KeyError, err)
		return
	}

	for i := range events {
		event := &events[i]

		err := c.meta.TransitionEventStatus(ctx, event.ID, metadata.EventProcessing, metadata.EventPending)
		if err != nil {
			if !errors.Is(err, metadata.ErrStaleTransition) {
				stats.Errors++
				logger.Warn("failed to reset stuck event",
					logger.KeySyncEventID, event.ID,
					logger.KeyError, err)
			}
			continue
		}

		logger.Warn("requeueing sync event abandoned in processing",
			logger.KeySyncEventID, event.ID,
			logger.KeyFileID, event.FileID)

		if c.requeueEvent(ctx, event, stats) {
			stats.EventsRequeued++
		}
	}
}

// requeueEvent enqueues the event and marks it QUEUED. A duplicate job means
// the queue still holds it, which counts as scheduled.
func (c *Cleaner) requeueEvent(ctx context.Context, event *metadata.SyncEvent, stats *Stats) bool {
	err := c.syncQueue.Enqueue(event.ID, files.SyncTask{EventID: event.ID, FileID: event.FileID})
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		stats.Errors++
		logger.Warn("failed to requeue sync event",
			logger.KeySyncEventID, event.ID,
			logger.KeyError, err)
		return false
	}

	err = c.meta.TransitionEventStatus(ctx, event.ID, metadata.EventPending, metadata.EventQueued)
	if err != nil && !errors.Is(err, metadata.ErrStaleTransition) {
		stats.Errors++
		logger.Warn("failed to mark requeued event",
			logger.KeySyncEventID, event.ID,
			logger.KeyError, err)
		return false
	}
	return true
}
