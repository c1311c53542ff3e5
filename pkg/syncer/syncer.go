// Package syncer drains the NAS sync queue: every file mutation recorded as
// a SyncEvent is applied to the slow tier here, serialized per file by a
// lease lock and retried with backoff until the event's budget runs out.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/files"
	"github.com/tierfs/tierfs/pkg/lock"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/metrics"
	"github.com/tierfs/tierfs/pkg/progress"
	"github.com/tierfs/tierfs/pkg/queue"
	"github.com/tierfs/tierfs/pkg/storage"
)

// lockPrefix namespaces the per-file sync lock keys.
const lockPrefix = "file-sync:"

// SessionReleaser frees an admission slot once a multipart session reaches a
// terminal state. *files.Admission satisfies it.
type SessionReleaser interface {
	Release(sessionID string)
}

// Config tunes the sync workers.
type Config struct {
	// Workers is the number of concurrent sync workers.
	Workers int

	// ParallelUploadThreshold is the file size at which NAS writes switch
	// from a single stream to preallocated parallel chunks.
	ParallelUploadThreshold int64

	// ChunkSize is the per-chunk size of a parallel NAS write.
	ChunkSize int64

	// ChunkConcurrency is how many chunks are written at once per file.
	ChunkConcurrency int

	// LockWaitTimeout bounds how long a worker waits for the per-file lock
	// before the job is retried.
	LockWaitTimeout time.Duration

	// RetryBaseDelay seeds the queue's exponential backoff.
	RetryBaseDelay time.Duration

	// MaxRetries is the per-event retry budget.
	MaxRetries int
}

// Deps carries the collaborators of the syncer.
type Deps struct {
	Meta      *metadata.Store
	Cache     storage.CacheStore
	NAS       storage.NASStore
	Locks     *lock.Manager
	Progress  progress.Store
	Admission SessionReleaser
	Metrics   *metrics.FileMetrics
}

// Syncer consumes SyncTask jobs and applies the recorded mutations to the NAS.
type Syncer struct {
	meta      *metadata.Store
	cache     storage.CacheStore
	nas       storage.NASStore
	locks     *lock.Manager
	progress  progress.Store
	admission SessionReleaser
	metrics   *metrics.FileMetrics
	cfg       Config

	queue *queue.Queue
}

// New wires a syncer and starts its queue workers.
func New(deps Deps, cfg Config) *Syncer {
	if cfg.LockWaitTimeout <= 0 {
		cfg.LockWaitTimeout = 30 * time.Second
	}
	if cfg.ChunkConcurrency <= 0 {
		cfg.ChunkConcurrency = 4
	}

	s := &Syncer{
		meta:      deps.Meta,
		cache:     deps.Cache,
		nas:       deps.NAS,
		locks:     deps.Locks,
		progress:  deps.Progress,
		admission: deps.Admission,
		metrics:   deps.Metrics,
		cfg:       cfg,
	}

	s.queue = queue.New(queue.Config{
		Name:           "nas-sync",
		Workers:        cfg.Workers,
		MaxAttempts:    cfg.MaxRetries + 1,
		InitialBackoff: cfg.RetryBaseDelay,
	}, s.handle)

	return s
}

// Queue exposes the underlying queue so the file service can enqueue into it.
func (s *Syncer) Queue() *queue.Queue {
	return s.queue
}

// Close stops the workers. Events still queued stay PENDING or QUEUED in the
// metadata store and are re-enqueued by the cleaner sweep after restart.
func (s *Syncer) Close() {
	s.queue.Close()
}

// handle processes one queue delivery. The payload only carries IDs; the
// event row is re-read so every attempt works from current state.
func (s *Syncer) handle(ctx context.Context, payload any) error {
	task, ok := payload.(files.SyncTask)
	if !ok {
		return fmt.Errorf("unexpected sync payload type %T", payload)
	}

	event, err := s.meta.GetEvent(ctx, task.EventID)
	if err != nil {
		if errors.Is(err, metadata.ErrEventNotFound) {
			return nil
		}
		return queue.Retryable(err)
	}
	if event.Terminal() {
		return nil
	}

	switch event.Status {
	case metadata.EventQueued, metadata.EventPending:
		err := s.meta.TransitionEventStatus(ctx, event.ID, event.Status, metadata.EventProcessing)
		if err != nil {
			if errors.Is(err, metadata.ErrStaleTransition) {
				// Another delivery claimed it first.
				return nil
			}
			return queue.Retryable(err)
		}
	case metadata.EventProcessing:
		// A concurrent delivery is working on it.
		return nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, s.cfg.LockWaitTimeout)
	lease, err := s.locks.Acquire(lockCtx, lockPrefix+event.FileID)
	cancel()
	if err != nil {
		return s.retryOrFail(ctx, event,
			queue.Retryable(fmt.Errorf("waiting for file lock: %w", err)))
	}
	defer lease.Release()

	started := time.Now()
	if err := s.apply(ctx, event); err != nil {
		return s.retryOrFail(ctx, event, err)
	}
	s.metrics.RecordSyncEvent(string(event.EventType), "done", time.Since(started))

	err = s.meta.TransitionEventStatus(ctx, event.ID, metadata.EventProcessing, metadata.EventDone)
	if err != nil && !errors.Is(err, metadata.ErrStaleTransition) {
		logger.WarnCtx(ctx, "failed to mark sync event done",
			logger.KeySyncEventID, event.ID,
			logger.KeyError, err)
	}

	logger.InfoCtx(ctx, "sync event applied",
		logger.KeySyncEventID, event.ID,
		logger.KeyFileID, event.FileID,
		logger.KeyAction, string(event.EventType),
		logger.KeyRetryCount, event.RetryCount)
	return nil
}

// apply dispatches the event to its type-specific handler.
func (s *Syncer) apply(ctx context.Context, event *metadata.SyncEvent) error {
	switch event.EventType {
	case metadata.EventCreate:
		return s.applyCreate(ctx, event)
	case metadata.EventRename:
		return s.applyRename(ctx, event)
	case metadata.EventMove:
		return s.applyMove(ctx, event)
	case metadata.EventTrash:
		return s.applyTrash(ctx, event)
	case metadata.EventRestore:
		return s.applyRestore(ctx, event)
	case metadata.EventPurge:
		return s.applyPurge(ctx, event)
	default:
		return fmt.Errorf("unknown sync event type %q", event.EventType)
	}
}

// retryOrFail records the attempt outcome on the event row. Transient errors
// within the retry budget put the event back to PENDING and let the queue
// back off; everything else fails the event permanently and raises the alert.
func (s *Syncer) retryOrFail(ctx context.Context, event *metadata.SyncEvent, cause error) error {
	if queue.IsRetryable(cause) && event.RetryCount < event.MaxRetries {
		s.metrics.RecordSyncEvent(string(event.EventType), "retry", 0)
		err := s.meta.MarkEventRetry(ctx, event.ID, cause.Error())
		if err != nil && !errors.Is(err, metadata.ErrStaleTransition) {
			logger.WarnCtx(ctx, "failed to mark sync event for retry",
				logger.KeySyncEventID, event.ID,
				logger.KeyError, err)
		}
		return cause
	}

	s.metrics.RecordSyncEvent(string(event.EventType), "failed", 0)
	if err := s.meta.MarkEventFailed(ctx, event.ID, cause.Error()); err != nil {
		logger.WarnCtx(ctx, "failed to mark sync event failed",
			logger.KeySyncEventID, event.ID,
			logger.KeyError, err)
	}

	logger.ErrorCtx(ctx, "SYNC_FAILURE_ALERT",
		logger.KeySyncEventID, event.ID,
		logger.KeyFileID, event.FileID,
		logger.KeyAction, string(event.EventType),
		logger.KeyRetryCount, event.RetryCount,
		logger.KeyError, cause)

	if event.EventType == metadata.EventCreate {
		s.setProgress(ctx, progress.Entry{
			Key:   event.FileID,
			Stage: progress.StageFailed,
			Error: cause.Error(),
		})
	}

	// Strip the retryable wrapper so the queue stops re-running the job.
	return fmt.Errorf("sync event %s failed permanently: %v", event.ID, cause)
}

// setProgress writes a progress entry, tolerating store errors.
func (s *Syncer) setProgress(ctx context.Context, entry progress.Entry) {
	if err := s.progress.Set(ctx, entry); err != nil {
		logger.WarnCtx(ctx, "failed to record sync progress",
			logger.KeyFileID, entry.Key,
			logger.KeyError, err)
	}
}

// nasObject fetches the file's NAS row. A missing row means the file was
// purged under the event, which callers treat as nothing left to do.
func (s *Syncer) nasObject(ctx context.Context, fileID string) (*metadata.StorageObject, error) {
	obj, err := s.meta.GetObject(ctx, fileID, metadata.TierNAS)
	if err != nil {
		if errors.Is(err, metadata.ErrObjectNotFound) {
			return nil, nil
		}
		return nil, queue.Retryable(err)
	}
	return obj, nil
}

// renameOnNAS moves an object between keys, treating the leftovers of a
// previous half-applied attempt as success: a missing source with the
// destination in place, or a taken destination with the source gone, both
// mean the rename already happened.
func (s *Syncer) renameOnNAS(ctx context.Context, oldKey, newKey string) error {
	err := s.nas.Rename(ctx, oldKey, newKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrObjectNotFound):
		if _, statErr := s.nas.Stat(ctx, newKey); statErr == nil {
			return nil
		}
		return fmt.Errorf("rename source %s missing on nas: %w", oldKey, err)
	case errors.Is(err, storage.ErrObjectExists):
		if _, statErr := s.nas.Stat(ctx, oldKey); errors.Is(statErr, storage.ErrObjectNotFound) {
			return nil
		}
		return fmt.Errorf("rename destination %s already taken: %w", newKey, err)
	default:
		return queue.Retryable(err)
	}
}

// setObjectKey records the object's new tier key after a successful rename.
func (s *Syncer) setObjectKey(ctx context.Context, objectID, key string) error {
	if err := s.meta.SetObjectKey(ctx, objectID, key); err != nil {
		return queue.Retryable(err)
	}
	return nil
}
