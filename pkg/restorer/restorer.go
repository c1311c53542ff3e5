// Package restorer copies files back from the NAS into the cache after a
// cache miss, so the next download is served from the fast tier again.
package restorer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/files"
	"github.com/tierfs/tierfs/pkg/lock"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/metrics"
	"github.com/tierfs/tierfs/pkg/progress"
	"github.com/tierfs/tierfs/pkg/queue"
	"github.com/tierfs/tierfs/pkg/storage"
	"github.com/tierfs/tierfs/pkg/streamio"
)

// lockPrefix namespaces the per-file restore lock keys. It doubles as the
// queue job ID prefix, see files.RestoreJobID.
const lockPrefix = "cache-restore:"

// Config tunes the restore workers.
type Config struct {
	// Workers is the number of concurrent restore workers.
	Workers int

	// LockWaitTimeout bounds how long a worker waits for the per-file lock
	// before the job is retried.
	LockWaitTimeout time.Duration
}

// Deps carries the collaborators of the restorer.
type Deps struct {
	Meta     *metadata.Store
	Cache    storage.CacheStore
	NAS      storage.NASStore
	Locks    *lock.Manager
	Progress progress.Store
	Metrics  *metrics.FileMetrics
}

// Restorer consumes RestoreTask jobs and rehydrates the cache tier.
type Restorer struct {
	meta     *metadata.Store
	cache    storage.CacheStore
	nas      storage.NASStore
	locks    *lock.Manager
	progress progress.Store
	metrics  *metrics.FileMetrics
	cfg      Config

	queue *queue.Queue
}

// New wires a restorer and starts its queue workers.
func New(deps Deps, cfg Config) *Restorer {
	if cfg.LockWaitTimeout <= 0 {
		cfg.LockWaitTimeout = 10 * time.Second
	}

	r := &Restorer{
		meta:     deps.Meta,
		cache:    deps.Cache,
		nas:      deps.NAS,
		locks:    deps.Locks,
		progress: deps.Progress,
		metrics:  deps.Metrics,
		cfg:      cfg,
	}

	r.queue = queue.New(queue.Config{
		Name:    "cache-restore",
		Workers: cfg.Workers,
	}, r.handle)

	return r
}

// Queue exposes the underlying queue so the file service can enqueue into it.
func (r *Restorer) Queue() *queue.Queue {
	return r.queue
}

// Close stops the workers. Restores are best effort: a dropped job simply
// means the next download misses the cache and schedules it again.
func (r *Restorer) Close() {
	r.queue.Close()
}

// handle restores one file. Every step re-checks current state so duplicate
// deliveries and races with downloads stay harmless.
func (r *Restorer) handle(ctx context.Context, payload any) error {
	task, ok := payload.(files.RestoreTask)
	if !ok {
		return fmt.Errorf("unexpected restore payload type %T", payload)
	}

	file, err := r.meta.GetFile(ctx, task.FileID)
	if err != nil {
		if errors.Is(err, metadata.ErrFileNotFound) {
			return nil
		}
		return queue.Retryable(err)
	}
	if file.State == metadata.FileStateDeleted {
		return nil
	}

	lockCtx, cancel := context.WithTimeout(ctx, r.cfg.LockWaitTimeout)
	lease, err := r.locks.Acquire(lockCtx, lockPrefix+file.ID)
	cancel()
	if err != nil {
		return queue.Retryable(fmt.Errorf("waiting for restore lock: %w", err))
	}
	defer lease.Release()

	cacheObj, err := r.meta.GetObject(ctx, file.ID, metadata.TierCache)
	if err != nil && !errors.Is(err, metadata.ErrObjectNotFound) {
		return queue.Retryable(err)
	}
	if cacheObj.Available() {
		return nil
	}

	nasObj, err := r.meta.GetObject(ctx, file.ID, metadata.TierNAS)
	if err != nil {
		if errors.Is(err, metadata.ErrObjectNotFound) {
			return fmt.Errorf("file %s has no nas copy to restore from", file.ID)
		}
		return queue.Retryable(err)
	}
	if !nasObj.Available() {
		return fmt.Errorf("nas copy of file %s is %s, cannot restore",
			file.ID, nasObj.AvailabilityStatus)
	}

	if err := r.copyToCache(ctx, file, nasObj); err != nil {
		r.discardPartial(ctx, file.ID, cacheObj)
		r.metrics.RecordRestore("failed")
		return err
	}

	r.metrics.RecordRestore("done")
	r.setProgress(ctx, progress.Entry{
		Key:        file.ID,
		Stage:      progress.StageDone,
		BytesDone:  file.SizeBytes,
		BytesTotal: file.SizeBytes,
	})

	logger.InfoCtx(ctx, "file restored to cache",
		logger.KeyFileID, file.ID,
		logger.KeySize, file.SizeBytes)
	return nil
}

// copyToCache streams the NAS bytes into the cache blob, verifying size and,
// when the NAS row carries one, the checksum.
func (r *Restorer) copyToCache(ctx context.Context, file *metadata.File, nasObj *metadata.StorageObject) error {
	rc, err := r.nas.Open(ctx, nasObj.ObjectKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			// The row says AVAILABLE but the mount disagrees; quarantine
			// so downloads stop routing here.
			if serr := r.meta.SetObjectStatus(ctx, nasObj.ID, metadata.StatusMissing); serr != nil {
				logger.WarnCtx(ctx, "failed to mark nas object missing",
					logger.KeyFileID, file.ID,
					logger.KeyError, serr)
			}
			return fmt.Errorf("nas bytes for file %s are gone: %w", file.ID, err)
		}
		return queue.Retryable(err)
	}
	defer rc.Close()

	step := file.SizeBytes / 20
	if step <= 0 {
		step = 1
	}
	hr := streamio.NewHashingReader(streamio.NewProgressReader(rc, file.SizeBytes, step,
		func(read, total int64) {
			r.setProgress(ctx, progress.Entry{
				Key:        file.ID,
				Stage:      progress.StageRestoring,
				BytesDone:  read,
				BytesTotal: total,
			})
		}))

	cacheKey := files.CacheObjectKey(file.ID)
	written, err := r.cache.Write(ctx, cacheKey, hr)
	if err != nil {
		return queue.Retryable(fmt.Errorf("cache write for file %s: %w", file.ID, err))
	}
	if written != file.SizeBytes {
		return fmt.Errorf("restore of file %s copied %d of %d bytes", file.ID, written, file.SizeBytes)
	}

	checksum := hr.Sum()
	if nasObj.Checksum != nil && *nasObj.Checksum != checksum {
		return fmt.Errorf("restore of file %s produced checksum %s, expected %s",
			file.ID, checksum, *nasObj.Checksum)
	}

	err = r.meta.UpsertObject(ctx, &metadata.StorageObject{
		ID:                 uuid.NewString(),
		FileID:             file.ID,
		Tier:               metadata.TierCache,
		ObjectKey:          cacheKey,
		AvailabilityStatus: metadata.StatusAvailable,
		Checksum:           &checksum,
	})
	if err != nil {
		return queue.Retryable(err)
	}
	return nil
}

// discardPartial removes whatever a failed restore left in the cache and
// makes sure the row does not claim usable bytes.
func (r *Restorer) discardPartial(ctx context.Context, fileID string, cacheObj *metadata.StorageObject) {
	if err := r.cache.Delete(ctx, files.CacheObjectKey(fileID)); err != nil {
		logger.WarnCtx(ctx, "failed to delete partial restore blob",
			logger.KeyFileID, fileID,
			logger.KeyError, err)
	}
	if cacheObj != nil && cacheObj.AvailabilityStatus != metadata.StatusMissing {
		if err := r.meta.SetObjectStatus(ctx, cacheObj.ID, metadata.StatusMissing); err != nil {
			logger.WarnCtx(ctx, "failed to mark cache object missing",
				logger.KeyFileID, fileID,
				logger.KeyError, err)
		}
	}
}

// setProgress writes a progress entry, tolerating store errors.
func (r *Restorer) setProgress(ctx context.Context, entry progress.Entry) {
	if err := r.progress.Set(ctx, entry); err != nil {
		logger.WarnCtx(ctx, "failed to record restore progress",
			logger.KeyFileID, entry.Key,
			logger.KeyError, err)
	}
}
