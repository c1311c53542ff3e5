package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/files"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/progress"
	"github.com/tierfs/tierfs/pkg/queue"
	"github.com/tierfs/tierfs/pkg/storage"
	"github.com/tierfs/tierfs/pkg/streamio"
)

// applyCreate copies the file's cache bytes to the NAS. Multipart sessions
// are first assembled into a single cache blob so the NAS write path is the
// same for both upload flavors.
func (s *Syncer) applyCreate(ctx context.Context, event *metadata.SyncEvent) error {
	nasObj, err := s.nasObject(ctx, event.FileID)
	if err != nil || nasObj == nil {
		return err
	}

	file, err := s.meta.GetFile(ctx, event.FileID)
	if err != nil {
		if errors.Is(err, metadata.ErrFileNotFound) {
			return nil
		}
		return queue.Retryable(err)
	}
	if file.State == metadata.FileStateDeleted {
		return nil
	}

	// A previous attempt may have finished the write and died before
	// marking the event done.
	if nasObj.AvailabilityStatus == metadata.StatusAvailable {
		return s.finishCreate(ctx, event, nasObj, file.SizeBytes)
	}

	if event.MultipartSessionID != nil {
		if err := s.assembleFromParts(ctx, event, nasObj); err != nil {
			return err
		}
	}

	cacheKey := event.SourcePath
	if cacheKey == "" {
		cacheKey = files.CacheObjectKey(event.FileID)
	}

	if err := s.writeNAS(ctx, event.FileID, nasObj, cacheKey, file.SizeBytes); err != nil {
		return err
	}
	return s.finishCreate(ctx, event, nasObj, file.SizeBytes)
}

// finishCreate flips the NAS object to AVAILABLE, finalizes the multipart
// session when there is one, and closes out the progress entry.
func (s *Syncer) finishCreate(ctx context.Context, event *metadata.SyncEvent, nasObj *metadata.StorageObject, size int64) error {
	err := s.meta.TransitionObjectStatus(ctx, nasObj.ID, metadata.StatusSyncing, metadata.StatusAvailable)
	if err != nil {
		if !errors.Is(err, metadata.ErrStaleTransition) {
			return queue.Retryable(err)
		}
	} else if event.MultipartSessionID != nil {
		// The winning transition records the completed multipart upload
		// exactly once; replays land in the stale branch.
		s.metrics.RecordUpload("multipart", size)
	}

	if event.MultipartSessionID != nil {
		s.finalizeSession(ctx, *event.MultipartSessionID)
	}

	s.setProgress(ctx, progress.Entry{
		Key:        event.FileID,
		Stage:      progress.StageDone,
		BytesDone:  size,
		BytesTotal: size,
	})
	return nil
}

// assembleFromParts concatenates a completed session's parts into the file's
// cache blob, checksumming on the way, and records the checksum on both tier
// rows. Skipped when a previous attempt already produced the blob.
func (s *Syncer) assembleFromParts(ctx context.Context, event *metadata.SyncEvent, nasObj *metadata.StorageObject) error {
	sessionID := *event.MultipartSessionID

	cacheObj, err := s.meta.GetObject(ctx, event.FileID, metadata.TierCache)
	if err != nil && !errors.Is(err, metadata.ErrObjectNotFound) {
		return queue.Retryable(err)
	}
	if cacheObj.Available() {
		return nil
	}

	session, err := s.meta.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, metadata.ErrSessionNotFound) {
			return fmt.Errorf("multipart session %s is gone, parts are unrecoverable", sessionID)
		}
		return queue.Retryable(err)
	}

	parts, err := s.meta.ListParts(ctx, sessionID)
	if err != nil {
		return queue.Retryable(err)
	}
	if len(parts) != session.TotalParts {
		return fmt.Errorf("session %s has %d of %d parts", sessionID, len(parts), session.TotalParts)
	}

	hr := streamio.NewHashingReader(&partsReader{
		ctx:       ctx,
		store:     s.cache,
		sessionID: sessionID,
		parts:     parts,
	})
	cacheKey := files.CacheObjectKey(event.FileID)

	written, err := s.cache.Write(ctx, cacheKey, hr)
	if err != nil {
		return queue.Retryable(fmt.Errorf("assembling cache blob for session %s: %w", sessionID, err))
	}
	if written != session.TotalSize {
		return fmt.Errorf("assembled %d bytes for session %s, expected %d", written, sessionID, session.TotalSize)
	}

	checksum := hr.Sum()
	err = s.meta.UpsertObject(ctx, &metadata.StorageObject{
		ID:                 uuid.NewString(),
		FileID:             event.FileID,
		Tier:               metadata.TierCache,
		ObjectKey:          cacheKey,
		AvailabilityStatus: metadata.StatusAvailable,
		Checksum:           &checksum,
	})
	if err != nil {
		return queue.Retryable(err)
	}

	// The NAS row keeps SYNCING until its own write lands; only the
	// checksum is known now.
	err = s.meta.UpsertObject(ctx, &metadata.StorageObject{
		ID:                 uuid.NewString(),
		FileID:             event.FileID,
		Tier:               metadata.TierNAS,
		ObjectKey:          nasObj.ObjectKey,
		AvailabilityStatus: metadata.StatusSyncing,
		Checksum:           &checksum,
	})
	if err != nil {
		return queue.Retryable(err)
	}

	logger.InfoCtx(ctx, "assembled multipart session into cache blob",
		logger.KeySessionID, sessionID,
		logger.KeyFileID, event.FileID,
		logger.KeySize, written,
		logger.KeyChecksum, checksum)
	return nil
}

// writeNAS copies the cache blob to the file's NAS key, switching to
// preallocated parallel chunks above the configured threshold.
func (s *Syncer) writeNAS(ctx context.Context, fileID string, nasObj *metadata.StorageObject, cacheKey string, size int64) error {
	if s.cfg.ChunkSize > 0 && s.cfg.ParallelUploadThreshold > 0 && size >= s.cfg.ParallelUploadThreshold {
		return s.writeNASChunked(ctx, fileID, nasObj, cacheKey, size)
	}

	rc, err := s.cache.Open(ctx, cacheKey)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return s.cacheGone(ctx, fileID, nasObj, err)
		}
		return queue.Retryable(err)
	}
	defer rc.Close()

	step := size / 20
	if step <= 0 {
		step = 1
	}
	pr := streamio.NewProgressReader(rc, size, step, func(read, total int64) {
		s.setProgress(ctx, progress.Entry{
			Key:        fileID,
			Stage:      progress.StageSyncing,
			BytesDone:  read,
			BytesTotal: total,
		})
	})

	written, err := s.nas.Write(ctx, nasObj.ObjectKey, pr)
	if err != nil {
		return queue.Retryable(fmt.Errorf("nas write for file %s: %w", fileID, err))
	}
	if written != size {
		return fmt.Errorf("nas write for file %s copied %d of %d bytes", fileID, written, size)
	}
	return nil
}

// writeNASChunked assembles the NAS copy from concurrently written chunks of
// a preallocated staging file, then commits it to the final key atomically.
func (s *Syncer) writeNASChunked(ctx context.Context, fileID string, nasObj *metadata.StorageObject, cacheKey string, size int64) error {
	partial := nasObj.ObjectKey + ".partial"

	if err := s.nas.Preallocate(ctx, partial, size); err != nil {
		return queue.Retryable(fmt.Errorf("preallocating %s: %w", partial, err))
	}

	var done atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.ChunkConcurrency)

	for offset := int64(0); offset < size; offset += s.cfg.ChunkSize {
		length := min(s.cfg.ChunkSize, size-offset)

		g.Go(func() error {
			rc, err := s.cache.OpenRange(gctx, cacheKey, offset, length)
			if err != nil {
				return fmt.Errorf("cache read at %d: %w", offset, err)
			}
			defer rc.Close()

			written, err := s.nas.WriteAt(gctx, partial, offset, rc)
			if err != nil {
				return fmt.Errorf("nas write at %d: %w", offset, err)
			}
			if written != length {
				return fmt.Errorf("chunk at %d copied %d of %d bytes", offset, written, length)
			}

			s.setProgress(gctx, progress.Entry{
				Key:        fileID,
				Stage:      progress.StageSyncing,
				BytesDone:  done.Add(written),
				BytesTotal: size,
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if derr := s.nas.Delete(ctx, partial); derr != nil {
			logger.WarnCtx(ctx, "failed to remove staging file after chunked write error",
				logger.KeyObjectKey, partial,
				logger.KeyError, derr)
		}
		if errors.Is(err, storage.ErrObjectNotFound) {
			return s.cacheGone(ctx, fileID, nasObj, err)
		}
		return queue.Retryable(err)
	}

	return s.commitStaged(ctx, partial, nasObj.ObjectKey)
}

// commitStaged renames the staging file onto the final key. A taken
// destination means a previous attempt committed before crashing; its bytes
// win and the leftover staging file is dropped.
func (s *Syncer) commitStaged(ctx context.Context, partial, final string) error {
	err := s.nas.Rename(ctx, partial, final)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, storage.ErrObjectExists):
		if derr := s.nas.Delete(ctx, partial); derr != nil {
			logger.WarnCtx(ctx, "failed to remove superseded staging file",
				logger.KeyObjectKey, partial,
				logger.KeyError, derr)
		}
		return nil
	case errors.Is(err, storage.ErrObjectNotFound):
		if _, statErr := s.nas.Stat(ctx, final); statErr == nil {
			return nil
		}
		return fmt.Errorf("staging file %s vanished before commit: %w", partial, err)
	default:
		return queue.Retryable(err)
	}
}

// cacheGone quarantines the NAS row when the cache bytes disappeared before
// they reached the NAS. Nothing can complete this create anymore.
func (s *Syncer) cacheGone(ctx context.Context, fileID string, nasObj *metadata.StorageObject, cause error) error {
	if err := s.meta.SetObjectStatus(ctx, nasObj.ID, metadata.StatusError); err != nil {
		logger.WarnCtx(ctx, "failed to quarantine nas object",
			logger.KeyFileID, fileID,
			logger.KeyError, err)
	}
	return fmt.Errorf("cache bytes for file %s are gone: %w", fileID, cause)
}

// finalizeSession closes out a COMPLETING multipart session once its file is
// on the NAS: the session becomes COMPLETED, its parts are reaped and the
// admission slot is freed. Part cleanup failures are left to the cleaner.
func (s *Syncer) finalizeSession(ctx context.Context, sessionID string) {
	err := s.meta.TransitionSessionStatus(ctx, sessionID, metadata.SessionCompleting, metadata.SessionCompleted)
	if err != nil && !errors.Is(err, metadata.ErrStaleTransition) {
		logger.WarnCtx(ctx, "failed to mark session completed",
			logger.KeySessionID, sessionID,
			logger.KeyError, err)
	}

	if err := s.cache.DeleteByPrefix(ctx, files.SessionObjectPrefix(sessionID)); err != nil {
		logger.WarnCtx(ctx, "failed to delete session parts from cache",
			logger.KeySessionID, sessionID,
			logger.KeyError, err)
	} else if err := s.meta.DeleteParts(ctx, sessionID); err != nil {
		logger.WarnCtx(ctx, "failed to delete session part rows",
			logger.KeySessionID, sessionID,
			logger.KeyError, err)
	}

	if s.admission != nil {
		s.admission.Release(sessionID)
	}
}

// partsReader streams a session's parts back to back in part-number order.
type partsReader struct {
	ctx       context.Context
	store     storage.CacheStore
	sessionID string
	parts     []metadata.UploadPart
	idx       int
	cur       io.ReadCloser
}

func (r *partsReader) Read(p []byte) (int, error) {
	for {
		if r.cur == nil {
			if r.idx >= len(r.parts) {
				return 0, io.EOF
			}
			part := r.parts[r.idx]
			rc, err := r.store.Open(r.ctx, files.PartObjectKey(r.sessionID, part.PartNumber))
			if err != nil {
				return 0, fmt.Errorf("opening part %d: %w", part.PartNumber, err)
			}
			r.cur = rc
			r.idx++
		}

		n, err := r.cur.Read(p)
		if err == io.EOF {
			closeErr := r.cur.Close()
			r.cur = nil
			if closeErr != nil {
				return n, closeErr
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}
