package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/httprange"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/queue"
	"github.com/tierfs/tierfs/pkg/storage"
)

// DownloadRequest addresses a file download, with the raw conditional range
// headers from the client.
type DownloadRequest struct {
	FileID      string
	RangeHeader string
	IfRange     string
}

// Download describes a ready-to-stream response. The caller must Close it
// after streaming; Close releases the tier lease exactly once, so the object
// stays pinned against eviction for the lifetime of the stream.
type Download struct {
	File   *metadata.File
	Status int

	// Body is nil when Status is 416.
	Body io.ReadCloser

	ContentLength int64
	ContentRange  string
	ETag          string
	Checksum      string
	Tier          metadata.Tier

	closeOnce sync.Once
	release   func()
}

// Close closes the body and releases the tier lease. Safe to call more than
// once.
func (d *Download) Close() error {
	var err error
	d.closeOnce.Do(func() {
		if d.Body != nil {
			err = d.Body.Close()
		}
		if d.release != nil {
			d.release()
		}
	})
	return err
}

// tierReader is the read surface shared by both tier stores.
type tierReader interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	OpenRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error)
}

// Download routes a download to the cache, the NAS, or the parts of a
// completing multipart session, in that order of preference.
//
// A cache hit streams directly. A cache miss with usable NAS bytes streams
// from the NAS and schedules a background restore so the next read hits the
// cache. A file whose NAS object is still being written can only be served
// while its multipart session retains the parts.
func (s *Service) Download(ctx context.Context, req DownloadRequest) (*Download, error) {
	file, err := s.getActiveFile(ctx, req.FileID)
	if err != nil {
		return nil, err
	}

	cacheObj, err := s.reconcileCache(ctx, file)
	if err != nil {
		return nil, err
	}

	var cacheFailure error
	if cacheObj.Available() {
		dl, err := s.serveFromTier(ctx, file, cacheObj, s.cache, metadata.TierCache, req)
		if err == nil {
			return dl, nil
		}

		// The blob vanished or went unreadable between reconcile and open.
		// Record what we saw and fall through to the NAS.
		if errors.Is(err, storage.ErrObjectNotFound) {
			if markErr := s.meta.SetObjectStatus(ctx, cacheObj.ID, metadata.StatusMissing); markErr != nil {
				logger.WarnCtx(ctx, "failed to mark cache object missing",
					logger.KeyFileID, file.ID, logger.KeyError, markErr)
			}
		}
		cacheFailure = unavailableError(CodeCacheReadFailed, err, "cache read failed for file %s", file.ID)
		logger.WarnCtx(ctx, "cache read failed, falling back to nas",
			logger.KeyFileID, file.ID, logger.KeyError, err)
	}

	nasObj, err := s.meta.GetObject(ctx, file.ID, metadata.TierNAS)
	if err != nil && !errors.Is(err, metadata.ErrObjectNotFound) {
		return nil, unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}

	switch {
	case nasObj == nil || nasObj.AvailabilityStatus == metadata.StatusMissing,
		nasObj != nil && nasObj.AvailabilityStatus == metadata.StatusError:
		if cacheFailure != nil {
			return nil, cacheFailure
		}
		return nil, unavailableError(CodeFileNotFoundInStorage, nil,
			"file %s has no readable bytes in any tier", file.ID)

	case nasObj.AvailabilityStatus == metadata.StatusSyncing:
		// The NAS copy is still being written. A completing multipart
		// session still holds the parts, so the file stays readable.
		if session := s.findCompletingSession(ctx, file.ID); session != nil {
			return s.serveFromParts(ctx, file, session, req)
		}
		return nil, retryableConflict(CodeFileSyncing,
			"file %s is being synchronized to storage", file.ID)
	}

	dl, err := s.serveFromTier(ctx, file, nasObj, s.nas, metadata.TierNAS, req)
	if err != nil {
		return nil, unavailableError(CodeNASReadFailed, err, "nas read failed for file %s", file.ID)
	}

	s.scheduleRestore(ctx, file.ID)
	return dl, nil
}

// reconcileCache repairs drift between the cache backend and the metadata
// row before routing a download. Every branch is idempotent:
//
//   - blob and row both present: a MISSING row flips back to AVAILABLE
//   - blob present, row absent: a row is created around the found blob
//   - blob absent, row AVAILABLE: the row flips to MISSING
//   - neither present: nil, the caller falls through to the NAS
func (s *Service) reconcileCache(ctx context.Context, file *metadata.File) (*metadata.StorageObject, error) {
	key := CacheObjectKey(file.ID)

	_, statErr := s.cache.Stat(ctx, key)
	if statErr != nil && !errors.Is(statErr, storage.ErrObjectNotFound) {
		return nil, unavailableError(CodeCacheReadFailed, statErr, "cache stat failed for file %s", file.ID)
	}
	blobExists := statErr == nil

	obj, err := s.meta.GetObject(ctx, file.ID, metadata.TierCache)
	if err != nil && !errors.Is(err, metadata.ErrObjectNotFound) {
		return nil, unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}
	rowExists := err == nil

	switch {
	case blobExists && rowExists:
		if obj.AvailabilityStatus == metadata.StatusMissing {
			if err := s.meta.SetObjectStatus(ctx, obj.ID, metadata.StatusAvailable); err != nil {
				return nil, unavailableError(CodeFileStorageUnavailable, err, "failed to repair cache row")
			}
			obj.AvailabilityStatus = metadata.StatusAvailable
			logger.InfoCtx(ctx, "reconciled cache row back to available", logger.KeyFileID, file.ID)
		}
		return obj, nil

	case blobExists && !rowExists:
		obj = &metadata.StorageObject{
			ID:                 uuid.NewString(),
			FileID:             file.ID,
			Tier:               metadata.TierCache,
			ObjectKey:          key,
			AvailabilityStatus: metadata.StatusAvailable,
		}
		if err := s.meta.UpsertObject(ctx, obj); err != nil {
			return nil, unavailableError(CodeFileStorageUnavailable, err, "failed to adopt cache blob")
		}
		logger.InfoCtx(ctx, "adopted orphaned cache blob", logger.KeyFileID, file.ID)
		return obj, nil

	case !blobExists && rowExists:
		if obj.AvailabilityStatus == metadata.StatusAvailable {
			if err := s.meta.SetObjectStatus(ctx, obj.ID, metadata.StatusMissing); err != nil {
				return nil, unavailableError(CodeFileStorageUnavailable, err, "failed to repair cache row")
			}
			obj.AvailabilityStatus = metadata.StatusMissing
			logger.WarnCtx(ctx, "cache blob lost, marked row missing", logger.KeyFileID, file.ID)
		}
		return obj, nil
	}

	return nil, nil
}

// serveFromTier leases the object, resolves the range and opens the stream.
// Storage errors come back raw so the caller can decide on a fallback.
func (s *Service) serveFromTier(
	ctx context.Context,
	file *metadata.File,
	obj *metadata.StorageObject,
	store tierReader,
	tier metadata.Tier,
	req DownloadRequest,
) (*Download, error) {
	etag := objectETag(file, obj)

	rng, unsatisfiable := resolveRange(req, etag, file.SizeBytes)
	if unsatisfiable {
		return &Download{
			File:         file,
			Status:       http.StatusRequestedRangeNotSatisfiable,
			ContentRange: httprange.Unsatisfiable(file.SizeBytes),
			ETag:         etag,
		}, nil
	}

	if err := s.meta.AcquireLease(ctx, obj.ID); err != nil {
		return nil, fmt.Errorf("failed to lease object: %w", err)
	}
	release := func() {
		// The stream may outlive the request context.
		if err := s.meta.ReleaseLease(context.Background(), obj.ID); err != nil {
			logger.Warn("failed to release download lease",
				logger.KeyFileID, file.ID, logger.KeyTier, string(tier), logger.KeyError, err)
		}
	}

	var body io.ReadCloser
	var err error
	if rng != nil {
		body, err = store.OpenRange(ctx, obj.ObjectKey, rng.Start, rng.Length)
	} else {
		body, err = store.Open(ctx, obj.ObjectKey)
	}
	if err != nil {
		release()
		return nil, err
	}

	dl := &Download{
		File:    file,
		Status:  http.StatusOK,
		Body:    body,
		ETag:    etag,
		Tier:    tier,
		release: release,
	}
	if obj.Checksum != nil {
		dl.Checksum = *obj.Checksum
	}
	if rng != nil {
		dl.Status = http.StatusPartialContent
		dl.ContentLength = rng.Length
		dl.ContentRange = rng.ContentRange(file.SizeBytes)
	} else {
		dl.ContentLength = file.SizeBytes
	}
	return dl, nil
}

// serveFromParts streams a file out of the cached parts of its completing
// multipart session. No lease is taken: the session itself pins the parts
// until the sync worker finishes.
func (s *Service) serveFromParts(
	ctx context.Context,
	file *metadata.File,
	session *metadata.UploadSession,
	req DownloadRequest,
) (*Download, error) {
	etag := objectETag(file, nil)

	rng, unsatisfiable := resolveRange(req, etag, session.TotalSize)
	if unsatisfiable {
		return &Download{
			File:         file,
			Status:       http.StatusRequestedRangeNotSatisfiable,
			ContentRange: httprange.Unsatisfiable(session.TotalSize),
			ETag:         etag,
		}, nil
	}

	start, length := int64(0), session.TotalSize
	if rng != nil {
		start, length = rng.Start, rng.Length
	}

	dl := &Download{
		File:          file,
		Status:        http.StatusOK,
		Body:          newPartStream(ctx, s.cache, session.ID, session.PartSize, start, length),
		ContentLength: length,
		ETag:          etag,
		Tier:          metadata.TierCache,
	}
	if rng != nil {
		dl.Status = http.StatusPartialContent
		dl.ContentRange = rng.ContentRange(session.TotalSize)
	}
	return dl, nil
}

// resolveRange turns the request headers into a byte range. A failed
// If-Range precondition downgrades to a full response; a malformed header or
// a well-formed range past the end reports unsatisfiable.
func resolveRange(req DownloadRequest, etag string, size int64) (*httprange.Range, bool) {
	if req.RangeHeader == "" {
		return nil, false
	}
	if req.IfRange != "" && !etagMatches(req.IfRange, etag) {
		return nil, false
	}

	rng, err := httprange.Parse(req.RangeHeader, size)
	if err != nil {
		return nil, true
	}
	return &rng, false
}

// etagMatches compares entity tags ignoring quoting and weak prefixes.
func etagMatches(a, b string) bool {
	trim := func(v string) string {
		v = strings.TrimSpace(v)
		v = strings.TrimPrefix(v, "W/")
		return strings.Trim(v, `"`)
	}
	return trim(a) == trim(b)
}

// objectETag derives the entity tag: the content checksum when known,
// otherwise the file identity and last modification.
func objectETag(file *metadata.File, obj *metadata.StorageObject) string {
	if obj != nil && obj.Checksum != nil && *obj.Checksum != "" {
		return `"` + *obj.Checksum + `"`
	}
	return fmt.Sprintf(`"%s-%d"`, file.ID, file.UpdatedAt.Unix())
}

// findCompletingSession returns the COMPLETING multipart session that minted
// this file, if one exists.
func (s *Service) findCompletingSession(ctx context.Context, fileID string) *metadata.UploadSession {
	sessions, err := s.meta.ListSessionsByStatus(ctx, metadata.SessionCompleting, 100)
	if err != nil {
		logger.WarnCtx(ctx, "failed to list completing sessions",
			logger.KeyFileID, fileID, logger.KeyError, err)
		return nil
	}
	for i := range sessions {
		if sessions[i].FileID != nil && *sessions[i].FileID == fileID {
			return &sessions[i]
		}
	}
	return nil
}

// scheduleRestore enqueues a cache restore for the file. Duplicate enqueues
// while a restore is already pending are expected and ignored.
func (s *Service) scheduleRestore(ctx context.Context, fileID string) {
	err := s.restoreQueue.Enqueue(RestoreJobID(fileID), RestoreTask{FileID: fileID})
	if err != nil && !errors.Is(err, queue.ErrDuplicateJob) {
		logger.WarnCtx(ctx, "failed to schedule cache restore",
			logger.KeyFileID, fileID, logger.KeyError, err)
	}
}

// partStream reads a contiguous byte range out of a session's cached parts,
// opening each part lazily as the previous one drains.
type partStream struct {
	ctx       context.Context
	store     storage.CacheStore
	sessionID string
	partSize  int64

	pos       int64
	remaining int64
	cur       io.ReadCloser
}

func newPartStream(ctx context.Context, store storage.CacheStore, sessionID string, partSize, start, length int64) *partStream {
	return &partStream{
		ctx:       ctx,
		store:     store,
		sessionID: sessionID,
		partSize:  partSize,
		pos:       start,
		remaining: length,
	}
}

func (ps *partStream) Read(p []byte) (int, error) {
	if ps.remaining <= 0 {
		return 0, io.EOF
	}

	if ps.cur == nil {
		partNumber := int(ps.pos/ps.partSize) + 1
		offset := ps.pos % ps.partSize

		rc, err := ps.store.OpenRange(ps.ctx, PartObjectKey(ps.sessionID, partNumber), offset, -1)
		if err != nil {
			return 0, fmt.Errorf("failed to open part %d: %w", partNumber, err)
		}
		ps.cur = rc
	}

	if int64(len(p)) > ps.remaining {
		p = p[:ps.remaining]
	}

	n, err := ps.cur.Read(p)
	ps.pos += int64(n)
	ps.remaining -= int64(n)

	if err == io.EOF {
		_ = ps.cur.Close()
		ps.cur = nil
		if ps.remaining == 0 {
			return n, io.EOF
		}
		// The next Read opens the following part; a drain that does not
		// land on a part boundary means the part was truncated.
		if ps.pos%ps.partSize != 0 {
			return n, fmt.Errorf("part ended %d bytes early", ps.partSize-ps.pos%ps.partSize)
		}
		err = nil
	}
	return n, err
}

func (ps *partStream) Close() error {
	ps.remaining = 0
	if ps.cur != nil {
		err := ps.cur.Close()
		ps.cur = nil
		return err
	}
	return nil
}
