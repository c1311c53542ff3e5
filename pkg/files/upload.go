package files

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/naspath"
	"github.com/tierfs/tierfs/pkg/streamio"
)

// UploadRequest is a one-shot upload. Larger files go through multipart
// sessions instead.
type UploadRequest struct {
	// FolderID is the destination folder. "", "/" and "root" address the
	// root folder.
	FolderID string

	// Name is the client-supplied display name.
	Name string

	// Size is the declared size in bytes, or negative when unknown.
	Size int64

	MimeType  string
	CreatedBy string

	// Body is the file content.
	Body io.Reader
}

// Upload stores a small file: the bytes land in the cache, the metadata is
// committed in one transaction, and a CREATE sync event carries the file to
// the NAS in the background. The file is durable and downloadable as soon as
// Upload returns.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*metadata.File, error) {
	folder, err := s.resolveFolder(ctx, req.FolderID)
	if err != nil {
		return nil, err
	}

	name, err := validateName(naspath.NormalizeName(req.Name))
	if err != nil {
		return nil, err
	}

	maxSize := int64(s.cfg.MaxFileSize)
	if req.Size > maxSize {
		return nil, validationError(CodeFileTooLarge,
			"file size %d exceeds the maximum of %d bytes", req.Size, maxSize)
	}

	if _, err := s.meta.FindFileByName(ctx, folder.ID, name); err == nil {
		return nil, conflictError(CodeDuplicateFileExists,
			"a file named %q already exists in folder %s", name, folder.ID)
	} else if !errors.Is(err, metadata.ErrFileNotFound) {
		return nil, unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}

	fileID := uuid.NewString()
	cacheKey := CacheObjectKey(fileID)

	// Stream into the cache first. The limit is one byte past the maximum
	// so an oversized body is detected without buffering it.
	hashed := streamio.NewHashingReader(io.LimitReader(req.Body, maxSize+1))
	written, err := s.cache.Write(ctx, cacheKey, hashed)
	if err != nil {
		return nil, unavailableError(CodeCacheReadFailed, err, "failed to store file content")
	}
	if written > maxSize {
		s.discardCacheBlob(ctx, cacheKey)
		return nil, validationError(CodeFileTooLarge,
			"file content exceeds the maximum of %d bytes", maxSize)
	}

	checksum := hashed.Sum()
	mimeType := req.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	now := time.Now()
	nasKey := naspath.ObjectKey(folder.Path, name, now)

	file := &metadata.File{
		ID:        fileID,
		Name:      name,
		FolderID:  folder.ID,
		SizeBytes: written,
		MimeType:  mimeType,
		State:     metadata.FileStateActive,
		CreatedBy: req.CreatedBy,
	}
	event := &metadata.SyncEvent{
		ID:         uuid.NewString(),
		FileID:     fileID,
		EventType:  metadata.EventCreate,
		SourcePath: cacheKey,
		TargetPath: nasKey,
	}

	err = s.meta.Transaction(ctx, func(tx *metadata.Store) error {
		if err := tx.CreateFile(ctx, file); err != nil {
			return err
		}
		if err := tx.CreateObject(ctx, &metadata.StorageObject{
			ID:                 uuid.NewString(),
			FileID:             fileID,
			Tier:               metadata.TierCache,
			ObjectKey:          cacheKey,
			AvailabilityStatus: metadata.StatusAvailable,
			Checksum:           &checksum,
		}); err != nil {
			return err
		}
		if err := tx.CreateObject(ctx, &metadata.StorageObject{
			ID:                 uuid.NewString(),
			FileID:             fileID,
			Tier:               metadata.TierNAS,
			ObjectKey:          nasKey,
			AvailabilityStatus: metadata.StatusSyncing,
			Checksum:           &checksum,
		}); err != nil {
			return err
		}
		return tx.CreateEvent(ctx, event)
	})
	if err != nil {
		// The blob is orphaned without its metadata; take it back out.
		s.discardCacheBlob(ctx, cacheKey)
		return nil, unavailableError(CodeFileStorageUnavailable, err, "failed to commit file metadata")
	}

	s.enqueueSyncEvent(ctx, event)

	logger.InfoCtx(ctx, "file uploaded",
		logger.KeyFileID, fileID,
		logger.KeyFileName, name,
		logger.KeyFolderID, folder.ID,
		logger.KeySize, written,
		logger.KeyChecksum, checksum)

	return file, nil
}

// discardCacheBlob removes a blob written before its metadata could commit.
func (s *Service) discardCacheBlob(ctx context.Context, key string) {
	if err := s.cache.Delete(ctx, key); err != nil {
		logger.WarnCtx(ctx, "failed to remove orphaned cache blob",
			logger.KeyObjectKey, key, logger.KeyError, err)
	}
}
