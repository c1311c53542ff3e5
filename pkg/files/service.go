// Package files implements the tiered file service: uploads land in the
// cache and are synchronized to the NAS in the background, downloads are
// served from whichever tier has usable bytes, and every NAS mutation is
// recorded as a durable sync event before it is handed to the workers.
package files

import (
	"context"
	"errors"
	"path"
	"strings"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/config"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/progress"
	"github.com/tierfs/tierfs/pkg/storage"
)

// RootFolderID is the well-known ID of the root folder. Requests may also
// address it as "" or "/".
const RootFolderID = "root"

// maxNameLength bounds file names, matching the metadata column.
const maxNameLength = 1024

// Enqueuer submits a background job under a deduplicating ID.
type Enqueuer interface {
	Enqueue(id string, payload any) error
}

// SyncTask is the payload handed to the NAS sync queue. The worker re-reads
// the event row, so the payload only carries identifiers.
type SyncTask struct {
	EventID string
	FileID  string
}

// RestoreTask is the payload handed to the cache restore queue.
type RestoreTask struct {
	FileID string
}

// RestoreJobID is the deduplicating queue ID for a file's cache restore.
func RestoreJobID(fileID string) string {
	return "cache-restore:" + fileID
}

// Deps carries the collaborators of the service.
type Deps struct {
	Meta         *metadata.Store
	Cache        storage.CacheStore
	NAS          storage.NASStore
	SyncQueue    Enqueuer
	RestoreQueue Enqueuer
	Progress     progress.Store
	Admission    *Admission
}

// Service implements the file operations over the two tiers.
type Service struct {
	meta         *metadata.Store
	cache        storage.CacheStore
	nas          storage.NASStore
	syncQueue    Enqueuer
	restoreQueue Enqueuer
	progress     progress.Store
	admission    *Admission
	cfg          config.UploadConfig
}

// NewService wires a file service.
func NewService(deps Deps, cfg config.UploadConfig) *Service {
	return &Service{
		meta:         deps.Meta,
		cache:        deps.Cache,
		nas:          deps.NAS,
		syncQueue:    deps.SyncQueue,
		restoreQueue: deps.RestoreQueue,
		progress:     deps.Progress,
		admission:    deps.Admission,
		cfg:          cfg,
	}
}

// Get returns the file row, mapped onto the service error taxonomy.
func (s *Service) Get(ctx context.Context, fileID string) (*metadata.File, error) {
	file, err := s.meta.GetFile(ctx, fileID)
	if err != nil {
		if errors.Is(err, metadata.ErrFileNotFound) {
			return nil, notFoundError(CodeFileNotFound, "file %s not found", fileID)
		}
		return nil, unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}
	return file, nil
}

// getActiveFile returns the file when it is in the ACTIVE state, or the
// state-specific error.
func (s *Service) getActiveFile(ctx context.Context, fileID string) (*metadata.File, error) {
	file, err := s.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	switch file.State {
	case metadata.FileStateTrashed:
		return nil, conflictError(CodeFileInTrash, "file %s is in the trash", fileID)
	case metadata.FileStateDeleted:
		return nil, notFoundError(CodeFileDeleted, "file %s has been deleted", fileID)
	}
	return file, nil
}

// resolveFolder resolves a folder reference ("" and "/" alias the root) and
// checks it can accept new files.
func (s *Service) resolveFolder(ctx context.Context, folderID string) (*metadata.Folder, error) {
	isRoot := folderID == "" || folderID == "/" || folderID == RootFolderID
	if isRoot {
		folderID = RootFolderID
	}

	folder, err := s.meta.GetFolder(ctx, folderID)
	if err != nil {
		if errors.Is(err, metadata.ErrFolderNotFound) {
			if isRoot {
				return nil, notFoundError(CodeRootFolderNotFound, "root folder is not provisioned")
			}
			return nil, notFoundError(CodeFolderNotFound, "folder %s not found", folderID)
		}
		return nil, unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}

	if folder.State != metadata.FolderActive {
		return nil, notFoundError(CodeFolderNotFound, "folder %s not found", folderID)
	}

	switch folder.NASStatus {
	case metadata.FolderNASSyncing, metadata.FolderNASMoving:
		return nil, retryableConflict(CodeFolderSyncInProgress,
			"folder %s is being synchronized", folderID)
	case metadata.FolderNASError:
		return nil, conflictError(CodeFolderSyncFailed,
			"folder %s failed to synchronize", folderID)
	}

	return folder, nil
}

// guardNoOpenSync rejects mutations while the file has in-flight NAS work.
func (s *Service) guardNoOpenSync(ctx context.Context, fileID string) error {
	open, err := s.meta.HasOpenEvents(ctx, fileID)
	if err != nil {
		return unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}
	if open {
		return retryableConflict(CodeFileSyncing, "file %s has a sync in progress", fileID)
	}
	return nil
}

// validateName checks a display name and returns its normalized form.
func validateName(name string) (string, error) {
	normalized := strings.TrimSpace(name)
	if normalized == "" {
		return "", validationError(CodeInvalidFileName, "file name is empty")
	}
	if len(normalized) > maxNameLength {
		return "", validationError(CodeInvalidFileName, "file name exceeds %d bytes", maxNameLength)
	}
	if normalized == "." || normalized == ".." {
		return "", validationError(CodeInvalidFileName, "file name %q is reserved", normalized)
	}
	if strings.ContainsAny(normalized, "/\x00") {
		return "", validationError(CodeInvalidFileName, "file name must not contain path separators")
	}
	return normalized, nil
}

// sameExtension reports whether two names share a file extension,
// case-insensitively.
func sameExtension(a, b string) bool {
	return strings.EqualFold(path.Ext(a), path.Ext(b))
}

// createSyncEvent inserts the event and hands it to the sync queue, moving it
// PENDING to QUEUED on success. Enqueue failures leave the event PENDING for
// the next sweep, so the mutation is never lost.
func (s *Service) createSyncEvent(ctx context.Context, event *metadata.SyncEvent) error {
	if err := s.meta.CreateEvent(ctx, event); err != nil {
		return unavailableError(CodeFileStorageUnavailable, err, "failed to record sync event")
	}
	s.enqueueSyncEvent(ctx, event)
	return nil
}

// enqueueSyncEvent hands an already persisted event to the sync queue.
func (s *Service) enqueueSyncEvent(ctx context.Context, event *metadata.SyncEvent) {
	err := s.syncQueue.Enqueue(event.ID, SyncTask{EventID: event.ID, FileID: event.FileID})
	if err != nil {
		logger.WarnCtx(ctx, "sync event enqueue failed, leaving it pending",
			logger.KeySyncEventID, event.ID,
			logger.KeyFileID, event.FileID,
			logger.KeyError, err)
		return
	}

	if err := s.meta.TransitionEventStatus(ctx, event.ID, metadata.EventPending, metadata.EventQueued); err != nil {
		// A concurrent sweep may have queued it first. That is fine.
		if !errors.Is(err, metadata.ErrStaleTransition) {
			logger.WarnCtx(ctx, "failed to mark sync event queued",
				logger.KeySyncEventID, event.ID,
				logger.KeyError, err)
		}
	}
}

// SyncProgress reports the file's transfer progress. Files with no tracked
// transfer report IDLE.
func (s *Service) SyncProgress(ctx context.Context, fileID string) (progress.Entry, error) {
	if _, err := s.Get(ctx, fileID); err != nil {
		return progress.Entry{}, err
	}

	entry, err := s.progress.Get(ctx, fileID)
	if err != nil {
		if errors.Is(err, progress.ErrNotFound) {
			return progress.Entry{Key: fileID, Stage: progress.StageIdle}, nil
		}
		return progress.Entry{}, unavailableError(CodeFileStorageUnavailable, err, "progress lookup failed")
	}
	return entry, nil
}
