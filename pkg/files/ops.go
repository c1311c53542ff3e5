package files

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/naspath"
)

// Rename changes a file's display name. The extension must stay the same so
// a rename can never change how clients interpret the content. The NAS copy
// follows asynchronously through a RENAME sync event.
func (s *Service) Rename(ctx context.Context, fileID, newName string) (*metadata.File, error) {
	file, err := s.getActiveFile(ctx, fileID)
	if err != nil {
		return nil, err
	}

	name, err := validateName(naspath.NormalizeName(newName))
	if err != nil {
		return nil, err
	}
	if !sameExtension(file.Name, name) {
		return nil, validationError(CodeExtensionChange,
			"renaming %q to %q would change the file extension", file.Name, name)
	}
	if name == file.Name {
		return file, nil
	}

	if err := s.guardNoOpenSync(ctx, fileID); err != nil {
		return nil, err
	}

	if _, err := s.meta.FindFileByName(ctx, file.FolderID, name); err == nil {
		return nil, conflictError(CodeDuplicateFileExists,
			"a file named %q already exists in folder %s", name, file.FolderID)
	} else if !errors.Is(err, metadata.ErrFileNotFound) {
		return nil, unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}

	oldName := file.Name
	file.Name = name
	event := &metadata.SyncEvent{
		ID:        uuid.NewString(),
		FileID:    fileID,
		EventType: metadata.EventRename,
		NewName:   &name,
	}

	err = s.meta.Transaction(ctx, func(tx *metadata.Store) error {
		if err := tx.UpdateFile(ctx, file); err != nil {
			return err
		}
		return tx.CreateEvent(ctx, event)
	})
	if err != nil {
		return nil, unavailableError(CodeFileStorageUnavailable, err, "failed to commit rename")
	}

	s.enqueueSyncEvent(ctx, event)

	logger.InfoCtx(ctx, "file renamed",
		logger.KeyFileID, fileID, "old_name", oldName, logger.KeyFileName, name)
	return file, nil
}

// Move relocates a file into another folder. A name collision in the target
// is resolved per the strategy: ERROR rejects, SKIP leaves the file where it
// is and reports skipped, RENAME picks the smallest free "name (N).ext".
func (s *Service) Move(
	ctx context.Context,
	fileID, targetFolderID string,
	onConflict metadata.ConflictStrategy,
) (*metadata.File, bool, error) {
	file, err := s.getActiveFile(ctx, fileID)
	if err != nil {
		return nil, false, err
	}

	target, err := s.resolveTargetFolder(ctx, targetFolderID)
	if err != nil {
		return nil, false, err
	}
	if target.ID == file.FolderID {
		return file, false, nil
	}

	if err := s.guardNoOpenSync(ctx, fileID); err != nil {
		return nil, false, err
	}

	finalName := file.Name
	if _, err := s.meta.FindFileByName(ctx, target.ID, file.Name); err == nil {
		switch onConflict {
		case metadata.ConflictSkip:
			return file, true, nil
		case metadata.ConflictRename:
			finalName, err = s.nextFreeName(ctx, target.ID, file.Name)
			if err != nil {
				return nil, false, err
			}
		case metadata.ConflictOverwrite:
			return nil, false, validationError(CodeConflictStrategyUnsupported,
				"overwrite on move is not supported")
		default:
			return nil, false, conflictError(CodeDuplicateFileExists,
				"a file named %q already exists in folder %s", file.Name, target.ID)
		}
	} else if !errors.Is(err, metadata.ErrFileNotFound) {
		return nil, false, unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}

	originalFolderID := file.FolderID
	file.FolderID = target.ID
	file.Name = finalName
	file.OriginalFolderID = &originalFolderID

	event := &metadata.SyncEvent{
		ID:               uuid.NewString(),
		FileID:           fileID,
		EventType:        metadata.EventMove,
		TargetFolderID:   &target.ID,
		OriginalFolderID: &originalFolderID,
		NewName:          &finalName,
	}

	err = s.meta.Transaction(ctx, func(tx *metadata.Store) error {
		if err := tx.UpdateFile(ctx, file); err != nil {
			return err
		}
		return tx.CreateEvent(ctx, event)
	})
	if err != nil {
		return nil, false, unavailableError(CodeFileStorageUnavailable, err, "failed to commit move")
	}

	s.enqueueSyncEvent(ctx, event)

	logger.InfoCtx(ctx, "file moved",
		logger.KeyFileID, fileID,
		"from_folder", originalFolderID,
		logger.KeyFolderID, target.ID,
		logger.KeyFileName, finalName)
	return file, false, nil
}

// Trash soft-deletes a file. The cache copy stays readable for restore; the
// NAS copy is parked under the trash directory by the sync worker.
func (s *Service) Trash(ctx context.Context, fileID string) (*metadata.File, error) {
	file, err := s.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	switch file.State {
	case metadata.FileStateTrashed:
		return nil, conflictError(CodeFileAlreadyTrashed, "file %s is already in the trash", fileID)
	case metadata.FileStateDeleted:
		return nil, notFoundError(CodeFileDeleted, "file %s has been deleted", fileID)
	}

	if err := s.guardNoOpenSync(ctx, fileID); err != nil {
		return nil, err
	}
	if err := s.guardNASNotLeased(ctx, fileID); err != nil {
		return nil, err
	}

	trashMetadataID := uuid.NewString()
	originalFolderID := file.FolderID
	file.State = metadata.FileStateTrashed
	file.TrashMetadataID = &trashMetadataID
	file.OriginalFolderID = &originalFolderID

	event := &metadata.SyncEvent{
		ID:              uuid.NewString(),
		FileID:          fileID,
		EventType:       metadata.EventTrash,
		TrashMetadataID: &trashMetadataID,
	}

	err = s.meta.Transaction(ctx, func(tx *metadata.Store) error {
		if err := tx.TransitionFileState(ctx, fileID, metadata.FileStateActive, metadata.FileStateTrashed); err != nil {
			return err
		}
		if err := tx.UpdateFile(ctx, file); err != nil {
			return err
		}
		return tx.CreateEvent(ctx, event)
	})
	if err != nil {
		if errors.Is(err, metadata.ErrStaleTransition) {
			return nil, conflictError(CodeFileAlreadyTrashed, "file %s is already in the trash", fileID)
		}
		return nil, unavailableError(CodeFileStorageUnavailable, err, "failed to commit trash")
	}

	s.enqueueSyncEvent(ctx, event)

	logger.InfoCtx(ctx, "file trashed", logger.KeyFileID, fileID)
	return file, nil
}

// RestoreFromTrash returns a trashed file to circulation. It lands back in
// its original folder, or in the root when that folder no longer exists. A
// name taken in the meantime resolves to the smallest free "name (N).ext".
// Restoring an already active file is a no-op.
func (s *Service) RestoreFromTrash(ctx context.Context, fileID string) (*metadata.File, error) {
	file, err := s.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	switch file.State {
	case metadata.FileStateActive:
		return file, nil
	case metadata.FileStateDeleted:
		return nil, notFoundError(CodeFileDeleted, "file %s has been deleted", fileID)
	}

	if err := s.guardNoOpenSync(ctx, fileID); err != nil {
		return nil, err
	}

	destID := file.FolderID
	if file.OriginalFolderID != nil {
		destID = *file.OriginalFolderID
	}
	dest, err := s.meta.GetFolder(ctx, destID)
	if err != nil || dest.State != metadata.FolderActive {
		if err != nil && !errors.Is(err, metadata.ErrFolderNotFound) {
			return nil, unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
		}
		// The original folder is gone; fall back to the root.
		dest, err = s.meta.GetFolder(ctx, RootFolderID)
		if err != nil {
			return nil, notFoundError(CodeRootFolderNotFound, "root folder is not provisioned")
		}
	}

	finalName, err := s.nextFreeName(ctx, dest.ID, file.Name)
	if err != nil {
		return nil, err
	}

	trashMetadataID := file.TrashMetadataID
	file.State = metadata.FileStateActive
	file.FolderID = dest.ID
	file.Name = finalName
	file.TrashMetadataID = nil
	file.OriginalFolderID = nil

	event := &metadata.SyncEvent{
		ID:              uuid.NewString(),
		FileID:          fileID,
		EventType:       metadata.EventRestore,
		TrashMetadataID: trashMetadataID,
		TargetFolderID:  &dest.ID,
		NewName:         &finalName,
	}

	err = s.meta.Transaction(ctx, func(tx *metadata.Store) error {
		if err := tx.TransitionFileState(ctx, fileID, metadata.FileStateTrashed, metadata.FileStateActive); err != nil {
			return err
		}
		if err := tx.UpdateFile(ctx, file); err != nil {
			return err
		}
		return tx.CreateEvent(ctx, event)
	})
	if err != nil {
		return nil, unavailableError(CodeFileStorageUnavailable, err, "failed to commit restore")
	}

	s.enqueueSyncEvent(ctx, event)

	logger.InfoCtx(ctx, "file restored from trash",
		logger.KeyFileID, fileID, logger.KeyFolderID, dest.ID, logger.KeyFileName, finalName)
	return file, nil
}

// Purge permanently deletes a trashed file. The bytes in both tiers are
// removed by the sync worker; the metadata row stays as a DELETED tombstone.
// Purging an already deleted file is a no-op.
func (s *Service) Purge(ctx context.Context, fileID string) error {
	file, err := s.Get(ctx, fileID)
	if err != nil {
		return err
	}
	switch file.State {
	case metadata.FileStateDeleted:
		return nil
	case metadata.FileStateActive:
		return conflictError(CodeFileNotInTrash, "file %s must be trashed before it can be purged", fileID)
	}

	if err := s.guardNoOpenSync(ctx, fileID); err != nil {
		return err
	}
	if err := s.guardNASNotLeased(ctx, fileID); err != nil {
		return err
	}

	event := &metadata.SyncEvent{
		ID:              uuid.NewString(),
		FileID:          fileID,
		EventType:       metadata.EventPurge,
		TrashMetadataID: file.TrashMetadataID,
	}

	err = s.meta.Transaction(ctx, func(tx *metadata.Store) error {
		if err := tx.TransitionFileState(ctx, fileID, metadata.FileStateTrashed, metadata.FileStateDeleted); err != nil {
			return err
		}
		return tx.CreateEvent(ctx, event)
	})
	if err != nil {
		if errors.Is(err, metadata.ErrStaleTransition) {
			return nil
		}
		return unavailableError(CodeFileStorageUnavailable, err, "failed to commit purge")
	}

	s.enqueueSyncEvent(ctx, event)

	logger.InfoCtx(ctx, "file purged", logger.KeyFileID, fileID)
	return nil
}

// resolveTargetFolder is resolveFolder with move-specific error codes.
func (s *Service) resolveTargetFolder(ctx context.Context, folderID string) (*metadata.Folder, error) {
	folder, err := s.resolveFolder(ctx, folderID)
	if err != nil {
		if e, ok := AsError(err); ok && e.Code == CodeFolderNotFound {
			return nil, notFoundError(CodeTargetFolderNotFound, "target folder %s not found", folderID)
		}
		return nil, err
	}
	return folder, nil
}

// guardNASNotLeased refuses destructive operations while another reader is
// streaming the NAS copy.
func (s *Service) guardNASNotLeased(ctx context.Context, fileID string) error {
	obj, err := s.meta.GetObject(ctx, fileID, metadata.TierNAS)
	if err != nil {
		if errors.Is(err, metadata.ErrObjectNotFound) {
			return nil
		}
		return unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}
	if obj.LeaseCount > 0 {
		return retryableConflict(CodeFileInUse,
			"file %s is being read from storage", fileID)
	}
	return nil
}

// nextFreeName resolves name against the folder's existing files.
func (s *Service) nextFreeName(ctx context.Context, folderID, name string) (string, error) {
	names, err := s.meta.ListFileNames(ctx, folderID)
	if err != nil {
		return "", unavailableError(CodeFileStorageUnavailable, err, "metadata lookup failed")
	}
	taken := make(map[string]bool, len(names))
	for _, n := range names {
		taken[n] = true
	}
	return naspath.NextAvailableName(name, taken), nil
}
