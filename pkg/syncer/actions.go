package syncer

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/naspath"
	"github.com/tierfs/tierfs/pkg/queue"
)

// applyRename moves the NAS object to a key carrying the new display name,
// keeping its directory and timestamp prefix.
func (s *Syncer) applyRename(ctx context.Context, event *metadata.SyncEvent) error {
	if event.NewName == nil {
		return fmt.Errorf("rename event %s has no new name", event.ID)
	}

	nasObj, err := s.nasObject(ctx, event.FileID)
	if err != nil || nasObj == nil {
		return err
	}

	newKey := naspath.RenamedKey(nasObj.ObjectKey, *event.NewName)
	if newKey == nasObj.ObjectKey {
		return nil
	}

	if err := s.renameOnNAS(ctx, nasObj.ObjectKey, newKey); err != nil {
		return err
	}
	return s.setObjectKey(ctx, nasObj.ID, newKey)
}

// applyMove relocates the NAS object under the target folder's path. When the
// target folder disappeared between the request and now, the file is put back
// in its original folder and the event completes without touching the NAS.
func (s *Syncer) applyMove(ctx context.Context, event *metadata.SyncEvent) error {
	if event.TargetFolderID == nil {
		return fmt.Errorf("move event %s has no target folder", event.ID)
	}

	nasObj, err := s.nasObject(ctx, event.FileID)
	if err != nil || nasObj == nil {
		return err
	}

	folder, err := s.meta.GetFolder(ctx, *event.TargetFolderID)
	if err != nil && !errors.Is(err, metadata.ErrFolderNotFound) {
		return queue.Retryable(err)
	}
	if folder == nil || folder.State != metadata.FolderActive {
		return s.revertMove(ctx, event)
	}

	key := nasObj.ObjectKey
	if event.NewName != nil {
		key = naspath.RenamedKey(key, *event.NewName)
	}
	newKey := naspath.MovedKey(key, folder.Path)
	if newKey == nasObj.ObjectKey {
		return nil
	}

	if err := s.renameOnNAS(ctx, nasObj.ObjectKey, newKey); err != nil {
		return err
	}
	return s.setObjectKey(ctx, nasObj.ID, newKey)
}

// revertMove puts the file back in the folder it came from.
func (s *Syncer) revertMove(ctx context.Context, event *metadata.SyncEvent) error {
	file, err := s.meta.GetFile(ctx, event.FileID)
	if err != nil {
		if errors.Is(err, metadata.ErrFileNotFound) {
			return nil
		}
		return queue.Retryable(err)
	}

	if event.OriginalFolderID != nil {
		file.FolderID = *event.OriginalFolderID
	}
	file.OriginalFolderID = nil

	if err := s.meta.UpdateFile(ctx, file); err != nil {
		return queue.Retryable(err)
	}

	logger.WarnCtx(ctx, "move target folder is gone, file returned to its original folder",
		logger.KeyFileID, event.FileID,
		logger.KeyFolderID, file.FolderID,
		logger.KeySyncEventID, event.ID)
	return nil
}

// applyTrash parks the NAS object under the trash directory. Files with open
// read leases are left alone until the readers finish.
func (s *Syncer) applyTrash(ctx context.Context, event *metadata.SyncEvent) error {
	if event.TrashMetadataID == nil {
		return fmt.Errorf("trash event %s has no trash metadata id", event.ID)
	}

	nasObj, err := s.nasObject(ctx, event.FileID)
	if err != nil || nasObj == nil {
		return err
	}
	if nasObj.LeaseCount > 0 {
		return queue.Retryable(fmt.Errorf("file %s is being read from the nas", event.FileID))
	}
	if naspath.IsTrashKey(nasObj.ObjectKey) {
		return nil
	}

	trashKey := naspath.TrashKey(*event.TrashMetadataID, nasObj.ObjectKey)
	if err := s.renameOnNAS(ctx, nasObj.ObjectKey, trashKey); err != nil {
		return err
	}
	return s.setObjectKey(ctx, nasObj.ID, trashKey)
}

// applyRestore moves a trashed NAS object back under its destination folder,
// reapplying the conflict-resolved name picked when the restore was accepted.
func (s *Syncer) applyRestore(ctx context.Context, event *metadata.SyncEvent) error {
	if event.TargetFolderID == nil {
		return fmt.Errorf("restore event %s has no target folder", event.ID)
	}

	nasObj, err := s.nasObject(ctx, event.FileID)
	if err != nil || nasObj == nil {
		return err
	}
	if !naspath.IsTrashKey(nasObj.ObjectKey) {
		return nil
	}

	folder, err := s.meta.GetFolder(ctx, *event.TargetFolderID)
	if err != nil {
		if errors.Is(err, metadata.ErrFolderNotFound) {
			return fmt.Errorf("restore target folder %s is gone", *event.TargetFolderID)
		}
		return queue.Retryable(err)
	}

	base := path.Base(nasObj.ObjectKey)
	if event.TrashMetadataID != nil {
		base = strings.TrimPrefix(base, *event.TrashMetadataID+"__")
	}

	newKey := naspath.Join(folder.Path, base)
	if event.NewName != nil {
		newKey = naspath.RenamedKey(newKey, *event.NewName)
	}

	if err := s.renameOnNAS(ctx, nasObj.ObjectKey, newKey); err != nil {
		return err
	}
	return s.setObjectKey(ctx, nasObj.ID, newKey)
}

// applyPurge removes the file's bytes from both tiers. Cache failures are
// logged and skipped since the cleaner can reap the blob later; a NAS delete
// failure keeps the event retrying because those bytes are the last copy's
// final resting place.
func (s *Syncer) applyPurge(ctx context.Context, event *metadata.SyncEvent) error {
	cacheObj, err := s.meta.GetObject(ctx, event.FileID, metadata.TierCache)
	if err != nil && !errors.Is(err, metadata.ErrObjectNotFound) {
		return queue.Retryable(err)
	}
	if cacheObj != nil {
		if err := s.cache.Delete(ctx, cacheObj.ObjectKey); err != nil {
			logger.WarnCtx(ctx, "failed to delete cache blob during purge",
				logger.KeyFileID, event.FileID,
				logger.KeyObjectKey, cacheObj.ObjectKey,
				logger.KeyError, err)
		} else if err := s.meta.DeleteObject(ctx, cacheObj.ID); err != nil {
			logger.WarnCtx(ctx, "failed to delete cache object row during purge",
				logger.KeyFileID, event.FileID,
				logger.KeyError, err)
		}
	}

	if err := s.progress.Delete(ctx, event.FileID); err != nil {
		logger.WarnCtx(ctx, "failed to drop progress entry during purge",
			logger.KeyFileID, event.FileID,
			logger.KeyError, err)
	}

	nasObj, err := s.nasObject(ctx, event.FileID)
	if err != nil || nasObj == nil {
		return err
	}
	if nasObj.LeaseCount > 0 {
		return queue.Retryable(fmt.Errorf("file %s is being read from the nas", event.FileID))
	}

	if err := s.nas.Delete(ctx, nasObj.ObjectKey); err != nil {
		return queue.Retryable(fmt.Errorf("nas delete for file %s: %w", event.FileID, err))
	}
	if err := s.meta.DeleteObject(ctx, nasObj.ID); err != nil {
		return queue.Retryable(err)
	}
	return nil
}
