package metadata

import (
	"context"
	"fmt"
)

// CreateFile inserts a new file row.
func (s *Store) CreateFile(ctx context.Context, file *File) error {
	if err := s.db.WithContext(ctx).Create(file).Error; err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	return nil
}

// GetFile returns the file row by ID.
func (s *Store) GetFile(ctx context.Context, fileID string) (*File, error) {
	var file File
	err := s.db.WithContext(ctx).First(&file, "id = ?", fileID).Error
	if err != nil {
		return nil, convertNotFound(err, ErrFileNotFound)
	}
	return &file, nil
}

// UpdateFile persists all fields of the file row.
func (s *Store) UpdateFile(ctx context.Context, file *File) error {
	result := s.db.WithContext(ctx).Model(&File{}).
		Where("id = ?", file.ID).
		Updates(map[string]any{
			"name":               file.Name,
			"folder_id":          file.FolderID,
			"size_bytes":         file.SizeBytes,
			"mime_type":          file.MimeType,
			"state":              file.State,
			"trash_metadata_id":  file.TrashMetadataID,
			"original_folder_id": file.OriginalFolderID,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update file: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrFileNotFound
	}
	return nil
}

// TransitionFileState moves a file from an expected state to a new one.
// Returns ErrStaleTransition when the file is no longer in the expected state.
func (s *Store) TransitionFileState(ctx context.Context, fileID string, from, to FileState) error {
	result := s.db.WithContext(ctx).Model(&File{}).
		Where("id = ? AND state = ?", fileID, from).
		Update("state", to)
	if result.Error != nil {
		return fmt.Errorf("failed to transition file state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetFile(ctx, fileID); err != nil {
			return err
		}
		return ErrStaleTransition
	}
	return nil
}

// FindFileByName returns the non-deleted file with the given name in a folder,
// or ErrFileNotFound. Used for name conflict detection.
func (s *Store) FindFileByName(ctx context.Context, folderID, name string) (*File, error) {
	var file File
	err := s.db.WithContext(ctx).
		Where("folder_id = ? AND name = ? AND state <> ?", folderID, name, FileStateDeleted).
		First(&file).Error
	if err != nil {
		return nil, convertNotFound(err, ErrFileNotFound)
	}
	return &file, nil
}

// ListFileNames returns the names of all non-deleted files in a folder.
// Used by the rename conflict strategy to pick the smallest free suffix.
func (s *Store) ListFileNames(ctx context.Context, folderID string) ([]string, error) {
	var names []string
	err := s.db.WithContext(ctx).Model(&File{}).
		Where("folder_id = ? AND state <> ?", folderID, FileStateDeleted).
		Pluck("name", &names).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list file names: %w", err)
	}
	return names, nil
}
