package metadata

import (
	"context"
	"fmt"
)

// CreateFolder inserts a new folder row.
func (s *Store) CreateFolder(ctx context.Context, folder *Folder) error {
	if err := s.db.WithContext(ctx).Create(folder).Error; err != nil {
		return fmt.Errorf("failed to create folder: %w", err)
	}
	return nil
}

// GetFolder returns the folder row by ID.
func (s *Store) GetFolder(ctx context.Context, folderID string) (*Folder, error) {
	var folder Folder
	err := s.db.WithContext(ctx).First(&folder, "id = ?", folderID).Error
	if err != nil {
		return nil, convertNotFound(err, ErrFolderNotFound)
	}
	return &folder, nil
}

// UpdateFolderNASStatus sets the folder's NAS-side synchronization status.
func (s *Store) UpdateFolderNASStatus(ctx context.Context, folderID string, status FolderNASStatus) error {
	result := s.db.WithContext(ctx).Model(&Folder{}).
		Where("id = ?", folderID).
		Update("nas_status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to update folder nas status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrFolderNotFound
	}
	return nil
}
