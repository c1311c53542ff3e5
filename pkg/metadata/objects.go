package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateObject inserts a StorageObject row. Returns ErrDuplicateObject when a
// row for the same (file, tier) pair already exists.
func (s *Store) CreateObject(ctx context.Context, object *StorageObject) error {
	err := s.db.WithContext(ctx).Create(object).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err) {
			return ErrDuplicateObject
		}
		return fmt.Errorf("failed to create storage object: %w", err)
	}
	return nil
}

// GetObject returns the StorageObject for a (file, tier) pair.
func (s *Store) GetObject(ctx context.Context, fileID string, tier Tier) (*StorageObject, error) {
	var object StorageObject
	err := s.db.WithContext(ctx).
		Where("file_id = ? AND tier = ?", fileID, tier).
		First(&object).Error
	if err != nil {
		return nil, convertNotFound(err, ErrObjectNotFound)
	}
	return &object, nil
}

// GetObjectByID returns the StorageObject row by its own ID.
func (s *Store) GetObjectByID(ctx context.Context, objectID string) (*StorageObject, error) {
	var object StorageObject
	err := s.db.WithContext(ctx).First(&object, "id = ?", objectID).Error
	if err != nil {
		return nil, convertNotFound(err, ErrObjectNotFound)
	}
	return &object, nil
}

// ListObjects returns all StorageObject rows for a file, at most one per tier.
func (s *Store) ListObjects(ctx context.Context, fileID string) ([]StorageObject, error) {
	var objects []StorageObject
	err := s.db.WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("tier").
		Find(&objects).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list storage objects: %w", err)
	}
	return objects, nil
}

// TransitionObjectStatus moves an object from an expected availability status
// to a new one. The guard makes concurrent transitions race-safe: exactly one
// caller wins, the rest get ErrStaleTransition.
func (s *Store) TransitionObjectStatus(ctx context.Context, objectID string, from, to AvailabilityStatus) error {
	result := s.db.WithContext(ctx).Model(&StorageObject{}).
		Where("id = ? AND availability_status = ?", objectID, from).
		Update("availability_status", to)
	if result.Error != nil {
		return fmt.Errorf("failed to transition object status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetObjectByID(ctx, objectID); err != nil {
			return err
		}
		return ErrStaleTransition
	}
	return nil
}

// SetObjectStatus sets the availability status unconditionally. Reserved for
// reconciliation and administrative paths where no prior status is assumed.
func (s *Store) SetObjectStatus(ctx context.Context, objectID string, status AvailabilityStatus) error {
	result := s.db.WithContext(ctx).Model(&StorageObject{}).
		Where("id = ?", objectID).
		Update("availability_status", status)
	if result.Error != nil {
		return fmt.Errorf("failed to set object status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrObjectNotFound
	}
	return nil
}

// SetObjectKey updates the tier-local key, for rename and move bookkeeping.
func (s *Store) SetObjectKey(ctx context.Context, objectID, objectKey string) error {
	result := s.db.WithContext(ctx).Model(&StorageObject{}).
		Where("id = ?", objectID).
		Update("object_key", objectKey)
	if result.Error != nil {
		return fmt.Errorf("failed to set object key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrObjectNotFound
	}
	return nil
}

// AcquireLease atomically increments the lease count and records the access.
// A held lease pins the object against eviction until released.
func (s *Store) AcquireLease(ctx context.Context, objectID string) error {
	accessedAt := now()
	result := s.db.WithContext(ctx).Model(&StorageObject{}).
		Where("id = ?", objectID).
		Updates(map[string]any{
			"lease_count":   gorm.Expr("lease_count + 1"),
			"access_count":  gorm.Expr("access_count + 1"),
			"last_accessed": accessedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to acquire lease: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrObjectNotFound
	}
	return nil
}

// ReleaseLease atomically decrements the lease count, clamping at zero so a
// double release never goes negative. Release is idempotent by design.
func (s *Store) ReleaseLease(ctx context.Context, objectID string) error {
	result := s.db.WithContext(ctx).Model(&StorageObject{}).
		Where("id = ?", objectID).
		Update("lease_count", gorm.Expr("CASE WHEN lease_count > 0 THEN lease_count - 1 ELSE 0 END"))
	if result.Error != nil {
		return fmt.Errorf("failed to release lease: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrObjectNotFound
	}
	return nil
}

// TouchObject records an access without taking a lease.
func (s *Store) TouchObject(ctx context.Context, objectID string) error {
	accessedAt := now()
	result := s.db.WithContext(ctx).Model(&StorageObject{}).
		Where("id = ?", objectID).
		Updates(map[string]any{
			"access_count":  gorm.Expr("access_count + 1"),
			"last_accessed": accessedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to touch object: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrObjectNotFound
	}
	return nil
}

// DeleteObject removes the StorageObject row.
func (s *Store) DeleteObject(ctx context.Context, objectID string) error {
	result := s.db.WithContext(ctx).Delete(&StorageObject{}, "id = ?", objectID)
	if result.Error != nil {
		return fmt.Errorf("failed to delete storage object: %w", result.Error)
	}
	return nil
}

// UpsertObject inserts the StorageObject or, when a row for the (file, tier)
// pair already exists, refreshes its key, status and checksum in place.
// Used by restore paths that may race with a prior partial restore.
func (s *Store) UpsertObject(ctx context.Context, object *StorageObject) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "file_id"}, {Name: "tier"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"object_key", "availability_status", "checksum", "updated_at",
		}),
	}).Create(object).Error
	if err != nil {
		return fmt.Errorf("failed to upsert storage object: %w", err)
	}
	return nil
}

// ListEvictableObjects returns cache objects that are AVAILABLE, unleased and
// last accessed before the cutoff, oldest first.
func (s *Store) ListEvictableObjects(ctx context.Context, cutoff time.Time, limit int) ([]StorageObject, error) {
	var objects []StorageObject
	err := s.db.WithContext(ctx).
		Where("tier = ? AND availability_status = ? AND lease_count = 0", TierCache, StatusAvailable).
		Where("last_accessed IS NULL OR last_accessed < ?", cutoff).
		Order("last_accessed ASC").
		Limit(limit).
		Find(&objects).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list evictable objects: %w", err)
	}
	return objects, nil
}

// isUniqueViolation detects unique-constraint failures across the SQLite and
// PostgreSQL drivers, which do not share a typed error.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || // sqlite
		strings.Contains(msg, "duplicate key value") // postgres
}
