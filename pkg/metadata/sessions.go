package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateSession inserts a new upload session row.
func (s *Store) CreateSession(ctx context.Context, session *UploadSession) error {
	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return fmt.Errorf("failed to create upload session: %w", err)
	}
	return nil
}

// GetSession returns the upload session row by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*UploadSession, error) {
	var session UploadSession
	err := s.db.WithContext(ctx).First(&session, "id = ?", sessionID).Error
	if err != nil {
		return nil, convertNotFound(err, ErrSessionNotFound)
	}
	return &session, nil
}

// TransitionSessionStatus moves a session from an expected status to a new
// one. Exactly one concurrent caller wins; losers get ErrStaleTransition.
func (s *Store) TransitionSessionStatus(ctx context.Context, sessionID string, from, to SessionStatus) error {
	result := s.db.WithContext(ctx).Model(&UploadSession{}).
		Where("id = ? AND status = ?", sessionID, from).
		Update("status", to)
	if result.Error != nil {
		return fmt.Errorf("failed to transition session status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return ErrStaleTransition
	}
	return nil
}

// ExtendSession pushes out the sliding expiry deadline. Only ACTIVE sessions
// can be extended.
func (s *Store) ExtendSession(ctx context.Context, sessionID string, expiresAt time.Time) error {
	result := s.db.WithContext(ctx).Model(&UploadSession{}).
		Where("id = ? AND status = ?", sessionID, SessionActive).
		Update("expires_at", expiresAt)
	if result.Error != nil {
		return fmt.Errorf("failed to extend session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetSession(ctx, sessionID); err != nil {
			return err
		}
		return ErrStaleTransition
	}
	return nil
}

// SetSessionFile records the file created when the session completed.
func (s *Store) SetSessionFile(ctx context.Context, sessionID, fileID string) error {
	result := s.db.WithContext(ctx).Model(&UploadSession{}).
		Where("id = ?", sessionID).
		Update("file_id", fileID)
	if result.Error != nil {
		return fmt.Errorf("failed to set session file: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// UpsertPart inserts or replaces a part row. Re-uploading the same part
// number keeps a single row and adjusts the session's uploaded byte total by
// the size delta, so totals never double-count.
func (s *Store) UpsertPart(ctx context.Context, part *UploadPart) error {
	return s.Transaction(ctx, func(tx *Store) error {
		var existing UploadPart
		var delta int64

		err := tx.db.
			Where("session_id = ? AND part_number = ?", part.SessionID, part.PartNumber).
			First(&existing).Error
		switch {
		case err == nil:
			delta = part.Size - existing.Size
		case errors.Is(err, gorm.ErrRecordNotFound):
			delta = part.Size
		default:
			return fmt.Errorf("failed to look up part: %w", err)
		}

		if err := tx.db.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "session_id"}, {Name: "part_number"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"size", "object_key", "e_tag", "completed_at",
			}),
		}).Create(part).Error; err != nil {
			return fmt.Errorf("failed to upsert part: %w", err)
		}

		if delta != 0 {
			result := tx.db.Model(&UploadSession{}).
				Where("id = ?", part.SessionID).
				Update("uploaded_bytes", gorm.Expr("uploaded_bytes + ?", delta))
			if result.Error != nil {
				return fmt.Errorf("failed to update uploaded bytes: %w", result.Error)
			}
			if result.RowsAffected == 0 {
				return ErrSessionNotFound
			}
		}
		return nil
	})
}

// ListParts returns all completed parts of a session in part-number order.
func (s *Store) ListParts(ctx context.Context, sessionID string) ([]UploadPart, error) {
	var parts []UploadPart
	err := s.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("part_number").
		Find(&parts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list parts: %w", err)
	}
	return parts, nil
}

// CountParts returns the number of completed parts of a session.
func (s *Store) CountParts(ctx context.Context, sessionID string) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&UploadPart{}).
		Where("session_id = ?", sessionID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("failed to count parts: %w", err)
	}
	return int(count), nil
}

// DeleteParts removes all part rows of a session.
func (s *Store) DeleteParts(ctx context.Context, sessionID string) error {
	if err := s.db.WithContext(ctx).Delete(&UploadPart{}, "session_id = ?", sessionID).Error; err != nil {
		return fmt.Errorf("failed to delete parts: %w", err)
	}
	return nil
}

// ListExpiredSessions returns ACTIVE sessions whose deadline passed before now.
func (s *Store) ListExpiredSessions(ctx context.Context, asOf time.Time, limit int) ([]UploadSession, error) {
	var sessions []UploadSession
	err := s.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", SessionActive, asOf).
		Order("expires_at").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list expired sessions: %w", err)
	}
	return sessions, nil
}

// ListSessionsByStatus returns sessions in the given status, oldest first.
func (s *Store) ListSessionsByStatus(ctx context.Context, status SessionStatus, limit int) ([]UploadSession, error) {
	var sessions []UploadSession
	err := s.db.WithContext(ctx).
		Where("status = ?", status).
		Order("created_at").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return sessions, nil
}

// ListReapableSessions returns sessions in one of the given statuses, last
// touched before the cutoff, that still have part rows to reap. Oldest first.
func (s *Store) ListReapableSessions(ctx context.Context, statuses []SessionStatus, cutoff time.Time, limit int) ([]UploadSession, error) {
	var sessions []UploadSession
	err := s.db.WithContext(ctx).
		Where("status IN ? AND updated_at < ?", statuses, cutoff).
		Where("id IN (?)", s.db.Model(&UploadPart{}).Distinct("session_id")).
		Order("updated_at").
		Limit(limit).
		Find(&sessions).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list reapable sessions: %w", err)
	}
	return sessions, nil
}

// SumActiveSessionBytes returns the total declared size of all ACTIVE
// sessions. Admission subtracts this reservation from free cache capacity.
func (s *Store) SumActiveSessionBytes(ctx context.Context) (int64, error) {
	var total *int64
	err := s.db.WithContext(ctx).Model(&UploadSession{}).
		Where("status = ?", SessionActive).
		Select("SUM(total_size)").
		Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum active session bytes: %w", err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}
