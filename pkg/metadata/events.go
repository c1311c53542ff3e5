package metadata

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// CreateEvent inserts a sync event in PENDING status.
func (s *Store) CreateEvent(ctx context.Context, event *SyncEvent) error {
	if event.Status == "" {
		event.Status = EventPending
	}
	if event.MaxRetries == 0 {
		event.MaxRetries = DefaultMaxRetries
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to create sync event: %w", err)
	}
	return nil
}

// GetEvent returns the sync event row by ID.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*SyncEvent, error) {
	var event SyncEvent
	err := s.db.WithContext(ctx).First(&event, "id = ?", eventID).Error
	if err != nil {
		return nil, convertNotFound(err, ErrEventNotFound)
	}
	return &event, nil
}

// TransitionEventStatus moves an event from an expected status to a new one.
// The guard keeps duplicate deliveries from racing each other.
func (s *Store) TransitionEventStatus(ctx context.Context, eventID string, from, to SyncEventStatus) error {
	result := s.db.WithContext(ctx).Model(&SyncEvent{}).
		Where("id = ? AND status = ?", eventID, from).
		Update("status", to)
	if result.Error != nil {
		return fmt.Errorf("failed to transition event status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetEvent(ctx, eventID); err != nil {
			return err
		}
		return ErrStaleTransition
	}
	return nil
}

// MarkEventRetry puts a PROCESSING event back to PENDING with an incremented
// retry count and the handler's error message recorded.
func (s *Store) MarkEventRetry(ctx context.Context, eventID, message string) error {
	result := s.db.WithContext(ctx).Model(&SyncEvent{}).
		Where("id = ? AND status = ?", eventID, EventProcessing).
		Updates(map[string]any{
			"status":        EventPending,
			"retry_count":   gorm.Expr("retry_count + 1"),
			"error_message": message,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark event for retry: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := s.GetEvent(ctx, eventID); err != nil {
			return err
		}
		return ErrStaleTransition
	}
	return nil
}

// MarkEventFailed moves an event to the terminal FAILED status with the
// final error message. Callers raise the sync failure alert alongside.
func (s *Store) MarkEventFailed(ctx context.Context, eventID, message string) error {
	result := s.db.WithContext(ctx).Model(&SyncEvent{}).
		Where("id = ?", eventID).
		Updates(map[string]any{
			"status":        EventFailed,
			"error_message": message,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark event failed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

// ListPendingEvents returns PENDING events in insertion order, for the
// enqueue pass that moves them to QUEUED.
func (s *Store) ListPendingEvents(ctx context.Context, limit int) ([]SyncEvent, error) {
	var events []SyncEvent
	err := s.db.WithContext(ctx).
		Where("status = ?", EventPending).
		Order("created_at").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list pending events: %w", err)
	}
	return events, nil
}

// ListFileEvents returns all events for a file, newest first.
func (s *Store) ListFileEvents(ctx context.Context, fileID string) ([]SyncEvent, error) {
	var events []SyncEvent
	err := s.db.WithContext(ctx).
		Where("file_id = ?", fileID).
		Order("created_at DESC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list file events: %w", err)
	}
	return events, nil
}

// HasOpenEvents reports whether the file has any non-terminal sync event.
// Open events gate mutations that would conflict with in-flight NAS work.
func (s *Store) HasOpenEvents(ctx context.Context, fileID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&SyncEvent{}).
		Where("file_id = ? AND status NOT IN ?", fileID, []SyncEventStatus{EventDone, EventFailed}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count open events: %w", err)
	}
	return count > 0, nil
}

// ListStuckEvents returns events stuck in PROCESSING since before the cutoff,
// left behind by a crashed worker. The cleaner requeues them.
func (s *Store) ListStuckEvents(ctx context.Context, cutoff time.Time, limit int) ([]SyncEvent, error) {
	var events []SyncEvent
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", EventProcessing, cutoff).
		Order("updated_at").
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck events: %w", err)
	}
	return events, nil
}
