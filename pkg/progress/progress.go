// Package progress tracks transfer progress for uploads, synchronization
// and restores so clients can poll a percentage while long transfers run.
package progress

import (
	"context"
	"errors"
	"time"
)

// Stage labels what a tracked transfer is currently doing.
type Stage string

const (
	// StageIdle means no transfer is in flight for the subject.
	StageIdle Stage = "IDLE"

	// StageUploading covers client-to-cache transfers.
	StageUploading Stage = "UPLOADING"

	// StageSyncing covers cache-to-NAS transfers.
	StageSyncing Stage = "SYNCING"

	// StageRestoring covers NAS-to-cache transfers.
	StageRestoring Stage = "RESTORING"

	// StageDone means the transfer finished.
	StageDone Stage = "DONE"

	// StageFailed means the transfer stopped with an error.
	StageFailed Stage = "FAILED"
)

// ErrNotFound indicates no progress entry exists for the key.
var ErrNotFound = errors.New("progress entry not found")

// Entry is one tracked transfer.
type Entry struct {
	// Key identifies the transfer, typically a file or session ID.
	Key string `json:"key"`

	// Stage labels the current phase.
	Stage Stage `json:"stage"`

	// BytesDone and BytesTotal measure the transfer. BytesTotal may be
	// zero when unknown.
	BytesDone  int64 `json:"bytes_done"`
	BytesTotal int64 `json:"bytes_total"`

	// Error carries the failure message when Stage is FAILED.
	Error string `json:"error,omitempty"`

	// UpdatedAt is when the entry last changed.
	UpdatedAt time.Time `json:"updated_at"`
}

// Percent returns the whole-number completion percentage, clamped to 0-100.
func (e *Entry) Percent() int {
	if e.BytesTotal <= 0 {
		return 0
	}
	pct := int(e.BytesDone * 100 / e.BytesTotal)
	if pct > 100 {
		pct = 100
	}
	if pct < 0 {
		pct = 0
	}
	return pct
}

// Store persists progress entries. Entries expire after the store's TTL so
// finished transfers clean themselves up.
type Store interface {
	// Set writes the entry, stamping UpdatedAt.
	Set(ctx context.Context, entry Entry) error

	// Get returns the entry for key, or ErrNotFound.
	Get(ctx context.Context, key string) (Entry, error)

	// Delete removes the entry. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases store resources.
	Close() error
}
