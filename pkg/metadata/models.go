package metadata

import (
	"time"
)

// Tier identifies a storage tier.
type Tier string

const (
	// TierCache is the fast, capacity-limited front store.
	TierCache Tier = "CACHE"

	// TierNAS is the slow, capacity-rich backing store.
	TierNAS Tier = "NAS"
)

// FileState is the lifecycle state of a File.
//
// Transitions form a DAG: ACTIVE → TRASHED → {ACTIVE (restore), DELETED (purge)}.
// Once DELETED, no further mutation is allowed.
type FileState string

const (
	FileStateActive  FileState = "ACTIVE"
	FileStateTrashed FileState = "TRASHED"
	FileStateDeleted FileState = "DELETED"
)

// AvailabilityStatus describes whether the bytes for a StorageObject are
// usable in its tier.
type AvailabilityStatus string

const (
	// StatusAvailable means bytes exist and are readable.
	StatusAvailable AvailabilityStatus = "AVAILABLE"

	// StatusSyncing means a writer is producing bytes; readers must not
	// assume completeness.
	StatusSyncing AvailabilityStatus = "SYNCING"

	// StatusMissing means the metadata store believes nothing is there.
	StatusMissing AvailabilityStatus = "MISSING"

	// StatusEvicting means a planned removal is in progress (cache only).
	StatusEvicting AvailabilityStatus = "EVICTING"

	// StatusError is an administrative quarantine.
	StatusError AvailabilityStatus = "ERROR"
)

// SessionStatus is the lifecycle state of a multipart UploadSession.
//
// ACTIVE → {COMPLETING, ABORTED, EXPIRED}; COMPLETING → {COMPLETED, ABORTED}.
// Terminal states are sticky.
type SessionStatus string

const (
	SessionActive     SessionStatus = "ACTIVE"
	SessionCompleting SessionStatus = "COMPLETING"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionAborted    SessionStatus = "ABORTED"
	SessionExpired    SessionStatus = "EXPIRED"
)

// ConflictStrategy selects how a name collision is resolved when a multipart
// upload completes.
type ConflictStrategy string

const (
	// ConflictError rejects the completion.
	ConflictError ConflictStrategy = "ERROR"

	// ConflictRename picks "name (N).ext" with the smallest free N.
	ConflictRename ConflictStrategy = "RENAME"

	// ConflictSkip completes without creating a new file.
	ConflictSkip ConflictStrategy = "SKIP"

	// ConflictOverwrite replaces the existing file. Deferred: currently rejected.
	ConflictOverwrite ConflictStrategy = "OVERWRITE"
)

// SyncEventType is the NAS mutation a SyncEvent describes.
type SyncEventType string

const (
	EventCreate  SyncEventType = "CREATE"
	EventRename  SyncEventType = "RENAME"
	EventMove    SyncEventType = "MOVE"
	EventTrash   SyncEventType = "TRASH"
	EventRestore SyncEventType = "RESTORE"
	EventPurge   SyncEventType = "PURGE"
)

// SyncEventStatus is the delivery state of a SyncEvent.
//
// PENDING on insert; PENDING→QUEUED after successful enqueue; QUEUED→PROCESSING
// on worker start; PROCESSING→{DONE, PENDING (retry), FAILED}. FAILED is terminal.
type SyncEventStatus string

const (
	EventPending    SyncEventStatus = "PENDING"
	EventQueued     SyncEventStatus = "QUEUED"
	EventProcessing SyncEventStatus = "PROCESSING"
	EventDone       SyncEventStatus = "DONE"
	EventFailed     SyncEventStatus = "FAILED"
)

// FolderState is the lifecycle state of a Folder.
type FolderState string

const (
	FolderActive  FolderState = "ACTIVE"
	FolderDeleted FolderState = "DELETED"
)

// FolderNASStatus tracks the folder's own NAS-side synchronization.
// The core only consumes it for upload admission checks.
type FolderNASStatus string

const (
	FolderNASReady   FolderNASStatus = "READY"
	FolderNASSyncing FolderNASStatus = "SYNCING"
	FolderNASMoving  FolderNASStatus = "MOVING"
	FolderNASError   FolderNASStatus = "ERROR"
)

// DefaultMaxRetries is the default retry budget for a SyncEvent.
const DefaultMaxRetries = 3

// File is a logical file owned by a folder. Its bytes live in one or both
// tiers as StorageObjects.
type File struct {
	ID               string    `gorm:"primaryKey;size:64"`
	Name             string    `gorm:"size:1024;not null"`
	FolderID         string    `gorm:"size:64;index;not null"`
	SizeBytes        int64     `gorm:"not null"`
	MimeType         string    `gorm:"size:255"`
	State            FileState `gorm:"size:16;index;not null"`
	CreatedBy        string    `gorm:"size:64"`
	TrashMetadataID  *string   `gorm:"size:64"`
	OriginalFolderID *string   `gorm:"size:64"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Folder is the minimal folder row the storage core consumes. Hierarchy
// maintenance lives outside the core.
type Folder struct {
	ID        string          `gorm:"primaryKey;size:64"`
	Name      string          `gorm:"size:1024;not null"`
	Path      string          `gorm:"size:4096;not null"`
	State     FolderState     `gorm:"size:16;not null"`
	NASStatus FolderNASStatus `gorm:"size:16;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// StorageObject pairs a file with its bytes in one tier.
// The pair (FileID, Tier) is unique.
type StorageObject struct {
	ID                 string             `gorm:"primaryKey;size:64"`
	FileID             string             `gorm:"size:64;uniqueIndex:idx_storage_objects_file_tier;not null"`
	Tier               Tier               `gorm:"size:8;uniqueIndex:idx_storage_objects_file_tier;not null"`
	ObjectKey          string             `gorm:"size:4096;not null"`
	AvailabilityStatus AvailabilityStatus `gorm:"size:16;index;not null"`
	AccessCount        int64              `gorm:"not null;default:0"`
	LeaseCount         int64              `gorm:"not null;default:0"`
	LastAccessed       *time.Time
	Checksum           *string `gorm:"size:64"`
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Available reports whether the object is usable in its tier.
func (o *StorageObject) Available() bool {
	return o != nil && o.AvailabilityStatus == StatusAvailable
}

// UploadSession is a resumable multipart upload.
type UploadSession struct {
	ID               string           `gorm:"primaryKey;size:64"`
	FileName         string           `gorm:"size:1024;not null"`
	FolderID         string           `gorm:"size:64;index;not null"`
	TotalSize        int64            `gorm:"not null"`
	MimeType         string           `gorm:"size:255"`
	PartSize         int64            `gorm:"not null"`
	TotalParts       int              `gorm:"not null"`
	UploadedBytes    int64            `gorm:"not null;default:0"`
	Status           SessionStatus    `gorm:"size:16;index;not null"`
	ConflictStrategy ConflictStrategy `gorm:"size:16;not null"`
	CreatedBy        string           `gorm:"size:64"`
	ExpiresAt        time.Time        `gorm:"index;not null"`
	FileID           *string          `gorm:"size:64"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Expired reports whether the session's sliding deadline has passed.
func (s *UploadSession) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Terminal reports whether the session is in a sticky state.
func (s *UploadSession) Terminal() bool {
	switch s.Status {
	case SessionCompleted, SessionAborted, SessionExpired:
		return true
	}
	return false
}

// UploadPart is one durably stored slice of a multipart upload. Idempotent
// re-upload of the same part number replaces prior content but keeps a
// single row.
type UploadPart struct {
	SessionID   string `gorm:"primaryKey;size:64"`
	PartNumber  int    `gorm:"primaryKey"`
	Size        int64  `gorm:"not null"`
	ObjectKey   string `gorm:"size:4096;not null"`
	ETag        string `gorm:"size:64;not null"`
	CompletedAt time.Time
}

// SyncEvent is a durable record of a pending or in-progress NAS mutation.
type SyncEvent struct {
	ID           string          `gorm:"primaryKey;size:64"`
	FileID       string          `gorm:"size:64;index;not null"`
	EventType    SyncEventType   `gorm:"size:16;not null"`
	SourcePath   string          `gorm:"size:4096"`
	TargetPath   string          `gorm:"size:4096"`
	Status       SyncEventStatus `gorm:"size:16;index;not null"`
	RetryCount   int             `gorm:"not null;default:0"`
	MaxRetries   int             `gorm:"not null"`
	ErrorMessage string          `gorm:"size:4096"`

	// Per event-type extras.
	MultipartSessionID *string `gorm:"size:64"` // CREATE from a multipart session
	NewName            *string `gorm:"size:1024"`
	TargetFolderID     *string `gorm:"size:64"`
	OriginalFolderID   *string `gorm:"size:64"`
	TrashMetadataID    *string `gorm:"size:64"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Terminal reports whether the event has reached a final status.
func (e *SyncEvent) Terminal() bool {
	return e.Status == EventDone || e.Status == EventFailed
}
