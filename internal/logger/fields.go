package logger

// Standard field keys for structured logging.
// Use these keys consistently across all log statements so logs can be
// aggregated and queried by file, session, sync event, or tier.
const (
	// Request scope
	KeyRequestID = "request_id" // HTTP request ID
	KeyOperation = "operation"  // Operation name: download, upload, rename, ...
	KeyClientIP  = "client_ip"  // Client IP address
	KeyUserID    = "user_id"    // Caller identity

	// File and storage
	KeyFileID    = "file_id"    // File identifier
	KeyFolderID  = "folder_id"  // Folder identifier
	KeyFileName  = "file_name"  // Human file name
	KeyObjectKey = "object_key" // Tier-local object key
	KeyTier      = "tier"       // Storage tier: cache, nas
	KeySize      = "size"       // Size in bytes
	KeyChecksum  = "checksum"   // SHA-256 hex

	// Sync pipeline
	KeySyncEventID = "sync_event_id" // SyncEvent identifier
	KeyAction      = "action"        // Sync action: upload, rename, move, trash, restore, purge
	KeyRetryCount  = "retry_count"   // Current retry count
	KeyJobID       = "job_id"        // Queue job identifier
	KeyQueue       = "queue"         // Queue name

	// Multipart
	KeySessionID  = "session_id"  // Upload session identifier
	KeyPartNumber = "part_number" // Part number within a session
	KeyTicketID   = "ticket_id"   // Admission queue ticket

	// Generic
	KeyError    = "error"       // Error message
	KeyDuration = "duration_ms" // Duration in milliseconds
)
