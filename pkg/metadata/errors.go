package metadata

import "errors"

// Sentinel errors returned by the metadata store. Callers map these onto the
// service-level error taxonomy.
var (
	// ErrFileNotFound indicates the file row does not exist.
	ErrFileNotFound = errors.New("file not found")

	// ErrFolderNotFound indicates the folder row does not exist.
	ErrFolderNotFound = errors.New("folder not found")

	// ErrObjectNotFound indicates no StorageObject row for the (file, tier) pair.
	ErrObjectNotFound = errors.New("storage object not found")

	// ErrSessionNotFound indicates the upload session row does not exist.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrEventNotFound indicates the sync event row does not exist.
	ErrEventNotFound = errors.New("sync event not found")

	// ErrDuplicateObject indicates a StorageObject already exists for the
	// (file, tier) pair.
	ErrDuplicateObject = errors.New("storage object already exists")

	// ErrStaleTransition indicates a guarded status transition matched no row,
	// meaning another actor already moved the row past the expected status.
	ErrStaleTransition = errors.New("stale status transition")
)
