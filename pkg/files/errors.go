package files

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a service error for transport mapping and retry decisions.
type Kind int

const (
	// KindValidation rejects the request as malformed. Never retryable.
	KindValidation Kind = iota

	// KindNotFound means the addressed resource does not exist.
	KindNotFound

	// KindConflict means the resource exists but its current state forbids
	// the operation. Some conflicts clear on their own and are retryable.
	KindConflict

	// KindUnavailable means a storage backend failed. Retryable.
	KindUnavailable
)

// Error codes returned to clients. The code is stable API surface; the
// message is advisory.
const (
	CodeFileNotFound                = "FILE_NOT_FOUND"
	CodeFileInTrash                 = "FILE_IN_TRASH"
	CodeFileAlreadyTrashed          = "FILE_ALREADY_TRASHED"
	CodeFileNotInTrash              = "FILE_NOT_IN_TRASH"
	CodeFileDeleted                 = "FILE_DELETED"
	CodeFileSyncing                 = "FILE_SYNCING"
	CodeFileInUse                   = "FILE_IN_USE"
	CodeFileStorageUnavailable      = "FILE_STORAGE_UNAVAILABLE"
	CodeFileNotFoundInStorage       = "FILE_NOT_FOUND_IN_STORAGE"
	CodeFileTooLarge                = "FILE_TOO_LARGE"
	CodeFolderNotFound              = "FOLDER_NOT_FOUND"
	CodeRootFolderNotFound          = "ROOT_FOLDER_NOT_FOUND"
	CodeFolderSyncInProgress        = "FOLDER_SYNC_IN_PROGRESS"
	CodeFolderSyncFailed            = "FOLDER_SYNC_FAILED"
	CodeDuplicateFileExists         = "DUPLICATE_FILE_EXISTS"
	CodeInvalidFileName             = "INVALID_FILE_NAME"
	CodeExtensionChange             = "FILE_EXTENSION_CHANGE_NOT_ALLOWED"
	CodeFileTooSmallForMultipart    = "FILE_TOO_SMALL_FOR_MULTIPART"
	CodeSessionNotFound             = "SESSION_NOT_FOUND"
	CodeSessionExpired              = "SESSION_EXPIRED"
	CodeSessionAlreadyCompleted     = "SESSION_ALREADY_COMPLETED"
	CodeSessionAborted              = "SESSION_ABORTED"
	CodeInvalidPartNumber           = "INVALID_PART_NUMBER"
	CodeIncompleteParts             = "INCOMPLETE_PARTS"
	CodePartMismatch                = "PART_MISMATCH"
	CodeTargetFolderNotFound        = "TARGET_FOLDER_NOT_FOUND"
	CodeUploadQueueFull             = "UPLOAD_QUEUE_FULL"
	CodeTicketNotFound              = "TICKET_NOT_FOUND"
	CodeTicketNotReady              = "TICKET_NOT_READY"
	CodeRangeNotSatisfiable         = "RANGE_NOT_SATISFIABLE"
	CodeCacheReadFailed             = "CACHE_READ_FAILED"
	CodeNASReadFailed               = "NAS_READ_FAILED"
	CodeConflictStrategyUnsupported = "CONFLICT_STRATEGY_UNSUPPORTED"
)

// Error is a service-level failure with a stable wire code.
type Error struct {
	Code      string
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus maps the error onto an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeRangeNotSatisfiable:
		return http.StatusRequestedRangeNotSatisfiable
	case CodeFileTooLarge:
		return http.StatusRequestEntityTooLarge
	case CodeUploadQueueFull:
		return http.StatusTooManyRequests
	}
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func validationError(code, format string, args ...any) *Error {
	return &Error{Code: code, Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func notFoundError(code, format string, args ...any) *Error {
	return &Error{Code: code, Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func conflictError(code, format string, args ...any) *Error {
	return &Error{Code: code, Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// retryableConflict marks a conflict that clears on its own, such as a sync
// still in flight, so clients may retry after a delay.
func retryableConflict(code, format string, args ...any) *Error {
	e := conflictError(code, format, args...)
	e.Retryable = true
	return e
}

func unavailableError(code string, cause error, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Kind:      KindUnavailable,
		Message:   fmt.Sprintf(format, args...),
		Retryable: true,
		Err:       cause,
	}
}

// AsError extracts the service error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

// CodeOf returns the wire code of err, or empty when err is not a service
// error.
func CodeOf(err error) string {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}
