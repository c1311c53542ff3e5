package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for storage operations.
// These follow OpenTelemetry semantic conventions where applicable.
const (
	AttrClientIP  = "client.ip"
	AttrOperation = "fs.operation"
	AttrFileID    = "fs.file_id"
	AttrFolderID  = "fs.folder_id"
	AttrFilename  = "fs.filename"
	AttrSize      = "fs.size"
	AttrOffset    = "fs.offset"
	AttrLength    = "fs.length"

	AttrTier      = "storage.tier" // cache, nas
	AttrObjectKey = "storage.key"
	AttrBucket    = "storage.bucket"
	AttrSource    = "storage.source" // cache, nas, parts

	AttrSessionID  = "upload.session_id"
	AttrPartNumber = "upload.part_number"
	AttrTicketID   = "upload.ticket_id"

	AttrSyncEventID = "sync.event_id"
	AttrSyncAction  = "sync.action"
	AttrQueue       = "queue.name"
	AttrJobID       = "queue.job_id"
)

// FileID returns an attribute for the file identifier
func FileID(id string) attribute.KeyValue {
	return attribute.String(AttrFileID, id)
}

// Filename returns an attribute for the file name
func Filename(name string) attribute.KeyValue {
	return attribute.String(AttrFilename, name)
}

// Size returns an attribute for a byte size
func Size(size int64) attribute.KeyValue {
	return attribute.Int64(AttrSize, size)
}

// Tier returns an attribute for the storage tier
func Tier(tier string) attribute.KeyValue {
	return attribute.String(AttrTier, tier)
}

// ObjectKey returns an attribute for the tier-local object key
func ObjectKey(key string) attribute.KeyValue {
	return attribute.String(AttrObjectKey, key)
}

// Source returns an attribute for the download source (cache, nas, parts)
func Source(source string) attribute.KeyValue {
	return attribute.String(AttrSource, source)
}

// SessionID returns an attribute for the upload session identifier
func SessionID(id string) attribute.KeyValue {
	return attribute.String(AttrSessionID, id)
}

// SyncAction returns an attribute for the sync action
func SyncAction(action string) attribute.KeyValue {
	return attribute.String(AttrSyncAction, action)
}

// StartStorageSpan starts a span for a storage tier operation.
func StartStorageSpan(ctx context.Context, tier, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{Tier(tier)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, tier+"."+operation, trace.WithAttributes(allAttrs...))
}

// StartFileSpan starts a span for a file service operation.
func StartFileSpan(ctx context.Context, operation, fileID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{FileID(fileID)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, "files."+operation, trace.WithAttributes(allAttrs...))
}

// StartSyncSpan starts a span for a sync worker action.
func StartSyncSpan(ctx context.Context, action, fileID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	allAttrs := []attribute.KeyValue{SyncAction(action), FileID(fileID)}
	allAttrs = append(allAttrs, attrs...)
	return StartSpan(ctx, "sync."+action, trace.WithAttributes(allAttrs...))
}
