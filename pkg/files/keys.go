package files

import "fmt"

// CacheObjectKey returns the cache tier key of a file's blob. The file ID is
// the key, so a cache lookup never needs the metadata row first.
func CacheObjectKey(fileID string) string {
	return fileID
}

// PartObjectKey returns the cache tier key of one multipart upload part.
// Part numbers are zero padded so lexical listing matches part order.
func PartObjectKey(sessionID string, partNumber int) string {
	return fmt.Sprintf("multipart/%s/part_%05d", sessionID, partNumber)
}

// SessionObjectPrefix returns the cache key prefix holding all parts of a
// multipart session, for bulk deletion.
func SessionObjectPrefix(sessionID string) string {
	return fmt.Sprintf("multipart/%s/", sessionID)
}
