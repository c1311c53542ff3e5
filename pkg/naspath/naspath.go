// Package naspath builds and parses the NAS tier's object keys.
//
// NAS keys are human-browsable: a file lands under its folder path with a
// timestamp prefix that keeps repeated uploads of the same name from
// colliding, e.g. "projects/q3/20260824153012__report.pdf". Trashed files
// move under a hidden .trash directory keyed by their trash metadata ID.
package naspath

import (
	"fmt"
	"path"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// TrashDir is the hidden directory trashed files are parked under.
const TrashDir = ".trash"

// timestampLayout is the key prefix layout, sortable lexically.
const timestampLayout = "20060102150405"

// NormalizeName returns the canonical form of a file name: Unicode NFC with
// surrounding whitespace trimmed. macOS clients send NFD, which would
// otherwise make "café.txt" and "café.txt" distinct keys.
func NormalizeName(name string) string {
	return norm.NFC.String(strings.TrimSpace(name))
}

// ObjectName builds the timestamped NAS file name for an upload finished at t.
func ObjectName(name string, t time.Time) string {
	return t.UTC().Format(timestampLayout) + "__" + NormalizeName(name)
}

// Join builds a NAS object key from a folder path and a file name already in
// NAS form. Forward slashes separate components regardless of platform.
func Join(folderPath, fileName string) string {
	folderPath = strings.Trim(folderPath, "/")
	if folderPath == "" {
		return fileName
	}
	return folderPath + "/" + fileName
}

// ObjectKey builds the full NAS key for a file in a folder.
func ObjectKey(folderPath, name string, t time.Time) string {
	return Join(folderPath, ObjectName(name, t))
}

// TrashKey builds the NAS key a trashed file is parked under. The trash
// metadata ID keeps two trashed files with the same base name apart and lets
// restore find the entry without scanning.
func TrashKey(trashMetadataID, objectKey string) string {
	return TrashDir + "/" + trashMetadataID + "__" + path.Base(objectKey)
}

// IsTrashKey reports whether the key points into the trash directory.
func IsTrashKey(key string) bool {
	return strings.HasPrefix(key, TrashDir+"/")
}

// BaseName strips the timestamp prefix from a NAS file name, recovering the
// original upload name. Names without a prefix pass through unchanged.
func BaseName(objectKey string) string {
	base := path.Base(objectKey)
	if idx := strings.Index(base, "__"); idx == len(timestampLayout) {
		if _, err := time.Parse(timestampLayout, base[:idx]); err == nil {
			return base[idx+2:]
		}
	}
	return base
}

// RenamedKey rebuilds an object key with a new display name, preserving the
// directory and timestamp prefix.
func RenamedKey(objectKey, newName string) string {
	dir := path.Dir(objectKey)
	base := path.Base(objectKey)

	prefix := ""
	if idx := strings.Index(base, "__"); idx == len(timestampLayout) {
		if _, err := time.Parse(timestampLayout, base[:idx]); err == nil {
			prefix = base[:idx+2]
		}
	}

	renamed := prefix + NormalizeName(newName)
	if dir == "." {
		return renamed
	}
	return dir + "/" + renamed
}

// MovedKey rebuilds an object key under a new folder path, preserving the
// file name component.
func MovedKey(objectKey, newFolderPath string) string {
	return Join(newFolderPath, path.Base(objectKey))
}

// NextAvailableName resolves a name collision by picking "name (N).ext" with
// the smallest N not present in taken. The unsuffixed name wins when free.
func NextAvailableName(name string, taken map[string]bool) string {
	name = NormalizeName(name)
	if !taken[name] {
		return name
	}

	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s (%d)%s", stem, n, ext)
		if !taken[candidate] {
			return candidate
		}
	}
}
