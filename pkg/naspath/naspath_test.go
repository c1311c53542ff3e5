package naspath

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var testTime = time.Date(2026, 8, 24, 15, 30, 12, 0, time.UTC)

func TestObjectKey(t *testing.T) {
	key := ObjectKey("projects/q3", "report.pdf", testTime)
	assert.Equal(t, "projects/q3/20260824153012__report.pdf", key)

	// Root folder has no path component.
	assert.Equal(t, "20260824153012__report.pdf", ObjectKey("", "report.pdf", testTime))
	assert.Equal(t, "20260824153012__report.pdf", ObjectKey("/", "report.pdf", testTime))
}

func TestNormalizeName(t *testing.T) {
	// NFD "café" (e + combining acute) normalizes to NFC.
	nfd := "cafe\u0301.txt"
	nfc := "caf\u00e9.txt"
	assert.Equal(t, nfc, NormalizeName(nfd))
	assert.Equal(t, "trimmed.txt", NormalizeName("  trimmed.txt "))
}

func TestBaseName(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{"projects/20260824153012__report.pdf", "report.pdf"},
		{"20260824153012__report.pdf", "report.pdf"},
		{"plain-name.txt", "plain-name.txt"},
		// Prefix of the wrong length or not a timestamp stays intact.
		{"1234__short.txt", "1234__short.txt"},
		{"notatimestamp__file.txt", "notatimestamp__file.txt"},
		// Name that itself contains a double underscore.
		{"20260824153012__a__b.txt", "a__b.txt"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, BaseName(tt.key), "key %q", tt.key)
	}
}

func TestTrashKey(t *testing.T) {
	key := TrashKey("tm-42", "projects/q3/20260824153012__report.pdf")
	assert.Equal(t, ".trash/tm-42__20260824153012__report.pdf", key)
	assert.True(t, IsTrashKey(key))
	assert.False(t, IsTrashKey("projects/q3/file"))
}

func TestRenamedKey(t *testing.T) {
	key := RenamedKey("projects/q3/20260824153012__report.pdf", "final.pdf")
	assert.Equal(t, "projects/q3/20260824153012__final.pdf", key)

	// Key without a timestamp prefix just swaps the base name.
	assert.Equal(t, "projects/new.txt", RenamedKey("projects/old.txt", "new.txt"))

	// Key at the root keeps no directory component.
	assert.Equal(t, "20260824153012__new.pdf", RenamedKey("20260824153012__old.pdf", "new.pdf"))
}

func TestMovedKey(t *testing.T) {
	key := MovedKey("projects/q3/20260824153012__report.pdf", "archive/2026")
	assert.Equal(t, "archive/2026/20260824153012__report.pdf", key)

	assert.Equal(t, "20260824153012__report.pdf", MovedKey("projects/20260824153012__report.pdf", ""))
}

func TestNextAvailableName(t *testing.T) {
	taken := map[string]bool{
		"report.pdf":     true,
		"report (1).pdf": true,
	}
	assert.Equal(t, "report (2).pdf", NextAvailableName("report.pdf", taken))
	assert.Equal(t, "fresh.pdf", NextAvailableName("fresh.pdf", taken))

	// No extension.
	taken["README"] = true
	assert.Equal(t, "README (1)", NextAvailableName("README", taken))
}
