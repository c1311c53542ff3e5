// Package httprange parses HTTP Range headers for single byte ranges as
// used by the download endpoints (RFC 7233, bytes unit only).
package httprange

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnsatisfiable indicates a syntactically valid range that cannot be
// satisfied against the object size. Servers answer 416 with a
// Content-Range: bytes */<size> header.
var ErrUnsatisfiable = errors.New("range not satisfiable")

// ErrInvalid indicates a malformed Range header. The download endpoints
// answer it the same way as ErrUnsatisfiable: 416 with Content-Range:
// bytes */<size>.
var ErrInvalid = errors.New("invalid range header")

// Range is a resolved byte range within an object of known size.
type Range struct {
	// Start is the first byte offset, inclusive.
	Start int64

	// Length is the number of bytes in the range.
	Length int64
}

// End returns the last byte offset, inclusive.
func (r Range) End() int64 {
	return r.Start + r.Length - 1
}

// ContentRange formats the Content-Range response header value for an
// object of the given total size.
func (r Range) ContentRange(size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End(), size)
}

// Unsatisfiable formats the Content-Range value for a 416 response.
func Unsatisfiable(size int64) string {
	return fmt.Sprintf("bytes */%d", size)
}

// Parse resolves a Range header against an object of the given size.
//
// Supported forms, all with the "bytes" unit:
//
//	bytes=a-b   bytes a through b inclusive
//	bytes=a-    byte a to the end
//	bytes=-n    the final n bytes
//
// Multi-range requests are treated as invalid rather than answered with a
// multipart/byteranges body.
//
// Returns ErrInvalid for malformed headers and ErrUnsatisfiable when the
// range starts at or past the end of the object.
func Parse(header string, size int64) (Range, error) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return Range{}, ErrInvalid
	}

	spec := strings.TrimSpace(header[len(prefix):])
	if spec == "" || strings.Contains(spec, ",") {
		return Range{}, ErrInvalid
	}

	dash := strings.Index(spec, "-")
	if dash < 0 {
		return Range{}, ErrInvalid
	}

	startStr := strings.TrimSpace(spec[:dash])
	endStr := strings.TrimSpace(spec[dash+1:])

	// Suffix form: bytes=-n
	if startStr == "" {
		if endStr == "" {
			return Range{}, ErrInvalid
		}
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n < 0 {
			return Range{}, ErrInvalid
		}
		if n == 0 || size == 0 {
			return Range{}, ErrUnsatisfiable
		}
		if n > size {
			n = size
		}
		return Range{Start: size - n, Length: n}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return Range{}, ErrInvalid
	}
	if start >= size {
		return Range{}, ErrUnsatisfiable
	}

	// Open form: bytes=a-
	if endStr == "" {
		return Range{Start: start, Length: size - start}, nil
	}

	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil || end < start {
		return Range{}, ErrInvalid
	}
	// Ends past the object clamp to the last byte.
	if end >= size {
		end = size - 1
	}

	return Range{Start: start, Length: end - start + 1}, nil
}
