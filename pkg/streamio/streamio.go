// Package streamio provides byte-counting and checksumming stream wrappers
// used on the upload and sync paths.
package streamio

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"sync/atomic"
)

// CountingReader counts the bytes read through it. Count is safe to read
// concurrently with Reads, for progress reporting from another goroutine.
type CountingReader struct {
	r io.Reader
	n atomic.Int64
}

// NewCountingReader wraps r.
func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Count returns the number of bytes read so far.
func (c *CountingReader) Count() int64 {
	return c.n.Load()
}

// HashingReader computes a SHA-256 checksum of the bytes read through it.
type HashingReader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewHashingReader wraps r.
func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: sha256.New()}
}

func (h *HashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.h.Write(p[:n])
		h.n += int64(n)
	}
	return n, err
}

// Sum returns the hex-encoded SHA-256 of everything read so far.
func (h *HashingReader) Sum() string {
	return hex.EncodeToString(h.h.Sum(nil))
}

// Count returns the number of bytes read so far.
func (h *HashingReader) Count() int64 {
	return h.n
}

// ProgressReader invokes a callback as bytes flow through, throttled to
// one call per step bytes plus a final call at EOF.
type ProgressReader struct {
	r        io.Reader
	total    int64
	step     int64
	read     int64
	reported int64
	onUpdate func(read, total int64)
}

// NewProgressReader wraps r. total may be zero when unknown; step controls
// how many bytes pass between callbacks.
func NewProgressReader(r io.Reader, total, step int64, onUpdate func(read, total int64)) *ProgressReader {
	if step <= 0 {
		step = 1
	}
	return &ProgressReader{r: r, total: total, step: step, onUpdate: onUpdate}
}

func (p *ProgressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)

	if p.onUpdate != nil {
		if p.read-p.reported >= p.step || (err == io.EOF && p.read != p.reported) {
			p.reported = p.read
			p.onUpdate(p.read, p.total)
		}
	}

	return n, err
}

// SectionReadCloser bundles a reader with the closer that owns its
// underlying resource, for range responses built from larger streams.
type SectionReadCloser struct {
	io.Reader
	io.Closer
}

// NopCloser adapts a plain reader into an io.ReadCloser.
func NopCloser(r io.Reader) io.ReadCloser {
	return io.NopCloser(r)
}
