package fscache

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierfs/tierfs/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func writeString(t *testing.T, store *Store, key, content string) {
	t.Helper()
	n, err := store.Write(context.Background(), key, strings.NewReader(content))
	require.NoError(t, err)
	require.Equal(t, int64(len(content)), n)
}

func TestWriteAndOpen(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	writeString(t, store, "objects/file-1", "hello cache")

	rc, err := store.Open(ctx, "objects/file-1")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hello cache", string(data))
}

func TestOpenMissing(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Open(context.Background(), "missing")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestOpenRange(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	writeString(t, store, "obj", "0123456789")

	tests := []struct {
		name   string
		offset int64
		length int64
		want   string
	}{
		{"middle", 2, 3, "234"},
		{"to end", 7, -1, "789"},
		{"past end clamps", 8, 100, "89"},
		{"full", 0, 10, "0123456789"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc, err := store.OpenRange(ctx, "obj", tt.offset, tt.length)
			require.NoError(t, err)
			defer rc.Close()

			data, err := io.ReadAll(rc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(data))
		})
	}
}

func TestOpenRangeInvalidOffset(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	writeString(t, store, "obj", "0123456789")

	_, err := store.OpenRange(ctx, "obj", 10, 1)
	assert.ErrorIs(t, err, storage.ErrInvalidRange)

	_, err = store.OpenRange(ctx, "obj", -1, 1)
	assert.ErrorIs(t, err, storage.ErrInvalidRange)
}

func TestStat(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	writeString(t, store, "obj", "12345")

	info, err := store.Stat(ctx, "obj")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, "obj", info.Key)

	_, err = store.Stat(ctx, "other")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestDeleteIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	writeString(t, store, "a/b/obj", "x")

	require.NoError(t, store.Delete(ctx, "a/b/obj"))
	require.NoError(t, store.Delete(ctx, "a/b/obj"))

	_, err := store.Stat(ctx, "a/b/obj")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)
}

func TestDeleteByPrefix(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	writeString(t, store, "multipart/sess-1/part_00001", "a")
	writeString(t, store, "multipart/sess-1/part_00002", "b")
	writeString(t, store, "multipart/sess-2/part_00001", "c")

	require.NoError(t, store.DeleteByPrefix(ctx, "multipart/sess-1"))

	keys, err := store.ListByPrefix(ctx, "multipart")
	require.NoError(t, err)
	assert.Equal(t, []string{"multipart/sess-2/part_00001"}, keys)
}

func TestListByPrefixSorted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	writeString(t, store, "p/b", "1")
	writeString(t, store, "p/a", "2")
	writeString(t, store, "q/c", "3")

	keys, err := store.ListByPrefix(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"p/a", "p/b"}, keys)

	keys, err = store.ListByPrefix(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestMove(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	writeString(t, store, "old/key", "content")

	require.NoError(t, store.Move(ctx, "old/key", "new/key"))

	rc, err := store.Open(ctx, "new/key")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	_, err = store.Stat(ctx, "old/key")
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	assert.ErrorIs(t, store.Move(ctx, "never", "was"), storage.ErrObjectNotFound)
}

func TestClosedStore(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())

	ctx := context.Background()
	_, err := store.Write(ctx, "k", strings.NewReader("x"))
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
	_, err = store.Open(ctx, "k")
	assert.ErrorIs(t, err, storage.ErrStoreClosed)
	assert.ErrorIs(t, store.HealthCheck(ctx), storage.ErrStoreClosed)
}
