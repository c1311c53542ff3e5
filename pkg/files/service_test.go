package files

import (
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierfs/tierfs/internal/bytesize"
	"github.com/tierfs/tierfs/pkg/config"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/progress"
	"github.com/tierfs/tierfs/pkg/queue"
	"github.com/tierfs/tierfs/pkg/storage/fscache"
	"github.com/tierfs/tierfs/pkg/storage/nas"
)

// recordingQueue captures enqueued jobs and deduplicates by ID, mirroring
// the behavior the service relies on.
type recordingQueue struct {
	mu   sync.Mutex
	jobs map[string]any
	ids  []string
}

func newRecordingQueue() *recordingQueue {
	return &recordingQueue{jobs: make(map[string]any)}
}

func (q *recordingQueue) Enqueue(id string, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[id]; ok {
		return queue.ErrDuplicateJob
	}
	q.jobs[id] = payload
	q.ids = append(q.ids, id)
	return nil
}

func (q *recordingQueue) count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}

type testEnv struct {
	svc          *Service
	meta         *metadata.Store
	cache        *fscache.Store
	nas          *nas.Store
	syncQueue    *recordingQueue
	restoreQueue *recordingQueue
	admission    *Admission
	cfg          config.UploadConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	meta, err := metadata.NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = meta.Close() })

	cacheStore, err := fscache.NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = cacheStore.Close() })

	nasStore, err := nas.NewWithPath(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nasStore.Close() })

	cfg := config.UploadConfig{
		MaxFileSize:              bytesize.ByteSize(1 << 20), // 1 MiB keeps tests small
		MultipartMinFileSize:     bytesize.ByteSize(1 << 10),
		DefaultPartSize:          bytesize.ByteSize(256),
		SessionTTL:               time.Hour,
		MaxActiveSessions:        2,
		MaxSessionsPerUser:       1,
		MaxTotalUploadBytes:      bytesize.ByteSize(1 << 30),
		MaxQueueSize:             2,
		TicketTTL:                time.Hour,
		ReadyClaimTTL:            time.Hour,
		EstimatedSessionDuration: 5 * time.Minute,
		QueueMaintenanceInterval: time.Hour,
	}

	admission := NewAdmission(cfg)
	t.Cleanup(admission.Close)

	syncQueue := newRecordingQueue()
	restoreQueue := newRecordingQueue()

	svc := NewService(Deps{
		Meta:         meta,
		Cache:        cacheStore,
		NAS:          nasStore,
		SyncQueue:    syncQueue,
		RestoreQueue: restoreQueue,
		Progress:     progress.NewMemoryStore(time.Hour),
		Admission:    admission,
	}, cfg)

	env := &testEnv{
		svc:          svc,
		meta:         meta,
		cache:        cacheStore,
		nas:          nasStore,
		syncQueue:    syncQueue,
		restoreQueue: restoreQueue,
		admission:    admission,
		cfg:          cfg,
	}
	env.createFolder(t, RootFolderID, "", metadata.FolderNASReady)
	return env
}

func (e *testEnv) createFolder(t *testing.T, id, path string, status metadata.FolderNASStatus) {
	t.Helper()
	require.NoError(t, e.meta.CreateFolder(context.Background(), &metadata.Folder{
		ID:        id,
		Name:      id,
		Path:      path,
		State:     metadata.FolderActive,
		NASStatus: status,
	}))
}

func (e *testEnv) upload(t *testing.T, folderID, name, content string) *metadata.File {
	t.Helper()
	file, err := e.svc.Upload(context.Background(), UploadRequest{
		FolderID:  folderID,
		Name:      name,
		Size:      int64(len(content)),
		CreatedBy: "alice",
		Body:      strings.NewReader(content),
	})
	require.NoError(t, err)
	return file
}

func TestUploadStoresFileAndSchedulesSync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file := env.upload(t, "", "report.pdf", "hello world")

	assert.Equal(t, metadata.FileStateActive, file.State)
	assert.Equal(t, int64(11), file.SizeBytes)
	assert.Equal(t, RootFolderID, file.FolderID)

	// Bytes are in the cache under the file ID.
	rc, err := env.cache.Open(ctx, CacheObjectKey(file.ID))
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "hello world", string(data))

	// Cache AVAILABLE, NAS SYNCING.
	cacheObj, err := env.meta.GetObject(ctx, file.ID, metadata.TierCache)
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusAvailable, cacheObj.AvailabilityStatus)
	require.NotNil(t, cacheObj.Checksum)

	nasObj, err := env.meta.GetObject(ctx, file.ID, metadata.TierNAS)
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusSyncing, nasObj.AvailabilityStatus)
	assert.Contains(t, nasObj.ObjectKey, "__report.pdf")

	// One CREATE event, queued.
	assert.Equal(t, 1, env.syncQueue.count())
	events, err := env.meta.ListFileEvents(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, metadata.EventCreate, events[0].EventType)
	assert.Equal(t, metadata.EventQueued, events[0].Status)
}

func TestUploadRejectsDuplicateName(t *testing.T) {
	env := newTestEnv(t)

	env.upload(t, "", "a.txt", "one")

	_, err := env.svc.Upload(context.Background(), UploadRequest{
		FolderID: "", Name: "a.txt", Size: 3, Body: strings.NewReader("two"),
	})
	assert.Equal(t, CodeDuplicateFileExists, CodeOf(err))
}

func TestUploadRejectsInvalidNames(t *testing.T) {
	env := newTestEnv(t)

	for _, name := range []string{"", "   ", "a/b.txt", ".", ".."} {
		_, err := env.svc.Upload(context.Background(), UploadRequest{
			FolderID: "", Name: name, Size: 1, Body: strings.NewReader("x"),
		})
		assert.Equal(t, CodeInvalidFileName, CodeOf(err), "name %q", name)
	}
}

func TestUploadRejectsSyncingFolder(t *testing.T) {
	env := newTestEnv(t)
	env.createFolder(t, "busy", "busy", metadata.FolderNASSyncing)

	_, err := env.svc.Upload(context.Background(), UploadRequest{
		FolderID: "busy", Name: "a.txt", Size: 1, Body: strings.NewReader("x"),
	})
	assert.Equal(t, CodeFolderSyncInProgress, CodeOf(err))

	e, ok := AsError(err)
	require.True(t, ok)
	assert.True(t, e.Retryable)
}

func TestUploadOversizedBodyCompensates(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	big := strings.Repeat("x", int(env.cfg.MaxFileSize)+1)
	_, err := env.svc.Upload(ctx, UploadRequest{
		FolderID: "", Name: "big.bin", Size: -1, Body: strings.NewReader(big),
	})
	assert.Equal(t, CodeFileTooLarge, CodeOf(err))

	// No orphaned blob, no metadata.
	keys, err := env.cache.ListByPrefix(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, keys)
	_, err = env.meta.FindFileByName(ctx, RootFolderID, "big.bin")
	assert.ErrorIs(t, err, metadata.ErrFileNotFound)
}

func TestDownloadFromCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file := env.upload(t, "", "a.txt", "cache content")

	dl, err := env.svc.Download(ctx, DownloadRequest{FileID: file.ID})
	require.NoError(t, err)

	assert.Equal(t, 200, dl.Status)
	assert.Equal(t, metadata.TierCache, dl.Tier)
	assert.Equal(t, int64(13), dl.ContentLength)
	assert.NotEmpty(t, dl.ETag)

	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "cache content", string(data))

	// The lease pins the object while streaming and clears on Close.
	obj, err := env.meta.GetObject(ctx, file.ID, metadata.TierCache)
	require.NoError(t, err)
	assert.Equal(t, int64(1), obj.LeaseCount)

	require.NoError(t, dl.Close())
	require.NoError(t, dl.Close()) // idempotent

	obj, err = env.meta.GetObject(ctx, file.ID, metadata.TierCache)
	require.NoError(t, err)
	assert.Equal(t, int64(0), obj.LeaseCount)

	// Cache hits never schedule restores.
	assert.Equal(t, 0, env.restoreQueue.count())
}

func TestDownloadRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file := env.upload(t, "", "a.txt", "0123456789")

	dl, err := env.svc.Download(ctx, DownloadRequest{FileID: file.ID, RangeHeader: "bytes=2-5"})
	require.NoError(t, err)
	defer dl.Close()

	assert.Equal(t, 206, dl.Status)
	assert.Equal(t, int64(4), dl.ContentLength)
	assert.Equal(t, "bytes 2-5/10", dl.ContentRange)

	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "2345", string(data))
}

func TestDownloadUnsatisfiableRange(t *testing.T) {
	env := newTestEnv(t)

	file := env.upload(t, "", "a.txt", "0123456789")

	dl, err := env.svc.Download(context.Background(), DownloadRequest{
		FileID: file.ID, RangeHeader: "bytes=100-",
	})
	require.NoError(t, err)
	defer dl.Close()

	assert.Equal(t, 416, dl.Status)
	assert.Nil(t, dl.Body)
	assert.Equal(t, "bytes */10", dl.ContentRange)
}

func TestDownloadMalformedRange(t *testing.T) {
	env := newTestEnv(t)

	file := env.upload(t, "", "a.txt", "0123456789")

	for _, header := range []string{"bytes=", "bytes=abc-def", "items=0-5", "bytes=0-2,4-6"} {
		dl, err := env.svc.Download(context.Background(), DownloadRequest{
			FileID: file.ID, RangeHeader: header,
		})
		require.NoError(t, err, "header %q", header)

		assert.Equal(t, 416, dl.Status, "header %q", header)
		assert.Nil(t, dl.Body, "header %q", header)
		assert.Equal(t, "bytes */10", dl.ContentRange, "header %q", header)
		require.NoError(t, dl.Close())
	}
}

func TestDownloadIfRangeMismatchServesFullBody(t *testing.T) {
	env := newTestEnv(t)

	file := env.upload(t, "", "a.txt", "0123456789")

	dl, err := env.svc.Download(context.Background(), DownloadRequest{
		FileID:      file.ID,
		RangeHeader: "bytes=2-5",
		IfRange:     `"some-other-etag"`,
	})
	require.NoError(t, err)
	defer dl.Close()

	assert.Equal(t, 200, dl.Status)
	assert.Equal(t, int64(10), dl.ContentLength)
}

func TestDownloadFallsBackToNASAndSchedulesRestore(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file := env.upload(t, "", "a.txt", "nas content")

	// Simulate a completed sync followed by cache eviction.
	nasObj, err := env.meta.GetObject(ctx, file.ID, metadata.TierNAS)
	require.NoError(t, err)
	_, err = env.nas.Write(ctx, nasObj.ObjectKey, strings.NewReader("nas content"))
	require.NoError(t, err)
	require.NoError(t, env.meta.SetObjectStatus(ctx, nasObj.ID, metadata.StatusAvailable))
	require.NoError(t, env.cache.Delete(ctx, CacheObjectKey(file.ID)))

	dl, err := env.svc.Download(ctx, DownloadRequest{FileID: file.ID})
	require.NoError(t, err)
	defer dl.Close()

	assert.Equal(t, metadata.TierNAS, dl.Tier)
	data, err := io.ReadAll(dl.Body)
	require.NoError(t, err)
	assert.Equal(t, "nas content", string(data))

	// The miss flipped the cache row and scheduled a restore.
	cacheObj, err := env.meta.GetObject(ctx, file.ID, metadata.TierCache)
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusMissing, cacheObj.AvailabilityStatus)
	assert.Equal(t, 1, env.restoreQueue.count())

	// A second miss does not enqueue a second restore.
	dl2, err := env.svc.Download(ctx, DownloadRequest{FileID: file.ID})
	require.NoError(t, err)
	require.NoError(t, dl2.Close())
	assert.Equal(t, 1, env.restoreQueue.count())
}

func TestDownloadSyncingWithoutSessionReportsFileSyncing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file := env.upload(t, "", "a.txt", "content")

	// Evict the cache while the NAS copy is still SYNCING.
	require.NoError(t, env.cache.Delete(ctx, CacheObjectKey(file.ID)))

	_, err := env.svc.Download(ctx, DownloadRequest{FileID: file.ID})
	assert.Equal(t, CodeFileSyncing, CodeOf(err))

	e, ok := AsError(err)
	require.True(t, ok)
	assert.True(t, e.Retryable)
}

func TestDownloadTrashedAndDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file := env.upload(t, "", "a.txt", "content")
	markEventsDone(t, env, file.ID)

	_, err := env.svc.Trash(ctx, file.ID)
	require.NoError(t, err)

	_, err = env.svc.Download(ctx, DownloadRequest{FileID: file.ID})
	assert.Equal(t, CodeFileInTrash, CodeOf(err))

	markEventsDone(t, env, file.ID)
	require.NoError(t, env.svc.Purge(ctx, file.ID))

	_, err = env.svc.Download(ctx, DownloadRequest{FileID: file.ID})
	assert.Equal(t, CodeFileDeleted, CodeOf(err))
}

func TestDownloadUnknownFile(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Download(context.Background(), DownloadRequest{FileID: "nope"})
	assert.Equal(t, CodeFileNotFound, CodeOf(err))
}

func TestReconcileAdoptsOrphanedBlob(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file := env.upload(t, "", "a.txt", "content")

	// Drop the cache row but keep the blob.
	obj, err := env.meta.GetObject(ctx, file.ID, metadata.TierCache)
	require.NoError(t, err)
	require.NoError(t, env.meta.DeleteObject(ctx, obj.ID))

	dl, err := env.svc.Download(ctx, DownloadRequest{FileID: file.ID})
	require.NoError(t, err)
	defer dl.Close()
	assert.Equal(t, metadata.TierCache, dl.Tier)

	adopted, err := env.meta.GetObject(ctx, file.ID, metadata.TierCache)
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusAvailable, adopted.AvailabilityStatus)
}

func TestReconcileRepairsMissingRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file := env.upload(t, "", "a.txt", "content")

	obj, err := env.meta.GetObject(ctx, file.ID, metadata.TierCache)
	require.NoError(t, err)
	require.NoError(t, env.meta.SetObjectStatus(ctx, obj.ID, metadata.StatusMissing))

	dl, err := env.svc.Download(ctx, DownloadRequest{FileID: file.ID})
	require.NoError(t, err)
	defer dl.Close()
	assert.Equal(t, metadata.TierCache, dl.Tier)

	repaired, err := env.meta.GetObject(ctx, file.ID, metadata.TierCache)
	require.NoError(t, err)
	assert.Equal(t, metadata.StatusAvailable, repaired.AvailabilityStatus)
}

// markEventsDone finishes all open sync events for a file so mutation guards
// pass, standing in for the sync worker.
func markEventsDone(t *testing.T, env *testEnv, fileID string) {
	t.Helper()
	ctx := context.Background()

	events, err := env.meta.ListFileEvents(ctx, fileID)
	require.NoError(t, err)
	for _, e := range events {
		if e.Terminal() {
			continue
		}
		require.NoError(t, env.meta.TransitionEventStatus(ctx, e.ID, e.Status, metadata.EventDone))
	}
}

func TestSyncProgressIdleWhenUntracked(t *testing.T) {
	env := newTestEnv(t)

	file := env.upload(t, "", "a.txt", "content")

	entry, err := env.svc.SyncProgress(context.Background(), file.ID)
	require.NoError(t, err)
	assert.Equal(t, progress.StageIdle, entry.Stage)
}
