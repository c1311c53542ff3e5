package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierfs/tierfs/internal/bytesize"
	"github.com/tierfs/tierfs/internal/logger"
	"github.com/tierfs/tierfs/pkg/config"
	"github.com/tierfs/tierfs/pkg/files"
	"github.com/tierfs/tierfs/pkg/metadata"
	"github.com/tierfs/tierfs/pkg/progress"
	"github.com/tierfs/tierfs/pkg/queue"
	"github.com/tierfs/tierfs/pkg/storage/fscache"
	"github.com/tierfs/tierfs/pkg/storage/nas"
)

type recordingQueue struct {
	mu   sync.Mutex
	jobs map[string]any
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
	return nil
}

type apiEnv struct {
	router http.Handler
	meta   *metadata.Store
	cache  *fscache.Store
}

func newAPIEnv(t *testing.T) *apiEnv {
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
		MaxFileSize:              bytesize.ByteSize(1 << 20),
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

	admission := files.NewAdmission(cfg)
	t.Cleanup(admission.Close)

	svc := files.NewService(files.Deps{
		Meta:         meta,
		Cache:        cacheStore,
		NAS:          nasStore,
		SyncQueue:    newRecordingQueue(),
		RestoreQueue: newRecordingQueue(),
		Progress:     progress.NewMemoryStore(time.Hour),
		Admission:    admission,
	}, cfg)

	require.NoError(t, meta.CreateFolder(context.Background(), &metadata.Folder{
		ID:        files.RootFolderID,
		Name:      files.RootFolderID,
		Path:      "",
		State:     metadata.FolderActive,
		NASStatus: metadata.FolderNASReady,
	}))

	return &apiEnv{
		router: NewRouter(Deps{Files: svc, Meta: meta, Cache: cacheStore, NAS: nasStore}),
		meta:   meta,
		cache:  cacheStore,
	}
}

func (e *apiEnv) do(t *testing.T, method, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("X-User-ID", "alice")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  *struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	env := decodeEnvelope(t, rec)
	require.NotNil(t, env.Data, "expected a data payload, got %s", rec.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, v))
}

type fileBody struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	FolderID  string `json:"folder_id"`
	SizeBytes int64  `json:"size_bytes"`
	State     string `json:"state"`
}

func (e *apiEnv) uploadRaw(t *testing.T, name, content string) fileBody {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/files?name="+name, strings.NewReader(content), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var file fileBody
	decodeData(t, rec, &file)
	return file
}

// markEventsDone clears the file's open sync events so mutations that guard
// on in-flight NAS work can proceed.
func markEventsDone(t *testing.T, env *apiEnv, fileID string) {
	t.Helper()
	ctx := context.Background()

	events, err := env.meta.ListFileEvents(ctx, fileID)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.Terminal() {
			continue
		}
		require.NoError(t, env.meta.TransitionEventStatus(ctx, ev.ID, ev.Status, metadata.EventDone))
	}
}

func TestUploadAndDownloadRoundTrip(t *testing.T) {
	env := newAPIEnv(t)

	file := env.uploadRaw(t, "report.txt", "hello world")
	assert.Equal(t, "report.txt", file.Name)
	assert.Equal(t, int64(11), file.SizeBytes)
	assert.Equal(t, "ACTIVE", file.State)

	rec := env.do(t, http.MethodGet, "/api/v1/files/"+file.ID+"/download", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
	assert.Equal(t, "bytes", rec.Header().Get("Accept-Ranges"))
	assert.NotEmpty(t, rec.Header().Get("ETag"))
	assert.NotEmpty(t, rec.Header().Get("X-Checksum-SHA256"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "report.txt")
	assert.Equal(t, "11", rec.Header().Get("Content-Length"))
}

func TestUploadMultipartForm(t *testing.T) {
	env := newAPIEnv(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("folder_id", ""))
	fw, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, err = fw.Write([]byte("form content"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	rec := env.do(t, http.MethodPost, "/api/v1/files", &buf,
		map[string]string{"Content-Type": mw.FormDataContentType()})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var file fileBody
	decodeData(t, rec, &file)
	assert.Equal(t, "notes.txt", file.Name)
	assert.Equal(t, int64(12), file.SizeBytes)

	rec = env.do(t, http.MethodGet, "/api/v1/files/"+file.ID+"/download", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "form content", rec.Body.String())
}

func TestUploadRejectsMissingName(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/files", strings.NewReader("x"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_FILE_NAME", decodeEnvelope(t, rec).Error.Code)
}

func TestDownloadRange(t *testing.T) {
	env := newAPIEnv(t)
	file := env.uploadRaw(t, "data.bin", "hello world")

	rec := env.do(t, http.MethodGet, "/api/v1/files/"+file.ID+"/download", nil,
		map[string]string{"Range": "bytes=0-4"})
	require.Equal(t, http.StatusPartialContent, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "bytes 0-4/11", rec.Header().Get("Content-Range"))
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
}

func TestDownloadRangeUnsatisfiable(t *testing.T) {
	env := newAPIEnv(t)
	file := env.uploadRaw(t, "data.bin", "hello world")

	rec := env.do(t, http.MethodGet, "/api/v1/files/"+file.ID+"/download", nil,
		map[string]string{"Range": "bytes=100-"})
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code)
	assert.Equal(t, "bytes */11", rec.Header().Get("Content-Range"))
	assert.Empty(t, rec.Body.String())
}

func TestDownloadRangeMalformed(t *testing.T) {
	env := newAPIEnv(t)
	file := env.uploadRaw(t, "data.bin", "hello world")

	for _, header := range []string{"bytes=", "bytes=abc", "bytes=0-2,4-6"} {
		rec := env.do(t, http.MethodGet, "/api/v1/files/"+file.ID+"/download", nil,
			map[string]string{"Range": header})
		require.Equal(t, http.StatusRequestedRangeNotSatisfiable, rec.Code, "header %q", header)
		assert.Equal(t, "bytes */11", rec.Header().Get("Content-Range"), "header %q", header)
		assert.Empty(t, rec.Body.String(), "header %q", header)
	}
}

func TestDownloadIfRangeMismatchServesFull(t *testing.T) {
	env := newAPIEnv(t)
	file := env.uploadRaw(t, "data.bin", "hello world")

	// A stale validator drops the range and serves the whole body.
	rec := env.do(t, http.MethodGet, "/api/v1/files/"+file.ID+"/download", nil,
		map[string]string{"Range": "bytes=0-4", "If-Range": `"stale-etag"`})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello world", rec.Body.String())
}

func TestDownloadResponseHeaders(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/files?name=notes.txt",
		strings.NewReader("plain text"), map[string]string{"Content-Type": "text/plain"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var inline fileBody
	decodeData(t, rec, &inline)

	rec = env.do(t, http.MethodGet, "/api/v1/files/"+inline.ID+"/download", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	lastModified, err := time.Parse(http.TimeFormat, rec.Header().Get("Last-Modified"))
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), lastModified, time.Minute)

	// Previewable types render in the browser; everything else downloads.
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), "inline;"),
		"got %q", rec.Header().Get("Content-Disposition"))

	rec = env.do(t, http.MethodPost, "/api/v1/files?name=blob.bin",
		strings.NewReader("binary"), map[string]string{"Content-Type": "application/octet-stream"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var attached fileBody
	decodeData(t, rec, &attached)

	rec = env.do(t, http.MethodGet, "/api/v1/files/"+attached.ID+"/download", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Disposition"), "attachment;"),
		"got %q", rec.Header().Get("Content-Disposition"))
}

func TestDownloadShortStreamLogsMismatch(t *testing.T) {
	env := newAPIEnv(t)
	file := env.uploadRaw(t, "data.bin", "hello world")

	// Corrupt the cached blob behind the metadata's back.
	_, err := env.cache.Write(context.Background(),
		files.CacheObjectKey(file.ID), strings.NewReader("hello"))
	require.NoError(t, err)

	var logs bytes.Buffer
	logger.InitWithWriter(&logs, "info", "json", false)
	t.Cleanup(func() { logger.InitWithWriter(os.Stderr, "info", "text", false) })

	rec := env.do(t, http.MethodGet, "/api/v1/files/"+file.ID+"/download", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())

	assert.Contains(t, logs.String(), "download stream length mismatch")
	assert.Contains(t, logs.String(), file.ID)
}

func TestGetFileAndNotFound(t *testing.T) {
	env := newAPIEnv(t)
	file := env.uploadRaw(t, "a.txt", "content")

	rec := env.do(t, http.MethodGet, "/api/v1/files/"+file.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/files/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "FILE_NOT_FOUND", decodeEnvelope(t, rec).Error.Code)
}

func TestRenameValidatesExtension(t *testing.T) {
	env := newAPIEnv(t)
	file := env.uploadRaw(t, "a.txt", "content")
	markEventsDone(t, env, file.ID)

	rec := env.do(t, http.MethodPost, "/api/v1/files/"+file.ID+"/rename",
		strings.NewReader(`{"name":"a.pdf"}`), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "FILE_EXTENSION_CHANGE_NOT_ALLOWED", decodeEnvelope(t, rec).Error.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/files/"+file.ID+"/rename",
		strings.NewReader(`{"name":"b.txt"}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var renamed fileBody
	decodeData(t, rec, &renamed)
	assert.Equal(t, "b.txt", renamed.Name)
}

func TestRenameRejectedWhileSyncing(t *testing.T) {
	env := newAPIEnv(t)
	file := env.uploadRaw(t, "a.txt", "content")

	// The CREATE event is still open.
	rec := env.do(t, http.MethodPost, "/api/v1/files/"+file.ID+"/rename",
		strings.NewReader(`{"name":"b.txt"}`), nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	resp := decodeEnvelope(t, rec)
	assert.Equal(t, "FILE_SYNCING", resp.Error.Code)
	assert.True(t, resp.Error.Retryable)
}

func TestTrashRestorePurgeLifecycle(t *testing.T) {
	env := newAPIEnv(t)
	file := env.uploadRaw(t, "doc.txt", "content")
	markEventsDone(t, env, file.ID)

	rec := env.do(t, http.MethodDelete, "/api/v1/files/"+file.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var trashed fileBody
	decodeData(t, rec, &trashed)
	assert.Equal(t, "TRASHED", trashed.State)
	markEventsDone(t, env, file.ID)

	// Trashing again conflicts.
	rec = env.do(t, http.MethodDelete, "/api/v1/files/"+file.ID, nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "FILE_ALREADY_TRASHED", decodeEnvelope(t, rec).Error.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/files/"+file.ID+"/restore", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var restored fileBody
	decodeData(t, rec, &restored)
	assert.Equal(t, "ACTIVE", restored.State)
	markEventsDone(t, env, file.ID)

	// Purging an active file is rejected.
	rec = env.do(t, http.MethodDelete, "/api/v1/files/"+file.ID+"/purge", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "FILE_NOT_IN_TRASH", decodeEnvelope(t, rec).Error.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/files/"+file.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	markEventsDone(t, env, file.ID)

	rec = env.do(t, http.MethodDelete, "/api/v1/files/"+file.ID+"/purge", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSyncProgressIdleWhenUntracked(t *testing.T) {
	env := newAPIEnv(t)
	file := env.uploadRaw(t, "a.txt", "content")

	rec := env.do(t, http.MethodGet, "/api/v1/files/"+file.ID+"/sync", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var prog struct {
		Stage string `json:"stage"`
	}
	decodeData(t, rec, &prog)
	assert.Equal(t, "IDLE", prog.Stage)
}

type sessionBody struct {
	ID         string `json:"id"`
	TotalParts int    `json:"total_parts"`
	PartSize   int64  `json:"part_size"`
	Status     string `json:"status"`
}

func TestMultipartSessionLifecycle(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/uploads",
		strings.NewReader(`{"name":"big.bin","size":1024}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var session sessionBody
	decodeData(t, rec, &session)
	require.Equal(t, 4, session.TotalParts)
	require.Equal(t, int64(256), session.PartSize)

	content := strings.Repeat("abcd", 256) // 1024 bytes
	for n := 1; n <= 4; n++ {
		part := content[(n-1)*256 : n*256]
		rec = env.do(t, http.MethodPut,
			"/api/v1/uploads/"+session.ID+"/parts/"+strconv.Itoa(n),
			strings.NewReader(part), nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		assert.NotEmpty(t, rec.Header().Get("ETag"))
	}

	rec = env.do(t, http.MethodGet, "/api/v1/uploads/"+session.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		PartsUploaded int `json:"parts_uploaded"`
		Percent       int `json:"percent"`
	}
	decodeData(t, rec, &status)
	assert.Equal(t, 4, status.PartsUploaded)
	assert.Equal(t, 100, status.Percent)

	rec = env.do(t, http.MethodPost, "/api/v1/uploads/"+session.ID+"/complete", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var completed struct {
		FileID string `json:"file_id"`
		Status string `json:"status"`
	}
	decodeData(t, rec, &completed)
	require.NotEmpty(t, completed.FileID)
	assert.Equal(t, "COMPLETING", completed.Status)

	// Re-completing is idempotent.
	rec = env.do(t, http.MethodPost, "/api/v1/uploads/"+session.ID+"/complete", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var again struct {
		FileID string `json:"file_id"`
	}
	decodeData(t, rec, &again)
	assert.Equal(t, completed.FileID, again.FileID)

	// The file is readable out of the session parts while the NAS copy is
	// still being written.
	rec = env.do(t, http.MethodGet, "/api/v1/files/"+completed.FileID+"/download", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, content, rec.Body.String())
}

func TestMultipartPartValidation(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/uploads",
		strings.NewReader(`{"name":"big.bin","size":1024}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var session sessionBody
	decodeData(t, rec, &session)

	rec = env.do(t, http.MethodPut, "/api/v1/uploads/"+session.ID+"/parts/abc",
		strings.NewReader("x"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/uploads/"+session.ID+"/parts/9",
		strings.NewReader("x"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_PART_NUMBER", decodeEnvelope(t, rec).Error.Code)

	// Wrong part size.
	rec = env.do(t, http.MethodPut, "/api/v1/uploads/"+session.ID+"/parts/1",
		strings.NewReader("short"), nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "PART_MISMATCH", decodeEnvelope(t, rec).Error.Code)
}

func TestMultipartAbort(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/uploads",
		strings.NewReader(`{"name":"big.bin","size":1024}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var session sessionBody
	decodeData(t, rec, &session)

	rec = env.do(t, http.MethodDelete, "/api/v1/uploads/"+session.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// Parts are rejected after the abort.
	rec = env.do(t, http.MethodPut, "/api/v1/uploads/"+session.ID+"/parts/1",
		strings.NewReader(strings.Repeat("x", 256)), nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "SESSION_ABORTED", decodeEnvelope(t, rec).Error.Code)
}

func TestInitiateQueuesWhenAtCapacity(t *testing.T) {
	env := newAPIEnv(t)

	// Two distinct users fill the active slots.
	rec := env.do(t, http.MethodPost, "/api/v1/uploads",
		strings.NewReader(`{"name":"a.bin","size":1024}`),
		map[string]string{"X-User-ID": "user-a"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/uploads",
		strings.NewReader(`{"name":"b.bin","size":1024}`),
		map[string]string{"X-User-ID": "user-b"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/uploads",
		strings.NewReader(`{"name":"c.bin","size":1024}`),
		map[string]string{"X-User-ID": "user-c"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var ticket struct {
		ID       string `json:"id"`
		State    string `json:"state"`
		Position int    `json:"position"`
	}
	decodeData(t, rec, &ticket)
	require.NotEmpty(t, ticket.ID)
	assert.Equal(t, "WAITING", ticket.State)
	assert.Equal(t, 1, ticket.Position)

	rec = env.do(t, http.MethodGet, "/api/v1/uploads/queue/"+ticket.ID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/uploads/queue/"+ticket.ID, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/uploads/queue/missing", nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "TICKET_NOT_FOUND", decodeEnvelope(t, rec).Error.Code)
}

func TestHealthEndpoints(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeEnvelope(t, rec).Status)

	rec = env.do(t, http.MethodGet, "/health/ready", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeEnvelope(t, rec).Status)
}

func TestMetricsRouteWithoutRegistry(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
