package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *FileMetrics

	// Every method must be callable on a nil receiver.
	m.RecordUpload("small", 10)
	m.RecordDownload("cache", 10)
	m.RecordSyncEvent("CREATE", "done", time.Second)
	m.RecordRestore("done")
	m.SetQueueDepth("nas-sync", 3)
	m.SetAdmission(1, 2)
}

func TestRegistryLifecycle(t *testing.T) {
	assert.Nil(t, NewFileMetrics())

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	InitRegistry()
	InitRegistry() // second call keeps the first registry
	require.True(t, IsEnabled())

	m := NewFileMetrics()
	require.NotNil(t, m)

	m.RecordUpload("small", 128)
	m.RecordDownload("nas", 64)
	m.RecordSyncEvent("CREATE", "done", 250*time.Millisecond)
	m.RecordSyncEvent("TRASH", "retry", 0)
	m.RecordRestore("failed")
	m.SetQueueDepth("nas-sync", 5)
	m.SetAdmission(2, 1)

	families, err := Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["tierfs_uploads_total"])
	assert.True(t, names["tierfs_download_bytes_total"])
	assert.True(t, names["tierfs_sync_events_total"])
	assert.True(t, names["tierfs_queue_depth"])

	rec = httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "tierfs_uploads_total")
}
