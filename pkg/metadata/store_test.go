package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestFile(folderID string) *File {
	return &File{
		ID:        uuid.NewString(),
		Name:      "report.pdf",
		FolderID:  folderID,
		SizeBytes: 2048,
		MimeType:  "application/pdf",
		State:     FileStateActive,
	}
}

func TestFileLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	file := newTestFile("folder-1")
	require.NoError(t, store.CreateFile(ctx, file))

	got, err := store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, file.Name, got.Name)
	assert.Equal(t, FileStateActive, got.State)

	require.NoError(t, store.TransitionFileState(ctx, file.ID, FileStateActive, FileStateTrashed))

	// Second transition from the old state must lose the race.
	err = store.TransitionFileState(ctx, file.ID, FileStateActive, FileStateTrashed)
	assert.ErrorIs(t, err, ErrStaleTransition)

	got, err = store.GetFile(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, FileStateTrashed, got.State)
}

func TestGetFileNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetFile(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestFindFileByNameSkipsDeleted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	file := newTestFile("folder-1")
	require.NoError(t, store.CreateFile(ctx, file))

	found, err := store.FindFileByName(ctx, "folder-1", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, file.ID, found.ID)

	file.State = FileStateDeleted
	require.NoError(t, store.UpdateFile(ctx, file))

	_, err = store.FindFileByName(ctx, "folder-1", "report.pdf")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestObjectUniquePerTier(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	file := newTestFile("folder-1")
	require.NoError(t, store.CreateFile(ctx, file))

	obj := &StorageObject{
		ID:                 uuid.NewString(),
		FileID:             file.ID,
		Tier:               TierCache,
		ObjectKey:          "cache/" + file.ID,
		AvailabilityStatus: StatusAvailable,
	}
	require.NoError(t, store.CreateObject(ctx, obj))

	dup := &StorageObject{
		ID:                 uuid.NewString(),
		FileID:             file.ID,
		Tier:               TierCache,
		ObjectKey:          "cache/other",
		AvailabilityStatus: StatusSyncing,
	}
	err := store.CreateObject(ctx, dup)
	assert.ErrorIs(t, err, ErrDuplicateObject)

	// A different tier is fine.
	nas := &StorageObject{
		ID:                 uuid.NewString(),
		FileID:             file.ID,
		Tier:               TierNAS,
		ObjectKey:          "20260824120000__report.pdf",
		AvailabilityStatus: StatusSyncing,
	}
	require.NoError(t, store.CreateObject(ctx, nas))

	objects, err := store.ListObjects(ctx, file.ID)
	require.NoError(t, err)
	assert.Len(t, objects, 2)
}

func TestObjectGuardedTransition(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	obj := &StorageObject{
		ID:                 uuid.NewString(),
		FileID:             uuid.NewString(),
		Tier:               TierNAS,
		ObjectKey:          "key",
		AvailabilityStatus: StatusSyncing,
	}
	require.NoError(t, store.CreateObject(ctx, obj))

	require.NoError(t, store.TransitionObjectStatus(ctx, obj.ID, StatusSyncing, StatusAvailable))
	assert.ErrorIs(t, store.TransitionObjectStatus(ctx, obj.ID, StatusSyncing, StatusAvailable), ErrStaleTransition)

	got, err := store.GetObjectByID(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, got.AvailabilityStatus)
	assert.True(t, got.Available())
}

func TestLeaseAcquireRelease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	obj := &StorageObject{
		ID:                 uuid.NewString(),
		FileID:             uuid.NewString(),
		Tier:               TierCache,
		ObjectKey:          "cache/x",
		AvailabilityStatus: StatusAvailable,
	}
	require.NoError(t, store.CreateObject(ctx, obj))

	require.NoError(t, store.AcquireLease(ctx, obj.ID))
	require.NoError(t, store.AcquireLease(ctx, obj.ID))

	got, err := store.GetObjectByID(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.LeaseCount)
	assert.Equal(t, int64(2), got.AccessCount)
	require.NotNil(t, got.LastAccessed)

	require.NoError(t, store.ReleaseLease(ctx, obj.ID))
	require.NoError(t, store.ReleaseLease(ctx, obj.ID))
	// Extra release clamps at zero.
	require.NoError(t, store.ReleaseLease(ctx, obj.ID))

	got, err = store.GetObjectByID(ctx, obj.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.LeaseCount)
}

func TestListEvictableObjects(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-2 * time.Hour)
	cold := &StorageObject{
		ID:                 uuid.NewString(),
		FileID:             uuid.NewString(),
		Tier:               TierCache,
		ObjectKey:          "cache/cold",
		AvailabilityStatus: StatusAvailable,
		LastAccessed:       &old,
	}
	require.NoError(t, store.CreateObject(ctx, cold))

	leased := &StorageObject{
		ID:                 uuid.NewString(),
		FileID:             uuid.NewString(),
		Tier:               TierCache,
		ObjectKey:          "cache/leased",
		AvailabilityStatus: StatusAvailable,
		LastAccessed:       &old,
	}
	require.NoError(t, store.CreateObject(ctx, leased))
	require.NoError(t, store.AcquireLease(ctx, leased.ID))

	candidates, err := store.ListEvictableObjects(ctx, time.Now().Add(-time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, cold.ID, candidates[0].ID)
}

func newTestSession() *UploadSession {
	return &UploadSession{
		ID:               uuid.NewString(),
		FileName:         "video.mov",
		FolderID:         "folder-1",
		TotalSize:        100 << 20,
		PartSize:         10 << 20,
		TotalParts:       10,
		Status:           SessionActive,
		ConflictStrategy: ConflictError,
		ExpiresAt:        time.Now().Add(30 * time.Minute),
	}
}

func TestSessionTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession()
	require.NoError(t, store.CreateSession(ctx, session))

	require.NoError(t, store.TransitionSessionStatus(ctx, session.ID, SessionActive, SessionCompleting))
	assert.ErrorIs(t, store.TransitionSessionStatus(ctx, session.ID, SessionActive, SessionAborted), ErrStaleTransition)
	require.NoError(t, store.TransitionSessionStatus(ctx, session.ID, SessionCompleting, SessionCompleted))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, got.Terminal())
}

func TestExtendSessionOnlyActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession()
	require.NoError(t, store.CreateSession(ctx, session))

	later := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	require.NoError(t, store.ExtendSession(ctx, session.ID, later))

	require.NoError(t, store.TransitionSessionStatus(ctx, session.ID, SessionActive, SessionAborted))
	assert.ErrorIs(t, store.ExtendSession(ctx, session.ID, later.Add(time.Hour)), ErrStaleTransition)
}

func TestUpsertPartAdjustsUploadedBytes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	session := newTestSession()
	require.NoError(t, store.CreateSession(ctx, session))

	part := &UploadPart{
		SessionID:   session.ID,
		PartNumber:  1,
		Size:        10 << 20,
		ObjectKey:   "multipart/" + session.ID + "/part_00001",
		ETag:        "abc",
		CompletedAt: time.Now(),
	}
	require.NoError(t, store.UpsertPart(ctx, part))

	got, err := store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10<<20), got.UploadedBytes)

	// Re-upload the same part with a different size: total reflects the
	// replacement, not the sum.
	part.Size = 8 << 20
	part.ETag = "def"
	require.NoError(t, store.UpsertPart(ctx, part))

	got, err = store.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(8<<20), got.UploadedBytes)

	count, err := store.CountParts(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	parts, err := store.ListParts(ctx, session.ID)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, "def", parts[0].ETag)
}

func TestListExpiredSessions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expired := newTestSession()
	expired.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.CreateSession(ctx, expired))

	fresh := newTestSession()
	require.NoError(t, store.CreateSession(ctx, fresh))

	sessions, err := store.ListExpiredSessions(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, expired.ID, sessions[0].ID)
}

func TestSumActiveSessionBytes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	total, err := store.SumActiveSessionBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)

	first := newTestSession()
	require.NoError(t, store.CreateSession(ctx, first))

	second := newTestSession()
	second.TotalSize = 50 << 20
	require.NoError(t, store.CreateSession(ctx, second))

	aborted := newTestSession()
	require.NoError(t, store.CreateSession(ctx, aborted))
	require.NoError(t, store.TransitionSessionStatus(ctx, aborted.ID, SessionActive, SessionAborted))

	total, err = store.SumActiveSessionBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(150<<20), total)
}

func TestEventRetryAndFailure(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	event := &SyncEvent{
		ID:        uuid.NewString(),
		FileID:    uuid.NewString(),
		EventType: EventCreate,
	}
	require.NoError(t, store.CreateEvent(ctx, event))

	got, err := store.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, EventPending, got.Status)
	assert.Equal(t, DefaultMaxRetries, got.MaxRetries)

	require.NoError(t, store.TransitionEventStatus(ctx, event.ID, EventPending, EventQueued))
	require.NoError(t, store.TransitionEventStatus(ctx, event.ID, EventQueued, EventProcessing))

	require.NoError(t, store.MarkEventRetry(ctx, event.ID, "nas timeout"))

	got, err = store.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, EventPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "nas timeout", got.ErrorMessage)

	require.NoError(t, store.MarkEventFailed(ctx, event.ID, "retries exhausted"))

	got, err = store.GetEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, got.Terminal())
	assert.Equal(t, EventFailed, got.Status)
}

func TestHasOpenEvents(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fileID := uuid.NewString()

	open, err := store.HasOpenEvents(ctx, fileID)
	require.NoError(t, err)
	assert.False(t, open)

	event := &SyncEvent{
		ID:        uuid.NewString(),
		FileID:    fileID,
		EventType: EventRename,
	}
	require.NoError(t, store.CreateEvent(ctx, event))

	open, err = store.HasOpenEvents(ctx, fileID)
	require.NoError(t, err)
	assert.True(t, open)

	require.NoError(t, store.TransitionEventStatus(ctx, event.ID, EventPending, EventQueued))
	require.NoError(t, store.TransitionEventStatus(ctx, event.ID, EventQueued, EventProcessing))
	require.NoError(t, store.TransitionEventStatus(ctx, event.ID, EventProcessing, EventDone))

	open, err = store.HasOpenEvents(ctx, fileID)
	require.NoError(t, err)
	assert.False(t, open)
}

func TestTransactionRollback(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	file := newTestFile("folder-1")
	err := store.Transaction(ctx, func(tx *Store) error {
		if err := tx.CreateFile(ctx, file); err != nil {
			return err
		}
		return assert.AnError
	})
	require.Error(t, err)

	_, err = store.GetFile(ctx, file.ID)
	assert.ErrorIs(t, err, ErrFileNotFound)
}
