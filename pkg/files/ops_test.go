package files

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tierfs/tierfs/pkg/metadata"
)

func TestRenamePreservesExtension(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file := env.upload(t, "", "report.pdf", "content")
	markEventsDone(t, env, file.ID)

	_, err := env.svc.Rename(ctx, file.ID, "report.txt")
	assert.Equal(t, CodeExtensionChange, CodeOf(err))

	renamed, err := env.svc.Rename(ctx, file.ID, "summary.PDF")
	require.NoError(t, err)
	assert.Equal(t, "summary.PDF", renamed.Name)

	events, err := env.meta.ListFileEvents(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, metadata.EventRename, events[0].EventType)
	require.NotNil(t, events[0].NewName)
	assert.Equal(t, "summary.PDF", *events[0].NewName)
}

func TestRenameGuards(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file := env.upload(t, "", "a.txt", "content")

	// Open CREATE event blocks the rename.
	_, err := env.svc.Rename(ctx, file.ID, "b.txt")
	assert.Equal(t, CodeFileSyncing, CodeOf(err))

	markEventsDone(t, env, file.ID)

	// Renaming onto an existing name is rejected.
	other := env.upload(t, "", "b.txt", "content")
	markEventsDone(t, env, other.ID)

	_, err = env.svc.Rename(ctx, file.ID, "b.txt")
	assert.Equal(t, CodeDuplicateFileExists, CodeOf(err))

	// Renaming to the current name is a no-op.
	same, err := env.svc.Rename(ctx, file.ID, "a.txt")
	require.NoError(t, err)
	assert.Equal(t, "a.txt", same.Name)
}

func TestMove(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createFolder(t, "dest", "dest", metadata.FolderNASReady)

	file := env.upload(t, "", "a.txt", "content")
	markEventsDone(t, env, file.ID)

	moved, skipped, err := env.svc.Move(ctx, file.ID, "dest", metadata.ConflictError)
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, "dest", moved.FolderID)
	require.NotNil(t, moved.OriginalFolderID)
	assert.Equal(t, RootFolderID, *moved.OriginalFolderID)

	events, err := env.meta.ListFileEvents(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, metadata.EventMove, events[0].EventType)
}

func TestMoveTargetMissing(t *testing.T) {
	env := newTestEnv(t)

	file := env.upload(t, "", "a.txt", "content")
	markEventsDone(t, env, file.ID)

	_, _, err := env.svc.Move(context.Background(), file.ID, "nope", metadata.ConflictError)
	assert.Equal(t, CodeTargetFolderNotFound, CodeOf(err))
}

func TestMoveConflictStrategies(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createFolder(t, "dest", "dest", metadata.FolderNASReady)

	taken := env.upload(t, "dest", "a.txt", "already here")
	markEventsDone(t, env, taken.ID)

	file := env.upload(t, "", "a.txt", "content")
	markEventsDone(t, env, file.ID)

	_, _, err := env.svc.Move(ctx, file.ID, "dest", metadata.ConflictError)
	assert.Equal(t, CodeDuplicateFileExists, CodeOf(err))

	_, skipped, err := env.svc.Move(ctx, file.ID, "dest", metadata.ConflictSkip)
	require.NoError(t, err)
	assert.True(t, skipped)

	moved, skipped, err := env.svc.Move(ctx, file.ID, "dest", metadata.ConflictRename)
	require.NoError(t, err)
	assert.False(t, skipped)
	assert.Equal(t, "a (1).txt", moved.Name)
}

func TestTrashRestoreRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file := env.upload(t, "", "a.txt", "content")
	markEventsDone(t, env, file.ID)

	trashed, err := env.svc.Trash(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, metadata.FileStateTrashed, trashed.State)
	require.NotNil(t, trashed.TrashMetadataID)

	// Trashing again is a conflict.
	_, err = env.svc.Trash(ctx, file.ID)
	assert.Equal(t, CodeFileAlreadyTrashed, CodeOf(err))

	markEventsDone(t, env, file.ID)

	restored, err := env.svc.RestoreFromTrash(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, metadata.FileStateActive, restored.State)
	assert.Equal(t, RootFolderID, restored.FolderID)
	assert.Nil(t, restored.TrashMetadataID)
}

func TestRestorePicksFreeNameWhenTaken(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file := env.upload(t, "", "a.txt", "content")
	markEventsDone(t, env, file.ID)
	_, err := env.svc.Trash(ctx, file.ID)
	require.NoError(t, err)
	markEventsDone(t, env, file.ID)

	// Someone reused the name while the file sat in the trash.
	other := env.upload(t, "", "a.txt", "newer content")
	markEventsDone(t, env, other.ID)

	restored, err := env.svc.RestoreFromTrash(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, "a (1).txt", restored.Name)
}

func TestTrashRefusesWhileNASLeased(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file := env.upload(t, "", "a.txt", "content")
	markEventsDone(t, env, file.ID)

	nasObj, err := env.meta.GetObject(ctx, file.ID, metadata.TierNAS)
	require.NoError(t, err)
	require.NoError(t, env.meta.AcquireLease(ctx, nasObj.ID))

	_, err = env.svc.Trash(ctx, file.ID)
	assert.Equal(t, CodeFileInUse, CodeOf(err))

	e, ok := AsError(err)
	require.True(t, ok)
	assert.True(t, e.Retryable)

	require.NoError(t, env.meta.ReleaseLease(ctx, nasObj.ID))
	_, err = env.svc.Trash(ctx, file.ID)
	require.NoError(t, err)
}

func TestPurgeLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	file := env.upload(t, "", "a.txt", "content")
	markEventsDone(t, env, file.ID)

	// Active files cannot be purged directly.
	err := env.svc.Purge(ctx, file.ID)
	assert.Equal(t, CodeFileNotInTrash, CodeOf(err))

	_, err = env.svc.Trash(ctx, file.ID)
	require.NoError(t, err)
	markEventsDone(t, env, file.ID)

	require.NoError(t, env.svc.Purge(ctx, file.ID))

	got, err := env.svc.Get(ctx, file.ID)
	require.NoError(t, err)
	assert.Equal(t, metadata.FileStateDeleted, got.State)

	// Purging again is a no-op.
	markEventsDone(t, env, file.ID)
	require.NoError(t, env.svc.Purge(ctx, file.ID))
}
