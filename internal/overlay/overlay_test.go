package overlay

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowtree-fs/shadowtree/internal/model"
)

func openTestOverlay(t *testing.T) *DiskOverlay {
	t.Helper()
	ov, err := Open(context.Background(), filepath.Join(t.TempDir(), "overlay"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ov.Close() })
	return ov
}

func TestDiskOverlaySaveAndLoadDirRoundTrip(t *testing.T) {
	ov := openTestOverlay(t)
	ctx := context.Background()

	h := model.Hash{1, 2, 3}
	dir := model.NewDir()
	dir.Materialized = true
	dir.TreeHash = &h
	dir.Entries["a.txt"] = &model.Entry{Kind: model.KindFile, Mode: 0o644, Materialized: true}

	require.NoError(t, ov.SaveDir(ctx, "sub", dir))

	loaded, err := ov.LoadDir(ctx, "sub")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.True(t, dir.Equal(loaded))
}

func TestDiskOverlayLoadDirMissingReturnsNil(t *testing.T) {
	ov := openTestOverlay(t)
	loaded, err := ov.LoadDir(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestDiskOverlayMkdirToleratesExist(t *testing.T) {
	ov := openTestOverlay(t)
	ctx := context.Background()

	require.NoError(t, ov.Mkdir(ctx, "d"))
	require.NoError(t, ov.Mkdir(ctx, "d"))

	info, err := os.Stat(filepath.Join(ov.ContentDir(), "d"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestDiskOverlayOpenFileWriteReadRemove(t *testing.T) {
	ov := openTestOverlay(t)
	ctx := context.Background()

	f, err := ov.OpenFile(ctx, "hello.txt", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("payload")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, ov.RemoveFile(ctx, "hello.txt"))
	_, err = os.Stat(filepath.Join(ov.ContentDir(), "hello.txt"))
	assert.True(t, os.IsNotExist(err))

	// Removing an already-absent file must not error (rmdir/unlink
	// commit paths rely on this).
	assert.NoError(t, ov.RemoveFile(ctx, "hello.txt"))
}

func TestDiskOverlayRenameMovesContentAndRecord(t *testing.T) {
	ov := openTestOverlay(t)
	ctx := context.Background()

	f, err := ov.OpenFile(ctx, "old.txt", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, ov.Rename(ctx, "old.txt", "new.txt"))

	_, err = os.Stat(filepath.Join(ov.ContentDir(), "old.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(ov.ContentDir(), "new.txt"))
	assert.NoError(t, err)
}

func TestDiskOverlayRemoveDirDeletesRecordOnly(t *testing.T) {
	ov := openTestOverlay(t)
	ctx := context.Background()

	dir := model.NewDir()
	dir.Materialized = true
	require.NoError(t, ov.SaveDir(ctx, "gone", dir))

	require.NoError(t, ov.RemoveDir(ctx, "gone"))
	loaded, err := ov.LoadDir(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestOpenRefusesSecondConcurrentMount(t *testing.T) {
	root := filepath.Join(t.TempDir(), "overlay")
	ov, err := Open(context.Background(), root)
	require.NoError(t, err)
	defer ov.Close()

	_, err = Open(context.Background(), root)
	assert.Error(t, err)
}
