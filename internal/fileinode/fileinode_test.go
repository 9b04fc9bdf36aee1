package fileinode

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowtree-fs/shadowtree/internal/model"
	"github.com/shadowtree-fs/shadowtree/internal/nameid"
	"github.com/shadowtree-fs/shadowtree/internal/overlay"
	"github.com/shadowtree-fs/shadowtree/internal/store"
)

func testDeps(t *testing.T) (Deps, *overlay.DiskOverlay) {
	t.Helper()
	ov, err := overlay.Open(context.Background(), filepath.Join(t.TempDir(), "overlay"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = ov.Close() })

	log := logrus.New()
	log.SetLevel(logrus.WarnLevel)

	return Deps{
		Store:   store.NewMemStore(),
		Overlay: ov,
		Names:   nameid.NewNameManager(16),
		Inodes:  nameid.NewInodeTable(),
		Log:     log,
	}, ov
}

func TestMaterializedFileWriteReadFlush(t *testing.T) {
	ctx := context.Background()
	deps, ov := testDeps(t)

	f, err := ov.OpenFile(ctx, "greeting.txt", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)

	entry := &model.Entry{Kind: model.KindFile, Mode: 0o100644, Materialized: true}
	fi := NewWithHandle(deps, nameid.InodeID(2), nameid.RootInodeID, entry, f)

	assert.False(t, fi.CanForget(), "an open handle must not be forgettable")

	fh, flags, errno := fi.Open(ctx, uint32(os.O_RDWR))
	require.Equal(t, syscall.Errno(0), errno)
	assert.Nil(t, fh)
	assert.NotZero(t, flags)

	n, errno := fi.Write(ctx, nil, []byte("hello"), 0)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint32(5), n)

	require.Equal(t, syscall.Errno(0), fi.Flush(ctx, nil))

	dest := make([]byte, 5)
	res, errno := fi.Read(ctx, nil, dest, 0)
	require.Equal(t, syscall.Errno(0), errno)
	buf, status := res.Bytes(dest)
	require.Equal(t, fuse.OK, status)
	assert.Equal(t, "hello", string(buf))

	fi.Forget()
	assert.True(t, fi.CanForget())
	assert.Nil(t, fi.Handle())
}

func TestUnmaterializedFileReadsFromStoreBlob(t *testing.T) {
	ctx := context.Background()
	deps, _ := testDeps(t)

	memStore := deps.Store.(*store.MemStore)
	hash := memStore.PutBlob([]byte("content from the store"))

	entry := &model.Entry{Kind: model.KindFile, Mode: 0o100644, Hash: &hash}
	fi := New(deps, nameid.InodeID(3), nameid.RootInodeID, entry)

	assert.True(t, fi.CanForget())

	_, _, errno := fi.Open(ctx, uint32(os.O_RDONLY))
	assert.Equal(t, syscall.Errno(0), errno)

	dest := make([]byte, 7)
	res, errno := fi.Read(ctx, nil, dest, 0)
	require.Equal(t, syscall.Errno(0), errno)
	buf, _ := res.Bytes(dest)
	assert.Equal(t, "content", string(buf))
}

func TestUnmaterializedFileRejectsWriteOpen(t *testing.T) {
	deps, _ := testDeps(t)
	hash := deps.Store.(*store.MemStore).PutBlob([]byte("x"))
	entry := &model.Entry{Kind: model.KindFile, Hash: &hash}
	fi := New(deps, nameid.InodeID(4), nameid.RootInodeID, entry)

	_, _, errno := fi.Open(context.Background(), uint32(os.O_WRONLY))
	assert.NotEqual(t, syscall.Errno(0), errno)
}

func TestUnmaterializedFileWriteReturnsEROFS(t *testing.T) {
	deps, _ := testDeps(t)
	hash := deps.Store.(*store.MemStore).PutBlob([]byte("x"))
	entry := &model.Entry{Kind: model.KindFile, Hash: &hash}
	fi := New(deps, nameid.InodeID(5), nameid.RootInodeID, entry)

	_, errno := fi.Write(context.Background(), nil, []byte("y"), 0)
	assert.NotEqual(t, syscall.Errno(0), errno)
}

func TestGetattrReportsSizeFromBlob(t *testing.T) {
	ctx := context.Background()
	deps, _ := testDeps(t)
	hash := deps.Store.(*store.MemStore).PutBlob([]byte("0123456789"))
	entry := &model.Entry{Kind: model.KindFile, Mode: 0o100644, Hash: &hash}
	fi := New(deps, nameid.InodeID(6), nameid.RootInodeID, entry)

	var out fuse.AttrOut
	errno := fi.Getattr(ctx, nil, &out)
	require.Equal(t, syscall.Errno(0), errno)
	assert.Equal(t, uint64(10), out.Size)
	assert.Equal(t, uint64(6), out.Ino)
}

func TestForgetClosesHandleAndEvictsFromTable(t *testing.T) {
	ctx := context.Background()
	deps, ov := testDeps(t)

	f, err := ov.OpenFile(ctx, "evict.txt", os.O_RDWR|os.O_CREATE, 0o644)
	require.NoError(t, err)

	entry := &model.Entry{Kind: model.KindFile, Materialized: true}
	fi := NewWithHandle(deps, nameid.InodeID(7), nameid.RootInodeID, entry, f)
	deps.Inodes.Insert(fi)

	fi.Forget()

	_, ok := deps.Inodes.Lookup(nameid.InodeID(7))
	assert.False(t, ok)
}
