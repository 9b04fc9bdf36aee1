// Package fileinode implements the leaf, file-data inode referenced by
// name from a TreeInode's entry table. It is generalized from
// slackfs's internal/fs/file.go: that file served a single in-memory
// buffer over a fixed Slack message; this one serves either an
// overlay-backed file descriptor (materialized content) or a
// lazily-fetched store blob (unmaterialized content), matching
// spec.md's E1/E2 entry invariants.
package fileinode

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"

	"github.com/shadowtree-fs/shadowtree/internal/metrics"
	"github.com/shadowtree-fs/shadowtree/internal/model"
	"github.com/shadowtree-fs/shadowtree/internal/nameid"
	"github.com/shadowtree-fs/shadowtree/internal/overlay"
	"github.com/shadowtree-fs/shadowtree/internal/store"
)

// Deps is the subset of a mount's collaborators a FileInode needs:
// the store to fetch unmaterialized blob content, the overlay for
// files created new (already materialized), and the mount's metrics
// aggregator to account for bytes actually written to the overlay's
// content directory.
type Deps struct {
	Store   store.ObjectStore
	Overlay overlay.Overlay
	Names   *nameid.NameManager
	Inodes  *nameid.InodeTable
	Metrics *metrics.Mount
	Log     *logrus.Logger
}

// FileInode is a regular-file leaf. entry is the same *model.Entry
// pointer that lives in the parent TreeInode's Dir.Entries map — reads
// of Kind/Mode/Hash/Materialized go straight through it rather than
// through a local copy, per the design notes' "shared mutable Entry"
// resolution.
type FileInode struct {
	fs.Inode

	deps     Deps
	id       nameid.InodeID
	parentID nameid.InodeID
	entry    *model.Entry

	mu         sync.RWMutex
	file       *os.File // set only for materialized files opened for read/write
	cachedBlob []byte   // lazily fetched store content for unmaterialized files
}

// New builds a FileInode for a child whose content has not been opened
// yet (created lazily on first Open/Read).
func New(deps Deps, id, parentID nameid.InodeID, entry *model.Entry) *FileInode {
	return &FileInode{deps: deps, id: id, parentID: parentID, entry: entry}
}

// NewWithHandle builds a FileInode around an overlay file descriptor
// already opened by TreeInode.Create, per spec.md section 4.3.1's
// "constructs the child file inode with the already-open file handle."
func NewWithHandle(deps Deps, id, parentID nameid.InodeID, entry *model.Entry, f *os.File) *FileInode {
	return &FileInode{deps: deps, id: id, parentID: parentID, entry: entry, file: f}
}

// NewWithBlob builds a FileInode whose store content a directory's
// Readdir already fetched, so the first Read or Getattr on it doesn't
// pay for a second FetchBlob round trip.
func NewWithBlob(deps Deps, id, parentID nameid.InodeID, entry *model.Entry, blob []byte) *FileInode {
	return &FileInode{deps: deps, id: id, parentID: parentID, entry: entry, cachedBlob: blob}
}

func (f *FileInode) InodeID() nameid.InodeID { return f.id }

// CanForget reports whether this inode may be evicted from the
// process-wide inode table: only once its overlay handle is closed.
func (f *FileInode) CanForget() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.file == nil
}

// Handle returns the overlay file descriptor backing this inode, or
// nil if it has none (unmaterialized or never opened for write).
func (f *FileInode) Handle() *os.File {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.file
}

var (
	_ fs.NodeGetattrer = (*FileInode)(nil)
	_ fs.NodeOpener    = (*FileInode)(nil)
	_ fs.NodeReader    = (*FileInode)(nil)
	_ fs.NodeWriter    = (*FileInode)(nil)
	_ fs.NodeFlusher   = (*FileInode)(nil)
)

func (f *FileInode) Getattr(ctx context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	size, err := f.size(ctx)
	if err != nil {
		return syscall.EIO
	}
	mode := f.entry.Mode
	if mode&syscall.S_IFMT == 0 {
		mode |= syscall.S_IFREG
	}
	out.Ino = uint64(f.id)
	out.Mode = mode
	out.Size = uint64(size)
	return 0
}

func (f *FileInode) size(ctx context.Context) (int, error) {
	f.mu.RLock()
	file := f.file
	f.mu.RUnlock()
	if file != nil {
		fi, err := file.Stat()
		if err != nil {
			return 0, err
		}
		return int(fi.Size()), nil
	}
	blob, err := f.loadBlob(ctx)
	if err != nil {
		return 0, err
	}
	return len(blob), nil
}

func (f *FileInode) loadBlob(ctx context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cachedBlob != nil {
		return f.cachedBlob, nil
	}
	if f.entry.Hash == nil {
		return nil, nil
	}
	blob, err := f.deps.Store.FetchBlob(ctx, *f.entry.Hash)
	if err != nil {
		return nil, err
	}
	f.cachedBlob = blob
	return blob, nil
}

// Open reuses the already-open overlay handle for materialized files;
// unmaterialized files are read-only: an open for write returns EROFS,
// and nothing in this package copies a store-backed file into the
// overlay.
func (f *FileInode) Open(_ context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	f.mu.RLock()
	materialized := f.file != nil || f.entry.Materialized
	f.mu.RUnlock()
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 && !materialized {
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_DIRECT_IO, 0
}

func (f *FileInode) Read(ctx context.Context, _ fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	f.mu.RLock()
	file := f.file
	f.mu.RUnlock()
	if file != nil {
		n, err := file.ReadAt(dest, off)
		if err != nil && err != io.EOF {
			return nil, syscall.EIO
		}
		return fuse.ReadResultData(dest[:n]), 0
	}

	blob, err := f.loadBlob(ctx)
	if err != nil {
		return nil, syscall.EIO
	}
	if off >= int64(len(blob)) {
		return fuse.ReadResultData(nil), 0
	}
	end := int(off) + len(dest)
	if end > len(blob) {
		end = len(blob)
	}
	return fuse.ReadResultData(blob[off:end]), 0
}

func (f *FileInode) Write(_ context.Context, _ fs.FileHandle, data []byte, off int64) (uint32, syscall.Errno) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return 0, syscall.EROFS
	}
	n, err := f.file.WriteAt(data, off)
	if err != nil {
		return 0, syscall.EIO
	}
	if f.deps.Metrics != nil {
		f.deps.Metrics.AddOverlayBytes(uint64(n))
	}
	return uint32(n), 0
}

func (f *FileInode) Flush(_ context.Context, _ fs.FileHandle) syscall.Errno {
	f.mu.RLock()
	file := f.file
	f.mu.RUnlock()
	if file == nil {
		return 0
	}
	if err := file.Sync(); err != nil {
		return syscall.EIO
	}
	return 0
}

// Forget closes the overlay handle once the kernel drops its last
// reference, mirroring slackfs's file.go release-on-forget behavior,
// then evicts this inode from the process-wide table.
func (f *FileInode) Forget() {
	f.mu.Lock()
	if f.file != nil {
		if err := f.file.Close(); err != nil && f.deps.Log != nil {
			f.deps.Log.WithError(err).Warn("fileinode: close on forget failed")
		}
		f.file = nil
	}
	f.mu.Unlock()

	if f.deps.Inodes != nil {
		f.deps.Inodes.Forget(f.id)
	}
	if f.deps.Names != nil {
		f.deps.Names.InvalidatePath(f.id)
	}
}
