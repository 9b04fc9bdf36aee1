package treeinode

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

func (t *TreeInode) Getattr(_ context.Context, _ fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	t.mu.RLock()
	n := len(t.dir.Entries)
	t.mu.RUnlock()

	out.Ino = uint64(t.id)
	out.Mode = uint32(syscall.S_IFDIR | 0o755)
	out.Nlink = uint32(n) + 2
	return 0
}

// Statfs reports placeholder filesystem stats, matching the teacher's
// RootDir.Statfs: this mount has no fixed block/inode budget to report
// (content lives in an unbounded content-addressed store plus a disk
// overlay), so the zeroed counts here exist only to satisfy macOS and
// tools like df that refuse to operate on a filesystem with no Statfs
// implementation at all.
func (t *TreeInode) Statfs(_ context.Context, out *fuse.StatfsOut) syscall.Errno {
	out.Blocks = 0
	out.Bsize = 4096
	out.NameLen = 255
	out.Files = 0
	out.Ffree = 0
	return 0
}
