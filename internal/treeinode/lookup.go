package treeinode

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/shadowtree-fs/shadowtree/internal/fileinode"
	"github.com/shadowtree-fs/shadowtree/internal/model"
	"github.com/shadowtree-fs/shadowtree/internal/nameid"
)

// Lookup implements spec.md section 4.1.1's four-step protocol: read
// the entry table under a read lock, resolve the stable id, resolve
// (or lazily construct) the child inode through the process-wide
// table, and hand the kernel a stable *fs.Inode built from it.
func (t *TreeInode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	t.mu.RLock()
	entry, ok := t.dir.Entries[name]
	t.mu.RUnlock()
	if !ok {
		return nil, syscall.ENOENT
	}

	node := t.mount.Names.GetOrCreate(t.id, name)

	child, errno := t.resolveChild(ctx, node, entry)
	if errno != 0 {
		return nil, errno
	}

	fillEntryOut(out, entry, node.ID)
	stable := fs.StableAttr{Mode: fuseTypeMode(entry), Ino: uint64(node.ID)}
	return t.NewInode(ctx, child, stable), 0
}

// resolveChild returns the live inode for (node, entry), preferring an
// already-resident entry in the process-wide inode table and only
// constructing a new one — from the store for an unmaterialized
// directory, from the overlay for a materialized one, or a bare
// FileInode for anything that isn't a directory — on a miss.
func (t *TreeInode) resolveChild(ctx context.Context, node *nameid.NameNode, entry *model.Entry) (embeddedInode, syscall.Errno) {
	if existing, ok := t.mount.Inodes.Lookup(node.ID); ok {
		ei, ok := existing.(embeddedInode)
		if !ok {
			return nil, syscall.EIO
		}
		return ei, 0
	}

	if entry.Kind == model.KindDirectory {
		return t.constructDirChild(ctx, node, entry)
	}
	return t.constructFileChild(node, entry)
}

func (t *TreeInode) constructDirChild(ctx context.Context, node *nameid.NameNode, entry *model.Entry) (embeddedInode, syscall.Errno) {
	if !entry.Materialized {
		if entry.Hash == nil {
			t.mount.Log.WithField("name", node.Name).Error("lookup: consistency violation: unmaterialized entry with no hash")
			return nil, syscall.EIO
		}
		tree, err := t.mount.Store.FetchTree(ctx, *entry.Hash)
		if err != nil {
			t.mount.Log.WithError(err).WithField("hash", entry.Hash.String()).Error("lookup: fetch tree failed")
			return nil, syscall.EIO
		}
		child := newFromTree(t.mount, node.ID, t.id, entry, tree, entry.Hash)
		return asEmbedded(t.mount.Inodes.Insert(child))
	}

	path, err := t.mount.Names.ResolvePath(node.ID)
	if err != nil {
		return nil, syscall.EIO
	}
	overlayDir, err := t.mount.Overlay.LoadDir(ctx, path)
	if err != nil {
		return nil, syscall.EIO
	}
	if overlayDir == nil {
		t.mount.Log.WithField("path", path).Error("lookup: consistency violation: materialized entry missing overlay record")
		return nil, syscall.EIO
	}
	child := newFromOverlay(t.mount, node.ID, t.id, entry, overlayDir)
	return asEmbedded(t.mount.Inodes.Insert(child))
}

// constructFileChild builds the leaf FileInode for a lookup miss,
// consuming a Readdir prefetch of this entry's blob content if one is
// still pending so the first Read/Getattr on it skips a redundant
// store round trip.
func (t *TreeInode) constructFileChild(node *nameid.NameNode, entry *model.Entry) (embeddedInode, syscall.Errno) {
	t.prefetchMu.Lock()
	blob, prefetched := t.blobPrefetch[node.Name]
	if prefetched {
		delete(t.blobPrefetch, node.Name)
	}
	t.prefetchMu.Unlock()

	var child *fileinode.FileInode
	if prefetched {
		child = fileinode.NewWithBlob(t.fileDeps(), node.ID, t.id, entry, blob)
	} else {
		child = fileinode.New(t.fileDeps(), node.ID, t.id, entry)
	}
	return asEmbedded(t.mount.Inodes.Insert(child))
}

func (t *TreeInode) fileDeps() fileinode.Deps {
	return t.mount.fileDeps()
}

func asEmbedded(inode nameid.Inode) (embeddedInode, syscall.Errno) {
	ei, ok := inode.(embeddedInode)
	if !ok {
		return nil, syscall.EIO
	}
	return ei, 0
}

func fillEntryOut(out *fuse.EntryOut, entry *model.Entry, id nameid.InodeID) {
	out.NodeId = uint64(id)
	out.Ino = uint64(id)
	out.Attr.Ino = uint64(id)
	out.Attr.Mode = fuseTypeMode(entry)
}

// fuseTypeMode derives the mode bits go-fuse needs (type + permission)
// from an Entry. Entry.Mode is documented as already carrying full
// stat-style mode bits; the per-Kind fallback only covers entries
// constructed without them.
func fuseTypeMode(entry *model.Entry) uint32 {
	if entry.Mode&syscall.S_IFMT != 0 {
		return entry.Mode
	}
	if entry.Kind == model.KindDirectory {
		return syscall.S_IFDIR | 0o755
	}
	return syscall.S_IFREG | 0o644
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
