package treeinode

import (
	"sync"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"

	"github.com/shadowtree-fs/shadowtree/internal/model"
	"github.com/shadowtree-fs/shadowtree/internal/nameid"
	"github.com/shadowtree-fs/shadowtree/internal/store"
)

// TreeInode is one directory: the process's in-memory image of either
// an immutable store tree or a materialized, overlay-backed working
// copy, per spec.md sections 3-4.
type TreeInode struct {
	fs.Inode

	mount    *Mount
	id       nameid.InodeID
	parentID nameid.InodeID

	// entry is this directory's own Entry record living inside its
	// parent's Dir.Entries map — nil for the mount root, which has no
	// parent entry. materializeSelfCommit flips its Materialized flag
	// while holding this directory's own write lock, not the parent's;
	// the parent's record is re-saved afterwards under the parent's lock
	// (repersistAfterChildMaterialize).
	entry *model.Entry

	mu  sync.RWMutex
	dir *model.Dir

	// prefetchMu guards blobPrefetch independently of mu: Readdir
	// populates it from a snapshot taken under mu.RLock, but the store
	// fetch itself runs with no directory lock held (spec.md section 5's
	// lock discipline), so it needs its own lock rather than reusing mu.
	prefetchMu   sync.Mutex
	blobPrefetch map[string][]byte

	openHandles int
}

// lockWrite acquires the directory's write lock, recording how long the
// caller waited so Mount.Snapshot's lockwait_p50 reflects real
// contention (spec.md section 3.3's metrics collaborator).
func (t *TreeInode) lockWrite() {
	start := time.Now()
	t.mu.Lock()
	t.mount.Metrics.ObserveLockWait(time.Since(start))
}

func (t *TreeInode) unlockWrite() {
	t.mu.Unlock()
}

// embeddedInode is what resolveChild hands back: a live inode
// implementing both the process-wide-table contract and go-fuse's
// InodeEmbedder, so it can be passed straight to (*fs.Inode).NewInode.
type embeddedInode interface {
	nameid.Inode
	fs.InodeEmbedder
}

var (
	_ fs.NodeGetattrer = (*TreeInode)(nil)
	_ fs.NodeLookuper  = (*TreeInode)(nil)
	_ fs.NodeMkdirer   = (*TreeInode)(nil)
	_ fs.NodeCreater   = (*TreeInode)(nil)
	_ fs.NodeUnlinker  = (*TreeInode)(nil)
	_ fs.NodeRmdirer   = (*TreeInode)(nil)
	_ fs.NodeRenamer   = (*TreeInode)(nil)
	_ fs.NodeOpendirer = (*TreeInode)(nil)
	_ fs.NodeReaddirer = (*TreeInode)(nil)
	_ fs.NodeStatfser  = (*TreeInode)(nil)
	_ nameid.Inode     = (*TreeInode)(nil)
)

func newFromTree(mount *Mount, id, parentID nameid.InodeID, entry *model.Entry, tree *store.Tree, treeHash *model.Hash) *TreeInode {
	dir := model.NewDir()
	dir.TreeHash = treeHash
	for _, c := range tree.Children {
		h := c.Hash
		dir.Entries[c.Name] = &model.Entry{Kind: c.Kind, Mode: c.Mode, Hash: &h, Materialized: false}
	}
	return &TreeInode{mount: mount, id: id, parentID: parentID, entry: entry, dir: dir}
}

func newFromOverlay(mount *Mount, id, parentID nameid.InodeID, entry *model.Entry, dir *model.Dir) *TreeInode {
	return &TreeInode{mount: mount, id: id, parentID: parentID, entry: entry, dir: dir}
}

func (t *TreeInode) InodeID() nameid.InodeID { return t.id }

// CanForget reports the T2-derived eviction rule: a directory may
// leave the process-wide inode table only while unmaterialized (its
// state is fully reconstructible from the store) and with no open
// readdir snapshots outstanding.
func (t *TreeInode) CanForget() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.dir.Materialized && t.openHandles == 0
}

// Forget is go-fuse's kernel-refcount-reached-zero callback. Actual
// eviction from the process-wide table still goes through CanForget's
// rule, so a materialized (or actively open) directory simply stays
// resident until that changes.
func (t *TreeInode) Forget() {
	if !t.CanForget() {
		return
	}
	t.mount.Inodes.Forget(t.id)
	t.mount.Names.InvalidatePath(t.id)
}

