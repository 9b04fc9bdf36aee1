package treeinode

import (
	"context"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/shadowtree-fs/shadowtree/internal/model"
	"github.com/shadowtree-fs/shadowtree/internal/store"
)

// TreeInodeDirHandle is a readdir snapshot: the entry list is copied
// out under a read lock when Readdir runs (Opendir itself does
// nothing) and never observes mutations made after that point, per
// spec.md section 4.1.2. Holding one open keeps this directory
// ineligible for eviction (CanForget checks openHandles), so no
// directory disappears out from under an active readdir.
type TreeInodeDirHandle struct {
	entries []fuse.DirEntry
	pos     int
	release func()
}

func (t *TreeInode) Opendir(_ context.Context) syscall.Errno {
	return 0
}

func (t *TreeInode) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	t.mu.RLock()
	entries := make([]fuse.DirEntry, 0, len(t.dir.Entries))
	var prefetch []store.TreeChild
	for name, entry := range t.dir.Entries {
		node := t.mount.Names.GetOrCreate(t.id, name)
		entries = append(entries, fuse.DirEntry{
			Name: name,
			Mode: fuseTypeMode(entry),
			Ino:  uint64(node.ID),
		})
		if entry.Kind == model.KindFile && !entry.Materialized && entry.Hash != nil {
			prefetch = append(prefetch, store.TreeChild{Name: name, Kind: entry.Kind, Hash: *entry.Hash})
		}
	}
	t.mu.RUnlock()

	// Warm the store blobs for this listing's unmaterialized files
	// outside of any directory lock, so a Lookup that follows this
	// Readdir (the common "ls -l" pattern) finds the content already
	// cached on the resulting FileInode instead of fetching it again.
	if len(prefetch) > 0 {
		if blobs, err := store.PrefetchAttrs(ctx, t.mount.Store, prefetch); err != nil {
			t.mount.Log.WithError(err).Warn("readdir: blob prefetch failed, files will fetch lazily on open")
		} else {
			t.prefetchMu.Lock()
			if t.blobPrefetch == nil {
				t.blobPrefetch = make(map[string][]byte, len(blobs))
			}
			for name, blob := range blobs {
				t.blobPrefetch[name] = blob
			}
			t.prefetchMu.Unlock()
		}
	}

	t.mu.Lock()
	t.openHandles++
	t.mu.Unlock()

	released := false
	return &TreeInodeDirHandle{
		entries: entries,
		release: func() {
			if released {
				return
			}
			released = true
			t.mu.Lock()
			t.openHandles--
			t.mu.Unlock()
		},
	}, 0
}

func (h *TreeInodeDirHandle) HasNext() bool {
	return h.pos < len(h.entries)
}

func (h *TreeInodeDirHandle) Next() (fuse.DirEntry, syscall.Errno) {
	e := h.entries[h.pos]
	h.pos++
	return e, 0
}

func (h *TreeInodeDirHandle) Close() {
	h.release()
}
