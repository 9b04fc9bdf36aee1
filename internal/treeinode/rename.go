package treeinode

import (
	"context"
	"fmt"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"

	"github.com/shadowtree-fs/shadowtree/internal/model"
)

// Rename implements spec.md section 4.4's two-directory-locked
// protocol. Both directories are materialized (source first, then
// destination; the order doesn't matter even when one is an ancestor
// of the other, since each call materializes its own ancestors
// parent-first and returns early for a directory that is already
// materialized), then locked in a total order by inode id so two
// concurrent crossing renames can never deadlock.
func (t *TreeInode) Rename(ctx context.Context, name string, newParent fs.InodeEmbedder, newName string, _ uint32) syscall.Errno {
	destDir, ok := newParent.(*TreeInode)
	if !ok {
		return syscall.EXDEV
	}

	if errno := t.preflightRename(name); errno != 0 {
		return errno
	}

	if err := t.materializeSelfAndAncestors(ctx); err != nil {
		return model.ToErrno(err)
	}
	if destDir != t {
		if err := destDir.materializeSelfAndAncestors(ctx); err != nil {
			return model.ToErrno(err)
		}
	}

	first, second := lockOrder(t, destDir)
	first.lockWrite()
	if second != first {
		second.lockWrite()
	}
	err := commitRename(ctx, t, destDir, name, newName)
	if second != first {
		second.unlockWrite()
	}
	first.unlockWrite()

	t.mount.Metrics.RecordMutation(err == nil)
	if err != nil {
		return model.ToErrno(err)
	}

	if _, jerr := t.mount.Journal.Append([]string{name, newName}); jerr != nil {
		t.mount.Log.WithError(jerr).Error("rename: journal append failed")
	}
	return 0
}

func (t *TreeInode) preflightRename(name string) syscall.Errno {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, exists := t.dir.Entries[name]; !exists {
		return syscall.ENOENT
	}
	return 0
}

// lockOrder returns (a, b) in a deterministic order by inode id, so
// every caller acquires cross-directory write locks in the same
// global order (spec.md section 4.4's deadlock-avoidance rule). If a
// and b are the same directory, only the first slot is meaningful.
func lockOrder(a, b *TreeInode) (*TreeInode, *TreeInode) {
	if a == b || a.id == b.id {
		return a, a
	}
	if a.id < b.id {
		return a, b
	}
	return b, a
}

// commitRename re-validates preconditions and performs the move while
// both src.mu and dst.mu (or just src.mu, if they're the same
// directory) are held by the caller.
func commitRename(ctx context.Context, src, dst *TreeInode, name, newName string) error {
	entry, exists := src.dir.Entries[name]
	if !exists {
		return model.ErrNotEnt(name)
	}

	if existing, ok := dst.dir.Entries[newName]; ok && entry.Kind == model.KindDirectory {
		if existing.Kind != model.KindDirectory {
			return model.ErrNotDir(newName)
		}
		target, errno := dst.residentChildDir(newName, existing)
		if errno != 0 {
			return model.ErrConsistency(newName, fmt.Errorf("rename: destination directory not resident"))
		}
		target.mu.RLock()
		empty := len(target.dir.Entries) == 0
		target.mu.RUnlock()
		if !empty {
			return model.ErrNotEmpty(newName)
		}
	}

	srcPath, err := src.mount.Names.ResolvePath(src.id)
	if err != nil {
		return model.ErrConsistency(name, err)
	}
	dstPath, err := dst.mount.Names.ResolvePath(dst.id)
	if err != nil {
		return model.ErrConsistency(newName, err)
	}

	if entry.Materialized {
		if err := src.mount.Overlay.Rename(ctx, joinPath(srcPath, name), joinPath(dstPath, newName)); err != nil {
			return err
		}
	}

	dst.dir.Entries[newName] = entry
	if !(src == dst && newName == name) {
		delete(src.dir.Entries, name)
	}

	if node := src.mount.Names.GetIfExists(src.id, name); node != nil {
		src.mount.Names.Rebind(node.ID, dst.id, newName)
		// A directory carries its whole subtree's cached paths under
		// its old prefix; a plain file has no descendants to worry
		// about, but invalidating the subtree of a leaf id is just a
		// no-op walk, so there's no need to special-case it here.
		src.mount.Names.InvalidateSubtree(node.ID)
	}

	if err := src.mount.Overlay.SaveDir(ctx, srcPath, src.dir); err != nil {
		return err
	}
	if dst != src {
		if err := dst.mount.Overlay.SaveDir(ctx, dstPath, dst.dir); err != nil {
			return err
		}
	}
	return nil
}
