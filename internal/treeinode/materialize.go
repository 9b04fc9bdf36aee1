package treeinode

import (
	"context"
	"fmt"
	"time"

	"github.com/shadowtree-fs/shadowtree/internal/model"
)

// materializeSelfAndAncestors implements spec.md section 4.2: it
// ensures this directory and every ancestor up to the mount root is
// materialized, recursing into the parent before touching self so
// that lock acquisition always proceeds parent-before-child and no
// suspension point (a store or overlay call) is ever reached while
// holding a lock this call does not already need.
func (t *TreeInode) materializeSelfAndAncestors(ctx context.Context) error {
	t.mu.RLock()
	already := t.dir.Materialized
	t.mu.RUnlock()
	if already {
		return nil
	}

	if t.id != t.mount.rootID() {
		parent, err := t.parentTreeInode()
		if err != nil {
			return err
		}
		if err := parent.materializeSelfAndAncestors(ctx); err != nil {
			return err
		}
	}

	start := time.Now()
	flipped, err := t.materializeSelfCommit(ctx)
	t.mount.Metrics.ObserveMaterialize(time.Since(start))
	if err != nil {
		return err
	}

	if flipped {
		parent, err := t.parentTreeInode()
		if err != nil {
			return err
		}
		if err := parent.repersistAfterChildMaterialize(ctx); err != nil {
			t.mount.Log.WithError(err).Warn("materialize: parent-entry reconciliation resave failed, parent record will heal on next materialization")
		}
	}
	return nil
}

func (t *TreeInode) parentTreeInode() (*TreeInode, error) {
	inode, ok := t.mount.Inodes.Lookup(t.parentID)
	if !ok {
		return nil, model.ErrConsistency("", fmt.Errorf("materialize: parent inode %d not resident", t.parentID))
	}
	parent, ok := inode.(*TreeInode)
	if !ok {
		return nil, model.ErrConsistency("", fmt.Errorf("materialize: parent inode %d is not a directory", t.parentID))
	}
	return parent, nil
}

// materializeSelfCommit performs step 3 of the protocol atomically
// under self's write lock: create the real overlay directory
// (tolerating EEXIST for the root), flip Materialized, persist, and
// conditionally flip this directory's own Entry in its parent's table.
// It returns whether that Entry flag was just flipped, which requires
// a follow-up re-persist of the parent outside of self's lock.
func (t *TreeInode) materializeSelfCommit(ctx context.Context) (flipped bool, err error) {
	t.lockWrite()
	defer t.unlockWrite()

	if t.dir.Materialized {
		return false, nil
	}

	path, err := t.mount.Names.ResolvePath(t.id)
	if err != nil {
		return false, model.ErrConsistency(path, err)
	}

	if err := t.mount.Overlay.Mkdir(ctx, path); err != nil {
		return false, err
	}

	t.dir.Materialized = true

	if err := t.mount.Overlay.SaveDir(ctx, path, t.dir); err != nil {
		return false, err
	}

	if t.entry != nil && !t.entry.Materialized {
		t.entry.Materialized = true
		return true, nil
	}
	return false, nil
}

// repersistAfterChildMaterialize re-saves this directory's overlay
// record after a child's Entry.Materialized flag flipped in memory,
// done outside the child's write lock per spec.md section 4.2 step 4
// so the two locks are never held nested in child-then-parent order.
func (t *TreeInode) repersistAfterChildMaterialize(ctx context.Context) error {
	t.lockWrite()
	defer t.unlockWrite()
	path, err := t.mount.Names.ResolvePath(t.id)
	if err != nil {
		return err
	}
	return t.mount.Overlay.SaveDir(ctx, path, t.dir)
}
