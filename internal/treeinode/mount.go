// Package treeinode is the directory inode core: TreeInode, its
// materialization protocol, and its mutation and rename protocols.
// This is the component spec.md calls out as the hard part of the
// system (sections 4.1-4.4).
package treeinode

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/shadowtree-fs/shadowtree/internal/fileinode"
	"github.com/shadowtree-fs/shadowtree/internal/journal"
	"github.com/shadowtree-fs/shadowtree/internal/metrics"
	"github.com/shadowtree-fs/shadowtree/internal/model"
	"github.com/shadowtree-fs/shadowtree/internal/nameid"
	"github.com/shadowtree-fs/shadowtree/internal/overlay"
	"github.com/shadowtree-fs/shadowtree/internal/store"
)

// Mount bundles every collaborator a TreeInode needs: the store, the
// overlay, the journal, the name manager, the process-wide inode
// table, metrics, and a logger. TreeInode holds a pointer to a Mount
// rather than owning any of these itself (spec.md section 3.3's "weak
// handles to the enclosing mount's ... store, overlay, name manager,
// journal, and inode table").
type Mount struct {
	Store   store.ObjectStore
	Overlay overlay.Overlay
	Journal journal.Journal
	Names   *nameid.NameManager
	Inodes  *nameid.InodeTable
	Metrics *metrics.Mount
	Log     *logrus.Logger
}

// NewMount wires up a fresh Mount around the given collaborators.
func NewMount(st store.ObjectStore, ov overlay.Overlay, jr journal.Journal, pathCacheSize int, log *logrus.Logger) *Mount {
	if log == nil {
		log = logrus.New()
	}
	return &Mount{
		Store:   st,
		Overlay: ov,
		Journal: jr,
		Names:   nameid.NewNameManager(pathCacheSize),
		Inodes:  nameid.NewInodeTable(),
		Metrics: metrics.NewMount(),
		Log:     log,
	}
}

func (m *Mount) rootID() nameid.InodeID { return nameid.RootInodeID }

func (m *Mount) fileDeps() fileinode.Deps {
	return fileinode.Deps{Store: m.Store, Overlay: m.Overlay, Names: m.Names, Inodes: m.Inodes, Metrics: m.Metrics, Log: m.Log}
}

// NewRoot builds the mount root TreeInode: from a store tree if
// rootTreeHash is non-nil (a fresh checkout of a snapshot), otherwise
// from whatever the overlay already has recorded for the root,
// creating an empty materialized root if this is a brand-new mount.
func NewRoot(ctx context.Context, mount *Mount, rootTreeHash *model.Hash) (*TreeInode, error) {
	if rootTreeHash != nil {
		tree, err := mount.Store.FetchTree(ctx, *rootTreeHash)
		if err != nil {
			return nil, err
		}
		root := newFromTree(mount, nameid.RootInodeID, 0, nil, tree, rootTreeHash)
		mount.Inodes.Insert(root)
		return root, nil
	}

	overlayDir, err := mount.Overlay.LoadDir(ctx, "")
	if err != nil {
		return nil, err
	}
	if overlayDir == nil {
		overlayDir = model.NewDir()
		overlayDir.Materialized = true
		if err := mount.Overlay.Mkdir(ctx, ""); err != nil {
			return nil, err
		}
		if err := mount.Overlay.SaveDir(ctx, "", overlayDir); err != nil {
			return nil, err
		}
	}
	root := newFromOverlay(mount, nameid.RootInodeID, 0, nil, overlayDir)
	mount.Inodes.Insert(root)
	return root, nil
}
