package treeinode

import "github.com/shadowtree-fs/shadowtree/internal/model"

// PerformCheckout would move this directory (recursively) onto a new
// store snapshot, reconciling it against any materialized local
// changes — EdenFS's checkout operation. spec.md's own scope stops at
// the single-snapshot working copy this package implements; this stub
// exists so the operation has a name and a defined failure mode rather
// than being silently absent from the API surface.
func (t *TreeInode) PerformCheckout(newRootHash model.Hash) error {
	_ = newRootHash
	return model.ErrNotImplemented
}
