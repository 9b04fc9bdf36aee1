// Package nameid implements the NameManager and InodeTable
// collaborators spec.md section 6.1 declares: stable inode id
// allocation keyed by (parent id, name), and the process-wide live
// inode registry.
package nameid

import (
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// InodeID is a stable, process-scoped directory/file identifier.
type InodeID uint64

// RootInodeID is the sentinel used for the mount root, which has no
// parent and no name.
const RootInodeID InodeID = 1

type nameKey struct {
	parent InodeID
	name   string
}

// NameNode is the (parent, name) -> id binding NameManager hands out.
type NameNode struct {
	ID     InodeID
	Parent InodeID
	Name   string
}

// NameManager allocates stable inode ids keyed by (parent id, name)
// and resolves an id back to its absolute path. Allocation happens
// only after the caller has confirmed the name exists (spec.md
// section 4.1.1 step 2) — NameManager itself does not enforce that;
// it is the caller's responsibility.
type NameManager struct {
	nextID atomic.Uint64

	mu       sync.RWMutex
	byKey    map[nameKey]*NameNode
	byID     map[InodeID]*NameNode
	pathLRU  *lru.Cache[InodeID, string]
}

// NewNameManager builds a NameManager whose reverse (id -> path) cache
// holds at most pathCacheSize entries. The forward (parent,name)->id
// map is never evicted: per invariants T1/T2 a live inode's id must
// remain stable and resolvable for its entire lifetime, which a
// bounded cache cannot promise.
func NewNameManager(pathCacheSize int) *NameManager {
	cache, err := lru.New[InodeID, string](pathCacheSize)
	if err != nil {
		// Only returns an error for size <= 0, which we control.
		panic(fmt.Sprintf("nameid: bad path cache size: %v", err))
	}
	nm := &NameManager{
		byKey:   make(map[nameKey]*NameNode),
		byID:    make(map[InodeID]*NameNode),
		pathLRU: cache,
	}
	nm.nextID.Store(uint64(RootInodeID))
	root := &NameNode{ID: RootInodeID, Parent: 0, Name: ""}
	nm.byID[RootInodeID] = root
	nm.pathLRU.Add(RootInodeID, "")
	return nm
}

// GetOrCreate returns the existing NameNode for (parent, name),
// allocating a new stable id if this is the first time the pair has
// been seen.
func (nm *NameManager) GetOrCreate(parent InodeID, name string) *NameNode {
	key := nameKey{parent, name}

	nm.mu.RLock()
	if node, ok := nm.byKey[key]; ok {
		nm.mu.RUnlock()
		return node
	}
	nm.mu.RUnlock()

	nm.mu.Lock()
	defer nm.mu.Unlock()
	if node, ok := nm.byKey[key]; ok {
		return node
	}

	id := InodeID(nm.nextID.Add(1))
	node := &NameNode{ID: id, Parent: parent, Name: name}
	nm.byKey[key] = node
	nm.byID[id] = node
	return node
}

// GetIfExists returns the NameNode for (parent, name) without
// allocating one, or nil if none has been created yet.
func (nm *NameManager) GetIfExists(parent InodeID, name string) *NameNode {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	return nm.byKey[nameKey{parent, name}]
}

// GetByID returns the NameNode for a previously allocated id.
func (nm *NameManager) GetByID(id InodeID) (*NameNode, bool) {
	nm.mu.RLock()
	defer nm.mu.RUnlock()
	node, ok := nm.byID[id]
	return node, ok
}

// ResolvePath returns id's path relative to the mount root, joining
// parent path components. Results are cached in a bounded LRU since
// materialization and journaling resolve paths on every operation.
func (nm *NameManager) ResolvePath(id InodeID) (string, error) {
	if p, ok := nm.pathLRU.Get(id); ok {
		return p, nil
	}

	nm.mu.RLock()
	node, ok := nm.byID[id]
	nm.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("nameid: unknown inode id %d", id)
	}
	if node.ID == RootInodeID {
		nm.pathLRU.Add(id, "")
		return "", nil
	}

	parentPath, err := nm.ResolvePath(node.Parent)
	if err != nil {
		return "", err
	}
	path := node.Name
	if parentPath != "" {
		path = parentPath + "/" + node.Name
	}
	nm.pathLRU.Add(id, path)
	return path, nil
}

// InvalidatePath drops the reverse-path cache entry for id.
func (nm *NameManager) InvalidatePath(id InodeID) {
	nm.pathLRU.Remove(id)
}

// InvalidateSubtree drops the cached path for id and for every
// descendant NameManager has ever allocated an id for, regardless of
// whether that descendant is currently resident in any inode table.
// Rename moves id (and everything beneath it) to a new absolute path
// in one step, so every cached path under the old prefix is stale;
// treeinode's Rename calls this on the moved id after a successful
// commit, per the descendant-invalidation requirement rename's
// correctness depends on.
func (nm *NameManager) InvalidateSubtree(id InodeID) {
	nm.InvalidatePath(id)

	nm.mu.RLock()
	var children []InodeID
	for cid, node := range nm.byID {
		if node.Parent == id {
			children = append(children, cid)
		}
	}
	nm.mu.RUnlock()

	for _, cid := range children {
		nm.InvalidateSubtree(cid)
	}
}

// Rebind updates node's (parent, name) key in place after a rename,
// keeping the same stable id. The caller must already hold whatever
// locks are needed to make this update visible atomically to lookups.
func (nm *NameManager) Rebind(id InodeID, newParent InodeID, newName string) {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	node, ok := nm.byID[id]
	if !ok {
		return
	}
	delete(nm.byKey, nameKey{node.Parent, node.Name})
	node.Parent = newParent
	node.Name = newName
	nm.byKey[nameKey{newParent, newName}] = node
}

// InodeTable is the process-wide registry mapping inode id to the live
// inode object implementing it. Implementations of the actual "Inode"
// value are supplied by internal/treeinode and internal/fileinode; this
// package only knows about the interface.
type Inode interface {
	InodeID() InodeID
	CanForget() bool
}

type InodeTable struct {
	mu    sync.RWMutex
	table map[InodeID]Inode
}

func NewInodeTable() *InodeTable {
	return &InodeTable{table: make(map[InodeID]Inode)}
}

// Lookup returns the live inode for id, if any.
func (t *InodeTable) Lookup(id InodeID) (Inode, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	inode, ok := t.table[id]
	return inode, ok
}

// Insert records inode as the live object for its id. If an entry
// already exists for that id, it is returned instead and inode is
// discarded, per spec.md section 4.1.1's "an existing table entry for
// the same id short-circuits construction."
func (t *InodeTable) Insert(inode Inode) Inode {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.table[inode.InodeID()]; ok {
		return existing
	}
	t.table[inode.InodeID()] = inode
	return inode
}

// Forget evicts id from the table if CanForget() is true. Returns
// whether the inode was forgotten.
func (t *InodeTable) Forget(id InodeID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	inode, ok := t.table[id]
	if !ok {
		return true
	}
	if !inode.CanForget() {
		return false
	}
	delete(t.table, id)
	return true
}
