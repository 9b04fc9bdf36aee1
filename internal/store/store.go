// Package store defines the ObjectStore collaborator spec.md declares
// out of scope (a read-only content-addressed blob/tree provider) and
// ships an in-memory reference implementation used by tests and by
// the standalone fsck/demo tooling in cmd/shadowtreed.
package store

import (
	"context"
	"crypto/sha1"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/shadowtree-fs/shadowtree/internal/model"
)

// TreeChild is one entry yielded when iterating a Tree.
type TreeChild struct {
	Name string
	Mode uint32
	Kind model.Kind
	Hash model.Hash
}

// Tree is an immutable directory snapshot in the store.
type Tree struct {
	Children []TreeChild
}

// ObjectStore is the read-only, content-addressed backing repository
// of trees and blobs. Safe for unconstrained concurrent access
// (spec.md section 5).
type ObjectStore interface {
	FetchTree(ctx context.Context, hash model.Hash) (*Tree, error)
	FetchBlob(ctx context.Context, hash model.Hash) ([]byte, error)
}

// MemStore is an in-memory ObjectStore keyed by SHA1 content hash,
// grounded on quantumfs's own SHA1-content-addressed datastore
// (daemon/datastore.go / daemon/hash.go).
type MemStore struct {
	mu    sync.RWMutex
	trees map[model.Hash]*Tree
	blobs map[model.Hash][]byte
}

func NewMemStore() *MemStore {
	return &MemStore{
		trees: make(map[model.Hash]*Tree),
		blobs: make(map[model.Hash][]byte),
	}
}

func hashBytes(b []byte) model.Hash {
	return model.Hash(sha1.Sum(b))
}

// PutBlob stores content and returns its content hash.
func (s *MemStore) PutBlob(content []byte) model.Hash {
	h := hashBytes(content)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[h] = append([]byte(nil), content...)
	return h
}

// PutTree stores a tree snapshot and returns its content hash. The
// hash is derived from a stable encoding of the tree's children so
// that identical trees always resolve to the same hash.
func (s *MemStore) PutTree(tree Tree) model.Hash {
	encoded := encodeTree(tree)
	h := hashBytes(encoded)
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := tree
	stored.Children = append([]TreeChild(nil), tree.Children...)
	s.trees[h] = &stored
	return h
}

func encodeTree(t Tree) []byte {
	var buf []byte
	for _, c := range t.Children {
		buf = append(buf, []byte(fmt.Sprintf("%s\x00%d\x00%d\x00%x\x01", c.Name, c.Mode, c.Kind, c.Hash))...)
	}
	return buf
}

func (s *MemStore) FetchTree(_ context.Context, hash model.Hash) (*Tree, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tree, ok := s.trees[hash]
	if !ok {
		return nil, model.ErrConsistency(hash.String(), fmt.Errorf("store: no such tree"))
	}
	clone := *tree
	clone.Children = append([]TreeChild(nil), tree.Children...)
	return &clone, nil
}

func (s *MemStore) FetchBlob(_ context.Context, hash model.Hash) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	blob, ok := s.blobs[hash]
	if !ok {
		return nil, model.ErrConsistency(hash.String(), fmt.Errorf("store: no such blob"))
	}
	return append([]byte(nil), blob...), nil
}

// PrefetchAttrs concurrently fetches the blob content for every
// unmaterialized file child of a directory, used by Readdir to warm a
// TreeInode's file children so a Read or Getattr issued right after a
// directory listing doesn't pay for a second, serialized store round
// trip. Suspension points (the store fetches) are not held under any
// directory lock, matching spec.md section 5's lock discipline.
func PrefetchAttrs(ctx context.Context, s ObjectStore, children []TreeChild) (map[string][]byte, error) {
	blobs := make(map[string][]byte, len(children))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, child := range children {
		child := child
		if child.Kind != model.KindFile {
			continue
		}
		g.Go(func() error {
			blob, err := s.FetchBlob(gctx, child.Hash)
			if err != nil {
				return err
			}
			mu.Lock()
			blobs[child.Name] = blob
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return blobs, nil
}
