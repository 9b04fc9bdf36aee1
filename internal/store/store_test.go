package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowtree-fs/shadowtree/internal/model"
)

func TestMemStoreBlobRoundTrip(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	hash := s.PutBlob([]byte("hello world"))
	got, err := s.FetchBlob(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestMemStoreTreeRoundTrip(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	leafHash := s.PutBlob([]byte("data"))
	treeHash := s.PutTree(Tree{
		Children: []TreeChild{
			{Name: "file.txt", Kind: model.KindFile, Mode: 0o100644, Hash: leafHash},
		},
	})

	tree, err := s.FetchTree(ctx, treeHash)
	require.NoError(t, err)
	require.Len(t, tree.Children, 1)
	assert.Equal(t, "file.txt", tree.Children[0].Name)
	assert.Equal(t, leafHash, tree.Children[0].Hash)
}

func TestMemStoreIdenticalTreesHashIdentically(t *testing.T) {
	s := NewMemStore()
	leaf := s.PutBlob([]byte("x"))

	h1 := s.PutTree(Tree{Children: []TreeChild{{Name: "a", Kind: model.KindFile, Hash: leaf}}})
	h2 := s.PutTree(Tree{Children: []TreeChild{{Name: "a", Kind: model.KindFile, Hash: leaf}}})
	assert.Equal(t, h1, h2)
}

func TestMemStoreFetchMissingReturnsConsistencyError(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := s.FetchTree(ctx, model.Hash{1})
	require.Error(t, err)
	var e *model.Errno
	require.ErrorAs(t, err, &e)
	assert.Equal(t, model.ClassConsistencyViolation, e.Class)

	_, err = s.FetchBlob(ctx, model.Hash{2})
	require.Error(t, err)
}

func TestPrefetchAttrsFetchesBlobContentConcurrently(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	h1 := s.PutBlob([]byte("12345"))
	h2 := s.PutBlob([]byte("1234567890"))
	children := []TreeChild{
		{Name: "small.txt", Kind: model.KindFile, Hash: h1},
		{Name: "big.txt", Kind: model.KindFile, Hash: h2},
		{Name: "subdir", Kind: model.KindDirectory, Hash: model.Hash{9}},
	}

	blobs, err := PrefetchAttrs(ctx, s, children)
	require.NoError(t, err)
	assert.Equal(t, "12345", string(blobs["small.txt"]))
	assert.Equal(t, "1234567890", string(blobs["big.txt"]))
	_, hasDir := blobs["subdir"]
	assert.False(t, hasDir, "directories are not blobs and must be skipped")
}

func TestPrefetchAttrsPropagatesFetchError(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	_, err := PrefetchAttrs(ctx, s, []TreeChild{{Name: "missing", Kind: model.KindFile, Hash: model.Hash{3}}})
	assert.Error(t, err)
}
