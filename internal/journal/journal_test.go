package journal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltJournalAppendAndDeltasOrdering(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })

	d1, err := j.Append([]string{"a"})
	require.NoError(t, err)
	d2, err := j.Append([]string{"b", "c"})
	require.NoError(t, err)

	assert.NotEmpty(t, d1.OpID)
	assert.NotEqual(t, d1.OpID, d2.OpID)

	deltas, err := j.Deltas()
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, []string{"a"}, deltas[0].Paths)
	assert.Equal(t, []string{"b", "c"}, deltas[1].Paths)
}

func TestBoltJournalPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	j, err := Open(dir)
	require.NoError(t, err)
	_, err = j.Append([]string{"x"})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j2, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j2.Close() })

	deltas, err := j2.Deltas()
	require.NoError(t, err)
	require.Len(t, deltas, 1)
	assert.Equal(t, []string{"x"}, deltas[0].Paths)
}

func TestMemJournalAppendAndDeltas(t *testing.T) {
	j := NewMemJournal()

	_, err := j.Append([]string{"one"})
	require.NoError(t, err)
	_, err = j.Append([]string{"two"})
	require.NoError(t, err)

	deltas, err := j.Deltas()
	require.NoError(t, err)
	require.Len(t, deltas, 2)
	assert.Equal(t, []string{"one"}, deltas[0].Paths)
	assert.Equal(t, []string{"two"}, deltas[1].Paths)

	assert.NoError(t, j.Close())
}
