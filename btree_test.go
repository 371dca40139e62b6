package quickstep

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBPTreeRootLeaf(t *testing.T) {
	tree := NewBPTree(8)
	tree.setRootLeaf(PageId(3))

	page, err := tree.ReadTraverseLeaf([]byte("anything"))
	require.NoError(t, err)
	assert.Equal(t, PageId(3), page)

	level, id := tree.rootInfo()
	assert.Equal(t, uint16(0), level)
	assert.Equal(t, uint64(3), id)
}

func TestBPTreeGrowRootAndRoute(t *testing.T) {
	tree := NewBPTree(8)
	tree.setRootLeaf(PageId(0))
	require.NoError(t, tree.growRootFromLeaf(PageId(0), []byte("m"), PageId(1)))

	level, _ := tree.rootInfo()
	assert.Equal(t, uint16(1), level)

	for _, tc := range []struct {
		key  string
		want PageId
	}{
		{"a", 0},
		{"lzz", 0},
		{"m", 1},
		{"z", 1},
	} {
		page, err := tree.ReadTraverseLeaf([]byte(tc.key))
		require.NoError(t, err)
		assert.Equal(t, tc.want, page, "key %q", tc.key)
	}
}

func TestBPTreeInsertSeparators(t *testing.T) {
	tree := NewBPTree(8)
	tree.setRootLeaf(PageId(0))
	require.NoError(t, tree.growRootFromLeaf(PageId(0), []byte("g"), PageId(1)))

	tree.smo.Lock()
	path, found := tree.pathToLeaf([]byte("p"))
	require.Equal(t, PageId(1), found)
	require.NoError(t, tree.insertSeparator(path, []byte("p"), PageId(2)))
	tree.smo.Unlock()

	for _, tc := range []struct {
		key  string
		want PageId
	}{
		{"a", 0},
		{"g", 1},
		{"ozz", 1},
		{"p", 2},
		{"zz", 2},
	} {
		page, err := tree.ReadTraverseLeaf([]byte(tc.key))
		require.NoError(t, err)
		assert.Equal(t, tc.want, page, "key %q", tc.key)
	}
}

func TestBPTreeInnerSplitRaisesLevel(t *testing.T) {
	tree := NewBPTree(64)
	tree.setRootLeaf(PageId(0))
	require.NoError(t, tree.growRootFromLeaf(PageId(0), []byte(fmt.Sprintf("key-%04d", 1)), PageId(1)))

	// Long keys shrink the per-node capacity; pushing enough separators
	// must split the root inner node and raise the level.
	next := PageId(2)
	for i := 2; i < 120; i++ {
		pivot := []byte(fmt.Sprintf("key-%04d-%060d", i, i))
		tree.smo.Lock()
		path, _ := tree.pathToLeaf(pivot)
		err := tree.insertSeparator(path, pivot, next)
		tree.smo.Unlock()
		require.NoError(t, err)
		next++
	}
	level, _ := tree.rootInfo()
	assert.Greater(t, level, uint16(1), "root should have split upward")

	// Every separator still routes to the page inserted with it.
	for i := 2; i < 120; i++ {
		pivot := []byte(fmt.Sprintf("key-%04d-%060d", i, i))
		page, err := tree.ReadTraverseLeaf(pivot)
		require.NoError(t, err)
		assert.Equal(t, PageId(i), page)
	}
}

func TestBPTreeRemoveSeparatorDemotesRoot(t *testing.T) {
	tree := NewBPTree(8)
	tree.setRootLeaf(PageId(0))
	require.NoError(t, tree.growRootFromLeaf(PageId(0), []byte("m"), PageId(1)))

	tree.smo.Lock()
	path, found := tree.pathToLeaf([]byte("m"))
	require.Equal(t, PageId(1), found)
	require.NoError(t, tree.removeSeparator(path, []byte("m")))
	tree.smo.Unlock()

	level, id := tree.rootInfo()
	assert.Equal(t, uint16(0), level, "single-child root must demote to its leaf")
	assert.Equal(t, uint64(0), id)
}

func TestBPTreeSiblingOf(t *testing.T) {
	tree := NewBPTree(8)
	tree.setRootLeaf(PageId(0))
	require.NoError(t, tree.growRootFromLeaf(PageId(0), []byte("g"), PageId(1)))
	tree.smo.Lock()
	path, _ := tree.pathToLeaf([]byte("p"))
	require.NoError(t, tree.insertSeparator(path, []byte("p"), PageId(2)))

	path, found := tree.pathToLeaf([]byte("a"))
	require.Equal(t, PageId(0), found)
	sib, sep, right, err := tree.siblingOf(path, PageId(0), []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, PageId(1), sib)
	assert.Equal(t, []byte("g"), sep)
	assert.True(t, right)

	path, found = tree.pathToLeaf([]byte("z"))
	require.Equal(t, PageId(2), found)
	sib, sep, right, err = tree.siblingOf(path, PageId(2), []byte("z"))
	require.NoError(t, err)
	assert.Equal(t, PageId(1), sib)
	assert.Equal(t, []byte("p"), sep)
	assert.False(t, right, "the rightmost child merges leftward")
	tree.smo.Unlock()
}

func TestBPTreeSlabExhaustion(t *testing.T) {
	tree := NewBPTree(1)
	tree.setRootLeaf(PageId(0))
	require.NoError(t, tree.growRootFromLeaf(PageId(0), []byte("m"), PageId(1)))

	_, err := tree.allocNode()
	assert.ErrorIs(t, err, ErrTreeFull)
}

func TestBPTreeRebuildFromLeaves(t *testing.T) {
	tree := NewBPTree(16)
	pages := []PageId{4, 9, 2}
	seps := [][]byte{nil, []byte("h"), []byte("q")}
	require.NoError(t, tree.rebuildFromLeaves(pages, seps))

	for _, tc := range []struct {
		key  string
		want PageId
	}{
		{"a", 4},
		{"h", 9},
		{"pzz", 9},
		{"q", 2},
	} {
		page, err := tree.ReadTraverseLeaf([]byte(tc.key))
		require.NoError(t, err)
		assert.Equal(t, tc.want, page, "key %q", tc.key)
	}
}

func TestBPTreeRebuildSingleLeaf(t *testing.T) {
	tree := NewBPTree(4)
	require.NoError(t, tree.rebuildFromLeaves([]PageId{5}, [][]byte{nil}))
	page, err := tree.ReadTraverseLeaf([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, PageId(5), page)
}
