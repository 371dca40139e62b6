package quickstep

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapTableInitLeafEntry(t *testing.T) {
	mt := NewMapTable(16)
	page := mt.InitLeafEntry(5)
	assert.Equal(t, PageId(0), page)

	g, err := mt.ReadPageEntry(page)
	require.NoError(t, err)
	ref := g.NodeRef()
	assert.True(t, ref.IsLeaf)
	assert.Equal(t, uint64(5), ref.Addr)
	g.Release()
}

func TestMapTableReadersShareWritersExclude(t *testing.T) {
	mt := NewMapTable(4)
	page := mt.InitLeafEntry(0)

	r1, err := mt.ReadPageEntry(page)
	require.NoError(t, err)
	r2, err := mt.ReadPageEntry(page)
	require.NoError(t, err)

	_, ok := mt.TryWritePageEntry(page)
	assert.False(t, ok, "readers must block a writer")

	r1.Release()
	r2.Release()

	w, ok := mt.TryWritePageEntry(page)
	require.True(t, ok)
	_, err = mt.ReadPageEntry(page)
	assert.ErrorIs(t, err, ErrPageLockFail, "a held write lock must block readers")
	w.Release()
}

func TestMapTableUpgradeSoleReader(t *testing.T) {
	mt := NewMapTable(4)
	page := mt.InitLeafEntry(0)

	r, err := mt.ReadPageEntry(page)
	require.NoError(t, err)
	w, err := r.Upgrade()
	require.NoError(t, err)

	_, ok := mt.TryWritePageEntry(page)
	assert.False(t, ok)
	w.Release()
}

func TestMapTableUpgradeContended(t *testing.T) {
	mt := NewMapTable(4)
	page := mt.InitLeafEntry(0)

	r1, err := mt.ReadPageEntry(page)
	require.NoError(t, err)
	r2, err := mt.ReadPageEntry(page)
	require.NoError(t, err)

	_, err = r1.Upgrade()
	assert.ErrorIs(t, err, ErrPageLockFail, "upgrade is only legal from a sole reader")

	// The failed upgrade must leave r1's read lock in place.
	_, ok := mt.TryWritePageEntry(page)
	assert.False(t, ok)
	r1.Release()
	r2.Release()
	_, ok = mt.TryWritePageEntry(page)
	assert.True(t, ok)
}

func TestMapTableDowngrade(t *testing.T) {
	mt := NewMapTable(4)
	page := mt.InitLeafEntry(0)

	w, ok := mt.TryWritePageEntry(page)
	require.True(t, ok)
	r := w.Downgrade()

	r2, err := mt.ReadPageEntry(page)
	require.NoError(t, err, "a downgraded lock admits other readers")
	r2.Release()
	r.Release()

	w, ok = mt.TryWritePageEntry(page)
	assert.True(t, ok)
	w.Release()
}

func TestMapTableAddressRewriteUnderWriteLock(t *testing.T) {
	mt := NewMapTable(4)
	page := mt.InitLeafEntry(9)

	w, ok := mt.TryWritePageEntry(page)
	require.True(t, ok)
	w.SetMiniPage(MiniPageIndex(123))
	ref := w.NodeRef()
	assert.False(t, ref.IsLeaf)
	assert.Equal(t, uint64(123), ref.Addr)

	w.SetLeaf(77)
	ref = w.NodeRef()
	assert.True(t, ref.IsLeaf)
	assert.Equal(t, uint64(77), ref.Addr)
	w.Release()

	r, err := mt.ReadPageEntry(page)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), r.NodeRef().Addr)
	r.Release()
}

func TestMapTableCreatePageEntry(t *testing.T) {
	mt := NewMapTable(3)
	mt.InitLeafEntry(0)

	g1, err := mt.CreatePageEntry(MiniPageIndex(8))
	require.NoError(t, err)
	assert.Equal(t, PageId(1), g1.Page)
	assert.False(t, g1.NodeRef().IsLeaf)

	g2, err := mt.CreatePageEntry(MiniPageIndex(16))
	require.NoError(t, err)
	assert.Equal(t, PageId(2), g2.Page)

	_, err = mt.CreatePageEntry(MiniPageIndex(24))
	assert.ErrorIs(t, err, ErrTreeFull)
	g1.Release()
	g2.Release()
}

func TestMapTableConcurrentReaders(t *testing.T) {
	mt := NewMapTable(4)
	page := mt.InitLeafEntry(0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				g, err := mt.ReadPageEntry(page)
				if err != nil {
					continue
				}
				_ = g.NodeRef()
				g.Release()
			}
		}()
	}
	wg.Wait()

	w, ok := mt.TryWritePageEntry(page)
	require.True(t, ok, "all reader counts must have drained")
	w.Release()
}
