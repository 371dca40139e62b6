package quickstep

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickstep-kv/quickstep/storage/memfile"
)

func TestStoreHeaderRoundTrip(t *testing.T) {
	file := memfile.New()
	require.NoError(t, writeStoreHeader(file))
	assert.NoError(t, checkStoreHeader(file))

	bad := memfile.New()
	_, err := bad.WriteAt(make([]byte, PageSize), 0)
	require.NoError(t, err)
	assert.Error(t, checkStoreHeader(bad))
}

func TestIoEnginePageRoundTrip(t *testing.T) {
	file := memfile.New()
	require.NoError(t, writeStoreHeader(file))
	io := NewIoEngine(file, 0)

	addrA := io.NewAddr()
	addrB := io.NewAddr()
	assert.Equal(t, uint64(0), addrA)
	assert.Equal(t, uint64(1), addrB)

	node := NewLeafNode(PageId(3), SizeLeafPage, addrB, []byte("a"), []byte("z"))
	require.NoError(t, node.TryPut([]byte("k"), []byte("v")))
	require.NoError(t, io.WritePage(addrB, node))

	got, err := io.GetPage(addrB)
	require.NoError(t, err)
	assert.Equal(t, PageId(3), got.PageId())
	val, probe := got.Get([]byte("k"))
	assert.Equal(t, probeFound, probe)
	assert.Equal(t, []byte("v"), val)

	count, err := io.PageCount()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), count)
}

func TestDumpStatsWritesSnapshot(t *testing.T) {
	db, _, _ := newMemStore(t, 14)
	defer db.Close()
	mustPut(t, db, "k", "v")

	path := filepath.Join(t.TempDir(), "stats.json")
	require.NoError(t, db.DumpStats(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var stats StoreStats
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.GreaterOrEqual(t, stats.WalRecords, 1)
}

func TestIsRetriable(t *testing.T) {
	assert.True(t, IsRetriable(ErrPageLockFail))
	assert.True(t, IsRetriable(ErrOLCRetriesExceeded))
	assert.True(t, IsRetriable(ErrCacheExhausted))
	assert.False(t, IsRetriable(ErrTreeFull))
	assert.False(t, IsRetriable(ErrSplitFailed))
}
