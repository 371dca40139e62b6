package quickstep

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickstep-kv/quickstep/storage/memfile"
)

// newMemStore opens a store over the in-memory page file; the WAL still
// lives on disk in the test's temp dir so restarts replay it for real.
func newMemStore(t *testing.T, cacheSizeLg int) (*QuickStep, *memfile.File, Config) {
	t.Helper()
	cfg := NewConfig(filepath.Join(t.TempDir(), "db"), 64, 256, cacheSizeLg)
	file := memfile.New()
	db, err := openWithFile(cfg, file)
	require.NoError(t, err)
	return db, file, cfg
}

// crash abandons the store without flushing, simulating process death. Only
// the background checkpointer is stopped so it cannot race the reopen.
func crash(db *QuickStep) {
	close(db.stopCh)
	<-db.doneCh
}

func reopen(t *testing.T, file *memfile.File, cfg Config) *QuickStep {
	t.Helper()
	db, err := openWithFile(cfg, file)
	require.NoError(t, err)
	return db
}

func mustPut(t *testing.T, db *QuickStep, key, val string) {
	t.Helper()
	require.NoError(t, db.Put([]byte(key), []byte(val)))
}

func mustGet(t *testing.T, db *QuickStep, key string) []byte {
	t.Helper()
	val, err := db.Get([]byte(key))
	require.NoError(t, err)
	return val
}

func TestInsertAndReadBack(t *testing.T) {
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	tx := db.Tx()
	require.NoError(t, tx.Put([]byte("alpha"), []byte("one")))
	require.NoError(t, tx.Put([]byte("beta"), []byte("two")))
	require.NoError(t, tx.Put([]byte("gamma"), []byte("three")))
	require.NoError(t, tx.Commit())

	assert.Equal(t, []byte("one"), mustGet(t, db, "alpha"))
	assert.Equal(t, []byte("two"), mustGet(t, db, "beta"))
	assert.Equal(t, []byte("three"), mustGet(t, db, "gamma"))
	assert.Nil(t, mustGet(t, db, "delta"))
}

func TestPutIsIdempotentAndOverwrites(t *testing.T) {
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	mustPut(t, db, "k", "v1")
	mustPut(t, db, "k", "v1")
	assert.Equal(t, []byte("v1"), mustGet(t, db, "k"))
	mustPut(t, db, "k", "a longer replacement value")
	assert.Equal(t, []byte("a longer replacement value"), mustGet(t, db, "k"))
}

func TestKeyAndValueBoundaries(t *testing.T) {
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	maxKey := bytes.Repeat([]byte("k"), MaxKeyLength)
	require.NoError(t, db.Put(maxKey, []byte("ok")))
	assert.Equal(t, []byte("ok"), mustGet(t, db, string(maxKey)))

	tooLong := bytes.Repeat([]byte("k"), MaxKeyLength+1)
	assert.ErrorIs(t, db.Put(tooLong, []byte("v")), ErrKeyTooLarge)

	assert.ErrorIs(t, db.Put(nil, []byte("v")), ErrKeyOutOfRange)
	assert.ErrorIs(t, db.Put([]byte{0x00}, []byte("v")), ErrKeyOutOfRange)
	assert.ErrorIs(t, db.Put([]byte{0xFF}, []byte("v")), ErrKeyOutOfRange)

	require.NoError(t, db.Put([]byte("empty-val"), nil))
	val, err := db.Get([]byte("empty-val"))
	require.NoError(t, err)
	assert.NotNil(t, val)
	assert.Len(t, val, 0)
}

func TestExplicitAbortRollsBack(t *testing.T) {
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	tx := db.Tx()
	require.NoError(t, tx.Put([]byte("alpha"), []byte("one")))
	require.NoError(t, tx.Abort())

	assert.Nil(t, mustGet(t, db, "alpha"))
}

func TestAbortRestoresPriorValue(t *testing.T) {
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	mustPut(t, db, "k", "committed")
	tx := db.Tx()
	require.NoError(t, tx.Put([]byte("k"), []byte("uncommitted")))
	_, err := tx.Delete([]byte("k"))
	require.NoError(t, err)
	require.NoError(t, tx.Abort())

	assert.Equal(t, []byte("committed"), mustGet(t, db, "k"))
}

func TestCloseWithoutCommitAborts(t *testing.T) {
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	tx := db.Tx()
	require.NoError(t, tx.Put([]byte("beta"), []byte("two")))
	require.NoError(t, tx.Close())

	assert.Nil(t, mustGet(t, db, "beta"))
}

func TestTxDoneIsRejected(t *testing.T) {
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	tx := db.Tx()
	require.NoError(t, tx.Commit())
	assert.ErrorIs(t, tx.Put([]byte("k"), []byte("v")), ErrTxDone)
	_, err := tx.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrTxDone)
	assert.ErrorIs(t, tx.Commit(), ErrTxDone)
}

// fillUntilSplit inserts payload-sized records one transaction at a time
// until the first split fires.
func fillUntilSplit(t *testing.T, db *QuickStep, payload []byte) int {
	t.Helper()
	inserted := 0
	for SplitRequests() == 0 {
		require.Less(t, inserted, 128, "expected a split within 128 inserts")
		key := fmt.Sprintf("key-%04d", inserted)
		require.NoError(t, db.Put([]byte(key), payload))
		inserted++
	}
	return inserted
}

func TestRootSplitAndRouting(t *testing.T) {
	ResetDebugCounters()
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	payload := make([]byte, 1024)
	inserted := fillUntilSplit(t, db, payload)

	snap, ok := db.DebugRootLeafParent()
	require.True(t, ok, "root should have been promoted to an inner node")
	require.Len(t, snap.Children, 2, "expect exactly two children after the first split")
	require.Len(t, snap.Pivots, 1)

	events := SplitEvents()
	require.Len(t, events, 1)
	assert.Equal(t, uint64(snap.Children[0]), events[0].LeftPage)
	assert.Equal(t, uint64(snap.Children[1]), events[0].RightPage)

	pivot := snap.Pivots[0]
	left, err := db.DebugLeafSnapshot(snap.Children[0])
	require.NoError(t, err)
	right, err := db.DebugLeafSnapshot(snap.Children[1])
	require.NoError(t, err)
	for _, key := range left.Keys {
		assert.Negative(t, bytes.Compare(key, pivot), "left keys must be < pivot")
	}
	for _, key := range right.Keys {
		assert.GreaterOrEqual(t, bytes.Compare(key, pivot), 0, "right keys must be >= pivot")
	}

	for i := 0; i < inserted; i++ {
		key := fmt.Sprintf("key-%04d", i)
		assert.NotNil(t, mustGet(t, db, key), "missing key %s", key)
	}
}

func TestSplitFenceAlgebra(t *testing.T) {
	ResetDebugCounters()
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	fillUntilSplit(t, db, make([]byte, 1024))
	snap, ok := db.DebugRootLeafParent()
	require.True(t, ok)
	pivot := snap.Pivots[0]

	left, err := db.DebugLeafFences(snap.Children[0])
	require.NoError(t, err)
	right, err := db.DebugLeafFences(snap.Children[1])
	require.NoError(t, err)

	assert.Equal(t, lowerSentinel, left.Lower, "left keeps the pre-split lower fence")
	assert.Equal(t, pivot, left.Upper)
	assert.Equal(t, pivot, right.Lower)
	assert.Equal(t, upperSentinel, right.Upper, "right keeps the pre-split upper fence")
}

func TestPostSplitInsertsRouteToExpectedChildren(t *testing.T) {
	ResetDebugCounters()
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	payload := make([]byte, 1024)
	fillUntilSplit(t, db, payload)
	require.EqualValues(t, 1, SplitRequests())

	snap, ok := db.DebugRootLeafParent()
	require.True(t, ok)
	pivot := string(snap.Pivots[0])
	leftKey := pivot[:len(pivot)-1] + "0-lo"
	rightKey := pivot + "-hi"

	require.NoError(t, db.Put([]byte(leftKey), []byte("l")))
	require.NoError(t, db.Put([]byte(rightKey), []byte("r")))

	left, err := db.DebugLeafSnapshot(snap.Children[0])
	require.NoError(t, err)
	right, err := db.DebugLeafSnapshot(snap.Children[1])
	require.NoError(t, err)
	assert.True(t, containsKey(left.Keys, []byte(leftKey)), "left child should hold the left-side insert")
	assert.True(t, containsKey(right.Keys, []byte(rightKey)), "right child should hold the right-side insert")

	assert.Equal(t, []byte("l"), mustGet(t, db, leftKey))
	assert.Equal(t, []byte("r"), mustGet(t, db, rightKey))
}

func containsKey(keys [][]byte, want []byte) bool {
	for _, k := range keys {
		if bytes.Equal(k, want) {
			return true
		}
	}
	return false
}

func TestDeleteTriggersAutoMergeAndRootDemotion(t *testing.T) {
	ResetDebugCounters()
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	payload := make([]byte, 1024)
	inserted := fillUntilSplit(t, db, payload)
	snap, ok := db.DebugRootLeafParent()
	require.True(t, ok)
	pivot := snap.Pivots[0]

	for i := 0; i < inserted; i++ {
		key := fmt.Sprintf("key-%04d", i)
		if bytes.Compare([]byte(key), pivot) >= 0 {
			found, err := db.Delete([]byte(key))
			require.NoError(t, err)
			assert.True(t, found)
		}
	}

	assert.GreaterOrEqual(t, MergeRequests(), uint64(1), "underflow should auto-merge")
	_, ok = db.DebugRootLeafParent()
	assert.False(t, ok, "root should demote back to a leaf")

	for i := 0; i < inserted; i++ {
		key := fmt.Sprintf("key-%04d", i)
		val := mustGet(t, db, key)
		if bytes.Compare([]byte(key), pivot) >= 0 {
			assert.Nil(t, val)
		} else {
			assert.NotNil(t, val)
		}
	}
}

func TestMergeFenceAlgebra(t *testing.T) {
	ResetDebugCounters()
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	fillUntilSplit(t, db, make([]byte, 1024))
	snap, ok := db.DebugRootLeafParent()
	require.True(t, ok)
	left, right := snap.Children[0], snap.Children[1]

	require.NoError(t, db.DebugTruncateLeaf(left, 2, false))
	require.NoError(t, db.DebugTruncateLeaf(right, 1, false))
	require.NoError(t, db.DebugMergeLeaves(left, right))

	_, ok = db.DebugRootLeafParent()
	assert.False(t, ok, "root should demote after the only two leaves merge")

	fences, err := db.DebugLeafFences(left)
	require.NoError(t, err)
	assert.Equal(t, lowerSentinel, fences.Lower)
	assert.Equal(t, upperSentinel, fences.Upper)

	events := MergeEvents()
	require.Len(t, events, 1)
	assert.Equal(t, uint64(left), events[0].SurvivorPage)
	assert.Equal(t, uint64(right), events[0].RemovedPage)

	count := 0
	snapshot, err := db.DebugLeafSnapshot(left)
	require.NoError(t, err)
	count = len(snapshot.Keys)
	assert.Equal(t, 3, count, "survivor holds the union of both sides")
}

func TestWalReplayOfCommitAndAbort(t *testing.T) {
	db, file, cfg := newMemStore(t, 14)

	mustPut(t, db, "stable", "yes")

	tx := db.Tx()
	require.NoError(t, tx.Put([]byte("inflight"), []byte("temp")))
	// Neither committed nor aborted: the process dies here.
	crash(db)

	reopened := reopen(t, file, cfg)
	defer reopened.Close()
	assert.Equal(t, []byte("yes"), mustGet(t, reopened, "stable"))
	assert.Nil(t, mustGet(t, reopened, "inflight"), "pending transaction must be rolled back")
}

func TestWalReplaysPutsWithoutManualFlush(t *testing.T) {
	db, file, cfg := newMemStore(t, 14)
	for i := 0; i < 20; i++ {
		mustPut(t, db, fmt.Sprintf("key-%04d", i), "value")
	}
	crash(db)

	reopened := reopen(t, file, cfg)
	defer reopened.Close()
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key-%04d", i)
		assert.Equal(t, []byte("value"), mustGet(t, reopened, key), "key %s should replay", key)
	}
}

func TestWalReplaysDeletesWithoutManualFlush(t *testing.T) {
	db, file, cfg := newMemStore(t, 14)
	for i := 0; i < 24; i++ {
		mustPut(t, db, fmt.Sprintf("key-%04d", i), "value")
	}
	found, err := db.Delete([]byte("key-0004"))
	require.NoError(t, err)
	require.True(t, found)
	found, err = db.Delete([]byte("key-0015"))
	require.NoError(t, err)
	require.True(t, found)
	crash(db)

	reopened := reopen(t, file, cfg)
	defer reopened.Close()
	assert.Nil(t, mustGet(t, reopened, "key-0004"))
	assert.Nil(t, mustGet(t, reopened, "key-0015"))
	assert.NotNil(t, mustGet(t, reopened, "key-0003"))
}

func TestDeletesPersistAfterFlushAndRestart(t *testing.T) {
	db, file, cfg := newMemStore(t, 14)
	for i := 0; i < 16; i++ {
		mustPut(t, db, fmt.Sprintf("key-%04d", i), "value")
	}
	_, err := db.Delete([]byte("key-0003"))
	require.NoError(t, err)
	_, err = db.Delete([]byte("key-0007"))
	require.NoError(t, err)
	require.NoError(t, db.DebugFlushRootLeaf())
	crash(db)

	reopened := reopen(t, file, cfg)
	defer reopened.Close()
	assert.Nil(t, mustGet(t, reopened, "key-0003"))
	assert.Nil(t, mustGet(t, reopened, "key-0007"))
	assert.NotNil(t, mustGet(t, reopened, "key-0005"))
}

func TestPersistAcrossCleanClose(t *testing.T) {
	ResetDebugCounters()
	db, file, cfg := newMemStore(t, 14)
	payload := make([]byte, 1024)
	inserted := fillUntilSplit(t, db, payload)
	require.NoError(t, db.Close())

	reopened := reopen(t, file, cfg)
	defer reopened.Close()
	for i := 0; i < inserted; i++ {
		key := fmt.Sprintf("key-%04d", i)
		assert.NotNil(t, mustGet(t, reopened, key), "key %s lost across restart", key)
	}
	assert.Equal(t, 0, reopened.wal.TotalRecords(), "a clean shutdown leaves an empty journal")
}

func TestWalPerPageCheckpointTrimsEntries(t *testing.T) {
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	tx := db.Tx()
	payload := make([]byte, 32)
	for i := 0; i < 48; i++ {
		require.NoError(t, tx.Put([]byte(fmt.Sprintf("key-%04d", i)), payload))
	}
	require.NoError(t, tx.Commit())

	stats := db.DebugWalStats(PageId(0))
	assert.Less(t, stats.LeafRecords, 16,
		"the per-page threshold should have pruned page zero's records at commit")
}

func TestWalCustomThresholdsDelayPruning(t *testing.T) {
	cfg := NewConfig(filepath.Join(t.TempDir(), "db"), 64, 256, 14).
		WithWalThresholds(1000, 100000, 1<<30)
	file := memfile.New()
	db, err := openWithFile(cfg, file)
	require.NoError(t, err)
	defer db.Close()

	tx := db.Tx()
	payload := make([]byte, 32)
	for i := 0; i < 40; i++ {
		require.NoError(t, tx.Put([]byte(fmt.Sprintf("key-%04d", i)), payload))
	}
	require.NoError(t, tx.Commit())

	stats := db.DebugWalStats(PageId(0))
	assert.GreaterOrEqual(t, stats.LeafRecords, 40,
		"high thresholds should keep redo and undo records journaled")
}

func TestEvictionPreservesFencesAndData(t *testing.T) {
	ResetDebugCounters()
	db, _, _ := newMemStore(t, 13)
	defer db.Close()

	payload := make([]byte, 1024)
	for i := 0; i < 64; i++ {
		mustPut(t, db, fmt.Sprintf("key-%04d", i), string(payload))
	}

	assert.Greater(t, Evictions(), uint64(0), "an 8 KiB cache must evict")

	pages := map[uint64]struct{}{0: {}}
	for _, e := range SplitEvents() {
		pages[e.LeftPage] = struct{}{}
		pages[e.RightPage] = struct{}{}
	}
	for page := range pages {
		fences, err := db.DebugLeafFences(PageId(page))
		require.NoError(t, err)
		snap, err := db.DebugLeafSnapshot(PageId(page))
		require.NoError(t, err)
		for _, key := range snap.Keys {
			assert.GreaterOrEqual(t, bytes.Compare(key, fences.Lower), 0)
			assert.Negative(t, bytes.Compare(key, fences.Upper))
		}
	}

	for i := 0; i < 64; i++ {
		key := fmt.Sprintf("key-%04d", i)
		assert.NotNil(t, mustGet(t, db, key), "key %s unreadable after eviction", key)
	}
}

func TestRangeScanSingleLeaf(t *testing.T) {
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	mustPut(t, db, "alpha", "one")
	mustPut(t, db, "beta", "two")
	mustPut(t, db, "delta", "four")

	itr, err := db.RangeScan([]byte("alpha"), []byte("delta"))
	require.NoError(t, err)
	require.Equal(t, 2, itr.Len())
	ok, key, val := itr.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("alpha"), key)
	assert.Equal(t, []byte("one"), val)
	ok, key, val = itr.Next()
	require.True(t, ok)
	assert.Equal(t, []byte("beta"), key)
	assert.Equal(t, []byte("two"), val)
	ok, _, _ = itr.Next()
	assert.False(t, ok)
}

func TestRangeScanAcrossSplitLeaves(t *testing.T) {
	ResetDebugCounters()
	db, _, _ := newMemStore(t, 14)
	defer db.Close()

	payload := make([]byte, 1024)
	for i := 0; i < 20; i++ {
		mustPut(t, db, fmt.Sprintf("key-%04d", i), string(payload))
	}
	require.Greater(t, SplitRequests(), uint64(0), "the scan should span several leaves")

	itr, err := db.RangeScan([]byte("key-0005"), []byte("key-0015"))
	require.NoError(t, err)
	require.Equal(t, 10, itr.Len())
	i := 5
	for {
		ok, key, _ := itr.Next()
		if !ok {
			break
		}
		assert.Equal(t, fmt.Sprintf("key-%04d", i), string(key))
		i++
	}
	assert.Equal(t, 15, i)
}

func TestConcurrentPutsAndGets(t *testing.T) {
	db, _, _ := newMemStore(t, 16)
	defer db.Close()

	const routines = 4
	const perRoutine = 100
	var wg sync.WaitGroup
	for r := 0; r < routines; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			for i := 0; i < perRoutine; i++ {
				key := []byte(fmt.Sprintf("g%d-key-%04d", r, i))
				val := []byte(fmt.Sprintf("val-%d-%d", r, i))
				for {
					err := db.Put(key, val)
					if err == nil {
						break
					}
					if !IsRetriable(err) {
						t.Errorf("put %s: %v", key, err)
						return
					}
				}
			}
		}(r)
	}
	wg.Wait()

	for r := 0; r < routines; r++ {
		for i := 0; i < perRoutine; i++ {
			key := fmt.Sprintf("g%d-key-%04d", r, i)
			want := []byte(fmt.Sprintf("val-%d-%d", r, i))
			assert.Equal(t, want, mustGet(t, db, key))
		}
	}
}
