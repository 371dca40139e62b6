package quickstep

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLeaf(t *testing.T, lower, upper []byte) Node {
	t.Helper()
	return NewLeafNode(PageId(7), SizeLeafPage, 3, lower, upper)
}

func TestNodeMetaRoundTrip(t *testing.T) {
	n := Node(make([]byte, 64))
	n.ResetHeader(PageId(42), SizeN128, 0xABCDEF)

	assert.Equal(t, uint64(0xABCDEF), n.DiskAddr())
	assert.Equal(t, SizeN128, n.SizeClass())
	assert.True(t, n.Live())
	assert.False(t, n.Evicting())
	assert.Equal(t, PageId(42), n.PageId())
	assert.Equal(t, 128-nodeMetaSize, n.FreeBytes())
	assert.Equal(t, 0, n.RecordCount())

	n.SetEvicting(true)
	assert.True(t, n.Evicting())
	assert.Equal(t, uint64(0xABCDEF), n.DiskAddr(), "flag edits must not disturb the address")
	n.SetDiskAddr(99)
	assert.Equal(t, uint64(99), n.DiskAddr())
	assert.True(t, n.Evicting())
}

func TestKVMetaPacking(t *testing.T) {
	m := NewKVMeta(13, 1000, 2345, RecordTombstone, false, 0xBEEF)
	assert.Equal(t, 13, m.KeySize())
	assert.Equal(t, 1000, m.ValSize())
	assert.Equal(t, 2345, m.Offset())
	assert.Equal(t, RecordTombstone, m.Type())
	assert.False(t, m.Fence())
	assert.Equal(t, uint16(0xBEEF), m.Lookahead())

	m = m.WithType(RecordCache)
	assert.Equal(t, RecordCache, m.Type())
	assert.Equal(t, 1000, m.ValSize())
}

func TestRecordTypeSemantics(t *testing.T) {
	assert.True(t, RecordInsert.IsDirty())
	assert.True(t, RecordInsert.Exists())
	assert.False(t, RecordCache.IsDirty())
	assert.True(t, RecordCache.Exists())
	assert.True(t, RecordTombstone.IsDirty())
	assert.False(t, RecordTombstone.Exists())
	assert.False(t, RecordPhantom.IsDirty())
	assert.False(t, RecordPhantom.Exists())
}

func TestLeafFencesAndPrefix(t *testing.T) {
	n := newTestLeaf(t, []byte("user-aaa"), []byte("user-zzz"))
	assert.Equal(t, []byte("user-aaa"), n.LowerFence())
	assert.Equal(t, []byte("user-zzz"), n.UpperFence())
	assert.Equal(t, []byte("user-"), n.Prefix())
	assert.Equal(t, 2, n.RecordCount(), "an empty leaf still has its two fences")
	assert.Equal(t, 0, n.UserEntryCount())
}

func TestLeafPutGet(t *testing.T) {
	n := newTestLeaf(t, lowerSentinel, upperSentinel)

	require.NoError(t, n.TryPut([]byte("beta"), []byte("two")))
	require.NoError(t, n.TryPut([]byte("alpha"), []byte("one")))
	require.NoError(t, n.TryPut([]byte("gamma"), []byte("three")))

	val, probe := n.Get([]byte("alpha"))
	assert.Equal(t, probeFound, probe)
	assert.Equal(t, []byte("one"), val)
	val, probe = n.Get([]byte("beta"))
	assert.Equal(t, probeFound, probe)
	assert.Equal(t, []byte("two"), val)
	_, probe = n.Get([]byte("delta"))
	assert.Equal(t, probeMiss, probe)

	entries := n.Entries()
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("alpha"), entries[0].Key)
	assert.Equal(t, []byte("beta"), entries[1].Key)
	assert.Equal(t, []byte("gamma"), entries[2].Key)
}

func TestLeafPutIdempotent(t *testing.T) {
	n := newTestLeaf(t, lowerSentinel, upperSentinel)
	require.NoError(t, n.TryPut([]byte("k"), []byte("v")))
	before := n.FreeBytes()
	require.NoError(t, n.TryPut([]byte("k"), []byte("v")))
	assert.Equal(t, before, n.FreeBytes(), "same-length overwrite is in place")
	assert.Equal(t, 1, n.UserEntryCount())

	val, probe := n.Get([]byte("k"))
	assert.Equal(t, probeFound, probe)
	assert.Equal(t, []byte("v"), val)
}

func TestLeafUpdateDifferentLength(t *testing.T) {
	n := newTestLeaf(t, lowerSentinel, upperSentinel)
	require.NoError(t, n.TryPut([]byte("k"), []byte("short")))
	require.NoError(t, n.TryPut([]byte("k"), []byte("a much longer value")))
	val, probe := n.Get([]byte("k"))
	assert.Equal(t, probeFound, probe)
	assert.Equal(t, []byte("a much longer value"), val)
	assert.Equal(t, 1, n.UserEntryCount())
}

func TestLeafZeroLengthValue(t *testing.T) {
	n := newTestLeaf(t, lowerSentinel, upperSentinel)
	require.NoError(t, n.TryPut([]byte("empty"), nil))
	val, probe := n.Get([]byte("empty"))
	assert.Equal(t, probeFound, probe)
	assert.Len(t, val, 0)
}

func TestLeafRejectsKeyOutsideFences(t *testing.T) {
	n := newTestLeaf(t, []byte("kkk"), []byte("nnn"))
	assert.ErrorIs(t, n.TryPut([]byte("aaa"), []byte("v")), errKeyOutOfFences)
	assert.ErrorIs(t, n.TryPut([]byte("nnn"), []byte("v")), errKeyOutOfFences,
		"upper fence is exclusive")
	assert.NoError(t, n.TryPut([]byte("kkk"), []byte("v")),
		"lower fence is inclusive")
}

func TestLeafTombstone(t *testing.T) {
	n := newTestLeaf(t, lowerSentinel, upperSentinel)
	require.NoError(t, n.TryPut([]byte("k"), []byte("v")))
	assert.True(t, n.MarkTombstone([]byte("k")))

	_, probe := n.Get([]byte("k"))
	assert.Equal(t, probeDeleted, probe, "a tombstoned key is definitively absent")
	assert.Equal(t, 1, n.UserEntryCount(), "tombstones keep their slot until flush")

	assert.False(t, n.MarkTombstone([]byte("missing")))
}

func TestLeafInsertTombstoneForDiskResidentKey(t *testing.T) {
	n := newTestLeaf(t, lowerSentinel, upperSentinel)
	require.NoError(t, n.InsertTombstone([]byte("on-disk-only")))
	_, probe := n.Get([]byte("on-disk-only"))
	assert.Equal(t, probeDeleted, probe)
}

func TestLeafRemoveKeyPhysical(t *testing.T) {
	n := newTestLeaf(t, lowerSentinel, upperSentinel)
	require.NoError(t, n.TryPut([]byte("a"), []byte("1")))
	require.NoError(t, n.TryPut([]byte("b"), []byte("2")))
	assert.True(t, n.RemoveKeyPhysical([]byte("a")))
	assert.Equal(t, 1, n.UserEntryCount())
	_, probe := n.Get([]byte("a"))
	assert.Equal(t, probeMiss, probe)
	val, probe := n.Get([]byte("b"))
	assert.Equal(t, probeFound, probe)
	assert.Equal(t, []byte("2"), val)
}

func TestLeafResetAndReplayRoundTrip(t *testing.T) {
	n := newTestLeaf(t, lowerSentinel, upperSentinel)
	var want []LeafEntry
	for i := 0; i < 20; i++ {
		key := []byte(fmt.Sprintf("key-%04d", i))
		val := []byte(fmt.Sprintf("val-%d", i))
		require.NoError(t, n.TryPut(key, val))
		want = append(want, LeafEntry{Key: key, Value: val, Typ: RecordInsert})
	}

	entries := n.Entries()
	n.ResetUserEntriesWithFences(lowerSentinel, upperSentinel)
	assert.Equal(t, 0, n.UserEntryCount())
	require.NoError(t, n.ReplayEntries(entries))

	got := n.Entries()
	require.Len(t, got, len(want))
	for i := range want {
		assert.Equal(t, want[i].Key, got[i].Key)
		assert.Equal(t, want[i].Value, got[i].Value)
	}
}

func TestLeafPrefixCompressionStoresSuffixes(t *testing.T) {
	n := newTestLeaf(t, []byte("key-0000"), []byte("key-9999"))
	require.NoError(t, n.TryPut([]byte("key-1234"), []byte("v")))
	free := n.FreeBytes()
	// Payload is the 4-byte suffix plus the value, not the full 8-byte key.
	used := SizeLeafPage.SizeInBytes() - nodeMetaSize -
		3*kvMetaSize - len("key-0000") - len("key-9999") - free
	assert.Equal(t, len("1234")+len("v"), used)

	val, probe := n.Get([]byte("key-1234"))
	assert.Equal(t, probeFound, probe)
	assert.Equal(t, []byte("v"), val)
}

func TestLeafInsufficientSpace(t *testing.T) {
	n := NewLeafNode(PageId(1), SizeN64, 0, []byte("a"), []byte("z"))
	big := bytes.Repeat([]byte("x"), 64)
	err := n.TryPut([]byte("b"), big)
	assert.True(t, errors.Is(err, errInsufficientSpace))
}

func TestLeafLookaheadOrdering(t *testing.T) {
	n := newTestLeaf(t, lowerSentinel, upperSentinel)
	keys := [][]byte{
		{0x01}, {0x01, 0x00}, {0x01, 0x00, 0x02}, {0x01, 0x01}, {0x02},
	}
	for i := len(keys) - 1; i >= 0; i-- {
		require.NoError(t, n.TryPut(keys[i], []byte{byte(i)}))
	}
	entries := n.Entries()
	require.Len(t, entries, len(keys))
	for i, e := range entries {
		assert.Equal(t, keys[i], e.Key, "entries must sort despite shared lookaheads")
	}
	for i, key := range keys {
		val, probe := n.Get(key)
		require.Equal(t, probeFound, probe)
		assert.Equal(t, []byte{byte(i)}, val)
	}
}

func TestLookaheadOf(t *testing.T) {
	assert.Equal(t, uint16(0), lookaheadOf(nil))
	assert.Equal(t, uint16(0x6100), lookaheadOf([]byte("a")))
	assert.Equal(t, uint16(0x6162), lookaheadOf([]byte("abc")))
}

func TestSizeClassFor(t *testing.T) {
	class, ok := SizeClassFor(40)
	require.True(t, ok)
	assert.Equal(t, SizeN64, class)
	class, ok = SizeClassFor(65)
	require.True(t, ok)
	assert.Equal(t, SizeN128, class)
	class, ok = SizeClassFor(4096)
	require.True(t, ok)
	assert.Equal(t, SizeLeafPage, class)
	_, ok = SizeClassFor(4097)
	assert.False(t, ok)
}
