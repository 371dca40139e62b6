package quickstep

import (
	"bytes"
	"encoding/binary"
	"errors"
)

var errInsufficientSpace = errors.New("insufficient space in node")

// Node is the slotted layout shared by on-disk leaf pages and in-memory
// mini-pages, viewed over a byte slice.
//
// Low to high: NodeMeta (two words), a left-growing KVMeta directory, free
// space, then a right-growing heap of key/value bytes. Slot 0 is the lower
// fence, slot count-1 the upper fence; user slots sit between them in key
// order. Fence keys are stored in full, user keys without the common prefix
// of the two fences.
type Node []byte

// NodeMeta word 0:
//
//	| disk addr | size | evicting | free-listed | live | split | record count |
//	|    48b    |  3b  |    1b    |     1b      |  1b  |  1b   |      9b      |
//
// NodeMeta word 1:
//
//	| page id | free bytes |
//	|   48b   |    16b     |
const (
	metaLiveBit       = 1 << 10
	metaSplitBit      = 1 << 9
	metaEvictingBit   = 1 << 12
	metaFreeListedBit = 1 << 11
	metaCountMask     = 0x1FF
)

func (n Node) word0() uint64     { return binary.LittleEndian.Uint64(n[0:8]) }
func (n Node) setWord0(v uint64) { binary.LittleEndian.PutUint64(n[0:8], v) }
func (n Node) word1() uint64     { return binary.LittleEndian.Uint64(n[8:16]) }
func (n Node) setWord1(v uint64) { binary.LittleEndian.PutUint64(n[8:16], v) }

func (n Node) DiskAddr() uint64 { return n.word0() >> 16 }

func (n Node) SetDiskAddr(addr uint64) {
	n.setWord0(n.word0()&0xFFFF | addr<<16)
}

func (n Node) SizeClass() NodeSize { return NodeSize((n.word0() >> 13) & 0b111) }

func (n Node) Live() bool { return n.word0()&metaLiveBit != 0 }

func (n Node) SetLive(v bool) { n.setBit(metaLiveBit, v) }

func (n Node) Evicting() bool { return n.word0()&metaEvictingBit != 0 }

func (n Node) SetEvicting(v bool) { n.setBit(metaEvictingBit, v) }

func (n Node) FreeListed() bool { return n.word0()&metaFreeListedBit != 0 }

func (n Node) SetFreeListed(v bool) { n.setBit(metaFreeListedBit, v) }

func (n Node) Splitting() bool { return n.word0()&metaSplitBit != 0 }

func (n Node) SetSplitting(v bool) { n.setBit(metaSplitBit, v) }

func (n Node) setBit(mask uint64, v bool) {
	w := n.word0() &^ mask
	if v {
		w |= mask
	}
	n.setWord0(w)
}

func (n Node) RecordCount() int { return int(n.word0() & metaCountMask) }

func (n Node) setRecordCount(c int) {
	n.setWord0(n.word0()&^uint64(metaCountMask) | uint64(c)&metaCountMask)
}

func (n Node) PageId() PageId { return PageId(n.word1() >> 16) }

func (n Node) FreeBytes() int { return int(n.word1() & 0xFFFF) }

func (n Node) setFreeBytes(f int) {
	n.setWord1(n.word1()&^uint64(0xFFFF) | uint64(f)&0xFFFF)
}

// ResetHeader reinstalls the node header for the given identity and size,
// leaving the node empty (no fences yet).
func (n Node) ResetHeader(page PageId, size NodeSize, diskAddr uint64) {
	w0 := diskAddr<<16 | uint64(size)<<13 | metaLiveBit
	n.setWord0(w0)
	n.setWord1(uint64(page)<<16 | uint64(size.SizeInBytes()-nodeMetaSize))
}

func (n Node) kvMeta(i int) KVMeta {
	off := nodeMetaSize + kvMetaSize*i
	return KVMeta(binary.LittleEndian.Uint64(n[off : off+8]))
}

func (n Node) setKVMeta(i int, m KVMeta) {
	off := nodeMetaSize + kvMetaSize*i
	binary.LittleEndian.PutUint64(n[off:off+8], uint64(m))
}

func (n Node) storedKey(m KVMeta) []byte {
	return n[m.Offset() : m.Offset()+m.KeySize()]
}

func (n Node) storedVal(m KVMeta) []byte {
	off := m.Offset() + m.KeySize()
	return n[off : off+m.ValSize()]
}

// LowerFence / UpperFence return the bracketing keys. Both are stored in
// full; lower is inclusive, upper exclusive.
func (n Node) LowerFence() []byte { return n.storedKey(n.kvMeta(0)) }

func (n Node) UpperFence() []byte { return n.storedKey(n.kvMeta(n.RecordCount() - 1)) }

// Prefix is the longest common prefix of the two fences. It is never stored;
// user keys shorter than it cannot exist inside the fence interval.
func (n Node) Prefix() []byte {
	lower, upper := n.LowerFence(), n.UpperFence()
	i := 0
	for i < len(lower) && i < len(upper) && lower[i] == upper[i] {
		i++
	}
	return lower[:i]
}

// Covers reports whether key falls inside [lower, upper).
func (n Node) Covers(key []byte) bool {
	return bytes.Compare(key, n.LowerFence()) >= 0 && bytes.Compare(key, n.UpperFence()) < 0
}

func (n Node) UserEntryCount() int { return n.RecordCount() - 2 }

// binarySearch locates the user slot holding suffix, or the index where it
// would be inserted. The 16-bit lookahead prunes without touching the heap.
func (n Node) binarySearch(suffix []byte) (int, bool) {
	target := lookaheadOf(suffix)
	lo := 1
	hi := n.RecordCount() - 1
	for lo < hi {
		mid := (lo + hi) / 2
		m := n.kvMeta(mid)
		switch {
		case target < m.Lookahead():
			hi = mid
		case target > m.Lookahead():
			lo = mid + 1
		default:
			switch bytes.Compare(suffix, n.storedKey(m)) {
			case -1:
				hi = mid
			case 1:
				lo = mid + 1
			default:
				return mid, true
			}
		}
	}
	return lo, false
}

// leafProbe is the result of looking a key up in a single node image.
type leafProbe int

const (
	probeMiss    leafProbe = iota // no slot; consult the disk image
	probeFound                    // slot with exists=true
	probeDeleted                  // tombstone or phantom slot
)

// Get looks key up in this node image alone.
func (n Node) Get(key []byte) ([]byte, leafProbe) {
	if !n.Covers(key) {
		return nil, probeMiss
	}
	suffix := key[len(n.Prefix()):]
	idx, found := n.binarySearch(suffix)
	if !found {
		return nil, probeMiss
	}
	m := n.kvMeta(idx)
	if !m.Type().Exists() {
		return nil, probeDeleted
	}
	return n.storedVal(m), probeFound
}

// allocPayload carves payloadLen bytes off the top of the free region and
// returns the heap offset. The caller has already checked the space.
func (n Node) allocPayload(payloadLen int) int {
	dirEnd := nodeMetaSize + kvMetaSize*n.RecordCount()
	off := dirEnd + n.FreeBytes() - payloadLen
	n.setFreeBytes(n.FreeBytes() - payloadLen)
	return off
}

// insertSlotAt shifts the directory one slot right from idx and installs m.
func (n Node) insertSlotAt(idx int, m KVMeta) {
	count := n.RecordCount()
	start := nodeMetaSize + kvMetaSize*idx
	end := nodeMetaSize + kvMetaSize*count
	copy(n[start+kvMetaSize:end+kvMetaSize], n[start:end])
	n.setKVMeta(idx, m)
	n.setRecordCount(count + 1)
	n.setFreeBytes(n.FreeBytes() - kvMetaSize)
}

// removeSlotAt shifts the directory one slot left over idx. Heap bytes are
// not reclaimed until the node is rebuilt.
func (n Node) removeSlotAt(idx int) {
	count := n.RecordCount()
	start := nodeMetaSize + kvMetaSize*idx
	end := nodeMetaSize + kvMetaSize*count
	copy(n[start:end-kvMetaSize], n[start+kvMetaSize:end])
	n.setRecordCount(count - 1)
	n.setFreeBytes(n.FreeBytes() + kvMetaSize)
}

// TryPut inserts or updates key with val and marks the slot dirty. Equal
// value lengths overwrite in place; other updates reallocate in the heap.
// Space that cannot be found reports errInsufficientSpace so the caller can
// grow, consolidate or split.
func (n Node) TryPut(key, val []byte) error {
	return n.tryPutTyped(key, val, RecordInsert)
}

func (n Node) tryPutTyped(key, val []byte, typ KVRecordType) error {
	if !n.Covers(key) {
		return errKeyOutOfFences
	}
	suffix := key[len(n.Prefix()):]
	idx, found := n.binarySearch(suffix)
	if found {
		m := n.kvMeta(idx)
		if m.ValSize() == len(val) {
			copy(n.storedVal(m), val)
			n.setKVMeta(idx, m.WithType(typ))
			return nil
		}
		// Different length: leave the old payload as garbage and
		// reallocate. Consolidation reclaims it.
		payload := len(suffix) + len(val)
		if n.FreeBytes() < payload {
			return errInsufficientSpace
		}
		off := n.allocPayload(payload)
		copy(n[off:], suffix)
		copy(n[off+len(suffix):], val)
		n.setKVMeta(idx, NewKVMeta(len(suffix), len(val), off, typ, false, m.Lookahead()))
		return nil
	}

	payload := len(suffix) + len(val)
	if n.FreeBytes() < payload+kvMetaSize {
		return errInsufficientSpace
	}
	off := n.allocPayload(payload)
	copy(n[off:], suffix)
	copy(n[off+len(suffix):], val)
	n.insertSlotAt(idx, NewKVMeta(len(suffix), len(val), off, typ, false, lookaheadOf(suffix)))
	return nil
}

// InsertTombstone records the deletion of a key this node image does not
// hold yet (the live record sits on the disk image).
func (n Node) InsertTombstone(key []byte) error {
	return n.tryPutTyped(key, nil, RecordTombstone)
}

// MarkTombstone flips an existing slot to TOMBSTONE without reclaiming its
// bytes. Physical removal happens at flush.
func (n Node) MarkTombstone(key []byte) bool {
	if !n.Covers(key) {
		return false
	}
	suffix := key[len(n.Prefix()):]
	idx, found := n.binarySearch(suffix)
	if !found {
		return false
	}
	n.setKVMeta(idx, n.kvMeta(idx).WithType(RecordTombstone))
	return true
}

// RemoveKeyPhysical erases the slot directory entry for key. Used by undo
// and replay paths.
func (n Node) RemoveKeyPhysical(key []byte) bool {
	if !n.Covers(key) {
		return false
	}
	suffix := key[len(n.Prefix()):]
	idx, found := n.binarySearch(suffix)
	if !found {
		return false
	}
	n.removeSlotAt(idx)
	return true
}

// LeafEntry is a materialized user record with its full key.
type LeafEntry struct {
	Key   []byte
	Value []byte
	Typ   KVRecordType
}

// Entries materializes the user slots in key order with full keys.
func (n Node) Entries() []LeafEntry {
	prefix := n.Prefix()
	count := n.RecordCount()
	out := make([]LeafEntry, 0, count-2)
	for i := 1; i < count-1; i++ {
		m := n.kvMeta(i)
		key := make([]byte, 0, len(prefix)+m.KeySize())
		key = append(key, prefix...)
		key = append(key, n.storedKey(m)...)
		val := make([]byte, m.ValSize())
		copy(val, n.storedVal(m))
		out = append(out, LeafEntry{Key: key, Value: val, Typ: m.Type()})
	}
	return out
}

// ResetUserEntriesWithFences empties the node, reinstalling only the two
// fence slots over a fresh heap.
func (n Node) ResetUserEntriesWithFences(lower, upper []byte) {
	page, size, addr := n.PageId(), n.SizeClass(), n.DiskAddr()
	n.ResetHeader(page, size, addr)
	n.appendFence(lower)
	n.appendFence(upper)
}

func (n Node) appendFence(key []byte) {
	off := n.allocPayload(len(key))
	copy(n[off:], key)
	count := n.RecordCount()
	n.setKVMeta(count, NewKVMeta(len(key), 0, off, RecordCache, true, 0))
	n.setRecordCount(count + 1)
	n.setFreeBytes(n.FreeBytes() - kvMetaSize)
}

// ReplayEntries re-inserts entries (ascending by key, all inside the fences)
// preserving prefix compression. The node must have been reset first.
func (n Node) ReplayEntries(entries []LeafEntry) error {
	prefix := n.Prefix()
	for _, e := range entries {
		suffix := e.Key[len(prefix):]
		payload := len(suffix) + len(e.Value)
		if n.FreeBytes() < payload+kvMetaSize {
			return errInsufficientSpace
		}
		off := n.allocPayload(payload)
		copy(n[off:], suffix)
		copy(n[off+len(suffix):], e.Value)
		// Insert just below the upper fence to keep the directory sorted.
		n.insertSlotAt(n.RecordCount()-1,
			NewKVMeta(len(suffix), len(e.Value), off, e.Typ, false, lookaheadOf(suffix)))
	}
	return nil
}

// NewLeafNode builds an empty leaf image of the given class.
func NewLeafNode(page PageId, size NodeSize, diskAddr uint64, lower, upper []byte) Node {
	n := Node(make([]byte, size.SizeInBytes()))
	n.ResetHeader(page, size, diskAddr)
	n.appendFence(lower)
	n.appendFence(upper)
	return n
}
