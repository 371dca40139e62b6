package quickstep

import (
	"encoding/binary"
	"sync/atomic"
)

const freeListNone = ^uint64(0)

// MiniPageBuffer is the shared arena holding every mini-page.
//
//	         head                            tail
//	          |                               |
//	    +----------------------------------------------------+
//	    |     [  ][][  ][    ][][  ][][][]                   |
//	    +----------------------------------------------------+
//
// Slots are bump-allocated at the tail until the arena has been written once;
// after that allocation is fed by the per-class free lists, refilled by the
// second-chance eviction scan that advances head region by region.
type MiniPageBuffer struct {
	arena      []byte
	totalWords uint64
	// per size class, head of a LIFO list of free slots; the next pointer
	// lives in the word after the slot's meta word.
	freeLists [numSizeClasses]atomic.Uint64
	// start of unmanaged memory, in words
	tail atomic.Uint64
	// eviction scan cursor, in words
	head atomic.Uint64
}

// NewMiniPageBuffer sizes the arena at 2^cacheSizeLg bytes.
func NewMiniPageBuffer(cacheSizeLg int) *MiniPageBuffer {
	b := &MiniPageBuffer{
		arena:      make([]byte, 1<<cacheSizeLg),
		totalWords: 1 << cacheSizeLg >> 3,
	}
	for i := range b.freeLists {
		b.freeLists[i].Store(freeListNone)
	}
	return b
}

// NodeAt views the mini-page at idx. The slot's meta word carries its size
// class, so the slice bounds come from the slot itself.
func (b *MiniPageBuffer) NodeAt(idx MiniPageIndex) Node {
	off := uint64(idx) * 8
	head := Node(b.arena[off : off+nodeMetaSize])
	size := head.SizeClass()
	return Node(b.arena[off : off+uint64(size.SizeInBytes())])
}

// Alloc returns a slot for the given class, trying the matching free list
// before advancing the tail. ErrCacheExhausted asks the caller to evict.
func (b *MiniPageBuffer) Alloc(size NodeSize) (MiniPageIndex, error) {
	if idx, ok := b.popFreeList(size); ok {
		return idx, nil
	}

	req := uint64(size.SizeInWords())
	for i := 0; i < SpinRetries; i++ {
		tail := b.tail.Load()
		free := b.totalWords - tail
		if free >= req {
			if !b.tail.CompareAndSwap(tail, tail+req) {
				continue
			}
			// Stamp the class immediately so region walks stay sound while
			// the caller initialises the rest of the header.
			Node(b.arena[tail*8 : tail*8+nodeMetaSize]).setWord0(uint64(size) << 13)
			return MiniPageIndex(tail), nil
		}
		// Never split an allocation across the arena end: free-list the
		// remainder greedily by class and fall through to eviction.
		if free > 0 {
			if !b.tail.CompareAndSwap(tail, b.totalWords) {
				continue
			}
			b.freeListRemainder(tail, free)
			if idx, ok := b.popFreeList(size); ok {
				return idx, nil
			}
		}
		return 0, ErrCacheExhausted
	}
	return 0, ErrCacheExhausted
}

func (b *MiniPageBuffer) freeListRemainder(at, words uint64) {
	for words >= 8 {
		class := SizeN64
		for c := SizeLeafPage; c > SizeN64; c-- {
			if uint64(c.SizeInWords()) <= words {
				class = c
				break
			}
		}
		n := Node(b.arena[at*8 : at*8+nodeMetaSize])
		n.setWord0(uint64(class)<<13 | metaFreeListedBit)
		b.pushFreeList(class, MiniPageIndex(at))
		at += uint64(class.SizeInWords())
		words -= uint64(class.SizeInWords())
	}
}

// Dealloc marks the slot free-listed and pushes it on its class list. The
// old meta stays readable long enough for concurrent traversals to observe
// the eviction.
func (b *MiniPageBuffer) Dealloc(idx MiniPageIndex) {
	n := b.NodeAt(idx)
	class := n.SizeClass()
	n.SetLive(false)
	n.SetFreeListed(true)
	b.pushFreeList(class, idx)
}

func (b *MiniPageBuffer) pushFreeList(class NodeSize, idx MiniPageIndex) {
	list := &b.freeLists[class.Index()]
	nextOff := (uint64(idx) + 1) * 8
	for {
		head := list.Load()
		binary.LittleEndian.PutUint64(b.arena[nextOff:nextOff+8], head)
		if list.CompareAndSwap(head, uint64(idx)) {
			return
		}
	}
}

func (b *MiniPageBuffer) popFreeList(size NodeSize) (MiniPageIndex, bool) {
	list := &b.freeLists[size.Index()]
	head := list.Load()
	for i := 0; i < SpinRetries; i++ {
		if head == freeListNone {
			return 0, false
		}
		nextOff := (head + 1) * 8
		next := binary.LittleEndian.Uint64(b.arena[nextOff : nextOff+8])
		if list.CompareAndSwap(head, next) {
			// Re-stamp the class; the next pointer clobbered meta word 1.
			n := Node(b.arena[head*8 : head*8+nodeMetaSize])
			n.setWord0(uint64(size) << 13)
			return MiniPageIndex(head), true
		}
		head = list.Load()
	}
	return 0, false
}

// ScanStart returns the eviction cursor position.
func (b *MiniPageBuffer) ScanStart() uint64 { return b.head.Load() }

// AdvanceScan moves the eviction cursor past the region at idx, wrapping to
// the arena start when the walk runs off the allocated zone.
func (b *MiniPageBuffer) AdvanceScan(idx uint64, class NodeSize) uint64 {
	next := idx + uint64(class.SizeInWords())
	if next >= b.tail.Load() || next >= b.totalWords {
		next = 0
	}
	b.head.Store(next)
	return next
}

// Allocated reports whether any slot exists at or after the scan origin.
func (b *MiniPageBuffer) Allocated() bool { return b.tail.Load() > 0 }
