package quickstep

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// pageEntry is one mapping-table word.
//
//	| address | is_leaf | write pending | lock state |
//	|   48b   |   1b    |      1b       |    14b     |
//
// lock state counts readers; all ones is the write sentinel. pending_write
// is an advisory fairness hint set by a stalled writer to back readers off.
type pageEntry uint64

const writeLockState = uint64(1<<14) - 1

func leafEntry(addr uint64) pageEntry {
	return pageEntry(addr<<16 | 1<<15)
}

func miniPageEntryLocked(idx MiniPageIndex) pageEntry {
	return pageEntry(uint64(idx)<<16 | writeLockState)
}

func (e pageEntry) nodeRef() NodeRef {
	return NodeRef{Addr: uint64(e) >> 16, IsLeaf: uint64(e)>>15&1 == 1}
}

func (e pageEntry) state() uint64 { return uint64(e) & writeLockState }

func (e pageEntry) withState(s uint64) pageEntry {
	return pageEntry(uint64(e)&^writeLockState | s)
}

func (e pageEntry) pendingWrite() bool { return uint64(e)>>14&1 == 1 }

func (e pageEntry) withPendingWrite(v bool) pageEntry {
	out := uint64(e) &^ (1 << 14)
	if v {
		out |= 1 << 14
	}
	return pageEntry(out)
}

// MapTable maps PageId -> NodeRef and carries the per-entry RW lock that
// serialises every leaf <-> mini-page transition.
type MapTable struct {
	entries  []atomic.Uint64
	nextFree atomic.Uint64
}

func NewMapTable(leafUpperBound uint64) *MapTable {
	if leafUpperBound == 0 {
		panic("map table capacity must be > 0")
	}
	return &MapTable{entries: make([]atomic.Uint64, leafUpperBound)}
}

// InitLeafEntry installs the root leaf at slot zero. Called once per store.
func (mt *MapTable) InitLeafEntry(diskAddr uint64) PageId {
	mt.entries[0].Store(uint64(leafEntry(diskAddr)))
	mt.nextFree.Store(1)
	return PageId(0)
}

// RestoreLeafEntry reinstates a recovered page id during open, before any
// concurrent access exists.
func (mt *MapTable) RestoreLeafEntry(page PageId, diskAddr uint64) error {
	if uint64(page) >= uint64(len(mt.entries)) {
		return fmt.Errorf("%w: mapping table", ErrTreeFull)
	}
	mt.entries[page].Store(uint64(leafEntry(diskAddr)))
	for {
		next := mt.nextFree.Load()
		if next > uint64(page) || mt.nextFree.CompareAndSwap(next, uint64(page)+1) {
			return nil
		}
	}
}

// CreatePageEntry allocates a fresh page id pointing at the given mini-page
// and returns it write locked. Page ids are never reused while live.
func (mt *MapTable) CreatePageEntry(idx MiniPageIndex) (*PageWriteGuard, error) {
	target := mt.nextFree.Add(1) - 1
	if target >= uint64(len(mt.entries)) {
		return nil, fmt.Errorf("%w: mapping table", ErrTreeFull)
	}
	// Exclusive access: the slot index has been claimed but the page id has
	// not been published anywhere yet.
	mt.entries[target].Store(uint64(miniPageEntryLocked(idx)))
	return &PageWriteGuard{mt: mt, Page: PageId(target)}, nil
}

func (mt *MapTable) ref(page PageId) *atomic.Uint64 {
	return &mt.entries[page]
}

// ReadPageEntry spins while the entry is write locked or a writer is
// pending, then CAS-increments the reader count.
func (mt *MapTable) ReadPageEntry(page PageId) (*PageReadGuard, error) {
	ref := mt.ref(page)
	entry := pageEntry(ref.Load())
	for i := 0; i < SpinRetries; i++ {
		if entry.pendingWrite() || entry.state() >= writeLockState {
			runtime.Gosched()
			entry = pageEntry(ref.Load())
			continue
		}
		next := entry.withState(entry.state() + 1)
		if ref.CompareAndSwap(uint64(entry), uint64(next)) {
			return &PageReadGuard{mt: mt, Page: page}, nil
		}
		entry = pageEntry(ref.Load())
	}
	return nil, ErrPageLockFail
}

// WritePageEntry CASes the lock state from zero to the write sentinel. While
// blocked it sets pending_write to inhibit new readers.
func (mt *MapTable) WritePageEntry(page PageId) (*PageWriteGuard, error) {
	ref := mt.ref(page)
	entry := pageEntry(ref.Load())
	for i := 0; i < SpinRetries; i++ {
		if entry.state() == 0 {
			next := entry.withState(writeLockState).withPendingWrite(false)
			if ref.CompareAndSwap(uint64(entry), uint64(next)) {
				return &PageWriteGuard{mt: mt, Page: page}, nil
			}
			entry = pageEntry(ref.Load())
			continue
		}
		if !entry.pendingWrite() {
			next := entry.withPendingWrite(true)
			ref.CompareAndSwap(uint64(entry), uint64(next))
			entry = pageEntry(ref.Load())
			continue
		}
		runtime.Gosched()
		entry = pageEntry(ref.Load())
	}
	return nil, ErrPageLockFail
}

// TryWritePageEntry is a single-shot, non-spinning variant used by the
// eviction scan so it never stalls behind a busy page.
func (mt *MapTable) TryWritePageEntry(page PageId) (*PageWriteGuard, bool) {
	ref := mt.ref(page)
	entry := pageEntry(ref.Load())
	if entry.state() != 0 {
		return nil, false
	}
	next := entry.withState(writeLockState).withPendingWrite(false)
	if !ref.CompareAndSwap(uint64(entry), uint64(next)) {
		return nil, false
	}
	return &PageWriteGuard{mt: mt, Page: page}, true
}

// PageReadGuard is a held read lock on one mapping-table entry. Guards are
// released explicitly; there is no implicit drop.
type PageReadGuard struct {
	mt   *MapTable
	Page PageId
	done bool
}

func (g *PageReadGuard) NodeRef() NodeRef {
	return pageEntry(g.mt.ref(g.Page).Load()).nodeRef()
}

func (g *PageReadGuard) Release() {
	if g.done {
		return
	}
	g.done = true
	ref := g.mt.ref(g.Page)
	for {
		entry := pageEntry(ref.Load())
		next := entry.withState(entry.state() - 1)
		if ref.CompareAndSwap(uint64(entry), uint64(next)) {
			return
		}
	}
}

// Upgrade promotes a sole reader to writer. On contention the read lock is
// left in place and the caller keeps using this guard.
func (g *PageReadGuard) Upgrade() (*PageWriteGuard, error) {
	ref := g.mt.ref(g.Page)
	entry := pageEntry(ref.Load())
	for i := 0; i < SpinRetries; i++ {
		if entry.state() != 1 {
			runtime.Gosched()
			entry = pageEntry(ref.Load())
			continue
		}
		next := entry.withState(writeLockState)
		if ref.CompareAndSwap(uint64(entry), uint64(next)) {
			g.done = true
			return &PageWriteGuard{mt: g.mt, Page: g.Page}, nil
		}
		entry = pageEntry(ref.Load())
	}
	return nil, ErrPageLockFail
}

// PageWriteGuard is a held write lock on one mapping-table entry. Only its
// holder may rewrite the address half.
type PageWriteGuard struct {
	mt   *MapTable
	Page PageId
	done bool
}

func (g *PageWriteGuard) NodeRef() NodeRef {
	return pageEntry(g.mt.ref(g.Page).Load()).nodeRef()
}

// SetMiniPage points the entry at a mini-page slot, keeping the write lock.
func (g *PageWriteGuard) SetMiniPage(idx MiniPageIndex) {
	g.mt.ref(g.Page).Store(uint64(miniPageEntryLocked(idx)))
}

// SetLeaf points the entry back at a disk address, keeping the write lock.
func (g *PageWriteGuard) SetLeaf(addr uint64) {
	g.mt.ref(g.Page).Store(uint64(leafEntry(addr).withState(writeLockState)))
}

func (g *PageWriteGuard) Release() {
	if g.done {
		return
	}
	g.done = true
	ref := g.mt.ref(g.Page)
	for {
		entry := pageEntry(ref.Load())
		next := entry.withState(0)
		if ref.CompareAndSwap(uint64(entry), uint64(next)) {
			return
		}
	}
}

// Downgrade converts the write lock into a read lock with a blind store; the
// only concurrent modification possible is a pending_write flag.
func (g *PageWriteGuard) Downgrade() *PageReadGuard {
	g.done = true
	ref := g.mt.ref(g.Page)
	entry := pageEntry(ref.Load())
	ref.Store(uint64(entry.withState(1)))
	return &PageReadGuard{mt: g.mt, Page: g.Page}
}
