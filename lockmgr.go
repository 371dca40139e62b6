package quickstep

// PageHandle is a transaction's hold on one page: the mapping-table guard
// (read or write) plus a side cache of the on-disk leaf image so repeated
// fall-through reads avoid re-reading the file.
type PageHandle struct {
	page     PageId
	read     *PageReadGuard
	write    *PageWriteGuard
	leaf     Node
	borrowed bool
}

func (h *PageHandle) IsWrite() bool { return h.write != nil }

// borrow marks the handle in use for one operation. Transactions are single
// threaded, so a second borrow means a reentrancy bug, not contention.
func (h *PageHandle) borrow() {
	if h.borrowed {
		panic("page handle already borrowed")
	}
	h.borrowed = true
}

func (h *PageHandle) unborrow() { h.borrowed = false }

func (h *PageHandle) NodeRef() NodeRef {
	if h.write != nil {
		return h.write.NodeRef()
	}
	return h.read.NodeRef()
}

// WriteGuard returns the held write guard; EnsureWrite must have succeeded.
func (h *PageHandle) WriteGuard() *PageWriteGuard {
	if h.write == nil {
		panic("page handle does not hold a write guard")
	}
	return h.write
}

// EnsureWrite upgrades the held read guard in place. On contention the read
// lock stays untouched and the caller sees a retriable error.
func (h *PageHandle) EnsureWrite() error {
	if h.write != nil {
		return nil
	}
	w, err := h.read.Upgrade()
	if err != nil {
		return err
	}
	h.read = nil
	h.write = w
	return nil
}

// LoadLeaf reads (once) and caches the disk image at addr.
func (h *PageHandle) LoadLeaf(io *IoEngine, addr uint64) (Node, error) {
	if h.leaf != nil {
		return h.leaf, nil
	}
	leaf, err := io.GetPage(addr)
	if err != nil {
		return nil, err
	}
	h.leaf = leaf
	return leaf, nil
}

// InvalidateLeaf drops the cached image after the disk copy changed.
func (h *PageHandle) InvalidateLeaf() { h.leaf = nil }

func (h *PageHandle) release() {
	if h.write != nil {
		h.write.Release()
		h.write = nil
	}
	if h.read != nil {
		h.read.Release()
		h.read = nil
	}
}

// LockManager caches the page handles a transaction holds. Locks persist for
// the length of the transaction; a borrowed flag enforces one outstanding
// use per page at a time (transactions are single threaded).
type LockManager struct {
	locks map[PageId]*PageHandle
}

func NewLockManager() *LockManager {
	return &LockManager{locks: make(map[PageId]*PageHandle)}
}

func (lm *LockManager) handle(page PageId) *PageHandle {
	return lm.locks[page]
}

// GetOrAcquireRead returns the held handle for page, taking a read lock when
// the page is seen for the first time. fresh reports a newly taken lock.
func (lm *LockManager) GetOrAcquireRead(mt *MapTable, page PageId) (h *PageHandle, fresh bool, err error) {
	if h := lm.locks[page]; h != nil {
		return h, false, nil
	}
	guard, err := mt.ReadPageEntry(page)
	if err != nil {
		return nil, false, err
	}
	h = &PageHandle{page: page, read: guard}
	lm.locks[page] = h
	return h, true, nil
}

// GetUpgradeOrAcquireWrite returns the held handle upgraded to a write lock,
// acquiring one when the page is new to the transaction.
func (lm *LockManager) GetUpgradeOrAcquireWrite(mt *MapTable, page PageId) (h *PageHandle, fresh bool, err error) {
	if h := lm.locks[page]; h != nil {
		return h, false, h.EnsureWrite()
	}
	guard, err := mt.WritePageEntry(page)
	if err != nil {
		return nil, false, err
	}
	h = &PageHandle{page: page, write: guard}
	lm.locks[page] = h
	return h, true, nil
}

// InsertWriteLock adopts a guard obtained elsewhere (page creation during a
// split) into the transaction's lock set.
func (lm *LockManager) InsertWriteLock(guard *PageWriteGuard) *PageHandle {
	h := &PageHandle{page: guard.Page, write: guard}
	lm.locks[guard.Page] = h
	return h
}

// Drop releases and forgets a handle; used when routing raced with a split
// and the freshly locked page turned out not to cover the key.
func (lm *LockManager) Drop(page PageId) {
	if h := lm.locks[page]; h != nil {
		h.release()
		delete(lm.locks, page)
	}
}

// ReleaseAll ends the transaction's hold on every page.
func (lm *LockManager) ReleaseAll() {
	for page, h := range lm.locks {
		h.release()
		delete(lm.locks, page)
	}
}
