package quickstep

import (
	"bytes"
	"errors"
	"fmt"
)

// MaxValueLength keeps any single record storable on one leaf page next to
// its key and the fence slots.
const MaxValueLength = PageSize - 512

// Tx is a single-threaded transaction over the store. Page locks accumulate
// for the transaction's lifetime (strict two-phase locking); the undo log
// supports deferred rollback on Abort. A Tx must finish with Commit, Abort
// or Close.
type Tx struct {
	db      *QuickStep
	lm      *LockManager
	undo    []undoEntry
	touched map[PageId]struct{}
	txnID   uint64
	began   bool
	done    bool
}

type undoEntry struct {
	key     []byte
	prev    []byte
	hadPrev bool
}

func (tx *Tx) begin() error {
	if tx.began {
		return nil
	}
	tx.began = true
	if tx.db.recovering {
		return nil
	}
	return tx.db.wal.AppendTxnMarker(WalTxnBegin, tx.txnID)
}

func checkWriteKey(key []byte) error {
	if len(key) > MaxKeyLength {
		return ErrKeyTooLarge
	}
	if len(key) == 0 ||
		bytes.Compare(key, lowerSentinel) <= 0 ||
		bytes.Compare(key, upperSentinel) >= 0 {
		return ErrKeyOutOfRange
	}
	return nil
}

// nodeFor returns the image to consult for fence checks: the resident
// mini-page if any, the cached disk leaf otherwise.
func (tx *Tx) nodeFor(h *PageHandle) (Node, error) {
	ref := h.NodeRef()
	if !ref.IsLeaf {
		return tx.db.cache.NodeAt(MiniPageIndex(ref.Addr)), nil
	}
	return h.LoadLeaf(tx.db.io, ref.Addr)
}

// routeRead descends to the leaf for key and read-locks its entry,
// re-traversing when a concurrent split moved the key between the descent
// and the lock.
func (tx *Tx) routeRead(key []byte) (*PageHandle, error) {
	for attempt := 0; attempt < SpinRetries; attempt++ {
		page, err := tx.db.tree.ReadTraverseLeaf(key)
		if err != nil {
			return nil, err
		}
		h, fresh, err := tx.lm.GetOrAcquireRead(tx.db.mapTable, page)
		if err != nil {
			return nil, err
		}
		n, err := tx.nodeFor(h)
		if err != nil {
			return nil, err
		}
		if n.Covers(key) {
			return h, nil
		}
		if fresh {
			tx.lm.Drop(page)
		}
	}
	return nil, ErrOLCRetriesExceeded
}

// routeWrite is routeRead with a write lock, upgrading in place when the
// transaction already holds the page.
func (tx *Tx) routeWrite(key []byte) (*PageHandle, error) {
	for attempt := 0; attempt < SpinRetries; attempt++ {
		page, err := tx.db.tree.ReadTraverseLeaf(key)
		if err != nil {
			return nil, err
		}
		h, fresh, err := tx.lm.GetUpgradeOrAcquireWrite(tx.db.mapTable, page)
		if err != nil {
			return nil, err
		}
		n, err := tx.nodeFor(h)
		if err != nil {
			return nil, err
		}
		if n.Covers(key) {
			return h, nil
		}
		if fresh {
			tx.lm.Drop(page)
		}
	}
	return nil, ErrOLCRetriesExceeded
}

// currentValue resolves the pre-image of key on the locked page: the
// mini-page first, falling through to the disk image.
func (tx *Tx) currentValue(h *PageHandle, key []byte) ([]byte, bool, error) {
	ref := h.NodeRef()
	if !ref.IsLeaf {
		mini := tx.db.cache.NodeAt(MiniPageIndex(ref.Addr))
		if val, probe := mini.Get(key); probe == probeFound {
			return cloneBytes(val), true, nil
		} else if probe == probeDeleted {
			return nil, false, nil
		}
		leaf, err := h.LoadLeaf(tx.db.io, mini.DiskAddr())
		if err != nil {
			return nil, false, err
		}
		val, probe := leaf.Get(key)
		if probe == probeFound {
			return cloneBytes(val), true, nil
		}
		return nil, false, nil
	}
	leaf, err := h.LoadLeaf(tx.db.io, ref.Addr)
	if err != nil {
		return nil, false, err
	}
	val, probe := leaf.Get(key)
	if probe == probeFound {
		return cloneBytes(val), true, nil
	}
	return nil, false, nil
}

// Get returns the value of key, or nil when absent.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	if tx.done {
		return nil, ErrTxDone
	}
	if len(key) > MaxKeyLength {
		return nil, ErrKeyTooLarge
	}
	if len(key) == 0 ||
		bytes.Compare(key, lowerSentinel) <= 0 ||
		bytes.Compare(key, upperSentinel) >= 0 {
		return nil, nil
	}
	h, err := tx.routeRead(key)
	if err != nil {
		return nil, err
	}
	val, found, err := tx.currentValue(h, key)
	if err != nil || !found {
		return nil, err
	}
	return val, nil
}

// applyOnPage lands one mutation on the locked page's mini-page, growing it
// through the size classes and consolidating when the write-through budget
// runs out. errNeedSplit reports a full union.
func (tx *Tx) applyOnPage(h *PageHandle, key, val []byte, tombstone bool) error {
	h.borrow()
	defer h.unborrow()

	db := tx.db
	mini, err := db.ensureMiniPage(h)
	if err != nil {
		return err
	}
	need := kvMetaSize + len(key) + len(val)

	if mini.SizeClass() != SizeLeafPage && !tombstone {
		if hint, ok := db.diskFreeHint(h.page); ok && hint < need {
			mini, err = db.consolidateMiniPage(h, mini)
			if errors.Is(err, errInsufficientSpace) {
				return errNeedSplit
			}
			if err != nil {
				return err
			}
		}
	}

	rebuilt := false
	for {
		if tombstone {
			err = mini.InsertTombstone(key)
		} else {
			err = mini.TryPut(key, val)
		}
		switch {
		case err == nil:
			if mini.SizeClass() != SizeLeafPage && !tombstone {
				db.decDiskFreeHint(h.page, need)
			}
			return nil
		case errors.Is(err, errInsufficientSpace):
			if mini.SizeClass() < SizeLeafPage {
				mini, err = db.growMiniPage(h, mini, need)
				if errors.Is(err, errInsufficientSpace) || errors.Is(err, ErrCacheExhausted) {
					// The split path frees this page's slot before it
					// allocates, so it can succeed where growth cannot.
					return errNeedSplit
				}
				if err != nil {
					return err
				}
				continue
			}
			if !rebuilt {
				// Reclaim heap garbage from reallocating updates before
				// giving up on the page.
				rebuilt = true
				mini, err = db.consolidateMiniPage(h, mini)
				if errors.Is(err, errInsufficientSpace) || errors.Is(err, ErrCacheExhausted) {
					return errNeedSplit
				}
				if err != nil {
					return err
				}
				continue
			}
			return errNeedSplit
		default:
			return err
		}
	}
}

// Put inserts or replaces key with val.
func (tx *Tx) Put(key, val []byte) error {
	if tx.done {
		return ErrTxDone
	}
	if err := checkWriteKey(key); err != nil {
		return err
	}
	if len(val) > MaxValueLength {
		return ErrValueTooLarge
	}
	if err := tx.begin(); err != nil {
		return err
	}

	for attempt := 0; attempt < SpinRetries; attempt++ {
		h, err := tx.routeWrite(key)
		if err != nil {
			return err
		}
		prev, hadPrev, err := tx.currentValue(h, key)
		if err != nil {
			return err
		}

		err = tx.applyOnPage(h, key, val, false)
		if errors.Is(err, errNeedSplit) {
			if err := tx.db.splitLeaf(tx.lm, h); err != nil {
				if IsRetriable(err) {
					// The page was demoted to its packed image; re-route
					// and try again against the drained cache.
					continue
				}
				return fmt.Errorf("%w: %v", ErrSplitFailed, err)
			}
			continue
		}
		if errors.Is(err, errKeyOutOfFences) {
			continue
		}
		if err != nil {
			return err
		}

		return tx.journalPut(h, key, val, prev, hadPrev)
	}
	return ErrOLCRetriesExceeded
}

func (tx *Tx) journalPut(h *PageHandle, key, val, prev []byte, hadPrev bool) error {
	if tx.db.recovering {
		return nil
	}
	n, err := tx.nodeFor(h)
	if err != nil {
		return err
	}
	lower, upper := n.LowerFence(), n.UpperFence()
	if err := tx.db.wal.AppendPut(h.page, key, val, lower, upper, WalRedo, tx.txnID); err != nil {
		return err
	}
	if hadPrev {
		if err := tx.db.wal.AppendPut(h.page, key, prev, lower, upper, WalUndo, tx.txnID); err != nil {
			return err
		}
	} else {
		if err := tx.db.wal.AppendTombstone(h.page, key, lower, upper, WalUndo, tx.txnID); err != nil {
			return err
		}
	}
	tx.undo = append(tx.undo, undoEntry{key: cloneBytes(key), prev: prev, hadPrev: hadPrev})
	tx.touched[h.page] = struct{}{}
	return nil
}

// Delete tombstones key and reports whether it existed. An underflowing
// leaf opportunistically merges with its sibling.
func (tx *Tx) Delete(key []byte) (bool, error) {
	if tx.done {
		return false, ErrTxDone
	}
	if err := checkWriteKey(key); err != nil {
		if errors.Is(err, ErrKeyOutOfRange) {
			return false, nil
		}
		return false, err
	}

	for attempt := 0; attempt < SpinRetries; attempt++ {
		h, err := tx.routeWrite(key)
		if err != nil {
			return false, err
		}
		prev, hadPrev, err := tx.currentValue(h, key)
		if err != nil {
			return false, err
		}
		if !hadPrev {
			return false, nil
		}
		if err := tx.begin(); err != nil {
			return false, err
		}

		err = tx.applyOnPage(h, key, nil, true)
		if errors.Is(err, errNeedSplit) {
			if err := tx.db.splitLeaf(tx.lm, h); err != nil {
				if IsRetriable(err) {
					continue
				}
				return false, fmt.Errorf("%w: %v", ErrSplitFailed, err)
			}
			continue
		}
		if errors.Is(err, errKeyOutOfFences) {
			continue
		}
		if err != nil {
			return false, err
		}

		if !tx.db.recovering {
			n, err := tx.nodeFor(h)
			if err != nil {
				return false, err
			}
			lower, upper := n.LowerFence(), n.UpperFence()
			if err := tx.db.wal.AppendTombstone(h.page, key, lower, upper, WalRedo, tx.txnID); err != nil {
				return false, err
			}
			if err := tx.db.wal.AppendPut(h.page, key, prev, lower, upper, WalUndo, tx.txnID); err != nil {
				return false, err
			}
			tx.undo = append(tx.undo, undoEntry{key: cloneBytes(key), prev: prev, hadPrev: true})
			tx.touched[h.page] = struct{}{}
		}

		if count, err := tx.liveCount(h); err == nil && count <= 3 {
			tx.tryAutoMerge(h)
		}
		return true, nil
	}
	return false, ErrOLCRetriesExceeded
}

// liveCount counts the user records visible on the page (disk union).
func (tx *Tx) liveCount(h *PageHandle) (int, error) {
	ref := h.NodeRef()
	if ref.IsLeaf {
		leaf, err := h.LoadLeaf(tx.db.io, ref.Addr)
		if err != nil {
			return 0, err
		}
		return len(unionEntries(leaf.Entries(), nil, false)), nil
	}
	mini := tx.db.cache.NodeAt(MiniPageIndex(ref.Addr))
	if mini.SizeClass() == SizeLeafPage {
		// A full-size mini-page is the whole union.
		return len(unionEntries(nil, mini.Entries(), false)), nil
	}
	leaf, err := h.LoadLeaf(tx.db.io, mini.DiskAddr())
	if err != nil {
		return 0, err
	}
	return len(unionEntries(leaf.Entries(), mini.Entries(), false)), nil
}

// tryAutoMerge folds the underflowing page into a sibling when the sibling
// lock and capacity allow. Best effort: contention or an oversized result
// simply leaves the leaf sparse.
func (tx *Tx) tryAutoMerge(h *PageHandle) {
	db := tx.db
	db.tree.smo.Lock()
	defer db.tree.smo.Unlock()

	level, _ := db.tree.rootInfo()
	if level == 0 {
		return
	}
	n, err := tx.nodeFor(h)
	if err != nil {
		return
	}
	routing := cloneBytes(n.LowerFence())
	path, found := db.tree.pathToLeaf(routing)
	if found != h.page {
		return
	}
	sib, _, sibRight, err := db.tree.siblingOf(path, h.page, routing)
	if err != nil {
		return
	}
	sh, _, err := tx.lm.GetUpgradeOrAcquireWrite(db.mapTable, sib)
	if err != nil {
		return
	}
	if sibRight {
		err = db.mergeLeavesLocked(h, sh)
	} else {
		err = db.mergeLeavesLocked(sh, h)
	}
	if err == nil {
		// Cascade: the survivor may still be sparse enough to merge again.
		survivor := h
		if !sibRight {
			survivor = sh
		}
		if count, cerr := tx.liveCount(survivor); cerr == nil && count <= 3 {
			tx.tryAutoMergeLocked(survivor)
		}
	}
}

// tryAutoMergeLocked is the cascade step, called with smo already held.
func (tx *Tx) tryAutoMergeLocked(h *PageHandle) {
	db := tx.db
	level, _ := db.tree.rootInfo()
	if level == 0 {
		return
	}
	n, err := tx.nodeFor(h)
	if err != nil {
		return
	}
	routing := cloneBytes(n.LowerFence())
	path, found := db.tree.pathToLeaf(routing)
	if found != h.page {
		return
	}
	sib, _, sibRight, err := db.tree.siblingOf(path, h.page, routing)
	if err != nil {
		return
	}
	sh, _, err := tx.lm.GetUpgradeOrAcquireWrite(db.mapTable, sib)
	if err != nil {
		return
	}
	if sibRight {
		db.mergeLeavesLocked(h, sh)
	} else {
		db.mergeLeavesLocked(sh, h)
	}
}

// Commit makes the transaction durable: the commit marker is fsynced before
// Commit returns, then checkpoint triggers run opportunistically.
func (tx *Tx) Commit() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	db := tx.db

	if tx.began && !db.recovering {
		if err := db.wal.AppendTxnMarker(WalTxnCommit, tx.txnID); err != nil {
			tx.undo = nil
			tx.lm.ReleaseAll()
			db.unregisterTx(tx)
			return err
		}
	}
	tx.undo = nil
	touched := make([]PageId, 0, len(tx.touched))
	for page := range tx.touched {
		touched = append(touched, page)
	}
	tx.lm.ReleaseAll()
	db.unregisterTx(tx)

	if db.recovering {
		return nil
	}
	for _, page := range touched {
		if db.wal.ShouldCheckpointPage(page, db.cfg.WalLeafCheckpointThreshold) {
			if err := db.flushPage(page); err != nil {
				if errors.Is(err, ErrPageLockFail) {
					// Busy page; the background checkpointer retries.
					continue
				}
				return err
			}
		}
	}
	db.checkpointGlobal()
	db.signalCheckpoint()
	return nil
}

// Abort rolls the transaction back: the undo log replays in reverse on the
// still-locked pages, restoring pre-images or masking inserts with
// tombstones, then the abort marker lands in the journal.
func (tx *Tx) Abort() error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	db := tx.db

	var firstErr error
	for i := len(tx.undo) - 1; i >= 0; i-- {
		e := tx.undo[i]
		h, err := tx.routeWrite(e.key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		err = tx.applyOnPage(h, e.key, e.prev, !e.hadPrev)
		if errors.Is(err, errNeedSplit) {
			if serr := db.splitLeaf(tx.lm, h); serr == nil {
				err = tx.applyOnPage(h, e.key, e.prev, !e.hadPrev)
			} else {
				err = serr
			}
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	tx.undo = nil

	if tx.began && !db.recovering {
		if err := db.wal.AppendTxnMarker(WalTxnAbort, tx.txnID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	tx.lm.ReleaseAll()
	db.unregisterTx(tx)
	return firstErr
}

// Close aborts the transaction unless it already finished. Intended for
// defer, mirroring drop-without-commit semantics.
func (tx *Tx) Close() error {
	if tx.done {
		return nil
	}
	return tx.Abort()
}
