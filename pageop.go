package quickstep

import (
	"bytes"
	"errors"
	"fmt"
)

// maxEvictionScan bounds one eviction pass over the arena regions.
const maxEvictionScan = 128

// retype returns entries with every slot re-tagged, for building fresh
// images (INSERT) or clean mini-pages (CACHE).
func retype(entries []LeafEntry, typ KVRecordType) []LeafEntry {
	out := make([]LeafEntry, len(entries))
	for i, e := range entries {
		out[i] = LeafEntry{Key: e.Key, Value: e.Value, Typ: typ}
	}
	return out
}

// unionEntries merges the disk image's records with the mini-page's; the
// mini-page wins per key. Disk-only entries come out CACHE (clean), mini
// entries keep their type. With includeDead false, tombstoned keys are
// dropped from the result.
func unionEntries(disk, mini []LeafEntry, includeDead bool) []LeafEntry {
	out := make([]LeafEntry, 0, len(disk)+len(mini))
	i, j := 0, 0
	for i < len(disk) || j < len(mini) {
		var e LeafEntry
		switch {
		case i >= len(disk):
			e = mini[j]
			j++
		case j >= len(mini):
			e = LeafEntry{Key: disk[i].Key, Value: disk[i].Value, Typ: RecordCache}
			i++
		default:
			switch bytes.Compare(disk[i].Key, mini[j].Key) {
			case -1:
				e = LeafEntry{Key: disk[i].Key, Value: disk[i].Value, Typ: RecordCache}
				i++
			case 1:
				e = mini[j]
				j++
			default:
				e = mini[j]
				i++
				j++
			}
		}
		if !includeDead && !e.Typ.Exists() {
			continue
		}
		out = append(out, e)
	}
	return out
}

func entriesByteSize(entries []LeafEntry, prefixLen int) int {
	total := 0
	for _, e := range entries {
		total += kvMetaSize + len(e.Key) - prefixLen + len(e.Value)
	}
	return total
}

func (db *QuickStep) diskFreeHint(page PageId) (int, bool) {
	db.hintMu.Lock()
	defer db.hintMu.Unlock()
	hint, ok := db.diskFree[page]
	return hint, ok
}

func (db *QuickStep) setDiskFreeHint(page PageId, free int) {
	db.hintMu.Lock()
	db.diskFree[page] = free
	db.hintMu.Unlock()
}

func (db *QuickStep) decDiskFreeHint(page PageId, need int) {
	db.hintMu.Lock()
	if hint, ok := db.diskFree[page]; ok {
		db.diskFree[page] = hint - need
	}
	db.hintMu.Unlock()
}

func (db *QuickStep) dropDiskFreeHint(page PageId) {
	db.hintMu.Lock()
	delete(db.diskFree, page)
	db.hintMu.Unlock()
}

// allocMini allocates an arena slot of the given class, driving the
// eviction scan while the buffer is exhausted.
func (db *QuickStep) allocMini(class NodeSize) (MiniPageIndex, error) {
	for attempt := 0; attempt < SpinRetries; attempt++ {
		idx, err := db.cache.Alloc(class)
		if err == nil {
			return idx, nil
		}
		if !db.evictOne() {
			return 0, ErrCacheExhausted
		}
	}
	return 0, ErrCacheExhausted
}

// initMiniPage stamps a freshly allocated slot with its identity and fences.
func (db *QuickStep) initMiniPage(idx MiniPageIndex, page PageId, class NodeSize, diskAddr uint64, lower, upper []byte) Node {
	n := db.cache.NodeAt(idx)
	n.ResetHeader(page, class, diskAddr)
	n.appendFence(lower)
	n.appendFence(upper)
	return n
}

// ensureMiniPage promotes the page to a mini-page if it is still a packed
// disk leaf. Promotion allocates the smallest class that holds the fences
// plus headroom for the first write; reads keep falling through to the disk
// image for keys the mini-page does not cache yet.
func (db *QuickStep) ensureMiniPage(h *PageHandle) (Node, error) {
	ref := h.WriteGuard().NodeRef()
	if !ref.IsLeaf {
		return db.cache.NodeAt(MiniPageIndex(ref.Addr)), nil
	}

	leaf, err := h.LoadLeaf(db.io, ref.Addr)
	if err != nil {
		return nil, err
	}
	lower, upper := leaf.LowerFence(), leaf.UpperFence()
	need := nodeMetaSize + 2*kvMetaSize + len(lower) + len(upper) + 2*MaxKeyLength
	class, ok := SizeClassFor(need)
	if !ok {
		class = SizeLeafPage
	}
	idx, err := db.allocMini(class)
	if err != nil {
		return nil, err
	}
	mini := db.initMiniPage(idx, h.page, class, ref.Addr, lower, upper)
	h.WriteGuard().SetMiniPage(idx)
	db.setDiskFreeHint(h.page, leaf.FreeBytes())
	return mini, nil
}

// growMiniPage moves the mini-page one or more classes up so that need more
// payload bytes fit. Growing into the leaf-page class consolidates, so a
// full-size mini-page always holds the whole union of disk and cached state.
func (db *QuickStep) growMiniPage(h *PageHandle, mini Node, need int) (Node, error) {
	used := mini.SizeClass().SizeInBytes() - mini.FreeBytes()
	class, ok := SizeClassFor(used + need)
	if !ok || class >= SizeLeafPage {
		return db.consolidateMiniPage(h, mini)
	}
	if class <= mini.SizeClass() {
		class = mini.SizeClass() + 1
	}
	if class >= SizeLeafPage {
		return db.consolidateMiniPage(h, mini)
	}

	oldIdx := MiniPageIndex(h.WriteGuard().NodeRef().Addr)
	entries := mini.Entries()
	lower, upper := mini.LowerFence(), mini.UpperFence()
	idx, err := db.allocMini(class)
	if err != nil {
		return nil, err
	}
	next := db.initMiniPage(idx, h.page, class, mini.DiskAddr(), lower, upper)
	if err := next.ReplayEntries(entries); err != nil {
		db.cache.Dealloc(idx)
		return nil, err
	}
	h.WriteGuard().SetMiniPage(idx)
	db.cache.Dealloc(oldIdx)
	return next, nil
}

// consolidateMiniPage rebuilds the mini-page as a full leaf-page class node
// holding the union of the disk image and the cached records (tombstones
// included, they still mask disk state until the next flush).
// errInsufficientSpace means the union outgrew a page and the caller must
// split.
func (db *QuickStep) consolidateMiniPage(h *PageHandle, mini Node) (Node, error) {
	leaf, err := h.LoadLeaf(db.io, mini.DiskAddr())
	if err != nil {
		return nil, err
	}
	union := unionEntries(leaf.Entries(), mini.Entries(), true)
	lower, upper := mini.LowerFence(), mini.UpperFence()

	oldIdx := MiniPageIndex(h.WriteGuard().NodeRef().Addr)
	idx, err := db.allocMini(SizeLeafPage)
	if err != nil {
		return nil, err
	}
	next := db.initMiniPage(idx, h.page, SizeLeafPage, mini.DiskAddr(), lower, upper)
	if err := next.ReplayEntries(union); err != nil {
		db.cache.Dealloc(idx)
		return nil, err
	}
	h.WriteGuard().SetMiniPage(idx)
	db.cache.Dealloc(oldIdx)
	db.dropDiskFreeHint(h.page)
	return next, nil
}

// flushMini writes the mini-page's dirty records through to the disk image,
// leaves the mini-page clean, and truncates the page's WAL. The image write
// is durable before the journal shrinks.
func (db *QuickStep) flushMini(page PageId, mini Node) error {
	addr := mini.DiskAddr()
	entries := mini.Entries()
	dirty := false
	for _, e := range entries {
		if e.Typ.IsDirty() {
			dirty = true
			break
		}
	}

	if dirty {
		leaf, err := db.io.GetPage(addr)
		if err != nil {
			return err
		}
		live := unionEntries(leaf.Entries(), entries, false)
		img := NewLeafNode(page, SizeLeafPage, addr, mini.LowerFence(), mini.UpperFence())
		if err := img.ReplayEntries(retype(live, RecordInsert)); err != nil {
			return fmt.Errorf("%w: flush overflow on page %d", ErrSplitFailed, page)
		}
		if err := db.io.WritePage(addr, img); err != nil {
			return err
		}
		db.setDiskFreeHint(page, img.FreeBytes())
	}

	// The mini-page keeps what it cached, now clean; tombstones are gone
	// from disk and need no marker anymore.
	var clean []LeafEntry
	for _, e := range entries {
		if e.Typ.Exists() {
			clean = append(clean, LeafEntry{Key: e.Key, Value: e.Value, Typ: RecordCache})
		}
	}
	lower, upper := cloneBytes(mini.LowerFence()), cloneBytes(mini.UpperFence())
	mini.ResetUserEntriesWithFences(lower, upper)
	if err := mini.ReplayEntries(clean); err != nil {
		return err
	}

	return db.wal.CheckpointPage(page)
}

// flushPage checkpoints one page: flush its mini-page if resident, then drop
// its WAL records. Spins for the page lock.
func (db *QuickStep) flushPage(page PageId) error {
	guard, err := db.mapTable.WritePageEntry(page)
	if err != nil {
		return err
	}
	defer guard.Release()
	ref := guard.NodeRef()
	if ref.IsLeaf {
		// Already packed; the image is current, so the journal is redundant.
		return db.wal.CheckpointPage(page)
	}
	return db.flushMini(page, db.cache.NodeAt(MiniPageIndex(ref.Addr)))
}

// evictOne advances the second-chance scan and evicts the first victim it
// can lock: flush dirty records, flip the mapping entry back to the disk
// leaf, free-list the slot. Pages locked by transactions are skipped, which
// also keeps uncommitted data out of the images.
func (db *QuickStep) evictOne() bool {
	if !db.cache.Allocated() {
		return false
	}
	idx := db.cache.ScanStart()
	for i := 0; i < maxEvictionScan; i++ {
		n := db.cache.NodeAt(MiniPageIndex(idx))
		class := n.SizeClass()
		if n.FreeListed() || !n.Live() || n.Evicting() {
			idx = db.cache.AdvanceScan(idx, class)
			continue
		}
		page := n.PageId()
		guard, ok := db.mapTable.TryWritePageEntry(page)
		if !ok {
			idx = db.cache.AdvanceScan(idx, class)
			continue
		}
		ref := guard.NodeRef()
		if ref.IsLeaf || ref.Addr != idx {
			// The slot was recycled under another identity since we read it.
			guard.Release()
			idx = db.cache.AdvanceScan(idx, class)
			continue
		}
		n.SetEvicting(true)
		if err := db.flushMini(page, n); err != nil {
			n.SetEvicting(false)
			guard.Release()
			return false
		}
		guard.SetLeaf(n.DiskAddr())
		guard.Release()
		db.cache.Dealloc(MiniPageIndex(idx))
		db.dropDiskFreeHint(page)
		recordEviction()
		db.cache.AdvanceScan(idx, class)
		return true
	}
	return false
}

// splitLeaf splits the write-locked page around the median of its live
// records, writes both post-split images durably, and links the pivot into
// the inner tree. The new right page joins lm's lock set so the caller's
// transaction keeps two-phase locking intact.
func (db *QuickStep) splitLeaf(lm *LockManager, h *PageHandle) error {
	db.tree.smo.Lock()
	defer db.tree.smo.Unlock()

	mini, err := db.ensureMiniPage(h)
	if err != nil {
		return err
	}
	leaf, err := h.LoadLeaf(db.io, mini.DiskAddr())
	if err != nil {
		return err
	}
	entries := unionEntries(leaf.Entries(), mini.Entries(), false)
	if len(entries) < 2 {
		return ErrSplitFailed
	}

	mid := len(entries) / 2
	pivot := cloneBytes(entries[mid].Key)
	lower := cloneBytes(mini.LowerFence())
	upper := cloneBytes(mini.UpperFence())
	leftAddr := mini.DiskAddr()
	mini.SetSplitting(true)

	// Everything needed from the old mini-page is materialized now, so its
	// slot can feed the halves' allocations. The write lock keeps the
	// transiently dangling mapping entry unobservable, and demoteToDisk
	// below repairs it if the arena cannot host a half.
	oldIdx := MiniPageIndex(h.WriteGuard().NodeRef().Addr)
	db.cache.Dealloc(oldIdx)

	// Right sibling: fresh disk address, fresh mini-page, fresh page id.
	// Each half gets the smallest class that holds it so a split stays
	// cheap even in a small arena.
	rightAddr := db.io.NewAddr()
	rightClass, ok := SizeClassFor(nodeMetaSize + 2*kvMetaSize + len(pivot) + len(upper) + entriesByteSize(entries[mid:], 0))
	if !ok {
		rightClass = SizeLeafPage
	}
	rightIdx, err := db.allocMini(rightClass)
	if err != nil {
		return db.demoteToDisk(h, entries, lower, upper, leftAddr, err)
	}
	rightGuard, err := db.mapTable.CreatePageEntry(rightIdx)
	if err != nil {
		db.cache.Dealloc(rightIdx)
		return db.demoteToDisk(h, entries, lower, upper, leftAddr, err)
	}
	rightPage := rightGuard.Page
	right := db.initMiniPage(rightIdx, rightPage, rightClass, rightAddr, pivot, upper)
	if err := right.ReplayEntries(retype(entries[mid:], RecordCache)); err != nil {
		return fmt.Errorf("%w: right half overflow", ErrSplitFailed)
	}

	// Left side: rebuild this page's mini over the shrunk interval.
	leftClass, ok := SizeClassFor(nodeMetaSize + 2*kvMetaSize + len(lower) + len(pivot) + entriesByteSize(entries[:mid], 0))
	if !ok {
		leftClass = SizeLeafPage
	}
	leftIdx, err := db.allocMini(leftClass)
	if err != nil {
		// Park the unborn sibling on its empty address; nothing routes to
		// its page id.
		db.cache.Dealloc(rightIdx)
		rightGuard.SetLeaf(rightAddr)
		rightGuard.Release()
		return db.demoteToDisk(h, entries, lower, upper, leftAddr, err)
	}
	left := db.initMiniPage(leftIdx, h.page, leftClass, leftAddr, lower, pivot)
	if err := left.ReplayEntries(retype(entries[:mid], RecordCache)); err != nil {
		return fmt.Errorf("%w: left half overflow", ErrSplitFailed)
	}
	h.WriteGuard().SetMiniPage(leftIdx)

	// Post-split images, written before the pivot is published so the
	// on-disk fence partition never overlaps.
	leftImg := NewLeafNode(h.page, SizeLeafPage, leftAddr, lower, pivot)
	if err := leftImg.ReplayEntries(retype(entries[:mid], RecordInsert)); err != nil {
		return fmt.Errorf("%w: left image overflow", ErrSplitFailed)
	}
	if err := db.io.WritePage(leftAddr, leftImg); err != nil {
		return err
	}
	rightImg := NewLeafNode(rightPage, SizeLeafPage, rightAddr, pivot, upper)
	if err := rightImg.ReplayEntries(retype(entries[mid:], RecordInsert)); err != nil {
		return fmt.Errorf("%w: right image overflow", ErrSplitFailed)
	}
	if err := db.io.WritePage(rightAddr, rightImg); err != nil {
		return err
	}
	db.setDiskFreeHint(h.page, leftImg.FreeBytes())
	db.setDiskFreeHint(rightPage, rightImg.FreeBytes())
	h.InvalidateLeaf()
	mini = db.cache.NodeAt(leftIdx)
	mini.SetSplitting(false)

	// Publish the pivot.
	level, rootId := db.tree.rootInfo()
	if level == 0 {
		if PageId(rootId) != h.page {
			return ErrParentChildMissing
		}
		if err := db.tree.growRootFromLeaf(h.page, pivot, rightPage); err != nil {
			return err
		}
	} else {
		path, found := db.tree.pathToLeaf(pivot)
		if found != h.page {
			return ErrParentChildMissing
		}
		if err := db.tree.insertSeparator(path, pivot, rightPage); err != nil {
			return err
		}
	}

	recordSplitEvent(h.page, rightPage)
	if lm != nil {
		lm.InsertWriteLock(rightGuard)
	} else {
		rightGuard.Release()
	}
	return nil
}

// demoteToDisk abandons a structural modification by packing the page's
// whole live state into its disk image and pointing the mapping entry back
// at it. Used when the arena cannot host the split halves; the original
// cause is returned so the caller can surface a retriable error.
func (db *QuickStep) demoteToDisk(h *PageHandle, entries []LeafEntry, lower, upper []byte, addr uint64, cause error) error {
	img := NewLeafNode(h.page, SizeLeafPage, addr, lower, upper)
	if err := img.ReplayEntries(retype(entries, RecordInsert)); err != nil {
		return fmt.Errorf("%w: union exceeds a page", ErrSplitFailed)
	}
	if err := db.io.WritePage(addr, img); err != nil {
		return err
	}
	h.WriteGuard().SetLeaf(addr)
	h.InvalidateLeaf()
	db.dropDiskFreeHint(h.page)
	return cause
}

// mergeLeaves folds the right page into the left: the survivor spans
// [lower(L), upper(R)) and holds the union of both sides' live records; the
// right page id dies and its separator leaves the parent.
func (db *QuickStep) mergeLeaves(leftH, rightH *PageHandle) error {
	db.tree.smo.Lock()
	defer db.tree.smo.Unlock()
	return db.mergeLeavesLocked(leftH, rightH)
}

func (db *QuickStep) mergeLeavesLocked(leftH, rightH *PageHandle) error {
	leftMini, err := db.ensureMiniPage(leftH)
	if err != nil {
		return err
	}
	rightMini, err := db.ensureMiniPage(rightH)
	if err != nil {
		return err
	}

	leftLeaf, err := leftH.LoadLeaf(db.io, leftMini.DiskAddr())
	if err != nil {
		return err
	}
	rightLeaf, err := rightH.LoadLeaf(db.io, rightMini.DiskAddr())
	if err != nil {
		return err
	}
	leftEntries := unionEntries(leftLeaf.Entries(), leftMini.Entries(), false)
	rightEntries := unionEntries(rightLeaf.Entries(), rightMini.Entries(), false)

	lower := cloneBytes(leftMini.LowerFence())
	upper := cloneBytes(rightMini.UpperFence())
	sep := cloneBytes(rightMini.LowerFence())
	if !bytes.Equal(sep, leftMini.UpperFence()) {
		return fmt.Errorf("%w: fences do not meet at the separator", ErrMergeFailed)
	}
	combined := append(append([]LeafEntry(nil), leftEntries...), rightEntries...)
	if entriesByteSize(combined, 0)+nodeMetaSize+2*kvMetaSize+len(lower)+len(upper) > PageSize {
		return ErrMergeFailed
	}

	// Unlink the separator first; readers route to the survivor afterwards.
	path, found := db.tree.pathToLeaf(sep)
	if len(path) == 0 {
		return ErrMergeFailed
	}
	if found != rightH.page {
		return ErrParentChildMissing
	}
	if err := db.tree.removeSeparator(path, sep); err != nil {
		return err
	}

	// Survivor image first, then the dead marker on the right image: a
	// crash in between leaves the data readable on the survivor.
	leftAddr := leftMini.DiskAddr()
	rightAddr := rightMini.DiskAddr()
	img := NewLeafNode(leftH.page, SizeLeafPage, leftAddr, lower, upper)
	if err := img.ReplayEntries(retype(combined, RecordInsert)); err != nil {
		return fmt.Errorf("%w: survivor image overflow", ErrMergeFailed)
	}
	if err := db.io.WritePage(leftAddr, img); err != nil {
		return err
	}
	dead := NewLeafNode(rightH.page, SizeLeafPage, rightAddr, sep, upper)
	dead.SetLive(false)
	if err := db.io.WritePage(rightAddr, dead); err != nil {
		return err
	}

	// Both old mini-pages are spent; recycle them before sizing the
	// survivor so small arenas can host the merge.
	oldLeft := MiniPageIndex(leftH.WriteGuard().NodeRef().Addr)
	oldRight := MiniPageIndex(rightH.WriteGuard().NodeRef().Addr)
	db.cache.Dealloc(oldLeft)
	db.cache.Dealloc(oldRight)
	rightH.WriteGuard().SetLeaf(rightAddr)

	class, ok := SizeClassFor(nodeMetaSize + 2*kvMetaSize + len(lower) + len(upper) + entriesByteSize(combined, 0))
	if !ok {
		class = SizeLeafPage
	}
	if idx, err := db.allocMini(class); err == nil {
		survivor := db.initMiniPage(idx, leftH.page, class, leftAddr, lower, upper)
		if rerr := survivor.ReplayEntries(retype(combined, RecordCache)); rerr != nil {
			return fmt.Errorf("%w: survivor overflow", ErrMergeFailed)
		}
		leftH.WriteGuard().SetMiniPage(idx)
	} else {
		// The image is already current, so the survivor can live packed.
		leftH.WriteGuard().SetLeaf(leftAddr)
	}
	rightH.InvalidateLeaf()
	leftH.InvalidateLeaf()
	db.setDiskFreeHint(leftH.page, img.FreeBytes())
	db.dropDiskFreeHint(rightH.page)

	if err := db.wal.CheckpointPage(rightH.page); err != nil {
		return err
	}
	recordMergeEvent(leftH.page, rightH.page)
	return nil
}

// errNeedSplit asks the caller to run the split cascade and retry.
var errNeedSplit = errors.New("leaf needs split")
