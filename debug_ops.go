package quickstep

// Inspection and surgery helpers for tests and the REPL. They bypass the
// journal: any image they rewrite is immediately durable.

// InnerSnapshot captures the root inner node when it directly parents the
// leaves: children are pivots plus one.
type InnerSnapshot struct {
	Pivots   [][]byte
	Children []PageId
}

// LeafSnapshot lists the live user keys of one page, disk union included.
type LeafSnapshot struct {
	Keys [][]byte
}

// LeafFences is the bracketing key pair of one page.
type LeafFences struct {
	Lower []byte
	Upper []byte
}

// WalStats reports the journal counters for one page plus the totals.
type WalStats struct {
	LeafRecords  int
	LeafBytes    int
	HasLeaf      bool
	TotalRecords int
	TotalBytes   int
}

// DebugRootLeafParent snapshots the root when it is the leaves' parent;
// ok is false while the root is still (or again) a leaf, or sits higher.
func (db *QuickStep) DebugRootLeafParent() (*InnerSnapshot, bool) {
	db.tree.smo.Lock()
	defer db.tree.smo.Unlock()
	level, id := db.tree.rootInfo()
	if level != 1 {
		return nil, false
	}
	n := db.tree.node(id)
	snap := &InnerSnapshot{}
	snap.Children = append(snap.Children, PageId(n.lowest))
	for i := 0; i < int(n.count); i++ {
		snap.Pivots = append(snap.Pivots, cloneBytes(n.slotKey(i)))
		snap.Children = append(snap.Children, PageId(n.slotChild(i)))
	}
	return snap, true
}

// pageEntries returns the live union of one locked page.
func (db *QuickStep) pageEntries(h *PageHandle) ([]LeafEntry, Node, error) {
	ref := h.NodeRef()
	if ref.IsLeaf {
		leaf, err := h.LoadLeaf(db.io, ref.Addr)
		if err != nil {
			return nil, nil, err
		}
		return unionEntries(leaf.Entries(), nil, false), leaf, nil
	}
	mini := db.cache.NodeAt(MiniPageIndex(ref.Addr))
	if mini.SizeClass() == SizeLeafPage {
		return unionEntries(nil, mini.Entries(), false), mini, nil
	}
	leaf, err := h.LoadLeaf(db.io, mini.DiskAddr())
	if err != nil {
		return nil, nil, err
	}
	return unionEntries(leaf.Entries(), mini.Entries(), false), mini, nil
}

// DebugLeafSnapshot lists the page's live keys.
func (db *QuickStep) DebugLeafSnapshot(page PageId) (*LeafSnapshot, error) {
	lm := NewLockManager()
	defer lm.ReleaseAll()
	h, _, err := lm.GetOrAcquireRead(db.mapTable, page)
	if err != nil {
		return nil, err
	}
	entries, _, err := db.pageEntries(h)
	if err != nil {
		return nil, err
	}
	snap := &LeafSnapshot{}
	for _, e := range entries {
		snap.Keys = append(snap.Keys, e.Key)
	}
	return snap, nil
}

// DebugLeafFences reads the page's fence pair.
func (db *QuickStep) DebugLeafFences(page PageId) (*LeafFences, error) {
	lm := NewLockManager()
	defer lm.ReleaseAll()
	h, _, err := lm.GetOrAcquireRead(db.mapTable, page)
	if err != nil {
		return nil, err
	}
	var n Node
	ref := h.NodeRef()
	if ref.IsLeaf {
		if n, err = h.LoadLeaf(db.io, ref.Addr); err != nil {
			return nil, err
		}
	} else {
		n = db.cache.NodeAt(MiniPageIndex(ref.Addr))
	}
	return &LeafFences{
		Lower: cloneBytes(n.LowerFence()),
		Upper: cloneBytes(n.UpperFence()),
	}, nil
}

// DebugFlushPage forces the page's checkpoint: flush then WAL truncation.
func (db *QuickStep) DebugFlushPage(page PageId) error {
	return db.flushPage(page)
}

// DebugFlushRootLeaf checkpoints page zero.
func (db *QuickStep) DebugFlushRootLeaf() error {
	return db.flushPage(PageId(0))
}

// DebugWalStats reads the journal counters for one page.
func (db *QuickStep) DebugWalStats(page PageId) WalStats {
	count, bytes, ok := db.wal.LeafStats(page)
	return WalStats{
		LeafRecords:  count,
		LeafBytes:    bytes,
		HasLeaf:      ok,
		TotalRecords: db.wal.TotalRecords(),
		TotalBytes:   db.wal.TotalBytes(),
	}
}

// DebugTruncateLeaf rewrites the page to keep only its first keep live
// records, optionally running the auto-merge probe afterwards.
func (db *QuickStep) DebugTruncateLeaf(page PageId, keep int, autoMerge bool) error {
	tx := db.Tx()
	defer tx.Close()

	h, _, err := tx.lm.GetUpgradeOrAcquireWrite(db.mapTable, page)
	if err != nil {
		return err
	}
	entries, _, err := db.pageEntries(h)
	if err != nil {
		return err
	}
	if keep > len(entries) {
		keep = len(entries)
	}
	kept := entries[:keep]

	mini, err := db.ensureMiniPage(h)
	if err != nil {
		return err
	}
	lower := cloneBytes(mini.LowerFence())
	upper := cloneBytes(mini.UpperFence())
	addr := mini.DiskAddr()

	oldIdx := MiniPageIndex(h.WriteGuard().NodeRef().Addr)
	db.cache.Dealloc(oldIdx)
	idx, err := db.allocMini(SizeLeafPage)
	if err != nil {
		return db.demoteToDisk(h, kept, lower, upper, addr, err)
	}
	next := db.initMiniPage(idx, page, SizeLeafPage, addr, lower, upper)
	if err := next.ReplayEntries(retype(kept, RecordCache)); err != nil {
		return err
	}
	h.WriteGuard().SetMiniPage(idx)

	img := NewLeafNode(page, SizeLeafPage, addr, lower, upper)
	if err := img.ReplayEntries(retype(kept, RecordInsert)); err != nil {
		return err
	}
	if err := db.io.WritePage(addr, img); err != nil {
		return err
	}
	db.dropDiskFreeHint(page)
	h.InvalidateLeaf()
	if err := db.wal.CheckpointPage(page); err != nil {
		return err
	}

	if autoMerge && keep <= 3 {
		tx.tryAutoMerge(h)
	}
	return tx.Commit()
}

// DebugMergeLeaves merges right into left regardless of thresholds.
func (db *QuickStep) DebugMergeLeaves(left, right PageId) error {
	tx := db.Tx()
	defer tx.Close()
	lh, _, err := tx.lm.GetUpgradeOrAcquireWrite(db.mapTable, left)
	if err != nil {
		return err
	}
	rh, _, err := tx.lm.GetUpgradeOrAcquireWrite(db.mapTable, right)
	if err != nil {
		return err
	}
	if err := db.mergeLeaves(lh, rh); err != nil {
		return err
	}
	return tx.Commit()
}
