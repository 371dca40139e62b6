package quickstep

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/quickstep-kv/quickstep/interfaces"
	"github.com/quickstep-kv/quickstep/storage/pagefile"
)

// checkpointPollInterval paces the background thread that watches the WAL
// counters.
const checkpointPollInterval = 25 * time.Millisecond

// QuickStep is an embedded, concurrent, ordered key/value store. Logical
// leaves are identified by stable page ids; their physical representation
// migrates between a packed on-disk page and a mini-page in the shared
// buffer. Mutations are journaled to a write-ahead log and periodically
// checkpointed by flushing dirty mini-pages.
type QuickStep struct {
	cfg      Config
	tree     *BPTree
	cache    *MiniPageBuffer
	io       *IoEngine
	mapTable *MapTable
	wal      *WalManager

	nextTxn atomic.Uint64

	// diskFree tracks, per promoted page, how many image bytes remain for
	// write-through; accessed only under the page's write lock apart from
	// the map itself.
	hintMu   sync.Mutex
	diskFree map[PageId]int

	txMu    sync.Mutex
	openTxs map[uint64]*Tx

	// recovering disables journaling and checkpoint triggers while the WAL
	// replays through the normal write path.
	recovering bool

	closed atomic.Bool

	// checkpointBusy is the process-wide background checkpoint flag.
	checkpointBusy atomic.Bool
	checkpointSig  chan struct{}
	stopCh         chan struct{}
	doneCh         chan struct{}
}

// Open opens or creates the store described by cfg, replaying any journal
// left behind by the previous process.
func Open(cfg Config) (*QuickStep, error) {
	if cfg.CacheSizeLg < 3 || cfg.CacheSizeLg >= 64 {
		return nil, fmt.Errorf("cache_size_lg %d out of range", cfg.CacheSizeLg)
	}
	file, err := pagefile.Open(cfg.dataFilePath())
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrLocked
		}
		return nil, err
	}
	db, err := openWithFile(cfg, file)
	if err != nil {
		file.Close()
		return nil, err
	}
	return db, nil
}

// openWithFile wires the store over an already-opened page file. Tests use
// it with the in-memory page file.
func openWithFile(cfg Config, file interfaces.PageFile) (*QuickStep, error) {
	db := &QuickStep{
		cfg:           cfg,
		tree:          NewBPTree(cfg.InnerNodeUpperBound),
		cache:         NewMiniPageBuffer(cfg.CacheSizeLg),
		mapTable:      NewMapTable(cfg.LeafUpperBound),
		diskFree:      make(map[PageId]int),
		openTxs:       make(map[uint64]*Tx),
		checkpointSig: make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	size, err := file.Size()
	if err != nil {
		return nil, err
	}
	if size < 2*PageSize {
		if err := db.initFreshStore(file); err != nil {
			return nil, err
		}
	} else {
		if err := db.recoverStore(file); err != nil {
			return nil, err
		}
	}

	wal, err := OpenWal(cfg.walFilePath())
	if err != nil {
		return nil, err
	}
	db.wal = wal
	if err := db.replayWal(); err != nil {
		wal.Close()
		return nil, err
	}

	go db.checkpointLoop()
	return db, nil
}

func (db *QuickStep) initFreshStore(file interfaces.PageFile) error {
	if err := writeStoreHeader(file); err != nil {
		return err
	}
	db.io = NewIoEngine(file, 1)
	root := NewLeafNode(0, SizeLeafPage, 0, lowerSentinel, upperSentinel)
	if err := db.io.WritePage(0, root); err != nil {
		return err
	}
	db.mapTable.InitLeafEntry(0)
	db.tree.setRootLeaf(0)
	return nil
}

// recoverStore rebuilds the mapping table and inner tree by scanning the
// leaf images: each live image carries its page id and fences, and the live
// images always partition the key space.
func (db *QuickStep) recoverStore(file interfaces.PageFile) error {
	if err := checkStoreHeader(file); err != nil {
		return err
	}
	db.io = NewIoEngine(file, 0)
	count, err := db.io.PageCount()
	if err != nil {
		return err
	}
	db.io.nextAddr.Store(count)

	type leafRec struct {
		page  PageId
		addr  uint64
		lower []byte
	}
	var recs []leafRec
	for addr := uint64(0); addr < count; addr++ {
		img, err := db.io.GetPage(addr)
		if err != nil {
			return err
		}
		if !img.Live() || img.RecordCount() < 2 {
			continue
		}
		recs = append(recs, leafRec{
			page:  img.PageId(),
			addr:  addr,
			lower: cloneBytes(img.LowerFence()),
		})
	}
	if len(recs) == 0 {
		return fmt.Errorf("data file has no live leaves")
	}
	sort.Slice(recs, func(i, j int) bool {
		return string(recs[i].lower) < string(recs[j].lower)
	})

	pages := make([]PageId, len(recs))
	seps := make([][]byte, len(recs))
	for i, r := range recs {
		if err := db.mapTable.RestoreLeafEntry(r.page, r.addr); err != nil {
			return err
		}
		pages[i] = r.page
		seps[i] = r.lower
	}
	return db.tree.rebuildFromLeaves(pages, seps)
}

// replayWal re-applies committed redo records through the normal write path
// (routing by key handles any split or merge that happened after logging),
// flushes the result and clears the journal. Records of transactions whose
// final marker is not a commit are skipped.
func (db *QuickStep) replayWal() error {
	records := db.wal.Records()
	if len(records) == 0 {
		return nil
	}

	committed := make(map[uint64]bool)
	maxTxn := uint64(0)
	for _, r := range records {
		if r.TxnId > maxTxn {
			maxTxn = r.TxnId
		}
		if r.Op == WalOpTxnMarker {
			committed[r.TxnId] = r.Marker == WalTxnCommit
		}
	}
	db.nextTxn.Store(maxTxn)

	db.recovering = true
	defer func() { db.recovering = false }()

	tx := db.Tx()
	for _, r := range records {
		if r.Op == WalOpTxnMarker || r.Kind != WalRedo || !committed[r.TxnId] {
			continue
		}
		switch r.Op {
		case WalOpPut:
			if err := tx.Put(r.Key, r.Value); err != nil {
				tx.Abort()
				return fmt.Errorf("wal replay: %w", err)
			}
		case WalOpTombstone:
			if _, err := tx.Delete(r.Key); err != nil {
				tx.Abort()
				return fmt.Errorf("wal replay: %w", err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if err := db.flushAllMini(); err != nil {
		return err
	}
	return db.wal.Clear()
}

// flushAllMini writes every resident mini-page through to its disk image.
func (db *QuickStep) flushAllMini() error {
	limit := db.mapTable.nextFree.Load()
	for page := uint64(0); page < limit; page++ {
		entry := pageEntry(db.mapTable.entries[page].Load())
		if entry.nodeRef().IsLeaf {
			continue
		}
		if err := db.flushPage(PageId(page)); err != nil {
			return err
		}
	}
	return nil
}

// Tx starts a transaction. Every Tx must end with Commit, Abort or Close.
func (db *QuickStep) Tx() *Tx {
	tx := &Tx{
		db:      db,
		lm:      NewLockManager(),
		txnID:   db.nextTxn.Add(1),
		touched: make(map[PageId]struct{}),
	}
	db.txMu.Lock()
	db.openTxs[tx.txnID] = tx
	db.txMu.Unlock()
	return tx
}

func (db *QuickStep) unregisterTx(tx *Tx) {
	db.txMu.Lock()
	delete(db.openTxs, tx.txnID)
	db.txMu.Unlock()
}

// Delete removes key in a one-shot transaction and reports whether it was
// present.
func (db *QuickStep) Delete(key []byte) (bool, error) {
	tx := db.Tx()
	found, err := tx.Delete(key)
	if err != nil {
		tx.Abort()
		return false, err
	}
	return found, tx.Commit()
}

// Get reads key in a one-shot transaction.
func (db *QuickStep) Get(key []byte) ([]byte, error) {
	tx := db.Tx()
	defer tx.Close()
	val, err := tx.Get(key)
	if err != nil {
		return nil, err
	}
	return val, tx.Commit()
}

// Put writes key in a one-shot transaction.
func (db *QuickStep) Put(key, val []byte) error {
	tx := db.Tx()
	if err := tx.Put(key, val); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}

// Close aborts any transaction still open, flushes every mini-page and
// truncates the journal: a clean shutdown leaves all state in the images.
func (db *QuickStep) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(db.stopCh)
	<-db.doneCh

	db.txMu.Lock()
	open := make([]*Tx, 0, len(db.openTxs))
	for _, tx := range db.openTxs {
		open = append(open, tx)
	}
	db.txMu.Unlock()
	for _, tx := range open {
		tx.Abort()
	}

	var firstErr error
	if err := db.flushAllMini(); err != nil {
		firstErr = err
	}
	if firstErr == nil {
		if err := db.wal.Clear(); err != nil {
			firstErr = err
		}
	}
	if err := db.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := db.io.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// signalCheckpoint nudges the background thread without blocking.
func (db *QuickStep) signalCheckpoint() {
	select {
	case db.checkpointSig <- struct{}{}:
	default:
	}
}

func (db *QuickStep) checkpointLoop() {
	defer close(db.doneCh)
	ticker := time.NewTicker(checkpointPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-db.stopCh:
			return
		case <-ticker.C:
			db.checkpointGlobal()
		case <-db.checkpointSig:
			db.checkpointGlobal()
		}
	}
}

// checkpointGlobal flushes the page with the most WAL bytes once either
// global threshold trips. The busy flag keeps the commit-path opportunistic
// run and the background run from stacking.
func (db *QuickStep) checkpointGlobal() {
	if !db.checkpointBusy.CompareAndSwap(false, true) {
		return
	}
	defer db.checkpointBusy.Store(false)

	for {
		page, ok := db.wal.GlobalCheckpointCandidate(
			db.cfg.WalGlobalRecordThreshold, db.cfg.WalGlobalByteThreshold)
		if !ok {
			return
		}
		guard, locked := db.mapTable.TryWritePageEntry(page)
		if !locked {
			// Busy page; try again on the next poll.
			return
		}
		ref := guard.NodeRef()
		var err error
		if ref.IsLeaf {
			err = db.wal.CheckpointPage(page)
		} else {
			err = db.flushMini(page, db.cache.NodeAt(MiniPageIndex(ref.Addr)))
		}
		guard.Release()
		if err != nil {
			return
		}
	}
}
