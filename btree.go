package quickstep

import (
	"bytes"
	"encoding/binary"
	"runtime"
	"sync"
	"sync/atomic"
)

// innerBufLen is the trailing key/slot buffer of an inner node; together with
// the header fields a node occupies one page.
const innerBufLen = PageSize - 24

const (
	vlockLockedBit   = 0b10
	vlockObsoleteBit = 0b01
)

// bpNode is a packed inner node.
//
//	| vlock | count | alloc idx | lowest child | slots ...    ... keys |
//
// Slots are 16 bytes (child word + KVMeta-style word) growing from the start
// of the buffer; separator keys grow down from the end. Child pointers are
// page ids at level 1 and slab indices above.
type bpNode struct {
	vlock    atomic.Uint64
	count    uint32
	allocIdx uint32
	lowest   uint64
	buf      [innerBufLen]byte
}

func (n *bpNode) init() {
	n.vlock.Store(0)
	n.count = 0
	n.allocIdx = innerBufLen
	n.lowest = freeListNone
}

// Version lock protocol: bit 1 is the lock, bit 0 marks an obsolete node;
// every write unlock advances the version so optimistic readers restart.
func (n *bpNode) readLockOrRestart() (uint64, bool) {
	for i := 0; i < SpinRetries; i++ {
		v := n.vlock.Load()
		if v&vlockLockedBit != 0 {
			runtime.Gosched()
			continue
		}
		if v&vlockObsoleteBit != 0 {
			return 0, false
		}
		return v, true
	}
	return 0, false
}

func (n *bpNode) checkOrRestart(version uint64) bool {
	return n.vlock.Load() == version
}

func (n *bpNode) writeLock() {
	for {
		v := n.vlock.Load()
		if v&vlockLockedBit == 0 && n.vlock.CompareAndSwap(v, v+vlockLockedBit) {
			return
		}
		runtime.Gosched()
	}
}

func (n *bpNode) writeUnlock() { n.vlock.Add(vlockLockedBit) }

func (n *bpNode) writeUnlockObsolete() { n.vlock.Add(vlockLockedBit | vlockObsoleteBit) }

func (n *bpNode) slotChild(i int) uint64 {
	return binary.LittleEndian.Uint64(n.buf[16*i:])
}

func (n *bpNode) slotMeta(i int) KVMeta {
	return KVMeta(binary.LittleEndian.Uint64(n.buf[16*i+8:]))
}

func (n *bpNode) setSlot(i int, child uint64, m KVMeta) {
	binary.LittleEndian.PutUint64(n.buf[16*i:], child)
	binary.LittleEndian.PutUint64(n.buf[16*i+8:], uint64(m))
}

func (n *bpNode) slotKey(i int) []byte {
	m := n.slotMeta(i)
	return n.buf[m.Offset() : m.Offset()+m.KeySize()]
}

func (n *bpNode) roomFor(keyLen int) bool {
	return 16*(int(n.count)+1) <= int(n.allocIdx)-keyLen
}

func (n *bpNode) allocKey(key []byte) int {
	n.allocIdx -= uint32(len(key))
	copy(n.buf[n.allocIdx:], key)
	return int(n.allocIdx)
}

// searchIdx returns the index of the separator routing key: the greatest i
// with pivot[i] <= key, or -1 when the key routes through lowest.
func (n *bpNode) searchIdx(key []byte) int {
	lo, hi := 0, int(n.count)
	for lo < hi {
		mid := (lo + hi) / 2
		if bytes.Compare(n.slotKey(mid), key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1
}

func (n *bpNode) childAt(idx int) uint64 {
	if idx < 0 {
		return n.lowest
	}
	return n.slotChild(idx)
}

func (n *bpNode) searchChild(key []byte) uint64 {
	return n.childAt(n.searchIdx(key))
}

// tryInsertSlot places (pivot, child) at idx when the node has room,
// signalling errNodeFull otherwise so the caller runs the split cascade.
func (n *bpNode) tryInsertSlot(idx int, pivot []byte, child uint64) error {
	if !n.roomFor(len(pivot)) {
		return errNodeFull
	}
	n.insertSlot(idx, pivot, child)
	return nil
}

// insertSlot places (pivot, child) at idx, shifting the directory right.
// The caller has verified the space.
func (n *bpNode) insertSlot(idx int, pivot []byte, child uint64) {
	copy(n.buf[16*(idx+1):16*(int(n.count)+1)], n.buf[16*idx:16*int(n.count)])
	off := n.allocKey(pivot)
	n.setSlot(idx, child, NewKVMeta(len(pivot), 0, off, RecordCache, false, lookaheadOf(pivot)))
	n.count++
}

func (n *bpNode) removeSlot(idx int) {
	copy(n.buf[16*idx:16*(int(n.count)-1)], n.buf[16*(idx+1):16*int(n.count)])
	n.count--
	// Key bytes leak in the trailing buffer until the node is rebuilt; the
	// slab never rewrites keys in place so this is only lost space.
}

// compact rebuilds the key heap after removals or a split carved slots away.
func (n *bpNode) compact() {
	type slot struct {
		child uint64
		key   []byte
	}
	slots := make([]slot, n.count)
	for i := range slots {
		k := n.slotKey(i)
		kc := make([]byte, len(k))
		copy(kc, k)
		slots[i] = slot{child: n.slotChild(i), key: kc}
	}
	n.allocIdx = innerBufLen
	for i, s := range slots {
		off := n.allocKey(s.key)
		n.setSlot(i, s.child, NewKVMeta(len(s.key), 0, off, RecordCache, false, lookaheadOf(s.key)))
	}
}

// BPTree indexes key -> PageId of the containing leaf. Inner nodes live in a
// pre-sized slab addressed by 32-bit indices; lookups are optimistic, while
// structural modifications serialise on smo and take per-node write locks so
// concurrent readers restart.
type BPTree struct {
	slab     []bpNode
	nextFree atomic.Uint32
	// root encodes | level:16 | node or page:48 |; level 0 means the root is
	// a leaf page id.
	root atomic.Uint64
	smo  sync.Mutex
}

func NewBPTree(innerNodeUpperBound uint32) *BPTree {
	return &BPTree{slab: make([]bpNode, innerNodeUpperBound)}
}

func (t *BPTree) node(id uint64) *bpNode { return &t.slab[id] }

func (t *BPTree) allocNode() (uint64, error) {
	id := t.nextFree.Add(1) - 1
	if id >= uint32(len(t.slab)) {
		return 0, ErrTreeFull
	}
	t.slab[id].init()
	return uint64(id), nil
}

// rootInfo decodes the root word.
func (t *BPTree) rootInfo() (level uint16, id uint64) {
	info := t.root.Load()
	return uint16(info >> 48), info & (1<<48 - 1)
}

func (t *BPTree) setRootLeaf(page PageId) {
	t.root.Store(uint64(page))
}

func (t *BPTree) publishRoot(level uint16, id uint64) {
	t.root.Store(uint64(level)<<48 | id)
}

// ReadTraverseLeaf resolves the leaf page id for key with optimistic latch
// coupling: each parent version is validated before the child pointer it
// produced is trusted.
func (t *BPTree) ReadTraverseLeaf(key []byte) (PageId, error) {
restart:
	for attempt := 0; attempt < SpinRetries; attempt++ {
		level, id := t.rootInfo()
		if level == 0 {
			return PageId(id), nil
		}

		parent := t.node(id)
		version, ok := parent.readLockOrRestart()
		if !ok {
			continue restart
		}

		for level > 1 {
			child := parent.searchChild(key)
			cur := t.node(child)
			curVersion, ok := cur.readLockOrRestart()
			if !ok || !parent.checkOrRestart(version) {
				continue restart
			}
			parent, version = cur, curVersion
			level--
		}

		leaf := parent.searchChild(key)
		if !parent.checkOrRestart(version) {
			continue restart
		}
		return PageId(leaf), nil
	}
	return 0, ErrOLCRetriesExceeded
}

// pathToLeaf records the inner nodes from the root down to level 1 for key.
// Callers hold smo, so the walk needs no validation.
func (t *BPTree) pathToLeaf(key []byte) ([]uint64, PageId) {
	level, id := t.rootInfo()
	if level == 0 {
		return nil, PageId(id)
	}
	path := make([]uint64, 0, level)
	for level > 1 {
		path = append(path, id)
		id = t.node(id).searchChild(key)
		level--
	}
	path = append(path, id)
	return path, PageId(t.node(id).searchChild(key))
}

// lockPoint returns the index of the deepest ancestor on path that cannot
// overflow from a single separator insert; locks are taken from there down.
func (t *BPTree) lockPoint(path []uint64, pivotLen int) int {
	point := 0
	for i, id := range path {
		if t.node(id).roomFor(pivotLen) {
			point = i
		}
	}
	return point
}

// growRootFromLeaf promotes a split root leaf to a two-child inner root.
func (t *BPTree) growRootFromLeaf(left PageId, pivot []byte, right PageId) error {
	id, err := t.allocNode()
	if err != nil {
		return err
	}
	n := t.node(id)
	n.lowest = uint64(left)
	n.insertSlot(0, pivot, uint64(right))
	t.publishRoot(1, id)
	return nil
}

// insertSeparator links (pivot, right) into the leaf parent at the end of
// path, splitting inner nodes upward as needed. Write locks are held from
// the lock point down while the directory changes so optimistic readers
// restart. Caller holds smo.
func (t *BPTree) insertSeparator(path []uint64, pivot []byte, right PageId) error {
	from := t.lockPoint(path, len(pivot))
	for _, id := range path[from:] {
		t.node(id).writeLock()
	}
	defer func() {
		for i := len(path) - 1; i >= from; i-- {
			t.node(path[i]).writeUnlock()
		}
	}()

	insPivot := pivot
	insChild := uint64(right)
	for i := len(path) - 1; i >= 0; i-- {
		n := t.node(path[i])
		idx := n.searchIdx(insPivot) + 1
		if n.tryInsertSlot(idx, insPivot, insChild) == nil {
			return nil
		}
		if i < from {
			// The lock point promised room here.
			return ErrParentChildMissing
		}
		upPivot, rightID, err := t.splitInner(path[i], insPivot, insChild)
		if err != nil {
			return err
		}
		insPivot, insChild = upPivot, rightID
	}

	// The root itself split: raise the tree by one level.
	id, err := t.allocNode()
	if err != nil {
		return err
	}
	level, oldRoot := t.rootInfo()
	n := t.node(id)
	n.lowest = oldRoot
	n.insertSlot(0, insPivot, insChild)
	t.publishRoot(level+1, id)
	return nil
}

// splitInner halves a write-locked full node and returns the separator to
// push up together with the new right sibling, after routing the pending
// insert into the proper half.
func (t *BPTree) splitInner(id uint64, pendingPivot []byte, pendingChild uint64) ([]byte, uint64, error) {
	rightID, err := t.allocNode()
	if err != nil {
		return nil, 0, err
	}
	left := t.node(id)
	right := t.node(rightID)
	right.writeLock()
	defer right.writeUnlock()

	mid := int(left.count) / 2
	upKey := left.slotKey(mid)
	upPivot := make([]byte, len(upKey))
	copy(upPivot, upKey)

	right.lowest = left.slotChild(mid)
	for i := mid + 1; i < int(left.count); i++ {
		right.insertSlot(int(right.count), left.slotKey(i), left.slotChild(i))
	}
	left.count = uint32(mid)
	left.compact()

	if bytes.Compare(pendingPivot, upPivot) < 0 {
		left.insertSlot(left.searchIdx(pendingPivot)+1, pendingPivot, pendingChild)
	} else {
		right.insertSlot(right.searchIdx(pendingPivot)+1, pendingPivot, pendingChild)
	}
	return upPivot, rightID, nil
}

// siblingOf locates the merge partner of leaf under its immediate parent.
// It returns the sibling page, the separator between the pair and whether
// the sibling sits to the right. Caller holds smo.
func (t *BPTree) siblingOf(path []uint64, leaf PageId, key []byte) (PageId, []byte, bool, error) {
	if len(path) == 0 {
		return 0, nil, false, ErrMergeFailed
	}
	parent := t.node(path[len(path)-1])
	idx := parent.searchIdx(key)
	if parent.childAt(idx) != uint64(leaf) {
		return 0, nil, false, ErrParentChildMissing
	}
	if idx+1 <= int(parent.count)-1 {
		sep := parent.slotKey(idx + 1)
		out := make([]byte, len(sep))
		copy(out, sep)
		return PageId(parent.slotChild(idx + 1)), out, true, nil
	}
	if idx >= 0 {
		sep := parent.slotKey(idx)
		out := make([]byte, len(sep))
		copy(out, sep)
		return PageId(parent.childAt(idx - 1)), out, false, nil
	}
	return 0, nil, false, ErrMergeFailed
}

// removeSeparator unlinks the separator keyed sep from the leaf parent and
// collapses emptied ancestors; a single-child inner root demotes. Caller
// holds smo.
func (t *BPTree) removeSeparator(path []uint64, sep []byte) error {
	for _, id := range path {
		t.node(id).writeLock()
	}
	locked := append([]uint64(nil), path...)
	defer func() {
		for i := len(locked) - 1; i >= 0; i-- {
			t.node(locked[i]).writeUnlock()
		}
	}()

	parentIdx := len(path) - 1
	n := t.node(path[parentIdx])
	idx := n.searchIdx(sep)
	if idx < 0 || !bytes.Equal(n.slotKey(idx), sep) {
		return ErrParentChildMissing
	}
	n.removeSlot(idx)

	// Collapse empty inner nodes bottom-up.
	for parentIdx >= 0 {
		n = t.node(path[parentIdx])
		if n.count > 0 {
			return nil
		}
		orphan := n.lowest
		if parentIdx == 0 {
			level, _ := t.rootInfo()
			t.publishRoot(level-1, orphan)
			n.writeUnlockObsolete()
			locked = locked[:parentIdx]
			return nil
		}
		above := t.node(path[parentIdx-1])
		aboveIdx := above.searchIdx(sep)
		if above.childAt(aboveIdx) != path[parentIdx] {
			return ErrParentChildMissing
		}
		if aboveIdx < 0 {
			above.lowest = orphan
		} else {
			above.setSlot(aboveIdx, orphan, above.slotMeta(aboveIdx))
		}
		n.writeUnlockObsolete()
		locked = append(locked[:parentIdx], locked[parentIdx+1:]...)
		parentIdx--
	}
	return nil
}

// rebuildFromLeaves bulk-loads the inner tree from the recovered fence
// partition. seps[i] is the separator preceding children[i]; seps[0] is
// unused. Used only at open, before any concurrent access exists.
func (t *BPTree) rebuildFromLeaves(pages []PageId, seps [][]byte) error {
	if len(pages) == 1 {
		t.setRootLeaf(pages[0])
		return nil
	}
	children := make([]uint64, len(pages))
	for i, p := range pages {
		children[i] = uint64(p)
	}
	level := uint16(1)
	for {
		var nextChildren []uint64
		var nextSeps [][]byte
		i := 0
		for i < len(children) {
			id, err := t.allocNode()
			if err != nil {
				return err
			}
			n := t.node(id)
			nextSeps = append(nextSeps, seps[i])
			n.lowest = children[i]
			i++
			for i < len(children) && n.roomFor(len(seps[i])) {
				n.insertSlot(int(n.count), seps[i], children[i])
				i++
			}
			nextChildren = append(nextChildren, id)
		}
		if len(nextChildren) == 1 {
			t.publishRoot(level, nextChildren[0])
			return nil
		}
		children = nextChildren
		seps = nextSeps
		level++
	}
}
