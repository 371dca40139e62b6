package quickstep

import "bytes"

// RangeIter walks the materialized result of a range scan.
type RangeIter struct {
	keys   [][]byte
	vals   [][]byte
	curIdx int
	elems  int
}

func (itr *RangeIter) Next() (ok bool, key []byte, value []byte) {
	if itr.curIdx >= itr.elems {
		return false, nil, nil
	}
	key = itr.keys[itr.curIdx]
	value = itr.vals[itr.curIdx]
	itr.curIdx++
	return true, key, value
}

func (itr *RangeIter) Len() int { return itr.elems }

// RangeScan returns the records with lo <= key < hi in key order, walking
// leaf by leaf via the fence chain. Each leaf is snapshotted under its read
// lock; the scan as a whole is not a single atomic snapshot.
func (db *QuickStep) RangeScan(lo, hi []byte) (*RangeIter, error) {
	itr := &RangeIter{}
	if bytes.Compare(lo, hi) >= 0 {
		return itr, nil
	}

	cursor := lo
	for {
		page, err := db.tree.ReadTraverseLeaf(cursor)
		if err != nil {
			return nil, err
		}
		guard, err := db.mapTable.ReadPageEntry(page)
		if err != nil {
			return nil, err
		}

		var entries []LeafEntry
		var upper []byte
		ref := guard.NodeRef()
		if ref.IsLeaf {
			leaf, err := db.io.GetPage(ref.Addr)
			if err != nil {
				guard.Release()
				return nil, err
			}
			entries = unionEntries(leaf.Entries(), nil, false)
			upper = cloneBytes(leaf.UpperFence())
		} else {
			mini := db.cache.NodeAt(MiniPageIndex(ref.Addr))
			if mini.SizeClass() == SizeLeafPage {
				entries = unionEntries(nil, mini.Entries(), false)
			} else {
				leaf, err := db.io.GetPage(mini.DiskAddr())
				if err != nil {
					guard.Release()
					return nil, err
				}
				entries = unionEntries(leaf.Entries(), mini.Entries(), false)
			}
			upper = cloneBytes(mini.UpperFence())
		}
		guard.Release()

		for _, e := range entries {
			if bytes.Compare(e.Key, lo) < 0 {
				continue
			}
			if bytes.Compare(e.Key, hi) >= 0 {
				break
			}
			itr.keys = append(itr.keys, e.Key)
			itr.vals = append(itr.vals, e.Value)
		}

		if bytes.Compare(upper, hi) >= 0 || bytes.Equal(upper, upperSentinel) {
			break
		}
		cursor = upper
	}

	itr.elems = len(itr.keys)
	return itr, nil
}
