package quickstep

import "errors"

var (
	// ErrPageLockFail is returned when the spin budget for a mapping-table
	// lock is exhausted. Retriable.
	ErrPageLockFail = errors.New("page lock acquisition failed")

	// ErrOLCRetriesExceeded is returned when an optimistic traversal of the
	// inner tree kept restarting. Retriable.
	ErrOLCRetriesExceeded = errors.New("optimistic traversal retries exceeded")

	// ErrCacheExhausted is returned when the mini-page buffer is full and
	// eviction could not free a slot. The caller may retry later.
	ErrCacheExhausted = errors.New("mini-page cache exhausted")

	// ErrTreeFull is returned when the inner-node slab or the mapping table
	// has no capacity left. Fatal for the transaction.
	ErrTreeFull = errors.New("tree capacity exhausted")

	// errNodeFull signals that an inner node cannot take another separator.
	// It triggers the split cascade and never surfaces to callers.
	errNodeFull = errors.New("inner node full")

	// ErrParentChildMissing indicates a broken parent/child relationship in
	// the inner tree. Fatal.
	ErrParentChildMissing = errors.New("parent/child entry missing")

	// ErrKeyTooLarge is returned for keys longer than MaxKeyLength.
	ErrKeyTooLarge = errors.New("key exceeds maximum length")

	// ErrValueTooLarge is returned for values that cannot fit a leaf page
	// next to their key and the fence slots.
	ErrValueTooLarge = errors.New("value exceeds leaf capacity")

	// ErrKeyOutOfRange is returned for keys that collide with the key-space
	// sentinels (empty, 0x00 or at/above 0xFF).
	ErrKeyOutOfRange = errors.New("key outside the storable range")

	// ErrSplitFailed / ErrMergeFailed report a structural modification that
	// could not complete. The transaction aborts.
	ErrSplitFailed = errors.New("leaf split failed")
	ErrMergeFailed = errors.New("leaf merge failed")

	// errKeyOutOfFences is an internal routing failure: the locked leaf no
	// longer covers the key. The caller re-traverses.
	errKeyOutOfFences = errors.New("key outside leaf fences")

	// ErrClosed names a store that has been closed. No operation in this
	// package checks for a closed store or returns it; a finished
	// transaction reports ErrTxDone.
	ErrClosed = errors.New("store is closed")

	// ErrTxDone is returned when a finished transaction is reused.
	ErrTxDone = errors.New("transaction already finished")

	// ErrLocked is returned when the data file is already locked by another
	// process.
	ErrLocked = errors.New("data file locked by another process")
)

// IsRetriable reports whether the caller may retry the failed operation on a
// fresh transaction.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrPageLockFail) ||
		errors.Is(err, ErrOLCRetriesExceeded) ||
		errors.Is(err, ErrCacheExhausted)
}
