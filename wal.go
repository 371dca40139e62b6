package quickstep

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/sys/unix"
)

// WalTxnMetaPageId is the sentinel page id carried by transaction markers.
const WalTxnMetaPageId = ^uint64(0)

const (
	recordTypePut       = 0
	recordTypeTombstone = 1
	recordTypeTxnBegin  = 2
	recordTypeTxnCommit = 3
	recordTypeTxnAbort  = 4

	groupMarker    = 0xAA
	groupHeaderLen = 1 + 8 + 4

	manifestVersion = 1
	manifestLen     = 32
)

var manifestMagic = [4]byte{'W', 'A', 'L', 'M'}

// WalEntryKind distinguishes redo records (replayed for committed
// transactions) from undo records (ignored during replay).
type WalEntryKind uint8

const (
	WalRedo WalEntryKind = 0
	WalUndo WalEntryKind = 1
)

// WalTxnMarker is the payload of a transaction-boundary record.
type WalTxnMarker uint8

const (
	WalTxnBegin WalTxnMarker = iota
	WalTxnCommit
	WalTxnAbort
)

func (m WalTxnMarker) recordType() byte {
	switch m {
	case WalTxnBegin:
		return recordTypeTxnBegin
	case WalTxnCommit:
		return recordTypeTxnCommit
	default:
		return recordTypeTxnAbort
	}
}

// WalOpKind tags the operation carried by a record.
type WalOpKind uint8

const (
	WalOpPut WalOpKind = iota
	WalOpTombstone
	WalOpTxnMarker
)

// WalRecord is one journaled mutation or transaction marker. Data records
// carry the fences of the leaf at log time so replay stays bounded even if
// the leaf split or merged after logging.
type WalRecord struct {
	PageId     uint64
	Key        []byte
	Value      []byte
	LowerFence []byte
	UpperFence []byte
	Kind       WalEntryKind
	TxnId      uint64
	Op         WalOpKind
	Marker     WalTxnMarker
}

func (r *WalRecord) size() int {
	switch r.Op {
	case WalOpPut:
		return 1 + 1 + 8 + 4 + 4 + 4 + 4 + len(r.Key) + len(r.Value) + len(r.LowerFence) + len(r.UpperFence)
	case WalOpTombstone:
		return 1 + 1 + 8 + 4 + 4 + 4 + len(r.Key) + len(r.LowerFence) + len(r.UpperFence)
	default:
		return 1 + 1 + 8
	}
}

type leafWalStats struct {
	count int
	bytes int
}

type walManifest struct {
	checkpointLen uint64
}

// WalManager owns the append-only journal: grouped records behind a 32-byte
// manifest, plus in-memory mirrors of the record stream and per-page
// counters feeding the checkpoint triggers. A single mutex protects file
// writes and counters.
type WalManager struct {
	mu           sync.Mutex
	file         *os.File
	records      []WalRecord
	leafCounts   map[uint64]*leafWalStats
	totalRecords int
	totalBytes   int
	manifest     walManifest
}

// OpenWal opens or creates the journal at path, truncating any malformed
// tail and reconciling the manifest's checkpoint length.
func OpenWal(path string) (*WalManager, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}

	manifest, err := readManifest(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	records, pageBytes, validLen, err := readRecords(file)
	if err != nil {
		file.Close()
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if validLen < uint64(info.Size()) {
		if err := file.Truncate(int64(validLen)); err != nil {
			file.Close()
			return nil, err
		}
	}
	if manifest.checkpointLen > validLen {
		manifest.checkpointLen = validLen
		if err := writeManifest(file, manifest); err != nil {
			file.Close()
			return nil, err
		}
		fdatasync(file)
	}

	leafCounts := make(map[uint64]*leafWalStats)
	for i := range records {
		stats := leafCounts[records[i].PageId]
		if stats == nil {
			stats = &leafWalStats{}
			leafCounts[records[i].PageId] = stats
		}
		stats.count++
	}
	for page, bytes := range pageBytes {
		stats := leafCounts[page]
		if stats == nil {
			stats = &leafWalStats{}
			leafCounts[page] = stats
		}
		stats.bytes = bytes
	}

	return &WalManager{
		file:         file,
		records:      records,
		leafCounts:   leafCounts,
		totalRecords: len(records),
		totalBytes:   int(validLen),
		manifest:     manifest,
	}, nil
}

func (w *WalManager) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// Records returns a copy of the in-memory record stream, in append order.
func (w *WalManager) Records() []WalRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]WalRecord, len(w.records))
	copy(out, w.records)
	return out
}

// RecordsGrouped returns the record stream bucketed by page id, preserving
// per-page append order.
func (w *WalManager) RecordsGrouped() map[uint64][]WalRecord {
	w.mu.Lock()
	defer w.mu.Unlock()
	grouped := make(map[uint64][]WalRecord)
	for _, r := range w.records {
		grouped[r.PageId] = append(grouped[r.PageId], r)
	}
	return grouped
}

// AppendPut journals a put. kind selects the redo or undo stream.
func (w *WalManager) AppendPut(page PageId, key, value, lowerFence, upperFence []byte, kind WalEntryKind, txnId uint64) error {
	return w.appendRecord(WalRecord{
		PageId:     uint64(page),
		Key:        cloneBytes(key),
		Value:      cloneBytes(value),
		LowerFence: cloneBytes(lowerFence),
		UpperFence: cloneBytes(upperFence),
		Kind:       kind,
		TxnId:      txnId,
		Op:         WalOpPut,
	})
}

// AppendTombstone journals a delete.
func (w *WalManager) AppendTombstone(page PageId, key, lowerFence, upperFence []byte, kind WalEntryKind, txnId uint64) error {
	return w.appendRecord(WalRecord{
		PageId:     uint64(page),
		Key:        cloneBytes(key),
		LowerFence: cloneBytes(lowerFence),
		UpperFence: cloneBytes(upperFence),
		Kind:       kind,
		TxnId:      txnId,
		Op:         WalOpTombstone,
	})
}

// AppendTxnMarker journals a transaction boundary under the sentinel page.
func (w *WalManager) AppendTxnMarker(marker WalTxnMarker, txnId uint64) error {
	return w.appendRecord(WalRecord{
		PageId: WalTxnMetaPageId,
		Kind:   WalRedo,
		TxnId:  txnId,
		Op:     WalOpTxnMarker,
		Marker: marker,
	})
}

func (w *WalManager) appendRecord(record WalRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	w.records = append(w.records, record)
	w.totalRecords++
	stats := w.leafCounts[record.PageId]
	if stats == nil {
		stats = &leafWalStats{}
		w.leafCounts[record.PageId] = stats
	}
	stats.count++
	written, err := writeGroup(w.file, record.PageId, []WalRecord{record})
	if err != nil {
		return err
	}
	stats.bytes += written
	w.totalBytes += written
	return fdatasync(w.file)
}

// CheckpointPage rewrites the journal in place without the given page's
// records, shrinks the file and advances the manifest's checkpoint length.
// This is the only point where earlier bytes of the file disappear.
func (w *WalManager) CheckpointPage(page PageId) error {
	pageKey := uint64(page)
	w.mu.Lock()
	defer w.mu.Unlock()
	found := false
	for i := range w.records {
		if w.records[i].PageId == pageKey {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	kept := w.records[:0]
	for _, r := range w.records {
		if r.PageId != pageKey {
			kept = append(kept, r)
		}
	}
	w.records = kept
	stats, err := rewriteRecords(w.file, w.records)
	if err != nil {
		return err
	}
	w.leafCounts = stats
	w.totalRecords = len(w.records)
	w.totalBytes = 0
	for _, s := range w.leafCounts {
		w.totalBytes += s.bytes
	}
	w.manifest.checkpointLen = manifestLen + uint64(w.totalBytes)
	if err := writeManifest(w.file, w.manifest); err != nil {
		return err
	}
	if err := fdatasync(w.file); err != nil {
		return err
	}
	_, err = w.file.Seek(0, io.SeekEnd)
	return err
}

// Clear drops every record, used after recovery replay.
func (w *WalManager) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.records = nil
	w.leafCounts = make(map[uint64]*leafWalStats)
	w.totalRecords = 0
	w.totalBytes = 0
	w.manifest = walManifest{checkpointLen: manifestLen}
	if err := w.file.Truncate(manifestLen); err != nil {
		return err
	}
	if err := writeManifest(w.file, w.manifest); err != nil {
		return err
	}
	if err := fdatasync(w.file); err != nil {
		return err
	}
	_, err := w.file.Seek(0, io.SeekEnd)
	return err
}

// ShouldCheckpointPage reports whether the page crossed its record cap.
func (w *WalManager) ShouldCheckpointPage(page PageId, threshold int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := w.leafCounts[uint64(page)]
	return stats != nil && stats.count >= threshold
}

func (w *WalManager) TotalRecords() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalRecords
}

func (w *WalManager) TotalBytes() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalBytes
}

// LeafStats returns the (records, bytes) counters for one page.
func (w *WalManager) LeafStats(page PageId) (int, int, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	stats := w.leafCounts[uint64(page)]
	if stats == nil {
		return 0, 0, false
	}
	return stats.count, stats.bytes, true
}

// GlobalCheckpointCandidate picks the page with the highest byte count,
// excluding the txn-marker sentinel, once either global threshold trips.
func (w *WalManager) GlobalCheckpointCandidate(totalRecordThreshold, totalByteThreshold int) (PageId, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.totalRecords < totalRecordThreshold && w.totalBytes < totalByteThreshold {
		return 0, false
	}
	best := uint64(0)
	bestBytes := -1
	found := false
	pages := make([]uint64, 0, len(w.leafCounts))
	for page := range w.leafCounts {
		pages = append(pages, page)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })
	for _, page := range pages {
		if page == WalTxnMetaPageId {
			continue
		}
		if w.leafCounts[page].bytes > bestBytes {
			best, bestBytes, found = page, w.leafCounts[page].bytes, true
		}
	}
	if !found {
		return 0, false
	}
	return PageId(best), true
}

func rewriteRecords(file *os.File, records []WalRecord) (map[uint64]*leafWalStats, error) {
	if err := file.Truncate(manifestLen); err != nil {
		return nil, err
	}
	if _, err := file.Seek(manifestLen, io.SeekStart); err != nil {
		return nil, err
	}
	stats := make(map[uint64]*leafWalStats)
	idx := 0
	for idx < len(records) {
		pageId := records[idx].PageId
		end := idx + 1
		for end < len(records) && records[end].PageId == pageId {
			end++
		}
		written, err := writeGroup(file, pageId, records[idx:end])
		if err != nil {
			return nil, err
		}
		s := stats[pageId]
		if s == nil {
			s = &leafWalStats{}
			stats[pageId] = s
		}
		s.count += end - idx
		s.bytes += written
		idx = end
	}
	return stats, fdatasync(file)
}

func writeGroup(file *os.File, pageId uint64, records []WalRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	buf := make([]byte, 0, groupHeaderLen)
	buf = append(buf, groupMarker)
	buf = binary.LittleEndian.AppendUint64(buf, pageId)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(records)))
	for i := range records {
		buf = appendRecordPayload(buf, &records[i])
	}
	if _, err := file.Write(buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

func appendRecordPayload(buf []byte, r *WalRecord) []byte {
	switch r.Op {
	case WalOpPut:
		buf = append(buf, recordTypePut, byte(r.Kind))
		buf = binary.LittleEndian.AppendUint64(buf, r.TxnId)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Key)))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Value)))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.LowerFence)))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.UpperFence)))
		buf = append(buf, r.Key...)
		buf = append(buf, r.Value...)
		buf = append(buf, r.LowerFence...)
		buf = append(buf, r.UpperFence...)
	case WalOpTombstone:
		buf = append(buf, recordTypeTombstone, byte(r.Kind))
		buf = binary.LittleEndian.AppendUint64(buf, r.TxnId)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.Key)))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.LowerFence)))
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(r.UpperFence)))
		buf = append(buf, r.Key...)
		buf = append(buf, r.LowerFence...)
		buf = append(buf, r.UpperFence...)
	default:
		buf = append(buf, r.Marker.recordType(), byte(r.Kind))
		buf = binary.LittleEndian.AppendUint64(buf, r.TxnId)
	}
	return buf
}

// readRecords parses every complete group from offset 32 forward, stopping
// at the first malformed byte and reporting the last valid boundary.
func readRecords(file *os.File) ([]WalRecord, map[uint64]int, uint64, error) {
	if _, err := file.Seek(manifestLen, io.SeekStart); err != nil {
		return nil, nil, 0, err
	}
	raw, err := io.ReadAll(file)
	if err != nil {
		return nil, nil, 0, err
	}

	var records []WalRecord
	pageBytes := make(map[uint64]int)
	idx := 0
	validIdx := 0
	validRecords := 0

outer:
	for len(raw)-idx >= groupHeaderLen {
		if raw[idx] != groupMarker {
			break
		}
		idx++
		pageId := binary.LittleEndian.Uint64(raw[idx:])
		idx += 8
		recordCount := int(binary.LittleEndian.Uint32(raw[idx:]))
		idx += 4

		payloadBytes := 0
		for parsed := 0; parsed < recordCount; parsed++ {
			if len(raw)-idx < 1+1+8 {
				break outer
			}
			recordType := raw[idx]
			kind := WalEntryKind(raw[idx+1])
			txnId := binary.LittleEndian.Uint64(raw[idx+2:])
			idx += 1 + 1 + 8

			switch recordType {
			case recordTypePut:
				if len(raw)-idx < 16 {
					break outer
				}
				keyLen := int(binary.LittleEndian.Uint32(raw[idx:]))
				valLen := int(binary.LittleEndian.Uint32(raw[idx+4:]))
				lowerLen := int(binary.LittleEndian.Uint32(raw[idx+8:]))
				upperLen := int(binary.LittleEndian.Uint32(raw[idx+12:]))
				idx += 16
				if len(raw)-idx < keyLen+valLen+lowerLen+upperLen {
					break outer
				}
				record := WalRecord{
					PageId:     pageId,
					Key:        cloneBytes(raw[idx : idx+keyLen]),
					Value:      cloneBytes(raw[idx+keyLen : idx+keyLen+valLen]),
					LowerFence: cloneBytes(raw[idx+keyLen+valLen : idx+keyLen+valLen+lowerLen]),
					UpperFence: cloneBytes(raw[idx+keyLen+valLen+lowerLen : idx+keyLen+valLen+lowerLen+upperLen]),
					Kind:       kind,
					TxnId:      txnId,
					Op:         WalOpPut,
				}
				idx += keyLen + valLen + lowerLen + upperLen
				payloadBytes += record.size()
				records = append(records, record)
			case recordTypeTombstone:
				if len(raw)-idx < 12 {
					break outer
				}
				keyLen := int(binary.LittleEndian.Uint32(raw[idx:]))
				lowerLen := int(binary.LittleEndian.Uint32(raw[idx+4:]))
				upperLen := int(binary.LittleEndian.Uint32(raw[idx+8:]))
				idx += 12
				if len(raw)-idx < keyLen+lowerLen+upperLen {
					break outer
				}
				record := WalRecord{
					PageId:     pageId,
					Key:        cloneBytes(raw[idx : idx+keyLen]),
					LowerFence: cloneBytes(raw[idx+keyLen : idx+keyLen+lowerLen]),
					UpperFence: cloneBytes(raw[idx+keyLen+lowerLen : idx+keyLen+lowerLen+upperLen]),
					Kind:       kind,
					TxnId:      txnId,
					Op:         WalOpTombstone,
				}
				idx += keyLen + lowerLen + upperLen
				payloadBytes += record.size()
				records = append(records, record)
			case recordTypeTxnBegin, recordTypeTxnCommit, recordTypeTxnAbort:
				marker := WalTxnBegin
				switch recordType {
				case recordTypeTxnCommit:
					marker = WalTxnCommit
				case recordTypeTxnAbort:
					marker = WalTxnAbort
				}
				record := WalRecord{
					PageId: pageId,
					Kind:   kind,
					TxnId:  txnId,
					Op:     WalOpTxnMarker,
					Marker: marker,
				}
				payloadBytes += record.size()
				records = append(records, record)
			default:
				break outer
			}
		}

		pageBytes[pageId] += groupHeaderLen + payloadBytes
		validIdx = idx
		validRecords = len(records)
	}

	// Records parsed out of a truncated trailing group are dropped along
	// with the bytes.
	return records[:validRecords], pageBytes, manifestLen + uint64(validIdx), nil
}

func readManifest(file *os.File) (walManifest, error) {
	manifest := walManifest{checkpointLen: manifestLen}
	info, err := file.Stat()
	if err != nil {
		return manifest, err
	}
	if info.Size() < manifestLen {
		if err := file.Truncate(manifestLen); err != nil {
			return manifest, err
		}
		if err := writeManifest(file, manifest); err != nil {
			return manifest, err
		}
		return manifest, fdatasync(file)
	}
	var header [manifestLen]byte
	if _, err := file.ReadAt(header[:], 0); err != nil {
		return manifest, err
	}
	if [4]byte(header[0:4]) != manifestMagic ||
		binary.LittleEndian.Uint32(header[4:8]) != manifestVersion {
		if err := writeManifest(file, manifest); err != nil {
			return manifest, err
		}
		return manifest, fdatasync(file)
	}
	manifest.checkpointLen = binary.LittleEndian.Uint64(header[8:16])
	if manifest.checkpointLen < manifestLen {
		manifest.checkpointLen = manifestLen
	}
	return manifest, nil
}

func writeManifest(file *os.File, manifest walManifest) error {
	var buf [manifestLen]byte
	copy(buf[0:4], manifestMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], manifestVersion)
	binary.LittleEndian.PutUint64(buf[8:16], manifest.checkpointLen)
	_, err := file.WriteAt(buf[:], 0)
	return err
}

func fdatasync(file *os.File) error {
	return unix.Fdatasync(int(file.Fd()))
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
