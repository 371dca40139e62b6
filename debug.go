package quickstep

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"

	atomicfile "github.com/natefinch/atomic"
)

// Structural-event counters for tests and the REPL. Process wide; reset
// between scenarios.

type SplitEvent struct {
	LeftPage  uint64
	RightPage uint64
}

type MergeEvent struct {
	SurvivorPage uint64
	RemovedPage  uint64
}

var (
	splitCounter    atomic.Uint64
	mergeCounter    atomic.Uint64
	evictionCounter atomic.Uint64

	eventMu     sync.Mutex
	splitEvents []SplitEvent
	mergeEvents []MergeEvent
)

func recordSplitEvent(left, right PageId) {
	splitCounter.Add(1)
	eventMu.Lock()
	splitEvents = append(splitEvents, SplitEvent{LeftPage: uint64(left), RightPage: uint64(right)})
	eventMu.Unlock()
}

func recordMergeEvent(survivor, removed PageId) {
	mergeCounter.Add(1)
	eventMu.Lock()
	mergeEvents = append(mergeEvents, MergeEvent{SurvivorPage: uint64(survivor), RemovedPage: uint64(removed)})
	eventMu.Unlock()
}

func recordEviction() { evictionCounter.Add(1) }

// ResetDebugCounters zeroes every counter and event list.
func ResetDebugCounters() {
	splitCounter.Store(0)
	mergeCounter.Store(0)
	evictionCounter.Store(0)
	eventMu.Lock()
	splitEvents = nil
	mergeEvents = nil
	eventMu.Unlock()
}

func SplitRequests() uint64 { return splitCounter.Load() }

func MergeRequests() uint64 { return mergeCounter.Load() }

func Evictions() uint64 { return evictionCounter.Load() }

func SplitEvents() []SplitEvent {
	eventMu.Lock()
	defer eventMu.Unlock()
	out := make([]SplitEvent, len(splitEvents))
	copy(out, splitEvents)
	return out
}

func MergeEvents() []MergeEvent {
	eventMu.Lock()
	defer eventMu.Unlock()
	out := make([]MergeEvent, len(mergeEvents))
	copy(out, mergeEvents)
	return out
}

// StoreStats is the snapshot written by DumpStats.
type StoreStats struct {
	Splits        uint64 `json:"splits"`
	Merges        uint64 `json:"merges"`
	Evictions     uint64 `json:"evictions"`
	WalRecords    int    `json:"wal_records"`
	WalBytes      int    `json:"wal_bytes"`
	CheckpointLen uint64 `json:"checkpoint_len"`
}

// DumpStats writes a JSON snapshot to path atomically so an observer never
// reads a torn file.
func (db *QuickStep) DumpStats(path string) error {
	db.wal.mu.Lock()
	stats := StoreStats{
		Splits:        SplitRequests(),
		Merges:        MergeRequests(),
		Evictions:     Evictions(),
		WalRecords:    db.wal.totalRecords,
		WalBytes:      db.wal.totalBytes,
		CheckpointLen: db.wal.manifest.checkpointLen,
	}
	db.wal.mu.Unlock()
	blob, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.WriteFile(path, strings.NewReader(string(blob)+"\n"))
}
