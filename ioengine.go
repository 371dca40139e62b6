package quickstep

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/quickstep-kv/quickstep/interfaces"
)

// storeMagic identifies file page zero of a quickstep data file. Leaf
// addresses start after it, so leaf addr a lives at file offset (a+1)*4096.
var storeMagic = [4]byte{'Q', 'S', 'D', 'B'}

const storeVersion = 1

// IoEngine wraps the page-file collaborator with leaf-granular reads and
// writes plus disk address allocation.
type IoEngine struct {
	file     interfaces.PageFile
	nextAddr atomic.Uint64
}

func NewIoEngine(file interfaces.PageFile, nextAddr uint64) *IoEngine {
	io := &IoEngine{file: file}
	io.nextAddr.Store(nextAddr)
	return io
}

// GetPage reads the leaf image at addr into a fresh buffer.
func (io *IoEngine) GetPage(addr uint64) (Node, error) {
	buf := make([]byte, PageSize)
	if _, err := io.file.ReadAt(buf, int64((addr+1)*PageSize)); err != nil {
		return nil, fmt.Errorf("read leaf %d: %w", addr, err)
	}
	return Node(buf), nil
}

// WritePage persists a full leaf image at addr and syncs. Durability here
// must precede any WAL truncation for the page.
func (io *IoEngine) WritePage(addr uint64, node Node) error {
	if _, err := io.file.WriteAt(node[:PageSize], int64((addr+1)*PageSize)); err != nil {
		return fmt.Errorf("write leaf %d: %w", addr, err)
	}
	return io.file.Sync()
}

// NewAddr hands out the next unused disk address.
func (io *IoEngine) NewAddr() uint64 {
	return io.nextAddr.Add(1) - 1
}

// PageCount reports how many leaf addresses the file currently covers.
func (io *IoEngine) PageCount() (uint64, error) {
	size, err := io.file.Size()
	if err != nil {
		return 0, err
	}
	if size < 2*PageSize {
		return 0, nil
	}
	return uint64(size)/PageSize - 1, nil
}

func (io *IoEngine) Close() error { return io.file.Close() }

// writeStoreHeader stamps file page zero on a fresh store.
func writeStoreHeader(file interfaces.PageFile) error {
	buf := make([]byte, PageSize)
	copy(buf[0:4], storeMagic[:])
	binary.LittleEndian.PutUint32(buf[4:8], storeVersion)
	_, err := file.WriteAt(buf, 0)
	return err
}

// checkStoreHeader validates file page zero of an existing store.
func checkStoreHeader(file interfaces.PageFile) error {
	buf := make([]byte, PageSize)
	if _, err := file.ReadAt(buf, 0); err != nil {
		return err
	}
	if [4]byte(buf[0:4]) != storeMagic {
		return fmt.Errorf("not a quickstep data file")
	}
	if v := binary.LittleEndian.Uint32(buf[4:8]); v != storeVersion {
		return fmt.Errorf("unsupported data file version %d", v)
	}
	return nil
}
