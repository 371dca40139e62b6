// Package pagefile implements the quickstep page-file seam on top of a real
// file opened for direct I/O. Reads and writes go through 4096-aligned
// scratch blocks so the kernel page cache is bypassed where the platform
// supports it.
package pagefile

import (
	"os"

	"github.com/ncw/directio"
	"golang.org/x/sys/unix"

	"github.com/quickstep-kv/quickstep/interfaces"
)

type File struct {
	f *os.File
}

// Open opens (creating if necessary) the data file at path with direct I/O
// and takes an exclusive advisory lock. A second opener fails immediately
// instead of corrupting the store.
func Open(path string) (*File, error) {
	f, err := directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, err
	}
	return &File{f: f}, nil
}

func (pf *File) ReadAt(p []byte, off int64) (int, error) {
	block := directio.AlignedBlock(len(p))
	n, err := pf.f.ReadAt(block, off)
	copy(p, block[:n])
	return n, err
}

func (pf *File) WriteAt(p []byte, off int64) (int, error) {
	block := directio.AlignedBlock(len(p))
	copy(block, p)
	return pf.f.WriteAt(block, off)
}

func (pf *File) Sync() error { return pf.f.Sync() }

func (pf *File) Truncate(size int64) error { return pf.f.Truncate(size) }

func (pf *File) Size() (int64, error) {
	info, err := pf.f.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (pf *File) Close() error {
	unix.Flock(int(pf.f.Fd()), unix.LOCK_UN)
	return pf.f.Close()
}

var _ interfaces.PageFile = (*File)(nil)
