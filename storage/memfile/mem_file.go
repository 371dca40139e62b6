// Package memfile implements the quickstep page-file seam in memory. Tests
// use it to exercise the store without touching disk.
package memfile

import (
	"github.com/dsnet/golib/memfile"

	"github.com/quickstep-kv/quickstep/interfaces"
)

type File struct {
	mf *memfile.File
}

func New() *File {
	return &File{mf: memfile.New(nil)}
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	return f.mf.ReadAt(p, off)
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	return f.mf.WriteAt(p, off)
}

func (f *File) Sync() error { return nil }

func (f *File) Truncate(size int64) error { return f.mf.Truncate(size) }

func (f *File) Size() (int64, error) {
	return int64(len(f.mf.Bytes())), nil
}

func (f *File) Close() error { return nil }

var _ interfaces.PageFile = (*File)(nil)
