package volfs

import (
	"io"
	"sync"

	"github.com/absfs/absfs"
)

// Device is the block storage a volume lives on. The vault's sector
// stream implements it; FileDevice adapts any absfs.File.
type Device interface {
	io.ReaderAt
	io.WriterAt
	Size() (int64, error)
	Truncate(size int64) error
	Sync() error
}

// fileDevice serializes access to f, whose ReadAt and WriteAt may share a
// file offset.
type fileDevice struct {
	mu sync.Mutex
	f  absfs.File
}

// FileDevice exposes an absfs.File as a Device.
func FileDevice(f absfs.File) Device {
	return &fileDevice{f: f}
}

func (d *fileDevice) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.ReadAt(p, off)
}

func (d *fileDevice) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.WriteAt(p, off)
}

// Size reports the end of the open file. Stat is not used: it may trail
// writes the file has not synced yet.
func (d *fileDevice) Size() (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Seek(0, io.SeekEnd)
}

func (d *fileDevice) Truncate(size int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Truncate(size)
}

func (d *fileDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.f.Sync()
}
