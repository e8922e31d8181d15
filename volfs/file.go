package volfs

import (
	"io"
	"io/fs"
	"os"
	"sync"

	"github.com/absfs/absfs"
)

var _ absfs.File = (*File)(nil)

// File is an open file or directory on a volume.
type File struct {
	fs   *FileSystem
	n    *node
	name string
	flag int

	mu     sync.Mutex
	off    int64
	dirPos int
	closed bool
}

// Name returns the name the file was opened with
func (f *File) Name() string {
	return f.name
}

func (f *File) readable() error {
	if f.flag&os.O_WRONLY != 0 {
		return ErrWriteOnly
	}
	return nil
}

func (f *File) writable() error {
	if f.flag&(os.O_WRONLY|os.O_RDWR) == 0 {
		return ErrReadOnly
	}
	return nil
}

// check validates the handle for data access. Callers hold f.mu.
func (f *File) check(op string) error {
	if f.closed {
		return pathErr(op, f.name, fs.ErrClosed)
	}
	if f.n.dir {
		return pathErr(op, f.name, ErrIsDir)
	}
	if f.n.removed {
		return pathErr(op, f.name, fs.ErrNotExist)
	}
	return nil
}

func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n, err := f.readAt("read", p, f.off)
	f.off += int64(n)
	return n, err
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, pathErr("readat", f.name, fs.ErrInvalid)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAt("readat", p, off)
}

func (f *File) readAt(op string, p []byte, off int64) (int, error) {
	if err := f.check(op); err != nil {
		return 0, err
	}
	if err := f.readable(); err != nil {
		return 0, pathErr(op, f.name, err)
	}
	if len(p) == 0 {
		return 0, nil
	}
	f.fs.mu.RLock()
	defer f.fs.mu.RUnlock()
	if err := f.fs.checkOpen(op, f.name); err != nil {
		return 0, err
	}
	return f.fs.readData(f.n, p, off)
}

func (f *File) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	off := f.off
	if f.flag&os.O_APPEND != 0 {
		f.fs.mu.RLock()
		off = f.n.size
		f.fs.mu.RUnlock()
	}
	n, err := f.writeAt("write", p, off)
	f.off = off + int64(n)
	return n, err
}

func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, pathErr("writeat", f.name, fs.ErrInvalid)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.flag&os.O_APPEND != 0 {
		return 0, pathErr("writeat", f.name, fs.ErrInvalid)
	}
	return f.writeAt("writeat", p, off)
}

func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

func (f *File) writeAt(op string, p []byte, off int64) (int, error) {
	if err := f.check(op); err != nil {
		return 0, err
	}
	if err := f.writable(); err != nil {
		return 0, pathErr(op, f.name, err)
	}
	if len(p) == 0 {
		return 0, nil
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if err := f.fs.checkOpen(op, f.name); err != nil {
		return 0, err
	}
	n, err := f.fs.writeData(f.n, p, off)
	f.n.modified = f.fs.now()
	if err != nil {
		return n, pathErr(op, f.name, err)
	}
	return n, nil
}

func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, pathErr("seek", f.name, fs.ErrClosed)
	}

	var base int64
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		base = f.off
	case io.SeekEnd:
		f.fs.mu.RLock()
		base = f.n.size
		f.fs.mu.RUnlock()
	default:
		return 0, pathErr("seek", f.name, fs.ErrInvalid)
	}
	pos := base + offset
	if pos < 0 {
		return 0, pathErr("seek", f.name, fs.ErrInvalid)
	}
	f.off = pos
	return pos, nil
}

// Truncate changes the size of the file
func (f *File) Truncate(size int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.check("truncate"); err != nil {
		return err
	}
	if err := f.writable(); err != nil {
		return pathErr("truncate", f.name, err)
	}
	if size < 0 {
		return pathErr("truncate", f.name, fs.ErrInvalid)
	}
	f.fs.mu.Lock()
	defer f.fs.mu.Unlock()
	if err := f.fs.resizeNode(f.n, size); err != nil {
		return pathErr("truncate", f.name, err)
	}
	f.n.modified = f.fs.now()
	return nil
}

// Sync commits the volume metadata
func (f *File) Sync() error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return pathErr("sync", f.name, fs.ErrClosed)
	}
	return f.fs.Sync()
}

// Close releases the handle. Metadata is committed by Sync or by closing the volume.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return pathErr("close", f.name, fs.ErrClosed)
	}
	f.closed = true
	return nil
}

func (f *File) Stat() (os.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, pathErr("stat", f.name, fs.ErrClosed)
	}
	f.fs.mu.RLock()
	defer f.fs.mu.RUnlock()
	return newFileInfo(f.n, f.fs.sb.blockSize), nil
}

// ReadDir reads directory entries in name order, continuing from the
// previous call. With n <= 0 all remaining entries are returned.
func (f *File) ReadDir(n int) ([]fs.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, pathErr("readdir", f.name, fs.ErrClosed)
	}
	if !f.n.dir {
		return nil, pathErr("readdir", f.name, ErrNotDir)
	}

	f.fs.mu.RLock()
	all := dirEntries(f.n, f.fs.sb.blockSize)
	f.fs.mu.RUnlock()

	rest := all[min(f.dirPos, len(all)):]
	if n <= 0 {
		f.dirPos = len(all)
		return rest, nil
	}
	if len(rest) == 0 {
		return nil, io.EOF
	}
	rest = rest[:min(n, len(rest))]
	f.dirPos += len(rest)
	return rest, nil
}

func (f *File) Readdir(n int) ([]os.FileInfo, error) {
	entries, err := f.ReadDir(n)
	infos := make([]os.FileInfo, 0, len(entries))
	for _, e := range entries {
		info, _ := e.Info()
		infos = append(infos, info)
	}
	return infos, err
}

func (f *File) Readdirnames(n int) ([]string, error) {
	entries, err := f.ReadDir(n)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, err
}
