package volfs

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path"
	"time"

	"github.com/absfs/absfs"
)

var _ absfs.FileSystem = (*FileSystem)(nil)

// Separator returns the path separator
func (f *FileSystem) Separator() uint8 {
	return '/'
}

// ListSeparator returns the path list separator
func (f *FileSystem) ListSeparator() uint8 {
	return ':'
}

// Chdir changes the working directory used for relative paths
func (f *FileSystem) Chdir(dir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.abs(dir)
	n, err := f.lookup(p)
	if err != nil {
		return pathErr("chdir", dir, err)
	}
	if !n.dir {
		return pathErr("chdir", dir, ErrNotDir)
	}
	f.cwd = p
	return nil
}

// Getwd returns the working directory
func (f *FileSystem) Getwd() (string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.cwd, nil
}

// TempDir returns the directory for temporary files
func (f *FileSystem) TempDir() string {
	return "/tmp"
}

// Open opens a file for reading
func (f *FileSystem) Open(name string) (absfs.File, error) {
	return f.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates a file for writing
func (f *FileSystem) Create(name string) (absfs.File, error) {
	return f.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

// OpenFile opens a file or directory. Directories may only be opened read-only.
func (f *FileSystem) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	p := f.abs(name)
	writable := flag&(os.O_WRONLY|os.O_RDWR) != 0

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen("open", name); err != nil {
		return nil, err
	}

	n, err := f.lookup(p)
	switch {
	case err == nil:
		if flag&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL {
			return nil, pathErr("open", name, fs.ErrExist)
		}
		if n.dir && (writable || flag&os.O_TRUNC != 0) {
			return nil, pathErr("open", name, ErrIsDir)
		}
		if writable && n.attrs&AttrReadOnly != 0 {
			return nil, pathErr("open", name, fs.ErrPermission)
		}
		if flag&os.O_TRUNC != 0 && writable {
			f.freeAll(n)
			n.modified = f.now()
			f.dirty = true
		}
	case errors.Is(err, fs.ErrNotExist) && flag&os.O_CREATE != 0:
		parent, base, perr := f.lookupParent(p)
		if perr != nil {
			return nil, pathErr("open", name, perr)
		}
		n = newNode(base, false, perm, f.now())
		n.parent = parent
		parent.children[base] = n
		parent.modified = n.created
		f.dirty = true
	default:
		return nil, pathErr("open", name, err)
	}

	return &File{fs: f, n: n, name: name, flag: flag}, nil
}

// Mkdir creates a directory
func (f *FileSystem) Mkdir(name string, perm os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen("mkdir", name); err != nil {
		return err
	}
	return f.mkdir(f.abs(name), name, perm)
}

func (f *FileSystem) mkdir(p, name string, perm os.FileMode) error {
	parent, base, err := f.lookupParent(p)
	if err != nil {
		if errors.Is(err, fs.ErrInvalid) {
			return pathErr("mkdir", name, fs.ErrExist)
		}
		return pathErr("mkdir", name, err)
	}
	if _, ok := parent.children[base]; ok {
		return pathErr("mkdir", name, fs.ErrExist)
	}
	n := newNode(base, true, perm, f.now())
	n.parent = parent
	parent.children[base] = n
	parent.modified = n.created
	f.dirty = true
	return nil
}

// MkdirAll creates a directory and all missing parents
func (f *FileSystem) MkdirAll(name string, perm os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen("mkdir", name); err != nil {
		return err
	}

	p := f.abs(name)
	if n, err := f.lookup(p); err == nil {
		if n.dir {
			return nil
		}
		return pathErr("mkdir", name, ErrNotDir)
	}

	cur := "/"
	for _, part := range splitPath(p) {
		cur = path.Join(cur, part)
		n, err := f.lookup(cur)
		if err == nil {
			if !n.dir {
				return pathErr("mkdir", name, ErrNotDir)
			}
			continue
		}
		if err := f.mkdir(cur, name, perm); err != nil {
			return err
		}
	}
	return nil
}

// Remove removes a file or an empty directory
func (f *FileSystem) Remove(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen("remove", name); err != nil {
		return err
	}

	p := f.abs(name)
	if p == "/" {
		return pathErr("remove", name, fs.ErrInvalid)
	}
	n, err := f.lookup(p)
	if err != nil {
		return pathErr("remove", name, err)
	}
	if n.dir && len(n.children) > 0 {
		return pathErr("remove", name, ErrNotEmpty)
	}
	f.unlink(n)
	return nil
}

// RemoveAll removes a path and everything below it. Missing paths are not an error.
func (f *FileSystem) RemoveAll(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen("removeall", name); err != nil {
		return err
	}

	p := f.abs(name)
	n, err := f.lookup(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return pathErr("removeall", name, err)
	}
	if p == "/" {
		for _, c := range n.sortedChildren() {
			f.unlinkTree(c)
		}
		return nil
	}
	f.unlinkTree(n)
	return nil
}

func (f *FileSystem) unlinkTree(n *node) {
	for _, c := range n.sortedChildren() {
		f.unlinkTree(c)
	}
	f.unlink(n)
}

func (f *FileSystem) unlink(n *node) {
	f.freeAll(n)
	delete(n.parent.children, n.name)
	n.parent.modified = f.now()
	n.removed = true
	f.dirty = true
}

// Rename moves oldpath to newpath, replacing a file or an empty directory
// of the same kind at newpath.
func (f *FileSystem) Rename(oldpath, newpath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen("rename", oldpath); err != nil {
		return err
	}

	op, np := f.abs(oldpath), f.abs(newpath)
	if op == "/" || np == "/" {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: fs.ErrInvalid}
	}
	src, err := f.lookup(op)
	if err != nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: err}
	}
	if op == np {
		return nil
	}
	parent, base, err := f.lookupParent(np)
	if err != nil {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: err}
	}
	if src.dir && src.isAncestorOf(parent) {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: fs.ErrInvalid}
	}

	if dst, ok := parent.children[base]; ok {
		switch {
		case dst.dir && !src.dir:
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: ErrIsDir}
		case !dst.dir && src.dir:
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: ErrNotDir}
		case dst.dir && len(dst.children) > 0:
			return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: ErrNotEmpty}
		}
		f.unlink(dst)
	}

	now := f.now()
	delete(src.parent.children, src.name)
	src.parent.modified = now
	src.name = base
	src.parent = parent
	parent.children[base] = src
	parent.modified = now
	f.dirty = true
	return nil
}

// Stat returns file information
func (f *FileSystem) Stat(name string) (os.FileInfo, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.checkOpen("stat", name); err != nil {
		return nil, err
	}
	n, err := f.lookup(f.abs(name))
	if err != nil {
		return nil, pathErr("stat", name, err)
	}
	return newFileInfo(n, f.sb.blockSize), nil
}

// ReadDir returns the entries of a directory sorted by name
func (f *FileSystem) ReadDir(name string) ([]fs.DirEntry, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if err := f.checkOpen("readdir", name); err != nil {
		return nil, err
	}
	n, err := f.lookup(f.abs(name))
	if err != nil {
		return nil, pathErr("readdir", name, err)
	}
	if !n.dir {
		return nil, pathErr("readdir", name, ErrNotDir)
	}
	return dirEntries(n, f.sb.blockSize), nil
}

// ReadFile returns the contents of a file
func (f *FileSystem) ReadFile(name string) ([]byte, error) {
	file, err := f.Open(name)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(file)
}

// Sub returns an fs.FS rooted at dir
func (f *FileSystem) Sub(dir string) (fs.FS, error) {
	info, err := f.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, pathErr("sub", dir, ErrNotDir)
	}
	return &subFS{fs: f, root: f.abs(dir)}, nil
}

// Chmod changes the permission bits
func (f *FileSystem) Chmod(name string, mode os.FileMode) error {
	return f.update("chmod", name, func(n *node) {
		n.perm = mode.Perm()
	})
}

// Chtimes changes the access and modification times
func (f *FileSystem) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return f.update("chtimes", name, func(n *node) {
		n.accessed = atime
		n.modified = mtime
	})
}

// Chown is accepted and ignored; volumes carry no ownership
func (f *FileSystem) Chown(name string, uid, gid int) error {
	return f.update("chown", name, func(*node) {})
}

// Truncate changes the size of a file
func (f *FileSystem) Truncate(name string, size int64) error {
	if size < 0 {
		return pathErr("truncate", name, fs.ErrInvalid)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen("truncate", name); err != nil {
		return err
	}
	n, err := f.lookup(f.abs(name))
	if err != nil {
		return pathErr("truncate", name, err)
	}
	if n.dir {
		return pathErr("truncate", name, ErrIsDir)
	}
	if err := f.resizeNode(n, size); err != nil {
		return pathErr("truncate", name, err)
	}
	n.modified = f.now()
	return nil
}

// SetAttributes replaces the ReadOnly, Hidden, System and Archive flags
func (f *FileSystem) SetAttributes(name string, attrs uint32) error {
	return f.update("setattr", name, func(n *node) {
		n.attrs = attrs & storedAttrs
	})
}

// Attributes returns the attribute flags of a path
func (f *FileSystem) Attributes(name string) (uint32, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	n, err := f.lookup(f.abs(name))
	if err != nil {
		return 0, pathErr("getattr", name, err)
	}
	return n.attributes(), nil
}

// SetTimes sets creation, access and modification times. Zero values are left unchanged.
func (f *FileSystem) SetTimes(name string, created, accessed, modified time.Time) error {
	return f.update("settimes", name, func(n *node) {
		if !created.IsZero() {
			n.created = created
		}
		if !accessed.IsZero() {
			n.accessed = accessed
		}
		if !modified.IsZero() {
			n.modified = modified
		}
	})
}

func (f *FileSystem) update(op, name string, fn func(*node)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen(op, name); err != nil {
		return err
	}
	n, err := f.lookup(f.abs(name))
	if err != nil {
		return pathErr(op, name, err)
	}
	fn(n)
	f.dirty = true
	return nil
}

func splitPath(p string) []string {
	var parts []string
	for p != "/" && p != "." && p != "" {
		dir, base := path.Split(p)
		parts = append([]string{base}, parts...)
		p = path.Clean(dir)
	}
	return parts
}

type subFS struct {
	fs   *FileSystem
	root string
}

func (s *subFS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, pathErr("open", name, fs.ErrInvalid)
	}
	f, err := s.fs.Open(path.Join(s.root, name))
	if err != nil {
		return nil, err
	}
	return f, nil
}
