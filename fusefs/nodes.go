//go:build linux || freebsd

package fusefs

import (
	"context"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"bazil.org/fuse"
	"bazil.org/fuse/fs"

	"github.com/absfs/vaultfs"
	"github.com/absfs/vaultfs/volfs"
)

// statBlockSize is the block size reported by statfs.
const statBlockSize = 4096

// attrValid is how long the kernel may cache attributes.
const attrValid = time.Second

// filesystem is the FUSE tree over one adapter. Nodes are cached by volume
// path so a rename can move every node below the renamed entry.
type filesystem struct {
	adapter *vaultfs.Adapter
	uid     uint32
	gid     uint32

	mu    sync.Mutex
	nodes map[string]*node
}

var (
	_ fs.FS         = (*filesystem)(nil)
	_ fs.FSStatfser = (*filesystem)(nil)
)

func newFS(a *vaultfs.Adapter) *filesystem {
	return &filesystem{
		adapter: a,
		uid:     uint32(os.Getuid()),
		gid:     uint32(os.Getgid()),
		nodes:   make(map[string]*node),
	}
}

func (f *filesystem) Root() (fs.Node, error) {
	return &Dir{f.node("/")}, nil
}

func (f *filesystem) Statfs(ctx context.Context, req *fuse.StatfsRequest, resp *fuse.StatfsResponse) error {
	u, err := f.adapter.GetFreeSpace()
	if err != nil {
		return errno(err)
	}
	resp.Bsize = statBlockSize
	resp.Frsize = statBlockSize
	resp.Blocks = uint64(u.Total) / statBlockSize
	resp.Bfree = uint64(u.Free) / statBlockSize
	resp.Bavail = resp.Bfree
	resp.Namelen = f.adapter.GetVolumeInformation().MaxComponentLength
	return nil
}

// node returns the cached node for p, creating it if needed.
func (f *filesystem) node(p string) *node {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n, ok := f.nodes[p]; ok {
		return n
	}
	n := &node{fs: f, path: p}
	f.nodes[p] = n
	return n
}

func (f *filesystem) forget(p string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, p)
}

// rename moves the cached nodes at and below oldp to newp.
func (f *filesystem) rename(oldp, newp string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.nodes, newp)
	for p, n := range f.nodes {
		if p != oldp && !strings.HasPrefix(p, oldp+"/") {
			continue
		}
		np := newp + strings.TrimPrefix(p, oldp)
		delete(f.nodes, p)
		n.path = np
		f.nodes[np] = n
	}
}

func errno(err error) error {
	if err == nil {
		return nil
	}
	return fuse.Errno(Errno(err))
}

// node is the state shared by files and directories.
type node struct {
	fs   *filesystem
	path string // guarded by fs.mu
}

func (n *node) volumePath() string {
	n.fs.mu.Lock()
	defer n.fs.mu.Unlock()
	return n.path
}

func (n *node) child(name string) string {
	return path.Join(n.volumePath(), name)
}

func (n *node) Attr(ctx context.Context, a *fuse.Attr) error {
	info, err := n.fs.adapter.GetFileInformation(n.volumePath())
	if err != nil {
		return errno(err)
	}
	n.fill(info, a)
	return nil
}

func (n *node) fill(info vaultfs.EntryInfo, a *fuse.Attr) {
	a.Valid = attrValid
	a.Size = uint64(info.Size)
	a.Blocks = (a.Size + 511) / 512
	a.BlockSize = statBlockSize
	a.Atime = info.Accessed
	a.Mtime = info.Modified
	a.Ctime = info.Modified
	a.Uid = n.fs.uid
	a.Gid = n.fs.gid
	a.Nlink = 1
	a.Mode = 0o644
	if info.IsDir {
		a.Mode = os.ModeDir | 0o755
		a.Nlink = 2
	}
	if info.Attributes&volfs.AttrReadOnly != 0 {
		a.Mode &^= 0o222
	}
}

// Setattr applies size, time and mode changes. Only the owner write bit
// of the mode is kept, as the read-only attribute.
func (n *node) Setattr(ctx context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	a := n.fs.adapter
	p := n.volumePath()

	if req.Valid.Size() {
		if err := a.SetLength(p, int64(req.Size)); err != nil {
			return errno(err)
		}
	}
	if req.Valid.Atime() || req.Valid.Mtime() {
		var accessed, modified time.Time
		if req.Valid.Atime() {
			accessed = req.Atime
		}
		if req.Valid.Mtime() {
			modified = req.Mtime
		}
		if req.Valid.AtimeNow() {
			accessed = time.Now()
		}
		if req.Valid.MtimeNow() {
			modified = time.Now()
		}
		if err := a.SetTimes(p, time.Time{}, accessed, modified); err != nil {
			return errno(err)
		}
	}
	if req.Valid.Mode() {
		info, err := a.GetFileInformation(p)
		if err != nil {
			return errno(err)
		}
		attrs := info.Attributes &^ (volfs.AttrDirectory | volfs.AttrNormal)
		if req.Mode.Perm()&0o200 == 0 {
			attrs |= volfs.AttrReadOnly
		} else {
			attrs &^= volfs.AttrReadOnly
		}
		if err := a.SetAttributes(p, attrs); err != nil {
			return errno(err)
		}
	}

	info, err := a.GetFileInformation(p)
	if err != nil {
		return errno(err)
	}
	n.fill(info, &resp.Attr)
	return nil
}

// Dir is a directory node
type Dir struct {
	*node
}

var (
	_ fs.Node               = (*Dir)(nil)
	_ fs.NodeStringLookuper = (*Dir)(nil)
	_ fs.HandleReadDirAller = (*Dir)(nil)
	_ fs.NodeCreater        = (*Dir)(nil)
	_ fs.NodeMkdirer        = (*Dir)(nil)
	_ fs.NodeRemover        = (*Dir)(nil)
	_ fs.NodeRenamer        = (*Dir)(nil)
	_ fs.NodeSetattrer      = (*Dir)(nil)
)

func (d *Dir) Lookup(ctx context.Context, name string) (fs.Node, error) {
	p := d.child(name)
	info, err := d.fs.adapter.GetFileInformation(p)
	if err != nil {
		return nil, errno(err)
	}
	if info.IsDir {
		return &Dir{d.fs.node(p)}, nil
	}
	return &File{d.fs.node(p)}, nil
}

func (d *Dir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	entries, err := d.fs.adapter.FindFiles(d.volumePath())
	if err != nil {
		return nil, errno(err)
	}
	out := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		typ := fuse.DT_File
		if e.IsDir {
			typ = fuse.DT_Dir
		}
		out = append(out, fuse.Dirent{Name: e.Name, Type: typ})
	}
	return out, nil
}

func (d *Dir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fs.Node, fs.Handle, error) {
	p := d.child(req.Name)
	mode := vaultfs.ModeOpenOrCreate
	switch {
	case req.Flags&fuse.OpenExclusive != 0:
		mode = vaultfs.ModeCreateNew
	case req.Flags&fuse.OpenTruncate != 0:
		mode = vaultfs.ModeCreate
	}
	if _, err := d.fs.adapter.Create(p, mode, false); err != nil {
		return nil, nil, errno(err)
	}
	n := d.fs.node(p)
	return &File{n}, &handle{n}, nil
}

func (d *Dir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fs.Node, error) {
	p := d.child(req.Name)
	if err := d.fs.adapter.Mkdir(p); err != nil {
		return nil, errno(err)
	}
	return &Dir{d.fs.node(p)}, nil
}

func (d *Dir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	p := d.child(req.Name)
	var err error
	if req.Dir {
		err = d.fs.adapter.Rmdir(p)
	} else {
		err = d.fs.adapter.Delete(p)
	}
	if err != nil {
		return errno(err)
	}
	d.fs.forget(p)
	return nil
}

func (d *Dir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fs.Node) error {
	target, ok := newDir.(*Dir)
	if !ok {
		return fuse.Errno(syscall.ENOENT)
	}
	oldp := d.child(req.OldName)
	newp := target.child(req.NewName)
	if err := d.fs.adapter.Move(oldp, newp, true); err != nil {
		return errno(err)
	}
	d.fs.rename(oldp, newp)
	return nil
}

// File is a regular file node
type File struct {
	*node
}

var (
	_ fs.Node          = (*File)(nil)
	_ fs.NodeOpener    = (*File)(nil)
	_ fs.NodeFsyncer   = (*File)(nil)
	_ fs.NodeSetattrer = (*File)(nil)
)

func (f *File) Open(ctx context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fs.Handle, error) {
	mode := vaultfs.ModeOpen
	if req.Flags&fuse.OpenTruncate != 0 {
		mode = vaultfs.ModeTruncate
	}
	if _, err := f.fs.adapter.Create(f.volumePath(), mode, false); err != nil {
		return nil, errno(err)
	}
	return &handle{f.node}, nil
}

func (f *File) Fsync(ctx context.Context, req *fuse.FsyncRequest) error {
	return errno(f.fs.adapter.Flush(f.volumePath()))
}

// handle is one open of a file. Each holds one adapter reference,
// released by Release.
type handle struct {
	n *node
}

var (
	_ fs.HandleReader   = (*handle)(nil)
	_ fs.HandleWriter   = (*handle)(nil)
	_ fs.HandleFlusher  = (*handle)(nil)
	_ fs.HandleReleaser = (*handle)(nil)
)

func (h *handle) Read(ctx context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	buf := make([]byte, req.Size)
	n, err := h.n.fs.adapter.Read(h.n.volumePath(), buf, req.Offset)
	if err != nil {
		return errno(err)
	}
	resp.Data = buf[:n]
	return nil
}

func (h *handle) Write(ctx context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	n, err := h.n.fs.adapter.Write(h.n.volumePath(), req.Data, req.Offset)
	resp.Size = n
	return errno(err)
}

func (h *handle) Flush(ctx context.Context, req *fuse.FlushRequest) error {
	return errno(h.n.fs.adapter.Flush(h.n.volumePath()))
}

func (h *handle) Release(ctx context.Context, req *fuse.ReleaseRequest) error {
	return errno(h.n.fs.adapter.Close(h.n.volumePath()))
}
