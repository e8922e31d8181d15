//go:build linux || freebsd

package fusefs

import (
	"context"
	"os"
	"syscall"
	"testing"

	"bazil.org/fuse"
	"github.com/absfs/memfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/absfs/vaultfs"
	"github.com/absfs/vaultfs/volfs"
)

func newTestFS(t *testing.T) (*filesystem, *Dir) {
	t.Helper()
	mfs, err := memfs.NewFS()
	require.NoError(t, err)
	f, err := mfs.OpenFile("/volume", os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	vol, err := volfs.Format(volfs.FileDevice(f), 4<<20, volfs.WithLabel("fuse"))
	require.NoError(t, err)

	a := vaultfs.NewAdapter(vol, vaultfs.WithAdapterMetrics(vaultfs.NewMetrics()))
	t.Cleanup(func() {
		a.Shutdown()
		vol.Close()
		f.Close()
	})
	fsys := newFS(a)
	root, err := fsys.Root()
	require.NoError(t, err)
	return fsys, root.(*Dir)
}

func createFile(t *testing.T, dir *Dir, name string, data []byte) *File {
	t.Helper()
	ctx := context.Background()
	req := &fuse.CreateRequest{Name: name, Flags: fuse.OpenReadWrite | fuse.OpenCreate | fuse.OpenExclusive, Mode: 0o644}
	node, h, err := dir.Create(ctx, req, &fuse.CreateResponse{})
	require.NoError(t, err)
	if len(data) > 0 {
		resp := &fuse.WriteResponse{}
		require.NoError(t, h.(*handle).Write(ctx, &fuse.WriteRequest{Data: data}, resp))
		require.Equal(t, len(data), resp.Size)
	}
	require.NoError(t, h.(*handle).Release(ctx, &fuse.ReleaseRequest{}))
	return node.(*File)
}

func TestCreateReadWrite(t *testing.T) {
	ctx := context.Background()
	_, root := newTestFS(t)

	file := createFile(t, root, "hello.txt", []byte("hello, vault"))

	var attr fuse.Attr
	require.NoError(t, file.Attr(ctx, &attr))
	assert.Equal(t, uint64(12), attr.Size)
	assert.Equal(t, os.FileMode(0o644), attr.Mode)

	h, err := file.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenReadOnly}, &fuse.OpenResponse{})
	require.NoError(t, err)
	resp := &fuse.ReadResponse{}
	require.NoError(t, h.(*handle).Read(ctx, &fuse.ReadRequest{Offset: 7, Size: 100}, resp))
	assert.Equal(t, "vault", string(resp.Data))
	require.NoError(t, h.(*handle).Flush(ctx, &fuse.FlushRequest{}))
	require.NoError(t, h.(*handle).Release(ctx, &fuse.ReleaseRequest{}))

	_, _, err = root.Create(ctx, &fuse.CreateRequest{Name: "hello.txt", Flags: fuse.OpenCreate | fuse.OpenExclusive}, &fuse.CreateResponse{})
	assert.Equal(t, fuse.Errno(syscall.EEXIST), err)

	h, err = file.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenWriteOnly | fuse.OpenTruncate}, &fuse.OpenResponse{})
	require.NoError(t, err)
	require.NoError(t, h.(*handle).Release(ctx, &fuse.ReleaseRequest{}))
	require.NoError(t, file.Attr(ctx, &attr))
	assert.Zero(t, attr.Size)
}

func TestLookupAndReadDir(t *testing.T) {
	ctx := context.Background()
	_, root := newTestFS(t)

	createFile(t, root, "a.txt", []byte("a"))
	_, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "sub", Mode: os.ModeDir | 0o755})
	require.NoError(t, err)

	n, err := root.Lookup(ctx, "sub")
	require.NoError(t, err)
	assert.IsType(t, &Dir{}, n)
	n, err = root.Lookup(ctx, "a.txt")
	require.NoError(t, err)
	assert.IsType(t, &File{}, n)
	_, err = root.Lookup(ctx, "missing")
	assert.Equal(t, fuse.Errno(syscall.ENOENT), err)

	entries, err := root.ReadDirAll(ctx)
	require.NoError(t, err)
	byName := make(map[string]fuse.DirentType)
	for _, e := range entries {
		byName[e.Name] = e.Type
	}
	assert.Equal(t, map[string]fuse.DirentType{"a.txt": fuse.DT_File, "sub": fuse.DT_Dir}, byName)

	var attr fuse.Attr
	require.NoError(t, root.Attr(ctx, &attr))
	assert.True(t, attr.Mode.IsDir())
}

func TestRenameMovesNodes(t *testing.T) {
	ctx := context.Background()
	fsys, root := newTestFS(t)

	subNode, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "old"})
	require.NoError(t, err)
	sub := subNode.(*Dir)
	file := createFile(t, sub, "f.txt", []byte("data"))
	assert.Equal(t, "/old/f.txt", file.volumePath())

	require.NoError(t, root.Rename(ctx, &fuse.RenameRequest{OldName: "old", NewName: "new"}, root))
	assert.Equal(t, "/new", sub.volumePath())
	assert.Equal(t, "/new/f.txt", file.volumePath())
	assert.Same(t, file.node, fsys.node("/new/f.txt"))

	var attr fuse.Attr
	require.NoError(t, file.Attr(ctx, &attr))
	assert.Equal(t, uint64(4), attr.Size)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	_, root := newTestFS(t)

	createFile(t, root, "f", []byte("x"))
	subNode, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "d"})
	require.NoError(t, err)
	createFile(t, subNode.(*Dir), "inner", nil)

	err = root.Remove(ctx, &fuse.RemoveRequest{Name: "d", Dir: true})
	assert.Equal(t, fuse.Errno(syscall.ENOTEMPTY), err)

	require.NoError(t, subNode.(*Dir).Remove(ctx, &fuse.RemoveRequest{Name: "inner"}))
	require.NoError(t, root.Remove(ctx, &fuse.RemoveRequest{Name: "d", Dir: true}))
	require.NoError(t, root.Remove(ctx, &fuse.RemoveRequest{Name: "f"}))

	entries, err := root.ReadDirAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSetattr(t *testing.T) {
	ctx := context.Background()
	_, root := newTestFS(t)
	file := createFile(t, root, "f", []byte("0123456789"))

	resp := &fuse.SetattrResponse{}
	req := &fuse.SetattrRequest{Valid: fuse.SetattrSize, Size: 4}
	require.NoError(t, file.Setattr(ctx, req, resp))
	assert.Equal(t, uint64(4), resp.Attr.Size)

	req = &fuse.SetattrRequest{Valid: fuse.SetattrMode, Mode: 0o444}
	require.NoError(t, file.Setattr(ctx, req, resp))
	assert.Zero(t, resp.Attr.Mode.Perm()&0o222)

	err := root.Remove(ctx, &fuse.RemoveRequest{Name: "f"})
	assert.Equal(t, fuse.Errno(syscall.EACCES), err)

	req = &fuse.SetattrRequest{Valid: fuse.SetattrMode, Mode: 0o644}
	require.NoError(t, file.Setattr(ctx, req, resp))
	assert.Equal(t, os.FileMode(0o644), resp.Attr.Mode.Perm())
}

func TestStatfs(t *testing.T) {
	fsys, _ := newTestFS(t)
	resp := &fuse.StatfsResponse{}
	require.NoError(t, fsys.Statfs(context.Background(), &fuse.StatfsRequest{}, resp))
	assert.Equal(t, uint64(4<<20)/statBlockSize, resp.Blocks)
	assert.NotZero(t, resp.Bfree)
	assert.Less(t, resp.Bfree, resp.Blocks)
	assert.Equal(t, uint32(255), resp.Namelen)
}
