package volfs

import (
	"io/fs"
	"os"
	"time"
)

// Stat is returned by FileInfo.Sys for volume entries.
type Stat struct {
	Attributes uint32
	Created    time.Time
	Accessed   time.Time
	Modified   time.Time
	Blocks     int64
}

type fileInfo struct {
	name string
	size int64
	mode os.FileMode
	stat *Stat
}

func newFileInfo(n *node, blockSize uint64) *fileInfo {
	name := n.name
	if n.parent == nil && name == "" {
		name = "/"
	}
	var blocks int64
	for _, e := range n.extents {
		if !e.hole() {
			blocks += int64(e.Count)
		}
	}
	size := n.size
	if n.dir {
		size = 0
	}
	return &fileInfo{
		name: name,
		size: size,
		mode: n.mode(),
		stat: &Stat{
			Attributes: n.attributes(),
			Created:    n.created,
			Accessed:   n.accessed,
			Modified:   n.modified,
			Blocks:     blocks * int64(blockSize) / 512,
		},
	}
}

func (i *fileInfo) Name() string       { return i.name }
func (i *fileInfo) Size() int64        { return i.size }
func (i *fileInfo) Mode() os.FileMode  { return i.mode }
func (i *fileInfo) ModTime() time.Time { return i.stat.Modified }
func (i *fileInfo) IsDir() bool        { return i.mode.IsDir() }
func (i *fileInfo) Sys() any           { return i.stat }

type dirEntry struct {
	info *fileInfo
}

func (d dirEntry) Name() string               { return d.info.name }
func (d dirEntry) IsDir() bool                { return d.info.IsDir() }
func (d dirEntry) Type() fs.FileMode          { return d.info.mode.Type() }
func (d dirEntry) Info() (fs.FileInfo, error) { return d.info, nil }

func dirEntries(n *node, blockSize uint64) []fs.DirEntry {
	children := n.sortedChildren()
	out := make([]fs.DirEntry, len(children))
	for i, c := range children {
		out[i] = dirEntry{info: newFileInfo(c, blockSize)}
	}
	return out
}
