package volfs

import (
	"fmt"
	"os"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"
)

// metaImage is the persisted directory tree. Records are in preorder, so a
// parent always precedes its children.
type metaImage struct {
	Label string       `cbor:"label"`
	Nodes []nodeRecord `cbor:"nodes"`
}

type nodeRecord struct {
	ID       uint64   `cbor:"id"`
	Parent   uint64   `cbor:"parent"`
	Name     string   `cbor:"name"`
	Dir      bool     `cbor:"dir"`
	Perm     uint32   `cbor:"perm"`
	Attrs    uint32   `cbor:"attrs"`
	Size     int64    `cbor:"size"`
	Created  int64    `cbor:"ctime"`
	Accessed int64    `cbor:"atime"`
	Modified int64    `cbor:"mtime"`
	Extents  []extent `cbor:"extents,omitempty"`
}

func snapshot(root *node, label string) *metaImage {
	img := &metaImage{Label: label}
	var nextID uint64
	var walk func(n *node, parent uint64)
	walk = func(n *node, parent uint64) {
		nextID++
		id := nextID
		img.Nodes = append(img.Nodes, nodeRecord{
			ID:       id,
			Parent:   parent,
			Name:     n.name,
			Dir:      n.dir,
			Perm:     uint32(n.perm),
			Attrs:    n.attrs,
			Size:     n.size,
			Created:  n.created.UnixNano(),
			Accessed: n.accessed.UnixNano(),
			Modified: n.modified.UnixNano(),
			Extents:  n.extents,
		})
		for _, c := range n.sortedChildren() {
			walk(c, id)
		}
	}
	walk(root, 0)
	return img
}

// encodeMeta serializes the image and returns the compressed blob and its checksum.
func encodeMeta(img *metaImage) ([]byte, uint64, error) {
	raw, err := cbor.Marshal(img)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode metadata: %w", err)
	}
	blob := snappy.Encode(nil, raw)
	return blob, xxhash.Sum64(blob), nil
}

func decodeMeta(blob []byte, checksum uint64) (*metaImage, error) {
	if xxhash.Sum64(blob) != checksum {
		return nil, fmt.Errorf("%w: metadata checksum mismatch", ErrCorrupt)
	}
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	img := &metaImage{}
	if err := cbor.Unmarshal(raw, img); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return img, nil
}

// restore rebuilds the tree from an image, validating structure and extents
// against totalBlocks.
func restore(img *metaImage, totalBlocks uint64) (*node, error) {
	if len(img.Nodes) == 0 || img.Nodes[0].Parent != 0 || !img.Nodes[0].Dir {
		return nil, fmt.Errorf("%w: missing root", ErrCorrupt)
	}

	byID := make(map[uint64]*node, len(img.Nodes))
	var root *node
	for i, rec := range img.Nodes {
		n := &node{
			name:     rec.Name,
			dir:      rec.Dir,
			perm:     os.FileMode(rec.Perm).Perm(),
			attrs:    rec.Attrs,
			size:     rec.Size,
			created:  time.Unix(0, rec.Created),
			accessed: time.Unix(0, rec.Accessed),
			modified: time.Unix(0, rec.Modified),
			extents:  rec.Extents,
		}
		if n.dir {
			n.children = make(map[string]*node)
		}
		for _, e := range n.extents {
			if !e.hole() && (e.Start < superSlots || e.Start+e.Count > totalBlocks) {
				return nil, fmt.Errorf("%w: extent out of range in %q", ErrCorrupt, rec.Name)
			}
		}

		if i == 0 {
			n.name = ""
			root = n
		} else {
			parent, ok := byID[rec.Parent]
			if !ok || !parent.dir || rec.Name == "" {
				return nil, fmt.Errorf("%w: orphan node %q", ErrCorrupt, rec.Name)
			}
			if _, dup := parent.children[rec.Name]; dup {
				return nil, fmt.Errorf("%w: duplicate name %q", ErrCorrupt, rec.Name)
			}
			n.parent = parent
			parent.children[rec.Name] = n
		}
		byID[rec.ID] = n
	}
	return root, nil
}
