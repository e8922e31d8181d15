package volfs

import (
	"io"
)

// Mapped blocks never hold stale bytes past the file size: fresh blocks are
// zero filled around partial writes and shrinking zeroes the kept tail.

func (f *FileSystem) readData(n *node, p []byte, off int64) (int, error) {
	if off >= n.size {
		return 0, io.EOF
	}
	end := min(off+int64(len(p)), n.size)
	bs := int64(f.sb.blockSize)

	read := 0
	for pos := off; pos < end; {
		lb := uint64(pos / bs)
		within := pos % bs
		chunk := min(bs-within, end-pos)
		dst := p[read : read+int(chunk)]

		phys, mapped := n.physical(lb)
		if !mapped || phys == 0 {
			clear(dst)
		} else if _, err := f.dev.ReadAt(dst, int64(phys)*bs+within); err != nil && err != io.EOF {
			return read, err
		}
		read += int(chunk)
		pos += chunk
	}
	if read < len(p) {
		return read, io.EOF
	}
	return read, nil
}

func (f *FileSystem) writeData(n *node, p []byte, off int64) (int, error) {
	bs := int64(f.sb.blockSize)
	end := off + int64(len(p))
	if end > f.Capacity() {
		return 0, ErrNoSpace
	}

	written := 0
	for pos := off; pos < end; {
		lb := uint64(pos / bs)
		within := pos % bs
		chunk := min(bs-within, end-pos)
		src := p[written : written+int(chunk)]

		phys, fresh, err := f.ensureBlock(n, lb)
		if err != nil {
			f.growSize(n, pos)
			return written, err
		}
		if fresh && chunk != bs {
			block := make([]byte, bs)
			copy(block[within:], src)
			_, err = f.dev.WriteAt(block, int64(phys)*bs)
		} else {
			_, err = f.dev.WriteAt(src, int64(phys)*bs+within)
		}
		if err != nil {
			f.growSize(n, pos)
			return written, err
		}
		written += int(chunk)
		pos += chunk
	}
	f.growSize(n, end)
	return written, nil
}

func (f *FileSystem) growSize(n *node, end int64) {
	if end > n.size {
		n.size = end
	}
	f.dirty = true
}

// ensureBlock maps logical block lb, allocating a physical block if it is
// a hole or past the mapped range. fresh reports a new allocation.
func (f *FileSystem) ensureBlock(n *node, lb uint64) (uint64, bool, error) {
	phys, mapped := n.physical(lb)
	if mapped && phys != 0 {
		return phys, false, nil
	}

	var goal uint64
	if lb > 0 {
		if prev, ok := n.physical(lb - 1); ok && prev != 0 {
			goal = prev + 1
		}
	}
	b, err := f.alloc.alloc(goal)
	if err != nil {
		return 0, false, err
	}
	if err := f.ensureDevice(b); err != nil {
		f.alloc.free(b, 1)
		return 0, false, err
	}

	if mapped {
		n.extents = splitHole(n.extents, lb, b)
	} else {
		if gap := lb - n.blockCount(); gap > 0 {
			n.extents = append(n.extents, extent{Count: gap})
		}
		n.extents = append(n.extents, extent{Start: b, Count: 1})
	}
	n.extents = mergeExtents(n.extents)
	return b, true, nil
}

// splitHole replaces logical block lb, which lies in a hole, with physical block b.
func splitHole(in []extent, lb, b uint64) []extent {
	out := make([]extent, 0, len(in)+2)
	var base uint64
	for _, e := range in {
		if e.hole() && lb >= base && lb < base+e.Count {
			before := lb - base
			out = append(out,
				extent{Count: before},
				extent{Start: b, Count: 1},
				extent{Count: e.Count - before - 1},
			)
		} else {
			out = append(out, e)
		}
		base += e.Count
	}
	return out
}

// freeAll releases every block of n and empties it.
func (f *FileSystem) freeAll(n *node) {
	for _, e := range n.extents {
		if !e.hole() {
			f.alloc.free(e.Start, e.Count)
		}
	}
	n.extents = nil
	n.size = 0
	f.dirty = true
}

// resizeNode sets the size of n. Growth is sparse; shrinking frees whole
// blocks past the end and zeroes the tail of the last kept block.
func (f *FileSystem) resizeNode(n *node, size int64) error {
	if size == 0 {
		f.freeAll(n)
		return nil
	}
	if size > f.Capacity() {
		return ErrNoSpace
	}
	f.dirty = true
	if size >= n.size {
		n.size = size
		return nil
	}

	bs := int64(f.sb.blockSize)
	keep := uint64((size + bs - 1) / bs)
	var base uint64
	out := n.extents[:0]
	for _, e := range n.extents {
		switch {
		case base >= keep:
			if !e.hole() {
				f.alloc.free(e.Start, e.Count)
			}
		case base+e.Count > keep:
			cut := keep - base
			if !e.hole() {
				f.alloc.free(e.Start+cut, e.Count-cut)
			}
			out = append(out, extent{Start: e.Start, Count: cut})
		default:
			out = append(out, e)
		}
		base += e.Count
	}
	n.extents = out
	n.size = size

	if within := size % bs; within != 0 {
		if phys, ok := n.physical(keep - 1); ok && phys != 0 {
			if _, err := f.dev.WriteAt(make([]byte, bs-within), int64(phys)*bs+within); err != nil {
				return err
			}
		}
	}
	return nil
}
