package volfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultBlockSize is the allocation unit of new volumes
	DefaultBlockSize = 4096

	superSlots = 2
	minBlocks  = 8

	// growBlocks is the minimum device extension when allocation passes the end
	growBlocks = 256
)

// Usage reports volume capacity in bytes
type Usage struct {
	Total int64
	Used  int64
	Free  int64
}

// FileSystem is a mounted volume. It is safe for concurrent use.
type FileSystem struct {
	mu      sync.RWMutex
	dev     Device
	sb      superblock
	root    *node
	alloc   *allocator
	devSize int64
	label   string
	dirty   bool
	closed  bool
	cwd     string
	now     func() time.Time
}

// Option configures Format
type Option func(*formatOptions) error

type formatOptions struct {
	blockSize uint64
	label     string
	id        uuid.UUID
}

// WithBlockSize sets the block size, a power of two between 512 and 65536
func WithBlockSize(n int) Option {
	return func(o *formatOptions) error {
		if n < 0 || !validBlockSize(uint64(n)) {
			return fmt.Errorf("invalid block size %d", n)
		}
		o.blockSize = uint64(n)
		return nil
	}
}

// WithLabel sets the volume label
func WithLabel(label string) Option {
	return func(o *formatOptions) error {
		o.label = label
		return nil
	}
}

// WithVolumeID sets the volume identifier instead of a random one
func WithVolumeID(id uuid.UUID) Option {
	return func(o *formatOptions) error {
		o.id = id
		return nil
	}
}

// Format creates an empty volume of the given capacity on dev.
func Format(dev Device, capacity int64, opts ...Option) (*FileSystem, error) {
	o := &formatOptions{
		blockSize: DefaultBlockSize,
		id:        uuid.New(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}

	total := uint64(capacity) / o.blockSize
	if capacity <= 0 || total < minBlocks {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, capacity)
	}

	f := &FileSystem{
		dev:   dev,
		alloc: newAllocator(total),
		label: o.label,
		cwd:   "/",
		now:   time.Now,
	}
	f.sb = superblock{
		magic:       superMagic,
		version:     superVersion,
		blockSize:   o.blockSize,
		totalBlocks: total,
	}
	f.sb.setID(o.id)
	f.alloc.mark(0, superSlots)
	f.root = newNode("", true, 0o755, f.now())

	size, err := dev.Size()
	if err != nil {
		return nil, fmt.Errorf("failed to size device: %w", err)
	}
	f.devSize = size
	if err := f.ensureDevice(superSlots - 1); err != nil {
		return nil, err
	}
	if err := f.commit(); err != nil {
		return nil, err
	}
	return f, nil
}

// Open loads the volume stored on dev.
func Open(dev Device) (*FileSystem, error) {
	size, err := dev.Size()
	if err != nil {
		return nil, fmt.Errorf("failed to size device: %w", err)
	}

	var candidates []*superblock
	if sb, err := readSlot(dev, 0); err == nil {
		candidates = append(candidates, sb)
		if other, err := readSlot(dev, int64(sb.blockSize)); err == nil && other.blockSize == sb.blockSize {
			candidates = append(candidates, other)
		}
	} else {
		for bs := uint64(minBlockSize); bs <= maxBlockSize; bs <<= 1 {
			if sb, err := readSlot(dev, int64(bs)); err == nil && sb.blockSize == bs {
				candidates = append(candidates, sb)
				break
			}
		}
	}
	if len(candidates) == 2 && candidates[1].generation > candidates[0].generation {
		candidates[0], candidates[1] = candidates[1], candidates[0]
	}

	var lastErr error = fmt.Errorf("%w: no valid superblock", ErrCorrupt)
	for _, sb := range candidates {
		f, err := load(dev, sb, size)
		if err == nil {
			return f, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func readSlot(dev Device, off int64) (*superblock, error) {
	buf := make([]byte, superSize)
	if _, err := dev.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return decodeSuperblock(buf)
}

func load(dev Device, sb *superblock, devSize int64) (*FileSystem, error) {
	blob := make([]byte, sb.metaLength)
	if _, err := dev.ReadAt(blob, int64(sb.metaStart*sb.blockSize)); err != nil {
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}
	img, err := decodeMeta(blob, sb.metaChecksum)
	if err != nil {
		return nil, err
	}
	root, err := restore(img, sb.totalBlocks)
	if err != nil {
		return nil, err
	}

	f := &FileSystem{
		dev:     dev,
		sb:      *sb,
		root:    root,
		alloc:   newAllocator(sb.totalBlocks),
		devSize: devSize,
		label:   img.Label,
		cwd:     "/",
		now:     time.Now,
	}
	f.alloc.mark(0, superSlots)
	f.alloc.mark(sb.metaStart, sb.metaBlocks)
	var walk func(n *node)
	walk = func(n *node) {
		for _, e := range n.extents {
			if !e.hole() {
				f.alloc.mark(e.Start, e.Count)
			}
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(root)
	return f, nil
}

// commit writes the metadata image to a new run and switches the superblock.
func (f *FileSystem) commit() error {
	blob, sum, err := encodeMeta(snapshot(f.root, f.label))
	if err != nil {
		return err
	}

	bs := f.sb.blockSize
	count := max(1, (uint64(len(blob))+bs-1)/bs)
	start, err := f.alloc.allocRun(count)
	if err != nil {
		return fmt.Errorf("failed to allocate metadata: %w", err)
	}
	if err := f.ensureDevice(start + count - 1); err != nil {
		f.alloc.free(start, count)
		return err
	}

	padded := make([]byte, count*bs)
	copy(padded, blob)
	if _, err := f.dev.WriteAt(padded, int64(start*bs)); err != nil {
		f.alloc.free(start, count)
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	next := f.sb
	next.generation++
	next.metaStart = start
	next.metaBlocks = count
	next.metaLength = uint64(len(blob))
	next.metaChecksum = sum

	raw, err := next.encode()
	if err != nil {
		f.alloc.free(start, count)
		return err
	}
	if err := f.dev.Sync(); err != nil {
		f.alloc.free(start, count)
		return fmt.Errorf("failed to sync device: %w", err)
	}
	if _, err := f.dev.WriteAt(raw, int64(next.slot()*bs)); err != nil {
		f.alloc.free(start, count)
		return fmt.Errorf("failed to write superblock: %w", err)
	}
	if err := f.dev.Sync(); err != nil {
		return fmt.Errorf("failed to sync device: %w", err)
	}

	if f.sb.metaBlocks > 0 {
		f.alloc.free(f.sb.metaStart, f.sb.metaBlocks)
	}
	f.sb = next
	f.dirty = false
	return nil
}

// ensureDevice grows the device so that block b exists.
func (f *FileSystem) ensureDevice(b uint64) error {
	bs := int64(f.sb.blockSize)
	need := int64(b+1) * bs
	if need <= f.devSize {
		return nil
	}
	limit := int64(f.sb.totalBlocks) * bs
	size := min(max(need, f.devSize+growBlocks*bs), limit)
	if err := f.dev.Truncate(size); err != nil {
		return fmt.Errorf("failed to grow device: %w", err)
	}
	f.devSize = size
	return nil
}

func (f *FileSystem) abs(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	if !path.IsAbs(name) {
		name = path.Join(f.cwd, name)
	}
	return path.Clean(name)
}

// lookup resolves an absolute clean path.
func (f *FileSystem) lookup(p string) (*node, error) {
	n := f.root
	if p == "/" {
		return n, nil
	}
	for _, part := range strings.Split(p[1:], "/") {
		if !n.dir {
			return nil, ErrNotDir
		}
		c, ok := n.children[part]
		if !ok {
			return nil, fs.ErrNotExist
		}
		n = c
	}
	return n, nil
}

// lookupParent resolves the directory that holds p and returns the base name.
func (f *FileSystem) lookupParent(p string) (*node, string, error) {
	if p == "/" {
		return nil, "", fs.ErrInvalid
	}
	dir, base := path.Split(p)
	parent, err := f.lookup(path.Clean(dir))
	if err != nil {
		return nil, "", err
	}
	if !parent.dir {
		return nil, "", ErrNotDir
	}
	return parent, base, nil
}

func (f *FileSystem) checkOpen(op, name string) error {
	if f.closed {
		return pathErr(op, name, fs.ErrClosed)
	}
	return nil
}

// Sync commits pending metadata and flushes the device.
func (f *FileSystem) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen("sync", "/"); err != nil {
		return err
	}
	if !f.dirty {
		return f.dev.Sync()
	}
	return f.commit()
}

// Close commits pending metadata. The device stays open and belongs to the caller.
func (f *FileSystem) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	var err error
	if f.dirty {
		err = f.commit()
	}
	f.closed = true
	return err
}

// Usage returns total, used and free bytes
func (f *FileSystem) Usage() Usage {
	f.mu.RLock()
	defer f.mu.RUnlock()
	bs := int64(f.sb.blockSize)
	return Usage{
		Total: int64(f.alloc.total) * bs,
		Used:  int64(f.alloc.used) * bs,
		Free:  int64(f.alloc.freeBlocks()) * bs,
	}
}

// Capacity returns the volume size in bytes
func (f *FileSystem) Capacity() int64 {
	return int64(f.sb.totalBlocks * f.sb.blockSize)
}

// BlockSize returns the allocation unit
func (f *FileSystem) BlockSize() int {
	return int(f.sb.blockSize)
}

// Label returns the volume label
func (f *FileSystem) Label() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.label
}

// SetLabel changes the volume label
func (f *FileSystem) SetLabel(label string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkOpen("label", "/"); err != nil {
		return err
	}
	f.label = label
	f.dirty = true
	return nil
}

// ID returns the volume identifier
func (f *FileSystem) ID() uuid.UUID {
	return f.sb.id()
}

// Generation returns the number of metadata commits
func (f *FileSystem) Generation() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.sb.generation
}
