package vaultfs

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/absfs/absfs"
)

// Stream is a random-access byte stream that can change length.
// OffsetStream and SectorStream both implement it.
type Stream interface {
	io.ReaderAt
	io.WriterAt
	Size() (int64, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// OffsetStream is a view of a base file starting at a fixed byte offset,
// hiding the container header from the sector layer. Every base access
// holds mu, so the base file needs no locking of its own.
type OffsetStream struct {
	mu        sync.Mutex
	base      absfs.File
	offset    int64
	pos       int64
	leaveOpen bool
	closed    bool
}

// NewOffsetStream creates a view of base whose byte 0 is byte offset of base.
// When leaveOpen is set, Close does not close base.
func NewOffsetStream(base absfs.File, offset int64, leaveOpen bool) (*OffsetStream, error) {
	if base == nil {
		return nil, NewValidationError("base", nil, "base stream cannot be nil")
	}
	if offset < 0 {
		return nil, NewValidationError("offset", offset, "offset cannot be negative")
	}
	return &OffsetStream{
		base:      base,
		offset:    offset,
		leaveOpen: leaveOpen,
	}, nil
}

// Offset returns the number of hidden base bytes
func (s *OffsetStream) Offset() int64 {
	return s.offset
}

// Size returns the logical length, max(0, base length - offset)
func (s *OffsetStream) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrObjectDisposed
	}
	return s.size()
}

// size asks the open file for its end rather than Stat, which may trail
// unsynced writes. Callers hold mu.
func (s *OffsetStream) size() (int64, error) {
	end, err := s.base.Seek(0, io.SeekEnd)
	if err != nil {
		return 0, NewIOError("seek", s.base.Name(), err)
	}
	return max(0, end-s.offset), nil
}

// ReadAt reads from logical offset off. Reads past the logical end return io.EOF.
func (s *OffsetStream) ReadAt(p []byte, off int64) (int, error) {
	if err := ValidateOffset(off); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrObjectDisposed
	}
	return s.readAt(p, off)
}

func (s *OffsetStream) readAt(p []byte, off int64) (int, error) {
	length, err := s.size()
	if err != nil {
		return 0, err
	}
	if off >= length {
		return 0, io.EOF
	}

	want := p
	if avail := length - off; int64(len(want)) > avail {
		want = want[:avail]
	}
	n, err := s.base.ReadAt(want, s.offset+off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, &IOError{Operation: "read", Path: s.base.Name(), Offset: s.offset + off, Message: err.Error(), Err: err}
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes at logical offset off. Writing past the end extends the base.
func (s *OffsetStream) WriteAt(p []byte, off int64) (int, error) {
	if err := ValidateOffset(off); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrObjectDisposed
	}
	return s.writeAt(p, off)
}

func (s *OffsetStream) writeAt(p []byte, off int64) (int, error) {
	n, err := s.base.WriteAt(p, s.offset+off)
	if err != nil {
		return n, &IOError{Operation: "write", Path: s.base.Name(), Offset: s.offset + off, Message: err.Error(), Err: err}
	}
	return n, nil
}

// Read reads from the current position
func (s *OffsetStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrObjectDisposed
	}

	n, err := s.readAt(p, s.pos)
	s.pos += int64(n)
	if n > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// Write writes at the current position
func (s *OffsetStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrObjectDisposed
	}

	n, err := s.writeAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

// Seek sets the logical position. Positions before the start fail with ErrInvalidSeek.
func (s *OffsetStream) Seek(offset int64, whence int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrObjectDisposed
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		length, err := s.size()
		if err != nil {
			return 0, err
		}
		abs = length + offset
	default:
		return 0, NewValidationError("whence", whence, "invalid whence")
	}

	if abs < 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSeek, abs)
	}
	s.pos = abs
	return abs, nil
}

// Truncate sets the logical length and clamps the position
func (s *OffsetStream) Truncate(size int64) error {
	if size < 0 {
		return NewValidationError("size", size, "size cannot be negative")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrObjectDisposed
	}

	if err := s.base.Truncate(s.offset + size); err != nil {
		return NewIOError("truncate", s.base.Name(), err)
	}
	if s.pos > size {
		s.pos = size
	}
	return nil
}

// Sync flushes the base file
func (s *OffsetStream) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrObjectDisposed
	}
	return s.base.Sync()
}

// Close closes the view, and the base unless leaveOpen was set. Closing twice is a no-op.
func (s *OffsetStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.leaveOpen {
		return nil
	}
	return s.base.Close()
}
