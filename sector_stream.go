package vaultfs

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"
)

// growBatchSectors bounds the random filler written per device write while growing.
const growBatchSectors = 256

// SectorStream encrypts a Stream sector by sector. Every sector is
// transformed independently, so any sector can be read or rewritten
// without touching its neighbours.
type SectorStream struct {
	mu       sync.Mutex // guards base I/O and closed; held across each read-modify-write
	base     Stream
	cipher   *sectorCipher
	parallel ParallelConfig
	metrics  *Metrics
	closed   bool

	posMu sync.Mutex
	pos   int64
}

// SectorOption configures a SectorStream
type SectorOption func(*SectorStream)

// WithParallel sets the worker pool used for multi-sector transforms
func WithParallel(cfg ParallelConfig) SectorOption {
	return func(s *SectorStream) {
		s.parallel = cfg
	}
}

// WithMetrics sets the metrics sink, nil disables sector counting
func WithMetrics(m *Metrics) SectorOption {
	return func(s *SectorStream) {
		s.metrics = m
	}
}

// NewSectorStream wraps base with the sector cipher keyed by the 64-byte
// master key. Invalid key or sector sizes fail with ErrInvalidConfiguration.
func NewSectorStream(base Stream, key []byte, sectorSize int, opts ...SectorOption) (*SectorStream, error) {
	if base == nil {
		return nil, NewValidationError("base", nil, "base stream cannot be nil")
	}
	c, err := newSectorCipher(key, sectorSize)
	if err != nil {
		return nil, err
	}

	s := &SectorStream{
		base:     base,
		cipher:   c,
		parallel: DefaultParallelConfig(),
		metrics:  DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.parallel.Validate(); err != nil {
		return nil, &ValidationError{Field: "parallel", Message: err.Error(), Err: ErrInvalidConfiguration}
	}
	return s, nil
}

// SectorSize returns the cipher sector size
func (s *SectorStream) SectorSize() int {
	return s.cipher.size
}

// Size returns the length of the encrypted payload
func (s *SectorStream) Size() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrObjectDisposed
	}
	return s.base.Size()
}

// ReadAt decrypts the sectors overlapping [off, off+len(p)) and copies the
// requested range. A short result at the end of the stream returns io.EOF.
func (s *SectorStream) ReadAt(p []byte, off int64) (int, error) {
	if err := ValidateReadWrite(p, off); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrObjectDisposed
	}
	if len(p) == 0 {
		return 0, nil
	}

	length, err := s.base.Size()
	if err != nil {
		return 0, err
	}
	if off >= length {
		return 0, io.EOF
	}

	size := int64(s.cipher.size)
	end := min(off+int64(len(p)), length)
	first := off / size
	last := (end - 1) / size

	buf := make([]byte, (last-first+1)*size)
	got, err := s.base.ReadAt(buf, first*size)
	if err != nil && !errors.Is(err, io.EOF) {
		return 0, &IOError{Operation: "read", Offset: first * size, Message: err.Error(), Err: err}
	}
	if got == 0 {
		return 0, io.EOF
	}

	// A trailing partial sector is decrypted as a whole, only the bytes
	// actually present are handed out. Its missing ciphertext tail reads as
	// zeros, so those bytes do not round-trip; only streams sized in whole
	// sectors, as volumes are, read back exactly.
	whole := (int64(got) + size - 1) / size * size
	if err := s.transformSectors(buf[:whole], first, false); err != nil {
		return 0, err
	}

	start := off - first*size
	avail := int64(got) - start
	if avail <= 0 {
		return 0, io.EOF
	}
	n := copy(p, buf[start:start+min(avail, end-off)])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt encrypts p into the sectors it covers. Partially covered sectors
// that already exist are decrypted first so their other bytes survive.
func (s *SectorStream) WriteAt(p []byte, off int64) (int, error) {
	if err := ValidateReadWrite(p, off); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrObjectDisposed
	}
	if len(p) == 0 {
		return 0, nil
	}

	length, err := s.base.Size()
	if err != nil {
		return 0, err
	}

	size := int64(s.cipher.size)
	end := off + int64(len(p))
	first := off / size
	last := (end - 1) / size
	buf := make([]byte, (last-first+1)*size)

	if off%size != 0 || (first == last && end%size != 0) {
		if err := s.loadSector(buf[:size], first, length); err != nil {
			return 0, err
		}
	}
	if last != first && end%size != 0 {
		if err := s.loadSector(buf[len(buf)-int(size):], last, length); err != nil {
			return 0, err
		}
	}

	copy(buf[off-first*size:], p)
	if err := s.transformSectors(buf, first, true); err != nil {
		return 0, err
	}
	if _, err := s.base.WriteAt(buf, first*size); err != nil {
		return 0, &IOError{Operation: "write", Offset: first * size, Message: err.Error(), Err: err}
	}
	return len(p), nil
}

// loadSector decrypts sector index into dst if it exists, otherwise leaves dst zeroed.
func (s *SectorStream) loadSector(dst []byte, index, length int64) error {
	pos := index * int64(s.cipher.size)
	if pos >= length {
		return nil
	}
	n, err := s.base.ReadAt(dst, pos)
	if err != nil && !errors.Is(err, io.EOF) {
		return &IOError{Operation: "read", Offset: pos, Message: err.Error(), Err: err}
	}
	if n == 0 {
		return nil
	}
	s.cipher.transform(dst, index, false)
	return nil
}

// Truncate resizes the payload. New sectors are filled with random
// plaintext and encrypted; shrinking clamps the current position.
func (s *SectorStream) Truncate(size int64) error {
	if size < 0 {
		return NewValidationError("size", size, "size cannot be negative")
	}

	if err := s.resize(size); err != nil {
		return err
	}

	s.posMu.Lock()
	if s.pos > size {
		s.pos = size
	}
	s.posMu.Unlock()
	return nil
}

func (s *SectorStream) resize(size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrObjectDisposed
	}

	current, err := s.base.Size()
	if err != nil {
		return err
	}

	if size > current {
		return s.grow(current, size)
	}
	if size < current {
		if err := s.base.Truncate(size); err != nil {
			return NewIOError("truncate", "", err)
		}
	}
	return nil
}

func (s *SectorStream) grow(current, size int64) error {
	sector := int64(s.cipher.size)
	next := (current + sector - 1) / sector
	stop := (size + sector - 1) / sector

	for next < stop {
		count := min(stop-next, growBatchSectors)
		buf := make([]byte, count*sector)
		if _, err := rand.Read(buf); err != nil {
			return fmt.Errorf("failed to generate filler: %w", err)
		}
		if err := s.transformSectors(buf, next, true); err != nil {
			return err
		}
		// A size that is not a sector multiple cuts the last filler sector
		// short; see ReadAt.
		if tail := (next+count)*sector - size; tail > 0 {
			buf = buf[:int64(len(buf))-tail]
		}
		if _, err := s.base.WriteAt(buf, next*sector); err != nil {
			return &IOError{Operation: "write", Offset: next * sector, Message: err.Error(), Err: err}
		}
		next += count
	}

	if length, err := s.base.Size(); err != nil {
		return err
	} else if length != size {
		if err := s.base.Truncate(size); err != nil {
			return NewIOError("truncate", "", err)
		}
	}
	return nil
}

// Read reads from the current position
func (s *SectorStream) Read(p []byte) (int, error) {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	n, err := s.ReadAt(p, s.pos)
	s.pos += int64(n)
	if n > 0 && errors.Is(err, io.EOF) {
		err = nil
	}
	return n, err
}

// Write writes at the current position
func (s *SectorStream) Write(p []byte) (int, error) {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	n, err := s.WriteAt(p, s.pos)
	s.pos += int64(n)
	return n, err
}

// Seek sets the position. Positions before the start fail with ErrInvalidSeek.
func (s *SectorStream) Seek(offset int64, whence int) (int64, error) {
	s.posMu.Lock()
	defer s.posMu.Unlock()

	if s.isClosed() {
		return 0, ErrObjectDisposed
	}

	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = s.pos + offset
	case io.SeekEnd:
		length, err := s.Size()
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

func (s *SectorStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Sync flushes the base stream
func (s *SectorStream) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrObjectDisposed
	}
	return s.base.Sync()
}

// Close releases the cipher and closes the base stream. Closing twice is a no-op.
func (s *SectorStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.base.Close()
}
