package vaultfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/absfs/vaultfs/volfs"
	"github.com/rs/zerolog"
)

// VolumeFS is the volume filesystem surface the adapter drives.
// *volfs.FileSystem implements it.
type VolumeFS interface {
	absfs.FileSystem
	ReadDir(name string) ([]fs.DirEntry, error)
	SetAttributes(name string, attrs uint32) error
	SetTimes(name string, created, accessed, modified time.Time) error
	Usage() volfs.Usage
	Sync() error
	Label() string
}

var _ VolumeFS = (*volfs.FileSystem)(nil)

// CreateMode is the disposition of a Create call
type CreateMode int

const (
	// ModeOpen opens an existing entry
	ModeOpen CreateMode = iota
	// ModeCreateNew creates an entry that must not exist
	ModeCreateNew
	// ModeCreate creates an entry, truncating an existing file
	ModeCreate
	// ModeOpenOrCreate opens an entry, creating it if absent
	ModeOpenOrCreate
	// ModeTruncate opens an existing file and resets its length
	ModeTruncate
	// ModeAppend is not supported
	ModeAppend
)

// String returns the string representation of the mode
func (m CreateMode) String() string {
	switch m {
	case ModeOpen:
		return "open"
	case ModeCreateNew:
		return "create_new"
	case ModeCreate:
		return "create"
	case ModeOpenOrCreate:
		return "open_or_create"
	case ModeTruncate:
		return "truncate"
	case ModeAppend:
		return "append"
	default:
		return "unknown"
	}
}

// EntryInfo describes a volume entry to the host. Size is zero for directories.
type EntryInfo struct {
	Name       string
	Attributes uint32
	Size       int64
	IsDir      bool
	Created    time.Time
	Accessed   time.Time
	Modified   time.Time
}

// VolumeFeature flags describe naming behaviour to the host
type VolumeFeature uint32

const (
	FeatureCaseSensitiveSearch VolumeFeature = 0x1
	FeatureCasePreservedNames  VolumeFeature = 0x2
	FeatureUnicodeOnDisk       VolumeFeature = 0x4
)

// VolumeInfo is reported by GetVolumeInformation
type VolumeInfo struct {
	Label              string
	FileSystemName     string
	MaxComponentLength uint32
	Features           VolumeFeature
}

const (
	fileSystemName     = "vaultfs"
	maxComponentLength = 255
)

// Adapter translates host filesystem calls into volume operations. Paths
// are volume paths with either separator; the root is always a directory.
//
// Structural operations are serialized by a single volume lock. Reads and
// writes take it only to find their handle and then run under the handle's
// own lock, so I/O to different files proceeds concurrently.
type Adapter struct {
	mu         sync.Mutex
	vol        VolumeFS
	handles    map[string]*handle
	pending    map[string]bool // delete pending until the last reference closes
	mountPoint string
	shutdown   bool

	metrics *Metrics
	log     zerolog.Logger
}

// AdapterOption configures an Adapter
type AdapterOption func(*Adapter)

// WithAdapterMetrics sets the metrics sink
func WithAdapterMetrics(m *Metrics) AdapterOption {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// NewAdapter creates an adapter over vol
func NewAdapter(vol VolumeFS, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		vol:     vol,
		handles: make(map[string]*handle),
		pending: make(map[string]bool),
		metrics: DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = Logger().With().Str("volume", vol.Label()).Logger()
	return a
}

// cleanPath converts a host path to a clean, absolute volume path.
func cleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Clean("/" + p)
}

// finish recovers panics into StatusAdapterError and records the outcome.
// Every exported operation defers it before taking any lock.
func (a *Adapter) finish(op, p string, errp *error) {
	if r := recover(); r != nil {
		a.log.Error().Str("op", op).Str("path", p).Interface("panic", r).Msg("adapter operation panicked")
		*errp = opError(op, p, StatusAdapterError, fmt.Errorf("%w: %v", ErrAdapter, r))
	}
	if *errp != nil && StatusOf(*errp) == StatusAdapterError {
		a.log.Warn().Err(*errp).Str("op", op).Str("path", p).Msg("adapter operation failed")
	}
	if a.metrics != nil {
		a.metrics.RecordOperation(op, *errp)
	}
}

func (a *Adapter) checkLive(op, p string) error {
	if a.shutdown {
		return opError(op, p, StatusAdapterError, ErrObjectDisposed)
	}
	return nil
}

// parentMissing reports whether the directory holding p is absent.
func (a *Adapter) parentMissing(p string) bool {
	info, err := a.vol.Stat(path.Dir(p))
	return err != nil || !info.IsDir()
}

// Create opens or creates the entry at p and takes a reference to it that
// Close releases. It reports whether the entry is a directory.
func (a *Adapter) Create(p string, mode CreateMode, isDir bool) (dir bool, err error) {
	p = cleanPath(p)
	defer a.finish("create", p, &err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive("create", p); err != nil {
		return false, err
	}
	if a.pending[p] {
		return false, opError("create", p, StatusAccessDenied, fmt.Errorf("%w: delete pending", ErrAccessDenied))
	}

	dir, err = a.create(p, mode, isDir)
	if err != nil {
		return false, err
	}
	a.ref(p)
	return dir, nil
}

func (a *Adapter) create(p string, mode CreateMode, isDir bool) (bool, error) {
	info, statErr := a.vol.Stat(p)
	exists := statErr == nil
	if statErr != nil && !errors.Is(statErr, fs.ErrNotExist) {
		return false, volumeError("create", p, statErr, true)
	}

	if exists && info.IsDir() {
		if mode == ModeCreateNew {
			return false, opError("create", p, StatusFileExists, nil)
		}
		return true, nil
	}

	if isDir {
		switch {
		case exists && mode == ModeOpen:
			return false, opError("create", p, StatusPathNotFound, nil)
		case exists:
			return false, opError("create", p, StatusFileExists, nil)
		}
		switch mode {
		case ModeCreateNew, ModeCreate, ModeOpenOrCreate:
			if err := a.vol.Mkdir(p, 0o755); err != nil {
				return false, volumeError("create", p, err, true)
			}
			return true, nil
		case ModeOpen:
			return false, opError("create", p, StatusPathNotFound, nil)
		default:
			return false, opError("create", p, StatusAccessDenied, nil)
		}
	}

	var flag int
	switch mode {
	case ModeAppend:
		return false, opError("create", p, StatusNotImplemented, nil)
	case ModeCreateNew:
		if exists {
			return false, opError("create", p, StatusFileExists, nil)
		}
		flag = os.O_RDWR | os.O_CREATE | os.O_EXCL
	case ModeCreate:
		flag = os.O_RDWR | os.O_CREATE | os.O_TRUNC
	case ModeOpenOrCreate:
		if exists {
			return false, nil
		}
		flag = os.O_RDWR | os.O_CREATE
	case ModeOpen, ModeTruncate:
		if !exists {
			if a.parentMissing(p) {
				return false, opError("create", p, StatusPathNotFound, nil)
			}
			return false, opError("create", p, StatusFileNotFound, nil)
		}
		if mode == ModeOpen {
			return false, nil
		}
		flag = os.O_RDWR | os.O_TRUNC
	default:
		return false, opError("create", p, StatusInvalidParameter, nil)
	}

	f, err := a.vol.OpenFile(p, flag, 0o644)
	if err != nil {
		return false, volumeError("create", p, err, a.parentMissing(p))
	}
	if err := f.Close(); err != nil {
		return false, volumeError("create", p, err, false)
	}
	return false, nil
}

// Read reads from p at off. Short reads are not errors; reading at or past
// the end returns 0.
func (a *Adapter) Read(p string, buf []byte, off int64) (n int, err error) {
	p = cleanPath(p)
	defer a.finish("read", p, &err)
	if off < 0 {
		return 0, opError("read", p, StatusInvalidParameter, ErrNegativeOffset)
	}

	for {
		h, err := a.lockedHandle("read", p, false)
		if err != nil {
			return 0, err
		}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			continue
		}
		n, err = h.file.ReadAt(buf, off)
		h.mu.Unlock()

		if errors.Is(err, io.EOF) {
			err = nil
		}
		if err != nil {
			return n, volumeError("read", p, err, false)
		}
		if a.metrics != nil {
			a.metrics.AdapterBytesTotal.WithLabelValues("read").Add(float64(n))
		}
		return n, nil
	}
}

// Write writes buf to p at off.
func (a *Adapter) Write(p string, buf []byte, off int64) (n int, err error) {
	p = cleanPath(p)
	defer a.finish("write", p, &err)
	if off < 0 {
		return 0, opError("write", p, StatusInvalidParameter, ErrNegativeOffset)
	}

	for {
		h, err := a.lockedHandle("write", p, true)
		if err != nil {
			return 0, err
		}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			continue
		}
		n, err = h.file.WriteAt(buf, off)
		h.mu.Unlock()

		if a.metrics != nil {
			a.metrics.AdapterBytesTotal.WithLabelValues("write").Add(float64(n))
		}
		if err != nil {
			return n, volumeError("write", p, err, false)
		}
		return n, nil
	}
}

func (a *Adapter) lockedHandle(op, p string, write bool) (*handle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive(op, p); err != nil {
		return nil, err
	}
	return a.handleFor(op, p, write)
}

// Flush commits the volume if p has an open handle
func (a *Adapter) Flush(p string) (err error) {
	p = cleanPath(p)
	defer a.finish("flush", p, &err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive("flush", p); err != nil {
		return err
	}
	if h := a.handles[p]; h != nil && h.file != nil {
		if err := a.vol.Sync(); err != nil {
			return volumeError("flush", p, err, false)
		}
	}
	return nil
}

// SetLength sets the length of the file at p
func (a *Adapter) SetLength(p string, length int64) (err error) {
	p = cleanPath(p)
	defer a.finish("set_length", p, &err)
	return a.setLength("set_length", p, length)
}

// SetAllocationSize treats the allocation hint as the file length
func (a *Adapter) SetAllocationSize(p string, length int64) (err error) {
	p = cleanPath(p)
	defer a.finish("set_allocation_size", p, &err)
	return a.setLength("set_allocation_size", p, length)
}

func (a *Adapter) setLength(op, p string, length int64) error {
	if length < 0 {
		return opError(op, p, StatusInvalidParameter, ErrNegativeOffset)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive(op, p); err != nil {
		return err
	}
	info, err := a.vol.Stat(p)
	if err != nil {
		return volumeError(op, p, err, a.parentMissing(p))
	}
	if info.IsDir() {
		return opError(op, p, StatusAccessDenied, nil)
	}
	if err := a.vol.Truncate(p, length); err != nil {
		return volumeError(op, p, err, false)
	}
	return nil
}

// Close releases one reference to p. The last release closes the handle
// and applies a pending delete. Unknown paths are ignored.
func (a *Adapter) Close(p string) (err error) {
	p = cleanPath(p)
	defer a.finish("close", p, &err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.shutdown {
		return nil
	}
	return a.release(p)
}

// Cleanup applies a pending delete of p once no references remain.
func (a *Adapter) Cleanup(p string) (err error) {
	p = cleanPath(p)
	defer a.finish("cleanup", p, &err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.shutdown {
		return nil
	}
	return a.applyPendingDelete(p)
}

// Delete marks the file at p for deletion. It is removed once the last
// reference to it is closed, or at once if it has none.
func (a *Adapter) Delete(p string) (err error) {
	p = cleanPath(p)
	defer a.finish("delete", p, &err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive("delete", p); err != nil {
		return err
	}
	info, err := a.vol.Stat(p)
	if err != nil {
		return volumeError("delete", p, err, a.parentMissing(p))
	}
	if info.IsDir() {
		return opError("delete", p, StatusAccessDenied, nil)
	}
	if attrs := entryInfo(info).Attributes; attrs&volfs.AttrReadOnly != 0 {
		return opError("delete", p, StatusAccessDenied, nil)
	}
	a.pending[p] = true
	return a.applyPendingDelete(p)
}

// Mkdir creates the directory p
func (a *Adapter) Mkdir(p string) (err error) {
	p = cleanPath(p)
	defer a.finish("mkdir", p, &err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive("mkdir", p); err != nil {
		return err
	}
	if _, err := a.vol.Stat(p); err == nil {
		return opError("mkdir", p, StatusAlreadyExists, nil)
	}
	if err := a.vol.Mkdir(p, 0o755); err != nil {
		return volumeError("mkdir", p, err, true)
	}
	return nil
}

// Rmdir marks the empty directory p for deletion, like Delete does for files.
func (a *Adapter) Rmdir(p string) (err error) {
	p = cleanPath(p)
	defer a.finish("rmdir", p, &err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive("rmdir", p); err != nil {
		return err
	}
	if p == "/" {
		return opError("rmdir", p, StatusAccessDenied, nil)
	}
	info, err := a.vol.Stat(p)
	if err != nil || !info.IsDir() {
		return opError("rmdir", p, StatusPathNotFound, err)
	}
	entries, err := a.vol.ReadDir(p)
	if err != nil {
		return volumeError("rmdir", p, err, false)
	}
	if len(entries) > 0 {
		return opError("rmdir", p, StatusDirectoryNotEmpty, nil)
	}
	a.pending[p] = true
	return a.applyPendingDelete(p)
}

// Move renames oldp to newp. An existing target fails with
// StatusAlreadyExists unless replace is set, in which case it is removed first.
func (a *Adapter) Move(oldp, newp string, replace bool) (err error) {
	oldp, newp = cleanPath(oldp), cleanPath(newp)
	defer a.finish("move", oldp, &err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive("move", oldp); err != nil {
		return err
	}
	if oldp == "/" || newp == "/" {
		return opError("move", oldp, StatusAccessDenied, nil)
	}
	src, err := a.vol.Stat(oldp)
	if err != nil {
		return volumeError("move", oldp, err, a.parentMissing(oldp))
	}
	if oldp == newp {
		return nil
	}
	if src.IsDir() && strings.HasPrefix(newp, oldp+"/") {
		return opError("move", oldp, StatusInvalidParameter, nil)
	}

	if dst, err := a.vol.Stat(newp); err == nil {
		if !replace {
			return opError("move", newp, StatusAlreadyExists, nil)
		}
		if dst.IsDir() {
			entries, err := a.vol.ReadDir(newp)
			if err != nil {
				return volumeError("move", newp, err, false)
			}
			if len(entries) > 0 {
				return opError("move", newp, StatusDirectoryNotEmpty, nil)
			}
		}
		a.evict(newp)
		delete(a.pending, newp)
		if err := a.vol.Remove(newp); err != nil {
			return volumeError("move", newp, err, false)
		}
	}

	if err := a.vol.Rename(oldp, newp); err != nil {
		return volumeError("move", oldp, err, a.parentMissing(newp))
	}
	a.rekey(oldp, newp)
	return nil
}

// GetFileInformation describes the entry at p
func (a *Adapter) GetFileInformation(p string) (info EntryInfo, err error) {
	p = cleanPath(p)
	defer a.finish("get_file_information", p, &err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive("get_file_information", p); err != nil {
		return EntryInfo{}, err
	}
	fi, err := a.vol.Stat(p)
	if err != nil {
		return EntryInfo{}, volumeError("get_file_information", p, err, a.parentMissing(p))
	}
	info = entryInfo(fi)
	if p == "/" {
		info.Name = "/"
	}
	return info, nil
}

// FindFiles lists the directory p
func (a *Adapter) FindFiles(p string) (entries []EntryInfo, err error) {
	p = cleanPath(p)
	defer a.finish("find_files", p, &err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive("find_files", p); err != nil {
		return nil, err
	}
	dirents, err := a.vol.ReadDir(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, volfs.ErrNotDir) {
			return nil, opError("find_files", p, StatusPathNotFound, err)
		}
		return nil, volumeError("find_files", p, err, false)
	}
	entries = make([]EntryInfo, 0, len(dirents))
	for _, d := range dirents {
		fi, err := d.Info()
		if err != nil {
			return nil, volumeError("find_files", path.Join(p, d.Name()), err, false)
		}
		entries = append(entries, entryInfo(fi))
	}
	return entries, nil
}

// FindStreams always reports StatusNotImplemented; volumes have no alternate data streams
func (a *Adapter) FindStreams(p string) (err error) {
	p = cleanPath(p)
	defer a.finish("find_streams", p, &err)
	return opError("find_streams", p, StatusNotImplemented, nil)
}

// SetAttributes replaces the attribute flags of p
func (a *Adapter) SetAttributes(p string, attrs uint32) (err error) {
	p = cleanPath(p)
	defer a.finish("set_attributes", p, &err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive("set_attributes", p); err != nil {
		return err
	}
	if err := a.vol.SetAttributes(p, attrs); err != nil {
		return volumeError("set_attributes", p, err, a.parentMissing(p))
	}
	return nil
}

// SetTimes sets the timestamps of p. Zero times are left unchanged.
func (a *Adapter) SetTimes(p string, created, accessed, modified time.Time) (err error) {
	p = cleanPath(p)
	defer a.finish("set_times", p, &err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive("set_times", p); err != nil {
		return err
	}
	if err := a.vol.SetTimes(p, created, accessed, modified); err != nil {
		return volumeError("set_times", p, err, a.parentMissing(p))
	}
	return nil
}

// LockFile always succeeds; byte-range locks are not enforced
func (a *Adapter) LockFile(p string, offset, length int64) error {
	return nil
}

// UnlockFile always succeeds
func (a *Adapter) UnlockFile(p string, offset, length int64) error {
	return nil
}

// GetFreeSpace reports the capacity of the decrypted volume
func (a *Adapter) GetFreeSpace() (usage volfs.Usage, err error) {
	defer a.finish("get_free_space", "/", &err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.checkLive("get_free_space", "/"); err != nil {
		return volfs.Usage{}, err
	}
	return a.vol.Usage(), nil
}

// GetVolumeInformation describes the volume to the host
func (a *Adapter) GetVolumeInformation() VolumeInfo {
	return VolumeInfo{
		Label:              a.vol.Label(),
		FileSystemName:     fileSystemName,
		MaxComponentLength: maxComponentLength,
		Features:           FeatureCaseSensitiveSearch | FeatureCasePreservedNames | FeatureUnicodeOnDisk,
	}
}

// Mounted is called by the host binding once the volume is visible
func (a *Adapter) Mounted(mountPoint string) error {
	a.mu.Lock()
	a.mountPoint = mountPoint
	a.mu.Unlock()
	a.log.Info().Str("mount_point", mountPoint).Msg("volume mounted")
	return nil
}

// Unmounted is called by the host binding after the volume is detached
func (a *Adapter) Unmounted() error {
	a.mu.Lock()
	mp := a.mountPoint
	a.mountPoint = ""
	a.mu.Unlock()
	a.log.Info().Str("mount_point", mp).Msg("volume unmounted")
	return a.Shutdown()
}

// MountPoint returns the mount point reported by Mounted
func (a *Adapter) MountPoint() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mountPoint
}

// Shutdown closes every handle, applies pending deletes and commits the
// volume. Later operations fail with ErrObjectDisposed. Calling it again is a no-op.
func (a *Adapter) Shutdown() (err error) {
	defer a.finish("shutdown", "/", &err)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.shutdown {
		return nil
	}

	var errs []error
	for p, h := range a.handles {
		if err := h.close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}
	clear(a.handles)
	for p := range a.pending {
		if err := a.applyPendingDelete(p); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.vol.Sync(); err != nil {
		errs = append(errs, err)
	}
	a.shutdown = true

	if err := errors.Join(errs...); err != nil {
		return opError("shutdown", "/", StatusAdapterError, err)
	}
	return nil
}

// entryInfo converts volume file information for the host.
func entryInfo(fi fs.FileInfo) EntryInfo {
	info := EntryInfo{
		Name:     fi.Name(),
		IsDir:    fi.IsDir(),
		Modified: fi.ModTime(),
		Accessed: fi.ModTime(),
		Created:  fi.ModTime(),
	}
	if !info.IsDir {
		info.Size = fi.Size()
	}
	if st, ok := fi.Sys().(*volfs.Stat); ok {
		info.Attributes = st.Attributes
		info.Created = st.Created
		info.Accessed = st.Accessed
		info.Modified = st.Modified
		return info
	}
	info.Attributes = attributesFromMode(fi.Name(), fi.Mode())
	return info
}

// attributesFromMode derives attribute flags for entries that carry none.
func attributesFromMode(name string, mode fs.FileMode) uint32 {
	var attrs uint32
	if mode.IsDir() {
		attrs |= volfs.AttrDirectory
	}
	if mode.Perm()&0o222 == 0 {
		attrs |= volfs.AttrReadOnly
	}
	if strings.HasPrefix(name, ".") && name != "." && name != ".." {
		attrs |= volfs.AttrHidden
	}
	if attrs == 0 {
		attrs = volfs.AttrNormal
	}
	return attrs
}
