package vaultfs

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/absfs/vaultfs/volfs"
)

// ProgressFunc receives the bytes copied so far, the bytes to copy in
// total and the path being copied.
type ProgressFunc func(done, total int64, current string)

// ImportOptions configures Import
type ImportOptions struct {
	// Size is the capacity of the new volume; 0 uses Config.VolumeSize
	Size int64

	// Config parametrizes the new container; nil uses DefaultConfig
	Config *Config

	// Progress is called as bytes are copied
	Progress ProgressFunc

	// Validate checks the source first; nil uses ValidateSourceDirectory
	Validate func(dir string) error

	// DeleteSource removes the source directory after a successful import
	DeleteSource bool

	// Metrics receives copied byte counts; nil uses DefaultMetrics
	Metrics *Metrics
}

// ExportOptions configures Export
type ExportOptions struct {
	Config   *Config
	Progress ProgressFunc

	// DeleteContainer removes the container after a successful export
	DeleteContainer bool

	Metrics *Metrics
}

// CompactOptions configures Compact
type CompactOptions struct {
	Config   *Config
	Progress ProgressFunc
	Metrics  *Metrics
}

// copier moves file contents with a fixed buffer and reports progress.
type copier struct {
	buf      []byte
	done     int64
	total    int64
	progress ProgressFunc
	bytes    prometheus.Counter
}

func newCopier(engine string, bufSize int, total int64, progress ProgressFunc, m *Metrics) *copier {
	if m == nil {
		m = DefaultMetrics()
	}
	return &copier{
		buf:      make([]byte, bufSize),
		total:    total,
		progress: progress,
		bytes:    m.CopyBytesTotal.WithLabelValues(engine),
	}
}

func (c *copier) report(current string) {
	if c.progress != nil {
		c.progress(c.done, c.total, current)
	}
}

// copy streams src into dst, reporting after every buffer.
func (c *copier) copy(dst io.Writer, src io.Reader, current string) error {
	for {
		n, rerr := src.Read(c.buf)
		if n > 0 {
			if _, err := dst.Write(c.buf[:n]); err != nil {
				return err
			}
			c.done += int64(n)
			c.bytes.Add(float64(n))
			c.report(current)
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return rerr
		}
	}
}

// Import creates a container at containerPath and copies the directory tree
// srcDir into its volume. Capacity is checked before anything is written;
// a shortfall fails with ErrCapacityExceeded. The container is removed if
// the import fails.
func Import(srcDir, containerPath string, password []byte, opts ImportOptions) (err error) {
	cfg, err := configOrDefault(opts.Config)
	if err != nil {
		return err
	}
	validate := opts.Validate
	if validate == nil {
		validate = ValidateSourceDirectory
	}
	if err := validate(srcDir); err != nil {
		return err
	}
	size := opts.Size
	if size == 0 {
		size = cfg.VolumeSize
	}
	log := Logger().With().Str("source", srcDir).Str("container", containerPath).Logger()

	total, err := hostTreeSize(srcDir)
	if err != nil {
		return NewIOError("walk", srcDir, err)
	}
	required := total + cfg.ImportMargin
	if avail, ok, err := hostFreeSpace(containerPath); err != nil {
		log.Debug().Err(err).Msg("failed to query host free space")
	} else if ok && avail < required {
		return fmt.Errorf("%w: host needs %d bytes, %d available", ErrCapacityExceeded, required, avail)
	}

	masterKey, err := GenerateMasterKey()
	if err != nil {
		return err
	}
	defer clear(masterKey)
	header, err := NewHeader(masterKey, password, cfg.KeyWrap, cfg.Verifier)
	if err != nil {
		return err
	}

	c, err := createWithHeader(containerPath, header, masterKey, size, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			c.Close()
			if rerr := os.Remove(containerPath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				log.Warn().Err(rerr).Msg("failed to remove partial container")
			}
			log.Info().Err(err).Msg("import rolled back")
		}
	}()

	if free := c.Usage().Free; free < required {
		return fmt.Errorf("%w: volume needs %d bytes, %d available", ErrCapacityExceeded, required, free)
	}

	cp := newCopier("import", cfg.CopyBufferSize, total, opts.Progress, opts.Metrics)
	if err := importDir(cp, c.FS(), srcDir, "/", log); err != nil {
		return err
	}
	if err := c.Close(); err != nil {
		return err
	}
	log.Info().Int64("bytes", cp.done).Msg("import complete")

	if opts.DeleteSource {
		if err := os.RemoveAll(srcDir); err != nil {
			// The container is complete; keep it.
			log.Warn().Err(err).Msg("failed to delete source")
			return nil
		}
	}
	return nil
}

// hostTreeSize sums the sizes of the regular files below dir.
func hostTreeSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}

// importDir copies the files of src, then its subdirectories, into the
// volume directory dst. Listings are taken before anything is copied.
func importDir(cp *copier, vol *volfs.FileSystem, src, dst string, log zerolog.Logger) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return NewIOError("readdir", src, err)
	}

	var dirs []fs.DirEntry
	for _, e := range entries {
		switch {
		case e.IsDir():
			dirs = append(dirs, e)
		case e.Type().IsRegular():
			if err := importFile(cp, vol, filepath.Join(src, e.Name()), path.Join(dst, e.Name())); err != nil {
				return err
			}
		default:
			log.Debug().Str("path", filepath.Join(src, e.Name())).Msg("skipping special file")
		}
	}

	for _, e := range dirs {
		hostPath := filepath.Join(src, e.Name())
		volPath := path.Join(dst, e.Name())
		cp.report(hostPath)
		if err := vol.Mkdir(volPath, 0o755); err != nil {
			return NewIOError("mkdir", volPath, err)
		}
		if err := importDir(cp, vol, hostPath, volPath, log); err != nil {
			return err
		}
		if err := importMetadata(vol, hostPath, volPath); err != nil {
			return err
		}
	}
	return nil
}

func importFile(cp *copier, vol *volfs.FileSystem, hostPath, volPath string) error {
	cp.report(hostPath)
	src, err := os.Open(hostPath)
	if err != nil {
		return NewIOError("open", hostPath, err)
	}
	defer src.Close()

	dst, err := vol.OpenFile(volPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return NewIOError("create", volPath, err)
	}
	if err := cp.copy(dst, src, hostPath); err != nil {
		dst.Close()
		return NewIOError("copy", hostPath, err)
	}
	if err := dst.Close(); err != nil {
		return NewIOError("close", volPath, err)
	}
	return importMetadata(vol, hostPath, volPath)
}

// importMetadata carries host times and attribute flags onto a volume entry.
func importMetadata(vol *volfs.FileSystem, hostPath, volPath string) error {
	info, err := os.Stat(hostPath)
	if err != nil {
		return NewIOError("stat", hostPath, err)
	}
	created, accessed, modified := hostTimes(info)
	if err := vol.SetTimes(volPath, created, accessed, modified); err != nil {
		return NewIOError("settimes", volPath, err)
	}
	if err := vol.SetAttributes(volPath, hostAttributes(info)); err != nil {
		return NewIOError("setattr", volPath, err)
	}
	return nil
}

// Export copies the whole volume of the container at containerPath into
// destDir, which must not exist or be empty. The destination is removed
// if the export fails.
func Export(containerPath, destDir string, password []byte, opts ExportOptions) (err error) {
	c, err := OpenContainer(containerPath, password, opts.Config)
	if err != nil {
		return err
	}
	defer c.Close()
	cfg := c.Config()
	log := Logger().With().Str("container", containerPath).Str("dest", destDir).Logger()

	entries, err := os.ReadDir(destDir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return NewIOError("readdir", destDir, err)
	case len(entries) > 0:
		return fmt.Errorf("%w: %s is not empty", ErrAlreadyExists, destDir)
	}
	defer func() {
		if err != nil {
			if rerr := os.RemoveAll(destDir); rerr != nil {
				log.Warn().Err(rerr).Msg("failed to remove partial export")
			}
			log.Info().Err(err).Msg("export rolled back")
		}
	}()

	vol := c.FS()
	total, err := volumeTreeSize(vol, "/")
	if err != nil {
		return err
	}
	cp := newCopier("export", cfg.ExportBufferSize, total, opts.Progress, opts.Metrics)

	type work struct{ src, dst string }
	type dirMeta struct {
		dst  string
		info fs.FileInfo
	}
	var dirs []dirMeta
	stack := []work{{"/", destDir}}
	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if err := os.MkdirAll(w.dst, 0o755); err != nil {
			return NewIOError("mkdir", w.dst, err)
		}
		entries, err := vol.ReadDir(w.src)
		if err != nil {
			return NewIOError("readdir", w.src, err)
		}

		var sub []work
		for _, e := range entries {
			src := path.Join(w.src, e.Name())
			dst := filepath.Join(w.dst, e.Name())
			if e.IsDir() {
				info, err := e.Info()
				if err != nil {
					return NewIOError("stat", src, err)
				}
				dirs = append(dirs, dirMeta{dst, info})
				sub = append(sub, work{src, dst})
				continue
			}
			if err := exportFile(cp, vol, src, dst); err != nil {
				return err
			}
		}
		// Reversed so subdirectories pop in listing order.
		slices.Reverse(sub)
		stack = append(stack, sub...)
	}

	// Deepest first, so creating children does not disturb a parent's times.
	for i := len(dirs) - 1; i >= 0; i-- {
		if err := exportMetadata(dirs[i].dst, dirs[i].info); err != nil {
			return err
		}
	}

	if err := c.Close(); err != nil {
		return err
	}
	log.Info().Int64("bytes", cp.done).Msg("export complete")

	if opts.DeleteContainer {
		if err := os.Remove(containerPath); err != nil {
			log.Warn().Err(err).Msg("failed to delete container")
		}
	}
	return nil
}

func exportFile(cp *copier, vol *volfs.FileSystem, volPath, hostPath string) error {
	cp.report(volPath)
	src, err := vol.Open(volPath)
	if err != nil {
		return NewIOError("open", volPath, err)
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return NewIOError("stat", volPath, err)
	}

	dst, err := os.OpenFile(hostPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return NewIOError("create", hostPath, err)
	}
	if err := cp.copy(dst, src, volPath); err != nil {
		dst.Close()
		return NewIOError("copy", volPath, err)
	}
	if err := dst.Close(); err != nil {
		return NewIOError("close", hostPath, err)
	}
	return exportMetadata(hostPath, info)
}

// exportMetadata carries volume times and attribute flags onto a host entry.
func exportMetadata(hostPath string, info fs.FileInfo) error {
	st, ok := info.Sys().(*volfs.Stat)
	if !ok {
		return nil
	}
	accessed := st.Accessed
	if accessed.IsZero() {
		accessed = st.Modified
	}
	if err := setHostTimes(hostPath, st.Created, accessed, st.Modified); err != nil {
		return NewIOError("settimes", hostPath, err)
	}
	if err := setHostAttributes(hostPath, st.Attributes, info.IsDir()); err != nil {
		return NewIOError("setattr", hostPath, err)
	}
	return nil
}

// volumeTreeSize sums the file sizes below dir.
func volumeTreeSize(vol *volfs.FileSystem, dir string) (int64, error) {
	var total int64
	stack := []string{dir}
	for len(stack) > 0 {
		d := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		entries, err := vol.ReadDir(d)
		if err != nil {
			return 0, NewIOError("readdir", d, err)
		}
		for _, e := range entries {
			p := path.Join(d, e.Name())
			if e.IsDir() {
				stack = append(stack, p)
				continue
			}
			info, err := e.Info()
			if err != nil {
				return 0, NewIOError("stat", p, err)
			}
			total += info.Size()
		}
	}
	return total, nil
}

// Compaction leaves these siblings next to the container while it runs.
const (
	compactNewSuffix = ".new"
	compactOldSuffix = ".old"
)

// Compact rebuilds the container at path into a fresh volume of the same
// capacity, reclaiming space freed by deletions. The header is reused, so
// the password is unchanged. The original is replaced by renaming it to
// path.old, renaming path.new to path and deleting path.old; if the
// process dies part way, RecoverCompaction restores a single container.
func Compact(path string, password []byte, opts CompactOptions) (err error) {
	cfg, err := configOrDefault(opts.Config)
	if err != nil {
		return err
	}
	log := Logger().With().Str("container", path).Logger()

	if action, err := RecoverCompaction(path); err != nil {
		return err
	} else if action != RecoveryNone {
		log.Info().Str("action", action.String()).Msg("recovered interrupted compaction")
	}

	h, err := ReadHeader(path)
	if err != nil {
		return err
	}
	masterKey, err := unlock(h, password, cfg)
	if err != nil {
		return &AuthenticationError{Path: path, Message: "password rejected", Err: err}
	}
	defer clear(masterKey)

	src, err := openUnlocked(path, h, masterKey, cfg)
	if err != nil {
		return err
	}
	defer src.Close()

	newPath := path + compactNewSuffix
	oldPath := path + compactOldSuffix

	dstCfg := *cfg
	dstCfg.BlockSize = src.FS().BlockSize()
	dst, err := createWithHeader(newPath, h, masterKey, src.FS().Capacity(), &dstCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			dst.Close()
			if rerr := os.Remove(newPath); rerr != nil && !errors.Is(rerr, fs.ErrNotExist) {
				log.Warn().Err(rerr).Msg("failed to remove compaction target")
			}
			log.Info().Err(err).Msg("compaction rolled back")
		}
	}()
	if err := dst.FS().SetLabel(src.FS().Label()); err != nil {
		return NewIOError("setlabel", newPath, err)
	}

	total, err := volumeTreeSize(src.FS(), "/")
	if err != nil {
		return err
	}
	cp := newCopier("compact", cfg.CopyBufferSize, total, opts.Progress, opts.Metrics)
	if err := compactDir(cp, src.FS(), dst.FS(), "/"); err != nil {
		return err
	}
	if err := copyVolumeMetadata(src.FS(), dst.FS(), "/"); err != nil {
		return err
	}

	if err := dst.Close(); err != nil {
		return err
	}
	if err := src.Close(); err != nil {
		return err
	}

	start := time.Now()
	if err := os.Rename(path, oldPath); err != nil {
		return NewIOError("rename", path, err)
	}
	if err := os.Rename(newPath, path); err != nil {
		if rerr := os.Rename(oldPath, path); rerr != nil {
			log.Error().Err(rerr).Msg("failed to restore original container")
		}
		return NewIOError("rename", newPath, err)
	}
	if err := os.Remove(oldPath); err != nil {
		log.Warn().Err(err).Msg("failed to remove previous container")
	}
	log.Info().Int64("bytes", cp.done).Dur("swap", time.Since(start)).Msg("compaction complete")
	return nil
}

// compactDir copies the files of dir, then its subdirectories, from one
// volume to another.
func compactDir(cp *copier, src, dst *volfs.FileSystem, dir string) error {
	entries, err := src.ReadDir(dir)
	if err != nil {
		return NewIOError("readdir", dir, err)
	}
	var dirs []string
	for _, e := range entries {
		p := path.Join(dir, e.Name())
		if e.IsDir() {
			dirs = append(dirs, p)
			continue
		}
		if err := compactFile(cp, src, dst, p); err != nil {
			return err
		}
	}
	for _, p := range dirs {
		cp.report(p)
		if err := dst.Mkdir(p, 0o755); err != nil {
			return NewIOError("mkdir", p, err)
		}
		if err := compactDir(cp, src, dst, p); err != nil {
			return err
		}
		if err := copyVolumeMetadata(src, dst, p); err != nil {
			return err
		}
	}
	return nil
}

func compactFile(cp *copier, src, dst *volfs.FileSystem, p string) error {
	cp.report(p)
	in, err := src.Open(p)
	if err != nil {
		return NewIOError("open", p, err)
	}
	defer in.Close()
	out, err := dst.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return NewIOError("create", p, err)
	}
	if err := cp.copy(out, in, p); err != nil {
		out.Close()
		return NewIOError("copy", p, err)
	}
	if err := out.Close(); err != nil {
		return NewIOError("close", p, err)
	}
	return copyVolumeMetadata(src, dst, p)
}

func copyVolumeMetadata(src, dst *volfs.FileSystem, p string) error {
	info, err := src.Stat(p)
	if err != nil {
		return NewIOError("stat", p, err)
	}
	st, ok := info.Sys().(*volfs.Stat)
	if !ok {
		return nil
	}
	if err := dst.SetTimes(p, st.Created, st.Accessed, st.Modified); err != nil {
		return NewIOError("settimes", p, err)
	}
	if err := dst.SetAttributes(p, st.Attributes); err != nil {
		return NewIOError("setattr", p, err)
	}
	return nil
}

// RecoveryAction is what RecoverCompaction did
type RecoveryAction int

const (
	// RecoveryNone means no compaction leftovers were found
	RecoveryNone RecoveryAction = iota
	// RecoveryDiscardedNew means the copy never finished; path.new was removed
	RecoveryDiscardedNew
	// RecoveryCompletedSwap means path.new was renamed over the missing path
	RecoveryCompletedSwap
	// RecoveryRemovedOld means the swap finished; the stale path.old was removed
	RecoveryRemovedOld
	// RecoveryRestoredOld means only path.old survived and was renamed back
	RecoveryRestoredOld
)

// String returns the string representation of the action
func (a RecoveryAction) String() string {
	switch a {
	case RecoveryNone:
		return "none"
	case RecoveryDiscardedNew:
		return "discarded_new"
	case RecoveryCompletedSwap:
		return "completed_swap"
	case RecoveryRemovedOld:
		return "removed_old"
	case RecoveryRestoredOld:
		return "restored_old"
	default:
		return "unknown"
	}
}

// RecoverCompaction resolves the siblings an interrupted Compact may leave
// next to path so that exactly one container remains at path.
func RecoverCompaction(path string) (RecoveryAction, error) {
	newPath := path + compactNewSuffix
	oldPath := path + compactOldSuffix
	hasPath, err := exists(path)
	if err != nil {
		return RecoveryNone, err
	}
	hasNew, err := exists(newPath)
	if err != nil {
		return RecoveryNone, err
	}
	hasOld, err := exists(oldPath)
	if err != nil {
		return RecoveryNone, err
	}

	switch {
	case hasPath && hasOld:
		// Swap done; path is the compacted container.
		if err := os.Remove(oldPath); err != nil {
			return RecoveryNone, NewIOError("remove", oldPath, err)
		}
		if hasNew {
			os.Remove(newPath)
		}
		return RecoveryRemovedOld, nil
	case hasPath && hasNew:
		if err := os.Remove(newPath); err != nil {
			return RecoveryNone, NewIOError("remove", newPath, err)
		}
		return RecoveryDiscardedNew, nil
	case !hasPath && hasNew && hasOld:
		if err := os.Rename(newPath, path); err != nil {
			return RecoveryNone, NewIOError("rename", newPath, err)
		}
		if err := os.Remove(oldPath); err != nil {
			return RecoveryCompletedSwap, NewIOError("remove", oldPath, err)
		}
		return RecoveryCompletedSwap, nil
	case !hasPath && hasOld:
		if err := os.Rename(oldPath, path); err != nil {
			return RecoveryNone, NewIOError("rename", oldPath, err)
		}
		return RecoveryRestoredOld, nil
	}
	return RecoveryNone, nil
}

func exists(p string) (bool, error) {
	_, err := os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, NewIOError("stat", p, err)
}
