package vaultfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/absfs/absfs"
	"github.com/absfs/vaultfs/volfs"
)

var _ absfs.File = (*os.File)(nil)

// Container is an open container: the header, the encrypted payload and
// the volume filesystem formatted inside it.
type Container struct {
	path   string
	header *Header
	file   *os.File
	stream *SectorStream
	volume *volfs.FileSystem
	config *Config

	closeOnce sync.Once
	closeErr  error
}

// CreateContainer creates a new container at path holding an empty volume
// of size bytes. The file must not exist. A nil cfg uses DefaultConfig.
func CreateContainer(path string, password []byte, size int64, cfg *Config) error {
	cfg, err := configOrDefault(cfg)
	if err != nil {
		return err
	}
	if err := ValidatePassword(password); err != nil {
		return err
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

	c, err := createWithHeader(path, header, masterKey, size, cfg)
	if err != nil {
		return err
	}
	return c.Close()
}

// createWithHeader writes header to a new file at path and formats an empty
// volume keyed by masterKey behind it. The file is removed on failure.
func createWithHeader(path string, header *Header, masterKey []byte, size int64, cfg *Config) (c *Container, err error) {
	if size <= 0 {
		return nil, NewValidationError("size", size, "volume size must be positive")
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, NewIOError("create", path, err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(path)
		}
	}()

	if _, err := header.WriteTo(f); err != nil {
		return nil, NewIOError("write", path, err)
	}

	stream, err := openPayload(f, masterKey, cfg)
	if err != nil {
		return nil, err
	}

	volume, err := volfs.Format(stream, size,
		volfs.WithBlockSize(cfg.BlockSize),
		volfs.WithLabel(LabelForPath(path)),
	)
	if err != nil {
		return nil, NewIOError("format", path, err)
	}

	Logger().Debug().Str("container", path).Int64("size", size).Msg("container created")
	return &Container{
		path:   path,
		header: header,
		file:   f,
		stream: stream,
		volume: volume,
		config: cfg,
	}, nil
}

func openPayload(f *os.File, masterKey []byte, cfg *Config) (*SectorStream, error) {
	offset, err := NewOffsetStream(f, HeaderSize, true)
	if err != nil {
		return nil, err
	}
	return NewSectorStream(offset, masterKey, cfg.SectorSize, WithParallel(cfg.Parallel))
}

// VerifyPassword reports whether password matches the container's verifier.
// It is cheaper than UnwrapKey and agrees with it while the verifier is intact.
func VerifyPassword(path string, password []byte, cfg *Config) (bool, error) {
	cfg, err := configOrDefault(cfg)
	if err != nil {
		return false, err
	}
	h, err := ReadHeader(path)
	if err != nil {
		return false, err
	}
	return h.VerifyPassword(password, cfg.Verifier), nil
}

// UnwrapKey returns the master key of the container at path. Any password
// failure is reported as ErrWrongPassword.
func UnwrapKey(path string, password []byte, cfg *Config) ([]byte, error) {
	cfg, err := configOrDefault(cfg)
	if err != nil {
		return nil, err
	}
	h, err := ReadHeader(path)
	if err != nil {
		return nil, err
	}
	key, err := unlock(h, password, cfg)
	if err != nil {
		return nil, &AuthenticationError{Path: path, Message: "password rejected", Err: err}
	}
	return key, nil
}

// unlock unwraps the master key. The verifier is not consulted, so a
// damaged verifier does not lock out a correct password.
func unlock(h *Header, password []byte, cfg *Config) ([]byte, error) {
	key, err := h.UnwrapKey(password, cfg.KeyWrap)
	if err != nil && !errors.Is(err, ErrWrongPassword) && !errors.Is(err, ErrCorrupt) {
		return nil, fmt.Errorf("%w: %v", ErrWrongPassword, err)
	}
	return key, err
}

// OpenContainer unlocks the container at path and opens its volume.
func OpenContainer(path string, password []byte, cfg *Config) (*Container, error) {
	cfg, err := configOrDefault(cfg)
	if err != nil {
		return nil, err
	}
	h, err := ReadHeader(path)
	if err != nil {
		return nil, err
	}
	masterKey, err := unlock(h, password, cfg)
	if err != nil {
		return nil, &AuthenticationError{Path: path, Message: "password rejected", Err: err}
	}
	defer clear(masterKey)
	return openUnlocked(path, h, masterKey, cfg)
}

// openUnlocked opens the volume of a container whose master key is known.
func openUnlocked(path string, h *Header, masterKey []byte, cfg *Config) (c *Container, err error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, NewIOError("open", path, err)
	}
	defer func() {
		if err != nil {
			f.Close()
		}
	}()

	stream, err := openPayload(f, masterKey, cfg)
	if err != nil {
		return nil, err
	}
	volume, err := volfs.Open(stream)
	if err != nil {
		if errors.Is(err, volfs.ErrCorrupt) {
			return nil, &CorruptionError{Path: path, Message: "volume is unreadable", Err: fmt.Errorf("%w: %v", ErrCorrupt, err)}
		}
		return nil, NewIOError("open", path, err)
	}

	Logger().Debug().Str("container", path).Msg("container opened")
	return &Container{
		path:   path,
		header: h,
		file:   f,
		stream: stream,
		volume: volume,
		config: cfg,
	}, nil
}

// Path returns the container file path
func (c *Container) Path() string {
	return c.path
}

// Header returns the container header
func (c *Container) Header() *Header {
	return c.header
}

// FS returns the volume filesystem
func (c *Container) FS() *volfs.FileSystem {
	return c.volume
}

// Config returns the configuration the container was opened with
func (c *Container) Config() *Config {
	return c.config
}

// Usage reports the capacity of the decrypted volume
func (c *Container) Usage() volfs.Usage {
	return c.volume.Usage()
}

// Sync commits the volume metadata and flushes the container file
func (c *Container) Sync() error {
	if err := c.volume.Sync(); err != nil {
		return NewIOError("sync", c.path, err)
	}
	return nil
}

// Close commits the volume and closes the container file. Closing twice is a no-op.
func (c *Container) Close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if err := c.volume.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := c.stream.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := c.file.Close(); err != nil && !errors.Is(err, fs.ErrClosed) {
			errs = append(errs, err)
		}
		if err := errors.Join(errs...); err != nil {
			c.closeErr = NewIOError("close", c.path, err)
		}
	})
	return c.closeErr
}

// LabelForPath derives a volume label from a container file name
func LabelForPath(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
