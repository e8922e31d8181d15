package vaultfs

import (
	"crypto/sha256"
	"crypto/sha512"
	"hash"
	"time"
)

// HashFunc represents hash function types for PBKDF2
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

// String returns the string representation of the hash function
func (h HashFunc) String() string {
	switch h {
	case SHA256:
		return "sha256"
	case SHA512:
		return "sha512"
	default:
		return "unknown"
	}
}

// New returns the constructor of the hash function
func (h HashFunc) New() func() hash.Hash {
	switch h {
	case SHA512:
		return sha512.New
	default:
		return sha256.New
	}
}

// MarshalText implements encoding.TextMarshaler
func (h HashFunc) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (h *HashFunc) UnmarshalText(text []byte) error {
	switch string(text) {
	case "sha256", "":
		*h = SHA256
	case "sha512":
		*h = SHA512
	default:
		return NewValidationError("hash", string(text), "unsupported hash function")
	}
	return nil
}

// PBKDF2Params contains parameters for PBKDF2 key derivation
type PBKDF2Params struct {
	Iterations int      `yaml:"iterations" validate:"min=1"`        // Number of iterations
	HashFunc   HashFunc `yaml:"hash"`                               // Hash function to use
	SaltSize   int      `yaml:"salt_size" validate:"min=8,max=64"`  // Salt size in bytes
	KeySize    int      `yaml:"key_size" validate:"min=16,max=128"` // Derived key size in bytes
}

const (
	// HeaderSize is the fixed size of the container header
	HeaderSize = 4096

	// MasterKeySize is the size of the data key plus the tweak key
	MasterKeySize = 64

	// DefaultSectorSize is the cipher sector size of new containers
	DefaultSectorSize = 512

	// DefaultVolumeSize is the capacity of new volumes
	DefaultVolumeSize = 100 << 30

	// DefaultImportMargin is the free space kept in reserve by Import
	DefaultImportMargin = 100 << 20

	// DefaultCopyBufferSize is the transfer buffer of Import and Compact
	DefaultCopyBufferSize = 80 << 10

	// DefaultExportBufferSize is the transfer buffer of Export
	DefaultExportBufferSize = 1 << 20

	// ContainerExtension is appended to a directory name to form its container path
	ContainerExtension = ".vault"
)

// DefaultKeyWrapParams returns the PBKDF2 parameters of the header key wrap.
// Key size covers the AES-256 key and the CBC IV.
func DefaultKeyWrapParams() PBKDF2Params {
	return PBKDF2Params{
		Iterations: 10000,
		HashFunc:   SHA256,
		SaltSize:   16,
		KeySize:    48,
	}
}

// DefaultVerifierParams returns the PBKDF2 parameters of the password verifier
func DefaultVerifierParams() PBKDF2Params {
	return PBKDF2Params{
		Iterations: 1000,
		HashFunc:   SHA256,
		SaltSize:   32,
		KeySize:    32,
	}
}

// Config contains configuration for containers, mounts and bulk copies
type Config struct {
	// SectorSize is the cipher sector size in bytes
	SectorSize int `yaml:"sector_size" validate:"sector"`

	// BlockSize is the allocation unit of the volume filesystem
	BlockSize int `yaml:"block_size" validate:"min=512,max=65536"`

	// KeyWrap parametrizes the password-derived key that wraps the master key
	KeyWrap PBKDF2Params `yaml:"key_wrap"`

	// Verifier parametrizes the fast password check stored in the header
	Verifier PBKDF2Params `yaml:"verifier"`

	// VolumeSize is the capacity of newly created volumes
	VolumeSize int64 `yaml:"volume_size" validate:"gt=0"`

	// ImportMargin is kept free on top of the source size during Import
	ImportMargin int64 `yaml:"import_margin" validate:"gte=0"`

	// CopyBufferSize is the transfer buffer used by Import and Compact
	CopyBufferSize int `yaml:"copy_buffer_size" validate:"min=4096"`

	// ExportBufferSize is the transfer buffer used by Export
	ExportBufferSize int `yaml:"export_buffer_size" validate:"min=4096"`

	// UnmountGrace bounds how long an interrupted mount command waits for
	// its volumes to unmount; zero waits without limit
	UnmountGrace time.Duration `yaml:"unmount_grace" validate:"gte=0"`

	// LogLevel is the zerolog level name
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error disabled"`

	// Parallel controls multi-sector transforms
	Parallel ParallelConfig `yaml:"parallel"`
}

// DefaultConfig returns the configuration used when none is supplied
func DefaultConfig() *Config {
	return &Config{
		SectorSize:       DefaultSectorSize,
		BlockSize:        4096,
		KeyWrap:          DefaultKeyWrapParams(),
		Verifier:         DefaultVerifierParams(),
		VolumeSize:       DefaultVolumeSize,
		ImportMargin:     DefaultImportMargin,
		CopyBufferSize:   DefaultCopyBufferSize,
		ExportBufferSize: DefaultExportBufferSize,
		UnmountGrace:     10 * time.Second,
		LogLevel:         "info",
		Parallel:         DefaultParallelConfig(),
	}
}
