package fusefs

import (
	"errors"

	"github.com/absfs/vaultfs"
)

// ErrUnsupported is returned by Bind on platforms without FUSE.
var ErrUnsupported = errors.New("fuse is not supported on this platform")

// Binder mounts adapters through FUSE. The zero value is usable.
type Binder struct {
	// FSName is shown as the mount source; empty uses "vaultfs"
	FSName string

	// ReadOnly mounts the volume read-only
	ReadOnly bool

	// AllowOther lets users other than the mounting user access the volume
	AllowOther bool
}

var _ vaultfs.Binder = (*Binder)(nil)

// New returns a Binder with default options
func New() *Binder {
	return &Binder{}
}

func (b *Binder) fsName() string {
	if b.FSName == "" {
		return "vaultfs"
	}
	return b.FSName
}
