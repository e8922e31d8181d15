//go:build !linux && !freebsd

package fusefs

import (
	"fmt"

	"github.com/absfs/vaultfs"
)

// Bind fails: this platform has no FUSE support.
func (b *Binder) Bind(mountPoint string, a *vaultfs.Adapter) (vaultfs.Binding, error) {
	return nil, fmt.Errorf("%w: %s", ErrUnsupported, mountPoint)
}
