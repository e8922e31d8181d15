package fusefs

import (
	"errors"
	"syscall"

	"github.com/absfs/vaultfs"
	"github.com/absfs/vaultfs/volfs"
)

// Errno maps an adapter error onto the errno reported to the kernel.
// A nil error maps to 0.
func Errno(err error) syscall.Errno {
	if err == nil {
		return 0
	}
	if errors.Is(err, volfs.ErrNoSpace) || errors.Is(err, vaultfs.ErrCapacityExceeded) {
		return syscall.ENOSPC
	}
	if errors.Is(err, vaultfs.ErrObjectDisposed) {
		return syscall.EIO
	}
	switch vaultfs.StatusOf(err) {
	case vaultfs.StatusSuccess:
		return 0
	case vaultfs.StatusFileNotFound, vaultfs.StatusPathNotFound:
		return syscall.ENOENT
	case vaultfs.StatusFileExists, vaultfs.StatusAlreadyExists:
		return syscall.EEXIST
	case vaultfs.StatusDirectoryNotEmpty:
		return syscall.ENOTEMPTY
	case vaultfs.StatusNotImplemented:
		return syscall.ENOSYS
	case vaultfs.StatusAccessDenied:
		return syscall.EACCES
	case vaultfs.StatusInvalidParameter:
		return syscall.EINVAL
	default:
		return syscall.EIO
	}
}
