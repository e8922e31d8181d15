//go:build linux || darwin || freebsd

package vaultfs

import (
	"path/filepath"

	"golang.org/x/sys/unix"
)

// hostFreeSpace returns the bytes available to unprivileged users on the
// filesystem holding path.
func hostFreeSpace(path string) (int64, bool, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(filepath.Dir(path), &st); err != nil {
		return 0, false, err
	}
	return int64(st.Bavail) * int64(st.Bsize), true, nil
}
