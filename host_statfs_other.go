//go:build !linux && !darwin && !freebsd && !windows

package vaultfs

// hostFreeSpace cannot be determined on this platform.
func hostFreeSpace(string) (int64, bool, error) {
	return 0, false, nil
}
