//go:build !windows

package vaultfs

import (
	"io/fs"
	"os"
	"time"

	"github.com/absfs/vaultfs/volfs"
)

const maxHostPath = 4096

// markHidden is a no-op; callers choose a dot-prefixed path to hide a mount point.
func markHidden(string) error {
	return nil
}

func isReparsePoint(string, fs.FileInfo) bool {
	return false
}

func hostAttributes(info fs.FileInfo) uint32 {
	attrs := attributesFromMode(info.Name(), info.Mode())
	return attrs &^ (volfs.AttrDirectory | volfs.AttrNormal)
}

func hostTimes(info fs.FileInfo) (created, accessed, modified time.Time) {
	mt := info.ModTime()
	return mt, accessTime(info), mt
}

func setHostTimes(p string, _, accessed, modified time.Time) error {
	return os.Chtimes(p, accessed, modified)
}

// setHostAttributes maps ReadOnly onto the write permission bits of files.
// The remaining flags have no host equivalent.
func setHostAttributes(p string, attrs uint32, dir bool) error {
	if dir || attrs&volfs.AttrReadOnly == 0 {
		return nil
	}
	info, err := os.Stat(p)
	if err != nil {
		return err
	}
	return os.Chmod(p, info.Mode().Perm()&^0o222)
}
