//go:build windows

package vaultfs

import (
	"io/fs"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/windows"

	"github.com/absfs/vaultfs/volfs"
)

// maxHostPath is the classic MAX_PATH limit honoured by most Windows tools.
const maxHostPath = 260

const hostAttrMask = volfs.AttrReadOnly | volfs.AttrHidden | volfs.AttrSystem | volfs.AttrArchive

// markHidden sets the hidden attribute on p.
func markHidden(p string) error {
	name, err := windows.UTF16PtrFromString(p)
	if err != nil {
		return err
	}
	attrs, err := windows.GetFileAttributes(name)
	if err != nil {
		return err
	}
	return windows.SetFileAttributes(name, attrs|windows.FILE_ATTRIBUTE_HIDDEN)
}

func attributeData(info fs.FileInfo) (*syscall.Win32FileAttributeData, bool) {
	d, ok := info.Sys().(*syscall.Win32FileAttributeData)
	return d, ok && d != nil
}

func isReparsePoint(_ string, info fs.FileInfo) bool {
	d, ok := attributeData(info)
	return ok && d.FileAttributes&windows.FILE_ATTRIBUTE_REPARSE_POINT != 0
}

func hostAttributes(info fs.FileInfo) uint32 {
	if d, ok := attributeData(info); ok {
		return d.FileAttributes & hostAttrMask
	}
	return attributesFromMode(info.Name(), info.Mode()) & hostAttrMask
}

func hostTimes(info fs.FileInfo) (created, accessed, modified time.Time) {
	d, ok := attributeData(info)
	if !ok {
		mt := info.ModTime()
		return mt, mt, mt
	}
	return time.Unix(0, d.CreationTime.Nanoseconds()),
		time.Unix(0, d.LastAccessTime.Nanoseconds()),
		time.Unix(0, d.LastWriteTime.Nanoseconds())
}

func setHostTimes(p string, created, accessed, modified time.Time) error {
	name, err := windows.UTF16PtrFromString(p)
	if err != nil {
		return err
	}
	h, err := windows.CreateFile(name, windows.FILE_WRITE_ATTRIBUTES,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING, windows.FILE_FLAG_BACKUP_SEMANTICS, 0)
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	ct := windows.NsecToFiletime(created.UnixNano())
	at := windows.NsecToFiletime(accessed.UnixNano())
	mt := windows.NsecToFiletime(modified.UnixNano())
	return windows.SetFileTime(h, &ct, &at, &mt)
}

func setHostAttributes(p string, attrs uint32, _ bool) error {
	name, err := windows.UTF16PtrFromString(p)
	if err != nil {
		return err
	}
	attrs &= hostAttrMask
	if attrs == 0 {
		attrs = windows.FILE_ATTRIBUTE_NORMAL
	}
	return windows.SetFileAttributes(name, attrs)
}

// hostFreeSpace returns the bytes available to the caller on the drive
// holding path.
func hostFreeSpace(path string) (int64, bool, error) {
	dir, err := windows.UTF16PtrFromString(filepath.Dir(path))
	if err != nil {
		return 0, false, err
	}
	var avail, total, free uint64
	if err := windows.GetDiskFreeSpaceEx(dir, &avail, &total, &free); err != nil {
		return 0, false, err
	}
	return int64(avail), true, nil
}
