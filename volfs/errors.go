package volfs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

var (
	ErrNotEmpty  = errors.New("directory not empty")
	ErrNotDir    = errors.New("not a directory")
	ErrIsDir     = errors.New("is a directory")
	ErrNoSpace   = errors.New("no space left on volume")
	ErrCorrupt   = errors.New("volume metadata is corrupt")
	ErrTooSmall  = errors.New("volume capacity too small")
	ErrReadOnly  = fmt.Errorf("file not opened for writing: %w", fs.ErrPermission)
	ErrWriteOnly = fmt.Errorf("file not opened for reading: %w", fs.ErrPermission)
)

func pathErr(op, name string, err error) error {
	return &os.PathError{Op: op, Path: name, Err: err}
}
