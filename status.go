package vaultfs

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/absfs/vaultfs/volfs"
)

// Status is the result code an adapter operation reports to the host binding.
type Status int

const (
	StatusSuccess Status = iota
	StatusFileNotFound
	StatusPathNotFound
	StatusFileExists
	StatusAlreadyExists
	StatusDirectoryNotEmpty
	StatusNotImplemented
	StatusAccessDenied
	StatusInvalidParameter
	StatusAdapterError
)

// String returns the string representation of the status
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFileNotFound:
		return "file_not_found"
	case StatusPathNotFound:
		return "path_not_found"
	case StatusFileExists:
		return "file_exists"
	case StatusAlreadyExists:
		return "already_exists"
	case StatusDirectoryNotEmpty:
		return "directory_not_empty"
	case StatusNotImplemented:
		return "not_implemented"
	case StatusAccessDenied:
		return "access_denied"
	case StatusInvalidParameter:
		return "invalid_parameter"
	default:
		return "adapter_error"
	}
}

// Err returns the sentinel error for the status, nil for StatusSuccess.
func (s Status) Err() error {
	switch s {
	case StatusSuccess:
		return nil
	case StatusFileNotFound:
		return ErrFileNotFound
	case StatusPathNotFound:
		return ErrPathNotFound
	case StatusFileExists:
		return ErrFileExists
	case StatusAlreadyExists:
		return ErrAlreadyExists
	case StatusDirectoryNotEmpty:
		return ErrDirectoryNotEmpty
	case StatusNotImplemented:
		return ErrNotImplemented
	case StatusAccessDenied:
		return ErrAccessDenied
	case StatusInvalidParameter:
		return ErrInvalidConfiguration
	default:
		return ErrAdapter
	}
}

// OpError is returned by every adapter operation that does not succeed.
type OpError struct {
	Op     string // Adapter operation, e.g. "create", "move"
	Path   string // Volume path the operation was applied to
	Status Status // Result code for the host binding
	Err    error  // Underlying cause
}

func (e *OpError) Error() string {
	if e.Err != nil && !errors.Is(e.Status.Err(), e.Err) {
		return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Path, e.Status.Err(), e.Err)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Path, e.Status.Err())
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the status sentinel as well as the cause.
func (e *OpError) Is(target error) bool {
	return target == e.Status.Err()
}

// StatusOf extracts the adapter status from err.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Status
	}
	return classify(err, false)
}

func opError(op, path string, status Status, err error) error {
	if err == nil {
		err = status.Err()
	}
	return &OpError{Op: op, Path: path, Status: status, Err: err}
}

// volumeError maps a volume filesystem error onto an adapter status.
// parentMissing selects PathNotFound over FileNotFound for lookups whose
// parent directory is absent.
func volumeError(op, path string, err error, parentMissing bool) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return err
	}
	return &OpError{Op: op, Path: path, Status: classify(err, parentMissing), Err: err}
}

func classify(err error, parentMissing bool) Status {
	switch {
	case errors.Is(err, ErrFileNotFound):
		return StatusFileNotFound
	case errors.Is(err, ErrPathNotFound):
		return StatusPathNotFound
	case errors.Is(err, ErrFileExists):
		return StatusFileExists
	case errors.Is(err, ErrAlreadyExists):
		return StatusAlreadyExists
	case errors.Is(err, ErrDirectoryNotEmpty), errors.Is(err, volfs.ErrNotEmpty):
		return StatusDirectoryNotEmpty
	case errors.Is(err, ErrNotImplemented):
		return StatusNotImplemented
	case errors.Is(err, fs.ErrNotExist):
		if parentMissing {
			return StatusPathNotFound
		}
		return StatusFileNotFound
	case errors.Is(err, volfs.ErrNotDir):
		return StatusPathNotFound
	case errors.Is(err, fs.ErrExist):
		return StatusFileExists
	case errors.Is(err, fs.ErrPermission), errors.Is(err, volfs.ErrIsDir), errors.Is(err, ErrAccessDenied):
		return StatusAccessDenied
	case errors.Is(err, fs.ErrInvalid):
		return StatusInvalidParameter
	default:
		return StatusAdapterError
	}
}
