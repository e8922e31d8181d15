package vaultfs

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors

// ValidationError represents a configuration or parameter validation error
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

// Unwrap returns ErrInvalidConfiguration when no more specific cause is set.
func (e *ValidationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrInvalidConfiguration
}

// IOError represents a container or stream I/O error
type IOError struct {
	Operation string // "read", "write", "truncate", "open", "close", etc.
	Path      string // Container path, if known
	Offset    int64  // Stream offset, -1 if not applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	} else if e.Offset >= 0 {
		return fmt.Sprintf("io error: %s at offset %d: %s", e.Operation, e.Offset, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// CorruptionError represents an unreadable header or volume structure
type CorruptionError struct {
	Path    string // Container path
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *CorruptionError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("corruption error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("corruption error: %s", e.Message)
}

// Unwrap returns ErrCorrupt when no more specific cause is set.
func (e *CorruptionError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrCorrupt
}

// AuthenticationError represents a rejected password
type AuthenticationError struct {
	Path    string // Container path
	Message string // Human-readable error message
	Err     error  // Underlying error
}

func (e *AuthenticationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("authentication error: %s: %s", e.Path, e.Message)
	}
	return fmt.Sprintf("authentication error: %s", e.Message)
}

// Unwrap returns ErrWrongPassword when no more specific cause is set.
func (e *AuthenticationError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrWrongPassword
}

// SourceError explains why a directory cannot be imported
type SourceError struct {
	Path   string // Offending path, the source itself or an entry below it
	Reason string // Human-readable reason
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("invalid source: %s: %s", e.Path, e.Reason)
}

func (e *SourceError) Unwrap() error {
	return ErrInvalidSource
}

// Sentinel errors
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrObjectDisposed       = errors.New("object disposed")
	ErrWrongPassword        = errors.New("wrong password")
	ErrCorrupt              = errors.New("container is corrupt")
	ErrCapacityExceeded     = errors.New("not enough free space")
	ErrInvalidSeek          = errors.New("seek to negative position")
	ErrNilConfig            = errors.New("config cannot be nil")
	ErrNilBuffer            = errors.New("buffer cannot be nil")
	ErrNegativeOffset       = errors.New("negative offset not allowed")

	ErrFileNotFound      = errors.New("file not found")
	ErrPathNotFound      = errors.New("path not found")
	ErrFileExists        = errors.New("file exists")
	ErrAlreadyExists     = errors.New("already exists")
	ErrDirectoryNotEmpty = errors.New("directory not empty")
	ErrNotImplemented    = errors.New("not implemented")
	ErrAccessDenied      = errors.New("access denied")
	ErrAdapter           = errors.New("adapter error")

	ErrMounted         = errors.New("volume is mounted")
	ErrNotMounted      = errors.New("volume is not mounted")
	ErrMountPointInUse = errors.New("mount point in use")
	ErrInvalidSource   = errors.New("invalid source directory")
)

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    -1,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewCorruptionError creates a new corruption error
func NewCorruptionError(path string, message string) error {
	return &CorruptionError{
		Path:    path,
		Message: message,
	}
}

// NewAuthenticationError creates a new authentication error
func NewAuthenticationError(path string, err error) error {
	return &AuthenticationError{
		Path:    path,
		Message: err.Error(),
		Err:     err,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsCorruptionError checks if an error is a corruption error
func IsCorruptionError(err error) bool {
	var ce *CorruptionError
	return errors.As(err, &ce)
}

// IsAuthenticationError checks if an error is an authentication error
func IsAuthenticationError(err error) bool {
	var ae *AuthenticationError
	return errors.As(err, &ae)
}

// IsSourceError checks if an error rejects an import source
func IsSourceError(err error) bool {
	var se *SourceError
	return errors.As(err, &se)
}

// IsWrongPassword reports whether err means the password was rejected
func IsWrongPassword(err error) bool {
	return errors.Is(err, ErrWrongPassword)
}
