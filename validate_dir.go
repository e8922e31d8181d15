package vaultfs

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// reservedNames cannot be used as file or directory names on the hosts a
// container may be exported to, with or without an extension.
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true, "COM5": true,
	"COM6": true, "COM7": true, "COM8": true, "COM9": true,
	"LPT1": true, "LPT2": true, "LPT3": true, "LPT4": true, "LPT5": true,
	"LPT6": true, "LPT7": true, "LPT8": true, "LPT9": true,
	".": true, "..": true,
}

func isReservedName(name string) bool {
	upper := strings.ToUpper(name)
	if reservedNames[upper] {
		return true
	}
	if i := strings.IndexByte(upper, '.'); i > 0 {
		return reservedNames[upper[:i]]
	}
	return false
}

// ValidateSourceDirectory reports whether path can be imported into a
// container. It returns a *SourceError naming the first problem found:
// a missing directory, a volume root, a network share, a reserved name,
// a symbolic link or junction, an unreadable directory or an overlong path.
func ValidateSourceDirectory(path string) error {
	if path == "" {
		return &SourceError{Path: path, Reason: "path is empty"}
	}
	if isNetworkPath(path) {
		return &SourceError{Path: path, Reason: "network shares are not supported"}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return &SourceError{Path: path, Reason: err.Error()}
	}

	info, err := os.Lstat(abs)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return &SourceError{Path: abs, Reason: "directory does not exist"}
	case errors.Is(err, fs.ErrPermission):
		return &SourceError{Path: abs, Reason: "access denied"}
	case err != nil:
		return &SourceError{Path: abs, Reason: err.Error()}
	}
	if isLink(abs, info) {
		return &SourceError{Path: abs, Reason: "directory is a symbolic link or junction"}
	}
	if !info.IsDir() {
		return &SourceError{Path: abs, Reason: "not a directory"}
	}
	if filepath.Dir(abs) == abs {
		return &SourceError{Path: abs, Reason: "cannot encrypt a filesystem root"}
	}

	stack := []string{abs}
	for len(stack) > 0 {
		dir := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, fs.ErrPermission) {
				return &SourceError{Path: dir, Reason: "access denied"}
			}
			return &SourceError{Path: dir, Reason: err.Error()}
		}
		for _, e := range entries {
			full := filepath.Join(dir, e.Name())
			if len(full) > maxHostPath {
				return &SourceError{Path: full, Reason: "path is too long"}
			}
			if isReservedName(e.Name()) {
				return &SourceError{Path: full, Reason: "reserved name " + e.Name()}
			}
			info, err := e.Info()
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return &SourceError{Path: full, Reason: err.Error()}
			}
			if isLink(full, info) {
				return &SourceError{Path: full, Reason: "symbolic links and junctions are not supported"}
			}
			if info.IsDir() {
				stack = append(stack, full)
			}
		}
	}
	return nil
}

func isNetworkPath(p string) bool {
	return strings.HasPrefix(p, `\\`) || strings.HasPrefix(p, "//")
}

func isLink(path string, info fs.FileInfo) bool {
	return info.Mode()&fs.ModeSymlink != 0 || isReparsePoint(path, info)
}

// ContainerPathForDir returns the container path that stores dir: the
// directory path with ContainerExtension appended. Volume roots are rejected.
func ContainerPathForDir(dir string) (string, error) {
	p := strings.TrimRight(filepath.Clean(dir), `/\`)
	if p == "" || p == "." || filepath.VolumeName(p) == p || filepath.Dir(p) == p {
		return "", NewValidationError("dir", dir, "cannot derive a container path from a volume root")
	}
	return p + ContainerExtension, nil
}

// DirForContainerPath returns the directory a container exports to by
// default. The extension is matched case-insensitively.
func DirForContainerPath(path string) (string, error) {
	ext := filepath.Ext(path)
	if !strings.EqualFold(ext, ContainerExtension) || len(path) == len(ext) {
		return "", NewValidationError("path", path, "container path must end in "+ContainerExtension)
	}
	return path[:len(path)-len(ext)], nil
}
