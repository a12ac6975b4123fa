package transfer

import (
	"path/filepath"
	"strings"
)

// ValidateName checks a peer-supplied file name before it is used as a
// destination. Only bare names are accepted: no separators, no "..", no NUL.
func ValidateName(name string) (string, error) {
	if name == "" {
		return "", ErrEmptyFileName
	}
	if len(name) > MaxFileNameLength {
		return "", ErrFileNameTooLong
	}
	if strings.ContainsAny(name, "/\\\x00") || name == "." || name == ".." {
		return "", ErrDirectoryTraversal
	}
	if filepath.Base(name) != name || filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", ErrDirectoryTraversal
	}
	return name, nil
}
