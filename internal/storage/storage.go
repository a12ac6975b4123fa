package storage

import (
	"io"
)

// Storage defines where received files are written and where local files are read from.
type Storage interface {
	// Create opens a byte sink for name, truncating any existing file.
	Create(name string) (io.WriteCloser, error)
	// Open opens a byte source for name.
	Open(name string) (io.ReadCloser, error)
	// GetPath returns the file path for a given name.
	GetPath(name string) (string, error)
}
