package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/jaywantadh/DisktroDrop/internal/transfer"
)

// LocalStorage implements the Storage interface for the local filesystem.
type LocalStorage struct {
	basePath string
}

// NewLocalStorage creates a new LocalStorage instance.
func NewLocalStorage(basePath string) (*LocalStorage, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &LocalStorage{basePath: basePath}, nil
}

// Create opens name inside the base directory for writing. Names that would
// escape the directory are rejected before anything touches the disk.
func (s *LocalStorage) Create(name string) (io.WriteCloser, error) {
	filePath, err := s.GetPath(name)
	if err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, transfer.Wrap(transfer.ErrIO, "create "+name, err)
	}
	return file, nil
}

// Open opens name inside the base directory for reading.
func (s *LocalStorage) Open(name string) (io.ReadCloser, error) {
	filePath, err := s.GetPath(name)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, transfer.Wrap(transfer.ErrIO, "file not found: "+name, err)
		}
		return nil, transfer.Wrap(transfer.ErrIO, "open "+name, err)
	}
	return file, nil
}

// GetPath returns the file path for a given name.
func (s *LocalStorage) GetPath(name string) (string, error) {
	clean, err := transfer.ValidateName(name)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, clean), nil
}
