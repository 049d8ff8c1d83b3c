package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// File stores the pointer as a single line in a file.
type File struct {
	Path string
}

// NewFile creates a File backend for path.
func NewFile(path string) *File {
	return &File{Path: path}
}

// Load reads the session id.
func (f *File) Load(context.Context) (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("read session file: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrNotFound
	}
	return id, nil
}

// Save writes the session id, replacing the file atomically.
func (f *File) Save(_ context.Context, id string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := f.Path + ".tmp"
	if err := os.WriteFile(tmp, []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	if err := os.Rename(tmp, f.Path); err != nil {
		return fmt.Errorf("replace session file: %w", err)
	}
	return nil
}

// Delete removes the file. A missing file is not an error.
func (f *File) Delete(context.Context) error {
	if err := os.Remove(f.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
