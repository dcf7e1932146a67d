// Package fileslot provides a single-file durable slot store.
// Writes go through a temp file and rename so a crash mid-write never
// leaves a torn slot.
package fileslot

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Slot persists the queue mirror as one file on disk.
type Slot struct {
	path string
}

// New creates a slot backed by the given path. The parent directory must
// exist or be creatable.
func New(path string) *Slot {
	return &Slot{path: path}
}

// Read returns the file contents, nil when the file does not exist.
func (s *Slot) Read() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read slot: %w", err)
	}
	return data, nil
}

// Write replaces the slot contents atomically.
func (s *Slot) Write(data []byte) error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create slot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp")
	if err != nil {
		return fmt.Errorf("create temp slot: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp slot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp slot: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace slot: %w", err)
	}
	return nil
}

// Clear removes the slot file. A missing file is not an error.
func (s *Slot) Clear() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("clear slot: %w", err)
	}
	return nil
}
