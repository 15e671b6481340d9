// Package checkpoint persists scan cursors so a bounded scan can resume where
// the previous one stopped.
package checkpoint

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/FranksOps/instaharvest/internal/resource"
)

// Store loads and saves one cursor per (category, stage).
type Store interface {
	// Load returns the saved cursor, or "" when none is saved.
	Load(category resource.Category, stage resource.Stage) (string, error)
	Save(category resource.Category, stage resource.Stage, cursor string) error
	// Clear removes the saved cursor. Clearing an absent cursor is not an error.
	Clear(category resource.Category, stage resource.Stage) error
}

var _ Store = (*FileStore)(nil)

// FileStore keeps each cursor in {dir}/{category}-{stage}.cursor.
// It is not safe for several writers of the same (category, stage).
type FileStore struct {
	dir string
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Path returns the file holding the cursor of (category, stage).
func (s *FileStore) Path(category resource.Category, stage resource.Stage) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.cursor", category, stage))
}

func (s *FileStore) Load(category resource.Category, stage resource.Stage) (string, error) {
	b, err := os.ReadFile(s.Path(category, stage))
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading checkpoint: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// Save writes cursor atomically by renaming a temporary file over the target.
func (s *FileStore) Save(category resource.Category, stage resource.Stage, cursor string) error {
	if cursor == "" {
		return s.Clear(category, stage)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	path := s.Path(category, stage)
	tmp, err := os.CreateTemp(s.dir, filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if _, err := tmp.WriteString(cursor); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

func (s *FileStore) Clear(category resource.Category, stage resource.Stage) error {
	err := os.Remove(s.Path(category, stage))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("clearing checkpoint: %w", err)
	}
	return nil
}
