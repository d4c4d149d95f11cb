package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"sessioncast/internal/core/domain"
)

// FSStore is the filesystem object store behind the gateway's storage
// endpoints. Object paths are sanitized against traversal before touching
// disk.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create object store root: %w", err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Put(path string, payload []byte) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}

	// Write-then-rename so a crash never leaves a readable partial object.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return fmt.Errorf("failed to commit object: %w", err)
	}
	return nil
}

func (s *FSStore) Get(path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to read object: %w", err)
	}
	return data, nil
}

// CountObjects returns how many objects exist under a path prefix; the
// gateway uses it to synthesize recovered manifests.
func (s *FSStore) CountObjects(prefix string) (int, int64, error) {
	full, err := s.resolve(prefix)
	if err != nil {
		return 0, 0, err
	}

	count := 0
	var bytes int64
	err = filepath.Walk(full, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if !info.IsDir() && !strings.HasSuffix(path, ".tmp") {
			count++
			bytes += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to walk object store: %w", err)
	}
	return count, bytes, nil
}

func (s *FSStore) resolve(path string) (string, error) {
	if strings.Contains(path, "..") {
		return "", domain.ErrForbidden
	}
	clean := filepath.Clean("/" + path)
	return filepath.Join(s.root, clean), nil
}
