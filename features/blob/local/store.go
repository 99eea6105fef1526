// Package local implements the blob store on the local filesystem. Keys map
// to paths under a base directory; writes go through a temp file and rename
// so readers never observe partial payloads.
package local

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"goa.design/recall/runtime/blob"
)

// Store implements blob.Store on a local directory.
type Store struct {
	base string
}

var _ blob.Store = (*Store)(nil)

// New returns a Store rooted at basePath, creating the directory if needed.
func New(basePath string) (*Store, error) {
	if basePath == "" {
		return nil, errors.New("local: base path is required")
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Store{base: abs}, nil
}

// Put writes the blob, replacing any previous content under the key.
func (s *Store) Put(_ context.Context, key string, data []byte, _ string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// Get reads the blob. Returns blob.ErrNotFound when absent.
func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, blob.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Delete removes the blob. Deleting an absent key is not an error.
func (s *Store) Delete(_ context.Context, key string) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the keys under the given prefix.
func (s *Store) List(_ context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".blob-") {
			return nil
		}
		rel, err := filepath.Rel(s.base, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

// PresignGet is unsupported for local storage.
func (s *Store) PresignGet(context.Context, string, time.Duration) (string, error) {
	return "", blob.ErrPresignUnsupported
}

// resolve maps a key to a path under the base directory, rejecting keys that
// would escape it.
func (s *Store) resolve(key string) (string, error) {
	if key == "" {
		return "", errors.New("local: key is required")
	}
	path := filepath.Join(s.base, filepath.FromSlash(key))
	if path != s.base && !strings.HasPrefix(path, s.base+string(filepath.Separator)) {
		return "", errors.New("local: key escapes base directory")
	}
	return path, nil
}
