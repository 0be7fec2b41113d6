package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bull/shardsearch/internal/apperr"
)

// LocalStore keeps objects as files under a root directory. Writes go to a
// temporary file that is renamed into place, so an object is either fully
// present or absent.
type LocalStore struct {
	root string
}

// NewLocalStore creates a store rooted at dir, creating it if needed.
func NewLocalStore(dir string) (*LocalStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &LocalStore{root: dir}, nil
}

func (s *LocalStore) path(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *LocalStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tmp, err := s.writeTemp(key, data)
	if err != nil {
		return "", err
	}
	if err := os.Rename(tmp, s.path(key)); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("%w: commit %s: %v", apperr.ErrTransientIO, key, err)
	}
	return ContentETag(data), nil
}

func (s *LocalStore) PutIfAbsent(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	tmp, err := s.writeTemp(key, data)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)

	// Link fails if the destination exists, giving create-if-absent semantics.
	if err := os.Link(tmp, s.path(key)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrExists, key)
		}
		return "", fmt.Errorf("%w: commit %s: %v", apperr.ErrTransientIO, key, err)
	}
	return ContentETag(data), nil
}

func (s *LocalStore) writeTemp(key string, data []byte) (string, error) {
	dir := filepath.Dir(s.path(key))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir %s: %v", apperr.ErrTransientIO, dir, err)
	}
	f, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("%w: create temp: %v", apperr.ErrTransientIO, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: write %s: %v", apperr.ErrTransientIO, key, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: sync %s: %v", apperr.ErrTransientIO, key, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("%w: close %s: %v", apperr.ErrTransientIO, key, err)
	}
	return f.Name(), nil
}

func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: object %s", apperr.ErrNotFound, key)
		}
		return nil, fmt.Errorf("%w: read %s: %v", apperr.ErrTransientIO, key, err)
	}
	return data, nil
}

func (s *LocalStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", apperr.ErrTransientIO, prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Health checks that the root directory is still accessible.
func (s *LocalStore) Health(context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("store root %s is not a directory", s.root)
	}
	return nil
}
