package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

// LocalStore keeps images on the local filesystem under a root directory.
type LocalStore struct {
	root string
}

// NewLocalStore creates the root directory if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, shoterrors.New(shoterrors.ErrCodeInvalidInput, "storage root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeInvalidInput, "resolving storage root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "creating storage root").
			WithContext("root", abs)
	}
	return &LocalStore{root: abs}, nil
}

// Root returns the absolute root directory.
func (s *LocalStore) Root() string {
	return s.root
}

// resolve maps a store path to an absolute file path inside the root.
func (s *LocalStore) resolve(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", shoterrors.New(shoterrors.ErrCodeInvalidInput, "storage path is empty")
	}
	var full string
	if filepath.IsAbs(path) {
		full = filepath.Clean(path)
	} else {
		full = filepath.Join(s.root, filepath.FromSlash(path))
	}
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", shoterrors.New(shoterrors.ErrCodeInvalidInput, "storage path escapes root").
			WithContext("path", path)
	}
	return full, nil
}

// ReadImage reads an image. Missing files wrap os.ErrNotExist.
func (s *LocalStore) ReadImage(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, shoterrors.Wrap(err, shoterrors.ErrCodeStorageRead, "reading image").
			WithContext("path", path)
	}
	return data, nil
}

// WriteImage writes an image atomically, creating parent directories.
func (s *LocalStore) WriteImage(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "creating image directory").
			WithContext("path", path)
	}

	tmp, err := os.CreateTemp(dir, ".shotdiff-*.tmp")
	if err != nil {
		return shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "creating temp file").
			WithContext("path", path)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "writing image").
			WithContext("path", path)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "closing image").
			WithContext("path", path)
	}
	if err := os.Rename(tmpName, full); err != nil {
		cleanup()
		return shoterrors.Wrap(err, shoterrors.ErrCodeStorageWrite, "renaming image").
			WithContext("path", path)
	}
	return nil
}

// Exists reports whether an image exists.
func (s *LocalStore) Exists(ctx context.Context, path string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	full, err := s.resolve(path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(full)
	if err == nil {
		return !info.IsDir(), nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, shoterrors.Wrap(err, shoterrors.ErrCodeStorageRead, "checking image").
		WithContext("path", path)
}

var _ Storage = (*LocalStore)(nil)
