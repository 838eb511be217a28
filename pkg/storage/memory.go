package storage

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"

	shoterrors "github.com/odvcencio/shotdiff/pkg/errors"
)

// MemoryStore is an in-process Storage used for dry runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{files: make(map[string][]byte)}
}

func normalizeKey(path string) string {
	return strings.TrimPrefix(strings.TrimSpace(path), "/")
}

// ReadImage returns a copy of the stored bytes.
func (m *MemoryStore) ReadImage(_ context.Context, path string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.files[normalizeKey(path)]
	m.mu.RUnlock()
	if !ok {
		return nil, shoterrors.Wrap(os.ErrNotExist, shoterrors.ErrCodeStorageRead, "reading image").
			WithContext("path", path)
	}
	return append([]byte(nil), data...), nil
}

// WriteImage stores a copy of data.
func (m *MemoryStore) WriteImage(_ context.Context, path string, data []byte) error {
	key := normalizeKey(path)
	if key == "" {
		return shoterrors.New(shoterrors.ErrCodeInvalidInput, "storage path is empty")
	}
	m.mu.Lock()
	m.files[key] = append([]byte(nil), data...)
	m.mu.Unlock()
	return nil
}

// Exists reports whether path has been written.
func (m *MemoryStore) Exists(_ context.Context, path string) (bool, error) {
	m.mu.RLock()
	_, ok := m.files[normalizeKey(path)]
	m.mu.RUnlock()
	return ok, nil
}

// Paths lists stored paths in sorted order.
func (m *MemoryStore) Paths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.files))
	for k := range m.files {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ Storage = (*MemoryStore)(nil)
