// Package storage reads and writes screenshot images and keeps the run
// history database.
package storage

import "context"

// Storage is the image store used for golden, captured and diff images.
// Paths are slash-separated and relative to the store root.
type Storage interface {
	ReadImage(ctx context.Context, path string) ([]byte, error)
	WriteImage(ctx context.Context, path string, data []byte) error
	Exists(ctx context.Context, path string) (bool, error)
}
