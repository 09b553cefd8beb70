package ports

import "context"

// MutateFunc receives the current document bytes (nil when the document does
// not exist yet) and returns the bytes to persist. Returning nil bytes leaves
// the document untouched.
type MutateFunc func(raw []byte) ([]byte, error)

type StateStore interface {
	WithLock(ctx context.Context, path string, fn MutateFunc) error
	ReadOnly(ctx context.Context, path string) ([]byte, error)
	// Remove deletes the document under its lock unless check returns an error.
	// It reports whether a file was removed.
	Remove(ctx context.Context, path string, check func(raw []byte) error) (bool, error)
	// Reinitialize replaces a corrupt document with raw. It keeps the current
	// document when corrupt reports false for it under the lock.
	Reinitialize(ctx context.Context, path string, raw []byte, corrupt func(current []byte) bool) error
}
