// Package scratch manages short-lived local files that are handed to an
// upload and then discarded.
package scratch

import (
	"errors"
	"fmt"
	"os"
)

// WithFile writes content to a new file in dir, calls fn with its path, and
// removes the file before returning, whether or not fn succeeded. The file
// is readable by its owner only.
func WithFile(dir, pattern string, content []byte, fn func(path string) error) error {
	return WithFileMode(dir, pattern, content, 0o600, fn)
}

// WithFileMode is WithFile with the file's permission bits set to perm
// regardless of the umask. Uploads that carry the local mode use it.
func WithFileMode(dir, pattern string, content []byte, perm os.FileMode, fn func(path string) error) (err error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	path := f.Name()

	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			err = errors.Join(err, fmt.Errorf("failed to remove temporary file %s: %w", path, rmErr))
		}
	}()

	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write temporary file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close temporary file: %w", err)
	}
	if err := os.Chmod(path, perm); err != nil {
		return fmt.Errorf("failed to chmod temporary file: %w", err)
	}

	return fn(path)
}
