package guestfs

import (
	"errors"
	"os"
)

// ErrClosed is returned by operations on a handle after Close.
var ErrClosed = errors.New("guest handle is closed")

// Handle is read/write access to a guest filesystem.
type Handle interface {
	// Exists reports whether path exists. A dangling symlink exists.
	Exists(path string) (bool, error)

	// ReadFile returns the content of path, following symlinks inside the guest.
	ReadFile(path string) ([]byte, error)

	// WriteFile creates or truncates path with data.
	WriteFile(path string, data []byte, perm os.FileMode) error

	// Upload copies a local file into the guest at path.
	Upload(localPath, path string) error

	// Mkdir creates a single directory.
	Mkdir(path string, perm os.FileMode) error

	// Chmod changes the mode of path.
	Chmod(path string, perm os.FileMode) error

	// Symlink creates link pointing at target, replacing anything at link (ln -sf).
	Symlink(target, link string) error

	// Rename moves oldPath to newPath.
	Rename(oldPath, newPath string) error

	// RemoveAll removes path and anything below it. Missing paths are not an error.
	RemoveAll(path string) error

	// Close releases the handle.
	Close() error
}
