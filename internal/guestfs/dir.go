package guestfs

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// maxSymlinkHops bounds symlink resolution for a single path.
const maxSymlinkHops = 40

// DirHandle is a Handle over a directory containing a guest root filesystem.
type DirHandle struct {
	root string

	mu     sync.Mutex
	closed bool
}

// NewDirHandle returns a handle rooted at root, which must be an existing directory.
func NewDirHandle(root string) (*DirHandle, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to stat guest root %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("guest root %s is not a directory", root)
	}
	return &DirHandle{root: root}, nil
}

// Root returns the host directory backing the guest's "/".
func (h *DirHandle) Root() string {
	return h.root
}

// hostPath maps an absolute guest path to its location on the host. Symlinks
// in the parent directories are followed inside the guest root; the final
// component is left as is.
func (h *DirHandle) hostPath(guestPath string) (string, error) {
	return h.walk(guestPath, false)
}

// resolve is hostPath that also follows a symlink at the final component.
func (h *DirHandle) resolve(guestPath string) (string, error) {
	return h.walk(guestPath, true)
}

// walk resolves guestPath one component at a time. Absolute link targets
// restart at the guest root and ".." never climbs above it.
func (h *DirHandle) walk(guestPath string, followFinal bool) (string, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	if !path.IsAbs(guestPath) {
		return "", fmt.Errorf("guest path %q is not absolute", guestPath)
	}

	pending := strings.Split(guestPath, "/")
	var resolved []string
	hops := 0
	for len(pending) > 0 {
		name := pending[0]
		pending = pending[1:]

		switch name {
		case "", ".":
			continue
		case "..":
			if len(resolved) > 0 {
				resolved = resolved[:len(resolved)-1]
			}
			continue
		}

		next := append(resolved[:len(resolved):len(resolved)], name)
		if len(pending) == 0 && !followFinal {
			resolved = next
			break
		}

		hp := h.join(next)
		info, err := os.Lstat(hp)
		if err != nil || info.Mode()&os.ModeSymlink == 0 {
			resolved = next
			continue
		}

		hops++
		if hops > maxSymlinkHops {
			return "", fmt.Errorf("too many levels of symbolic links resolving %s", guestPath)
		}
		target, err := os.Readlink(hp)
		if err != nil {
			return "", fmt.Errorf("failed to read link %s: %w", "/"+path.Join(next...), err)
		}
		if path.IsAbs(target) {
			resolved = nil
		}
		pending = append(strings.Split(target, "/"), pending...)
	}
	return h.join(resolved), nil
}

func (h *DirHandle) join(components []string) string {
	return filepath.Join(append([]string{h.root}, components...)...)
}

func (h *DirHandle) Exists(guestPath string) (bool, error) {
	hp, err := h.hostPath(guestPath)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(hp); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", guestPath, err)
	}
	return true, nil
}

func (h *DirHandle) ReadFile(guestPath string) ([]byte, error) {
	hp, err := h.resolve(guestPath)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(hp)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", guestPath, err)
	}
	return data, nil
}

func (h *DirHandle) WriteFile(guestPath string, data []byte, perm os.FileMode) error {
	hp, err := h.resolve(guestPath)
	if err != nil {
		return err
	}
	if err := os.WriteFile(hp, data, perm); err != nil {
		return fmt.Errorf("failed to write %s: %w", guestPath, err)
	}
	return nil
}

func (h *DirHandle) Upload(localPath, guestPath string) error {
	hp, err := h.resolve(guestPath)
	if err != nil {
		return err
	}

	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(hp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", guestPath, err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return fmt.Errorf("failed to upload %s to %s: %w", localPath, guestPath, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", guestPath, err)
	}
	return nil
}

func (h *DirHandle) Mkdir(guestPath string, perm os.FileMode) error {
	hp, err := h.hostPath(guestPath)
	if err != nil {
		return err
	}
	if err := os.Mkdir(hp, perm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", guestPath, err)
	}
	return nil
}

func (h *DirHandle) Chmod(guestPath string, perm os.FileMode) error {
	hp, err := h.resolve(guestPath)
	if err != nil {
		return err
	}
	if err := os.Chmod(hp, perm); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", guestPath, err)
	}
	return nil
}

func (h *DirHandle) Symlink(target, link string) error {
	hp, err := h.hostPath(link)
	if err != nil {
		return err
	}
	if _, err := os.Lstat(hp); err == nil {
		if err := os.RemoveAll(hp); err != nil {
			return fmt.Errorf("failed to replace %s: %w", link, err)
		}
	}
	if err := os.Symlink(target, hp); err != nil {
		return fmt.Errorf("failed to link %s -> %s: %w", link, target, err)
	}
	return nil
}

func (h *DirHandle) Rename(oldPath, newPath string) error {
	oldHost, err := h.hostPath(oldPath)
	if err != nil {
		return err
	}
	newHost, err := h.hostPath(newPath)
	if err != nil {
		return err
	}
	if err := os.Rename(oldHost, newHost); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", oldPath, newPath, err)
	}
	return nil
}

func (h *DirHandle) RemoveAll(guestPath string) error {
	hp, err := h.hostPath(guestPath)
	if err != nil {
		return err
	}
	if hp == filepath.Clean(h.root) {
		return fmt.Errorf("refusing to remove guest root")
	}
	if err := os.RemoveAll(hp); err != nil {
		return fmt.Errorf("failed to remove %s: %w", guestPath, err)
	}
	return nil
}

// Close marks the handle closed. It is safe to call more than once.
func (h *DirHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return nil
}
