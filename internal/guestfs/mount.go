package guestfs

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// CommandRunner runs an external program and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Disk is one guest disk to expose to guestmount.
type Disk struct {
	Path   string
	Format string
}

// MountHandle is a DirHandle over a guestmount(1) FUSE mount of the guest's disks.
type MountHandle struct {
	*DirHandle

	mountpoint string
	run        CommandRunner
	log        logrus.FieldLogger
}

// Mount inspects the guest's disks and mounts its filesystems read-write under
// a fresh directory in workDir.
func Mount(ctx context.Context, disks []Disk, workDir string, run CommandRunner, log logrus.FieldLogger) (*MountHandle, error) {
	if len(disks) == 0 {
		return nil, fmt.Errorf("no disks to mount")
	}
	if run == nil {
		run = ExecRunner
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	mountpoint, err := os.MkdirTemp(workDir, "guestfs-")
	if err != nil {
		return nil, fmt.Errorf("failed to create mountpoint: %w", err)
	}

	args := []string{"--rw", "-i"}
	for _, d := range disks {
		if d.Format != "" {
			args = append(args, "--format="+d.Format)
		}
		args = append(args, "-a", d.Path)
	}
	args = append(args, mountpoint)

	log.WithField("mountpoint", mountpoint).Debugf("guestmount %s", strings.Join(args, " "))
	if out, err := run(ctx, "guestmount", args...); err != nil {
		_ = os.Remove(mountpoint)
		return nil, fmt.Errorf("failed to mount guest disks: %w: %s", err, strings.TrimSpace(string(out)))
	}

	dir, err := NewDirHandle(mountpoint)
	if err != nil {
		_, _ = run(context.Background(), "guestunmount", mountpoint)
		_ = os.Remove(mountpoint)
		return nil, err
	}

	return &MountHandle{
		DirHandle:  dir,
		mountpoint: mountpoint,
		run:        run,
		log:        log,
	}, nil
}

// Close unmounts the guest and removes the mountpoint. Pending writes are
// flushed by guestunmount before it returns.
func (m *MountHandle) Close() error {
	if err := m.DirHandle.Close(); err != nil {
		return err
	}
	if m.mountpoint == "" {
		return nil
	}

	out, err := m.run(context.Background(), "guestunmount", m.mountpoint)
	if err != nil {
		return fmt.Errorf("failed to unmount %s: %w: %s", m.mountpoint, err, strings.TrimSpace(string(out)))
	}
	if err := os.Remove(m.mountpoint); err != nil {
		m.log.Warnf("failed to remove mountpoint %s: %v", m.mountpoint, err)
	}
	m.mountpoint = ""
	return nil
}
