package guest

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/jbweber/tailor/internal/guestfs"
)

// MountOpener opens the image by mounting its disks with guestmount under workDir.
func MountOpener(disks []guestfs.Disk, workDir string, run guestfs.CommandRunner, log logrus.FieldLogger) HandleOpener {
	if run == nil {
		run = guestfs.ExecRunner
	}
	return func(ctx context.Context) (guestfs.Handle, error) {
		h, err := guestfs.Mount(ctx, disks, workDir, run, log)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}

// DirOpener uses an already mounted guest tree at root.
func DirOpener(root string) HandleOpener {
	return func(context.Context) (guestfs.Handle, error) {
		h, err := guestfs.NewDirHandle(root)
		if err != nil {
			return nil, err
		}
		return h, nil
	}
}
