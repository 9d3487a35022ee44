package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/jbweber/tailor/internal/guestfs"
	tailorlibvirt "github.com/jbweber/tailor/internal/libvirt"
)

// Resolver maps descriptor disks to host paths.
type Resolver struct {
	client LibvirtClient
	detect func(path string) (VolumeFormat, error)
}

// NewResolver creates a resolver. client may be nil when every disk is a
// file or block source.
func NewResolver(client LibvirtClient) *Resolver {
	return &Resolver{client: client, detect: DetectImageFormat}
}

// VolumePath returns the host path of a volume in a storage pool.
func (r *Resolver) VolumePath(ctx context.Context, poolName, volumeName string) (string, error) {
	if r.client == nil {
		return "", fmt.Errorf("volume %s/%s needs a libvirt connection", poolName, volumeName)
	}

	pool, err := r.client.StoragePoolLookupByName(poolName)
	if err != nil {
		return "", fmt.Errorf("pool not found: %w", err)
	}

	vol, err := r.client.StorageVolLookupByName(pool, volumeName)
	if err != nil {
		return "", fmt.Errorf("volume not found: %w", err)
	}

	path, err := r.client.StorageVolGetPath(vol)
	if err != nil {
		return "", fmt.Errorf("failed to get volume path: %w", err)
	}

	return path, nil
}

// Resolve returns the guest filesystem disks for a descriptor, in order.
func (r *Resolver) Resolve(ctx context.Context, disks []tailorlibvirt.Disk) ([]guestfs.Disk, error) {
	resolved := make([]guestfs.Disk, 0, len(disks))
	for _, d := range disks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := d.Path
		if d.IsVolume() {
			p, err := r.VolumePath(ctx, d.Pool, d.Volume)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve disk %s: %w", d.Target, err)
			}
			path = p
		}

		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("disk %s: %w", d.Target, err)
		}

		format := d.Format
		if format == "" {
			detected, err := r.detect(path)
			if err != nil {
				return nil, fmt.Errorf("disk %s: %w", d.Target, err)
			}
			format = string(detected)
		}

		resolved = append(resolved, guestfs.Disk{Path: path, Format: format})
	}

	return resolved, nil
}
