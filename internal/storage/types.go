package storage

import (
	"github.com/digitalocean/go-libvirt"
)

// VolumeFormat is a disk image format.
type VolumeFormat string

const (
	VolumeFormatQCOW2 VolumeFormat = "qcow2"
	VolumeFormatRaw   VolumeFormat = "raw"
)

// LibvirtClient is the subset of *libvirt.Libvirt used to resolve pool volumes.
type LibvirtClient interface {
	StoragePoolLookupByName(Name string) (libvirt.StoragePool, error)
	StorageVolLookupByName(Pool libvirt.StoragePool, Name string) (libvirt.StorageVol, error)
	StorageVolGetPath(Vol libvirt.StorageVol) (string, error)
}
