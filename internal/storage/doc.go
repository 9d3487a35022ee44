// Package storage turns the disks of a domain descriptor into host paths and
// formats the guest filesystem layer can open.
//
// File and block sources are used as they are. Pool/volume sources are looked
// up through libvirt (StoragePoolLookupByName, StorageVolLookupByName,
// StorageVolGetPath). A disk whose descriptor gives no driver type has its
// format detected from the image header.
//
// Consumer-Side Interface:
//
// LibvirtClient lists only the storage calls the resolver makes, so tests can
// pass a mock while production passes *libvirt.Libvirt.
package storage
