// Package guestfs provides access to a stopped guest's filesystem and the
// backup ledger used to revert changes made to it.
//
// A Handle is opened for the duration of one setup or teardown pass and
// closed on every exit path of that pass. Two implementations exist:
//
//   - DirHandle operates on a directory holding the guest's root filesystem.
//   - MountHandle mounts the guest's disks with guestmount(1) and wraps a
//     DirHandle rooted at the mountpoint.
//
// Guest paths are always absolute paths inside the guest ("/etc/ssh/sshd_config").
// Symbolic links are created verbatim, so an absolute link target refers to the
// guest's root rather than the host's. DirHandle resolves links in every path
// component the same way, so no guest path reaches outside the root.
//
// The Ledger records, per guest path, whether prior content existed and where
// it was moved to, so that Restore can put back exactly what was there before.
package guestfs
