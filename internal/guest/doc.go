// Package guest runs one customization transaction against a libvirt guest.
//
// A transaction is a fixed envelope:
//
//  1. Setup: open the offline image and apply the Debian stages (root key,
//     sshd, address announcement).
//  2. Boot a transient domain from the prepared descriptor and wait for the
//     guest to announce its address on the serial socket.
//  3. Wait until the guest accepts remote commands.
//  4. Customize and/or collect the package inventory.
//  5. Shut the guest down, gracefully first and forcibly if needed.
//  6. Teardown: open the image again and undo every stage.
//
// Teardown runs whenever setup succeeded, no matter how the steps in between
// ended. A setup failure unwinds its own applied stages instead.
//
// The exported steps (RunSetup, BootAndWait, Customize, CollectInventory,
// Shutdown, RunTeardown) can be composed directly; Run composes them for the
// three supported actions.
//
// Dependency Injection:
//
// Guest talks to libvirt through LibvirtClient and to the running guest
// through RemoteClient. In production these are *libvirt.Libvirt and
// *remote.Executor; tests pass the mocks in mocks_test.go.
package guest
