package guest

import (
	"context"
	"time"

	"github.com/digitalocean/go-libvirt"

	"github.com/jbweber/tailor/internal/guestfs"
	"github.com/jbweber/tailor/internal/remote"
)

// LibvirtClient defines the libvirt operations a transaction needs.
//
// In production, this is satisfied by *libvirt.Libvirt directly.
// In tests, this is satisfied by mock implementations.
type LibvirtClient interface {
	// DomainCreateXML boots a transient domain
	DomainCreateXML(XML string, Flags libvirt.DomainCreateFlags) (libvirt.Domain, error)

	// DomainGetState gets the state of a domain
	DomainGetState(Dom libvirt.Domain, Flags uint32) (rState int32, rReason int32, err error)

	// DomainDestroy force-stops a domain
	DomainDestroy(Dom libvirt.Domain) error

	// ConnectListAllDomains lists domains matching flags
	ConnectListAllDomains(NeedResults int32, Flags libvirt.ConnectListAllDomainsFlags) (rDomains []libvirt.Domain, rRet uint32, err error)
}

// RemoteClient runs commands in and copies files into the booted guest.
//
// In production, this is satisfied by *remote.Executor.
type RemoteClient interface {
	remote.Runner

	// Upload copies a local file to dest in the guest
	Upload(ctx context.Context, addr, localPath, dest string, timeout time.Duration) error
}

// HandleOpener opens the offline guest image for one setup or teardown pass.
// The caller closes the handle.
type HandleOpener func(ctx context.Context) (guestfs.Handle, error)
