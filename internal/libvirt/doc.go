// Package libvirt connects to the local libvirt daemon and prepares domain
// descriptors for transient customization boots.
//
// The connection wraps github.com/digitalocean/go-libvirt over the daemon's
// Unix socket:
//
//	client, err := libvirt.Connect("", 0)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
// Descriptor handling uses libvirt.org/go/libvirtxml. PrepareDescriptor gives
// the domain a fresh identity and swaps its serial devices for the TCP socket
// the guest announces its address on:
//
//	desc, err := libvirt.PrepareDescriptor(xml, libvirt.DescriptorOptions{AnnouncePort: 40123})
//	dom, err := client.Libvirt().DomainCreateXML(desc.XML, 0)
//
// Consumer-Side Interfaces:
//
// This package does not define interfaces. internal/guest and internal/storage
// declare the subset of *libvirt.Libvirt they call, and the concrete type
// satisfies them implicitly.
package libvirt
