package libvirt

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/tailor/internal/metadata"
	"github.com/jbweber/tailor/internal/naming"
)

// DefaultAnnounceHost is where the announcement serial socket listens.
const DefaultAnnounceHost = "127.0.0.1"

// ErrUnsupportedDisk is returned for disks that cannot be opened from the host,
// such as network-backed sources.
var ErrUnsupportedDisk = errors.New("unsupported disk source")

// Disk is one writable disk of a domain descriptor.
type Disk struct {
	Target string
	// Format is the driver type, e.g. "qcow2" or "raw". Empty lets the
	// consumer probe it.
	Format string
	// Path is set for file and block sources.
	Path string
	// Pool and Volume are set for storage-pool sources.
	Pool   string
	Volume string
}

// IsVolume reports whether the disk must be resolved through a storage pool.
func (d Disk) IsVolume() bool {
	return d.Path == "" && d.Volume != ""
}

// Descriptor is a domain description prepared for a customization run.
type Descriptor struct {
	// Name is the transient domain name; OriginalName is the descriptor's.
	Name         string
	OriginalName string
	// UUID identifies the transient domain and tags its announcements.
	UUID string
	XML  string
	// AnnounceAddr is the host:port of the announcement serial socket.
	AnnounceAddr string
	Disks        []Disk
}

// DescriptorOptions controls PrepareDescriptor.
type DescriptorOptions struct {
	AnnounceHost string
	AnnouncePort int
	// NewUUID overrides uuid generation in tests.
	NewUUID func() string
}

// PrepareDescriptor rewrites a domain descriptor so it can be booted as a
// transient domain next to the original:
//   - a fresh UUID and a derived name, so an existing definition does not clash
//   - every serial and console replaced by one raw TCP serial bound on
//     AnnounceHost:AnnouncePort, which the guest's announcement job writes to
//   - a metadata element naming the original domain and the run
//
// The descriptor's writable disks are returned alongside.
func PrepareDescriptor(xmlDoc string, opts DescriptorOptions) (*Descriptor, error) {
	if opts.AnnouncePort <= 0 || opts.AnnouncePort > 65535 {
		return nil, fmt.Errorf("invalid announce port %d", opts.AnnouncePort)
	}
	host := opts.AnnounceHost
	if host == "" {
		host = DefaultAnnounceHost
	}
	newUUID := opts.NewUUID
	if newUUID == nil {
		newUUID = func() string { return uuid.New().String() }
	}

	domain := &libvirtxml.Domain{}
	if err := domain.Unmarshal(xmlDoc); err != nil {
		return nil, fmt.Errorf("failed to parse domain XML: %w", err)
	}
	if domain.Name == "" {
		return nil, fmt.Errorf("domain XML has no name")
	}

	disks, err := DisksOf(domain)
	if err != nil {
		return nil, err
	}
	if len(disks) == 0 {
		return nil, fmt.Errorf("domain %s has no writable disks", domain.Name)
	}

	// A descriptor dumped from an earlier transient domain keeps its first name.
	original := domain.Name
	prev, err := metadata.Find(domain)
	if err != nil {
		return nil, err
	}
	if prev != nil && prev.OriginalName != "" {
		original = prev.OriginalName
	}
	domain.UUID = newUUID()
	domain.Name = naming.TransientDomainName(original, domain.UUID)

	run := metadata.Run{OriginalName: original, UUID: domain.UUID, Started: time.Now().UTC()}
	if err := metadata.Apply(domain, run); err != nil {
		return nil, err
	}

	if domain.Devices == nil {
		domain.Devices = &libvirtxml.DomainDeviceList{}
	}
	port := uint(0)
	domain.Devices.Consoles = nil
	domain.Devices.Serials = []libvirtxml.DomainSerial{
		{
			Source: &libvirtxml.DomainChardevSource{
				TCP: &libvirtxml.DomainChardevSourceTCP{
					Mode:    "bind",
					Host:    host,
					Service: strconv.Itoa(opts.AnnouncePort),
				},
			},
			Protocol: &libvirtxml.DomainChardevProtocol{Type: "raw"},
			Target:   &libvirtxml.DomainSerialTarget{Port: &port},
		},
	}

	out, err := domain.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal domain XML: %w", err)
	}

	return &Descriptor{
		Name:         domain.Name,
		OriginalName: original,
		UUID:         domain.UUID,
		XML:          out,
		AnnounceAddr: net.JoinHostPort(host, strconv.Itoa(opts.AnnouncePort)),
		Disks:        disks,
	}, nil
}

// DisksOf returns the writable disks of a domain in document order. CD-ROMs,
// floppies and read-only disks are skipped.
func DisksOf(domain *libvirtxml.Domain) ([]Disk, error) {
	if domain.Devices == nil {
		return nil, nil
	}

	var disks []Disk
	for _, d := range domain.Devices.Disks {
		if d.Device != "" && d.Device != "disk" {
			continue
		}
		if d.ReadOnly != nil || d.Source == nil {
			continue
		}

		disk := Disk{}
		if d.Target != nil {
			disk.Target = d.Target.Dev
		}
		if d.Driver != nil {
			disk.Format = d.Driver.Type
		}

		switch {
		case d.Source.File != nil:
			disk.Path = d.Source.File.File
		case d.Source.Block != nil:
			disk.Path = d.Source.Block.Dev
		case d.Source.Volume != nil:
			disk.Pool = d.Source.Volume.Pool
			disk.Volume = d.Source.Volume.Volume
		default:
			return nil, fmt.Errorf("%w: disk %s", ErrUnsupportedDisk, disk.Target)
		}

		if disk.Path == "" && disk.Volume == "" {
			return nil, fmt.Errorf("%w: disk %s has an empty source", ErrUnsupportedDisk, disk.Target)
		}
		disks = append(disks, disk)
	}

	return disks, nil
}
