package libvirtqemu

import (
	"context"
	"fmt"
	"regexp"

	golibvirt "github.com/digitalocean/go-libvirt"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/extent"
	internallibvirt "github.com/MWedl/diskvm/internal/libvirt"
	"github.com/MWedl/diskvm/internal/procutil"
	"github.com/MWedl/diskvm/internal/vmbackend"
)

// diskSourcePattern matches <source file='...'/> lines in a domain's XML
// descriptor, used to discover which raw volume(s) a defined domain
// currently points at.
var diskSourcePattern = regexp.MustCompile(`<source file=['"]([^'"]+)['"]`)

func parseDiskPaths(xml string) []string {
	matches := diskSourcePattern.FindAllStringSubmatch(xml, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// Software drives this backend's domain/storage-pool lifecycle through a
// connected libvirt client, adapted from the teacher's internal/vm.Create/
// Destroy/List orchestration.
type Software struct {
	client  libvirtClient
	conn    *internallibvirt.Client
	storage *storageManager
	runner  procutil.Runner
}

// Connect opens a libvirt connection and returns a ready Software.
func Connect(ctx context.Context, socketPath string) (*Software, error) {
	conn, err := internallibvirt.ConnectWithContext(ctx, socketPath, 0)
	if err != nil {
		return nil, &diskvm.VirtualizationSoftwareNotAvailableError{Software: "libvirtqemu", Cause: err}
	}
	return &Software{
		client:  conn.Libvirt(),
		conn:    conn,
		storage: newStorageManager(conn.Libvirt()),
		runner:  procutil.Exec{},
	}, nil
}

// CheckAvailable pings the established connection.
func (s *Software) CheckAvailable(ctx context.Context) error {
	if err := s.conn.Ping(); err != nil {
		return &diskvm.VirtualizationSoftwareNotAvailableError{Software: "libvirtqemu", Cause: err}
	}
	return nil
}

// Builder returns a VirtualMachineBuilder targeting this backend.
func (s *Software) Builder(opts *diskvm.CreatorOptions) vmbackend.VirtualMachineBuilder {
	return &machineBuilder{opts: opts, client: s.client, storage: s.storage, runner: s.runner}
}

// MountDisk loop-mounts the sparse raw volume backing disk so the writable
// analysis pass can reach its partitions.
func (s *Software) MountDisk(ctx context.Context, disk vmbackend.VirtualDisk) (string, func() error, error) {
	d, ok := disk.(*Disk)
	if !ok {
		return "", nil, fmt.Errorf("libvirtqemu backend cannot mount a disk of type %T", disk)
	}
	return d.Mount(ctx)
}

// UnmountDisk releases a previously mounted disk.
func (s *Software) UnmountDisk(ctx context.Context, disk vmbackend.VirtualDisk) error {
	d, ok := disk.(*Disk)
	if !ok {
		return fmt.Errorf("libvirtqemu backend cannot unmount a disk of type %T", disk)
	}
	return d.Unmount(ctx)
}

type machineBuilder struct {
	opts    *diskvm.CreatorOptions
	client  libvirtClient
	storage *storageManager
	runner  procutil.Runner
	disks   []*Disk
}

func (b *machineBuilder) NewDisk(sectorSize int64) vmbackend.VirtualDiskBuilder {
	return &DiskBuilder{
		builder: extent.NewBuilder(sectorSize),
		storage: b.storage,
		client:  b.client,
		runner:  b.runner,
	}
}

func (b *machineBuilder) AddDisk(disk vmbackend.VirtualDisk) error {
	d, ok := disk.(*Disk)
	if !ok {
		return &diskvm.UnsupportedDiskTypeError{Want: diskvm.DiskTypeLibvirtQemu, Got: disk.Type()}
	}
	b.disks = append(b.disks, d)
	return nil
}

func (b *machineBuilder) Build(ctx context.Context) (vmbackend.VirtualMachine, error) {
	if len(b.disks) == 0 {
		return nil, fmt.Errorf("libvirtqemu machine requires at least one disk")
	}

	domain := buildDomain(b.opts, b.disks[0].path)
	xml, err := marshalDomain(domain)
	if err != nil {
		return nil, err
	}

	dom, err := b.client.DomainDefineXML(xml)
	if err != nil {
		return nil, fmt.Errorf("define domain: %w", err)
	}

	return &Machine{client: b.client, domain: dom, runner: b.runner}, nil
}

// Disk is a written libvirtqemu virtual disk: a single sparse raw volume
// in the diskvm-disks pool.
type Disk struct {
	path       string
	volumeName string
	client     libvirtClient
	pool       golibvirt.StoragePool
	runner     procutil.Runner
	loopDevice string
}

// Type reports this backend's disk type.
func (*Disk) Type() diskvm.DiskType { return diskvm.DiskTypeLibvirtQemu }

// Mount attaches the raw volume as a loop device with partition scanning
// enabled, exposing /dev/loopNpM nodes for the writable analysis pass to
// modify directly.
func (d *Disk) Mount(ctx context.Context) (string, func() error, error) {
	out, err := d.runner.Run(ctx, "losetup", "-f", "--show", "-P", d.path)
	if err != nil {
		return "", nil, fmt.Errorf("losetup %s: %w", d.path, err)
	}
	d.loopDevice = firstLine(out)

	release := func() error { return d.Unmount(ctx) }
	return d.loopDevice, release, nil
}

// Unmount detaches the loop device.
func (d *Disk) Unmount(ctx context.Context) error {
	if d.loopDevice == "" {
		return nil
	}
	_, err := d.runner.Run(ctx, "losetup", "-d", d.loopDevice)
	d.loopDevice = ""
	return err
}

func firstLine(b []byte) string {
	for i, c := range b {
		if c == '\n' {
			return string(b[:i])
		}
	}
	return string(b)
}

// Machine drives one libvirt-defined domain.
type Machine struct {
	client libvirtClient
	domain golibvirt.Domain
	runner procutil.Runner
}

// Start creates (boots) the domain.
func (m *Machine) Start(ctx context.Context) error {
	return m.client.DomainCreate(m.domain)
}

// IsRunning reports whether the domain is in the running state.
func (m *Machine) IsRunning(ctx context.Context) (bool, error) {
	state, _, err := m.client.DomainGetState(m.domain, 0)
	if err != nil {
		return false, err
	}
	const domainRunning = 1
	return state == domainRunning, nil
}

// Snapshot creates a named internal snapshot.
func (m *Machine) Snapshot(ctx context.Context, name string) (vmbackend.VirtualMachine, error) {
	snapshotXML := fmt.Sprintf(`<domainsnapshot><name>%s</name></domainsnapshot>`, name)
	if _, err := m.client.DomainSnapshotCreateXML(m.domain, snapshotXML, 0); err != nil {
		return nil, fmt.Errorf("create snapshot %s: %w", name, err)
	}
	return m, nil
}

// Disks re-parses the domain's live XML descriptor for attached disk
// source paths, since a snapshot replaces the original file with a
// qcow2 delta that libvirt manages internally.
func (m *Machine) Disks(ctx context.Context) ([]vmbackend.VirtualDisk, error) {
	xml, err := m.client.DomainGetXMLDesc(m.domain, 0)
	if err != nil {
		return nil, fmt.Errorf("get domain xml: %w", err)
	}
	paths := parseDiskPaths(xml)
	out := make([]vmbackend.VirtualDisk, 0, len(paths))
	for _, p := range paths {
		out = append(out, &Disk{path: p, client: m.client, runner: m.runner})
	}
	return out, nil
}
