package vmware

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/procutil"
	"github.com/MWedl/diskvm/internal/vmbackend"
)

// DiskPathPattern matches scsi0:0.fileName = "..." lines in a VMX file,
// used to discover which VMDK(s) a machine descriptor currently points at
// (snapshots replace these with delta files).
var DiskPathPattern = regexp.MustCompile(`(?m)^\s*scsi0:0\.fileName\s*=\s*"([^"]+)"`)

// Software drives vmrun/vmware-mount/vmware against the VMDK/VMX backend.
type Software struct {
	Runner procutil.Runner
}

// New returns a Software backed by real subprocess execution.
func New() *Software {
	return &Software{Runner: procutil.Exec{}}
}

// CheckAvailable verifies vmrun is on PATH and reports a sane version.
func (s *Software) CheckAvailable(ctx context.Context) error {
	if _, err := s.Runner.Run(ctx, "vmrun", "-T", "ws", "list"); err != nil {
		return &diskvm.VirtualizationSoftwareNotAvailableError{Software: "vmware", Cause: err}
	}
	return nil
}

// Builder returns a VirtualMachineBuilder targeting this backend.
func (s *Software) Builder(opts *diskvm.CreatorOptions) vmbackend.VirtualMachineBuilder {
	return &machineBuilder{opts: opts, runner: s.Runner}
}

// MountDisk attaches a VMDK via vmware-mount.
func (s *Software) MountDisk(ctx context.Context, disk vmbackend.VirtualDisk) (string, func() error, error) {
	d, ok := disk.(*Disk)
	if !ok {
		return "", nil, fmt.Errorf("vmware backend cannot mount a disk of type %T", disk)
	}
	return d.Mount(ctx)
}

// UnmountDisk detaches a VMDK.
func (s *Software) UnmountDisk(ctx context.Context, disk vmbackend.VirtualDisk) error {
	d, ok := disk.(*Disk)
	if !ok {
		return fmt.Errorf("vmware backend cannot unmount a disk of type %T", disk)
	}
	return d.Unmount(ctx)
}

type machineBuilder struct {
	opts   *diskvm.CreatorOptions
	runner procutil.Runner
	disks  []*Disk
}

func (b *machineBuilder) NewDisk(sectorSize int64) vmbackend.VirtualDiskBuilder {
	return NewDiskBuilder(sectorSize)
}

func (b *machineBuilder) AddDisk(disk vmbackend.VirtualDisk) error {
	d, ok := disk.(*Disk)
	if !ok {
		return &diskvm.UnsupportedDiskTypeError{Want: diskvm.DiskTypeVMware, Got: disk.Type()}
	}
	b.disks = append(b.disks, d)
	return nil
}

func (b *machineBuilder) Build(ctx context.Context) (vmbackend.VirtualMachine, error) {
	if len(b.disks) == 0 {
		return nil, fmt.Errorf("vmware machine requires at least one disk")
	}

	vmxPath := filepath.Join(b.opts.OutDir, b.opts.Name+".vmx")
	f, err := os.Create(vmxPath)
	if err != nil {
		return nil, fmt.Errorf("create vmx descriptor: %w", err)
	}
	defer f.Close()

	firmware := "bios"
	if b.opts.Firmware == diskvm.FirmwareEFI {
		firmware = "efi"
	}

	fmt.Fprintln(f, `.encoding = "UTF-8"`)
	fmt.Fprintln(f, `config.version = "8"`)
	fmt.Fprintln(f, `virtualHW.version = "19"`)
	fmt.Fprintf(f, "displayName = %q\n", b.opts.Name)
	fmt.Fprintf(f, "numvcpus = %q\n", strconv.Itoa(b.opts.VMCPUs))
	fmt.Fprintf(f, "memsize = %q\n", strconv.FormatInt(b.opts.VMMemoryBytes/1024/1024, 10))
	fmt.Fprintf(f, "firmware = %q\n", firmware)
	fmt.Fprintln(f, `guestOS = "other"`)
	fmt.Fprintln(f, `scsi0.present = "TRUE"`)
	fmt.Fprintln(f, `scsi0.virtualDev = "lsisas1068"`)
	fmt.Fprintf(f, "scsi0:0.fileName = %q\n", b.disks[0].DescriptorPath())
	fmt.Fprintln(f, `scsi0:0.present = "TRUE"`)

	return &Machine{vmxPath: vmxPath, runner: b.runner}, nil
}

// Machine drives one VMX-defined VM via vmrun.
type Machine struct {
	vmxPath string
	runner  procutil.Runner
}

// Start powers on the VM in nogui mode.
func (m *Machine) Start(ctx context.Context) error {
	_, err := m.runner.Run(ctx, "vmrun", "-T", "ws", "start", m.vmxPath, "nogui")
	return err
}

// IsRunning checks vmrun's list output for this VM's descriptor path.
func (m *Machine) IsRunning(ctx context.Context) (bool, error) {
	out, err := m.runner.Run(ctx, "vmrun", "-T", "ws", "list")
	if err != nil {
		return false, err
	}
	return strings.Contains(string(out), m.vmxPath), nil
}

// Snapshot takes a named vmrun snapshot and returns a Machine reflecting
// the same VMX (VMware keeps the same top-level VMX file across
// snapshots, redirecting disk I/O to per-snapshot delta files internally).
func (m *Machine) Snapshot(ctx context.Context, name string) (vmbackend.VirtualMachine, error) {
	if _, err := m.runner.Run(ctx, "vmrun", "-T", "ws", "snapshot", m.vmxPath, name); err != nil {
		return nil, fmt.Errorf("vmrun snapshot %s: %w", name, err)
	}
	return &Machine{vmxPath: m.vmxPath, runner: m.runner}, nil
}

// Disks re-parses the VMX file for scsi0:0.fileName entries, since a
// snapshot or external edit can replace the disk path with a delta file.
func (m *Machine) Disks(ctx context.Context) ([]vmbackend.VirtualDisk, error) {
	data, err := os.ReadFile(m.vmxPath)
	if err != nil {
		return nil, fmt.Errorf("read vmx descriptor: %w", err)
	}
	matches := DiskPathPattern.FindAllStringSubmatch(string(data), -1)
	out := make([]vmbackend.VirtualDisk, 0, len(matches))
	for _, match := range matches {
		out = append(out, &Disk{descriptorPath: match[1], runner: m.runner})
	}
	return out, nil
}
