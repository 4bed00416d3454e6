// Package vmbackend defines the virtualization-backend abstraction every
// concrete backend (vmware, libvirtqemu) implements: a virtual-disk
// builder/mounter and a VM lifecycle driver. Ported from vm/base.py.
package vmbackend

import (
	"context"
	"io"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/extent"
)

// VirtualDiskBuilder accumulates extents (via its embedded *extent.Builder)
// and writes the finished virtual disk to disk in whatever backend-native
// format it represents (VMDK monolithicFlat, a sparse raw file, ...).
type VirtualDiskBuilder interface {
	// AddPart registers one extent, delegating to extent.Builder's merge
	// algorithm.
	AddPart(p extent.Part) error
	// Write materializes the accumulated extents into one or more files
	// under outDir and returns the resulting VirtualDisk descriptor.
	Write(ctx context.Context, outDir, name string) (VirtualDisk, error)
}

// VirtualDisk is a written, not-yet-attached virtual disk.
type VirtualDisk interface {
	// Type identifies which backend produced this disk, checked by
	// VirtualMachineBuilder.AddDisk against its own backend type.
	Type() diskvm.DiskType
	// Mount attaches the virtual disk to the host filesystem for
	// modification (losetup-style), returning the block device path and a
	// release closure.
	Mount(ctx context.Context) (devicePath string, release func() error, err error)
	// Unmount is an alternate direct-release entry point for callers that
	// did not keep the Mount closure (e.g. after a process restart); not
	// used by the normal single-run flow.
	Unmount(ctx context.Context) error
}

// VirtualMachine is a defined (and possibly running) VM.
type VirtualMachine interface {
	Start(ctx context.Context) error
	IsRunning(ctx context.Context) (bool, error)
	// Snapshot takes a point-in-time snapshot and returns a new
	// VirtualMachine descriptor whose Disks() reflects the delta files the
	// snapshot introduced (the original disk's path is replaced).
	Snapshot(ctx context.Context, name string) (VirtualMachine, error)
	// Disks re-parses the machine's descriptor and returns the disks
	// currently attached, since a snapshot replaces disk paths with deltas.
	Disks(ctx context.Context) ([]VirtualDisk, error)
}

// VirtualMachineBuilder assembles a VirtualMachine definition from one or
// more virtual disks plus the resolved CreatorOptions (memory, CPUs,
// firmware).
type VirtualMachineBuilder interface {
	// NewDisk returns a fresh VirtualDiskBuilder for this backend.
	NewDisk(sectorSize int64) VirtualDiskBuilder
	// AddDisk attaches a previously-written VirtualDisk to the
	// in-progress machine definition. Returns UnsupportedDiskTypeError if
	// disk was produced by a different backend.
	AddDisk(disk VirtualDisk) error
	// Build finalizes and defines the VM, returning its VirtualMachine
	// handle without starting it.
	Build(ctx context.Context) (VirtualMachine, error)
}

// VirtualizationSoftware is the top-level backend contract the CLI selects
// by name (--virtualization-software).
type VirtualizationSoftware interface {
	// CheckAvailable verifies the backend's required external tools are
	// present and functional, returning
	// VirtualizationSoftwareNotAvailableError otherwise.
	CheckAvailable(ctx context.Context) error
	Builder(opts *diskvm.CreatorOptions) VirtualMachineBuilder
	MountDisk(ctx context.Context, disk VirtualDisk) (devicePath string, release func() error, err error)
	UnmountDisk(ctx context.Context, disk VirtualDisk) error
}

// writerAtCloser is the minimal surface Write implementations need to
// stream extents into a backing file.
type writerAtCloser interface {
	io.WriterAt
	io.Closer
	Truncate(size int64) error
}
