// Package vmware implements the VMDK/VMX reference backend: monolithicFlat
// extent descriptors and a VMX machine descriptor driven by vmrun /
// vmware-mount / vmware. Ported from vm/vmdk.py and vm/vmware.py.
package vmware

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/extent"
	"github.com/MWedl/diskvm/internal/procutil"
	"github.com/MWedl/diskvm/internal/vmbackend"
)

// DiskBuilder accumulates extents and writes them out as a VMDK
// monolithicFlat pair: a small text descriptor file plus a flat data file
// referencing each source file at its original offset.
type DiskBuilder struct {
	builder *extent.Builder
}

// NewDiskBuilder returns a DiskBuilder with the given sector size.
func NewDiskBuilder(sectorSize int64) *DiskBuilder {
	return &DiskBuilder{builder: extent.NewBuilder(sectorSize)}
}

// AddPart delegates to the underlying extent.Builder.
func (b *DiskBuilder) AddPart(p extent.Part) error {
	return b.builder.AddPart(p)
}

// Write emits name.vmdk (the descriptor) referencing each source file
// directly via RW lines at their original offsets, in the style of a
// VMDK monolithicFlat descriptor. Because each extent already names its
// own backing source file, no single consolidated data file needs to be
// copied — the descriptor itself is the "virtual disk".
func (b *DiskBuilder) Write(ctx context.Context, outDir, name string) (vmbackend.VirtualDisk, error) {
	parts := b.builder.Parts()
	totalSectors := b.builder.TotalSize() / b.builder.SectorSize

	descPath := filepath.Join(outDir, name+".vmdk")
	f, err := os.Create(descPath)
	if err != nil {
		return nil, fmt.Errorf("create vmdk descriptor: %w", err)
	}
	defer f.Close()

	fmt.Fprintln(f, "# Disk DescriptorFile")
	fmt.Fprintln(f, "version=1")
	fmt.Fprintln(f, "CID=fffffffe")
	fmt.Fprintln(f, "parentCID=ffffffff")
	fmt.Fprintln(f, "createType=\"monolithicFlat\"")
	fmt.Fprintln(f)
	fmt.Fprintln(f, "# Extent description")

	var lastEnd int64
	for _, p := range parts {
		if p.TargetOffset > lastEnd {
			holeSectors := (p.TargetOffset - lastEnd) / b.builder.SectorSize
			fmt.Fprintf(f, "RW %d ZERO\n", holeSectors)
		}
		sectors := p.Length / b.builder.SectorSize
		sourceOffsetSectors := p.SourceOffset / b.builder.SectorSize
		fmt.Fprintf(f, "RW %d FLAT %q %d\n", sectors, p.SourceFile, sourceOffsetSectors)
		lastEnd = p.TargetOffset + p.Length
	}
	if totalSectors > lastEnd/b.builder.SectorSize {
		fmt.Fprintf(f, "RW %d ZERO\n", totalSectors-lastEnd/b.builder.SectorSize)
	}

	fmt.Fprintln(f)
	fmt.Fprintln(f, "# The Disk Data Base")
	fmt.Fprintln(f, "#DDB")
	fmt.Fprintln(f)
	fmt.Fprintf(f, "ddb.virtualHWVersion = \"19\"\n")
	fmt.Fprintf(f, "ddb.geometry.sectors = \"63\"\n")

	return &Disk{descriptorPath: descPath, runner: procutil.Exec{}}, nil
}

// Disk is a written VMDK descriptor.
type Disk struct {
	descriptorPath string
	runner         procutil.Runner
	mountPoint     string
}

// Type reports this backend's disk type.
func (*Disk) Type() diskvm.DiskType { return diskvm.DiskTypeVMware }

// DescriptorPath returns the path to the .vmdk descriptor file.
func (d *Disk) DescriptorPath() string { return d.descriptorPath }

// Mount attaches the VMDK via vmware-mount, exposing its partitions as
// host block devices for the writable-pass modifications.
func (d *Disk) Mount(ctx context.Context) (string, func() error, error) {
	mountPoint, err := os.MkdirTemp("", "diskvm-vmdk-mount-")
	if err != nil {
		return "", nil, fmt.Errorf("create vmdk mount point: %w", err)
	}
	if _, err := d.runner.Run(ctx, "vmware-mount", d.descriptorPath, mountPoint); err != nil {
		os.Remove(mountPoint)
		return "", nil, fmt.Errorf("vmware-mount %s: %w", d.descriptorPath, err)
	}
	d.mountPoint = mountPoint

	release := func() error {
		defer os.Remove(mountPoint)
		_, err := d.runner.Run(ctx, "vmware-mount", "-d", mountPoint)
		return err
	}
	return mountPoint, release, nil
}

// Unmount detaches the VMDK directly, for callers not holding the Mount
// release closure.
func (d *Disk) Unmount(ctx context.Context) error {
	if d.mountPoint == "" {
		return nil
	}
	_, err := d.runner.Run(ctx, "vmware-mount", "-d", d.mountPoint)
	d.mountPoint = ""
	return err
}
