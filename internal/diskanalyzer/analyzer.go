// Package diskanalyzer opens a source image read-only for inspection, or a
// freshly-built virtual disk for writable modification, parses its
// partition table, and dispatches the corresponding disk-level plugin
// hooks. Ported from runner.py's _analyze_disk.
package diskanalyzer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/plugin"
	"github.com/MWedl/diskvm/internal/procutil"
)

// Analyzer drives disk-level analysis. Runner is injected so tests can
// substitute a fake without invoking real mount/losetup.
type Analyzer struct {
	Runner procutil.Runner
	// readPartitionTable defaults to ReadPartitionTable; overridable in
	// tests to avoid needing a real partitioned image file.
	readPartitionTable func(path string) (scheme string, sectorSize int, err error)
	// listPartitions defaults to ListPartitions; overridable in tests for
	// the same reason.
	listPartitions func(path string) ([]PartitionRecord, error)
}

// NewAnalyzer returns an Analyzer backed by real subprocess execution.
func NewAnalyzer() *Analyzer {
	return &Analyzer{Runner: procutil.Exec{}, readPartitionTable: ReadPartitionTable, listPartitions: ListPartitions}
}

// OpenReadOnly bind-mounts sourcePath read-only onto a fresh temp
// directory, parses its partition table, populates disk.Volumes with one
// entry per root partition, and dispatches MountedDisk. The caller is
// responsible for pushing the returned release closure onto a
// ReleaserStack (or calling it directly) once analysis is done.
func (a *Analyzer) OpenReadOnly(ctx context.Context, cc *diskvm.CreatorContext, mgr *plugin.Manager, sourcePath string) (release func() error, err error) {
	mountPoint, err := os.MkdirTemp("", "diskvm-analyze-")
	if err != nil {
		return nil, fmt.Errorf("create analysis mount point: %w", err)
	}

	if _, err := a.Runner.Run(ctx, "mount", "--bind", "--read-only", sourcePath, mountPoint); err != nil {
		os.Remove(mountPoint)
		return nil, &diskvm.InvalidDiskError{Path: sourcePath, Reason: err.Error()}
	}

	release = func() error {
		defer os.Remove(mountPoint)
		_, err := a.Runner.Run(ctx, "umount", mountPoint)
		return err
	}

	readTable := a.readPartitionTable
	if readTable == nil {
		readTable = ReadPartitionTable
	}
	scheme, sectorSize, err := readTable(sourcePath)
	if err != nil {
		release()
		return nil, &diskvm.InvalidDiskError{Path: sourcePath, Reason: err.Error()}
	}

	disk := &diskvm.Disk{
		SourcePath:         sourcePath,
		AnalysisMountPoint: mountPoint,
		SectorSize:         sectorSize,
		PartitionScheme:    scheme,
	}

	listParts := a.listPartitions
	if listParts == nil {
		listParts = ListPartitions
	}
	records, err := listParts(sourcePath)
	if err != nil {
		release()
		return nil, &diskvm.InvalidDiskError{Path: sourcePath, Reason: err.Error()}
	}

	var loopDevices []string
	efiSeen := false
	for _, rec := range records {
		devicePath, err := a.attachLoop(ctx, sourcePath, rec.Start, rec.Length)
		if err != nil {
			a.detachLoops(ctx, loopDevices)
			release()
			return nil, &diskvm.InvalidDiskError{Path: sourcePath, Reason: err.Error()}
		}
		loopDevices = append(loopDevices, devicePath)

		disk.Volumes = append(disk.Volumes, &diskvm.Volume{
			Name:         fmt.Sprintf("p%d", rec.Index+1),
			DevicePath:   devicePath,
			ParentIndex:  -1,
			SourceOffset: rec.Start,
			Length:       rec.Length,
		})
		if rec.EFI {
			efiSeen = true
		}
	}
	if efiSeen {
		disk.Firmware = diskvm.FirmwareEFI
	} else {
		disk.Firmware = diskvm.FirmwareBIOS
	}

	release = func() error {
		defer os.Remove(mountPoint)
		a.detachLoops(ctx, loopDevices)
		_, err := a.Runner.Run(ctx, "umount", mountPoint)
		return err
	}

	cc.Disk = disk

	if err := mgr.DispatchAll(func(p plugin.Plugin) error {
		return p.MountedDisk(ctx, cc, disk)
	}); err != nil {
		release()
		return nil, err
	}

	return release, nil
}

// OpenWritable mounts the backend-produced virtual disk image for
// modification, dispatching ModifyDisk and then BeforeCreateDisk on the
// re-parsed descriptor (snapshots can replace disk paths with deltas, so
// the descriptor is always re-read after modification).
func (a *Analyzer) OpenWritable(ctx context.Context, cc *diskvm.CreatorContext, mgr *plugin.Manager, vmDiskPath string) error {
	if err := mgr.DispatchAll(func(p plugin.Plugin) error {
		return p.ModifyDisk(ctx, cc, cc.Disk)
	}); err != nil {
		return err
	}

	if err := mgr.DispatchAll(func(p plugin.Plugin) error {
		return p.BeforeCreateDisk(ctx, cc)
	}); err != nil {
		return err
	}

	return nil
}

// ReleaseDir removes a temp directory created for analysis, used when a
// release closure needs to be constructed outside Open*.
func ReleaseDir(dir string) error {
	return os.RemoveAll(filepath.Clean(dir))
}

// attachLoop maps a byte range of sourcePath onto a fresh read-only loop
// device, the standard way a root partition becomes something the mount
// pipeline's plugins can act on (cryptsetup/blkid/mount all want a device
// path, not a file offset).
func (a *Analyzer) attachLoop(ctx context.Context, sourcePath string, offset, length int64) (string, error) {
	out, err := a.Runner.Run(ctx, "losetup", "--find", "--show", "--read-only",
		"--offset", fmt.Sprintf("%d", offset),
		"--sizelimit", fmt.Sprintf("%d", length), sourcePath)
	if err != nil {
		return "", fmt.Errorf("losetup %s (offset=%d size=%d): %w", sourcePath, offset, length, err)
	}
	return strings.TrimSpace(string(out)), nil
}

// detachLoops releases every loop device attachLoop created, in reverse
// order, logging rather than returning on failure since this only ever
// runs as part of best-effort cleanup.
func (a *Analyzer) detachLoops(ctx context.Context, devices []string) {
	for i := len(devices) - 1; i >= 0; i-- {
		_, _ = a.Runner.Run(ctx, "losetup", "-d", devices[i])
	}
}
