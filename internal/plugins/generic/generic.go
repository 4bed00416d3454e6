// Package generic implements the always-present fallback plugins: mounting
// whatever filesystem a volume's block device already contains, and
// discovering LVM logical volumes underneath a physical volume. Ported
// from plugins/generic.py.
package generic

import (
	"context"
	"fmt"
	"strings"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/plugin"
	"github.com/MWedl/diskvm/internal/procutil"
)

// FilesystemMountPlugin mounts any volume whose device already carries a
// recognizable filesystem (ext4, xfs, ntfs, vfat, ...), the lowest-priority
// fallback in the mount dispatch chain.
type FilesystemMountPlugin struct {
	plugin.Base
	Runner procutil.Runner
	// ExperimentalNTFSFix runs `ntfsfix --clear-dirty` before mounting an
	// NTFS volume left in an unsafe (hibernated) state. Off by default
	// per the open question on NTFS repair after hibernation.
	ExperimentalNTFSFix bool
}

// New returns a FilesystemMountPlugin backed by real subprocess execution.
func New(experimentalNTFSFix bool) *FilesystemMountPlugin {
	return &FilesystemMountPlugin{
		Base:                 plugin.Base{PluginName: "generic-filesystem"},
		Runner:               procutil.Exec{},
		ExperimentalNTFSFix:  experimentalNTFSFix,
	}
}

// Mount runs blkid to detect a filesystem type and mounts it read-write if
// one is found, returning handled=false so a more specific plugin
// (LUKS/BitLocker/VeraCrypt/LVM) gets first refusal further up the chain.
func (p *FilesystemMountPlugin) Mount(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) (bool, error) {
	if vol.DevicePath == "" {
		return false, nil
	}

	fsType, err := p.detectFilesystem(ctx, vol.DevicePath)
	if err != nil || fsType == "" {
		return false, nil
	}

	if fsType == "ntfs" && p.ExperimentalNTFSFix {
		if _, err := p.Runner.Run(ctx, "ntfsfix", "--clear-dirty", vol.DevicePath); err != nil {
			return false, fmt.Errorf("ntfsfix %s: %w", vol.DevicePath, err)
		}
	}

	mountPoint, err := mkTempMountpoint(vol.Name)
	if err != nil {
		return false, err
	}
	if _, err := p.Runner.Run(ctx, "mount", "-t", fsType, vol.DevicePath, mountPoint); err != nil {
		return false, fmt.Errorf("mount %s (%s): %w", vol.DevicePath, fsType, err)
	}

	vol.MountPoint = mountPoint
	vol.FilesystemType = fsType
	return true, nil
}

// UnmountFilesystem unmounts whatever this plugin mounted.
func (p *FilesystemMountPlugin) UnmountFilesystem(ctx context.Context, _ *diskvm.CreatorContext, vol *diskvm.Volume) (bool, error) {
	if vol.MountPoint == "" || vol.FilesystemType == "" {
		return false, nil
	}
	if _, err := p.Runner.Run(ctx, "umount", vol.MountPoint); err != nil {
		return false, err
	}
	vol.MountPoint = ""
	return true, nil
}

func (p *FilesystemMountPlugin) detectFilesystem(ctx context.Context, devicePath string) (string, error) {
	out, err := p.Runner.Run(ctx, "blkid", "-o", "value", "-s", "TYPE", devicePath)
	if err != nil {
		return "", nil
	}
	return strings.TrimSpace(string(out)), nil
}

func mkTempMountpoint(name string) (string, error) {
	return tempMountDir("diskvm-mnt-" + name + "-")
}
