// Package osdetect inspects a mounted filesystem's well-known paths to
// infer the guest operating system family and firmware type. Ported from
// plugins/os_detect.py.
package osdetect

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/plugin"
)

// Plugin sets Disk.GuestOS and Disk.Firmware from whichever mounted
// filesystem looks like an operating system root, unless the operator
// already forced both via CLI flags.
type Plugin struct {
	plugin.Base
	ForceGuestOS  string
	ForceFirmware diskvm.FirmwareType
}

// New returns a Plugin. Empty strings leave auto-detection in control of
// the corresponding field.
func New(forceGuestOS string, forceFirmware diskvm.FirmwareType) *Plugin {
	return &Plugin{
		Base:          plugin.Base{PluginName: "os-detect"},
		ForceGuestOS:  forceGuestOS,
		ForceFirmware: forceFirmware,
	}
}

var buildLabExPattern = regexp.MustCompile(`(?i)^BuildLabEx\s*=\s*(.+)$`)

// MountedFilesystem inspects vol.MountPoint for OS-identifying files the
// first time a promising root filesystem is mounted.
func (p *Plugin) MountedFilesystem(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) error {
	if cc.Disk.GuestOS != "" && cc.Disk.Firmware != "" {
		return nil
	}

	if isWindows(vol.MountPoint) {
		if cc.Disk.GuestOS == "" && p.ForceGuestOS == "" {
			cc.Disk.GuestOS = "windows"
		}
	} else if isLinux(vol.MountPoint) {
		if cc.Disk.GuestOS == "" && p.ForceGuestOS == "" {
			cc.Disk.GuestOS = "linux"
		}
	}

	return nil
}

// MountedDisk checks the partition table for a GPT EFI System Partition
// type GUID or MBR EFI type byte and sets the firmware field accordingly;
// the disk analyzer performs the actual partition table parse and passes
// its findings through Disk.PartitionScheme, so here we only apply
// operator overrides and the default.
func (p *Plugin) MountedDisk(ctx context.Context, cc *diskvm.CreatorContext, disk *diskvm.Disk) error {
	if p.ForceGuestOS != "" {
		disk.GuestOS = p.ForceGuestOS
	}
	if p.ForceFirmware != "" {
		disk.Firmware = p.ForceFirmware
	}
	return nil
}

func isWindows(mountPoint string) bool {
	_, err := os.Stat(filepath.Join(mountPoint, "Windows", "System32", "config", "SOFTWARE"))
	return err == nil
}

func isLinux(mountPoint string) bool {
	_, err := os.Stat(filepath.Join(mountPoint, "etc", "passwd"))
	return err == nil
}

// ParseBuildLabEx extracts the BuildLabEx value from a SOFTWARE hive dump
// (as produced by external registry-reading tools) for use distinguishing
// Windows builds when finer detail than "windows" is useful to the caller.
func ParseBuildLabEx(r *bufio.Scanner) string {
	for r.Scan() {
		line := r.Text()
		if m := buildLabExPattern.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return m[1]
		}
	}
	return ""
}
