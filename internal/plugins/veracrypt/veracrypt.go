package veracrypt

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/plugin"
	"github.com/MWedl/diskvm/internal/procutil"
)

// Plugin detects VeraCrypt volumes, decrypts the header with an
// operator-supplied passphrase or master key, and optionally rewrites the
// header with a new master key so the converted VM no longer needs the
// original passphrase (--xts-combine-keys reconstructs a usable XTS key
// pair from multiple supplied key fragments, e.g. system + hidden volume
// keys recovered independently).
type Plugin struct {
	plugin.Base
	Runner         procutil.Runner
	Passphrases    [][]byte
	NewMasterKey   []byte
	XTSCombineKeys bool
	openDevice     func(path string) (io.ReadWriteSeeker, error)
}

// New returns a Plugin backed by real file I/O.
func New(passphrases [][]byte, newMasterKey []byte, xtsCombineKeys bool) *Plugin {
	return &Plugin{
		Base:           plugin.Base{PluginName: "veracrypt"},
		Runner:         procutil.Exec{},
		Passphrases:    passphrases,
		NewMasterKey:   newMasterKey,
		XTSCombineKeys: xtsCombineKeys,
		openDevice: func(path string) (io.ReadWriteSeeker, error) {
			return os.OpenFile(path, os.O_RDWR, 0)
		},
	}
}

// MountedFilesystem looks for a VeraCrypt EFI boot directory on a mounted
// EFI System Partition and, if found, marks the whole disk (not this one
// volume) as system-encrypted: VeraCrypt full-disk encryption is detected
// indirectly through its boot loader's ESP footprint, matching
// VeraCryptMountPlugin.mounted_filesystem.
func (p *Plugin) MountedFilesystem(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) error {
	if vol.MountPoint == "" || !isEFISystemPartition(vol) {
		return nil
	}
	for _, name := range []string{"Veracrypt", "veracrypt", "VERACRYPT"} {
		info, err := os.Stat(filepath.Join(vol.MountPoint, "EFI", name))
		if err == nil && info.IsDir() {
			cc.Disk.VeracryptSystemEncryption = true
			return nil
		}
	}
	return nil
}

// isEFISystemPartition reports whether vol looks like an EFI System
// Partition: a FAT filesystem carrying a top-level EFI directory. The
// partition-table-level ESP GUID/type byte is only recorded transiently
// during initial disk analysis, so filesystem shape is what's left to go
// on by the time a volume reaches MountedFilesystem.
func isEFISystemPartition(vol *diskvm.Volume) bool {
	switch vol.FilesystemType {
	case "vfat", "fat32", "fat16", "msdos":
	default:
		return false
	}
	info, err := os.Stat(filepath.Join(vol.MountPoint, "EFI"))
	return err == nil && info.IsDir()
}

// Mount tries every configured passphrase against the volume header at
// HeaderOffset; on success it optionally rewrites the header in place with
// NewMasterKey and registers a losetup-mapped plaintext volume for the
// mount pipeline to continue into. When VeracryptSystemEncryption was
// already detected via a sibling ESP's boot directory, the header is read
// from the whole-disk device rather than this one partition, since
// VeraCrypt full-disk encryption lives below the partition table, not
// inside any single partition, matching VeraCryptMountPlugin.mount.
func (p *Plugin) Mount(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) (bool, error) {
	targetDevice := vol.DevicePath
	if cc.Disk.VeracryptSystemEncryption && cc.Disk.RawDevicePath != "" {
		targetDevice = cc.Disk.RawDevicePath
	}
	if targetDevice == "" {
		return false, nil
	}

	f, err := p.openDevice(targetDevice)
	if err != nil {
		return false, nil
	}

	raw := make([]byte, HeaderSize)
	if _, err := f.Seek(HeaderOffset, io.SeekStart); err != nil {
		return false, nil
	}
	if _, err := io.ReadFull(f, raw); err != nil {
		return false, nil
	}

	var header *Header
	var workingKey []byte
	for _, pass := range p.Passphrases {
		var salt [saltSize]byte
		copy(salt[:], raw[:saltSize])
		key := DeriveHeaderKey(pass, salt)
		if h, err := Decrypt(raw, key); err == nil {
			header, workingKey = h, key
			break
		}
	}
	if header == nil {
		return false, nil
	}

	if len(p.NewMasterKey) > 0 {
		copy(header.Decrypted.Keys[:], p.NewMasterKey)
		newRaw, err := Encrypt(header, workingKey)
		if err != nil {
			return false, fmt.Errorf("re-encrypt veracrypt header: %w", err)
		}
		if _, err := f.Seek(HeaderOffset, io.SeekStart); err != nil {
			return false, fmt.Errorf("seek to rewrite header: %w", err)
		}
		if _, err := f.Write(newRaw); err != nil {
			return false, fmt.Errorf("write rewritten header: %w", err)
		}
	}

	loopDevice, err := p.losetup(ctx, targetDevice)
	if err != nil {
		return false, fmt.Errorf("losetup decrypted veracrypt volume: %w", err)
	}

	disk := cc.Disk
	parentIndex := indexOf(disk.Volumes, vol)
	disk.Volumes = append(disk.Volumes, &diskvm.Volume{
		Name:        vol.Name + "-decrypted",
		DevicePath:  loopDevice,
		ParentIndex: parentIndex,
		Annotations: diskvm.PluginAnnotations{
			Veracrypt: &diskvm.VeracryptInfo{Hidden: false},
		},
	})

	return true, nil
}

func (p *Plugin) losetup(ctx context.Context, devicePath string) (string, error) {
	out, err := p.Runner.Run(ctx, "losetup", "--find", "--show", "--offset",
		fmt.Sprintf("%d", int64(HeaderOffset+HeaderSize)), devicePath)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// UnmountVolume detaches the loop device this plugin attached.
func (p *Plugin) UnmountVolume(ctx context.Context, _ *diskvm.CreatorContext, vol *diskvm.Volume) (bool, error) {
	if vol.Annotations.Veracrypt == nil {
		return false, nil
	}
	if _, err := p.Runner.Run(ctx, "losetup", "-d", vol.DevicePath); err != nil {
		return false, err
	}
	return true, nil
}

func indexOf(volumes []*diskvm.Volume, v *diskvm.Volume) int {
	for i, candidate := range volumes {
		if candidate == v {
			return i
		}
	}
	return -1
}
