// Package bitlocker detects and unlocks BitLocker volumes via dislocker,
// and can add a clearkey protector so the converted VM boots without the
// original recovery key. Ported from plugins/bitlocker.py.
package bitlocker

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/plugin"
	"github.com/MWedl/diskvm/internal/procutil"
)

// signatureOffset is the byte offset of the "-FVE-FS-" BitLocker signature
// within a BitLocker-encrypted volume.
const signatureOffset = 3

var signature = []byte("-FVE-FS-")

// newPassword is the password dislocker-pwreset hardcodes for the
// protector it adds; recorded on BitlockerInfo purely for reporting, it
// is never passed on the command line.
const newPassword = "newpwd"

// fvekKeySize is the padded key region size every FVEK file carries
// (struct.pack('<H', mode) + key.ljust(64, b'\0')), regardless of the
// underlying cipher's actual key length.
const fvekKeySize = 64

// BitLockerMode mirrors dislocker's on-disk FVEK mode tag, taken from the
// "Encryption Type" dislocker-metadata reports.
type BitLockerMode uint16

const (
	ModeAES256Diffuser BitLockerMode = 0x8001
	ModeAES128Diffuser BitLockerMode = 0x8000
	ModeAES256CBC      BitLockerMode = 0x8003
	ModeAES128CBC      BitLockerMode = 0x8002
	ModeAES256XTS      BitLockerMode = 0x8005
	ModeAES128XTS      BitLockerMode = 0x8004
)

// Plugin drives dislocker-fuse/-metadata/-pwreset against detected
// BitLocker volumes.
type Plugin struct {
	plugin.Base
	Runner        procutil.Runner
	MasterKeysHex []string
	AddClearkey   bool
	openDevice    func(path string) (io.ReadSeekCloser, error)
	mountDirector func(devicePath string) string
}

// New returns a Plugin backed by real subprocess execution and file I/O.
// masterKeysHex are hex-encoded FVEK key material (not textual recovery
// passwords); addClearkey gates whether ModifyVolume also runs
// dislocker-pwreset to install a password-less protector.
func New(masterKeysHex []string, addClearkey bool) *Plugin {
	return &Plugin{
		Base:          plugin.Base{PluginName: "bitlocker"},
		Runner:        procutil.Exec{},
		MasterKeysHex: masterKeysHex,
		AddClearkey:   addClearkey,
		openDevice: func(path string) (io.ReadSeekCloser, error) {
			return os.Open(path)
		},
		mountDirector: defaultMountDir,
	}
}

// Mount checks for the BitLocker signature, tries an unauthenticated
// clearkey unlock first (dislocker-fuse --clearkey, which succeeds only
// if the volume already carries an empty protector), then falls back to
// each configured master key built into a binary FVEK file whose cipher
// mode is discovered via dislocker-metadata.
func (p *Plugin) Mount(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) (bool, error) {
	if vol.DevicePath == "" {
		return false, nil
	}
	isBitlocker, err := p.hasSignature(vol.DevicePath)
	if err != nil || !isBitlocker {
		return false, nil
	}

	mountPoint := p.mountDirector(vol.DevicePath)
	if err := os.MkdirAll(mountPoint, 0o700); err != nil {
		return false, fmt.Errorf("create dislocker mount point: %w", err)
	}

	decryptedPath := mountPoint + "/dislocker-file"
	usedClearkey := false

	if _, err := p.Runner.Run(ctx, "dislocker-fuse", "-V", vol.DevicePath, "--clearkey", mountPoint); err == nil {
		if err := p.validateNTFSSignature(decryptedPath); err == nil {
			usedClearkey = true
		}
	}

	if !usedClearkey {
		if err := p.mountWithMasterKeys(ctx, vol.DevicePath, mountPoint, decryptedPath); err != nil {
			return false, err
		}
	}

	disk := cc.Disk
	parentIndex := indexOf(disk.Volumes, vol)
	vol.Annotations.Bitlocker = &diskvm.BitlockerInfo{Enabled: true}
	disk.Volumes = append(disk.Volumes, &diskvm.Volume{
		Name:        vol.Name + "-decrypted",
		DevicePath:  decryptedPath,
		ParentIndex: parentIndex,
		Annotations: diskvm.PluginAnnotations{
			Bitlocker: &diskvm.BitlockerInfo{MountPoint: mountPoint, Clearkey: usedClearkey},
		},
	})

	return true, nil
}

// mountWithMasterKeys finds the volume's cipher mode via dislocker-metadata
// and retries dislocker-fuse with each candidate key built into a proper
// FVEK file until one produces a readable NTFS volume.
func (p *Plugin) mountWithMasterKeys(ctx context.Context, devicePath, mountPoint, decryptedPath string) error {
	if len(p.MasterKeysHex) == 0 {
		return fmt.Errorf("bitlocker volume %s has no password-less protector and no master key was supplied", devicePath)
	}
	mode, err := p.findCorrectFVEK(ctx, devicePath)
	if err != nil {
		return fmt.Errorf("determine bitlocker encryption mode: %w", err)
	}

	var lastErr error
	for _, keyHex := range p.MasterKeysHex {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			lastErr = fmt.Errorf("invalid master key %q: %w", keyHex, err)
			continue
		}
		fvekPath, err := writeFVEKFile(mode, key)
		if err != nil {
			lastErr = err
			continue
		}
		_, runErr := p.Runner.Run(ctx, "dislocker-fuse", "-V", devicePath, "--fvek", fvekPath, mountPoint)
		os.Remove(fvekPath)
		if runErr != nil {
			lastErr = runErr
			continue
		}
		if err := p.validateNTFSSignature(decryptedPath); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("no supplied master key unlocked %s: %w", devicePath, lastErr)
}

var encryptionTypePattern = regexp.MustCompile(`(?i)encryption type\s*:\s*(.+)`)

// findCorrectFVEK runs dislocker-metadata -V and maps its reported
// "Encryption Type" line to the matching BitLockerMode tag, mirroring
// find_correct_fvek's regex-driven detection.
func (p *Plugin) findCorrectFVEK(ctx context.Context, devicePath string) (BitLockerMode, error) {
	out, err := p.Runner.Run(ctx, "dislocker-metadata", "-V", devicePath)
	if err != nil {
		return 0, fmt.Errorf("dislocker-metadata -V %s: %w", devicePath, err)
	}
	m := encryptionTypePattern.FindStringSubmatch(string(out))
	if m == nil {
		return 0, fmt.Errorf("could not find Encryption Type in dislocker-metadata output")
	}
	desc := strings.ToLower(strings.TrimSpace(m[1]))

	is256 := strings.Contains(desc, "256")
	switch {
	case strings.Contains(desc, "xts"):
		if is256 {
			return ModeAES256XTS, nil
		}
		return ModeAES128XTS, nil
	case strings.Contains(desc, "diffuser"):
		if is256 {
			return ModeAES256Diffuser, nil
		}
		return ModeAES128Diffuser, nil
	default:
		if is256 {
			return ModeAES256CBC, nil
		}
		return ModeAES128CBC, nil
	}
}

// writeFVEKFile builds the binary FVEK blob dislocker's --fvek flag
// expects (a little-endian uint16 mode tag followed by the key padded to
// 64 bytes) and writes it to a private temp file, returning its path.
func writeFVEKFile(mode BitLockerMode, key []byte) (string, error) {
	buf := make([]byte, 2, 2+fvekKeySize)
	binary.LittleEndian.PutUint16(buf, uint16(mode))
	padded := make([]byte, fvekKeySize)
	copy(padded, key)
	buf = append(buf, padded...)

	f, err := os.CreateTemp("", "diskvm-bitlocker-fvek-")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := f.Chmod(0o600); err != nil {
		return "", err
	}
	if _, err := f.Write(buf); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// ModifyVolume runs dislocker-pwreset against the BitLocker container
// (gated on AddClearkey and on this volume being the encrypted container
// Mount marked, not its decrypted child), installing a password-less
// protector so the converted VM boots without the original recovery key.
func (p *Plugin) ModifyVolume(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) error {
	if !p.AddClearkey || vol.Annotations.Bitlocker == nil || !vol.Annotations.Bitlocker.Enabled {
		return nil
	}
	if len(p.MasterKeysHex) == 0 {
		return fmt.Errorf("bitlocker volume %s: no master key available to authorize dislocker-pwreset", vol.DevicePath)
	}

	mode, err := p.findCorrectFVEK(ctx, vol.DevicePath)
	if err != nil {
		return fmt.Errorf("determine bitlocker encryption mode: %w", err)
	}

	var lastErr error
	for _, keyHex := range p.MasterKeysHex {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			lastErr = err
			continue
		}
		fvekPath, err := writeFVEKFile(mode, key)
		if err != nil {
			lastErr = err
			continue
		}
		_, runErr := p.Runner.Run(ctx, "dislocker-pwreset", "--volume", vol.DevicePath, "--fvek", fvekPath)
		os.Remove(fvekPath)
		if runErr != nil {
			lastErr = runErr
			continue
		}
		vol.Annotations.Bitlocker.Password = newPassword
		return nil
	}
	return fmt.Errorf("dislocker-pwreset failed with every supplied master key: %w", lastErr)
}

// UnmountVolume tears down the dislocker FUSE mount.
func (p *Plugin) UnmountVolume(ctx context.Context, _ *diskvm.CreatorContext, vol *diskvm.Volume) (bool, error) {
	if vol.Annotations.Bitlocker == nil || vol.Annotations.Bitlocker.MountPoint == "" {
		return false, nil
	}
	if _, err := p.Runner.Run(ctx, "fusermount", "-u", vol.Annotations.Bitlocker.MountPoint); err != nil {
		return false, err
	}
	return true, nil
}

func (p *Plugin) hasSignature(devicePath string) (bool, error) {
	f, err := p.openDevice(devicePath)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if _, err := f.Seek(signatureOffset, io.SeekStart); err != nil {
		return false, err
	}
	buf := make([]byte, len(signature))
	if _, err := io.ReadFull(f, buf); err != nil {
		return false, nil
	}
	return string(buf) == string(signature), nil
}

// validateNTFSSignature checks the 0x55AA boot-sector signature at the end
// of the first 512 bytes and the "NTFS    " OEM ID, the cheap check the
// original plugin uses to catch dislocker silently producing garbage.
func (p *Plugin) validateNTFSSignature(path string) error {
	f, err := p.openDevice(path)
	if err != nil {
		return err
	}
	defer f.Close()

	sector := make([]byte, 512)
	if _, err := io.ReadFull(f, sector); err != nil {
		return fmt.Errorf("read boot sector: %w", err)
	}
	if string(sector[3:11]) != "NTFS    " {
		return fmt.Errorf("missing NTFS OEM identifier in boot sector")
	}
	if binary.LittleEndian.Uint16(sector[510:512]) != 0xAA55 {
		return fmt.Errorf("missing 0x55AA boot sector signature")
	}
	return nil
}

func defaultMountDir(devicePath string) string {
	return "/tmp/diskvm-bitlocker-" + sanitize(devicePath)
}

func sanitize(s string) string {
	out := make([]byte, 0, len(s))
	for _, c := range []byte(s) {
		if c == '/' {
			out = append(out, '-')
		} else {
			out = append(out, c)
		}
	}
	return string(out)
}

func indexOf(volumes []*diskvm.Volume, v *diskvm.Volume) int {
	for i, candidate := range volumes {
		if candidate == v {
			return i
		}
	}
	return -1
}
