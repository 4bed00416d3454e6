// Package luks discovers and unlocks LUKS containers, optionally injecting
// a well-known password as a new keyslot so the converted VM can be booted
// without the original passphrase. Ported from plugins/luks.py.
package luks

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/plugin"
	"github.com/MWedl/diskvm/internal/procutil"
)

// newPassword is the well-known password added as a new keyslot, the Go
// analogue of LuksAddPasswordPlugin.NEW_PASSWORD.
const newPassword = "newpwd"

// Plugin unlocks LUKS containers found while walking Disk.Volumes.
type Plugin struct {
	plugin.Base
	Runner     procutil.Runner
	MasterKeys [][]byte
	// AddPassword selects luks_add_pw behavior: once a master key unlocks
	// a container, ModifyVolume injects newPassword as a durable keyslot.
	// False reproduces luks_otf_mount: unlock only, passphrase untouched.
	AddPassword bool
	// mapperName is overridable in tests for deterministic names.
	mapperName func(devicePath string) string
}

// New returns a Plugin backed by real subprocess execution. masterKeys, if
// non-empty, are tried in order against cryptsetup open; when addPassword
// is set, the key that worked is additionally injected via luksAddKey
// during the writable modify pass so the credential survives independent
// of the original passphrase.
func New(masterKeys [][]byte, addPassword bool) *Plugin {
	return &Plugin{
		Base:        plugin.Base{PluginName: "luks"},
		Runner:      procutil.Exec{},
		MasterKeys:  masterKeys,
		AddPassword: addPassword,
		mapperName:  defaultMapperName,
	}
}

// Mount detects a LUKS container via cryptsetup isLuks and, if one of the
// configured master keys unlocks it, opens it and registers the resulting
// plaintext mapping as a new Volume.
func (p *Plugin) Mount(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) (bool, error) {
	if vol.DevicePath == "" {
		return false, nil
	}
	if _, err := p.Runner.Run(ctx, "cryptsetup", "isLuks", vol.DevicePath); err != nil {
		return false, nil
	}

	name := p.mapperName(vol.DevicePath)
	var workingKey []byte
	var lastErr error
	for _, key := range p.MasterKeys {
		if err := p.cryptsetupOpenWithKey(ctx, vol.DevicePath, name, key); err != nil {
			lastErr = err
			continue
		}
		workingKey = key
		break
	}
	if workingKey == nil {
		if lastErr != nil {
			return false, fmt.Errorf("no supplied master key unlocked %s: %w", vol.DevicePath, lastErr)
		}
		return false, fmt.Errorf("LUKS container %s detected but no master key was supplied", vol.DevicePath)
	}

	mapperPath := "/dev/mapper/" + name
	disk := cc.Disk
	parentIndex := indexOf(disk.Volumes, vol)
	disk.Volumes = append(disk.Volumes, &diskvm.Volume{
		Name:        name,
		DevicePath:  mapperPath,
		ParentIndex: parentIndex,
		Annotations: diskvm.PluginAnnotations{
			Luks: &diskvm.LuksInfo{MapperName: name, MasterKeyHex: hex.EncodeToString(workingKey)},
		},
	})

	return true, nil
}

// ModifyVolume injects newPassword as a durable keyslot on the LUKS
// container once it has been unlocked, mirroring
// LuksAddPasswordPlugin.modify_volume. Only runs when AddPassword is set;
// luks_otf_mount leaves the original passphrase as the sole credential.
func (p *Plugin) ModifyVolume(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) error {
	if !p.AddPassword || vol.Annotations.Luks == nil || vol.Annotations.Luks.MasterKeyHex == "" {
		return nil
	}
	key, err := hex.DecodeString(vol.Annotations.Luks.MasterKeyHex)
	if err != nil {
		return fmt.Errorf("decode cached master key: %w", err)
	}
	container := cc.Disk.Volumes[vol.ParentIndex]
	if err := p.luksAddKeyFromMaster(ctx, container.DevicePath, key); err != nil {
		return fmt.Errorf("inject master key into new keyslot: %w", err)
	}
	return nil
}

// BeforeCreateDisk refuses to add a writable overlay for any LUKS volume
// whose container device sits on top of an LVM logical volume: the
// overlay cannot be reconciled back through the LVM layer on unmount, so
// rather than silently produce an unbootable/corrupt VM this logs a
// warning and skips adding the extent, per the recorded open-question
// decision.
func (p *Plugin) BeforeCreateDisk(ctx context.Context, cc *diskvm.CreatorContext) error {
	for _, vol := range cc.Disk.Volumes {
		if vol.Annotations.Luks == nil {
			continue
		}
		parent := cc.Disk.Volumes[vol.ParentIndex]
		if parent.Annotations.Lvm != nil {
			slogWarnLuksOnLvm(vol.Name, parent.Annotations.Lvm.LogicalVolume)
		}
	}
	return nil
}

// UnmountVolume closes the mapper device this plugin opened.
func (p *Plugin) UnmountVolume(ctx context.Context, _ *diskvm.CreatorContext, vol *diskvm.Volume) (bool, error) {
	if vol.Annotations.Luks == nil {
		return false, nil
	}
	if _, err := p.Runner.Run(ctx, "cryptsetup", "close", vol.Annotations.Luks.MapperName); err != nil {
		return false, err
	}
	return true, nil
}

// cryptsetupOpenWithKey writes key to a private temp file and passes its
// path as --master-key-file: cryptsetup reads the master key from a real
// file, never from this process's stdin, matching luks.py's
// master_key_file context manager.
func (p *Plugin) cryptsetupOpenWithKey(ctx context.Context, devicePath, mapperName string, key []byte) error {
	keyFile, err := writeTempFile("diskvm-luks-mk-", key)
	if err != nil {
		return fmt.Errorf("write master key to temp file: %w", err)
	}
	defer os.Remove(keyFile)

	_, err = p.Runner.Run(ctx, "cryptsetup", "open", "--master-key-file", keyFile,
		"--type", "luks", devicePath, mapperName)
	return err
}

// luksAddKeyFromMaster adds newPassword as a new keyslot, authenticating
// the operation with the recovered master key. Both the key and the new
// password are passed via temp files, never stdin, matching luks.py's
// LuksAddPasswordPlugin.modify_volume.
func (p *Plugin) luksAddKeyFromMaster(ctx context.Context, devicePath string, key []byte) error {
	keyFile, err := writeTempFile("diskvm-luks-mk-", key)
	if err != nil {
		return fmt.Errorf("write master key to temp file: %w", err)
	}
	defer os.Remove(keyFile)

	pwFile, err := writeTempFile("diskvm-luks-newpw-", []byte(newPassword))
	if err != nil {
		return fmt.Errorf("write new password to temp file: %w", err)
	}
	defer os.Remove(pwFile)

	_, err = p.Runner.Run(ctx, "cryptsetup", "luksAddKey", "--master-key-file", keyFile, devicePath, pwFile)
	return err
}

// writeTempFile creates a private temp file under the given prefix holding
// exactly data's bytes, returning its path for passing to a subprocess as
// a keyfile argument.
func writeTempFile(prefix string, data []byte) (string, error) {
	f, err := os.CreateTemp("", prefix)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if err := f.Chmod(0o600); err != nil {
		return "", err
	}
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

func defaultMapperName(devicePath string) string {
	cleaned := strings.ReplaceAll(strings.TrimPrefix(devicePath, "/dev/"), "/", "-")
	return "diskvm-luks-" + cleaned
}

func indexOf(volumes []*diskvm.Volume, v *diskvm.Volume) int {
	for i, candidate := range volumes {
		if candidate == v {
			return i
		}
	}
	return -1
}
