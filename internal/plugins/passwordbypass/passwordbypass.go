// Package passwordbypass resets or clears login credentials on a mounted
// guest filesystem: Windows SAM/SYSTEM registry NT-hash rewriting, and
// /etc/shadow password-hash blanking. Ported from plugins/password_bypass.py.
package passwordbypass

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"golang.org/x/crypto/md4"

	"github.com/MWedl/diskvm/internal/diskvm"
	"github.com/MWedl/diskvm/internal/plugin"
)

// newPassword is the well-known password every bypassed Windows account's
// NT hash is rewritten to, matching
// WindowsRegistryOverridePasswordPlugin.NEW_PASSWORD.
const newPassword = "newpwd"

// WindowsRegistryPlugin rewrites every local account's NT hash in a
// mounted Windows SAM hive to newPassword's NT hash, supporting both the
// legacy RC4-ECB obfuscation scheme and the modern AES-CBC-PKCS7 scheme
// depending on the V-value hash blob's revision byte.
type WindowsRegistryPlugin struct {
	plugin.Base
}

// New returns a WindowsRegistryPlugin.
func New() *WindowsRegistryPlugin {
	return &WindowsRegistryPlugin{Base: plugin.Base{PluginName: "windows-password-bypass"}}
}

// ModifyFilesystem looks for a Windows SAM hive under the mounted root
// and, if present, rewrites every user's NT hash to newPassword's value
// using the boot key derived from the SYSTEM hive. This only ever runs
// against the writable virtual-disk copy (the read-only source mount is
// never handed to ModifyFilesystem), preserving the source image's hash.
func (p *WindowsRegistryPlugin) ModifyFilesystem(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) error {
	samPath := filepath.Join(vol.MountPoint, "Windows", "System32", "config", "SAM")
	systemPath := filepath.Join(vol.MountPoint, "Windows", "System32", "config", "SYSTEM")

	if _, err := os.Stat(samPath); err != nil {
		return nil
	}

	bootKey, err := deriveBootKey(systemPath)
	if err != nil {
		return fmt.Errorf("derive boot key from SYSTEM hive: %w", err)
	}

	return rewriteSAMHashes(samPath, bootKey)
}

// deriveBootKey reconstructs the 16-byte SYSKEY from the four obfuscated
// class-name fragments stored in the SYSTEM hive's CurrentControlSet
// Control\Lsa subkeys (JD/Skew1/GBG/Data), permuted by the fixed
// permutation table Microsoft has used since Windows 2000.
func deriveBootKey(systemPath string) ([]byte, error) {
	raw, err := os.ReadFile(systemPath)
	if err != nil {
		return nil, err
	}
	h, err := openHive(raw)
	if err != nil {
		return nil, fmt.Errorf("parse SYSTEM hive: %w", err)
	}

	// Offline analysis conventionally assumes ControlSet001, the default
	// active control set on a freshly installed Windows system; resolving
	// SYSTEM\Select\Current properly is left as a known simplification
	// (see DESIGN.md).
	lsa, err := h.openPath("ControlSet001", "Control", "Lsa")
	if err != nil {
		return nil, err
	}

	var fragments []byte
	for _, name := range []string{"JD", "Skew1", "GBG", "Data"} {
		sub, err := lsa.child(name)
		if err != nil {
			return nil, fmt.Errorf("open Lsa\\%s: %w", name, err)
		}
		classBytes, err := sub.className()
		if err != nil {
			return nil, fmt.Errorf("read Lsa\\%s class name: %w", name, err)
		}
		hexDigits := decodeUTF16LE(classBytes)
		frag, err := hexDecode(hexDigits)
		if err != nil {
			return nil, fmt.Errorf("decode Lsa\\%s class name %q: %w", name, hexDigits, err)
		}
		fragments = append(fragments, frag...)
	}

	return permuteBootKey(fragments), nil
}

var bootKeyPermutation = [16]int{8, 5, 4, 2, 11, 9, 13, 3, 0, 6, 1, 12, 14, 10, 15, 7}

func permuteBootKey(fragments []byte) []byte {
	key := make([]byte, 16)
	for i, srcIndex := range bootKeyPermutation {
		if srcIndex < len(fragments) {
			key[i] = fragments[srcIndex]
		}
	}
	return key
}

func hexDecode(s string) ([]byte, error) {
	if len(s) != 8 {
		return nil, fmt.Errorf("expected 8 hex characters, got %d", len(s))
	}
	out := make([]byte, 4)
	for i := 0; i < 4; i++ {
		v, err := strconv.ParseUint(s[i*2:i*2+2], 16, 8)
		if err != nil {
			return nil, err
		}
		out[i] = byte(v)
	}
	return out, nil
}

// computeNTHash returns the MD4 hash of password encoded as UTF-16LE, the
// definition of the Windows NT hash (impacket's compute_nthash).
func computeNTHash(password string) []byte {
	utf16le := make([]byte, 0, len(password)*2)
	for _, r := range password {
		utf16le = append(utf16le, byte(r), byte(r>>8))
	}
	h := md4.New()
	h.Write(utf16le)
	return h.Sum(nil)
}

// rewriteSAMHashes walks SAM\Domains\Account\Users, and for every account
// with a V-value NT hash, recomputes and writes back the encrypted NT hash
// of newPassword in place, matching
// WindowsRegistryOverridePasswordPlugin.modify_filesystem's direct
// in-buffer patch of the registry file.
func rewriteSAMHashes(samPath string, bootKey []byte) error {
	data, err := os.ReadFile(samPath)
	if err != nil {
		return err
	}

	h, err := openHive(data)
	if err != nil {
		return fmt.Errorf("parse SAM hive: %w", err)
	}

	fKey, err := h.openPath("SAM", "Domains", "Account")
	if err != nil {
		return fmt.Errorf("open SAM\\Domains\\Account: %w", err)
	}
	fValue, err := fKey.value("F")
	if err != nil {
		return fmt.Errorf("read SAM\\Domains\\Account\\F: %w", err)
	}
	hashedBootKey, err := decryptHashedBootKey(fValue.data, bootKey)
	if err != nil {
		return fmt.Errorf("derive hashed boot key: %w", err)
	}

	usersKey, err := h.openPath("SAM", "Domains", "Account", "Users")
	if err != nil {
		return fmt.Errorf("open SAM\\Domains\\Account\\Users: %w", err)
	}
	users, err := usersKey.subkeys()
	if err != nil {
		return fmt.Errorf("list Users subkeys: %w", err)
	}

	newHash := computeNTHash(newPassword)
	changed := false
	for _, user := range users {
		if equalFoldASCII(user.name(), "Names") {
			continue
		}
		rid, err := strconv.ParseUint(user.name(), 16, 32)
		if err != nil {
			continue
		}

		v, err := user.value("V")
		if err != nil {
			slog.Warn("account V-value missing, skipping", "rid", user.name())
			continue
		}
		if err := rewriteAccountHash(v, uint32(rid), hashedBootKey, newHash); err != nil {
			slog.Warn("failed to rewrite NT hash for account", "rid", user.name(), "error", err)
			continue
		}
		changed = true
	}

	if !changed {
		return nil
	}
	if err := os.WriteFile(samPath, h.buf, 0o600); err != nil {
		slog.Warn("password bypass failed: could not write SAM file", "path", samPath, "error", err)
		return nil
	}
	return nil
}

// v-value fixed header size: NTHashOffset/NTHashLength (like every other
// offset/length pair in the structure) are relative to this point.
const vValueHeaderSize = 0xCC

const (
	vNTHashOffsetField = 168
	vNTHashLengthField = 172
)

// rewriteAccountHash locates the NT hash blob inside a V-value and
// overwrites it in place with the encrypted form of newHash, choosing the
// legacy RC4 or modern AES scheme by inspecting the existing blob's
// revision byte, matching set_new_password/encrypt_nt_hash.
func rewriteAccountHash(v *valueRef, rid uint32, hashedBootKey, newHash []byte) error {
	if len(v.data) < vValueHeaderSize+8 {
		return fmt.Errorf("V value too short")
	}
	ntOff := int(leUint32(v.data[vNTHashOffsetField:vNTHashOffsetField+4])) + vValueHeaderSize
	ntLen := int(leUint32(v.data[vNTHashLengthField : vNTHashLengthField+4]))
	if ntLen == 0 {
		return nil
	}
	if ntOff+ntLen > len(v.data) {
		return fmt.Errorf("NT hash blob runs past end of V value")
	}
	blob := v.data[ntOff : ntOff+ntLen]

	var encrypted []byte
	var err error
	switch {
	case ntLen == 20 && blob[2] == 0x01:
		encrypted, err = encryptNTHashForAccount(newHash, rid, hashedBootKey, false, nil)
		if err != nil {
			return err
		}
		if len(encrypted) != 16 {
			return fmt.Errorf("unexpected legacy hash length %d", len(encrypted))
		}
		copy(blob[4:], encrypted)
		return nil
	case ntLen == 56:
		salt := blob[4:20]
		encrypted, err = encryptNTHashForAccount(newHash, rid, hashedBootKey, true, salt)
		if err != nil {
			return err
		}
		if len(encrypted) != 32 {
			return fmt.Errorf("unexpected AES hash length %d", len(encrypted))
		}
		copy(blob[20:], encrypted)
		return nil
	default:
		return fmt.Errorf("unrecognized NT hash blob format (len=%d)", ntLen)
	}
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

// EtcShadowBlankPasswords resets every non-system account's password hash
// in a mounted Linux filesystem's /etc/shadow to a SHA-256 crypt hash of
// newPassword, the direct analogue of the original's shadow-file rewrite.
type EtcShadowBlankPasswords struct {
	plugin.Base
}

// NewEtcShadow returns an EtcShadowBlankPasswords plugin.
func NewEtcShadow() *EtcShadowBlankPasswords {
	return &EtcShadowBlankPasswords{Base: plugin.Base{PluginName: "etc-shadow-password-bypass"}}
}

var shadowLinePattern = regexp.MustCompile(`^([^:]+):([^:]*):(.*)$`)

// ModifyFilesystem rewrites every shadow line's password field to a
// SHA-256 crypt hash of newPassword, skipping system/service accounts
// whose hash field already denotes "locked" (leading '!' or '*'). Runs in
// the writable modify pass, never against the read-only source mount.
func (p *EtcShadowBlankPasswords) ModifyFilesystem(ctx context.Context, cc *diskvm.CreatorContext, vol *diskvm.Volume) error {
	shadowPath := filepath.Join(vol.MountPoint, "etc", "shadow")
	data, err := os.ReadFile(shadowPath)
	if err != nil {
		return nil
	}

	rewritten, changed, err := ResetShadowHashes(data)
	if err != nil {
		return fmt.Errorf("reset /etc/shadow hashes: %w", err)
	}
	if !changed {
		return nil
	}
	return os.WriteFile(shadowPath, rewritten, 0o640)
}
