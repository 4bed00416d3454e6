package passwordbypass

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"fmt"
)

// The classic SAM/LSA obfuscation constants, unchanged since Windows 2000
// and reproduced by every public SAM-dumping tool (creddump, samdump2,
// impacket's secretsdump, which the original plugin drives directly).
var (
	aqwerty     = []byte("!@#$%^&*()qwertyUIOPAzxcvbnmQQQQQQQQQQQQ)(*@&%\x00")
	anum        = []byte("0123456789012345678901234567890123456789\x00")
	antPassword = []byte("NTPASSWORD\x00")
)

// oddParity expands a 7-byte DES key fragment into 8 bytes with correct odd
// parity, the standard "key schedule" step every RID-to-DES-key derivation
// performs before use.
func oddParity(b byte) byte {
	parity := byte(0)
	v := b
	for i := 0; i < 7; i++ {
		parity ^= (v >> uint(i)) & 1
	}
	if parity == 0 {
		return b | 1
	}
	return b &^ 1
}

// sevenBytesToDESKey expands 7 raw bytes into a DES-sized 8-byte key using
// the standard bit-shuffle (each output byte borrows its low bit from the
// next input byte's high bits) plus odd-parity correction.
func sevenBytesToDESKey(b []byte) []byte {
	key := make([]byte, 8)
	key[0] = b[0] >> 1
	key[1] = ((b[0] << 6) | (b[1] >> 2)) & 0xFF
	key[2] = ((b[1] << 5) | (b[2] >> 3)) & 0xFF
	key[3] = ((b[2] << 4) | (b[3] >> 4)) & 0xFF
	key[4] = ((b[3] << 3) | (b[4] >> 5)) & 0xFF
	key[5] = ((b[4] << 2) | (b[5] >> 6)) & 0xFF
	key[6] = ((b[5] << 1) | (b[6] >> 7)) & 0xFF
	key[7] = b[6] & 0x7F
	for i := range key {
		key[i] = oddParity(key[i] << 1)
	}
	return key
}

// ridToDESKeys derives the two 8-byte DES keys used to obfuscate a SAM
// account's LM/NT hash with its own RID, per the documented
// sidToKey/STR_TO_KEY algorithm impacket's crypto_common.deriveKey wraps.
func ridToDESKeys(rid uint32) (key1, key2 []byte) {
	s := make([]byte, 4)
	binary.LittleEndian.PutUint32(s, rid)
	b := []byte{s[0], s[1], s[2], s[3], s[0], s[1], s[2]}
	key1 = sevenBytesToDESKey(b)
	b2 := []byte{s[3], s[0], s[1], s[2], s[3], s[0], s[1]}
	key2 = sevenBytesToDESKey(b2)
	return key1, key2
}

// desECBEncryptBlock encrypts exactly one 8-byte block with a single DES
// key in ECB mode, the primitive the RID-keyed hash obfuscation is built
// from.
func desECBEncryptBlock(key, block []byte) ([]byte, error) {
	b, err := des.NewCipher(key)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 8)
	b.Encrypt(out, block)
	return out, nil
}

// obfuscateHashWithRID applies the classic two-block DES-ECB obfuscation a
// SAM hash receives before being encrypted again with the hashed boot key,
// mirroring WindowsRegistryOverridePasswordPlugin.encrypt_nt_hash's first
// step (DES.new(key1/key2).encrypt(nt_hash[:8]/[8:])).
func obfuscateHashWithRID(hash []byte, rid uint32) ([]byte, error) {
	if len(hash) != 16 {
		return nil, fmt.Errorf("expected 16-byte hash, got %d", len(hash))
	}
	key1, key2 := ridToDESKeys(rid)
	first, err := desECBEncryptBlock(key1, hash[:8])
	if err != nil {
		return nil, err
	}
	second, err := desECBEncryptBlock(key2, hash[8:])
	if err != nil {
		return nil, err
	}
	return append(first, second...), nil
}

// decryptHashedBootKey recovers the SAM "hashed boot key" (the PEK
// encryption key) from the SAM\Domains\Account\F value's revision-2
// layout: an RC4 keystream derived from the real boot key plus a salt
// embedded in F. Revision-3 (AES, Windows 10 1607+) hives are not
// supported; see DESIGN.md.
func decryptHashedBootKey(fValue []byte, bootKey []byte) ([]byte, error) {
	if len(fValue) < 0xA0 {
		return nil, fmt.Errorf("SAM F value too short (%d bytes)", len(fValue))
	}
	revision := binary.LittleEndian.Uint32(fValue[0x00:0x04])
	if revision != 2 {
		return nil, fmt.Errorf("unsupported SAM F value revision %d (only the RC4 revision-2 layout is implemented)", revision)
	}

	salt := fValue[0x70:0x80]
	h := md5.New()
	h.Write(salt)
	h.Write(aqwerty)
	h.Write(bootKey)
	h.Write(anum)
	rc4Key := h.Sum(nil)

	c, err := rc4.NewCipher(rc4Key)
	if err != nil {
		return nil, fmt.Errorf("construct RC4 cipher: %w", err)
	}
	out := make([]byte, 32)
	c.XORKeyStream(out, fValue[0x80:0xA0])
	return out[:16], nil
}

// encryptNTHashForAccount reproduces
// WindowsRegistryOverridePasswordPlugin.encrypt_nt_hash: obfuscate the new
// NT hash with the account's RID via DES, then re-encrypt that blob with
// the hashed boot key using whichever scheme (legacy RC4 or modern AES)
// the existing V-value hash blob used.
func encryptNTHashForAccount(newHash []byte, rid uint32, hashedBootKey []byte, useAES bool, aesSalt []byte) ([]byte, error) {
	obfuscated, err := obfuscateHashWithRID(newHash, rid)
	if err != nil {
		return nil, err
	}
	if useAES {
		block, err := aes.NewCipher(hashedBootKey[:16])
		if err != nil {
			return nil, fmt.Errorf("construct AES cipher: %w", err)
		}
		padded := pkcs7Pad(obfuscated, block.BlockSize())
		out := make([]byte, len(padded))
		mode := cipher.NewCBCEncrypter(block, aesSalt[:block.BlockSize()])
		mode.CryptBlocks(out, padded)
		return out, nil
	}

	rc4Key := md5Sum(hashedBootKey[:16], s32le(rid), antPassword)
	c, err := rc4.NewCipher(rc4Key)
	if err != nil {
		return nil, fmt.Errorf("construct RC4 cipher: %w", err)
	}
	out := make([]byte, len(obfuscated))
	c.XORKeyStream(out, obfuscated)
	return out, nil
}

func s32le(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func md5Sum(parts ...[]byte) []byte {
	h := md5.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}
