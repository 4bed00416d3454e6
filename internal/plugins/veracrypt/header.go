// Package veracrypt decrypts and rewrites the VeraCrypt volume header so a
// converted VM can be booted with an operator-supplied key instead of the
// original passphrase. Ported from plugins/veracrypt.py.
package veracrypt

import (
	"crypto/aes"
	"crypto/sha512"
	"fmt"
	"hash/crc32"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/xts"

	"github.com/MWedl/diskvm/internal/binstruct"
)

const (
	// HeaderOffset is the byte offset (LBA 62 * 512) of the VeraCrypt
	// volume header on an unencrypted-system-partition style container.
	HeaderOffset = 62 * 512
	// HeaderSize is the total on-disk size of one VeraCrypt header,
	// including its 64-byte encrypted salt-adjacent region.
	HeaderSize = 512
	// EncryptedHeaderSize is the portion of HeaderSize that is AES-XTS
	// encrypted (the salt is stored in the clear ahead of it).
	EncryptedHeaderSize = 448
	saltSize            = 64
	pbkdf2Iterations    = 500000
	masterKeysRegionSize = 256
)

// decryptedHeader is the big-endian, fixed-layout structure inside the
// AES-256-XTS encrypted region of a VeraCrypt header, packed/unpacked via
// internal/binstruct exactly as structure.py's generic Structure class
// did for the Python implementation.
type decryptedHeader struct {
	Magic             [4]byte
	VersionHeader     uint16
	VersionRequired   uint16
	CRC32Keys         uint32
	Reserved1         [16]byte
	VolumeSizeLo      uint32
	VolumeSizeHi      uint32
	EncryptedAreaLo   uint32
	EncryptedAreaHi   uint32
	Flags             uint32
	SectorSize        uint32
	Reserved2         [136]byte
	CRC32Header       uint32
	Keys              [masterKeysRegionSize]byte
}

// Header is the decoded, in-memory representation of a VeraCrypt volume
// header after successful decryption.
type Header struct {
	Salt      [saltSize]byte
	Decrypted decryptedHeader
}

// DeriveHeaderKey runs PBKDF2-HMAC-SHA512 with 500000 iterations over the
// supplied passphrase and the header's salt, producing the 64-byte XTS key
// pair (primary || secondary) used to decrypt the header region.
func DeriveHeaderKey(passphrase []byte, salt [saltSize]byte) []byte {
	return pbkdf2.Key(passphrase, salt[:], pbkdf2Iterations, 64, sha512.New)
}

// Decrypt decrypts raw (a HeaderSize-byte buffer read from HeaderOffset)
// using an AES-256-XTS cipher keyed by the PBKDF2-derived key, validates
// both CRC-32 checksums, and unpacks the result into a Header.
func Decrypt(raw []byte, xtsKey []byte) (*Header, error) {
	if len(raw) != HeaderSize {
		return nil, fmt.Errorf("veracrypt header must be %d bytes, got %d", HeaderSize, len(raw))
	}

	var h Header
	copy(h.Salt[:], raw[:saltSize])

	cipher, err := xts.NewCipher(aes.NewCipher, xtsKey)
	if err != nil {
		return nil, fmt.Errorf("construct AES-XTS cipher: %w", err)
	}

	plain := make([]byte, EncryptedHeaderSize)
	// VeraCrypt uses a zero tweak for the header sector (sector index 0
	// relative to the start of the encrypted region), unlike the
	// data-area XTS tweak which is the absolute sector number.
	cipher.Decrypt(plain, raw[saltSize:saltSize+EncryptedHeaderSize], 0)

	if err := binstruct.BigEndian.Unpack(plain, &h.Decrypted); err != nil {
		return nil, fmt.Errorf("unpack decrypted header: %w", err)
	}

	if string(h.Decrypted.Magic[:]) != "VERA" {
		return nil, fmt.Errorf("incorrect key: decrypted header magic mismatch")
	}
	if err := h.verifyChecksums(plain); err != nil {
		return nil, err
	}

	return &h, nil
}

func (h *Header) verifyChecksums(plain []byte) error {
	keysOffset := len(plain) - masterKeysRegionSize - 4 /* CRC32Header trailing field excluded from keys region */
	keysRegion := plain[keysOffset : keysOffset+masterKeysRegionSize]
	if crc32.ChecksumIEEE(keysRegion) != h.Decrypted.CRC32Keys {
		return fmt.Errorf("master keys region CRC-32 mismatch")
	}
	if crc32.ChecksumIEEE(plain[:188]) != h.Decrypted.CRC32Header {
		return fmt.Errorf("header CRC-32 mismatch")
	}
	return nil
}

// Encrypt packs h back into its on-disk representation and re-encrypts it
// with the same XTS key, recomputing both CRC-32 checksums so the header
// remains internally consistent. Pack(Unpack(x)) == x is exercised
// directly in header_test.go.
func Encrypt(h *Header, xtsKey []byte) ([]byte, error) {
	plain, err := binstruct.BigEndian.Pack(h.Decrypted)
	if err != nil {
		return nil, fmt.Errorf("pack decrypted header: %w", err)
	}

	keysOffset := len(plain) - masterKeysRegionSize - 4
	h.Decrypted.CRC32Keys = crc32.ChecksumIEEE(plain[keysOffset : keysOffset+masterKeysRegionSize])
	h.Decrypted.CRC32Header = crc32.ChecksumIEEE(plain[:188])

	plain, err = binstruct.BigEndian.Pack(h.Decrypted)
	if err != nil {
		return nil, fmt.Errorf("re-pack decrypted header after checksum update: %w", err)
	}

	cipher, err := xts.NewCipher(aes.NewCipher, xtsKey)
	if err != nil {
		return nil, fmt.Errorf("construct AES-XTS cipher: %w", err)
	}
	cipherText := make([]byte, EncryptedHeaderSize)
	cipher.Encrypt(cipherText, plain, 0)

	out := make([]byte, HeaderSize)
	copy(out[:saltSize], h.Salt[:])
	copy(out[saltSize:], cipherText)
	return out, nil
}
