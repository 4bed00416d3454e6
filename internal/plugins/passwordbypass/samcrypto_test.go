package passwordbypass

import (
	"bytes"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"testing"
)

func TestRidToDESKeys_ProducesTwoEightByteKeys(t *testing.T) {
	k1, k2 := ridToDESKeys(1000)
	if len(k1) != 8 || len(k2) != 8 {
		t.Fatalf("expected two 8-byte keys, got %d and %d", len(k1), len(k2))
	}
	k1b, k2b := ridToDESKeys(1001)
	if bytes.Equal(k1, k1b) && bytes.Equal(k2, k2b) {
		t.Fatal("expected different RIDs to derive different key material")
	}
}

func TestObfuscateHashWithRID_RejectsWrongLength(t *testing.T) {
	if _, err := obfuscateHashWithRID([]byte("tooshort"), 1000); err == nil {
		t.Fatal("expected error for non-16-byte hash")
	}
}

func TestObfuscateHashWithRID_ProducesSixteenBytes(t *testing.T) {
	hash := bytes.Repeat([]byte{0xAB}, 16)
	out, err := obfuscateHashWithRID(hash, 500)
	if err != nil {
		t.Fatalf("obfuscateHashWithRID failed: %v", err)
	}
	if len(out) != 16 {
		t.Fatalf("expected 16-byte output, got %d", len(out))
	}
	if bytes.Equal(out, hash) {
		t.Fatal("expected obfuscation to change the bytes")
	}
}

func TestDecryptHashedBootKey_RejectsUnsupportedRevision(t *testing.T) {
	fValue := make([]byte, 0xA0)
	binary.LittleEndian.PutUint32(fValue[0x00:0x04], 3)
	if _, err := decryptHashedBootKey(fValue, make([]byte, 16)); err == nil {
		t.Fatal("expected error for unsupported revision 3 (AES) F value")
	}
}

// TestDecryptHashedBootKey_RecoversKnownPlaintext builds a synthetic
// revision-2 F value by running the real RC4 derivation forward, then
// checks decryptHashedBootKey recovers the original 16-byte hashed boot
// key it started from.
func TestDecryptHashedBootKey_RecoversKnownPlaintext(t *testing.T) {
	bootKey := bytes.Repeat([]byte{0x07}, 16)
	salt := bytes.Repeat([]byte{0x09}, 16)
	wantHashedBootKey := bytes.Repeat([]byte{0x55}, 16)

	h := md5.New()
	h.Write(salt)
	h.Write(aqwerty)
	h.Write(bootKey)
	h.Write(anum)
	rc4Key := h.Sum(nil)

	plaintext := append(append([]byte{}, wantHashedBootKey...), bytes.Repeat([]byte{0}, 16)...)
	c, err := rc4.NewCipher(rc4Key)
	if err != nil {
		t.Fatalf("rc4.NewCipher failed: %v", err)
	}
	ciphertext := make([]byte, len(plaintext))
	c.XORKeyStream(ciphertext, plaintext)

	fValue := make([]byte, 0xA0)
	binary.LittleEndian.PutUint32(fValue[0x00:0x04], 2)
	copy(fValue[0x70:0x80], salt)
	copy(fValue[0x80:0xA0], ciphertext)

	got, err := decryptHashedBootKey(fValue, bootKey)
	if err != nil {
		t.Fatalf("decryptHashedBootKey failed: %v", err)
	}
	if !bytes.Equal(got, wantHashedBootKey) {
		t.Fatalf("got %x, want %x", got, wantHashedBootKey)
	}
}
