package passwordbypass

import (
	"bytes"
	"testing"
)

func TestComputeNTHash_IsDeterministicSixteenBytes(t *testing.T) {
	h1 := computeNTHash(newPassword)
	h2 := computeNTHash(newPassword)
	if len(h1) != 16 {
		t.Fatalf("expected 16-byte NT hash, got %d", len(h1))
	}
	if !bytes.Equal(h1, h2) {
		t.Fatal("computeNTHash is not deterministic")
	}
	if other := computeNTHash("different"); bytes.Equal(other, h1) {
		t.Fatal("different passwords produced the same NT hash")
	}
}

func TestEncryptNTHashForAccount_LegacyRC4ProducesSixteenBytes(t *testing.T) {
	hash := computeNTHash(newPassword)
	hashedBootKey := bytes.Repeat([]byte{0x42}, 16)
	out, err := encryptNTHashForAccount(hash, 1000, hashedBootKey, false, nil)
	if err != nil {
		t.Fatalf("encryptNTHashForAccount failed: %v", err)
	}
	if len(out) != 16 {
		t.Fatalf("expected 16-byte legacy output, got %d", len(out))
	}
}

func TestEncryptNTHashForAccount_AESProducesPaddedBlock(t *testing.T) {
	hash := computeNTHash(newPassword)
	hashedBootKey := bytes.Repeat([]byte{0x24}, 16)
	salt := bytes.Repeat([]byte{0x01}, 16)
	out, err := encryptNTHashForAccount(hash, 1000, hashedBootKey, true, salt)
	if err != nil {
		t.Fatalf("encryptNTHashForAccount failed: %v", err)
	}
	if len(out)%16 != 0 || len(out) <= 16 {
		t.Fatalf("expected a padded block longer than the 16-byte input, got %d bytes", len(out))
	}
}

func TestEncryptNTHashForAccount_DifferentRIDsProduceDifferentCiphertext(t *testing.T) {
	hash := computeNTHash(newPassword)
	hashedBootKey := bytes.Repeat([]byte{0x11}, 16)
	a, err := encryptNTHashForAccount(hash, 1000, hashedBootKey, false, nil)
	if err != nil {
		t.Fatalf("encryptNTHashForAccount failed: %v", err)
	}
	b, err := encryptNTHashForAccount(hash, 1001, hashedBootKey, false, nil)
	if err != nil {
		t.Fatalf("encryptNTHashForAccount failed: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatal("expected different RIDs to obfuscate to different ciphertext")
	}
}

func TestPermuteBootKey_UsesFullTable(t *testing.T) {
	fragments := make([]byte, 16)
	for i := range fragments {
		fragments[i] = byte(i)
	}
	key := permuteBootKey(fragments)
	if len(key) != 16 {
		t.Fatalf("expected 16-byte boot key, got %d", len(key))
	}
	if key[0] != fragments[8] {
		t.Fatalf("expected key[0] to be fragments[8], got %d", key[0])
	}
}

func TestHexDecode_RoundTripsFourBytes(t *testing.T) {
	out, err := hexDecode("deadbeef")
	if err != nil {
		t.Fatalf("hexDecode failed: %v", err)
	}
	want := []byte{0xde, 0xad, 0xbe, 0xef}
	if !bytes.Equal(out, want) {
		t.Fatalf("got %x, want %x", out, want)
	}
}

func TestHexDecode_RejectsWrongLength(t *testing.T) {
	if _, err := hexDecode("dead"); err == nil {
		t.Fatal("expected error for short input")
	}
}
