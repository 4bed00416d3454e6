package passwordbypass

import (
	"bytes"
	"crypto/md5"
	"crypto/rc4"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildSAMHive assembles a synthetic SAM hive containing exactly
// SAM\Domains\Account\F and SAM\Domains\Account\Users\<rid>\V, with F
// holding a real revision-2 (RC4) hashed-boot-key blob decryptable with
// bootKey, and V holding a legacy (revision 1) 20-byte NT hash blob.
func buildSAMHive(t *testing.T, bootKey []byte, hashedBootKey []byte, ridHex string, originalHash []byte) []byte {
	t.Helper()
	b := &hiveBuilder{}

	// F value: revision 2, salt at 0x70:0x80, RC4(hashedBootKey || zeros) at 0x80:0xA0.
	salt := bytes.Repeat([]byte{0x13}, 16)
	h := md5.New()
	h.Write(salt)
	h.Write(aqwerty)
	h.Write(bootKey)
	h.Write(anum)
	rc4Key := h.Sum(nil)
	plaintext := append(append([]byte{}, hashedBootKey...), bytes.Repeat([]byte{0}, 16)...)
	c, err := rc4.NewCipher(rc4Key)
	if err != nil {
		t.Fatalf("rc4.NewCipher: %v", err)
	}
	ciphertext := make([]byte, len(plaintext))
	c.XORKeyStream(ciphertext, plaintext)

	fData := make([]byte, 0xA0)
	binary.LittleEndian.PutUint32(fData[0x00:0x04], 2)
	copy(fData[0x70:0x80], salt)
	copy(fData[0x80:0xA0], ciphertext)

	// V value: legacy 20-byte blob, NTHashOffset=0, NTHashLength=20.
	vData := make([]byte, vValueHeaderSize+20)
	binary.LittleEndian.PutUint32(vData[vNTHashOffsetField:vNTHashOffsetField+4], 0)
	binary.LittleEndian.PutUint32(vData[vNTHashLengthField:vNTHashLengthField+4], 20)
	blob := vData[vValueHeaderSize:]
	blob[2] = 0x01 // revision low byte marks the legacy RC4 format
	copy(blob[4:20], originalHash)

	fDataOff := b.writeCell(fData)
	fVkOff := b.writeCell(vkContent("F", uint32(len(fData)), fDataOff))
	accountValueListOff := b.writeCell(valueListContent(fVkOff))

	vDataOff := b.writeCell(vData)
	vVkOff := b.writeCell(vkContent("V", uint32(len(vData)), vDataOff))
	ridValueListOff := b.writeCell(valueListContent(vVkOff))
	ridKeyOff := b.writeCell(nkContent(0, 1, 0, ridValueListOff, 0, 0, ridHex))
	usersLfOff := b.writeCell(lfContent(ridKeyOff))
	usersKeyOff := b.writeCell(nkContent(1, 0, usersLfOff, 0, 0, 0, "Users"))

	accountLfOff := b.writeCell(lfContent(usersKeyOff))
	accountKeyOff := b.writeCell(nkContent(1, 1, accountLfOff, accountValueListOff, 0, 0, "Account"))
	domainsLfOff := b.writeCell(lfContent(accountKeyOff))
	domainsKeyOff := b.writeCell(nkContent(1, 0, domainsLfOff, 0, 0, 0, "Domains"))
	samLfOff := b.writeCell(lfContent(domainsKeyOff))
	samKeyOff := b.writeCell(nkContent(1, 0, samLfOff, 0, 0, 0, "SAM"))
	rootLfOff := b.writeCell(lfContent(samKeyOff))
	rootOff := b.writeCell(nkContent(1, 0, rootLfOff, 0, 0, 0, ""))

	return b.build(rootOff)
}

func TestRewriteSAMHashes_ReplacesEveryAccountsNTHash(t *testing.T) {
	bootKey := bytes.Repeat([]byte{0x07}, 16)
	hashedBootKey := bytes.Repeat([]byte{0x55}, 16)
	originalHash := bytes.Repeat([]byte{0xAA}, 16)
	const ridHex = "000003e8" // RID 1000

	hiveBytes := buildSAMHive(t, bootKey, hashedBootKey, ridHex, originalHash)

	dir := t.TempDir()
	samPath := filepath.Join(dir, "SAM")
	if err := os.WriteFile(samPath, hiveBytes, 0o600); err != nil {
		t.Fatalf("write SAM fixture: %v", err)
	}

	if err := rewriteSAMHashes(samPath, bootKey); err != nil {
		t.Fatalf("rewriteSAMHashes failed: %v", err)
	}

	rewritten, err := os.ReadFile(samPath)
	if err != nil {
		t.Fatalf("read rewritten SAM: %v", err)
	}

	h, err := openHive(rewritten)
	if err != nil {
		t.Fatalf("openHive on rewritten SAM: %v", err)
	}
	usersKey, err := h.openPath("SAM", "Domains", "Account", "Users")
	if err != nil {
		t.Fatalf("openPath: %v", err)
	}
	ridKey, err := usersKey.child(ridHex)
	if err != nil {
		t.Fatalf("child lookup: %v", err)
	}
	v, err := ridKey.value("V")
	if err != nil {
		t.Fatalf("value lookup: %v", err)
	}

	newBlobHash := v.data[vValueHeaderSize+4 : vValueHeaderSize+20]
	if bytes.Equal(newBlobHash, originalHash) {
		t.Fatal("expected the NT hash blob to change, found it unchanged (no-op rewrite)")
	}

	want, err := encryptNTHashForAccount(computeNTHash(newPassword), 1000, hashedBootKey, false, nil)
	if err != nil {
		t.Fatalf("encryptNTHashForAccount: %v", err)
	}
	if !bytes.Equal(newBlobHash, want) {
		t.Fatalf("rewritten hash blob %x does not match expected encrypted newpwd hash %x", newBlobHash, want)
	}
}
