package passwordbypass

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func utf16leHex(s string) []byte {
	var out []byte
	for _, r := range s {
		out = append(out, byte(r), 0)
	}
	return out
}

// buildSystemHive assembles root -> ControlSet001 -> Control -> Lsa ->
// {JD,Skew1,GBG,Data}, each carrying its boot-key fragment as an 8-hex-
// digit UTF-16LE "class name", matching how Windows stores it.
func buildSystemHive(t *testing.T, fragmentHex map[string]string) []byte {
	t.Helper()
	b := &hiveBuilder{}

	var lsaChildOffsets []int32
	for _, name := range []string{"JD", "Skew1", "GBG", "Data"} {
		classBytes := utf16leHex(fragmentHex[name])
		classOff := b.writeCell(classBytes)
		childOff := b.writeCell(nkContent(0, 0, 0, 0, classOff, uint16(len(classBytes)), name))
		lsaChildOffsets = append(lsaChildOffsets, childOff)
	}
	lsaLfOff := b.writeCell(lfContent(lsaChildOffsets...))
	lsaKeyOff := b.writeCell(nkContent(4, 0, lsaLfOff, 0, 0, 0, "Lsa"))

	controlLfOff := b.writeCell(lfContent(lsaKeyOff))
	controlKeyOff := b.writeCell(nkContent(1, 0, controlLfOff, 0, 0, 0, "Control"))

	csLfOff := b.writeCell(lfContent(controlKeyOff))
	csKeyOff := b.writeCell(nkContent(1, 0, csLfOff, 0, 0, 0, "ControlSet001"))

	rootLfOff := b.writeCell(lfContent(csKeyOff))
	rootOff := b.writeCell(nkContent(1, 0, rootLfOff, 0, 0, 0, ""))

	return b.build(rootOff)
}

func TestDeriveBootKey_ReconstructsPermutedFragments(t *testing.T) {
	fragmentHex := map[string]string{
		"JD":    "01020304",
		"Skew1": "05060708",
		"GBG":   "090a0b0c",
		"Data":  "0d0e0f10",
	}
	hiveBytes := buildSystemHive(t, fragmentHex)

	dir := t.TempDir()
	systemPath := filepath.Join(dir, "SYSTEM")
	if err := os.WriteFile(systemPath, hiveBytes, 0o600); err != nil {
		t.Fatalf("write SYSTEM fixture: %v", err)
	}

	got, err := deriveBootKey(systemPath)
	if err != nil {
		t.Fatalf("deriveBootKey failed: %v", err)
	}

	want := permuteBootKey([]byte{
		0x01, 0x02, 0x03, 0x04,
		0x05, 0x06, 0x07, 0x08,
		0x09, 0x0a, 0x0b, 0x0c,
		0x0d, 0x0e, 0x0f, 0x10,
	})
	if !bytes.Equal(got, want) {
		t.Fatalf("got %x, want %x", got, want)
	}
}
