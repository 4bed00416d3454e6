package passwordbypass

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// hiveBuilder assembles a minimal synthetic "regf" hive buffer for tests,
// laying out cells in the hbin data area and returning their hbin-relative
// offsets so callers can wire up nk/vk/lf records by hand.
type hiveBuilder struct {
	hbin []byte
}

func (b *hiveBuilder) writeCell(content []byte) int32 {
	off := int32(len(b.hbin))
	size := make([]byte, 4)
	binary.LittleEndian.PutUint32(size, uint32(-int32(len(content)+4)))
	b.hbin = append(b.hbin, size...)
	b.hbin = append(b.hbin, content...)
	return off
}

func (b *hiveBuilder) build(rootOffset int32) []byte {
	header := make([]byte, hbinStart)
	copy(header[:4], "regf")
	binary.LittleEndian.PutUint32(header[0x24:0x28], uint32(rootOffset))
	return append(header, b.hbin...)
}

func nkContent(nameSubkeyCount, valueCount uint32, subkeyListOffset, valueListOffset, classNameOffset int32, classNameLength uint16, name string) []byte {
	data := make([]byte, 0x4C+len(name))
	copy(data[0:2], "nk")
	binary.LittleEndian.PutUint32(data[0x14:0x18], nameSubkeyCount)
	binary.LittleEndian.PutUint32(data[0x1C:0x20], uint32(subkeyListOffset))
	binary.LittleEndian.PutUint32(data[0x24:0x28], valueCount)
	binary.LittleEndian.PutUint32(data[0x28:0x2C], uint32(valueListOffset))
	binary.LittleEndian.PutUint32(data[0x30:0x34], uint32(classNameOffset))
	binary.LittleEndian.PutUint16(data[0x48:0x4A], uint16(len(name)))
	binary.LittleEndian.PutUint16(data[0x4A:0x4C], classNameLength)
	copy(data[0x4C:], name)
	return data
}

func lfContent(entryOffsets ...int32) []byte {
	data := make([]byte, 4+8*len(entryOffsets))
	copy(data[0:2], "lf")
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(entryOffsets)))
	for i, off := range entryOffsets {
		binary.LittleEndian.PutUint32(data[4+i*8:8+i*8], uint32(off))
	}
	return data
}

func valueListContent(entryOffsets ...int32) []byte {
	data := make([]byte, 4*len(entryOffsets))
	for i, off := range entryOffsets {
		binary.LittleEndian.PutUint32(data[i*4:i*4+4], uint32(off))
	}
	return data
}

func vkContent(name string, dataLength uint32, dataOffset int32) []byte {
	data := make([]byte, 0x14+len(name))
	copy(data[0:2], "vk")
	binary.LittleEndian.PutUint16(data[2:4], uint16(len(name)))
	binary.LittleEndian.PutUint32(data[4:8], dataLength)
	binary.LittleEndian.PutUint32(data[8:12], uint32(dataOffset))
	copy(data[0x14:], name)
	return data
}

// buildTestHive constructs: root -> "A" (via an "lf" list) -> value "V"
// holding an indirect (non-inline) data blob.
func buildTestHive(t *testing.T, valueData []byte) (*hive, int32) {
	t.Helper()
	b := &hiveBuilder{}

	dataOff := b.writeCell(valueData)
	vkOff := b.writeCell(vkContent("V", uint32(len(valueData)), dataOff))
	valueListOff := b.writeCell(valueListContent(vkOff))
	subkeyAOff := b.writeCell(nkContent(0, 1, 0, valueListOff, 0, 0, "A"))
	lfOff := b.writeCell(lfContent(subkeyAOff))
	rootOff := b.writeCell(nkContent(1, 0, lfOff, 0, 0, 0, ""))

	buf := b.build(rootOff)
	h, err := openHive(buf)
	if err != nil {
		t.Fatalf("openHive failed: %v", err)
	}
	return h, dataOff
}

func TestOpenPath_NavigatesToSubkeyAndReadsValue(t *testing.T) {
	want := []byte("0123456789ABCDEF")
	h, _ := buildTestHive(t, want)

	k, err := h.openPath("A")
	if err != nil {
		t.Fatalf("openPath failed: %v", err)
	}
	if k.name() != "A" {
		t.Fatalf("expected subkey name %q, got %q", "A", k.name())
	}

	v, err := k.value("V")
	if err != nil {
		t.Fatalf("value lookup failed: %v", err)
	}
	if !bytes.Equal(v.data, want) {
		t.Fatalf("got %q, want %q", v.data, want)
	}
}

func TestValue_WriteBackMutatesHiveBuffer(t *testing.T) {
	original := []byte("0123456789ABCDEF")
	h, _ := buildTestHive(t, original)

	k, err := h.openPath("A")
	if err != nil {
		t.Fatalf("openPath failed: %v", err)
	}
	v, err := k.value("V")
	if err != nil {
		t.Fatalf("value lookup failed: %v", err)
	}

	replacement := []byte("FEDCBA9876543210")
	copy(v.data, replacement)

	// Re-open the value fresh from the hive buffer to prove the write
	// landed in h.buf itself, not just the returned slice.
	v2, err := k.value("V")
	if err != nil {
		t.Fatalf("second value lookup failed: %v", err)
	}
	if !bytes.Equal(v2.data, replacement) {
		t.Fatalf("expected hive buffer to reflect write-back, got %q", v2.data)
	}
}

func TestOpenPath_MissingSubkeyErrors(t *testing.T) {
	h, _ := buildTestHive(t, []byte("data"))
	if _, err := h.openPath("DoesNotExist"); err == nil {
		t.Fatal("expected error for missing subkey")
	}
}

func TestValue_MissingValueErrors(t *testing.T) {
	h, _ := buildTestHive(t, []byte("data"))
	k, err := h.openPath("A")
	if err != nil {
		t.Fatalf("openPath failed: %v", err)
	}
	if _, err := k.value("DoesNotExist"); err == nil {
		t.Fatal("expected error for missing value")
	}
}

func TestOpenHive_RejectsBadSignature(t *testing.T) {
	buf := make([]byte, hbinStart+16)
	copy(buf[:4], "nope")
	if _, err := openHive(buf); err == nil {
		t.Fatal("expected error for bad regf signature")
	}
}

func TestDecodeUTF16LE_DecodesHexDigitClassName(t *testing.T) {
	// "deadbeef" encoded as UTF-16LE.
	var raw []byte
	for _, r := range "deadbeef" {
		raw = append(raw, byte(r), 0)
	}
	if got := decodeUTF16LE(raw); got != "deadbeef" {
		t.Fatalf("got %q, want %q", got, "deadbeef")
	}
}
