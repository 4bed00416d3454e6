package passwordbypass

import (
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// hive is a minimal reader for the Windows registry's on-disk "regf"
// format: enough to walk a key path, enumerate subkeys and their class
// names, and locate a named value's raw data together with that data's
// absolute byte offset so a caller can patch it back into buf in place.
// Covers the same ground as the python-registry library the original
// implementation drives (Registry.Registry), scoped to what the SAM/SYSTEM
// hives need.
type hive struct {
	buf      []byte
	rootCell int32
}

const hbinStart = 0x1000

func openHive(buf []byte) (*hive, error) {
	if len(buf) < hbinStart || string(buf[:4]) != "regf" {
		return nil, fmt.Errorf("not a registry hive (missing regf signature)")
	}
	root := int32(binary.LittleEndian.Uint32(buf[0x24:0x28]))
	return &hive{buf: buf, rootCell: root}, nil
}

// cell returns the content of the cell at the given hbin-relative offset,
// i.e. everything after the 4-byte (signed) size prefix.
func (h *hive) cell(relOffset int32) ([]byte, error) {
	abs := hbinStart + int(relOffset)
	if abs < 0 || abs+4 > len(h.buf) {
		return nil, fmt.Errorf("cell offset %d out of range", relOffset)
	}
	size := int32(binary.LittleEndian.Uint32(h.buf[abs : abs+4]))
	if size < 0 {
		size = -size
	}
	end := abs + int(size)
	if end > len(h.buf) {
		return nil, fmt.Errorf("cell at offset %d overruns hive", relOffset)
	}
	return h.buf[abs+4 : end], nil
}

// key is one navigated nk record.
type key struct {
	h    *hive
	data []byte
}

func (h *hive) root() (*key, error) {
	data, err := h.cell(h.rootCell)
	if err != nil {
		return nil, err
	}
	if string(data[:2]) != "nk" {
		return nil, fmt.Errorf("root cell is not an nk record")
	}
	return &key{h: h, data: data}, nil
}

func (k *key) subkeyCount() int {
	return int(binary.LittleEndian.Uint32(k.data[0x14:0x18]))
}

func (k *key) subkeyListOffset() int32 {
	return int32(binary.LittleEndian.Uint32(k.data[0x1C:0x20]))
}

func (k *key) valueCount() int {
	return int(binary.LittleEndian.Uint32(k.data[0x24:0x28]))
}

func (k *key) valueListOffset() int32 {
	return int32(binary.LittleEndian.Uint32(k.data[0x28:0x2C]))
}

func (k *key) classNameOffset() int32 {
	return int32(binary.LittleEndian.Uint32(k.data[0x30:0x34]))
}

func (k *key) classNameLength() int {
	return int(binary.LittleEndian.Uint16(k.data[0x4A:0x4C]))
}

func (k *key) name() string {
	nameLen := int(binary.LittleEndian.Uint16(k.data[0x48:0x4A]))
	if 0x4C+nameLen > len(k.data) {
		return ""
	}
	return string(k.data[0x4C : 0x4C+nameLen])
}

// className returns the raw class-name bytes (UTF-16LE), used by the SYSTEM
// hive to smuggle the four boot-key fragments as hex-digit "class names"
// rather than values.
func (k *key) className() ([]byte, error) {
	if k.classNameLength() == 0 {
		return nil, nil
	}
	return k.h.cell(k.classNameOffset())
}

// subkeyOffsets resolves a subkey list cell (lf/lh/li, or ri-of-those) into
// the hbin-relative offsets of each subkey's nk cell.
func (h *hive) subkeyOffsets(listOffset int32, count int) ([]int32, error) {
	if count == 0 {
		return nil, nil
	}
	data, err := h.cell(listOffset)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("subkey list cell too small")
	}
	sig := string(data[:2])
	n := int(binary.LittleEndian.Uint16(data[2:4]))

	switch sig {
	case "ri":
		var out []int32
		for i := 0; i < n; i++ {
			off := int32(binary.LittleEndian.Uint32(data[4+i*4 : 8+i*4]))
			sub, err := h.cell(off)
			if err != nil {
				return nil, err
			}
			subN := int(binary.LittleEndian.Uint16(sub[2:4]))
			offs, err := h.subkeyOffsetsFromEntries(sub, subN)
			if err != nil {
				return nil, err
			}
			out = append(out, offs...)
		}
		return out, nil
	case "lf", "lh", "li":
		return h.subkeyOffsetsFromEntries(data, n)
	default:
		return nil, fmt.Errorf("unsupported subkey list signature %q", sig)
	}
}

func (h *hive) subkeyOffsetsFromEntries(data []byte, n int) ([]int32, error) {
	sig := string(data[:2])
	entrySize := 4
	if sig == "lf" || sig == "lh" {
		entrySize = 8
	}
	out := make([]int32, 0, n)
	for i := 0; i < n; i++ {
		pos := 4 + i*entrySize
		if pos+4 > len(data) {
			return nil, fmt.Errorf("subkey list truncated")
		}
		out = append(out, int32(binary.LittleEndian.Uint32(data[pos:pos+4])))
	}
	return out, nil
}

// subkeys returns every direct child key.
func (k *key) subkeys() ([]*key, error) {
	offsets, err := k.h.subkeyOffsets(k.subkeyListOffset(), k.subkeyCount())
	if err != nil {
		return nil, err
	}
	out := make([]*key, 0, len(offsets))
	for _, off := range offsets {
		data, err := k.h.cell(off)
		if err != nil {
			return nil, err
		}
		if len(data) < 2 || string(data[:2]) != "nk" {
			continue
		}
		out = append(out, &key{h: k.h, data: data})
	}
	return out, nil
}

// child finds a direct subkey by name, case-insensitively.
func (k *key) child(name string) (*key, error) {
	subs, err := k.subkeys()
	if err != nil {
		return nil, err
	}
	for _, sub := range subs {
		if equalFoldASCII(sub.name(), name) {
			return sub, nil
		}
	}
	return nil, fmt.Errorf("subkey %q not found", name)
}

// openPath walks a sequence of subkey names from the root.
func (h *hive) openPath(names ...string) (*key, error) {
	k, err := h.root()
	if err != nil {
		return nil, err
	}
	for _, name := range names {
		k, err = k.child(name)
		if err != nil {
			return nil, fmt.Errorf("open path %v: %w", names, err)
		}
	}
	return k, nil
}

// valueRef is a named value's raw data, sliced directly out of the hive's
// backing buffer: writes through data mutate the hive buffer in place,
// whether the value was stored inline in its vk cell or indirectly in a
// separate data cell.
type valueRef struct {
	data []byte
}

// value looks up a named value (case-insensitive) on this key. Value lists
// are a flat array of cell offsets with no signature header, unlike
// subkey lists.
func (k *key) value(name string) (*valueRef, error) {
	if k.valueCount() == 0 {
		return nil, fmt.Errorf("value %q not found", name)
	}
	listData, err := k.h.cell(k.valueListOffset())
	if err != nil {
		return nil, err
	}
	for i := 0; i < k.valueCount(); i++ {
		pos := i * 4
		if pos+4 > len(listData) {
			break
		}
		off := int32(binary.LittleEndian.Uint32(listData[pos : pos+4]))
		vkData, err := k.h.cell(off)
		if err != nil {
			continue
		}
		if len(vkData) < 0x14 || string(vkData[:2]) != "vk" {
			continue
		}
		nameLen := int(binary.LittleEndian.Uint16(vkData[2:4]))
		if 0x14+nameLen > len(vkData) {
			continue
		}
		vname := string(vkData[0x14 : 0x14+nameLen])
		if !equalFoldASCII(vname, name) {
			continue
		}

		rawLen := binary.LittleEndian.Uint32(vkData[4:8])
		inline := rawLen&0x80000000 != 0
		length := int(rawLen &^ 0x80000000)
		if inline {
			dataOff := 8
			if length > 4 || dataOff+4 > len(vkData) {
				return nil, fmt.Errorf("value %q: unsupported inline length %d", name, length)
			}
			return &valueRef{data: vkData[dataOff : dataOff+length]}, nil
		}

		dataCellOffset := int32(binary.LittleEndian.Uint32(vkData[8:12]))
		abs := hbinStart + int(dataCellOffset) + 4
		if abs+length > len(k.h.buf) {
			return nil, fmt.Errorf("value %q data runs past end of hive", name)
		}
		return &valueRef{data: k.h.buf[abs : abs+length]}, nil
	}
	return nil, fmt.Errorf("value %q not found", name)
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// decodeUTF16LE decodes a UTF-16LE byte string, used for registry key names
// and class names that store wide-character text.
func decodeUTF16LE(b []byte) string {
	if len(b)%2 != 0 {
		b = b[:len(b)-1]
	}
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	return string(utf16.Decode(units))
}
