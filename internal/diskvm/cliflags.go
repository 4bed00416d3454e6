package diskvm

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// sizeValue implements pflag.Value for a human-friendly byte count like
// "4G", "512MB", or a bare integer, the Go analogue of utils.py's
// SizeParamType.
type sizeValue struct {
	bytes *int64
}

// NewSizeValue returns a pflag.Value that stores its parsed result into
// bytes.
func NewSizeValue(bytes *int64) *sizeValue {
	return &sizeValue{bytes: bytes}
}

var sizeSuffixes = map[byte]int64{
	'K': 1 << 10,
	'M': 1 << 20,
	'G': 1 << 30,
	'T': 1 << 40,
}

func (v *sizeValue) String() string {
	if v.bytes == nil {
		return ""
	}
	return strconv.FormatInt(*v.bytes, 10)
}

func (v *sizeValue) Type() string { return "size" }

// Set parses "<N>[KMGT]B?", case-insensitively, e.g. "4G", "512MB", "2048".
func (v *sizeValue) Set(s string) error {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return fmt.Errorf("size value must not be empty")
	}
	s = strings.TrimSuffix(s, "B")

	numPart := s
	var multiplier int64 = 1
	if len(s) > 0 {
		last := s[len(s)-1]
		if m, ok := sizeSuffixes[last]; ok {
			multiplier = m
			numPart = s[:len(s)-1]
		}
	}

	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n < 0 {
		return fmt.Errorf("size must not be negative: %q", s)
	}
	*v.bytes = n * multiplier
	return nil
}

// hexValue implements pflag.Value for a repeatable hex-encoded byte
// string (--master-key), the Go analogue of utils.py's BytesParamType.
type hexValue struct {
	values *[]string
}

// NewHexValue returns a pflag.Value that appends each parsed hex string
// to values, validating hex-ness on Set but storing the original string
// (decoding happens at the point of use, mirroring how the teacher keeps
// CLI values as strings until consumed).
func NewHexValue(values *[]string) *hexValue {
	return &hexValue{values: values}
}

func (v *hexValue) String() string {
	if v.values == nil || len(*v.values) == 0 {
		return ""
	}
	return strings.Join(*v.values, ",")
}

func (v *hexValue) Type() string { return "hex" }

func (v *hexValue) Set(s string) error {
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("invalid hex value %q: %w", s, err)
	}
	*v.values = append(*v.values, s)
	return nil
}

// choiceValue implements pflag.Value restricted to a fixed set of
// strings, the Go analogue of utils.py's ChoiceMap, used for repeatable
// plugin-name flags like --pw-bypass/--fde-bypass.
type choiceValue struct {
	values  *[]string
	allowed map[string]bool
}

// NewChoiceValue returns a pflag.Value appending to values, rejecting
// anything outside allowed.
func NewChoiceValue(values *[]string, allowed ...string) *choiceValue {
	set := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		set[a] = true
	}
	return &choiceValue{values: values, allowed: set}
}

func (v *choiceValue) String() string {
	if v.values == nil || len(*v.values) == 0 {
		return ""
	}
	return strings.Join(*v.values, ",")
}

func (v *choiceValue) Type() string { return "choice" }

func (v *choiceValue) Set(s string) error {
	if !v.allowed[s] {
		return fmt.Errorf("unsupported value %q", s)
	}
	*v.values = append(*v.values, s)
	return nil
}

// DecodeMasterKeys hex-decodes a --master-key flag's accumulated values.
func DecodeMasterKeys(hexValues []string) ([][]byte, error) {
	keys := make([][]byte, 0, len(hexValues))
	for _, h := range hexValues {
		b, err := hex.DecodeString(h)
		if err != nil {
			return nil, fmt.Errorf("invalid master key hex %q: %w", h, err)
		}
		keys = append(keys, b)
	}
	return keys, nil
}
