// Package binstruct packs and unpacks fixed-layout binary records via
// reflection, the Go analogue of structure.py's generic Structure base
// class used by the VeraCrypt header codec.
package binstruct

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"reflect"
)

// Order selects the byte order a struct is packed/unpacked with. Fields
// are packed in declaration order with no padding, matching how the
// original big-endian VeraCrypt header is laid out byte-for-byte.
type Order struct {
	ByteOrder binary.ByteOrder
}

// BigEndian packs/unpacks using binary.BigEndian, matching VeraCrypt's
// on-disk header layout.
var BigEndian = Order{ByteOrder: binary.BigEndian}

// LittleEndian packs/unpacks using binary.LittleEndian.
var LittleEndian = Order{ByteOrder: binary.LittleEndian}

// Size returns the packed byte length of v's type, which must be a struct
// (or pointer to struct) containing only fixed-size fields: integers,
// byte arrays, and nested structs of the same shape.
func Size(v any) (int, error) {
	t := reflect.TypeOf(v)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return structSize(t)
}

func structSize(t reflect.Type) (int, error) {
	if t.Kind() != reflect.Struct {
		return 0, fmt.Errorf("binstruct: %s is not a struct", t)
	}
	total := 0
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		sz, err := fieldSize(f.Type)
		if err != nil {
			return 0, fmt.Errorf("field %s: %w", f.Name, err)
		}
		total += sz
	}
	return total, nil
}

func fieldSize(ft reflect.Type) (int, error) {
	switch ft.Kind() {
	case reflect.Array:
		elemSize, err := fieldSize(ft.Elem())
		if err != nil {
			return 0, err
		}
		return elemSize * ft.Len(), nil
	case reflect.Struct:
		return structSize(ft)
	case reflect.Uint8, reflect.Int8:
		return 1, nil
	case reflect.Uint16, reflect.Int16:
		return 2, nil
	case reflect.Uint32, reflect.Int32:
		return 4, nil
	case reflect.Uint64, reflect.Int64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported field kind %s", ft.Kind())
	}
}

// Pack serializes v (a struct or pointer to struct of fixed-size fields)
// into its on-wire byte representation.
func (o Order) Pack(v any) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, o.ByteOrder, derefIfPointer(v)); err != nil {
		return nil, fmt.Errorf("binstruct: pack: %w", err)
	}
	return buf.Bytes(), nil
}

// Unpack deserializes data into dst, which must be a non-nil pointer to a
// struct of fixed-size fields. Returns an error if data is shorter than
// the struct's packed size.
func (o Order) Unpack(data []byte, dst any) error {
	rv := reflect.ValueOf(dst)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("binstruct: unpack: dst must be a non-nil pointer")
	}
	want, err := Size(dst)
	if err != nil {
		return err
	}
	if len(data) < want {
		return fmt.Errorf("binstruct: unpack: need %d bytes, got %d", want, len(data))
	}
	r := bytes.NewReader(data[:want])
	if err := binary.Read(r, o.ByteOrder, dst); err != nil {
		return fmt.Errorf("binstruct: unpack: %w", err)
	}
	return nil
}

func derefIfPointer(v any) any {
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		return rv.Elem().Interface()
	}
	return v
}
