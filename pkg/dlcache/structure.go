package dlcache

// Low level access to the packed little-endian records that make up
// /etc/ld.so.cache. Record layouts are declared as Go structs with
// explicit padding members so that sizeOf reports the on-disk size.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"unicode/utf8"
)

// sizeOf returns the on-disk byte size of a record.
func sizeOf(v any) int {
	return binary.Size(v)
}

// decodeAt deserializes one record from data starting at off. All
// multi-byte fields are read little-endian regardless of host order.
func decodeAt(data []byte, off int, v any) error {
	size := sizeOf(v)
	if off < 0 || off+size > len(data) {
		return fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, size, off, len(data))
	}
	return binary.Read(bytes.NewReader(data[off:off+size]), binary.LittleEndian, v)
}

// refString resolves a NUL-terminated string reference at off,
// failing when the reference leaves the buffer. File entries use this:
// a dangling key or value is a structural defect.
func refString(data []byte, off int) (string, error) {
	if off < 0 || off >= len(data) {
		return "", fmt.Errorf("%w: string reference %d outside %d bytes", ErrTruncated, off, len(data))
	}
	if bytes.IndexByte(data[off:], 0x0) < 0 {
		return "", fmt.Errorf("%w: unterminated string at %d", ErrTruncated, off)
	}
	return stringAt(data, off), nil
}

// stringAt resolves a NUL-terminated string reference at off. Invalid
// UTF-8 sequences are replaced; an offset pointing at an immediate NUL
// yields the empty string.
func stringAt(data []byte, off int) string {
	if off < 0 || off >= len(data) {
		return ""
	}
	terminator := bytes.IndexByte(data[off:], 0x0)
	if terminator < 0 {
		return ""
	}
	raw := data[off : off+terminator]
	if utf8.Valid(raw) {
		return string(raw)
	}
	return strings.ToValidUTF8(string(raw), string(utf8.RuneError))
}
