// Package dlcache parses the glibc dynamic linker cache found at
// /etc/ld.so.cache.
//
// Both historical layouts are understood: the libc5/glibc 2.0 "old"
// format, the glibc >= 2.2 "new" format, and the backward-compatible
// concatenation of the two, where an old-format cache precedes an
// embedded new-format one. The glibc >= 2.32 extension table
// (generator string, glibc-hwcaps subdirectory tags) is decoded when
// present.
//
// See sysdeps/generic/dl-cache.h in the glibc source tree for details
// regarding the format.
package dlcache

import (
	"bytes"
	"errors"
)

const (
	// DefaultPath is the cache file written by ldconfig(8).
	DefaultPath = "/etc/ld.so.cache"

	magicOld = "ld.so-1.7.0"
	magicNew = "glibc-ld.so.cache" + "1.1"
)

var (
	// ErrNotCache is returned when a buffer does not begin with a
	// recognized cache magic.
	ErrNotCache = errors.New("dlcache: data does not match a dynamic library cache")

	// ErrTruncated is returned when a field or referenced string
	// extends past the end of the buffer.
	ErrTruncated = errors.New("dlcache: cache truncated")

	// ErrBadExtension is returned when an extension section references
	// bytes outside the cache.
	ErrBadExtension = errors.New("dlcache: extension section out of range")
)

// Format discriminates the on-disk cache layouts.
type Format int

const (
	FormatUnknown Format = iota
	FormatOld
	FormatNew
)

func (f Format) String() string {
	switch f {
	case FormatOld:
		return "old"
	case FormatNew:
		return "new"
	}
	return "unknown"
}

// headerOld is the glibc 2.0/libc5 cache header. File entries follow
// immediately; key and value are byte offsets from the start of the
// header to NUL-terminated strings.
type headerOld struct {
	Magic [12]byte
	NLibs uint32
}

// fileEntryOld is one record of the old-format file entry array.
type fileEntryOld struct {
	Flags Flags
	Key   uint32
	Value uint32
}

// headerNew is the glibc >= 2.2 cache header. The record is padded to
// 48 bytes; the trailing reserved words are kept explicit so sizeOf
// reports the on-disk size.
type headerNew struct {
	Magic           [17]byte
	Version         [3]byte
	NLibs           uint32
	LenStrings      uint32
	Flags           uint8
	_               [3]byte
	ExtensionOffset uint32
	_               [12]byte
}

// fileEntryNew is one record of the new-format file entry array.
type fileEntryNew struct {
	Flags     Flags
	Key       uint32
	Value     uint32
	OSVersion uint32
	HWCap     uint64
}

// DetectFormat determines the layout of a cache byte stream and the
// offset at which the chosen header begins.
//
// A stream opening with the old magic may carry a complete new-format
// cache embedded after the old file entry array; in that case the new
// format wins and the returned offset is nonzero.
func DetectFormat(data []byte) (Format, int) {
	if bytes.HasPrefix(data, []byte(magicNew)) {
		return FormatNew, 0
	}

	if bytes.HasPrefix(data, []byte(magicOld)) {
		// No access to the alignment the builder used, so locate the
		// embedded header by searching for its magic.
		if off := bytes.Index(data, []byte(magicNew)); off != -1 {
			return FormatNew, off
		}
		return FormatOld, 0
	}

	return FormatUnknown, 0
}
