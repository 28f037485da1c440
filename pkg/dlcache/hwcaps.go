package dlcache

import (
	"encoding/binary"

	log "github.com/sirupsen/logrus"
)

// This bit in the hwcap field of fileEntryNew indicates that the lower
// 32 bits contain an index into the cache_extension_tag_glibc_hwcaps
// section. Older glibc versions do not know about this HWCAP bit and
// ignore such entries.
const hwcapExtension = uint64(1) << 62

// The number of ISA level bits in the upper 32 bits of the hwcap field.
const hwcapISALevelCount = 10

// The mask of the ISA level bits in the hwcap field.
const hwcapISALevelMask = (uint64(1) << hwcapISALevelCount) - 1

// hasHWCapExtension reports whether an entry's hwcap field encodes a
// reference into the glibc-hwcaps extension sections.
func hasHWCapExtension(hwcap uint64) bool {
	return (hwcap>>32)&^hwcapISALevelMask == hwcapExtension>>32
}

// hwcapIndex returns the glibc-hwcaps section index encoded in a hwcap
// field for which hasHWCapExtension holds.
func hwcapIndex(hwcap uint64) uint32 {
	return uint32(hwcap & (1<<32 - 1))
}

// hwcapString resolves the subdirectory tag a glibc-hwcaps section
// points at, e.g. "x86-64-v3". The section payload is a single
// little-endian uint32 which is itself an offset to a NUL-terminated
// string, relative to the header origin.
func hwcapString(section extensionSection, data []byte) string {
	payload, err := section.payload(data)
	if err != nil || len(payload) != 4 {
		log.Errorf("failed to retrieve hwcap string value: %v", err)
		return ""
	}

	pointer := binary.LittleEndian.Uint32(payload)
	return stringAt(data, int(pointer))
}
