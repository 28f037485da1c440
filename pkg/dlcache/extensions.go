package dlcache

import "fmt"

// Appears as (uint32_t)-358342284 in glibc:/elf/cache.c.
const extensionMagic = 0xEAA42174

// Extension section tags.
const (
	TagGenerator   uint32 = 0
	TagGlibcHWCaps uint32 = 1
)

// extensionHeader introduces the extension table appended to a
// new-format cache.
type extensionHeader struct {
	Magic uint32
	Count uint32
}

// extensionSection describes one extension. Offset and size delimit
// the section payload, relative to the start of the new-format header.
type extensionSection struct {
	Tag    uint32
	Flags  uint32
	Offset uint32
	Size   uint32
}

// payload returns the bytes an extension section points at.
func (s extensionSection) payload(data []byte) ([]byte, error) {
	start, end := int(s.Offset), int(s.Offset)+int(s.Size)
	if start < 0 || end > len(data) || start > end {
		return nil, fmt.Errorf("%w: tag %d payload [%d:%d] in %d bytes", ErrBadExtension, s.Tag, start, end, len(data))
	}
	return data[start:end], nil
}

// extensionSections decodes the extension table found at off, which
// must be the extension_offset recorded in a new-format header. data
// is the stream rebased to the header origin.
func extensionSections(data []byte, off int) ([]extensionSection, error) {
	var hdr extensionHeader
	if err := decodeAt(data, off, &hdr); err != nil {
		return nil, err
	}
	if hdr.Magic != extensionMagic {
		return nil, fmt.Errorf("%w: bad extension magic %#x", ErrBadExtension, hdr.Magic)
	}

	headerSize := sizeOf(hdr)
	sectionSize := sizeOf(extensionSection{})

	sections := make([]extensionSection, 0, hdr.Count)
	for i := 0; i < int(hdr.Count); i++ {
		var section extensionSection
		if err := decodeAt(data, off+headerSize+i*sectionSize, &section); err != nil {
			return nil, err
		}
		sections = append(sections, section)
	}

	return sections, nil
}
