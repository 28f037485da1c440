package ldso

import (
	"debug/elf"
	"fmt"
)

// GNU symbol version section walking. debug/elf stops at exposing the
// raw sections; the fixed record layouts below are from the LSB
// gABI supplement (elf.h: Elf64_Verdef, Elf64_Verneed and their aux
// records, identical between the 32- and 64-bit classes).

const (
	verdefSize  = 20 // Verdef: version, flags, ndx, cnt, hash, aux, next
	verdauxSize = 8  // Verdaux: name, next
	verneedSize = 16 // Verneed: version, cnt, file, aux, next
	vernauxSize = 16 // Vernaux: hash, flags, other, name, next
)

// parseVersions collects the GNU verdef and verneed data of f.
func (l *Library) parseVersions(f *elf.File) error {
	if err := l.parseVerdef(f); err != nil {
		return err
	}
	return l.parseVerneed(f)
}

// sectionAndStrings fetches a section's payload along with the string
// table it links to.
func sectionAndStrings(f *elf.File, typ elf.SectionType) (data, strtab []byte, err error) {
	section := f.SectionByType(typ)
	if section == nil {
		return nil, nil, nil
	}

	if data, err = section.Data(); err != nil {
		return nil, nil, fmt.Errorf("reading %v: %w", typ, err)
	}

	if int(section.Link) >= len(f.Sections) {
		return nil, nil, fmt.Errorf("%v links to missing string table %d", typ, section.Link)
	}
	if strtab, err = f.Sections[section.Link].Data(); err != nil {
		return nil, nil, fmt.Errorf("reading string table of %v: %w", typ, err)
	}

	return data, strtab, nil
}

// parseVerdef records, for each version definition group, the first
// version name: the alias the object is said to define.
func (l *Library) parseVerdef(f *elf.File) error {
	data, strtab, err := sectionAndStrings(f, elf.SHT_GNU_VERDEF)
	if err != nil || data == nil {
		return err
	}

	bo := f.ByteOrder
	for off := 0; off+verdefSize <= len(data); {
		cnt := bo.Uint16(data[off+6:])
		aux := bo.Uint32(data[off+12:])
		next := bo.Uint32(data[off+16:])

		if cnt > 0 {
			auxOff := off + int(aux)
			if auxOff+verdauxSize > len(data) {
				return fmt.Errorf("verdef aux record outside section")
			}
			name := bo.Uint32(data[auxOff:])
			l.DefinedVersions[strtabString(strtab, name)] = true
		}

		if next == 0 {
			break
		}
		off += int(next)
	}

	return nil
}

// parseVerneed records the version names required from each provider
// soname.
func (l *Library) parseVerneed(f *elf.File) error {
	data, strtab, err := sectionAndStrings(f, elf.SHT_GNU_VERNEED)
	if err != nil || data == nil {
		return err
	}

	bo := f.ByteOrder
	for off := 0; off+verneedSize <= len(data); {
		cnt := bo.Uint16(data[off+2:])
		file := bo.Uint32(data[off+4:])
		aux := bo.Uint32(data[off+8:])
		next := bo.Uint32(data[off+12:])

		provider := strtabString(strtab, file)
		versions := make(map[string]bool, cnt)

		auxOff := off + int(aux)
		for j := 0; j < int(cnt); j++ {
			if auxOff+vernauxSize > len(data) {
				return fmt.Errorf("verneed aux record outside section")
			}
			name := bo.Uint32(data[auxOff+8:])
			versions[strtabString(strtab, name)] = true

			anext := bo.Uint32(data[auxOff+12:])
			if anext == 0 {
				break
			}
			auxOff += int(anext)
		}

		l.RequiredVersions[provider] = versions

		if next == 0 {
			break
		}
		off += int(next)
	}

	return nil
}

// strtabString reads the NUL-terminated string at off.
func strtabString(strtab []byte, off uint32) string {
	if int(off) >= len(strtab) {
		return ""
	}
	for end := int(off); end < len(strtab); end++ {
		if strtab[end] == 0 {
			return string(strtab[off:end])
		}
	}
	return string(strtab[off:])
}
