package dlcache

import (
	"fmt"
	"os"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Entry is one cache record with all string references resolved.
// OSVersion and HWCap are only populated by the new format; Hwcaps
// carries the glibc-hwcaps subdirectory tag when the entry references
// one.
type Entry struct {
	Key   string
	Value string
	Flags Flags

	Hwcaps    string
	OSVersion uint32
	HWCap     uint64
}

// Cache is a parsed dynamic linker cache. Entries preserve the
// on-disk order.
type Cache struct {
	File      string
	Generator string
	Entries   []Entry
}

// Parse decodes a cache byte stream into its entries.
//
// Structural defects in the header or the file entry array fail with
// ErrTruncated; an unrecognized magic fails with ErrNotCache. Defects
// limited to the extension table are logged and ignored, so a cache
// with a corrupt extension still yields its entries.
func Parse(data []byte) (*Cache, error) {
	format, offset := DetectFormat(data)
	if format == FormatUnknown {
		return nil, ErrNotCache
	}
	data = data[offset:]

	var (
		nlibs       int
		headerSize  int
		hwcapValues []string
		cache       Cache
	)

	parseNew := format == FormatNew
	if parseNew {
		var hdr headerNew
		if err := decodeAt(data, 0, &hdr); err != nil {
			return nil, err
		}
		nlibs = int(hdr.NLibs)
		headerSize = sizeOf(hdr)

		cache.Generator, hwcapValues = parseExtensions(data, hdr)
	} else {
		var hdr headerOld
		if err := decodeAt(data, 0, &hdr); err != nil {
			return nil, err
		}
		nlibs = int(hdr.NLibs)
		headerSize = sizeOf(hdr)
	}

	cache.Entries = make([]Entry, 0, nlibs)

	for i := 0; i < nlibs; i++ {
		var entry Entry
		if parseNew {
			var raw fileEntryNew
			if err := decodeAt(data, headerSize+i*sizeOf(raw), &raw); err != nil {
				return nil, err
			}
			entry = Entry{Flags: raw.Flags, OSVersion: raw.OSVersion, HWCap: raw.HWCap}
			if hasHWCapExtension(raw.HWCap) {
				if idx := hwcapIndex(raw.HWCap); int(idx) < len(hwcapValues) {
					entry.Hwcaps = hwcapValues[idx]
				}
			}
			if err := entry.resolve(data, int(raw.Key), int(raw.Value)); err != nil {
				return nil, err
			}
		} else {
			var raw fileEntryOld
			if err := decodeAt(data, headerSize+i*sizeOf(raw), &raw); err != nil {
				return nil, err
			}
			entry = Entry{Flags: raw.Flags}
			if err := entry.resolve(data, int(raw.Key), int(raw.Value)); err != nil {
				return nil, err
			}
		}
		cache.Entries = append(cache.Entries, entry)
	}

	return &cache, nil
}

// resolve fills the entry's strings from their header-origin offsets.
func (e *Entry) resolve(data []byte, key, value int) error {
	var err error
	if e.Key, err = refString(data, key); err != nil {
		return fmt.Errorf("failed to resolve entry key: %w", err)
	}
	if e.Value, err = refString(data, value); err != nil {
		return fmt.Errorf("failed to resolve entry value: %w", err)
	}
	return nil
}

// parseExtensions decodes the extension table, tolerating any failure:
// the generator string and hwcap tag sections are conveniences, and a
// corrupt table must not prevent returning valid entries. The returned
// hwcap strings keep the on-disk order of the TAG_GLIBC_HWCAPS
// sections, which is the order entry hwcap fields index into.
func parseExtensions(data []byte, hdr headerNew) (generator string, hwcaps []string) {
	if hdr.ExtensionOffset == 0 {
		return "", nil
	}

	sections, err := extensionSections(data, int(hdr.ExtensionOffset))
	if err != nil {
		log.Debugf("ignoring cache extensions: %v", err)
		return "", nil
	}

	for _, section := range sections {
		switch section.Tag {
		case TagGenerator:
			generator = generatorString(section, data)
		case TagGlibcHWCaps:
			hwcaps = append(hwcaps, hwcapString(section, data))
		}
	}
	return generator, hwcaps
}

var (
	memoMu sync.Mutex
	memo   = make(map[string]*Cache)
)

// Load reads and parses a cache file, memoizing the result by path.
// Failures to read or parse are logged and yield nil; callers treat a
// nil cache as empty.
func Load(file string) *Cache {
	memoMu.Lock()
	defer memoMu.Unlock()

	if cache, ok := memo[file]; ok {
		return cache
	}

	cache := loadCacheFile(file)
	memo[file] = cache
	return cache
}

// ClearCache drops every memoized cache. Intended for tests that
// rewrite cache fixtures between calls.
func ClearCache() {
	memoMu.Lock()
	defer memoMu.Unlock()
	memo = make(map[string]*Cache)
}

func loadCacheFile(file string) *Cache {
	data, err := os.ReadFile(file)
	if err != nil {
		log.Errorf("failed to open rtld cache: %v", err)
		return nil
	}

	cache, err := Parse(data)
	if err != nil {
		log.Debugf("rtld cache parsing failed: %v", err)
		return nil
	}

	cache.File = file
	return cache
}

// resolveArchFlags applies the flag filter defaulting rule: the zero
// value asks for the flags the running process would need, FlagAny
// disables filtering entirely.
func resolveArchFlags(archFlags Flags) Flags {
	if archFlags != 0 {
		return archFlags
	}
	expected, ok := ExpectedHostFlags()
	if !ok {
		return FlagAny
	}
	return expected
}

// Libraries returns a curated soname -> path view of a cache file.
//
// The cache may contain several entries for one soname differing in
// flags, OS ABI or hardware capabilities. One entry per soname is
// kept: entries are consumed in reverse on-disk order so the earliest
// cache entry for a soname wins, matching the loader's preference for
// entries appearing first.
func Libraries(file string, archFlags Flags) map[string]string {
	archFlags = resolveArchFlags(archFlags)

	cache := Load(file)
	if cache == nil {
		return map[string]string{}
	}

	libraries := make(map[string]string)
	for i := len(cache.Entries) - 1; i >= 0; i-- {
		entry := cache.Entries[i]
		if archFlags == FlagAny || entry.Flags == archFlags {
			libraries[entry.Key] = entry.Value
		}
	}
	return libraries
}

// Search returns the best match for soname in the given cache file, or
// "" when no entry matches the flag filter.
func Search(soname, file string, archFlags Flags) string {
	archFlags = resolveArchFlags(archFlags)

	cache := Load(file)
	if cache == nil {
		return ""
	}

	for _, entry := range cache.Entries {
		if entry.Key != soname {
			continue
		}
		if archFlags == FlagAny || entry.Flags == archFlags {
			return entry.Value
		}
	}
	return ""
}
