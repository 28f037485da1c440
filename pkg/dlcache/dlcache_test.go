package dlcache

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixtureEntry describes one library record of a synthetic cache
// image. hwcap < 0 means the entry carries no hwcaps reference.
type fixtureEntry struct {
	key   string
	value string
	flags Flags
	hwcap int
}

var hostEntries = []fixtureEntry{
	{key: "libm.so.6", value: "/lib64/libm.so.6", flags: FlagX8664Lib64 | FlagELFLibc6, hwcap: -1},
	{key: "libc.so.6", value: "/lib64/libc.so.6", flags: FlagX8664Lib64 | FlagELFLibc6, hwcap: -1},
}

const fixtureGenerator = "ldconfig (GNU libc) stable release version 2.36"

func put32(buf *bytes.Buffer, v uint32) {
	binary.Write(buf, binary.LittleEndian, v)
}

func put64(buf *bytes.Buffer, v uint64) {
	binary.Write(buf, binary.LittleEndian, v)
}

// buildNewCache assembles a new-format cache image: header, file
// entry array, string table, then an optional extension table holding
// a generator section and one glibc-hwcaps section per tag.
func buildNewCache(t *testing.T, entries []fixtureEntry, generator string, hwcapTags []string) []byte {
	t.Helper()

	headerSize := sizeOf(headerNew{})
	entrySize := sizeOf(fileEntryNew{})
	require.Equal(t, 48, headerSize)
	require.Equal(t, 24, entrySize)

	stringStart := headerSize + len(entries)*entrySize

	var strtab bytes.Buffer
	keyOffsets := make([]uint32, len(entries))
	valueOffsets := make([]uint32, len(entries))
	for i, entry := range entries {
		keyOffsets[i] = uint32(stringStart + strtab.Len())
		strtab.WriteString(entry.key)
		strtab.WriteByte(0)
		valueOffsets[i] = uint32(stringStart + strtab.Len())
		strtab.WriteString(entry.value)
		strtab.WriteByte(0)
	}

	extOffset := 0
	sectionCount := len(hwcapTags)
	if generator != "" {
		sectionCount++
	}
	if sectionCount > 0 {
		extOffset = stringStart + strtab.Len()
		extOffset = (extOffset + 3) &^ 3
	}

	var image bytes.Buffer
	image.WriteString(magicNew)
	put32(&image, uint32(len(entries)))
	put32(&image, uint32(strtab.Len()))
	image.WriteByte(1)
	image.Write(make([]byte, 3))
	put32(&image, uint32(extOffset))
	image.Write(make([]byte, 12))
	require.Equal(t, headerSize, image.Len())

	for i, entry := range entries {
		put32(&image, uint32(entry.flags))
		put32(&image, keyOffsets[i])
		put32(&image, valueOffsets[i])
		put32(&image, 0) // osversion
		if entry.hwcap >= 0 {
			put64(&image, hwcapExtension|uint64(entry.hwcap))
		} else {
			put64(&image, 0)
		}
	}

	image.Write(strtab.Bytes())

	if sectionCount > 0 {
		image.Write(make([]byte, extOffset-image.Len()))

		// Payloads follow the section records: the generator string,
		// one uint32 pointer per hwcaps section, then the tag strings
		// those pointers reference.
		payloadStart := extOffset + sizeOf(extensionHeader{}) + sectionCount*sizeOf(extensionSection{})
		tagStart := payloadStart + len(generator) + 4*len(hwcapTags)

		put32(&image, extensionMagic)
		put32(&image, uint32(sectionCount))

		cursor := payloadStart
		if generator != "" {
			put32(&image, TagGenerator)
			put32(&image, 0)
			put32(&image, uint32(cursor))
			put32(&image, uint32(len(generator)))
			cursor += len(generator)
		}
		for range hwcapTags {
			put32(&image, TagGlibcHWCaps)
			put32(&image, 0)
			put32(&image, uint32(cursor))
			put32(&image, 4)
			cursor += 4
		}

		if generator != "" {
			image.WriteString(generator)
		}
		tagCursor := tagStart
		for _, tag := range hwcapTags {
			put32(&image, uint32(tagCursor))
			tagCursor += len(tag) + 1
		}
		for _, tag := range hwcapTags {
			image.WriteString(tag)
			image.WriteByte(0)
		}
	}

	return image.Bytes()
}

// buildOldCache assembles an old-format cache image, with the string
// region trailing the entry array and padded so a concatenated
// new-format cache lands 8-byte aligned.
func buildOldCache(t *testing.T, entries []fixtureEntry) []byte {
	t.Helper()

	headerSize := sizeOf(headerOld{})
	entrySize := sizeOf(fileEntryOld{})
	require.Equal(t, 16, headerSize)
	require.Equal(t, 12, entrySize)

	stringStart := headerSize + len(entries)*entrySize

	var strtab bytes.Buffer
	keyOffsets := make([]uint32, len(entries))
	valueOffsets := make([]uint32, len(entries))
	for i, entry := range entries {
		keyOffsets[i] = uint32(stringStart + strtab.Len())
		strtab.WriteString(entry.key)
		strtab.WriteByte(0)
		valueOffsets[i] = uint32(stringStart + strtab.Len())
		strtab.WriteString(entry.value)
		strtab.WriteByte(0)
	}

	var image bytes.Buffer
	image.WriteString(magicOld)
	image.WriteByte(0)
	put32(&image, uint32(len(entries)))
	for i, entry := range entries {
		put32(&image, uint32(entry.flags))
		put32(&image, keyOffsets[i])
		put32(&image, valueOffsets[i])
	}
	image.Write(strtab.Bytes())

	for image.Len()%8 != 0 {
		image.WriteByte(0)
	}
	return image.Bytes()
}

func buildEmbeddedCache(t *testing.T) (data []byte, newOffset int) {
	t.Helper()

	old := buildOldCache(t, hostEntries)
	modern := buildNewCache(t, hostEntries, "", nil)
	return append(old, modern...), len(old)
}

func TestStructSizes(t *testing.T) {
	assert.Equal(t, 16, sizeOf(headerOld{}))
	assert.Equal(t, 12, sizeOf(fileEntryOld{}))
	assert.Equal(t, 48, sizeOf(headerNew{}))
	assert.Equal(t, 24, sizeOf(fileEntryNew{}))
	assert.Equal(t, 8, sizeOf(extensionHeader{}))
	assert.Equal(t, 16, sizeOf(extensionSection{}))
}

func TestDetectFormat(t *testing.T) {
	modern := buildNewCache(t, hostEntries, "", nil)
	format, offset := DetectFormat(modern)
	assert.Equal(t, FormatNew, format)
	assert.Equal(t, 0, offset)

	embedded, want := buildEmbeddedCache(t)
	format, offset = DetectFormat(embedded)
	assert.Equal(t, FormatNew, format)
	assert.Equal(t, want, offset)

	old := buildOldCache(t, hostEntries)
	format, offset = DetectFormat(old)
	assert.Equal(t, FormatOld, format)
	assert.Equal(t, 0, offset)

	format, _ = DetectFormat([]byte("This is not a cache"))
	assert.Equal(t, FormatUnknown, format)
}

func TestParseModern(t *testing.T) {
	cache, err := Parse(buildNewCache(t, hostEntries, "", nil))
	require.NoError(t, err)
	require.Len(t, cache.Entries, len(hostEntries))

	for i, want := range hostEntries {
		assert.Equal(t, want.key, cache.Entries[i].Key)
		assert.Equal(t, want.value, cache.Entries[i].Value)
		assert.Equal(t, want.flags, cache.Entries[i].Flags)
		assert.Empty(t, cache.Entries[i].Hwcaps)
	}
}

func TestParseOld(t *testing.T) {
	cache, err := Parse(buildOldCache(t, hostEntries))
	require.NoError(t, err)
	require.Len(t, cache.Entries, len(hostEntries))

	assert.Equal(t, "libm.so.6", cache.Entries[0].Key)
	assert.Equal(t, "/lib64/libm.so.6", cache.Entries[0].Value)
}

func TestParseEmbedded(t *testing.T) {
	embedded, offset := buildEmbeddedCache(t)
	require.Greater(t, offset, 0)

	// The embedded new-format cache wins over the old prefix.
	cache, err := Parse(embedded)
	require.NoError(t, err)
	require.Len(t, cache.Entries, len(hostEntries))
	assert.Equal(t, "libc.so.6", cache.Entries[1].Key)

	// The prefix alone still parses as an old-format cache with the
	// same library count.
	format, _ := DetectFormat(embedded[:offset])
	assert.Equal(t, FormatOld, format)

	prefix, err := Parse(embedded[:offset])
	require.NoError(t, err)
	assert.Len(t, prefix.Entries, len(hostEntries))
}

func TestParseNotACache(t *testing.T) {
	_, err := Parse([]byte("This is not a cache"))
	assert.ErrorIs(t, err, ErrNotCache)
}

func TestParseTruncated(t *testing.T) {
	modern := buildNewCache(t, hostEntries, "", nil)

	for i := 20; i < 48; i++ {
		_, err := Parse(modern[:i])
		assert.ErrorIs(t, err, ErrTruncated, "header cut at %d", i)
	}

	// Cutting into the entry array or the string table is structural.
	_, err := Parse(modern[:60])
	assert.ErrorIs(t, err, ErrTruncated)

	_, err = Parse(modern[:100])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestGenerator(t *testing.T) {
	withExtensions := buildNewCache(t, hostEntries, fixtureGenerator, []string{"x86-64-v3"})
	assert.Equal(t, fixtureGenerator, Generator(withExtensions))

	cache, err := Parse(withExtensions)
	require.NoError(t, err)
	assert.Equal(t, fixtureGenerator, cache.Generator)

	embedded, _ := buildEmbeddedCache(t)
	assert.Empty(t, Generator(embedded))
}

func TestHwcaps(t *testing.T) {
	entries := []fixtureEntry{
		{key: "libm.so.6", value: "/lib64/glibc-hwcaps/x86-64-v3/libm.so.6", flags: FlagX8664Lib64 | FlagELFLibc6, hwcap: 1},
		{key: "libm.so.6", value: "/lib64/glibc-hwcaps/x86-64-v2/libm.so.6", flags: FlagX8664Lib64 | FlagELFLibc6, hwcap: 0},
		{key: "libm.so.6", value: "/lib64/libm.so.6", flags: FlagX8664Lib64 | FlagELFLibc6, hwcap: -1},
		{key: "libwild.so", value: "/lib64/libwild.so", flags: FlagX8664Lib64 | FlagELFLibc6, hwcap: 7},
	}

	cache, err := Parse(buildNewCache(t, entries, fixtureGenerator, []string{"x86-64-v2", "x86-64-v3"}))
	require.NoError(t, err)
	require.Len(t, cache.Entries, 4)

	assert.Equal(t, "x86-64-v3", cache.Entries[0].Hwcaps)
	assert.Equal(t, "x86-64-v2", cache.Entries[1].Hwcaps)
	assert.Empty(t, cache.Entries[2].Hwcaps)
	// An index past the hwcaps sections is surfaced with empty hwcaps,
	// not an error.
	assert.Empty(t, cache.Entries[3].Hwcaps)
}

func TestCorruptExtensionsKeepEntries(t *testing.T) {
	image := buildNewCache(t, hostEntries, fixtureGenerator, nil)

	// Point the extension offset past the end of the image. The
	// offset field sits after the magic (20), nlibs (4), len_strings
	// (4) and the flags byte with its padding (4).
	binary.LittleEndian.PutUint32(image[32:], uint32(len(image)+128))

	cache, err := Parse(image)
	require.NoError(t, err)
	assert.Len(t, cache.Entries, len(hostEntries))
	assert.Empty(t, cache.Generator)
}

func writeCache(t *testing.T, data []byte) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "ld.so.cache")
	require.NoError(t, os.WriteFile(file, data, 0o644))
	ClearCache()
	t.Cleanup(ClearCache)
	return file
}

func TestLibraries(t *testing.T) {
	entries := []fixtureEntry{
		{key: "libm.so.6", value: "/lib64/glibc-hwcaps/x86-64-v3/libm.so.6", flags: FlagX8664Lib64 | FlagELFLibc6, hwcap: -1},
		{key: "libm.so.6", value: "/lib64/libm.so.6", flags: FlagX8664Lib64 | FlagELFLibc6, hwcap: -1},
		{key: "libc.so.6", value: "/lib64/libc.so.6", flags: FlagX8664Lib64 | FlagELFLibc6, hwcap: -1},
		{key: "libm.so.6", value: "/lib/libm.so.6", flags: FlagPowerPCLib64 | FlagELFLibc6, hwcap: -1},
	}
	file := writeCache(t, buildNewCache(t, entries, "", nil))

	libs := Libraries(file, FlagX8664Lib64|FlagELFLibc6)
	// The earliest cache entry for a soname wins.
	assert.Equal(t, map[string]string{
		"libm.so.6": "/lib64/glibc-hwcaps/x86-64-v3/libm.so.6",
		"libc.so.6": "/lib64/libc.so.6",
	}, libs)

	assert.Len(t, Libraries(file, FlagPowerPCLib64|FlagELFLibc6), 1)
	assert.Empty(t, Libraries(file, FlagAArch64Lib64|FlagELFLibc6))
}

func TestSearch(t *testing.T) {
	file := writeCache(t, buildNewCache(t, hostEntries, "", nil))

	hostFlags := FlagX8664Lib64 | FlagELFLibc6
	assert.Equal(t, "/lib64/libc.so.6", Search("libc.so.6", file, hostFlags))
	assert.Equal(t, "/lib64/libc.so.6", Search("libc.so.6", file, FlagAny))

	// A flag mismatch on an x86-64 cache misses.
	assert.Empty(t, Search("libc.so.6", file, FlagPowerPCLib64|FlagELFLibc6))
	assert.Empty(t, Search("libnothere.so", file, FlagAny))
}

func TestLoadMissingFile(t *testing.T) {
	ClearCache()
	t.Cleanup(ClearCache)

	assert.Nil(t, Load(filepath.Join(t.TempDir(), "absent.cache")))
	assert.Empty(t, Libraries(filepath.Join(t.TempDir(), "absent.cache"), FlagAny))
}

func TestRefString(t *testing.T) {
	data := []byte("libc.so.6\x00")
	value, err := refString(data, 0)
	require.NoError(t, err)
	assert.Equal(t, "libc.so.6", value)

	_, err = refString(data, len(data))
	assert.True(t, errors.Is(err, ErrTruncated))

	_, err = refString([]byte("no terminator"), 0)
	assert.True(t, errors.Is(err, ErrTruncated))

	value, err = refString([]byte{0x0}, 0)
	require.NoError(t, err)
	assert.Empty(t, value)
}
