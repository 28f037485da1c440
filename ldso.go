// Package ldso determines which on-disk shared objects the GNU
// dynamic linker would map for a given soname or ELF executable,
// according to the documented ld.so(8) rules.
//
// The package exposes three capabilities: parsing the persistent
// linker cache (see pkg/dlcache), parsing an ELF object's dynamic
// linking metadata into a Library, and resolving a soname to a
// filesystem path by walking the rpath, LD_LIBRARY_PATH, runpath,
// cache and default system search lists. LibrarySet composes the
// latter two into the transitive closure of a binary's dependencies,
// the report ldd(1) prints.
//
// Nothing is ever executed or mapped: all answers come from reading
// files.
package ldso

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// elfMagic is the 4-byte identification prefix of every ELF object.
var elfMagic = []byte("\x7fELF")

// ErrNotELF is returned when a file handed to the reader is not an ELF
// object.
var ErrNotELF = errors.New("ldso: not a dynamic executable")

// LinkingError reports a soname that could not be resolved by any of
// the documented sources.
type LinkingError struct {
	SOName string
}

func (e *LinkingError) Error() string {
	return fmt.Sprintf("ldso: failed to resolve %q", e.SOName)
}

// IsELF reports whether the file at path begins with the ELF magic.
func IsELF(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	magic := make([]byte, len(elfMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return false
	}
	return bytes.Equal(magic, elfMagic)
}

// Ldd expands the ELF executable at path into the transitive set of
// shared objects the loader would map for it.
func Ldd(path string) (LibrarySet, error) {
	if !IsELF(path) {
		return nil, ErrNotELF
	}

	libs := NewLibrarySet(NewLibrary(path))
	return libs.Resolve(), nil
}
