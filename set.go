package ldso

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/appsworld/go-ldso/pkg/dlcache"
)

// LibrarySet collects Library records keyed by soname. At most one
// member exists per soname; inserting a second evicts the first, so
// the later insertion wins.
type LibrarySet map[string]*Library

// NewLibrarySet builds a set from the given members.
func NewLibrarySet(libs ...*Library) LibrarySet {
	set := make(LibrarySet, len(libs))
	for _, lib := range libs {
		set.Add(lib)
	}
	return set
}

// Add inserts a library, evicting any member with the same soname.
func (s LibrarySet) Add(lib *Library) {
	s[lib.SOName] = lib
}

// clone returns a shallow copy of the set.
func (s LibrarySet) clone() LibrarySet {
	copied := make(LibrarySet, len(s))
	for soname, lib := range s {
		copied[soname] = lib
	}
	return copied
}

// sorted returns the members ordered by soname, for stable display and
// deterministic aggregation.
func (s LibrarySet) sorted() []*Library {
	libs := make([]*Library, 0, len(s))
	for _, lib := range s {
		libs = append(libs, lib)
	}
	sort.Slice(libs, func(i, j int) bool { return libs[i].Less(libs[j]) })
	return libs
}

// SONames returns the sonames of every member.
func (s LibrarySet) SONames() map[string]bool {
	sonames := make(map[string]bool, len(s))
	for soname := range s {
		sonames[soname] = true
	}
	return sonames
}

// RPath merges the members' rpath lists.
func (s LibrarySet) RPath() []string {
	var merged []string
	for _, lib := range s.sorted() {
		merged = append(merged, lib.RPath...)
	}
	return merged
}

// RunPath merges the members' runpath lists.
func (s LibrarySet) RunPath() []string {
	var merged []string
	for _, lib := range s.sorted() {
		merged = append(merged, lib.RunPath...)
	}
	return merged
}

// DefinedVersions aggregates every version name defined by a member.
func (s LibrarySet) DefinedVersions() map[string]bool {
	defined := make(map[string]bool)
	for _, lib := range s {
		for version := range lib.DefinedVersions {
			defined[version] = true
		}
	}
	return defined
}

// RequiredVersions aggregates every version name required by a member,
// across all providers.
func (s LibrarySet) RequiredVersions() map[string]bool {
	required := make(map[string]bool)
	for _, lib := range s {
		for _, versions := range lib.RequiredVersions {
			for version := range versions {
				required[version] = true
			}
		}
	}
	return required
}

// MissingLibraries returns the sonames referenced by a member's
// DT_NEEDED but not present as a member.
func (s LibrarySet) MissingLibraries() map[string]bool {
	missing := make(map[string]bool)
	for _, lib := range s {
		for soname := range lib.Needed {
			if _, ok := s[soname]; !ok {
				missing[soname] = true
			}
		}
	}
	return missing
}

// RequiredLibraries returns the members depended upon by another
// member.
func (s LibrarySet) RequiredLibraries() LibrarySet {
	sonames := make(map[string]bool)
	for _, lib := range s {
		for soname := range lib.Needed {
			sonames[soname] = true
		}
	}

	required := make(LibrarySet)
	for soname, lib := range s {
		if sonames[soname] {
			required[soname] = lib
		}
	}
	return required
}

// TopLevel returns the members no other member depends on; for a set
// built from an executable, the executable itself.
func (s LibrarySet) TopLevel() LibrarySet {
	required := s.RequiredLibraries()

	top := make(LibrarySet)
	for soname, lib := range s {
		if _, ok := required[soname]; !ok {
			top[soname] = lib
		}
	}
	return top
}

// OutdatedLibraries returns the members that fail to define all the
// version names some other member requires of them.
func (s LibrarySet) OutdatedLibraries() LibrarySet {
	outdated := make(LibrarySet)

	for _, lib := range s {
		for soname, required := range lib.RequiredVersions {
			dependency, ok := s[soname]
			if !ok {
				continue
			}

			for version := range required {
				if !dependency.DefinedVersions[version] {
					outdated.Add(dependency)
					break
				}
			}
		}
	}

	return outdated
}

// GLib returns the members that define or reference the GLIBC_PRIVATE
// version: ABI shared between the dynamic loader and libc, tying them
// to a specific libc installation.
func (s LibrarySet) GLib() LibrarySet {
	const private = "GLIBC_PRIVATE"

	references := func(lib *Library) bool {
		if lib.DefinedVersions[private] {
			return true
		}
		for _, versions := range lib.RequiredVersions {
			if versions[private] {
				return true
			}
		}
		return false
	}

	glib := make(LibrarySet)
	for soname, lib := range s {
		if references(lib) {
			glib[soname] = lib
		}
	}
	return glib
}

// Linkers returns the members of GLib with no dependencies of their
// own: the dynamic loader.
func (s LibrarySet) Linkers() LibrarySet {
	linkers := make(LibrarySet)
	for soname, lib := range s.GLib() {
		if len(lib.Needed) == 0 {
			linkers[soname] = lib
		}
	}
	return linkers
}

// Complete reports whether every dependency is present and every
// required version is defined somewhere in the set.
func (s LibrarySet) Complete() bool {
	if len(s.MissingLibraries()) != 0 {
		return false
	}

	defined := s.DefinedVersions()
	for version := range s.RequiredVersions() {
		if !defined[version] {
			return false
		}
	}
	return true
}

// Find returns a member whose soname begins with the query, or nil.
// The query is escaped before matching, so metacharacters in library
// names ('.', '+') are taken literally. Meant for human lookup, not
// correctness-sensitive paths.
func (s LibrarySet) Find(query string) *Library {
	pattern, err := regexp.Compile("^" + regexp.QuoteMeta(query))
	if err != nil {
		return nil
	}

	for _, lib := range s.sorted() {
		if pattern.MatchString(lib.SOName) {
			return lib
		}
	}
	return nil
}

// archFlags picks the cache flag filter for a resolution pass: if all
// members with computable expected flags agree on one value, entries
// are filtered by it; mixed architectures skip the filter.
func (s LibrarySet) archFlags() dlcache.Flags {
	valid := make(map[dlcache.Flags]bool)
	for _, lib := range s {
		if flags, ok := dlcache.ExpectedFlags(lib.BinaryPath); ok {
			valid[flags] = true
		}
	}

	switch len(valid) {
	case 0:
		return 0
	case 1:
		for flags := range valid {
			return flags
		}
	}

	var mixed []string
	for flags := range valid {
		mixed = append(mixed, flags.String())
	}
	sort.Strings(mixed)
	log.Debugf("resolving dependencies of a set with mixed architectures (%s)", strings.Join(mixed, ";"))
	return dlcache.FlagAny
}

// Resolve expands the set to a fixed point: every missing soname is
// looked up with the members' merged rpath and runpath, resolved paths
// are parsed and inserted, and the iteration stops once a pass leaves
// the missing set unchanged. The returned superset is Complete when
// every dependency could be found.
func (s LibrarySet) Resolve() LibrarySet {
	superset := s.clone()
	archFlags := s.archFlags()

	missing := superset.MissingLibraries()
	for change := true; change; {
		for soname := range missing {
			path := Resolve(soname,
				WithRPath(superset.RPath()),
				WithRunPath(superset.RunPath()),
				WithArchFlags(archFlags))
			if path == "" {
				continue
			}

			superset.Add(NewLibrary(path))
		}

		next := superset.MissingLibraries()
		change = !sameSONames(next, missing)
		missing = next
	}

	return superset
}

func sameSONames(a, b map[string]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for soname := range a {
		if !b[soname] {
			return false
		}
	}
	return true
}

// CreateFrom builds the resolved closure of a mixed list of filesystem
// paths and bare sonames. Sonames are resolved against the rpath and
// runpath accumulated so far; one that no source knows fails with a
// LinkingError.
func CreateFrom(items []string) (LibrarySet, error) {
	set := make(LibrarySet)

	for _, item := range items {
		path := item
		if !strings.Contains(item, "/") {
			path = Resolve(item,
				WithRPath(set.RPath()),
				WithRunPath(set.RunPath()))
		}
		if path == "" {
			return nil, &LinkingError{SOName: item}
		}

		set.Add(NewLibrary(path))
	}

	return set.Resolve(), nil
}

// LddFormat renders the set the way ldd(1) prints its report: one line
// per known and missing soname. Line order is not contractual; sonames
// are sorted for stable output.
func (s LibrarySet) LddFormat() []string {
	sonames := s.SONames()
	for soname := range s.MissingLibraries() {
		sonames[soname] = true
	}

	lines := make([]string, 0, len(sonames))
	for _, soname := range sortedKeys(sonames) {
		if soname == "" {
			// A main executable without DT_SONAME is not a dependency.
			continue
		}
		if lib, ok := s[soname]; ok && lib.BinaryPath != "" {
			lines = append(lines, fmt.Sprintf("\t%s => %s", soname, lib.BinaryPath))
		} else {
			lines = append(lines, fmt.Sprintf("\t%s => not found", soname))
		}
	}
	return lines
}
