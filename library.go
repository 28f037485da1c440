package ldso

import (
	"debug/elf"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Library holds the ELF header fields relevant to dynamic linking of
// one shared object or executable.
//
// Two Library values are the same library iff their soname and
// defined version sets both match; a soname collision with differing
// versions is how a newer or older build of the "same" library is
// detected.
type Library struct {
	// SOName is the DT_SONAME string; empty for main executables
	// without one.
	SOName string

	// BinaryPath is the file the data was read from.
	BinaryPath string

	// Needed is the set of sonames from DT_NEEDED.
	Needed map[string]bool

	// RPath and RunPath are the colon-split DT_RPATH and DT_RUNPATH
	// directory lists, in tag order.
	RPath   []string
	RunPath []string

	// DefinedVersions is the set of version names this object defines
	// (GNU verdef).
	DefinedVersions map[string]bool

	// RequiredVersions maps a provider soname to the set of version
	// names required from it (GNU verneed).
	RequiredVersions map[string]map[string]bool
}

func newLibrary() *Library {
	return &Library{
		Needed:           make(map[string]bool),
		DefinedVersions:  make(map[string]bool),
		RequiredVersions: make(map[string]map[string]bool),
	}
}

// NewLibrary reads the dynamic linking metadata of the ELF object at
// path. Parse errors are logged and yield a Library with only
// BinaryPath set: a leaf with unknown identity that satisfies no
// requirement, so closure computation can still terminate.
func NewLibrary(path string) *Library {
	library := newLibrary()
	library.BinaryPath = path

	f, err := elf.Open(path)
	if err != nil {
		log.Errorf("error parsing %q for ELF data: %v", path, err)
		return library
	}
	defer f.Close()

	parsed := newLibrary()
	parsed.BinaryPath = path

	if err := parsed.parseDynamic(f); err != nil {
		log.Errorf("error parsing %q for ELF data: %v", path, err)
		return library
	}
	if err := parsed.parseVersions(f); err != nil {
		log.Errorf("error parsing %q version data: %v", path, err)
		return library
	}

	return parsed
}

func (l *Library) parseDynamic(f *elf.File) error {
	if sonames, err := f.DynString(elf.DT_SONAME); err != nil {
		return err
	} else if len(sonames) == 1 {
		l.SOName = sonames[0]
	}

	if rpath, err := f.DynString(elf.DT_RPATH); err != nil {
		return err
	} else if len(rpath) == 1 {
		l.RPath = strings.Split(rpath[0], ":")
	}

	if runpath, err := f.DynString(elf.DT_RUNPATH); err != nil {
		return err
	} else if len(runpath) == 1 {
		l.RunPath = strings.Split(runpath[0], ":")
	}

	needed, err := f.DynString(elf.DT_NEEDED)
	if err != nil {
		return err
	}
	for _, soname := range needed {
		l.Needed[soname] = true
	}

	return nil
}

// Equal reports whether two libraries share both soname and defined
// version set.
func (l *Library) Equal(other *Library) bool {
	if other == nil || l.SOName != other.SOName {
		return false
	}
	if len(l.DefinedVersions) != len(other.DefinedVersions) {
		return false
	}
	for version := range l.DefinedVersions {
		if !other.DefinedVersions[version] {
			return false
		}
	}
	return true
}

// Less orders libraries by soname, for stable display only.
func (l *Library) Less(other *Library) bool {
	return l.SOName < other.SOName
}

func (l *Library) String() string {
	return "'" + l.SOName + "' from '" + l.BinaryPath + "'"
}

// sortedKeys flattens a string set for display.
func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
