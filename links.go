package ldso

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// glibc objects are named like libc-2.33.so while their links are
// named libc.so.6.
var glibcVersioned = regexp.MustCompile(`^(lib[a-z_]+)-.+`)

// LibraryLinks resolves the symbolic links that live next to a library
// and point at it.
//
// Given the directory:
//
//	libmpi.so -> libmpi.so.12.1.1
//	libmpi.so.12 -> libmpi.so.12.1.1
//	libmpi.so.12.1.1
//
// whichever of the three the Library was read from, all three are
// returned.
func LibraryLinks(lib *Library) ([]string, error) {
	if lib == nil || lib.BinaryPath == "" {
		return nil, fmt.Errorf("ldso: no binary path to resolve links for")
	}

	libname := filepath.Base(lib.BinaryPath)
	if !strings.Contains(libname, ".so") {
		log.Debugf("library links: unexpected file name format %q", libname)
		return []string{lib.BinaryPath}, nil
	}

	target, err := filepath.EvalSymlinks(lib.BinaryPath)
	if err != nil {
		return nil, err
	}

	cleared := make(map[string]bool)

	globLinks := func(prefix string) {
		pattern := filepath.Join(filepath.Dir(target), prefix+".so*")
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return
		}
		for _, match := range matches {
			if resolved, err := filepath.EvalSymlinks(match); err == nil && resolved == target {
				cleared[match] = true
			}
		}
	}

	prefix := strings.SplitN(libname, ".so", 2)[0]
	globLinks(prefix)

	if groups := glibcVersioned.FindStringSubmatch(prefix); groups != nil {
		globLinks(groups[1])
	}

	// A symlink presenting as another library: return both the link
	// and the shared object pointed to.
	if lib.SOName != libname {
		cleared[lib.BinaryPath] = true
		cleared[target] = true
	}

	links := make([]string, 0, len(cleared))
	for link := range cleared {
		links = append(links, link)
	}
	sort.Strings(links)
	return links, nil
}
