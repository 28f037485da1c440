package ldso

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/appsworld/go-ldso/pkg/dlcache"
)

// defaultPath is the hard-coded search list the loader falls back to,
// in order. Sourced from ld.so(8).
var defaultPath = []string{"/lib", "/usr/lib", "/lib64", "/usr/lib64"}

type resolveConfig struct {
	rpath     []string
	runpath   []string
	archFlags dlcache.Flags
	cacheFile string
	absolute  bool
}

// ResolveOption adjusts a single Resolve lookup.
type ResolveOption func(*resolveConfig)

// WithRPath supplies the DT_RPATH list of the importing object.
func WithRPath(paths []string) ResolveOption {
	return func(cfg *resolveConfig) { cfg.rpath = paths }
}

// WithRunPath supplies the DT_RUNPATH list of the importing object.
func WithRunPath(paths []string) ResolveOption {
	return func(cfg *resolveConfig) { cfg.runpath = paths }
}

// WithArchFlags restricts cache hits to entries carrying exactly the
// given flags; useful to find 32-bit libraries on a 64-bit system.
// dlcache.FlagAny disables the filter. Without this option the flags
// expected for the running process are used.
func WithArchFlags(flags dlcache.Flags) ResolveOption {
	return func(cfg *resolveConfig) { cfg.archFlags = flags }
}

// WithCacheFile consults the given cache instead of /etc/ld.so.cache.
func WithCacheFile(file string) ResolveOption {
	return func(cfg *resolveConfig) { cfg.cacheFile = file }
}

// Absolute returns the symlink-resolved path of the hit instead of the
// path as discovered.
func Absolute() ResolveOption {
	return func(cfg *resolveConfig) { cfg.absolute = true }
}

var envPaths struct {
	sync.Mutex
	loaded bool
	dirs   []string
}

// ldLibraryPath returns the LD_LIBRARY_PATH directories, colon-split
// with empty components discarded. The snapshot is taken once per
// process; ClearCaches drops it.
func ldLibraryPath() []string {
	envPaths.Lock()
	defer envPaths.Unlock()

	if !envPaths.loaded {
		for _, dir := range strings.Split(os.Getenv("LD_LIBRARY_PATH"), ":") {
			if dir != "" {
				envPaths.dirs = append(envPaths.dirs, dir)
			}
		}
		envPaths.loaded = true
	}
	return envPaths.dirs
}

// ClearCaches forgets the LD_LIBRARY_PATH snapshot and every memoized
// linker cache. Tests use it to manipulate the environment between
// lookups.
func ClearCaches() {
	envPaths.Lock()
	envPaths.loaded = false
	envPaths.dirs = nil
	envPaths.Unlock()

	dlcache.ClearCache()
}

// searchDirs probes dir/soname for each existing directory in the
// list. Existence alone is sufficient; no ELF validation happens here.
func searchDirs(soname string, dirs []string, reason string) string {
	if len(dirs) > 0 {
		log.Debugf("search path=%s\t\t(%s)", strings.Join(dirs, string(os.PathListSeparator)), reason)
	}

	for _, dir := range dirs {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			continue
		}

		candidate := filepath.Join(dir, soname)
		log.Debugf("trying file=%s", candidate)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}

	return ""
}

// Resolve looks up a single soname the way the loader would, walking
// rpath, LD_LIBRARY_PATH, runpath, the linker cache and the default
// system directories in that order and returning on the first hit.
// The empty string means no source knows the soname.
//
// The cache step trusts the recorded path without probing the
// filesystem. DT_RPATH keeps being honored even when DT_RUNPATH is
// present.
func Resolve(soname string, opts ...ResolveOption) string {
	cfg := resolveConfig{cacheFile: dlcache.DefaultPath}
	for _, opt := range opts {
		opt(&cfg)
	}

	log.Debugf("find library=%s; searching", soname)

	found := searchDirs(soname, cfg.rpath, "RPATH")
	if found == "" {
		found = searchDirs(soname, ldLibraryPath(), "LD_LIBRARY_PATH")
	}
	if found == "" {
		found = searchDirs(soname, cfg.runpath, "RUNPATH")
	}
	if found == "" {
		log.Debugf("search cache=%s", cfg.cacheFile)
		found = dlcache.Search(soname, cfg.cacheFile, cfg.archFlags)
	}
	if found == "" {
		found = searchDirs(soname, defaultPath, "system default")
	}

	if found != "" && cfg.absolute {
		if resolved, err := filepath.EvalSymlinks(found); err == nil {
			found = resolved
		}
	}

	return found
}
