package ldso

import (
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// WatchCache invalidates the memoized linker cache whenever the file
// changes on disk. ldconfig replaces the cache atomically, so the
// parent directory is watched and events are filtered by name.
//
// Long-running consumers that keep resolving across ldconfig runs use
// this; one-shot tools do not need it. The returned function stops the
// watch.
func WatchCache(file string) (stop func() error, err error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := watcher.Add(filepath.Dir(file)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(file) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					log.Debugf("cache %s changed (%s); dropping memoized copy", file, event.Op)
					ClearCaches()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("cache watch: %v", err)
			}
		}
	}()

	return watcher.Close, nil
}
