package registry

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/watchtower-proxy/watchtower/internal/log"
)

// watchedFiles lists the registry files a GUI collaborator may edit
// directly on disk (bypassing the control API), per spec.md §6.
var watchedFiles = []string{
	"domain_local_routes.json",
	"api_mocks.json",
	"domain_api_logging_links.json",
	"proxy_settings.json",
}

// Watcher reloads a Bundle's registries when their backing files change
// out from under the process, debounced like the teacher corpus's
// fsnotify-based policy watcher (mercator-hq-jupiter's
// pkg/policy/manager/watcher.go), simplified to a single flat directory
// of known filenames instead of a recursive tree walk.
type Watcher struct {
	dir     string
	bundle  *Bundle
	watcher *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer

	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a Watcher over dir's registry files. Call Run to
// start watching; it blocks until Stop is called.
func NewWatcher(dir string, bundle *Bundle) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("registry: creating file watcher: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("registry: watching %s: %w", dir, err)
	}
	return &Watcher{
		dir:     dir,
		bundle:  bundle,
		watcher: fw,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Run processes fsnotify events until Stop is called. It is intended to
// run in its own goroutine.
func (w *Watcher) Run() {
	defer close(w.done)
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.debounce(ev.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn("registry watcher error", "error", err)
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
		return false
	}
	name := filepath.Base(ev.Name)
	for _, f := range watchedFiles {
		if name == f || name == f+".bak" {
			return true
		}
	}
	return false
}

func (w *Watcher) debounce(path string) {
	const debounceInterval = 150 * time.Millisecond

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(debounceInterval, func() {
		if err := w.bundle.Reload(); err != nil {
			log.Warn("registry reload failed", "path", path, "error", err)
		} else {
			log.Info("registry reloaded from disk", "path", path)
		}
	})
}

// Stop halts the watch loop and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
	w.watcher.Close()
}
