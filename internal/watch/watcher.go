// Package watch observes an external workspace directory for out-of-band
// file modifications made while a mission runs. The coordinator's
// verification step can consult the recorded modifications to flag drift
// between the canonical file set and what actually sits on disk.
package watch

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gobwas/glob"

	"github.com/praxislabs/dirigent/internal/logging"
)

// debounceWindow coalesces the burst of events editors emit for one save.
const debounceWindow = 50 * time.Millisecond

// Modification records one observed file change.
type Modification struct {
	Path string    `json:"path"` // relative to the watched root
	At   time.Time `json:"at"`
}

// Watcher observes a workspace for file modifications.
type Watcher interface {
	// Start begins watching. Safe to call once.
	Start() error
	// Stop stops watching and releases resources.
	Stop()
	// Modifications returns the changes observed so far, newest last.
	Modifications() []Modification
	// Reset discards recorded modifications.
	Reset()
}

// Disabled is the null-object Watcher wired when watching is turned off.
type Disabled struct{}

func (Disabled) Start() error                 { return nil }
func (Disabled) Stop()                        {}
func (Disabled) Modifications() []Modification { return nil }
func (Disabled) Reset()                       {}

// FSWatcher is an fsnotify-backed Watcher with glob ignore patterns.
type FSWatcher struct {
	root    string
	ignores []glob.Glob
	logger  *logging.Logger
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	observed map[string]time.Time
	order    []string
	onChange func(Modification)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates an FSWatcher over root. Ignore patterns are matched with
// glob syntax against each path element and the relative path.
func New(root string, ignore []string, logger *logging.Logger) (*FSWatcher, error) {
	if logger == nil {
		logger = logging.NopLogger()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ignores := make([]glob.Glob, 0, len(ignore))
	for _, pattern := range ignore {
		g, err := glob.Compile(pattern)
		if err != nil {
			watcher.Close()
			return nil, err
		}
		ignores = append(ignores, g)
	}

	return &FSWatcher{
		root:     root,
		ignores:  ignores,
		logger:   logger,
		watcher:  watcher,
		observed: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
	}, nil
}

// SetCallback registers a function invoked for each recorded modification.
func (w *FSWatcher) SetCallback(cb func(Modification)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onChange = cb
}

// Start implements Watcher. It registers the root and its subdirectories
// and begins the event loop.
func (w *FSWatcher) Start() error {
	if err := w.watchRecursive(w.root); err != nil {
		return err
	}
	go w.loop()
	w.logger.Info("workspace watcher started", "root", w.root)
	return nil
}

// watchRecursive registers root and every non-ignored subdirectory.
// fsnotify only watches directories, not trees.
func (w *FSWatcher) watchRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if w.ignored(path) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			if err := w.watcher.Add(path); err != nil {
				w.logger.Warn("cannot watch directory", "path", path, "error", err.Error())
			}
		}
		return nil
	})
}

// Stop implements Watcher.
func (w *FSWatcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.watcher.Close()
	})
}

// loop processes filesystem events with debouncing.
func (w *FSWatcher) loop() {
	debounce := time.NewTimer(0)
	<-debounce.C

	pending := make(map[string]struct{})
	for {
		select {
		case <-w.stopCh:
			return

		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if w.ignored(ev.Name) {
				continue
			}
			// New directories join the watch set as they appear.
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.watchRecursive(ev.Name)
					continue
				}
			}
			pending[ev.Name] = struct{}{}
			debounce.Reset(debounceWindow)

		case <-debounce.C:
			for path := range pending {
				w.record(path)
			}
			pending = make(map[string]struct{})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", "error", err.Error())
		}
	}
}

// record stores one modification and fires the callback.
func (w *FSWatcher) record(path string) {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}

	w.mu.Lock()
	if _, seen := w.observed[rel]; !seen {
		w.order = append(w.order, rel)
	}
	mod := Modification{Path: rel, At: time.Now()}
	w.observed[rel] = mod.At
	cb := w.onChange
	w.mu.Unlock()

	w.logger.Debug("workspace file modified", "path", rel)
	if cb != nil {
		cb(mod)
	}
}

// ignored reports whether any ignore pattern matches the path, its base
// name, or any of its elements.
func (w *FSWatcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		rel = path
	}
	for _, g := range w.ignores {
		if g.Match(rel) || g.Match(filepath.Base(path)) {
			return true
		}
		for _, part := range strings.Split(rel, string(filepath.Separator)) {
			if g.Match(part) {
				return true
			}
		}
	}
	return false
}

// Modifications implements Watcher.
func (w *FSWatcher) Modifications() []Modification {
	w.mu.Lock()
	defer w.mu.Unlock()

	result := make([]Modification, 0, len(w.order))
	for _, path := range w.order {
		result = append(result, Modification{Path: path, At: w.observed[path]})
	}
	return result
}

// Reset implements Watcher.
func (w *FSWatcher) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.observed = make(map[string]time.Time)
	w.order = nil
}
