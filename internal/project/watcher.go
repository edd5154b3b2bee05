package project

import (
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Change int

const (
	// ChangeInterfaces means compiled interfaces changed and the engine
	// should refresh.
	ChangeInterfaces Change = iota
	// ChangeProject means the .merlin project file changed.
	ChangeProject
)

func (c Change) String() string {
	if c == ChangeProject {
		return "project"
	}
	return "interfaces"
}

const ProjectFile = ".merlin"

const debounceInterval = 100 * time.Millisecond

// Watcher watches the directories of session keys and reports changes to
// files with the configured extensions.
type Watcher struct {
	fw       *fsnotify.Watcher
	exts     map[string]bool
	onChange func(key string, c Change)
	log      *slog.Logger

	mu      sync.Mutex
	dirs    map[string]map[string]bool // dir -> keys
	pending map[string]*pendingChange  // path -> trailing-edge timer
	done    chan struct{}
	stopped bool
}

func NewWatcher(exts []string, onChange func(key string, c Change), log *slog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	w := &Watcher{
		fw:       fw,
		exts:     map[string]bool{},
		onChange: onChange,
		log:      log,
		dirs:     map[string]map[string]bool{},
		pending:  map[string]*pendingChange{},
		done:     make(chan struct{}),
	}
	for _, ext := range exts {
		w.exts[strings.ToLower(ext)] = true
	}
	go w.loop()
	return w, nil
}

// Add starts watching the directory of key. The empty key is ignored.
func (w *Watcher) Add(key string) error {
	dir := Dir(key)
	if dir == "" {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	keys, ok := w.dirs[dir]
	if !ok {
		if err := w.fw.Add(dir); err != nil {
			return err
		}
		keys = map[string]bool{}
		w.dirs[dir] = keys
	}
	keys[key] = true
	return nil
}

func (w *Watcher) Remove(key string) {
	dir := Dir(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	keys, ok := w.dirs[dir]
	if !ok {
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(w.dirs, dir)
		_ = w.fw.Remove(dir)
	}
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return nil
	}
	w.stopped = true
	for path, p := range w.pending {
		p.timer.Stop()
		delete(w.pending, path)
	}
	close(w.done)
	return w.fw.Close()
}

func (w *Watcher) loop() {
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			change, ok := w.classify(ev.Name)
			if !ok {
				continue
			}
			w.schedule(ev.Name, change)
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.log.Warn("project watcher", "err", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) classify(path string) (Change, bool) {
	base := filepath.Base(path)
	if base == ProjectFile {
		return ChangeProject, w.exts[ProjectFile]
	}
	return ChangeInterfaces, w.exts[strings.ToLower(filepath.Ext(base))]
}

type pendingChange struct {
	timer *time.Timer
}

// schedule reports path once it has been quiet for debounceInterval, so a
// file written in several steps is reported after the last write.
func (w *Watcher) schedule(path string, change Change) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if p, ok := w.pending[path]; ok && p.timer.Stop() {
		p.timer.Reset(debounceInterval)
		return
	}
	p := &pendingChange{}
	p.timer = time.AfterFunc(debounceInterval, func() { w.fire(path, change, p) })
	w.pending[path] = p
}

// fire reports path unless p was superseded by a later event.
func (w *Watcher) fire(path string, change Change, p *pendingChange) {
	w.mu.Lock()
	if w.stopped || w.pending[path] != p {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	keys := make([]string, 0, len(w.dirs[filepath.Dir(path)]))
	for k := range w.dirs[filepath.Dir(path)] {
		keys = append(keys, k)
	}
	w.mu.Unlock()
	for _, key := range keys {
		w.log.Debug("project file changed", "key", key, "file", path, "change", change)
		w.onChange(key, change)
	}
}
