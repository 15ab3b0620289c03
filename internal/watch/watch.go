// Package watch re-runs a search when a watched directory stops changing.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"panosearch/internal/config"
	"panosearch/internal/fsutil"
)

// Trigger is called with a directory once it has settled.
type Trigger func(dir string) error

// Event is a filesystem change on an image file.
type Event struct {
	Path      string
	Operation string // "created", "modified", "deleted", "renamed"
	Time      time.Time
}

// Watcher monitors directories and fires a trigger per directory after a
// quiet period.
type Watcher struct {
	fs        *fsnotify.Watcher
	dirs      []string
	exts      []string
	debounce  time.Duration
	minImages int
	trigger   Trigger
	log       *slog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	settled chan string
	done    chan struct{}
}

// New creates a watcher over dirs. Nothing is watched until Run.
func New(dirs []string, cfg config.Watch, exts []string, trigger Trigger, logger *slog.Logger) (*Watcher, error) {
	if len(dirs) == 0 {
		return nil, errors.New("no directories to watch")
	}
	if trigger == nil {
		return nil, errors.New("watch trigger is required")
	}
	for _, d := range dirs {
		if !fsutil.IsDirectory(d) {
			return nil, fmt.Errorf("not a directory: %s", d)
		}
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	debounce := cfg.Debounce.Duration
	if debounce <= 0 {
		debounce = 30 * time.Second
	}
	return &Watcher{
		fs:        fw,
		dirs:      dirs,
		exts:      exts,
		debounce:  debounce,
		minImages: cfg.MinImages,
		trigger:   trigger,
		log:       logger,
		timers:    make(map[string]*time.Timer),
		settled:   make(chan string, len(dirs)),
		done:      make(chan struct{}),
	}, nil
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fs.Close()
	defer close(w.done)
	for _, dir := range w.dirs {
		if err := w.fs.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.log.Info("Watching directory", "dir", dir, "debounce", w.debounce)
	}
	defer w.stopTimers()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			if e, keep := w.convert(ev); keep {
				w.log.Debug("Filesystem event", "path", e.Path, "op", e.Operation)
				w.touch(filepath.Dir(e.Path))
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			w.log.Error("Filesystem watcher error", "error", err)
		case dir := <-w.settled:
			w.fire(dir)
		}
	}
}

func (w *Watcher) convert(ev fsnotify.Event) (Event, bool) {
	var op string
	switch {
	case ev.Op&fsnotify.Create == fsnotify.Create:
		op = "created"
	case ev.Op&fsnotify.Write == fsnotify.Write:
		op = "modified"
	case ev.Op&fsnotify.Remove == fsnotify.Remove:
		op = "deleted"
	case ev.Op&fsnotify.Rename == fsnotify.Rename:
		op = "renamed"
	default:
		return Event{}, false
	}
	if !w.wanted(ev.Name) {
		return Event{}, false
	}
	return Event{Path: ev.Name, Operation: op, Time: time.Now()}, true
}

func (w *Watcher) wanted(path string) bool {
	if len(w.exts) == 0 {
		return fsutil.IsImageFile(path)
	}
	ext := filepath.Ext(path)
	for _, e := range w.exts {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// touch restarts the quiet period for dir.
func (w *Watcher) touch(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[dir]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[dir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, dir)
		w.mu.Unlock()
		select {
		case w.settled <- dir:
		case <-w.done:
		}
	})
}

func (w *Watcher) fire(dir string) {
	images, err := fsutil.ListImages(dir, w.exts, false)
	if err != nil {
		w.log.Error("Failed to list settled directory", "dir", dir, "error", err)
		return
	}
	if len(images) < w.minImages {
		w.log.Info("Directory settled with too few images", "dir", dir, "images", len(images), "min", w.minImages)
		return
	}
	w.log.Info("Directory settled", "dir", dir, "images", len(images))
	if err := w.trigger(dir); err != nil {
		w.log.Error("Failed to start search", "dir", dir, "error", err)
	}
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for dir, t := range w.timers {
		t.Stop()
		delete(w.timers, dir)
	}
}
