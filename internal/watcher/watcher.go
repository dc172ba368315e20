package watcher

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/dshills/codeindex-mcp/internal/logging"
)

// Defaults applied when Options leave a field zero
const (
	DefaultDebounce     = 500 * time.Millisecond
	DefaultPollInterval = 5 * time.Second
	maxWaitFactor       = 10
)

// Batch is a set of coalesced changes, relative slash paths in sorted order.
// Removed may name directories; their files are gone too.
type Batch struct {
	Changed []string `json:"changed,omitempty"`
	Removed []string `json:"removed,omitempty"`
}

// Empty reports whether the batch names no path
func (b Batch) Empty() bool {
	return len(b.Changed)+len(b.Removed) == 0
}

// Filter excludes paths from watching
type Filter interface {
	Ignored(rel string) bool
	IgnoredDir(rel string) bool
}

// Watcher modes
const (
	ModeFSNotify = "fsnotify"
	ModePolling  = "polling"
)

// Watcher delivers batches of changes under one root
type Watcher interface {
	// Batches is closed when the watcher stops
	Batches() <-chan Batch
	// Mode is ModeFSNotify or ModePolling
	Mode() string
	Close() error
}

// Options configures New
type Options struct {
	// Debounce is the quiet period after the last event before a batch is
	// delivered. Continuous activity still flushes after ten windows.
	Debounce     time.Duration
	PollInterval time.Duration
	ForcePolling bool
	Logger       *slog.Logger
}

func (o *Options) defaults() {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.Logger == nil {
		o.Logger = logging.Component("watcher")
	}
}

// New watches root with fsnotify, falling back to polling when the
// platform watcher cannot be created.
func New(root string, filter Filter, opts Options) (Watcher, error) {
	opts.defaults()
	info, err := os.Stat(root)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, &fs.PathError{Op: "watch", Path: root, Err: errors.New("not a directory")}
	}
	if !opts.ForcePolling {
		w, err := newFSWatcher(root, filter, opts)
		if err == nil {
			return w, nil
		}
		opts.Logger.Warn("fsnotify unavailable, polling instead", "root", root, "interval", opts.PollInterval, "error", err)
	}
	return newPoller(root, filter, opts)
}

// fsWatcher coalesces fsnotify events per path
type fsWatcher struct {
	root   string
	filter Filter
	opts   Options
	logger *slog.Logger

	fs   *fsnotify.Watcher
	out  chan Batch
	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func newFSWatcher(root string, filter Filter, opts Options) (*fsWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &fsWatcher{
		root:   root,
		filter: filter,
		opts:   opts,
		logger: opts.Logger.With("root", root),
		fs:     fw,
		out:    make(chan Batch, 1),
		done:   make(chan struct{}),
	}
	if _, err := w.addRecursive(root); err != nil {
		_ = fw.Close()
		return nil, err
	}
	w.wg.Add(1)
	go w.loop()
	return w, nil
}

func (w *fsWatcher) Batches() <-chan Batch {
	return w.out
}

func (w *fsWatcher) Mode() string { return ModeFSNotify }

func (w *fsWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
	})
	return err
}

func (w *fsWatcher) rel(p string) string {
	r, err := filepath.Rel(w.root, p)
	if err != nil || r == "." {
		return ""
	}
	return filepath.ToSlash(r)
}

// addRecursive watches dir and its subdirectories and returns the files
// found below it
func (w *fsWatcher) addRecursive(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// the directory may vanish while we walk it
			if p == dir {
				return err
			}
			return nil
		}
		rel := w.rel(p)
		if d.IsDir() {
			if rel != "" && w.filter != nil && w.filter.IgnoredDir(rel) {
				return filepath.SkipDir
			}
			if err := w.fs.Add(p); err != nil {
				w.logger.Warn("failed to watch directory", "dir", rel, "error", err)
			}
			return nil
		}
		if d.Type().IsRegular() && (w.filter == nil || !w.filter.Ignored(rel)) {
			files = append(files, rel)
		}
		return nil
	})
	return files, err
}

func (w *fsWatcher) loop() {
	defer w.wg.Done()
	defer close(w.out)

	pending := make(map[string]bool)
	var (
		timer  *time.Timer
		timerC <-chan time.Time
		first  time.Time
	)
	maxWait := w.opts.Debounce * maxWaitFactor

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if !w.handle(ev, pending) {
				continue
			}
			switch {
			case timer == nil:
				first = time.Now()
				timer = time.NewTimer(w.opts.Debounce)
			case time.Since(first) < maxWait:
				timer.Reset(w.opts.Debounce)
			}
			timerC = timer.C

		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", "error", err)

		case <-timerC:
			batch := w.resolve(pending)
			pending = make(map[string]bool)
			timer, timerC = nil, nil
			if batch.Empty() {
				continue
			}
			select {
			case w.out <- batch:
			case <-w.done:
				return
			}
		}
	}
}

// handle records an event and reports whether anything became pending
func (w *fsWatcher) handle(ev fsnotify.Event, pending map[string]bool) bool {
	if ev.Op == fsnotify.Chmod {
		return false
	}
	rel := w.rel(ev.Name)
	if rel == "" {
		return false
	}
	if ev.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if w.filter != nil && w.filter.IgnoredDir(rel) {
				return false
			}
			// files written before the watch was added produce no events
			files, err := w.addRecursive(ev.Name)
			if err != nil {
				return false
			}
			for _, f := range files {
				pending[f] = true
			}
			return len(files) > 0
		}
	}
	if w.filter != nil && w.filter.Ignored(rel) {
		return false
	}
	pending[rel] = true
	return true
}

// resolve classifies pending paths by their state on disk now
func (w *fsWatcher) resolve(pending map[string]bool) Batch {
	var b Batch
	for rel := range pending {
		info, err := os.Stat(filepath.Join(w.root, filepath.FromSlash(rel)))
		switch {
		case errors.Is(err, fs.ErrNotExist):
			b.Removed = append(b.Removed, rel)
		case err != nil, info.IsDir():
		default:
			b.Changed = append(b.Changed, rel)
		}
	}
	sort.Strings(b.Changed)
	sort.Strings(b.Removed)
	return b
}
