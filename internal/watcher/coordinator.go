package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dshills/codeindex-mcp/internal/index"
	"github.com/dshills/codeindex-mcp/internal/logging"
)

// BatchFunc is called after the index absorbed a batch. Removed directory
// paths have been expanded to the files they held.
type BatchFunc func(ctx context.Context, ref index.ProjectRef, b Batch)

// CoordinatorOptions configures a Coordinator
type CoordinatorOptions struct {
	Watch   Options
	OnBatch BatchFunc // optional, e.g. auto-ingest
	Logger  *slog.Logger
}

type watched struct {
	ref     index.ProjectRef
	w       Watcher
	opts    Options
	started time.Time
	cancel  context.CancelFunc
	done    chan struct{}

	mu        sync.Mutex
	batches   int64
	changed   int64
	removed   int64
	lastBatch time.Time
	lastError string
}

func (e *watched) record(b Batch, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastBatch = time.Now()
	if err != nil {
		e.lastError = err.Error()
		return
	}
	e.batches++
	e.changed += int64(len(b.Changed))
	e.removed += int64(len(b.Removed))
	e.lastError = ""
}

// Status describes the watcher of one project. Settings are the ones in
// effect, or the defaults when the project is not watched.
type Status struct {
	Watching     bool       `json:"watching"`
	Mode         string     `json:"mode,omitempty"`
	Debounce     string     `json:"debounce"`
	PollInterval string     `json:"poll_interval"`
	ForcePolling bool       `json:"force_polling"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	Batches      int64      `json:"batches"`
	FilesChanged int64      `json:"files_changed"`
	FilesRemoved int64      `json:"files_removed"`
	LastBatchAt  *time.Time `json:"last_batch_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Coordinator keeps the index of every watched project current. One
// goroutine per project consumes its batches in order.
type Coordinator struct {
	index  *index.Manager
	opts   CoordinatorOptions
	logger *slog.Logger

	mu       sync.Mutex
	projects map[string]*watched
}

// NewCoordinator creates a Coordinator over idx
func NewCoordinator(idx *index.Manager, opts CoordinatorOptions) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("watcher")
	}
	if opts.Watch.Logger == nil {
		opts.Watch.Logger = logger
	}
	return &Coordinator{
		index:    idx,
		opts:     opts,
		logger:   logger,
		projects: make(map[string]*watched),
	}
}

func watchKey(ref index.ProjectRef) string {
	return ref.Key()
}

// Watch starts watching a project with the default options. Watching an
// already watched project is a no-op.
func (c *Coordinator) Watch(ref index.ProjectRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.projects[watchKey(ref)]; ok {
		return nil
	}
	return c.startLocked(ref, c.opts.Watch)
}

// WatchWith starts watching a project with opts. A project already watched
// with other options is restarted.
func (c *Coordinator) WatchWith(ref index.ProjectRef, opts Options) error {
	if opts.Logger == nil {
		opts.Logger = c.opts.Watch.Logger
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	key := watchKey(ref)
	if entry, ok := c.projects[key]; ok {
		if sameOptions(entry.opts, opts) {
			return nil
		}
		delete(c.projects, key)
		if err := c.stop(entry); err != nil {
			c.logger.Warn("failed to stop watcher for restart", "project", ref.ProjectID, "error", err)
		}
	}
	return c.startLocked(ref, opts)
}

func sameOptions(a, b Options) bool {
	a.defaults()
	b.defaults()
	return a.Debounce == b.Debounce && a.PollInterval == b.PollInterval && a.ForcePolling == b.ForcePolling
}

func (c *Coordinator) startLocked(ref index.ProjectRef, opts Options) error {
	w, err := New(ref.Root, c.index.Source(ref), opts)
	if err != nil {
		return fmt.Errorf("watch %s: %w", ref.Root, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	entry := &watched{ref: ref, w: w, opts: opts, started: time.Now(), cancel: cancel, done: make(chan struct{})}
	c.projects[watchKey(ref)] = entry
	go c.consume(ctx, entry)

	c.logger.Info("watching project", "tenant", ref.TenantID, "project", ref.ProjectID, "root", ref.Root, "mode", w.Mode())
	return nil
}

// Status reports the watcher of a project
func (c *Coordinator) Status(ref index.ProjectRef) Status {
	c.mu.Lock()
	entry, ok := c.projects[watchKey(ref)]
	c.mu.Unlock()

	opts := c.opts.Watch
	if ok {
		opts = entry.opts
	}
	opts.defaults()
	st := Status{
		Watching:     ok,
		Debounce:     opts.Debounce.String(),
		PollInterval: opts.PollInterval.String(),
		ForcePolling: opts.ForcePolling,
	}
	if !ok {
		return st
	}
	st.Mode = entry.w.Mode()
	started := entry.started
	st.StartedAt = &started

	entry.mu.Lock()
	defer entry.mu.Unlock()
	st.Batches = entry.batches
	st.FilesChanged = entry.changed
	st.FilesRemoved = entry.removed
	st.LastError = entry.lastError
	if !entry.lastBatch.IsZero() {
		last := entry.lastBatch
		st.LastBatchAt = &last
	}
	return st
}

// Unwatch stops watching a project and waits for its consumer to finish
func (c *Coordinator) Unwatch(ref index.ProjectRef) error {
	c.mu.Lock()
	entry, ok := c.projects[watchKey(ref)]
	delete(c.projects, watchKey(ref))
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.stop(entry)
}

// Watching reports whether a project is watched
func (c *Coordinator) Watching(ref index.ProjectRef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.projects[watchKey(ref)]
	return ok
}

// Close stops every watcher
func (c *Coordinator) Close() error {
	c.mu.Lock()
	entries := make([]*watched, 0, len(c.projects))
	for _, e := range c.projects {
		entries = append(entries, e)
	}
	c.projects = make(map[string]*watched)
	c.mu.Unlock()

	var first error
	for _, e := range entries {
		if err := c.stop(e); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (c *Coordinator) stop(e *watched) error {
	e.cancel()
	err := e.w.Close()
	<-e.done
	return err
}

func (c *Coordinator) consume(ctx context.Context, e *watched) {
	defer close(e.done)
	logger := c.logger.With("tenant", e.ref.TenantID, "project", e.ref.ProjectID)
	for b := range e.w.Batches() {
		if ctx.Err() != nil {
			continue
		}
		c.apply(ctx, logger, e, b)
	}
}

// apply refreshes the shallow entries of a batch, re-parses changed files
// and hands the batch on
func (c *Coordinator) apply(ctx context.Context, logger *slog.Logger, e *watched, b Batch) {
	ref := e.ref
	b.Removed = c.expandRemoved(ref, b.Removed)
	paths := append(append([]string{}, b.Changed...), b.Removed...)

	res, err := c.index.RefreshPaths(ctx, ref, paths)
	e.record(b, err)
	if err != nil {
		logger.Error("refresh after change failed", "error", err)
		return
	}
	if len(b.Changed) > 0 {
		if _, err := c.index.BuildDeep(ctx, ref, b.Changed); err != nil {
			logger.Warn("deep index after change failed", "error", err)
		}
	}
	logger.Debug("applied change batch",
		"changed", len(b.Changed),
		"removed", len(b.Removed),
		"added", res.Added,
		"updated", res.Updated)

	if c.opts.OnBatch != nil {
		c.opts.OnBatch(ctx, ref, b)
	}
}

// expandRemoved replaces removed directories by the indexed files under them
func (c *Coordinator) expandRemoved(ref index.ProjectRef, removed []string) []string {
	if len(removed) == 0 {
		return nil
	}
	indexed := c.index.Paths(ref)
	seen := make(map[string]bool)
	var out []string
	add := func(p string) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	for _, r := range removed {
		if _, ok := c.index.File(ref, r); ok {
			add(r)
			continue
		}
		prefix := r + "/"
		matched := false
		for _, p := range indexed {
			if strings.HasPrefix(p, prefix) {
				add(p)
				matched = true
			}
		}
		if !matched {
			add(r)
		}
	}
	return out
}
