package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/dshills/codeindex-mcp/internal/index"
	"github.com/dshills/codeindex-mcp/internal/ingest"
	"github.com/dshills/codeindex-mcp/internal/watcher"
)

// watchSettings overrides the configured watch behavior for one project
type watchSettings struct {
	autoIngest bool
	opts       watcher.Options
}

// WatcherSettings changes a project's watcher. Nil fields keep their value.
type WatcherSettings struct {
	Enabled      *bool          `json:"enabled,omitempty"`
	AutoIngest   *bool          `json:"auto_ingest,omitempty"`
	Debounce     *time.Duration `json:"debounce,omitempty"`
	PollInterval *time.Duration `json:"poll_interval,omitempty"`
	ForcePolling *bool          `json:"force_polling,omitempty"`
	Exclude      []string       `json:"exclude,omitempty"` // replaces the project's extra ignore patterns
}

// WatcherStatus is the watcher state of one project
type WatcherStatus struct {
	ProjectID int64 `json:"project_id"`
	watcher.Status
	AutoIngest bool     `json:"auto_ingest"`
	Exclude    []string `json:"exclude,omitempty"`
}

func (e *Engine) settings(ref index.ProjectRef) watchSettings {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()
	if s, ok := e.watchCfg[ref.Key()]; ok {
		return s
	}
	return watchSettings{
		autoIngest: e.cfg.Watch.AutoIngest,
		opts: watcher.Options{
			Debounce:     e.cfg.Watch.Debounce.Duration,
			PollInterval: e.cfg.Watch.PollInterval.Duration,
		},
	}
}

func (e *Engine) forgetSettings(ref index.ProjectRef) {
	e.watchMu.Lock()
	delete(e.watchCfg, ref.Key())
	e.watchMu.Unlock()
}

// Watch keeps a local project's index current from file system events.
// With auto-ingest on, each batch also queues an incremental run.
func (e *Engine) Watch(ctx context.Context, projectID int64) error {
	p, ref, err := e.project(ctx, projectID)
	if err != nil {
		return err
	}
	if p.RemoteURL != "" {
		return fmt.Errorf("project %d tracks a remote; use git ingestion", projectID)
	}
	if err := e.ensureIndexed(ctx, p, ref); err != nil {
		return err
	}
	return e.watch.WatchWith(ref, e.settings(ref).opts)
}

// Unwatch stops watching a project
func (e *Engine) Unwatch(ctx context.Context, projectID int64) error {
	_, ref, err := e.project(ctx, projectID)
	if err != nil {
		return err
	}
	return e.watch.Unwatch(ref)
}

// WatcherStatus reports a project's watcher and its settings
func (e *Engine) WatcherStatus(ctx context.Context, projectID int64) (*WatcherStatus, error) {
	_, ref, err := e.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return e.watcherStatus(ref), nil
}

func (e *Engine) watcherStatus(ref index.ProjectRef) *WatcherStatus {
	s := e.settings(ref)
	st := e.watch.Status(ref)
	if !st.Watching {
		// report what the next Watch would use
		opts := s.opts
		st.Debounce = durationOr(opts.Debounce, watcher.DefaultDebounce)
		st.PollInterval = durationOr(opts.PollInterval, watcher.DefaultPollInterval)
		st.ForcePolling = opts.ForcePolling
	}
	return &WatcherStatus{
		ProjectID:  ref.ProjectID,
		Status:     st,
		AutoIngest: s.autoIngest,
		Exclude:    e.index.Exclude(ref),
	}
}

func durationOr(d, def time.Duration) string {
	if d <= 0 {
		d = def
	}
	return d.String()
}

// ConfigureWatcher changes a project's watch settings. A watched project is
// restarted when its timing changes; Exclude takes effect through a refresh.
func (e *Engine) ConfigureWatcher(ctx context.Context, projectID int64, req WatcherSettings) (*WatcherStatus, error) {
	p, ref, err := e.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if req.Debounce != nil && *req.Debounce <= 0 {
		return nil, fmt.Errorf("debounce must be positive, got %s", *req.Debounce)
	}
	if req.PollInterval != nil && *req.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", *req.PollInterval)
	}

	s := e.settings(ref)
	if req.AutoIngest != nil {
		s.autoIngest = *req.AutoIngest
	}
	if req.Debounce != nil {
		s.opts.Debounce = *req.Debounce
	}
	if req.PollInterval != nil {
		s.opts.PollInterval = *req.PollInterval
	}
	if req.ForcePolling != nil {
		s.opts.ForcePolling = *req.ForcePolling
	}
	e.watchMu.Lock()
	e.watchCfg[ref.Key()] = s
	e.watchMu.Unlock()

	if req.Exclude != nil {
		e.index.SetExclude(ref, req.Exclude)
		if _, err := e.refresh(ctx, p); err != nil {
			return nil, err
		}
	}

	enable := e.watch.Watching(ref)
	if req.Enabled != nil {
		enable = *req.Enabled
	}
	switch {
	case enable:
		if err := e.Watch(ctx, projectID); err != nil {
			return nil, err
		}
	default:
		if err := e.watch.Unwatch(ref); err != nil {
			return nil, err
		}
	}

	e.logger.Info("watcher configured",
		"tenant", ref.TenantID,
		"project", projectID,
		"watching", enable,
		"auto_ingest", s.autoIngest,
		"debounce", s.opts.Debounce)
	return e.watcherStatus(ref), nil
}

func (e *Engine) onBatch(_ context.Context, ref index.ProjectRef, b watcher.Batch) {
	if !e.settings(ref).autoIngest || b.Empty() {
		return
	}
	err := e.submit(ingest.Request{
		TenantID:  ref.TenantID,
		ProjectID: ref.ProjectID,
		Kind:      ingest.KindIncremental,
		Changes:   &ingest.ChangeSet{Modified: b.Changed, Removed: b.Removed},
	}, "watch")
	if err != nil {
		e.logger.Warn("failed to queue watch batch", "project", ref.ProjectID, "error", err)
	}
}
