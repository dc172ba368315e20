package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/codeindex-mcp/internal/chunker"
	"github.com/dshills/codeindex-mcp/internal/embedder"
	"github.com/dshills/codeindex-mcp/internal/gitsync"
	"github.com/dshills/codeindex-mcp/internal/index"
	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/internal/tenant"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

const reasonBehindCursor = "target is already covered by the cursor"

// Defaults for Options
const (
	DefaultWorkers          = 8
	DefaultGroupSize        = 32
	DefaultMaxRetryAttempts = 5
)

// Options configures a Pipeline
type Options struct {
	Workers          int // concurrent file reads while preparing a group
	GroupSize        int // files whose chunks share one embedding round
	MaxRetryAttempts int // retry queue items beyond this are dropped
	Logger           *slog.Logger
}

// Pipeline executes ingestion runs. It is safe for concurrent use across
// projects; runs of one project must be serialized by the caller (Queue).
type Pipeline struct {
	store   storage.Storage
	index   *index.Manager
	chunker *chunker.Chunker
	embed   *embedder.Client
	git     *gitsync.Client
	opts    Options
	logger  *slog.Logger
}

// NewPipeline wires a pipeline. git may be nil when no project has a remote.
func NewPipeline(store storage.Storage, idx *index.Manager, ch *chunker.Chunker, emb *embedder.Client, git *gitsync.Client, opts Options) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.GroupSize <= 0 {
		opts.GroupSize = DefaultGroupSize
	}
	if opts.MaxRetryAttempts <= 0 {
		opts.MaxRetryAttempts = DefaultMaxRetryAttempts
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("ingest")
	}
	return &Pipeline{
		store:   store,
		index:   idx,
		chunker: ch,
		embed:   emb,
		git:     git,
		opts:    opts,
		logger:  logger,
	}
}

// run carries the state of one execution
type run struct {
	p        *Pipeline
	req      Request
	project  *storage.Project
	ref      index.ProjectRef
	summary  *Summary
	setState func(State)
	logger   *slog.Logger

	// hashes whose vectors were written during this run
	written map[string]bool
}

func (r *run) unitError(unit string, err error) {
	r.summary.Errors = append(r.summary.Errors, types.NewUnitError(unit, err))
}

// plan is the set of files a run visits
type plan struct {
	process []string
	remove  []string
	target  string // commit the cursor moves to; empty leaves it unchanged
	full    bool   // a full walk also removes stored files missing from the index
}

// Execute performs one run. setState receives every state transition and
// may be nil. Per-file failures are recorded in the summary; the returned
// error is reserved for failures that make the run meaningless (unknown
// project, unreachable root or remote, cancellation).
func (p *Pipeline) Execute(ctx context.Context, req Request, setState func(State)) (*Summary, error) {
	start := time.Now()
	if setState == nil {
		setState = func(State) {}
	}
	if err := tenant.Validate(req.TenantID); err != nil {
		return nil, err
	}
	if req.Kind == "" {
		req.Kind = KindIncremental
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	project, err := p.store.GetProject(ctx, req.TenantID, req.ProjectID)
	if err != nil {
		return nil, err
	}

	r := &run{
		p:        p,
		req:      req,
		project:  project,
		ref:      index.ProjectRef{TenantID: req.TenantID, ProjectID: project.ID, Root: project.RootPath},
		summary:  &Summary{RunID: req.RunID, Kind: req.Kind},
		setState: setState,
		written:  make(map[string]bool),
	}
	r.logger = p.logger.With("tenant", req.TenantID, "project", project.ID, "run", r.summary.RunID)
	defer func() {
		r.summary.Duration = time.Since(start)
		setState(StateIdle)
	}()

	cursor, err := p.store.GetSyncState(ctx, req.TenantID, project.ID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("load cursor: %w", err)
	}
	if cursor == nil {
		cursor = &storage.SyncState{TenantID: req.TenantID, ProjectID: project.ID, Branch: project.Branch}
	}
	r.summary.CursorBefore = cursor.LastCommit
	r.summary.CursorAfter = cursor.LastCommit

	if req.Kind == KindReset {
		return r.summary, r.resetCursor(ctx, cursor)
	}

	if ids := req.eventIDs(); len(ids) > 0 {
		fresh := 0
		for _, id := range ids {
			seen, err := p.store.EventSeen(ctx, req.TenantID, project.ID, id)
			if err != nil {
				return nil, fmt.Errorf("check event: %w", err)
			}
			if !seen {
				fresh++
			}
		}
		if fresh == 0 {
			r.summary.NoOp = true
			r.summary.Reason = "event already processed"
			r.logger.Info("duplicate event ignored", "events", ids)
			return r.summary, nil
		}
	}

	r.setState(StateScanning)
	pl, err := r.plan(ctx, cursor)
	if err != nil {
		return r.summary, err
	}
	if pl == nil {
		// no-op decided by the planner; still remember the event
		r.recordEvent(ctx, cursor.LastCommit)
		return r.summary, nil
	}

	if err := r.process(ctx, pl); err != nil {
		return r.summary, err
	}

	r.setState(StateCommitting)
	if err := r.finish(ctx, cursor, pl); err != nil {
		return r.summary, err
	}

	r.logger.Info("ingestion complete",
		"kind", req.Kind,
		"succeeded", r.summary.Files.Succeeded,
		"pending", r.summary.Files.Pending,
		"skipped", r.summary.Files.Skipped,
		"failed", r.summary.Files.Failed,
		"removed", r.summary.Files.Removed,
		"chunks_created", r.summary.ChunksCreated,
		"chunks_staled", r.summary.ChunksStaled,
		"embeddings_created", r.summary.EmbeddingsCreated,
		"embeddings_failed", r.summary.EmbeddingsFailed,
		"cursor", r.summary.CursorAfter)
	return r.summary, nil
}

func (r *run) resetCursor(ctx context.Context, cursor *storage.SyncState) error {
	cursor.LastCommit = r.req.TargetCommit
	if r.project.Branch != "" {
		cursor.Branch = r.project.Branch
	}
	if err := r.p.store.SaveSyncState(ctx, cursor); err != nil {
		return fmt.Errorf("reset cursor: %w", err)
	}
	r.summary.CursorAfter = cursor.LastCommit
	r.logger.Info("cursor reset", "from", r.summary.CursorBefore, "to", cursor.LastCommit)
	return nil
}

// plan decides which files the run visits. A nil plan with a nil error
// means the run is a no-op.
func (r *run) plan(ctx context.Context, cursor *storage.SyncState) (*plan, error) {
	remote := r.project.RemoteURL != "" && r.p.git != nil
	switch r.req.Kind {
	case KindRetry:
		return r.planRetry(ctx)
	case KindFull:
		if remote {
			return r.planRemoteFull(ctx, cursor)
		}
		return r.forwardOnly(ctx, cursor, r.req.TargetCommit, r.planFull)
	case KindIncremental:
		if !r.req.Changes.Empty() {
			return r.forwardOnly(ctx, cursor, r.req.TargetCommit, r.planChanges)
		}
		if remote {
			return r.planGit(ctx, cursor)
		}
		// a local project without explicit changes: walk and compare hashes
		return r.forwardOnly(ctx, cursor, r.req.TargetCommit, r.planFull)
	default:
		return nil, fmt.Errorf("unknown ingestion kind %q", r.req.Kind)
	}
}

// forwardOnly runs next unless target lies behind the stored cursor. Only
// ResetCursor moves the cursor backwards.
func (r *run) forwardOnly(ctx context.Context, cursor *storage.SyncState, target string, next func(context.Context, string) (*plan, error)) (*plan, error) {
	behind, err := r.targetBehind(ctx, cursor.LastCommit, target)
	if err != nil {
		return nil, err
	}
	if behind {
		r.skipBehind(cursor.LastCommit, target)
		return nil, nil
	}
	return next(ctx, target)
}

// targetBehind reports whether target is a strict ancestor of the cursor.
// Commits are checked in the project's repository; without one they are
// opaque labels and any new label is accepted.
func (r *run) targetBehind(ctx context.Context, from, target string) (bool, error) {
	if target == "" || from == "" || target == from {
		return false, nil
	}
	dir := r.project.RootPath
	if r.p.git == nil || !gitsync.IsRepo(dir) {
		return false, nil
	}
	behind, err := r.p.git.IsAncestor(ctx, dir, target, from)
	if err != nil {
		var gitErr *gitsync.Error
		if errors.As(err, &gitErr) {
			r.logger.Warn("cannot order target against cursor", "cursor", from, "target", target, "error", err)
			return false, nil
		}
		return false, fmt.Errorf("check ancestry: %w", err)
	}
	return behind, nil
}

func (r *run) skipBehind(from, target string) {
	r.summary.NoOp = true
	r.summary.Reason = reasonBehindCursor
	r.logger.Info("nothing to ingest", "cursor", from, "target", target)
}

func (r *run) planFull(ctx context.Context, target string) (*plan, error) {
	if _, err := r.p.index.Refresh(ctx, r.ref); err != nil {
		return nil, err
	}
	paths := r.p.index.Paths(r.ref)
	present := make(map[string]bool, len(paths))
	for _, p := range paths {
		present[p] = true
	}

	stored, err := r.p.store.ListFiles(ctx, r.req.TenantID, r.project.ID)
	if err != nil {
		return nil, fmt.Errorf("list stored files: %w", err)
	}
	var remove []string
	for _, f := range stored {
		if !present[f.Path] {
			remove = append(remove, f.Path)
		}
	}
	return &plan{process: paths, remove: remove, target: target, full: true}, nil
}

func (r *run) planChanges(ctx context.Context, target string) (*plan, error) {
	process, remove := r.req.Changes.split()
	retry, err := r.retryPaths(ctx)
	if err != nil {
		return nil, err
	}
	process = mergePaths(process, retry)
	if _, err := r.p.index.RefreshPaths(ctx, r.ref, append(append([]string{}, process...), remove...)); err != nil {
		return nil, err
	}
	return &plan{process: process, remove: remove, target: target}, nil
}

func (r *run) planRetry(ctx context.Context) (*plan, error) {
	paths, err := r.retryPaths(ctx)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		r.summary.NoOp = true
		r.summary.Reason = "retry queue is empty"
		return nil, nil
	}
	if _, err := r.p.index.RefreshPaths(ctx, r.ref, paths); err != nil {
		return nil, err
	}
	return &plan{process: paths}, nil
}

// retryPaths lists files with queued retries or a pending flag. Items that
// exhausted their attempts are dropped from the queue; their files stay
// pending until a full run.
func (r *run) retryPaths(ctx context.Context) ([]string, error) {
	items, err := r.p.store.ListRetryItems(ctx, r.req.TenantID, r.project.ID)
	if err != nil {
		return nil, fmt.Errorf("list retry queue: %w", err)
	}
	var (
		paths     []string
		exhausted []string
		seen      = make(map[string]bool)
	)
	for _, it := range items {
		if seen[it.FilePath] {
			continue
		}
		seen[it.FilePath] = true
		if it.Attempts >= r.p.opts.MaxRetryAttempts {
			exhausted = append(exhausted, it.FilePath)
			continue
		}
		paths = append(paths, it.FilePath)
	}
	if len(exhausted) > 0 {
		if err := r.p.store.RemoveRetryItems(ctx, r.req.TenantID, r.project.ID, exhausted); err != nil {
			return nil, fmt.Errorf("drop exhausted retries: %w", err)
		}
		r.logger.Warn("retry attempts exhausted", "files", len(exhausted), "max_attempts", r.p.opts.MaxRetryAttempts)
		for _, p := range exhausted {
			r.unitError(p, errors.New("embedding retry attempts exhausted"))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

func mergePaths(a, b []string) []string {
	seen := make(map[string]bool, len(a))
	for _, p := range a {
		seen[p] = true
	}
	for _, p := range b {
		if !seen[p] {
			seen[p] = true
			a = append(a, p)
		}
	}
	return a
}

// process prepares, embeds and commits files group by group, then removes
// deleted files. Cancellation is checked between files.
func (r *run) process(ctx context.Context, pl *plan) error {
	for start := 0; start < len(pl.process); start += r.p.opts.GroupSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+r.p.opts.GroupSize, len(pl.process))
		if err := r.processGroup(ctx, pl.process[start:end]); err != nil {
			return err
		}
	}
	for _, path := range pl.remove {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.setState(StateCommitting)
		if err := r.removeFile(ctx, path); err != nil {
			r.summary.Files.Failed++
			r.unitError(path, err)
		}
	}
	return nil
}

// finish advances the cursor and records the event. The cursor advances
// even when chunks wait on the retry queue; their files stay pending.
func (r *run) finish(ctx context.Context, cursor *storage.SyncState, pl *plan) error {
	now := time.Now()
	ids := r.req.eventIDs()
	if pl.target != "" || len(ids) > 0 {
		if pl.target != "" {
			cursor.LastCommit = pl.target
		}
		if len(ids) > 0 {
			cursor.LastEventID = ids[len(ids)-1]
		}
		if r.project.Branch != "" {
			cursor.Branch = r.project.Branch
		}
		if err := r.p.store.SaveSyncState(ctx, cursor); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		r.summary.CursorAfter = cursor.LastCommit
	}
	r.recordEvent(ctx, cursor.LastCommit)

	r.project.LastIngestedAt = now
	if pl.full {
		r.project.LastRefreshAt = now
	}
	if err := r.p.store.UpdateProject(ctx, r.project); err != nil {
		r.logger.Warn("failed to update project timestamps", "error", err)
	}
	return nil
}

func (r *run) recordEvent(ctx context.Context, commit string) {
	for _, id := range r.req.eventIDs() {
		if _, err := r.p.store.RecordEvent(ctx, r.req.TenantID, r.project.ID, id, commit); err != nil {
			r.logger.Warn("failed to record event", "event", id, "error", err)
		}
	}
}
