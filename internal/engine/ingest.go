package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/codeindex-mcp/internal/gitsync"
	"github.com/dshills/codeindex-mcp/internal/ingest"
	"github.com/dshills/codeindex-mcp/internal/searcher"
	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/internal/tenant"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// IngestRequest runs ingestion for a registered project
type IngestRequest struct {
	ProjectID    int64             `json:"project_id"`
	Kind         ingest.Kind       `json:"kind,omitempty"` // defaults to full
	Changes      *ingest.ChangeSet `json:"changes,omitempty"`
	TargetCommit string            `json:"target_commit,omitempty"`
	AuthToken    string            `json:"-"`
	Force        bool              `json:"force,omitempty"`
}

// IngestProject runs one ingestion and waits for its summary. The run is
// serialized with any other run of the same project.
func (e *Engine) IngestProject(ctx context.Context, req IngestRequest) (*ingest.Summary, error) {
	p, _, err := e.project(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	kind := req.Kind
	if kind == "" {
		kind = ingest.KindFull
		if !req.Changes.Empty() {
			kind = ingest.KindIncremental
		}
	}
	return e.run(ctx, ingest.Request{
		TenantID:     p.TenantID,
		ProjectID:    p.ID,
		Kind:         kind,
		Changes:      req.Changes,
		TargetCommit: req.TargetCommit,
		AuthToken:    req.AuthToken,
		Force:        req.Force,
	})
}

// GitIngestRequest names a remote to register (when new) and ingest
type GitIngestRequest struct {
	RemoteURL string `json:"remote_url"`
	Branch    string `json:"branch,omitempty"`
	Commit    string `json:"commit,omitempty"` // empty means the branch tip
	Name      string `json:"name,omitempty"`
	AuthToken string `json:"-"`
}

// GitIngestResult pairs the project with the run summary
type GitIngestResult struct {
	Project ProjectInfo     `json:"project"`
	Created bool            `json:"created"`
	Summary *ingest.Summary `json:"summary"`
}

// IngestFromGit registers a remote on first use and brings the project to
// the requested commit. The first run clones and ingests everything; later
// runs ingest the diff from the stored cursor.
func (e *Engine) IngestFromGit(ctx context.Context, req GitIngestRequest) (*GitIngestResult, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	remote, err := gitsync.NormalizeURL(req.RemoteURL)
	if err != nil {
		return nil, err
	}

	var project *storage.Project
	created := false
	projects, err := e.store.ListProjectsByRemote(ctx, remote)
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.TenantID == tenantID && (req.Branch == "" || p.Branch == req.Branch) {
			project = p
			break
		}
	}
	if project == nil {
		reg, err := e.RegisterProject(ctx, RegisterRequest{Name: req.Name, RemoteURL: remote, Branch: req.Branch})
		if err != nil {
			return nil, err
		}
		created = reg.Created
		if project, err = e.store.GetProject(ctx, tenantID, reg.Project.ID); err != nil {
			return nil, err
		}
	}

	summary, err := e.run(ctx, ingest.Request{
		TenantID:     tenantID,
		ProjectID:    project.ID,
		Kind:         ingest.KindIncremental,
		TargetCommit: req.Commit,
		AuthToken:    req.AuthToken,
	})
	if err != nil {
		return nil, err
	}
	if project, err = e.store.GetProject(ctx, tenantID, project.ID); err != nil {
		return nil, err
	}
	return &GitIngestResult{Project: projectInfo(project), Created: created, Summary: summary}, nil
}

// ResetCursor moves a project's git cursor without ingesting
func (e *Engine) ResetCursor(ctx context.Context, projectID int64, commit string) (*ingest.Summary, error) {
	p, _, err := e.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return e.queue.ResetCursor(ctx, p.TenantID, p.ID, commit)
}

// run waits for a queued request and drops cached searches of the project
func (e *Engine) run(ctx context.Context, req ingest.Request) (*ingest.Summary, error) {
	summary, err := e.queue.Run(ctx, req)
	if errors.Is(err, ingest.ErrQueueFull) {
		return nil, fmt.Errorf("%w: %w", ErrIngestionInProgress, err)
	}
	if summary != nil && !summary.NoOp {
		e.searcher.InvalidateProject(req.TenantID, req.ProjectID)
	}
	return summary, err
}

// submit queues a request in the background and logs its outcome
func (e *Engine) submit(req ingest.Request, trigger string) error {
	if e.ctx.Err() != nil {
		return ingest.ErrQueueClosed
	}
	done := e.queue.Submit(e.ctx, req)
	// a full or closed queue answers immediately
	select {
	case out := <-done:
		if out.Err != nil {
			return out.Err
		}
		e.logOutcome(req, trigger, out)
		return nil
	default:
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logOutcome(req, trigger, <-done)
	}()
	return nil
}

func (e *Engine) logOutcome(req ingest.Request, trigger string, out ingest.Outcome) {
	logger := e.logger.With("tenant", req.TenantID, "project", req.ProjectID, "trigger", trigger)
	if out.Err != nil {
		logger.Error("background ingestion failed", "error", out.Err)
		return
	}
	if !out.Summary.NoOp {
		e.searcher.InvalidateProject(req.TenantID, req.ProjectID)
	}
	logger.Info("background ingestion finished",
		"run", out.Summary.RunID,
		"no_op", out.Summary.NoOp,
		"succeeded", out.Summary.Files.Succeeded,
		"pending", out.Summary.Files.Pending,
		"failed", out.Summary.Files.Failed,
		"cursor", out.Summary.CursorAfter)
}

// HandleChangeEvent queues an incremental run for every project tracking
// the pushed repository and branch, across tenants. It returns the number
// of runs queued. Pushes arriving while a run is queued merge into it; when
// a project still cannot take the event the error wraps
// ErrIngestionInProgress and the caller should ask for redelivery.
func (e *Engine) HandleChangeEvent(ctx context.Context, ev *types.ChangeEvent) (int, error) {
	if ev.CloneURL == "" {
		return 0, fmt.Errorf("%w: missing clone url", types.ErrWebhookPayloadInvalid)
	}
	remote, err := gitsync.NormalizeURL(ev.CloneURL)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", types.ErrWebhookPayloadInvalid, err)
	}
	projects, err := e.store.ListProjectsByRemote(ctx, remote)
	if err != nil {
		return 0, err
	}

	var (
		queued int
		busy   []error
	)
	for _, p := range projects {
		branch := p.Branch
		if branch == "" {
			branch = ingest.DefaultBranch
		}
		if branch != ev.Branch {
			continue
		}
		err := e.submit(ingest.Request{
			TenantID:     p.TenantID,
			ProjectID:    p.ID,
			Kind:         ingest.KindIncremental,
			TargetCommit: ev.After,
			EventID:      ev.EventID,
		}, "webhook:"+ev.Provider)
		if err != nil {
			e.logger.Warn("failed to queue change event",
				"tenant", p.TenantID,
				"project", p.ID,
				"event", ev.EventID,
				"error", err)
			busy = append(busy, fmt.Errorf("project %d: %w", p.ID, err))
			continue
		}
		queued++
	}
	if len(busy) > 0 {
		// the provider redelivers; projects that already ran skip the event id
		return queued, fmt.Errorf("%w: %w", ErrIngestionInProgress, errors.Join(busy...))
	}
	e.logger.Info("change event routed",
		"provider", ev.Provider,
		"repository", ev.Repository,
		"branch", ev.Branch,
		"event", ev.EventID,
		"projects", queued)
	return queued, nil
}

// SemanticSearch searches the caller's chunks. A zero ProjectID searches
// every project of the tenant.
func (e *Engine) SemanticSearch(ctx context.Context, req searcher.SearchRequest) (*searcher.SearchResponse, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	req.TenantID = tenantID
	if req.ProjectID != 0 {
		p, _, err := e.project(ctx, req.ProjectID)
		if err != nil {
			return nil, err
		}
		if p.LastIngestedAt.IsZero() {
			return nil, fmt.Errorf("%w: project %d", ErrNotIndexed, p.ID)
		}
	}
	return e.searcher.Search(ctx, req)
}

// FindSimilarCode returns chunks similar to a snippet or a stored chunk
func (e *Engine) FindSimilarCode(ctx context.Context, req searcher.SimilarRequest) (*searcher.SearchResponse, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if req.ProjectID != 0 {
		if _, _, err := e.project(ctx, req.ProjectID); err != nil {
			return nil, err
		}
	}
	return e.searcher.FindSimilar(ctx, tenantID, req)
}
