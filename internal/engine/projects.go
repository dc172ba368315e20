package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/codeindex-mcp/internal/codesearch"
	"github.com/dshills/codeindex-mcp/internal/gitsync"
	"github.com/dshills/codeindex-mcp/internal/index"
	"github.com/dshills/codeindex-mcp/internal/ingest"
	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/internal/tenant"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// ProjectInfo is the caller-facing view of a registered project
type ProjectInfo struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	RootPath        string     `json:"root_path"`
	RemoteURL       string     `json:"remote_url,omitempty"`
	Branch          string     `json:"branch,omitempty"`
	LastRefreshAt   *time.Time `json:"last_refresh_at,omitempty"`
	LastDeepBuildAt *time.Time `json:"last_deep_build_at,omitempty"`
	LastIngestedAt  *time.Time `json:"last_ingested_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func projectInfo(p *storage.Project) ProjectInfo {
	return ProjectInfo{
		ID:              p.ID,
		Name:            p.Name,
		RootPath:        p.RootPath,
		RemoteURL:       p.RemoteURL,
		Branch:          p.Branch,
		LastRefreshAt:   timePtr(p.LastRefreshAt),
		LastDeepBuildAt: timePtr(p.LastDeepBuildAt),
		LastIngestedAt:  timePtr(p.LastIngestedAt),
		CreatedAt:       p.CreatedAt,
	}
}

// RegisterRequest registers a local directory (Path) or a git remote
// (RemoteURL). Name defaults to the directory name or owner/repo.
type RegisterRequest struct {
	Name      string `json:"name,omitempty"`
	Path      string `json:"path,omitempty"`
	RemoteURL string `json:"remote_url,omitempty"`
	Branch    string `json:"branch,omitempty"`
}

// RegisterResult reports a registration. Refresh is set for local projects,
// which get a shallow index right away.
type RegisterResult struct {
	Project ProjectInfo          `json:"project"`
	Created bool                 `json:"created"`
	Refresh *index.RefreshResult `json:"refresh,omitempty"`
}

// RegisterProject registers a project for the caller's tenant. Registering
// the same name and location again returns the existing project.
func (e *Engine) RegisterProject(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	project := &storage.Project{TenantID: tenantID, Name: strings.TrimSpace(req.Name)}
	switch {
	case req.RemoteURL != "" && req.Path != "":
		return nil, fmt.Errorf("set either path or remote_url, not both")
	case req.RemoteURL != "":
		info, err := gitsync.ParseURL(req.RemoteURL)
		if err != nil {
			return nil, err
		}
		project.RemoteURL = info.CloneURL()
		project.RootPath = info.WorkPath(e.cfg.Ingest.WorkDir, tenantID)
		project.Branch = req.Branch
		if project.Branch == "" {
			project.Branch = ingest.DefaultBranch
		}
		if project.Name == "" {
			project.Name = info.FullName()
		}
	case req.Path != "":
		root, err := localRoot(req.Path)
		if err != nil {
			return nil, err
		}
		project.RootPath = root
		project.Branch = req.Branch
		if project.Name == "" {
			project.Name = filepath.Base(root)
		}
	default:
		return nil, fmt.Errorf("path or remote_url is required")
	}

	existing, err := e.store.GetProjectByName(ctx, tenantID, project.Name)
	switch {
	case err == nil:
		if existing.RootPath != project.RootPath || existing.RemoteURL != project.RemoteURL {
			return nil, fmt.Errorf("%w: project %q is registered at %s", storage.ErrAlreadyExists, project.Name, existing.RootPath)
		}
		return &RegisterResult{Project: projectInfo(existing)}, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	if err := e.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	result := &RegisterResult{Project: projectInfo(project), Created: true}
	e.logger.Info("project registered",
		"tenant", tenantID,
		"project", project.ID,
		"name", project.Name,
		"root", project.RootPath,
		"remote", project.RemoteURL != "")

	if project.RemoteURL == "" {
		res, err := e.refresh(ctx, project)
		if err != nil {
			return nil, err
		}
		result.Refresh = res
		result.Project = projectInfo(project)
	}
	return result, nil
}

// localRoot resolves a project path to an absolute readable directory
func localRoot(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", types.ErrProjectUnavailable, p, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", types.ErrProjectUnavailable, abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: %s is not a directory", types.ErrProjectUnavailable, abs)
	}
	return abs, nil
}

// UnregisterProject stops watching a project, drops its index and soft
// deletes it with its chunks
func (e *Engine) UnregisterProject(ctx context.Context, projectID int64) error {
	project, ref, err := e.project(ctx, projectID)
	if err != nil {
		return err
	}
	if err := e.watch.Unwatch(ref); err != nil {
		e.logger.Warn("failed to stop watcher", "project", projectID, "error", err)
	}
	e.forgetSettings(ref)
	if err := e.index.Forget(ref); err != nil {
		e.logger.Warn("failed to drop index snapshot", "project", projectID, "error", err)
	}
	if err := e.store.SoftDeleteProject(ctx, project.TenantID, projectID); err != nil {
		return err
	}
	e.searcher.InvalidateProject(project.TenantID, projectID)
	e.logger.Info("project unregistered", "tenant", project.TenantID, "project", projectID)
	return nil
}

// ListProjects returns the caller's live projects
func (e *Engine) ListProjects(ctx context.Context) ([]ProjectInfo, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	projects, err := e.store.ListProjects(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	out := make([]ProjectInfo, 0, len(projects))
	for _, p := range projects {
		out = append(out, projectInfo(p))
	}
	return out, nil
}

// project loads a project of the caller's tenant
func (e *Engine) project(ctx context.Context, projectID int64) (*storage.Project, index.ProjectRef, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, index.ProjectRef{}, err
	}
	if projectID <= 0 {
		return nil, index.ProjectRef{}, fmt.Errorf("%w: invalid project id %d", types.ErrProjectNotFound, projectID)
	}
	p, err := e.store.GetProject(ctx, tenantID, projectID)
	if err != nil {
		return nil, index.ProjectRef{}, err
	}
	return p, refOf(p), nil
}

func refOf(p *storage.Project) index.ProjectRef {
	return index.ProjectRef{TenantID: p.TenantID, ProjectID: p.ID, Root: p.RootPath}
}

// refresh rebuilds the shallow index and records the time
func (e *Engine) refresh(ctx context.Context, p *storage.Project) (*index.RefreshResult, error) {
	res, err := e.index.Refresh(ctx, refOf(p))
	if err != nil {
		return nil, err
	}
	p.LastRefreshAt = time.Now()
	if err := e.store.UpdateProject(ctx, p); err != nil {
		return nil, err
	}
	return res, nil
}

// ensureIndexed refreshes a project whose shallow index is empty, e.g.
// after a restart without a snapshot
func (e *Engine) ensureIndexed(ctx context.Context, p *storage.Project, ref index.ProjectRef) error {
	if len(e.index.Paths(ref)) > 0 {
		return nil
	}
	_, err := e.refresh(ctx, p)
	return err
}

// RefreshIndex rebuilds the shallow index of a project
func (e *Engine) RefreshIndex(ctx context.Context, projectID int64) (*index.RefreshResult, error) {
	p, _, err := e.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return e.refresh(ctx, p)
}

// SearchCode runs a text search through the best available search tool
func (e *Engine) SearchCode(ctx context.Context, projectID int64, pattern string, opts codesearch.Options) (*codesearch.Result, error) {
	p, ref, err := e.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := e.ensureIndexed(ctx, p, ref); err != nil {
		return nil, err
	}
	return e.dispatch.Search(ctx, codesearch.Project{Root: ref.Root, Files: e.index.Source(ref)}, pattern, opts)
}

// BuildDeepIndex parses the given paths, or every stale file when paths is
// empty
func (e *Engine) BuildDeepIndex(ctx context.Context, projectID int64, paths []string) (*index.DeepResult, error) {
	p, ref, err := e.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := e.ensureIndexed(ctx, p, ref); err != nil {
		return nil, err
	}
	res, err := e.index.BuildDeep(ctx, ref, paths)
	if err != nil {
		return res, err
	}
	p.LastDeepBuildAt = time.Now()
	if err := e.store.UpdateProject(ctx, p); err != nil {
		return nil, err
	}
	return res, nil
}

// QuerySymbols filters the in-memory index of a project
func (e *Engine) QuerySymbols(ctx context.Context, projectID int64, q index.Query) (*index.QueryResult, error) {
	p, ref, err := e.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if err := e.ensureIndexed(ctx, p, ref); err != nil {
		return nil, err
	}
	return e.index.Query(ref, q), nil
}
