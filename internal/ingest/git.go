package ingest

import (
	"context"
	"fmt"

	"github.com/dshills/codeindex-mcp/internal/gitsync"
	"github.com/dshills/codeindex-mcp/internal/storage"
)

// DefaultBranch is used for remote projects registered without a branch
const DefaultBranch = "main"

func (r *run) branch() string {
	if r.project.Branch != "" {
		return r.project.Branch
	}
	return DefaultBranch
}

// remote returns the URL handed to git, carrying the request token when
// one is present
func (r *run) remote() string {
	if r.req.AuthToken == "" {
		return r.project.RemoteURL
	}
	info, err := gitsync.ParseURL(r.project.RemoteURL)
	if err != nil {
		return r.project.RemoteURL
	}
	return info.AuthURL(r.req.AuthToken)
}

// fetchTarget updates an existing clone and resolves the requested commit,
// or the branch tip when none was requested
func (r *run) fetchTarget(ctx context.Context) (string, error) {
	git := r.p.git
	dir := r.project.RootPath
	branch := r.branch()
	if err := git.SetRemote(ctx, dir, r.remote()); err != nil {
		return "", fmt.Errorf("set remote: %w", err)
	}
	if err := git.Fetch(ctx, dir, branch); err != nil {
		return "", fmt.Errorf("fetch: %w", err)
	}
	ref := r.req.TargetCommit
	if ref == "" {
		ref = "refs/remotes/origin/" + branch
	}
	target, err := git.ResolveRef(ctx, dir, ref)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", ref, err)
	}
	return target, nil
}

// planRemoteFull checks a remote project out at the target and walks the
// whole tree. A target behind the cursor leaves the working tree alone.
func (r *run) planRemoteFull(ctx context.Context, cursor *storage.SyncState) (*plan, error) {
	dir := r.project.RootPath
	if !gitsync.IsRepo(dir) {
		res, err := r.p.git.Sync(ctx, r.remote(), r.branch(), dir, r.req.TargetCommit)
		if err != nil {
			return nil, fmt.Errorf("sync remote: %w", err)
		}
		return r.forwardOnly(ctx, cursor, res.After, r.planFull)
	}
	target, err := r.fetchTarget(ctx)
	if err != nil {
		return nil, err
	}
	return r.forwardOnly(ctx, cursor, target, r.checkoutFull)
}

// planGit plans an incremental run of a remote project from the stored
// cursor to the target commit. The working tree is left checked out at
// the target.
func (r *run) planGit(ctx context.Context, cursor *storage.SyncState) (*plan, error) {
	git := r.p.git
	dir := r.project.RootPath
	branch := r.branch()

	if !gitsync.IsRepo(dir) {
		res, err := git.Sync(ctx, r.remote(), branch, dir, r.req.TargetCommit)
		if err != nil {
			return nil, fmt.Errorf("clone remote: %w", err)
		}
		return r.forwardOnly(ctx, cursor, res.After, r.planFull)
	}

	target, err := r.fetchTarget(ctx)
	if err != nil {
		return nil, err
	}

	from := cursor.LastCommit
	switch {
	case from == "":
		r.logger.Info("no cursor, indexing full tree", "target", target)
		return r.checkoutFull(ctx, target)
	case cursor.Branch != "" && cursor.Branch != branch:
		r.logger.Warn("branch changed, indexing full tree", "from", cursor.Branch, "to", branch)
		return r.checkoutFull(ctx, target)
	case !git.HasCommit(ctx, dir, from):
		r.logger.Warn("cursor commit unknown, indexing full tree", "cursor", from)
		return r.checkoutFull(ctx, target)
	}

	behind, err := git.IsAncestor(ctx, dir, target, from)
	if err != nil {
		return nil, fmt.Errorf("check ancestry: %w", err)
	}
	if behind {
		r.skipBehind(from, target)
		return nil, nil
	}
	ahead, err := git.IsAncestor(ctx, dir, from, target)
	if err != nil {
		return nil, fmt.Errorf("check ancestry: %w", err)
	}
	if !ahead {
		r.logger.Warn("history diverged from cursor, diffing anyway", "cursor", from, "target", target)
	}

	if err := git.Checkout(ctx, dir, target); err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	changes, err := git.Diff(ctx, dir, from, target)
	if err != nil {
		return nil, fmt.Errorf("diff: %w", err)
	}
	r.req.Changes = changeSetFromDiff(changes)
	return r.planChanges(ctx, target)
}

func (r *run) checkoutFull(ctx context.Context, target string) (*plan, error) {
	if err := r.p.git.Checkout(ctx, r.project.RootPath, target); err != nil {
		return nil, fmt.Errorf("checkout: %w", err)
	}
	return r.planFull(ctx, target)
}

// changeSetFromDiff maps git statuses onto a change set. Copies add the
// new path and keep the source.
func changeSetFromDiff(changes []gitsync.Change) *ChangeSet {
	cs := &ChangeSet{}
	for _, c := range changes {
		switch c.Status {
		case gitsync.StatusAdded, gitsync.StatusCopied:
			cs.Added = append(cs.Added, c.Path)
		case gitsync.StatusModified, gitsync.StatusTypeChanged:
			cs.Modified = append(cs.Modified, c.Path)
		case gitsync.StatusDeleted:
			cs.Removed = append(cs.Removed, c.Path)
		case gitsync.StatusRenamed:
			cs.Renamed = append(cs.Renamed, Rename{From: c.OldPath, To: c.Path})
		}
	}
	return cs
}
