package gitsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/codeindex-mcp/internal/logging"
)

// DefaultTimeout bounds a single git command
const DefaultTimeout = 5 * time.Minute

// Runner executes git with args in dir and returns stdout
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// Error is a git command that exited non-zero
type Error struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("git %s: exit status %d: %s", redactArgs(e.Args), e.ExitCode, e.Stderr)
}

// ExecRunner runs the git binary
type ExecRunner struct {
	Binary  string // defaults to "git"
	Timeout time.Duration
}

// Run implements Runner. Interactive credential prompts are disabled.
func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	bin := r.Binary
	if bin == "" {
		bin = "git"
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("git %s: %w", redactArgs(args), ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.Bytes(), &Error{Args: args, ExitCode: exitErr.ExitCode(), Stderr: strings.TrimSpace(stderr.String())}
		}
		return nil, fmt.Errorf("git %s: %w", redactArgs(args), err)
	}
	return stdout.Bytes(), nil
}

// redactArgs hides credentials embedded in URLs
func redactArgs(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		if at := strings.IndexByte(a, '@'); at > 0 && strings.Contains(a[:at], "://") {
			scheme := a[:strings.Index(a, "://")+3]
			a = scheme + "***" + a[at:]
		}
		out[i] = a
	}
	return strings.Join(out, " ")
}

// Client performs repository operations through a Runner
type Client struct {
	runner Runner
	logger *slog.Logger
}

// New creates a Client. A nil runner uses the git binary on PATH.
func New(runner Runner, logger *slog.Logger) *Client {
	if runner == nil {
		runner = &ExecRunner{}
	}
	if logger == nil {
		logger = logging.Component("git")
	}
	return &Client{runner: runner, logger: logger}
}

func (c *Client) git(ctx context.Context, dir string, args ...string) (string, error) {
	out, err := c.runner.Run(ctx, dir, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// IsRepo reports whether dir holds a git working tree
func IsRepo(dir string) bool {
	info, err := os.Stat(filepath.Join(dir, ".git"))
	return err == nil && info.IsDir()
}

// Clone clones remote into dest on branch. Full history is kept so that
// ancestry checks and diffs against old cursors work.
func (c *Client) Clone(ctx context.Context, remote, branch, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	args := []string{"clone", "--quiet", "--no-tags"}
	if branch != "" {
		args = append(args, "--branch", branch, "--single-branch")
	}
	args = append(args, "--", remote, dest)
	_, err := c.git(ctx, filepath.Dir(dest), args...)
	return err
}

// SetRemote points origin at remote
func (c *Client) SetRemote(ctx context.Context, dir, remote string) error {
	_, err := c.git(ctx, dir, "remote", "set-url", "origin", remote)
	return err
}

// Fetch updates the remote tracking ref of branch
func (c *Client) Fetch(ctx context.Context, dir, branch string) error {
	refspec := fmt.Sprintf("+refs/heads/%s:refs/remotes/origin/%s", branch, branch)
	_, err := c.git(ctx, dir, "fetch", "--quiet", "--no-tags", "--prune", "origin", refspec)
	return err
}

// Checkout detaches the working tree at ref, discarding local changes
func (c *Client) Checkout(ctx context.Context, dir, ref string) error {
	_, err := c.git(ctx, dir, "-c", "advice.detachedHead=false", "checkout", "--quiet", "--force", "--detach", ref)
	return err
}

// HeadCommit returns the commit checked out in dir
func (c *Client) HeadCommit(ctx context.Context, dir string) (string, error) {
	return c.ResolveRef(ctx, dir, "HEAD")
}

// ResolveRef returns the full commit id ref points to
func (c *Client) ResolveRef(ctx context.Context, dir, ref string) (string, error) {
	return c.git(ctx, dir, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
}

// HasCommit reports whether commit exists in the local object store
func (c *Client) HasCommit(ctx context.Context, dir, commit string) bool {
	_, err := c.ResolveRef(ctx, dir, commit)
	return err == nil
}

// IsAncestor reports whether ancestor is reachable from descendant. Equal
// commits count as ancestors.
func (c *Client) IsAncestor(ctx context.Context, dir, ancestor, descendant string) (bool, error) {
	_, err := c.runner.Run(ctx, dir, "merge-base", "--is-ancestor", ancestor, descendant)
	if err == nil {
		return true, nil
	}
	var gitErr *Error
	if errors.As(err, &gitErr) && gitErr.ExitCode == 1 {
		return false, nil
	}
	return false, err
}

// SyncResult describes what Sync did
type SyncResult struct {
	Dir    string `json:"dir"`
	Cloned bool   `json:"cloned"`
	Before string `json:"before,omitempty"` // HEAD before the sync; empty after a clone
	After  string `json:"after"`
}

// Sync makes dir a checkout of branch at target (or the branch tip when
// target is empty), cloning on first use and fetching afterwards. remote
// may carry credentials; it is only passed to git, never logged.
func (c *Client) Sync(ctx context.Context, remote, branch, dir, target string) (*SyncResult, error) {
	res := &SyncResult{Dir: dir}
	if IsRepo(dir) {
		before, err := c.HeadCommit(ctx, dir)
		if err == nil {
			res.Before = before
		}
		if err := c.SetRemote(ctx, dir, remote); err != nil {
			return nil, err
		}
		if err := c.Fetch(ctx, dir, branch); err != nil {
			return nil, err
		}
	} else {
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("clear workspace: %w", err)
		}
		if err := c.Clone(ctx, remote, branch, dir); err != nil {
			return nil, err
		}
		res.Cloned = true
	}

	ref := target
	if ref == "" {
		ref = "refs/remotes/origin/" + branch
		if res.Cloned {
			ref = "HEAD"
		}
	}
	if err := c.Checkout(ctx, dir, ref); err != nil {
		return nil, err
	}
	after, err := c.HeadCommit(ctx, dir)
	if err != nil {
		return nil, err
	}
	res.After = after

	c.logger.Info("repository synced",
		"dir", dir,
		"cloned", res.Cloned,
		"before", short(res.Before),
		"after", short(res.After))
	return res, nil
}

func short(commit string) string {
	if len(commit) > 12 {
		return commit[:12]
	}
	return commit
}
