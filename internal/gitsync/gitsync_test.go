package gitsync

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codeindex-mcp/internal/logging"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw      string
		clone    string
		platform string
	}{
		{"https://github.com/acme/widgets", "https://github.com/acme/widgets.git", "github"},
		{"https://github.com/acme/widgets.git/", "https://github.com/acme/widgets.git", "github"},
		{"git@github.com:acme/widgets.git", "https://github.com/acme/widgets.git", "github"},
		{"ssh://git@gitlab.com:22/group/sub/widgets.git", "https://gitlab.com/group/sub/widgets.git", "gitlab"},
		{"https://token@bitbucket.org/acme/widgets", "https://bitbucket.org/acme/widgets.git", "bitbucket"},
		{"https://Git.Example.com:3000/acme/widgets", "https://git.example.com:3000/acme/widgets.git", "gitea"},
		{"github.com/acme/widgets", "https://github.com/acme/widgets.git", "github"},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			info, err := ParseURL(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.clone, info.CloneURL())
			assert.Equal(t, tt.platform, info.Platform)
		})
	}

	for _, bad := range []string{"", "github.com", "https://github.com/acme", "git@github.com:widgets"} {
		_, err := ParseURL(bad)
		assert.ErrorIs(t, err, ErrInvalidURL, bad)
	}
}

func TestNormalizeURL_SameRepoSameKey(t *testing.T) {
	a, err := NormalizeURL("git@github.com:acme/widgets.git")
	require.NoError(t, err)
	b, err := NormalizeURL("https://GITHUB.com/acme/widgets")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestRepoInfoPaths(t *testing.T) {
	info, err := ParseURL("https://gitlab.com/group/sub/widgets.git")
	require.NoError(t, err)
	assert.Equal(t, "group/sub/widgets", info.FullName())
	assert.Equal(t, filepath.Join("/work", "acme", "gitlab.com", "group", "sub", "widgets"), info.WorkPath("/work", "acme"))
	assert.Equal(t, "https://s3cret@gitlab.com/group/sub/widgets.git", info.AuthURL("s3cret"))
	assert.Equal(t, info.CloneURL(), info.AuthURL(""))
}

func TestRedactArgs(t *testing.T) {
	got := redactArgs([]string{"clone", "https://s3cret@github.com/a/b.git", "dest"})
	assert.NotContains(t, got, "s3cret")
	assert.Contains(t, got, "https://***@github.com/a/b.git")
}

func TestParseNameStatus(t *testing.T) {
	out := []byte("M\x00main.go\x00A\x00new.go\x00D\x00old.go\x00R087\x00a/x.go\x00b/x.go\x00C100\x00src.go\x00copy.go\x00T\x00link\x00")
	changes, err := ParseNameStatus(out)
	require.NoError(t, err)
	assert.Equal(t, []Change{
		{Status: StatusModified, Path: "main.go"},
		{Status: StatusAdded, Path: "new.go"},
		{Status: StatusDeleted, Path: "old.go"},
		{Status: StatusRenamed, OldPath: "a/x.go", Path: "b/x.go"},
		{Status: StatusCopied, OldPath: "src.go", Path: "copy.go"},
		{Status: StatusTypeChanged, Path: "link"},
	}, changes)

	changes, err = ParseNameStatus(nil)
	require.NoError(t, err)
	assert.Empty(t, changes)

	_, err = ParseNameStatus([]byte("R100\x00only-one\x00"))
	assert.Error(t, err)
}

// fakeRunner returns scripted output keyed by the git subcommand
type fakeRunner struct {
	mu      sync.Mutex
	calls   [][]string
	outputs map[string]string
	errs    map[string]error
}

func (f *fakeRunner) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, args)
	key := args[0]
	if key == "-c" {
		key = args[2]
	}
	if err := f.errs[key]; err != nil {
		return nil, err
	}
	return []byte(f.outputs[key]), nil
}

func TestIsAncestor(t *testing.T) {
	r := &fakeRunner{}
	c := New(r, logging.Discard())

	ok, err := c.IsAncestor(context.Background(), "/repo", "a", "b")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"merge-base", "--is-ancestor", "a", "b"}, r.calls[0])

	r.errs = map[string]error{"merge-base": &Error{ExitCode: 1}}
	ok, err = c.IsAncestor(context.Background(), "/repo", "a", "b")
	require.NoError(t, err)
	assert.False(t, ok)

	r.errs = map[string]error{"merge-base": &Error{ExitCode: 128, Stderr: "fatal: Not a valid commit name"}}
	_, err = c.IsAncestor(context.Background(), "/repo", "a", "zzz")
	assert.Error(t, err)
}

func TestSync_ClonesThenFetches(t *testing.T) {
	r := &fakeRunner{outputs: map[string]string{"rev-parse": "abc123\n"}}
	c := New(r, logging.Discard())
	dir := filepath.Join(t.TempDir(), "acme", "github.com", "a", "b")

	res, err := c.Sync(context.Background(), "https://github.com/a/b.git", "main", dir, "")
	require.NoError(t, err)
	assert.True(t, res.Cloned)
	assert.Equal(t, "abc123", res.After)
	assert.Equal(t, "clone", r.calls[0][0])
	assert.Contains(t, r.calls[0], "--single-branch")

	// pretend the clone produced a working tree
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	r.calls = nil
	res, err = c.Sync(context.Background(), "https://github.com/a/b.git", "main", dir, "def456")
	require.NoError(t, err)
	assert.False(t, res.Cloned)
	assert.Equal(t, "abc123", res.Before)

	var subcommands []string
	for _, call := range r.calls {
		if call[0] == "-c" {
			subcommands = append(subcommands, call[2]+" "+call[len(call)-1])
			continue
		}
		subcommands = append(subcommands, call[0])
	}
	assert.Equal(t, []string{"rev-parse", "remote", "fetch", "checkout def456", "rev-parse"}, subcommands)
}

func TestSync_CloneFailure(t *testing.T) {
	r := &fakeRunner{errs: map[string]error{"clone": &Error{Args: []string{"clone"}, ExitCode: 128, Stderr: "repository not found"}}}
	c := New(r, logging.Discard())
	_, err := c.Sync(context.Background(), "https://github.com/a/b.git", "main", filepath.Join(t.TempDir(), "repo"), "")
	var gitErr *Error
	require.ErrorAs(t, err, &gitErr)
	assert.Equal(t, 128, gitErr.ExitCode)
}

// gitRepo creates a real repository when git is installed
func gitRepo(t *testing.T) (string, func(args ...string) string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
	dir := t.TempDir()
	run := func(args ...string) string {
		t.Helper()
		full := append([]string{"-c", "user.name=test", "-c", "user.email=test@example.com", "-c", "commit.gpgsign=false"}, args...)
		cmd := exec.Command("git", full...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
		return strings.TrimSpace(string(out))
	}
	run("init", "--quiet", "--initial-branch=main")
	return dir, run
}

func TestClient_RealRepository(t *testing.T) {
	dir, run := gitRepo(t)
	write := func(name, content string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	write("a.go", "package a\n")
	write("b.go", "package a\n\nfunc B() {}\n")
	run("add", ".")
	run("commit", "--quiet", "-m", "first")
	first := run("rev-parse", "HEAD")

	write("a.go", "package a\n\nfunc A() {}\n")
	require.NoError(t, os.Rename(filepath.Join(dir, "b.go"), filepath.Join(dir, "c.go")))
	write("d.go", "package a\n")
	run("add", "-A")
	run("commit", "--quiet", "-m", "second")
	second := run("rev-parse", "HEAD")

	c := New(&ExecRunner{}, logging.Discard())
	ctx := context.Background()

	head, err := c.HeadCommit(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, second, head)

	changes, err := c.Diff(ctx, dir, first, second)
	require.NoError(t, err)
	byPath := map[string]Change{}
	for _, ch := range changes {
		byPath[ch.Path] = ch
	}
	assert.Equal(t, StatusModified, byPath["a.go"].Status)
	assert.Equal(t, StatusAdded, byPath["d.go"].Status)
	assert.Equal(t, StatusRenamed, byPath["c.go"].Status)
	assert.Equal(t, "b.go", byPath["c.go"].OldPath)

	ok, err := c.IsAncestor(ctx, dir, first, second)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.IsAncestor(ctx, dir, second, first)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = c.IsAncestor(ctx, dir, second, second)
	require.NoError(t, err)
	assert.True(t, ok)

	assert.True(t, c.HasCommit(ctx, dir, first))
	assert.False(t, c.HasCommit(ctx, dir, strings.Repeat("f", 40)))

	// clone the local repository through the sync path
	clone := filepath.Join(t.TempDir(), "clone")
	res, err := c.Sync(ctx, dir, "main", clone, first)
	require.NoError(t, err)
	assert.True(t, res.Cloned)
	assert.Equal(t, first, res.After)
	_, err = os.Stat(filepath.Join(clone, "b.go"))
	assert.NoError(t, err)

	res, err = c.Sync(ctx, dir, "main", clone, "")
	require.NoError(t, err)
	assert.Equal(t, first, res.Before)
	assert.Equal(t, second, res.After, fmt.Sprintf("%+v", res))
}
