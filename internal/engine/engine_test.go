package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codeindex-mcp/internal/codesearch"
	"github.com/dshills/codeindex-mcp/internal/config"
	"github.com/dshills/codeindex-mcp/internal/embedder"
	"github.com/dshills/codeindex-mcp/internal/index"
	"github.com/dshills/codeindex-mcp/internal/ingest"
	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/internal/searcher"
	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/internal/tenant"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// recordingGit answers every git command with empty output. While gate is
// set, commands block until it is closed.
type recordingGit struct {
	mu    sync.Mutex
	calls []string
	gate  chan struct{}
}

func (g *recordingGit) Run(ctx context.Context, _ string, args ...string) ([]byte, error) {
	g.mu.Lock()
	g.calls = append(g.calls, strings.Join(args, " "))
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{DataDir: t.TempDir()}
	cfg.Embedding.Dimension = 32
	cfg.Watch.Debounce.Duration = 20 * time.Millisecond
	cfg.SetDefaults()
	return cfg
}

func openTestEngine(t *testing.T, cfg *config.Config, git *recordingGit) *Engine {
	t.Helper()
	if git == nil {
		git = &recordingGit{}
	}
	e, err := Open(cfg, Deps{
		Embedder:  embedder.NewLocalProvider(32),
		GitRunner: git,
		Tools:     []codesearch.Tool{},
		Logger:    logging.Discard(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func sampleProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, root, "greet.go", "package demo\n\n// Greet says hello\nfunc Greet(name string) string {\n\treturn \"hello \" + name\n}\n")
	writeFile(t, root, "store/cache.go", "package store\n\ntype Cache struct {\n\titems map[string]string\n}\n\nfunc (c *Cache) Get(key string) string {\n\treturn c.items[key]\n}\n")
	writeFile(t, root, "tools/report.py", "def build_report(rows):\n    return len(rows)\n")
	return root
}

func acme() context.Context {
	return tenant.WithID(context.Background(), "acme")
}

func TestRegisterProject_Local(t *testing.T) {
	e := openTestEngine(t, testConfig(t), nil)
	root := sampleProject(t)

	res, err := e.RegisterProject(acme(), RegisterRequest{Path: root})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, filepath.Base(root), res.Project.Name)
	require.NotNil(t, res.Refresh)
	assert.Equal(t, 3, res.Refresh.Added)
	assert.NotNil(t, res.Project.LastRefreshAt)

	again, err := e.RegisterProject(acme(), RegisterRequest{Path: root})
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.Project.ID, again.Project.ID)

	other := t.TempDir()
	_, err = e.RegisterProject(acme(), RegisterRequest{Name: res.Project.Name, Path: other})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	projects, err := e.ListProjects(acme())
	require.NoError(t, err)
	assert.Len(t, projects, 1)
}

func TestRegisterProject_Errors(t *testing.T) {
	e := openTestEngine(t, testConfig(t), nil)

	_, err := e.RegisterProject(context.Background(), RegisterRequest{Path: t.TempDir()})
	assert.ErrorIs(t, err, types.ErrInvalidTenant)

	_, err = e.RegisterProject(acme(), RegisterRequest{})
	assert.Error(t, err)

	_, err = e.RegisterProject(acme(), RegisterRequest{Path: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, types.ErrProjectUnavailable)

	_, err = e.RegisterProject(acme(), RegisterRequest{Path: t.TempDir(), RemoteURL: "https://github.com/acme/api"})
	assert.Error(t, err)
}

func TestRegisterProject_Remote(t *testing.T) {
	cfg := testConfig(t)
	e := openTestEngine(t, cfg, nil)

	res, err := e.RegisterProject(acme(), RegisterRequest{RemoteURL: "git@github.com:acme/api.git"})
	require.NoError(t, err)
	assert.Equal(t, "acme/api", res.Project.Name)
	assert.Equal(t, "https://github.com/acme/api.git", res.Project.RemoteURL)
	assert.Equal(t, ingest.DefaultBranch, res.Project.Branch)
	assert.True(t, strings.HasPrefix(res.Project.RootPath, cfg.Ingest.WorkDir))
	assert.Nil(t, res.Refresh)
}

func TestShallowOperations(t *testing.T) {
	e := openTestEngine(t, testConfig(t), nil)
	ctx := acme()
	root := sampleProject(t)
	reg, err := e.RegisterProject(ctx, RegisterRequest{Path: root})
	require.NoError(t, err)
	pid := reg.Project.ID

	found, err := e.SearchCode(ctx, pid, "items", codesearch.Options{})
	require.NoError(t, err)
	assert.Equal(t, "builtin", found.Tool)
	require.Len(t, found.Matches, 2)
	for _, m := range found.Matches {
		assert.Equal(t, "store/cache.go", m.File)
	}

	deep, err := e.BuildDeepIndex(ctx, pid, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, deep.Total)
	assert.Greater(t, deep.Symbols, 0)

	syms, err := e.QuerySymbols(ctx, pid, index.Query{SymbolName: "greet"})
	require.NoError(t, err)
	require.NotEmpty(t, syms.Symbols)
	assert.Equal(t, "Greet", syms.Symbols[0].Name)

	writeFile(t, root, "extra.go", "package demo\n")
	refresh, err := e.RefreshIndex(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, 1, refresh.Added)

	_, err = e.SearchCode(ctx, 0, "hello", codesearch.Options{})
	assert.ErrorIs(t, err, types.ErrProjectNotFound)

	// another tenant cannot see the project
	_, err = e.QuerySymbols(tenant.WithID(context.Background(), "globex"), pid, index.Query{})
	assert.ErrorIs(t, err, types.ErrProjectNotFound)
}

func TestIngestAndSemanticSearch(t *testing.T) {
	e := openTestEngine(t, testConfig(t), nil)
	ctx := acme()
	reg, err := e.RegisterProject(ctx, RegisterRequest{Path: sampleProject(t)})
	require.NoError(t, err)
	pid := reg.Project.ID

	_, err = e.SemanticSearch(ctx, searcher.SearchRequest{ProjectID: pid, Query: "Greet"})
	assert.ErrorIs(t, err, ErrNotIndexed)

	sum, err := e.IngestProject(ctx, IngestRequest{ProjectID: pid})
	require.NoError(t, err)
	assert.Equal(t, ingest.KindFull, sum.Kind)
	assert.Equal(t, 3, sum.Files.Succeeded)
	assert.Greater(t, sum.ChunksCreated, 0)

	resp, err := e.SemanticSearch(ctx, searcher.SearchRequest{ProjectID: pid, Query: "Greet", Mode: searcher.SearchModeKeyword})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "greet.go", resp.Results[0].FilePath)

	hybrid, err := e.SemanticSearch(ctx, searcher.SearchRequest{Query: "cache get key"})
	require.NoError(t, err)
	assert.NotEmpty(t, hybrid.Results)

	similar, err := e.FindSimilarCode(ctx, searcher.SimilarRequest{ProjectID: pid, ChunkID: resp.Results[0].ChunkID})
	require.NoError(t, err)
	for _, r := range similar.Results {
		assert.NotEqual(t, resp.Results[0].ChunkID, r.ChunkID)
	}

	// the other tenant sees nothing
	globex := tenant.WithID(context.Background(), "globex")
	empty, err := e.SemanticSearch(globex, searcher.SearchRequest{Query: "Greet", Mode: searcher.SearchModeKeyword})
	require.NoError(t, err)
	assert.Empty(t, empty.Results)

	// an unchanged tree re-ingests without new embeddings
	again, err := e.IngestProject(ctx, IngestRequest{ProjectID: pid, Kind: ingest.KindIncremental})
	require.NoError(t, err)
	assert.Zero(t, again.EmbeddingsCreated)

	report, err := e.Status(ctx, pid)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Shallow.Files)
	assert.Equal(t, 3, report.Semantic.Files)
	assert.Greater(t, report.Semantic.Chunks, 0)
	assert.Greater(t, report.Semantic.Embeddings, 0)
	assert.Equal(t, "local", report.Embedding.Provider)
	assert.Equal(t, 32, report.Embedding.Dimension)
	assert.Equal(t, "builtin", report.SearchTool)
	assert.Equal(t, ingest.StateIdle, report.Ingestion.State)
	assert.True(t, report.Health.DatabaseAccessible)
	assert.NotNil(t, report.Project.LastIngestedAt)
}

func TestIngestProject_ChangeSet(t *testing.T) {
	e := openTestEngine(t, testConfig(t), nil)
	ctx := acme()
	root := sampleProject(t)
	reg, err := e.RegisterProject(ctx, RegisterRequest{Path: root})
	require.NoError(t, err)
	_, err = e.IngestProject(ctx, IngestRequest{ProjectID: reg.Project.ID})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "tools/report.py")))
	sum, err := e.IngestProject(ctx, IngestRequest{
		ProjectID: reg.Project.ID,
		Changes:   &ingest.ChangeSet{Removed: []string{"tools/report.py"}},
	})
	require.NoError(t, err)
	assert.Equal(t, ingest.KindIncremental, sum.Kind)
	assert.Equal(t, 1, sum.Files.Removed)

	resp, err := e.SemanticSearch(ctx, searcher.SearchRequest{ProjectID: reg.Project.ID, Query: "build_report", Mode: searcher.SearchModeKeyword})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}

func TestHandleChangeEvent_RoutesAcrossTenants(t *testing.T) {
	git := &recordingGit{}
	e := openTestEngine(t, testConfig(t), git)

	_, err := e.RegisterProject(acme(), RegisterRequest{RemoteURL: "https://github.com/acme/api.git"})
	require.NoError(t, err)
	globex := tenant.WithID(context.Background(), "globex")
	_, err = e.RegisterProject(globex, RegisterRequest{RemoteURL: "git@github.com:acme/api.git"})
	require.NoError(t, err)
	_, err = e.RegisterProject(globex, RegisterRequest{Name: "api-dev", RemoteURL: "https://github.com/acme/api", Branch: "dev"})
	require.NoError(t, err)

	n, err := e.HandleChangeEvent(context.Background(), &types.ChangeEvent{
		Provider: "github",
		CloneURL: "https://github.com/acme/api",
		Branch:   "main",
		After:    "bbb",
		EventID:  "delivery-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = e.HandleChangeEvent(context.Background(), &types.ChangeEvent{
		Provider: "github",
		CloneURL: "https://github.com/acme/other.git",
		Branch:   "main",
	})
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = e.HandleChangeEvent(context.Background(), &types.ChangeEvent{Provider: "github"})
	assert.ErrorIs(t, err, types.ErrWebhookPayloadInvalid)

	// background runs finish before Close returns
	require.NoError(t, e.Close())
	git.mu.Lock()
	defer git.mu.Unlock()
	assert.NotEmpty(t, git.calls)
}

func TestHandleChangeEvent_MergesWhileBusy(t *testing.T) {
	git := &recordingGit{}
	cfg := testConfig(t)
	cfg.Ingest.QueueDepth = 1
	e := openTestEngine(t, cfg, git)
	_, err := e.RegisterProject(acme(), RegisterRequest{RemoteURL: "https://github.com/acme/app.git"})
	require.NoError(t, err)

	gate := make(chan struct{})
	git.mu.Lock()
	git.gate = gate
	git.mu.Unlock()

	for i, id := range []string{"e1", "e2", "e3"} {
		n, err := e.HandleChangeEvent(context.Background(), &types.ChangeEvent{
			Provider: "github",
			CloneURL: "https://github.com/acme/app.git",
			Branch:   "main",
			After:    fmt.Sprintf("c%d", i+1),
			EventID:  id,
		})
		require.NoError(t, err, id)
		assert.Equal(t, 1, n, id)
	}
	close(gate)
	require.NoError(t, e.Close())
}

func TestResetCursor(t *testing.T) {
	e := openTestEngine(t, testConfig(t), nil)
	ctx := acme()
	reg, err := e.RegisterProject(ctx, RegisterRequest{RemoteURL: "https://github.com/acme/api.git"})
	require.NoError(t, err)

	sum, err := e.ResetCursor(ctx, reg.Project.ID, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "abc123", sum.CursorAfter)

	report, err := e.Status(ctx, reg.Project.ID)
	require.NoError(t, err)
	require.NotNil(t, report.Sync)
	assert.Equal(t, "abc123", report.Sync.LastCommit)
}

func TestWatch_AutoIngest(t *testing.T) {
	cfg := testConfig(t)
	cfg.Watch.AutoIngest = true
	e := openTestEngine(t, cfg, nil)
	ctx := acme()
	root := sampleProject(t)
	reg, err := e.RegisterProject(ctx, RegisterRequest{Path: root})
	require.NoError(t, err)
	pid := reg.Project.ID
	_, err = e.IngestProject(ctx, IngestRequest{ProjectID: pid})
	require.NoError(t, err)

	require.NoError(t, e.Watch(ctx, pid))
	writeFile(t, root, "billing.go", "package demo\n\nfunc ChargeInvoice() int {\n\treturn 42\n}\n")

	require.Eventually(t, func() bool {
		resp, err := e.SemanticSearch(ctx, searcher.SearchRequest{ProjectID: pid, Query: "ChargeInvoice", Mode: searcher.SearchModeKeyword})
		return err == nil && len(resp.Results) > 0
	}, 5*time.Second, 50*time.Millisecond)

	report, err := e.Status(ctx, pid)
	require.NoError(t, err)
	assert.True(t, report.Shallow.Watching)

	require.NoError(t, e.Unwatch(ctx, pid))
}

func TestUnregisterAndGarbageCollect(t *testing.T) {
	e := openTestEngine(t, testConfig(t), nil)
	ctx := acme()
	reg, err := e.RegisterProject(ctx, RegisterRequest{Path: sampleProject(t)})
	require.NoError(t, err)
	_, err = e.IngestProject(ctx, IngestRequest{ProjectID: reg.Project.ID})
	require.NoError(t, err)

	require.NoError(t, e.UnregisterProject(ctx, reg.Project.ID))
	projects, err := e.ListProjects(ctx)
	require.NoError(t, err)
	assert.Empty(t, projects)

	res, err := e.GarbageCollect(ctx, GCRequest{})
	require.NoError(t, err)
	assert.Greater(t, res.EmbeddingsDeleted, 0)

	_, err = e.GarbageCollect(context.Background(), GCRequest{})
	assert.ErrorIs(t, err, types.ErrInvalidTenant)
}

func TestClose_Idempotent(t *testing.T) {
	e := openTestEngine(t, testConfig(t), nil)
	require.NoError(t, e.Close())
	require.NoError(t, e.Close())
}
