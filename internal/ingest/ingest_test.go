package ingest

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codeindex-mcp/internal/chunker"
	"github.com/dshills/codeindex-mcp/internal/embedder"
	"github.com/dshills/codeindex-mcp/internal/gitsync"
	"github.com/dshills/codeindex-mcp/internal/index"
	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/internal/storage"
)

const testTenant = "acme"

// testEmbedder wraps the local provider. Texts containing the poison marker
// fail permanently while poisoned is set, texts containing the throttle
// marker get 429 while throttled is set; gate blocks every batch until it
// is closed.
type testEmbedder struct {
	*embedder.LocalProvider
	poisoned  atomic.Bool
	throttled atomic.Bool
	calls     atomic.Int32

	mu   sync.Mutex
	gate chan struct{}
}

func newTestEmbedder() *testEmbedder {
	return &testEmbedder{LocalProvider: embedder.NewLocalProvider(16)}
}

func (e *testEmbedder) block() chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gate = make(chan struct{})
	return e.gate
}

func (e *testEmbedder) GenerateBatch(ctx context.Context, req embedder.BatchEmbeddingRequest) (*embedder.BatchEmbeddingResponse, error) {
	e.calls.Add(1)
	e.mu.Lock()
	gate := e.gate
	e.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.throttled.Load() {
		for _, text := range req.Texts {
			if strings.Contains(text, "THROTTLED") {
				return nil, &embedder.ProviderError{Provider: "test", StatusCode: http.StatusTooManyRequests, Body: "rate limited"}
			}
		}
	}
	if e.poisoned.Load() {
		for _, text := range req.Texts {
			if strings.Contains(text, "POISON") {
				return nil, &embedder.ProviderError{Provider: "test", StatusCode: http.StatusBadRequest, Body: "rejected"}
			}
		}
	}
	return e.LocalProvider.GenerateBatch(ctx, req)
}

type fixture struct {
	store   *storage.SQLiteStorage
	emb     *testEmbedder
	index   *index.Manager
	project *storage.Project
	root    string
}

func newFixture(t *testing.T, git gitsync.Runner) (*fixture, *Pipeline) {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	root := t.TempDir()
	project := &storage.Project{TenantID: testTenant, Name: "api", RootPath: root}
	require.NoError(t, store.CreateProject(context.Background(), project))

	emb := newTestEmbedder()
	client := embedder.NewClient(emb, store, embedder.ClientOptions{
		Retry:  embedder.RetryConfig{MaxRetries: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Logger: logging.Discard(),
	})
	idx := index.New(nil, index.Options{Logger: logging.Discard()})

	var gc *gitsync.Client
	if git != nil {
		gc = gitsync.New(git, logging.Discard())
	}
	pipe := NewPipeline(store, idx, chunker.New(chunker.DefaultOptions()), client, gc, Options{
		GroupSize: 4,
		Logger:    logging.Discard(),
	})
	return &fixture{store: store, emb: emb, index: idx, project: project, root: root}, pipe
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	full := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func (f *fixture) request(kind Kind) Request {
	return Request{TenantID: testTenant, ProjectID: f.project.ID, Kind: kind}
}

func goFile(name, body string) string {
	return fmt.Sprintf("package demo\n\nfunc %s() string {\n\treturn %q\n}\n", name, body)
}

func TestExecute_FullThenIdempotent(t *testing.T) {
	f, pipe := newFixture(t, nil)
	ctx := context.Background()
	f.write(t, "a.go", goFile("A", "alpha"))
	f.write(t, "b.go", goFile("B", "beta"))
	f.write(t, "lib/c.py", "def c():\n    return 'gamma'\n")

	var states []State
	sum, err := pipe.Execute(ctx, f.request(KindFull), func(s State) { states = append(states, s) })
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Files.Succeeded)
	assert.Greater(t, sum.ChunksCreated, 0)
	assert.Greater(t, sum.EmbeddingsCreated, 0)
	assert.Zero(t, sum.EmbeddingsFailed)
	assert.NotEmpty(t, sum.RunID)
	assert.Contains(t, states, StateScanning)
	assert.Contains(t, states, StateEmbedding)
	assert.Contains(t, states, StateCommitting)
	assert.Equal(t, StateIdle, states[len(states)-1])

	files, err := f.store.ListFiles(ctx, testTenant, f.project.ID)
	require.NoError(t, err)
	require.Len(t, files, 3)
	for _, file := range files {
		assert.False(t, file.Pending)
		assert.NotEmpty(t, file.ContentHash)
	}

	calls := f.emb.calls.Load()
	again, err := pipe.Execute(ctx, f.request(KindFull), nil)
	require.NoError(t, err)
	assert.Equal(t, 3, again.Files.Skipped)
	assert.Zero(t, again.ChunksCreated)
	assert.Zero(t, again.EmbeddingsCreated)
	assert.Equal(t, calls, f.emb.calls.Load(), "unchanged files must not reach the provider")

	project, err := f.store.GetProject(ctx, testTenant, f.project.ID)
	require.NoError(t, err)
	assert.False(t, project.LastIngestedAt.IsZero())
	assert.False(t, project.LastRefreshAt.IsZero())
}

func TestExecute_ModifyDeleteAdd(t *testing.T) {
	f, pipe := newFixture(t, nil)
	ctx := context.Background()
	f.write(t, "a.go", goFile("A", "alpha"))
	f.write(t, "b.go", goFile("B", "beta"))
	f.write(t, "c.go", goFile("C", "gamma"))

	_, err := pipe.Execute(ctx, f.request(KindFull), nil)
	require.NoError(t, err)

	f.write(t, "b.go", goFile("B", "beta v2"))
	require.NoError(t, os.Remove(filepath.Join(f.root, "c.go")))
	f.write(t, "d.go", goFile("D", "delta"))

	sum, err := pipe.Execute(ctx, f.request(KindIncremental), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Files.Succeeded, "b modified and d added")
	assert.Equal(t, 1, sum.Files.Skipped, "a unchanged")
	assert.Equal(t, 1, sum.Files.Removed, "c deleted")
	assert.Greater(t, sum.ChunksStaled, 0, "old b chunks superseded")
	assert.Greater(t, sum.ChunksDeleted, 0, "c chunks deleted")

	files, err := f.store.ListFiles(ctx, testTenant, f.project.ID)
	require.NoError(t, err)
	var paths []string
	for _, file := range files {
		paths = append(paths, file.Path)
	}
	assert.Equal(t, []string{"a.go", "b.go", "d.go"}, paths)

	live, err := f.store.ListLiveChunksByFile(ctx, testTenant, f.project.ID, "b.go")
	require.NoError(t, err)
	require.NotEmpty(t, live)
	for _, c := range live {
		assert.NotContains(t, c.Content, `"beta"`)
	}
	gone, err := f.store.ListLiveChunksByFile(ctx, testTenant, f.project.ID, "c.go")
	require.NoError(t, err)
	assert.Empty(t, gone)
}

func TestExecute_RepeatedPiecesOfLongLine(t *testing.T) {
	f, pipe := newFixture(t, nil)
	ctx := context.Background()
	long := strings.Repeat("x", 2*chunker.DefaultMaxChunkBytes+100)
	f.write(t, "data.js", long+"\n")

	sum, err := pipe.Execute(ctx, f.request(KindFull), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Files.Succeeded)
	assert.Zero(t, sum.Files.Failed)

	first, err := f.store.ListLiveChunksByFile(ctx, testTenant, f.project.ID, "data.js")
	require.NoError(t, err)
	require.Len(t, first, 3)
	assert.Equal(t, first[0].ContentHash, first[1].ContentHash)
	assert.NotEqual(t, first[0].StartByte, first[1].StartByte)

	f.write(t, "data.js", long+"\nconsole.log(1)\n")
	sum, err = pipe.Execute(ctx, f.request(KindIncremental), nil)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Files.Succeeded)
	assert.Zero(t, sum.ChunksStaled, "unchanged pieces stay live")

	second, err := f.store.ListLiveChunksByFile(ctx, testTenant, f.project.ID, "data.js")
	require.NoError(t, err)
	require.Len(t, second, 4)
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
	}
}

func TestExecute_ExplicitChangeSet(t *testing.T) {
	f, pipe := newFixture(t, nil)
	ctx := context.Background()
	f.write(t, "a.go", goFile("A", "alpha"))
	f.write(t, "old.go", goFile("Old", "moved"))
	_, err := pipe.Execute(ctx, f.request(KindFull), nil)
	require.NoError(t, err)

	require.NoError(t, os.Rename(filepath.Join(f.root, "old.go"), filepath.Join(f.root, "new.go")))
	f.write(t, "a.go", goFile("A", "alpha v2"))

	req := f.request(KindIncremental)
	req.Changes = &ChangeSet{
		Modified: []string{"a.go"},
		Renamed:  []Rename{{From: "old.go", To: "new.go"}},
	}
	req.TargetCommit = "c2"
	sum, err := pipe.Execute(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Files.Succeeded)
	assert.Equal(t, 1, sum.Files.Removed)
	assert.Equal(t, "c2", sum.CursorAfter)

	// same text under a new path reuses the stored vector
	assert.Greater(t, sum.EmbeddingsReused, 0)

	state, err := f.store.GetSyncState(ctx, testTenant, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, "c2", state.LastCommit)
}

func TestExecute_PartialEmbeddingFailure(t *testing.T) {
	f, pipe := newFixture(t, nil)
	ctx := context.Background()
	for i := range 10 {
		body := fmt.Sprintf("value %d", i)
		if i == 3 || i == 7 {
			body = fmt.Sprintf("POISON %d", i)
		}
		f.write(t, fmt.Sprintf("f%02d.go", i), goFile(fmt.Sprintf("F%d", i), body))
	}
	f.emb.poisoned.Store(true)

	req := f.request(KindFull)
	req.TargetCommit = "c1"
	sum, err := pipe.Execute(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, sum.Files.Succeeded)
	assert.Equal(t, 2, sum.Files.Pending)
	assert.Equal(t, 2, sum.EmbeddingsFailed)
	assert.Equal(t, 2, sum.RetryQueued)
	assert.Equal(t, "c1", sum.CursorAfter, "cursor advances despite failures")

	items, err := f.store.ListRetryItems(ctx, testTenant, f.project.ID)
	require.NoError(t, err)
	var queued []string
	for _, it := range items {
		queued = append(queued, it.FilePath)
	}
	assert.ElementsMatch(t, []string{"f03.go", "f07.go"}, queued)

	pending, err := f.store.GetFile(ctx, testTenant, f.project.ID, "f03.go")
	require.NoError(t, err)
	assert.True(t, pending.Pending)
	assert.Empty(t, pending.ContentHash, "hash is not advanced for a pending file")

	// provider recovers; a retry run picks up only the queued files
	f.emb.poisoned.Store(false)
	retry, err := pipe.Execute(ctx, f.request(KindRetry), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, retry.Files.Succeeded)
	assert.Equal(t, 2, retry.EmbeddingsCreated)
	assert.Equal(t, "c1", retry.CursorAfter)

	items, err = f.store.ListRetryItems(ctx, testTenant, f.project.ID)
	require.NoError(t, err)
	assert.Empty(t, items)

	empty, err := pipe.Execute(ctx, f.request(KindRetry), nil)
	require.NoError(t, err)
	assert.True(t, empty.NoOp)
}

func TestExecute_RateLimitedChunksQueued(t *testing.T) {
	f, pipe := newFixture(t, nil)
	pipe.opts.GroupSize = 32
	ctx := context.Background()
	for i := range 10 {
		body := fmt.Sprintf("value %d", i)
		if i == 1 || i == 8 {
			body = fmt.Sprintf("THROTTLED %d", i)
		}
		f.write(t, fmt.Sprintf("f%02d.go", i), goFile(fmt.Sprintf("F%d", i), body))
	}
	f.emb.throttled.Store(true)

	req := f.request(KindFull)
	req.TargetCommit = "c1"
	sum, err := pipe.Execute(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, sum.Files.Succeeded)
	assert.Equal(t, 2, sum.Files.Pending)
	assert.Equal(t, 8, sum.EmbeddingsCreated)
	assert.Equal(t, 2, sum.EmbeddingsFailed)
	assert.Equal(t, 2, sum.RetryQueued)
	assert.Equal(t, "c1", sum.CursorAfter)

	items, err := f.store.ListRetryItems(ctx, testTenant, f.project.ID)
	require.NoError(t, err)
	var queued []string
	for _, it := range items {
		queued = append(queued, it.FilePath)
	}
	assert.ElementsMatch(t, []string{"f01.go", "f08.go"}, queued)
}

// collectedLookup reports every hash as stored, as if a collection removed
// the vectors right after the lookup.
type collectedLookup struct{}

func (collectedLookup) ExistingHashes(_ context.Context, _ string, hashes []string) (map[string]bool, error) {
	out := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		out[h] = true
	}
	return out, nil
}

func TestExecute_ReusedEmbeddingCollectedBeforeCommit(t *testing.T) {
	f, pipe := newFixture(t, nil)
	ctx := context.Background()
	f.write(t, "a.go", goFile("A", "alpha"))
	f.write(t, "b.go", goFile("B", "beta"))

	racing := NewPipeline(f.store, f.index, chunker.New(chunker.DefaultOptions()),
		embedder.NewClient(f.emb, collectedLookup{}, embedder.ClientOptions{Logger: logging.Discard()}),
		nil, Options{GroupSize: 4, Logger: logging.Discard()})

	sum, err := racing.Execute(ctx, f.request(KindFull), nil)
	require.NoError(t, err)
	assert.Zero(t, sum.Files.Succeeded)
	assert.Equal(t, 2, sum.Files.Pending)
	assert.Zero(t, sum.ChunksCreated)
	assert.Positive(t, sum.RetryQueued)

	live, err := f.store.ListLiveChunksByFile(ctx, testTenant, f.project.ID, "a.go")
	require.NoError(t, err)
	assert.Empty(t, live, "no live chunk points at a missing vector")

	items, err := f.store.ListRetryItems(ctx, testTenant, f.project.ID)
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.Equal(t, errEmbeddingCollected.Error(), items[0].LastError)

	retry, err := pipe.Execute(ctx, f.request(KindRetry), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, retry.Files.Succeeded)
	assert.Positive(t, retry.EmbeddingsCreated)

	live, err = f.store.ListLiveChunksByFile(ctx, testTenant, f.project.ID, "a.go")
	require.NoError(t, err)
	assert.NotEmpty(t, live)
}

func TestExecute_RetryAttemptsExhausted(t *testing.T) {
	f, pipe := newFixture(t, nil)
	pipe.opts.MaxRetryAttempts = 2
	ctx := context.Background()
	f.write(t, "bad.go", goFile("Bad", "POISON"))
	f.emb.poisoned.Store(true)

	_, err := pipe.Execute(ctx, f.request(KindFull), nil)
	require.NoError(t, err)
	_, err = pipe.Execute(ctx, f.request(KindRetry), nil)
	require.NoError(t, err)

	sum, err := pipe.Execute(ctx, f.request(KindRetry), nil)
	require.NoError(t, err)
	assert.True(t, sum.NoOp)
	require.Len(t, sum.Errors, 1)
	assert.Equal(t, "bad.go", sum.Errors[0].Unit)

	file, err := f.store.GetFile(ctx, testTenant, f.project.ID, "bad.go")
	require.NoError(t, err)
	assert.True(t, file.Pending, "file stays pending until a later full run")
}

func TestExecute_EventDedupe(t *testing.T) {
	f, pipe := newFixture(t, nil)
	ctx := context.Background()
	f.write(t, "a.go", goFile("A", "alpha"))

	req := f.request(KindIncremental)
	req.EventID = "delivery-1"
	req.TargetCommit = "c1"
	first, err := pipe.Execute(ctx, req, nil)
	require.NoError(t, err)
	assert.False(t, first.NoOp)
	assert.Equal(t, 1, first.Files.Succeeded)

	f.write(t, "a.go", goFile("A", "alpha v2"))
	second, err := pipe.Execute(ctx, req, nil)
	require.NoError(t, err)
	assert.True(t, second.NoOp)
	assert.Zero(t, second.Files.Succeeded)

	seen, err := f.store.EventSeen(ctx, testTenant, f.project.ID, "delivery-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestExecute_ResetCursor(t *testing.T) {
	f, pipe := newFixture(t, nil)
	ctx := context.Background()
	require.NoError(t, f.store.SaveSyncState(ctx, &storage.SyncState{
		TenantID: testTenant, ProjectID: f.project.ID, LastCommit: "c9",
	}))

	req := f.request(KindReset)
	req.TargetCommit = "c3"
	sum, err := pipe.Execute(ctx, req, nil)
	require.NoError(t, err)
	assert.Equal(t, "c9", sum.CursorBefore)
	assert.Equal(t, "c3", sum.CursorAfter)
}

func TestExecute_UnknownProject(t *testing.T) {
	f, pipe := newFixture(t, nil)
	_, err := pipe.Execute(context.Background(), Request{TenantID: "globex", ProjectID: f.project.ID}, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = pipe.Execute(context.Background(), Request{ProjectID: f.project.ID}, nil)
	assert.Error(t, err)
}

func TestExecute_Cancelled(t *testing.T) {
	f, pipe := newFixture(t, nil)
	f.write(t, "a.go", goFile("A", "alpha"))
	gate := f.emb.block()
	defer close(gate)

	ctx, cancel := context.WithCancel(context.Background())
	req := f.request(KindFull)
	req.TargetCommit = "c1"
	done := make(chan error, 1)
	go func() {
		_, err := pipe.Execute(ctx, req, nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return f.emb.calls.Load() > 0 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}

	_, err := f.store.GetSyncState(context.Background(), testTenant, f.project.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound, "cursor must not advance on cancellation")
	files, err := f.store.ListFiles(context.Background(), testTenant, f.project.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

// scriptedGit answers git commands from a table keyed by the joined args
type scriptedGit struct {
	mu    sync.Mutex
	calls []string
	out   map[string]string
	fail  map[string]int // exit codes
}

func (g *scriptedGit) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	g.mu.Lock()
	g.calls = append(g.calls, key)
	g.mu.Unlock()
	for prefix, code := range g.fail {
		if strings.HasPrefix(key, prefix) {
			return nil, &gitsync.Error{Args: args, ExitCode: code}
		}
	}
	// longest matching prefix wins
	best := ""
	for prefix := range g.out {
		if strings.HasPrefix(key, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return nil, nil
	}
	return []byte(g.out[best]), nil
}

func (g *scriptedGit) ran(prefix string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.calls {
		if strings.HasPrefix(c, prefix) {
			return true
		}
	}
	return false
}

func remoteFixture(t *testing.T, git *scriptedGit) (*fixture, *Pipeline) {
	f, pipe := newFixture(t, git)
	ctx := context.Background()
	require.NoError(t, os.Mkdir(filepath.Join(f.root, ".git"), 0o755))
	f.project.RemoteURL = "https://github.com/acme/api.git"
	f.project.Branch = "main"
	require.NoError(t, f.store.UpdateProject(ctx, f.project))
	require.NoError(t, f.store.SaveSyncState(ctx, &storage.SyncState{
		TenantID: testTenant, ProjectID: f.project.ID, Branch: "main", LastCommit: "aaa",
	}))
	return f, pipe
}

func TestExecute_GitTargetBehindCursor(t *testing.T) {
	git := &scriptedGit{out: map[string]string{
		"rev-parse --verify --quiet refs/remotes/origin/main": "bbb\n",
		"rev-parse": "aaa\n",
	}}
	f, pipe := remoteFixture(t, git)

	req := f.request(KindIncremental)
	req.EventID = "push-1"
	sum, err := pipe.Execute(context.Background(), req, nil)
	require.NoError(t, err)
	assert.True(t, sum.NoOp)
	assert.Equal(t, "aaa", sum.CursorAfter)
	assert.True(t, git.ran("merge-base --is-ancestor bbb aaa"))
	assert.False(t, git.ran("diff"))

	seen, err := f.store.EventSeen(context.Background(), testTenant, f.project.ID, "push-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestExecute_ExplicitTargetBehindCursor(t *testing.T) {
	git := &scriptedGit{out: map[string]string{
		"rev-parse --verify --quiet old": "old\n",
		"rev-parse":                      "aaa\n",
	}}
	f, pipe := remoteFixture(t, git)
	f.write(t, "main.go", goFile("Main", "hello"))
	ctx := context.Background()

	req := f.request(KindIncremental)
	req.Changes = &ChangeSet{Modified: []string{"main.go"}}
	req.TargetCommit = "old"
	sum, err := pipe.Execute(ctx, req, nil)
	require.NoError(t, err)
	assert.True(t, sum.NoOp)
	assert.Zero(t, sum.Files.Succeeded)
	assert.Equal(t, "aaa", sum.CursorAfter)
	assert.True(t, git.ran("merge-base --is-ancestor old aaa"))

	full := f.request(KindFull)
	full.TargetCommit = "old"
	sum, err = pipe.Execute(ctx, full, nil)
	require.NoError(t, err)
	assert.True(t, sum.NoOp)
	assert.Equal(t, "aaa", sum.CursorAfter)
	assert.False(t, git.ran("-c advice.detachedHead=false checkout"), "working tree stays at the cursor")

	state, err := f.store.GetSyncState(ctx, testTenant, f.project.ID)
	require.NoError(t, err)
	assert.Equal(t, "aaa", state.LastCommit)

	// a descendant of the cursor moves it forward
	git.mu.Lock()
	git.out["rev-parse --verify --quiet new"] = "new\n"
	git.fail = map[string]int{"merge-base --is-ancestor new aaa": 1}
	git.mu.Unlock()
	req.TargetCommit = "new"
	sum, err = pipe.Execute(ctx, req, nil)
	require.NoError(t, err)
	assert.False(t, sum.NoOp)
	assert.Equal(t, 1, sum.Files.Succeeded)
	assert.Equal(t, "new", sum.CursorAfter)
}

func TestExecute_GitDiff(t *testing.T) {
	git := &scriptedGit{
		out: map[string]string{
			"rev-parse --verify --quiet refs/remotes/origin/main": "bbb\n",
			"rev-parse": "aaa\n",
			"diff":      "M\x00main.go\x00D\x00gone.go\x00",
		},
		fail: map[string]int{"merge-base --is-ancestor bbb aaa": 1},
	}
	f, pipe := remoteFixture(t, git)
	f.write(t, "main.go", goFile("Main", "hello"))
	f.write(t, "untouched.go", goFile("Untouched", "still here"))

	req := f.request(KindIncremental)
	req.AuthToken = "s3cret"
	sum, err := pipe.Execute(context.Background(), req, nil)
	require.NoError(t, err)
	assert.False(t, sum.NoOp)
	assert.Equal(t, 1, sum.Files.Succeeded, "only the diffed file is visited")
	assert.Equal(t, 1, sum.Files.Removed)
	assert.Equal(t, "aaa", sum.CursorBefore)
	assert.Equal(t, "bbb", sum.CursorAfter)

	assert.True(t, git.ran("remote set-url origin https://s3cret@github.com/acme/api.git"))
	assert.True(t, git.ran("fetch"))
	assert.True(t, git.ran("-c advice.detachedHead=false checkout --quiet --force --detach bbb"))
	assert.True(t, git.ran("diff --name-status -z -M --no-color aaa bbb"))
}

func TestChangeSetSplit(t *testing.T) {
	cs := &ChangeSet{
		Added:    []string{"a.go", "a.go"},
		Modified: []string{"b.go"},
		Removed:  []string{"c.go", "a.go"},
		Renamed:  []Rename{{From: "d.go", To: "e.go"}},
	}
	process, remove := cs.split()
	assert.Equal(t, []string{"a.go", "b.go", "e.go"}, process)
	assert.Equal(t, []string{"c.go", "d.go"}, remove)

	var empty *ChangeSet
	assert.True(t, empty.Empty())
	assert.True(t, (&ChangeSet{}).Empty())
	assert.False(t, cs.Empty())
}

func TestChangeSetFromDiff(t *testing.T) {
	cs := changeSetFromDiff([]gitsync.Change{
		{Status: gitsync.StatusAdded, Path: "a"},
		{Status: gitsync.StatusModified, Path: "m"},
		{Status: gitsync.StatusTypeChanged, Path: "t"},
		{Status: gitsync.StatusDeleted, Path: "d"},
		{Status: gitsync.StatusRenamed, Path: "new", OldPath: "old"},
		{Status: gitsync.StatusCopied, Path: "copy", OldPath: "src"},
	})
	assert.Equal(t, []string{"a", "copy"}, cs.Added)
	assert.Equal(t, []string{"m", "t"}, cs.Modified)
	assert.Equal(t, []string{"d"}, cs.Removed)
	assert.Equal(t, []Rename{{From: "old", To: "new"}}, cs.Renamed)
}
