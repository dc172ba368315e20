package index

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/internal/parser"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

const goSource = `package demo

// Greet says hello
func Greet(name string) string {
	return "hello " + name
}

type Server struct {
	addr string
}

func (s *Server) Start() error {
	return nil
}
`

const cSource = `int add(int a, int b) {
    return a + b;
}
`

func writeFile(t *testing.T, root, rel, content string) {
	t.Helper()
	full := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
}

func newTestManager(t *testing.T, opts Options) (*Manager, ProjectRef) {
	t.Helper()
	root := t.TempDir()
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	m := New(parser.DefaultRegistry(), opts)
	return m, ProjectRef{TenantID: "acme", ProjectID: 1, Root: root}
}

func TestRefresh(t *testing.T) {
	m, ref := newTestManager(t, Options{})
	writeFile(t, ref.Root, "main.go", goSource)
	writeFile(t, ref.Root, "lib/util.c", cSource)
	writeFile(t, ref.Root, "node_modules/pkg/index.js", "module.exports = {}")
	writeFile(t, ref.Root, ".git/HEAD", "ref: refs/heads/main")

	res, err := m.Refresh(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Seen)
	assert.Equal(t, 2, res.Added)
	assert.Empty(t, res.Errors)

	files := m.Files(ref)
	require.Len(t, files, 2)
	assert.Equal(t, "lib/util.c", files[0].Path)
	assert.Equal(t, "c", files[0].Language)
	assert.Equal(t, "main.go", files[1].Path)
	assert.Equal(t, parser.ConfidenceExtension, files[1].LanguageConfidence)
	assert.NotEmpty(t, files[1].Fingerprint)

	// modify one, remove the other
	writeFile(t, ref.Root, "main.go", goSource+"\nvar x = 1\n")
	require.NoError(t, os.Remove(filepath.Join(ref.Root, "lib/util.c")))
	writeFile(t, ref.Root, "new.go", "package demo\n")

	res, err = m.Refresh(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Seen)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, 1, res.Removed)
}

func TestRefresh_IgnoreFileAndLimits(t *testing.T) {
	m, ref := newTestManager(t, Options{MaxFileSize: 64, Ignore: []string{"*.txt"}})
	writeFile(t, ref.Root, IgnoreFile, "# generated\ngen/\n*.pb.go\n")
	writeFile(t, ref.Root, "gen/out.go", "package gen\n")
	writeFile(t, ref.Root, "api.pb.go", "package api\n")
	writeFile(t, ref.Root, "notes.txt", "hello")
	writeFile(t, ref.Root, "big.go", strings.Repeat("x", 100))
	writeFile(t, ref.Root, "blob", "ab\x00cd")
	writeFile(t, ref.Root, "run", "#!/usr/bin/env python3\nprint(1)\n")
	writeFile(t, ref.Root, "ok.go", "package ok\n")

	res, err := m.Refresh(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Skipped, "oversized and binary files")

	paths := m.Paths(ref)
	assert.ElementsMatch(t, []string{IgnoreFile, "ok.go", "run"}, paths)

	e, ok := m.File(ref, "run")
	require.True(t, ok)
	assert.Equal(t, "python", e.Language)
	assert.Equal(t, parser.ConfidenceShebang, e.LanguageConfidence)
}

func TestRefresh_UnavailableRoot(t *testing.T) {
	m, ref := newTestManager(t, Options{})
	ref.Root = filepath.Join(ref.Root, "missing")

	_, err := m.Refresh(context.Background(), ref)
	assert.ErrorIs(t, err, types.ErrProjectUnavailable)

	_, err = m.BuildDeep(context.Background(), ref, nil)
	assert.ErrorIs(t, err, types.ErrProjectUnavailable)
}

func TestBuildDeep(t *testing.T) {
	m, ref := newTestManager(t, Options{})
	writeFile(t, ref.Root, "main.go", goSource)
	writeFile(t, ref.Root, "broken.go", "package demo\nfunc Broken( {\n}\n")
	writeFile(t, ref.Root, "util.c", cSource)
	_, err := m.Refresh(context.Background(), ref)
	require.NoError(t, err)

	res, err := m.BuildDeep(context.Background(), ref, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Total)
	assert.Equal(t, 1, res.Parsed)
	assert.Equal(t, 1, res.ParseFailures)
	assert.Equal(t, 1, res.Unsupported)
	assert.Zero(t, res.Failed)

	syms := m.Symbols(ref, "main.go")
	names := make([]string, 0, len(syms))
	for _, s := range syms {
		names = append(names, s.Name)
		assert.False(t, s.Heuristic)
	}
	assert.Contains(t, names, "Greet")
	assert.Contains(t, names, "Start")

	for _, s := range m.Symbols(ref, "util.c") {
		assert.True(t, s.Heuristic)
	}

	// a second build has nothing stale to do
	res, err = m.BuildDeep(context.Background(), ref, nil)
	require.NoError(t, err)
	assert.Zero(t, res.Total)
}

func TestBuildDeep_StaleRecordsDropped(t *testing.T) {
	m, ref := newTestManager(t, Options{})
	writeFile(t, ref.Root, "main.go", goSource)
	_, err := m.Refresh(context.Background(), ref)
	require.NoError(t, err)
	_, err = m.BuildDeep(context.Background(), ref, nil)
	require.NoError(t, err)
	require.NotEmpty(t, m.Symbols(ref, "main.go"))

	writeFile(t, ref.Root, "main.go", "package demo\n\nfunc Only() {}\n")
	_, err = m.RefreshPaths(context.Background(), ref, []string{"main.go"})
	require.NoError(t, err)
	assert.Empty(t, m.Symbols(ref, "main.go"))

	res, err := m.BuildDeep(context.Background(), ref, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	syms := m.Symbols(ref, "main.go")
	require.Len(t, syms, 1)
	assert.Equal(t, "Only", syms[0].Name)
}

func TestBuildDeep_Cancelled(t *testing.T) {
	m, ref := newTestManager(t, Options{})
	writeFile(t, ref.Root, "main.go", goSource)
	_, err := m.Refresh(context.Background(), ref)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := m.BuildDeep(ctx, ref, nil)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Zero(t, res.Parsed)
}

func TestRefreshPaths(t *testing.T) {
	m, ref := newTestManager(t, Options{})
	writeFile(t, ref.Root, "a.go", "package a\n")
	_, err := m.Refresh(context.Background(), ref)
	require.NoError(t, err)

	writeFile(t, ref.Root, "b.go", "package a\n")
	require.NoError(t, os.Remove(filepath.Join(ref.Root, "a.go")))
	writeFile(t, ref.Root, "vendor/x.go", "package x\n")

	res, err := m.RefreshPaths(context.Background(), ref, []string{"a.go", "b.go", "vendor/x.go", "../escape.go"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, []string{"b.go"}, m.Paths(ref))
}

func TestAnalyze(t *testing.T) {
	m, ref := newTestManager(t, Options{})
	writeFile(t, ref.Root, "main.go", goSource)

	a, err := m.Analyze(context.Background(), ref, "main.go")
	require.NoError(t, err)
	assert.Equal(t, goSource, string(a.Content))
	assert.Equal(t, parser.OutcomeParsed, a.Outcome)
	assert.Equal(t, "go", a.Entry.Language)
	assert.NotEmpty(t, a.Result.Symbols)

	// the deep record now matches the shallow entry
	res, ok := m.ParseResult(ref, "main.go")
	require.True(t, ok)
	assert.False(t, res.Heuristic)
	assert.Len(t, res.Symbols, len(a.Result.Symbols))

	_, err = m.Analyze(context.Background(), ref, "missing.go")
	assert.ErrorIs(t, err, os.ErrNotExist)

	writeFile(t, ref.Root, "node_modules/x.js", "x")
	_, err = m.Analyze(context.Background(), ref, "node_modules/x.js")
	assert.ErrorIs(t, err, ErrSkipped)
}

func TestRefresh_NestedGitIgnore(t *testing.T) {
	m, ref := newTestManager(t, Options{})
	writeFile(t, ref.Root, ".gitignore", "*.out\n")
	writeFile(t, ref.Root, "svc/.gitignore", "mocks/\n")
	writeFile(t, ref.Root, "svc/api.go", "package svc\n")
	writeFile(t, ref.Root, "svc/mocks/api_mock.go", "package mocks\n")
	writeFile(t, ref.Root, "mocks/shared.go", "package mocks\n")
	writeFile(t, ref.Root, "bench.out", "ok\n")

	_, err := m.Refresh(context.Background(), ref)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{".gitignore", "svc/.gitignore", "svc/api.go", "mocks/shared.go"}, m.Paths(ref))

	src := m.Source(ref)
	assert.True(t, src.Ignored("svc/mocks/api_mock.go"))
	assert.False(t, src.Ignored("mocks/shared.go"))
}

func TestQuery(t *testing.T) {
	m, ref := newTestManager(t, Options{})
	writeFile(t, ref.Root, "cmd/main.go", goSource)
	writeFile(t, ref.Root, "lib/util.c", cSource)
	_, err := m.Refresh(context.Background(), ref)
	require.NoError(t, err)
	_, err = m.BuildDeep(context.Background(), ref, nil)
	require.NoError(t, err)

	res := m.Query(ref, Query{Language: "go"})
	require.Len(t, res.Files, 1)
	assert.Equal(t, "cmd/main.go", res.Files[0].Path)

	res = m.Query(ref, Query{SymbolName: "greet"})
	assert.Empty(t, res.Files)
	require.Len(t, res.Symbols, 1)
	assert.Equal(t, "Greet", res.Symbols[0].Name)
	assert.Equal(t, "cmd/main.go", res.Symbols[0].FilePath)

	res = m.Query(ref, Query{Kind: string(types.KindMethod)})
	require.Len(t, res.Symbols, 1)
	assert.Equal(t, "Server", res.Symbols[0].Parent)

	res = m.Query(ref, Query{PathGlob: "lib/**"})
	require.Len(t, res.Files, 1)
	assert.Equal(t, "lib/util.c", res.Files[0].Path)

	res = m.Query(ref, Query{PathGlob: "*.go", Limit: 1, SymbolName: "e"})
	assert.Len(t, res.Symbols, 1)
	assert.True(t, res.Truncated)
}

func TestQuery_Imports(t *testing.T) {
	m, ref := newTestManager(t, Options{})
	writeFile(t, ref.Root, "cmd/main.go", "package main\n\nimport (\n\t\"fmt\"\n\tlog \"log/slog\"\n)\n\nfunc main() { fmt.Println(); log.Info(\"x\") }\n")
	writeFile(t, ref.Root, "tools/gen.py", "import os\nfrom collections import OrderedDict\n\ndef run():\n    return os.getcwd()\n")
	_, err := m.Refresh(context.Background(), ref)
	require.NoError(t, err)
	_, err = m.BuildDeep(context.Background(), ref, nil)
	require.NoError(t, err)

	res := m.Query(ref, Query{Kind: KindImport})
	assert.Empty(t, res.Files)
	assert.Empty(t, res.Symbols)
	require.Len(t, res.Imports, 4)
	assert.Equal(t, "cmd/main.go", res.Imports[0].FilePath)
	assert.Equal(t, "fmt", res.Imports[0].Path)
	assert.Equal(t, 4, res.Imports[0].Line)
	assert.Equal(t, "log/slog", res.Imports[1].Path)
	assert.Equal(t, "log", res.Imports[1].Alias)

	res = m.Query(ref, Query{Import: "collections"})
	require.Len(t, res.Imports, 1)
	assert.Equal(t, "tools/gen.py", res.Imports[0].FilePath)
	assert.Equal(t, "python", res.Imports[0].Language)
	assert.Equal(t, 2, res.Imports[0].Line)

	res = m.Query(ref, Query{Kind: KindImport, Language: "go", Limit: 1})
	require.Len(t, res.Imports, 1)
	assert.True(t, res.Truncated)

	parsed, ok := m.ParseResult(ref, "cmd/main.go")
	require.True(t, ok)
	assert.Len(t, parsed.Imports, 2)
}

func TestSnapshotPersistence(t *testing.T) {
	snap, err := OpenSnapshot(filepath.Join(t.TempDir(), "state", "index.bolt"))
	require.NoError(t, err)
	defer snap.Close()

	m, ref := newTestManager(t, Options{Snapshot: snap})
	writeFile(t, ref.Root, "main.go", goSource)
	_, err = m.Refresh(context.Background(), ref)
	require.NoError(t, err)
	_, err = m.BuildDeep(context.Background(), ref, nil)
	require.NoError(t, err)

	restored := New(parser.DefaultRegistry(), Options{Snapshot: snap, Logger: logging.Discard()})
	assert.Equal(t, []string{"main.go"}, restored.Paths(ref))
	assert.NotEmpty(t, restored.Symbols(ref, "main.go"))

	// other tenants do not see it
	other := ref
	other.TenantID = "globex"
	assert.Empty(t, restored.Paths(other))

	require.NoError(t, restored.Forget(ref))
	fresh := New(parser.DefaultRegistry(), Options{Snapshot: snap, Logger: logging.Discard()})
	assert.Empty(t, fresh.Paths(ref))
}
