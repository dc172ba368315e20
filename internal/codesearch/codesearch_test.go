package codesearch

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

type staticFiles struct {
	paths   []string
	ignored map[string]bool
}

func (s staticFiles) Paths() []string         { return s.paths }
func (s staticFiles) Ignored(rel string) bool { return s.ignored[rel] }

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return root
}

// fakeTool installs an executable shell script named bin into a fresh PATH
func fakeTool(t *testing.T, bin, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell script fakes need a POSIX shell")
	}
	dir := t.TempDir()
	script := "#!/bin/sh\nif [ \"$1\" = \"--version\" ]; then echo \"" + bin + " 1.0\"; exit 0; fi\n" + body + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, bin), []byte(script), 0o755))
	t.Setenv("PATH", dir)
	return dir
}

var sampleTree = map[string]string{
	"main.go":         "package main\n\nfunc HandleRequest() {}\nfunc handler() {}\n",
	"util/strings.go": "package util\n\n// Request helpers\nfunc Requester() {}\n",
	"README.md":       "Handle requests here\n",
	"gen/skip.go":     "func HandleRequest() {}\n",
}

func sampleSource() staticFiles {
	return staticFiles{
		paths:   []string{"README.md", "gen/skip.go", "main.go", "util/strings.go"},
		ignored: map[string]bool{"gen/skip.go": true},
	}
}

func TestScanner(t *testing.T) {
	root := writeTree(t, sampleTree)
	src := sampleSource()
	d := NewDispatcher(DispatcherOptions{Tools: []Tool{}, Logger: logging.Discard()})
	project := Project{Root: root, Files: src}
	ctx := context.Background()

	res, err := d.Search(ctx, project, "HandleRequest", Options{CaseSensitive: true})
	require.NoError(t, err)
	assert.Equal(t, "builtin", res.Tool)
	require.Len(t, res.Matches, 1, "ignored files are filtered")
	assert.Equal(t, types.Match{File: "main.go", Line: 3, Column: 6, Text: "func HandleRequest() {}"}, res.Matches[0])

	res, err = d.Search(ctx, project, "request", Options{})
	require.NoError(t, err)
	files := make([]string, 0, len(res.Matches))
	for _, m := range res.Matches {
		files = append(files, m.File)
	}
	assert.Equal(t, []string{"README.md", "main.go", "util/strings.go", "util/strings.go"}, files)

	res, err = d.Search(ctx, project, `func [a-z]+\(`, Options{Regex: true, CaseSensitive: true})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, 4, res.Matches[0].Line)

	res, err = d.Search(ctx, project, "request", Options{FilePattern: "*.go"})
	require.NoError(t, err)
	for _, m := range res.Matches {
		assert.True(t, strings.HasSuffix(m.File, ".go"))
	}

	res, err = d.Search(ctx, project, "request", Options{MaxResults: 2})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 2)
	assert.True(t, res.Truncated)

	_, err = d.Search(ctx, project, "(", Options{Regex: true})
	assert.Error(t, err)

	_, err = d.Search(ctx, project, "  ", Options{})
	assert.ErrorIs(t, err, types.ErrEmptyQuery)
}

func TestScanner_Fuzzy(t *testing.T) {
	root := writeTree(t, map[string]string{
		"a.txt": "testing\nmytest\ncontested words\n",
		"b.txt": "ab\nxaby\n",
	})
	src := staticFiles{paths: []string{"a.txt", "b.txt"}}
	s := NewScanner(src, 2)

	// word boundary at either end
	got, err := s.Search(context.Background(), root, "test", Options{Fuzzy: true})
	require.NoError(t, err)
	lines := map[int]bool{}
	for _, m := range got {
		if m.File == "a.txt" {
			lines[m.Line] = true
		}
	}
	assert.Equal(t, map[int]bool{1: true, 2: true}, lines)

	// short patterns fall back to containment
	got, err = s.Search(context.Background(), root, "ab", Options{Fuzzy: true})
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestParseLine(t *testing.T) {
	exact := func(line string) (int, bool) {
		i := strings.Index(line, "foo")
		return i, i >= 0
	}
	tests := []struct {
		name    string
		line    string
		columns bool
		want    types.Match
		ok      bool
	}{
		{"with column", "./pkg/a.go:12:5:x := foo()", true, types.Match{File: "pkg/a.go", Line: 12, Column: 5, Text: "x := foo()"}, true},
		{"text keeps colons", "a.go:1:2:http://x", true, types.Match{File: "a.go", Line: 1, Column: 2, Text: "http://x"}, true},
		{"grep computes column", "./b.go:3:  foo()", false, types.Match{File: "b.go", Line: 3, Column: 3, Text: "  foo()"}, true},
		{"crlf trimmed", "c.go:1:foo\r", false, types.Match{File: "c.go", Line: 1, Column: 1, Text: "foo"}, true},
		{"bad line number", "a.go:x:foo", false, types.Match{}, false},
		{"summary line", "Binary file a.bin matches", false, types.Match{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseLine(tt.line, tt.columns, exact)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestEffectivePattern(t *testing.T) {
	expr, fixed := effectivePattern("a.b", Options{Fuzzy: true})
	assert.Equal(t, `\ba\.b|a\.b\b`, expr)
	assert.False(t, fixed)

	expr, fixed = effectivePattern("ab", Options{Fuzzy: true})
	assert.Equal(t, "ab", expr)
	assert.True(t, fixed)

	_, fixed = effectivePattern("a+", Options{Regex: true})
	assert.False(t, fixed)

	_, fixed = effectivePattern("a+", Options{})
	assert.True(t, fixed)
}

func TestDispatcher_ExternalTool(t *testing.T) {
	root := writeTree(t, sampleTree)
	dir := fakeTool(t, "rg", `printf '%s\n' "$@" > "${0%/*}/args"
printf './util/strings.go:4:6:func Requester() {}\n./main.go:3:6:func HandleRequest() {}\n./gen/skip.go:1:6:func HandleRequest() {}\n'`)

	d := NewDispatcher(DispatcherOptions{Tools: []Tool{NewUgrep(), NewRipgrep()}, Logger: logging.Discard()})
	assert.Equal(t, "ripgrep", d.Active(context.Background()))

	res, err := d.Search(context.Background(), Project{Root: root, Files: sampleSource()}, "Request", Options{FilePattern: "*.go"})
	require.NoError(t, err)
	assert.Equal(t, "ripgrep", res.Tool)
	require.Len(t, res.Matches, 2)
	assert.Equal(t, "main.go", res.Matches[0].File)
	assert.Equal(t, "util/strings.go", res.Matches[1].File)

	raw, err := os.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	args := strings.Fields(string(raw))
	assert.Contains(t, args, "--fixed-strings")
	assert.Contains(t, args, "--ignore-case")
	assert.Contains(t, args, "--glob")
	assert.Equal(t, []string{"--", "Request", "."}, args[len(args)-3:])
}

func TestDispatcher_ExitCodes(t *testing.T) {
	root := writeTree(t, sampleTree)
	ctx := context.Background()

	fakeTool(t, "grep", "exit 1")
	d := NewDispatcher(DispatcherOptions{Tools: []Tool{NewGrep()}, Logger: logging.Discard()})
	res, err := d.Search(ctx, Project{Root: root}, "nothing", Options{})
	require.NoError(t, err)
	assert.Equal(t, "grep", res.Tool)
	assert.Empty(t, res.Matches)

	fakeTool(t, "grep", "echo 'grep: bad regex' >&2; exit 2")
	d = NewDispatcher(DispatcherOptions{Tools: []Tool{NewGrep()}, Logger: logging.Discard()})
	_, err = d.Search(ctx, Project{Root: root}, "x", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad regex")
	assert.NotErrorIs(t, err, types.ErrSearchToolUnavailable)
}

func TestGrep_RegexUsesPerlOrScanner(t *testing.T) {
	root := writeTree(t, sampleTree)
	ctx := context.Background()
	project := Project{Root: root, Files: sampleSource()}
	regex := Options{Regex: true, CaseSensitive: true}

	dir := fakeTool(t, "grep", `if [ "$1" = "-P" ]; then exit 1; fi
printf '%s\n' "$@" > "${0%/*}/args"
printf './main.go:3:func HandleRequest() {}\n'`)
	d := NewDispatcher(DispatcherOptions{Tools: []Tool{NewGrep()}, Logger: logging.Discard()})
	res, err := d.Search(ctx, project, `Handle\w+\(`, regex)
	require.NoError(t, err)
	assert.Equal(t, "grep", res.Tool)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, 6, res.Matches[0].Column)

	raw, err := os.ReadFile(filepath.Join(dir, "args"))
	require.NoError(t, err)
	args := strings.Fields(string(raw))
	assert.Contains(t, args, "-P")
	assert.NotContains(t, args, "-E")

	// no PCRE: the regex is answered in process, the tool stays active
	fakeTool(t, "grep", `if [ "$1" = "-P" ]; then echo "grep: invalid option -- P" >&2; exit 2; fi
printf './README.md:1:wrong\n'`)
	d = NewDispatcher(DispatcherOptions{Tools: []Tool{NewGrep()}, Logger: logging.Discard()})
	res, err = d.Search(ctx, project, `Handle\w+\(`, regex)
	require.NoError(t, err)
	assert.Equal(t, "builtin", res.Tool)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "main.go", res.Matches[0].File)
	assert.Equal(t, "grep", d.Active(ctx))

	res, err = d.Search(ctx, project, "wrong", Options{})
	require.NoError(t, err)
	assert.Equal(t, "grep", res.Tool)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "README.md", res.Matches[0].File)
}

func TestDispatcher_DemotesVanishedTool(t *testing.T) {
	root := writeTree(t, sampleTree)
	dir := fakeTool(t, "rg", `printf './main.go:3:6:func HandleRequest() {}\n'`)

	d := NewDispatcher(DispatcherOptions{Tools: []Tool{NewRipgrep(), NewGrep()}, Logger: logging.Discard()})
	require.Equal(t, "ripgrep", d.Active(context.Background()))

	require.NoError(t, os.Remove(filepath.Join(dir, "rg")))

	res, err := d.Search(context.Background(), Project{Root: root, Files: sampleSource()}, "HandleRequest", Options{CaseSensitive: true})
	require.NoError(t, err)
	assert.Equal(t, "builtin", res.Tool)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "main.go", res.Matches[0].File)
	assert.Equal(t, "builtin", d.Active(context.Background()))
}

func TestDispatcher_RefreshFindsInstalledTool(t *testing.T) {
	ctx := context.Background()
	t.Setenv("PATH", t.TempDir())

	d := NewDispatcher(DispatcherOptions{Tools: []Tool{NewUgrep(), NewRipgrep()}, Logger: logging.Discard()})
	require.Equal(t, "builtin", d.Active(ctx))

	fakeTool(t, "rg", "exit 1")
	assert.Equal(t, "builtin", d.Active(ctx), "tool detection is cached")

	report := d.Refresh(ctx)
	assert.Equal(t, "ripgrep", report.Active)
	assert.Equal(t, []ToolStatus{
		{Name: "ugrep", Available: false},
		{Name: "ripgrep", Available: true},
		{Name: "builtin", Available: true},
	}, report.Tools)
	assert.Equal(t, "ripgrep", d.Active(ctx))
}

func TestNewTool(t *testing.T) {
	for _, name := range []string{"ugrep", "ug", "ripgrep", "rg", "ag", "grep"} {
		tool, err := NewTool(name)
		require.NoError(t, err, name)
		assert.NotEmpty(t, tool.Name())
	}
	_, err := NewTool("ack")
	assert.Error(t, err)

	tools, err := ToolsFromNames(DefaultTools)
	require.NoError(t, err)
	assert.Len(t, tools, 4)
}
