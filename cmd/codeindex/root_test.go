package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"serve", "webhook", "index", "search", "gc", "embed-check", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestVersionCommand(t *testing.T) {
	out, err := runCLI(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "codeindex dev")
	assert.Contains(t, out, "SQLite Driver:")
}

func TestIndexSearchAndGC(t *testing.T) {
	t.Setenv("CODEINDEX_DATA_DIR", t.TempDir())
	t.Setenv("CODEINDEX_EMBEDDING_PROVIDER", "local")

	project := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(project, "main.go"),
		[]byte("package main\n\nfunc main() {\n\tprintln(\"needle\")\n}\n"), 0o644))

	out, err := runCLI(t, "index", project, "--tenant", "cli")
	require.NoError(t, err)
	assert.Contains(t, out, "ingested:   1 succeeded")

	out, err = runCLI(t, "search", project, "needle", "--tenant", "cli")
	require.NoError(t, err)
	assert.Contains(t, out, "main.go:4:")

	out, err = runCLI(t, "search", project, "main", "--semantic", "keyword", "--tenant", "cli")
	require.NoError(t, err)
	assert.Contains(t, out, "main.go")

	out, err = runCLI(t, "gc", "--tenant", "cli")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted")
}

func TestEmbedCheck_Local(t *testing.T) {
	t.Setenv("CODEINDEX_DATA_DIR", t.TempDir())
	t.Setenv("CODEINDEX_EMBEDDING_PROVIDER", "local")

	out, err := runCLI(t, "embed-check")
	require.NoError(t, err)
	assert.Contains(t, out, "provider:  local")
	assert.Contains(t, out, "ok")
}
