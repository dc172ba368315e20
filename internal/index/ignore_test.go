package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatcher(t *testing.T) {
	m := NewMatcher([]string{"node_modules/", "*.log", "docs/*.md", "!keep.log", "# comment", ""})

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"node_modules", true, true},
		{"web/node_modules", true, true},
		{"node_modules", false, false},
		{"app.log", false, true},
		{"deep/nested/app.log", false, true},
		{"keep.log", false, false},
		{"docs/readme.md", false, true},
		{"docs/sub/readme.md", false, false},
		{"main.go", false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Match(tt.path, tt.isDir), tt.path)
	}
}

func TestMatchGlob(t *testing.T) {
	tests := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"", "any/thing.go", true},
		{"*.go", "internal/x/main.go", true},
		{"*.go", "main.py", false},
		{"internal/*.go", "internal/main.go", true},
		{"internal/*.go", "internal/x/main.go", false},
		{"internal/**/*.go", "internal/x/y/main.go", true},
		{"internal/**/*.go", "internal/main.go", true},
		{"**/test_?.py", "a/b/test_1.py", true},
		{"[ab].go", "a.go", true},
		{"[^ab].go", "a.go", false},
		{"{cmd,internal}/**/*.go", "cmd/api/main.go", true},
		{"[", "a.go", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchGlob(tt.pattern, tt.path), "%s vs %s", tt.pattern, tt.path)
	}
}

func TestLoadMatcher_GitIgnore(t *testing.T) {
	root := t.TempDir()
	writeFile(t, root, ".gitignore", "*.log\n/coverage\nsecrets/\n")
	writeFile(t, root, "web/.gitignore", "# built assets\ngenerated/\n*.css\n!keep.css\n")
	writeFile(t, root, "web/src/.gitignore", "fixtures/big.json\n")
	writeFile(t, root, "node_modules/pkg/.gitignore", "!*.log\n")
	writeFile(t, root, IgnoreFile, "!important.log\n")

	m := LoadMatcher(root, []string{"*.tmp"})

	tests := []struct {
		path  string
		isDir bool
		want  bool
	}{
		{"app.log", false, true},
		{"deep/app.log", false, true},
		{"important.log", false, false},
		{"coverage", true, true},
		{"pkg/coverage", true, false},
		{"api/secrets", true, true},
		{"web/generated", true, true},
		{"web/src/generated", true, true},
		{"generated", true, false},
		{"web/theme.css", false, true},
		{"web/a/b/theme.css", false, true},
		{"web/keep.css", false, false},
		{"theme.css", false, false},
		{"web/src/fixtures/big.json", false, true},
		{"web/fixtures/big.json", false, false},
		{"node_modules/pkg/debug.log", false, true},
		{"scratch.tmp", false, true},
		{"main.go", false, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, m.Match(tt.path, tt.isDir), tt.path)
	}
}

func TestScopePattern(t *testing.T) {
	assert.Equal(t, "/web/**/dist/", scopePattern("web", "dist/"))
	assert.Equal(t, "/web/src/gen", scopePattern("web", "/src/gen"))
	assert.Equal(t, "/web/src/gen/", scopePattern("web", "src/gen/"))
	assert.Equal(t, "!/web/**/keep.css", scopePattern("web", "!keep.css"))
	assert.Empty(t, scopePattern("web", "# note"))
	assert.Empty(t, scopePattern("web", "   "))
}
