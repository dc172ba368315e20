package index

import (
	"bufio"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	ignore "github.com/sabhiram/go-gitignore"
)

// IgnoreFile is read from a project root and adds one pattern per line
const IgnoreFile = ".codeindexignore"

// GitIgnoreFile is honored at the root and in every subdirectory
const GitIgnoreFile = ".gitignore"

// DefaultIgnore lists directories and files no project wants indexed
var DefaultIgnore = []string{
	".git/", ".hg/", ".svn/", ".idea/", ".vscode/",
	"node_modules/", "vendor/", "dist/", "build/", "target/",
	"__pycache__/", ".venv/", "venv/", ".tox/", ".mypy_cache/",
	"*.min.js", "*.map", "*.lock", "*.sum",
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.ico", "*.svg", "*.pdf",
	"*.zip", "*.tar", "*.gz", "*.so", "*.dylib", "*.dll", "*.exe", "*.o", "*.a",
	"*.db", "*.sqlite", "*.bolt",
}

// Matcher decides which relative paths are excluded from the index. Patterns
// follow .gitignore rules; the last matching pattern wins and "!" re-includes.
type Matcher struct {
	gi *ignore.GitIgnore
}

// NewMatcher compiles root-relative patterns. Blank lines and "#" comments
// are skipped.
func NewMatcher(patterns ...[]string) *Matcher {
	var lines []string
	for _, list := range patterns {
		lines = append(lines, list...)
	}
	return &Matcher{gi: ignore.CompileIgnoreLines(lines...)}
}

// LoadMatcher combines, in increasing precedence, the defaults, the root and
// nested .gitignore files, the project's .codeindexignore and extra patterns
// from configuration.
func LoadMatcher(root string, extra []string) *Matcher {
	rootGit := readIgnoreFile(filepath.Join(root, GitIgnoreFile))
	custom := readIgnoreFile(filepath.Join(root, IgnoreFile))
	prune := NewMatcher(DefaultIgnore, rootGit, custom, extra)
	return NewMatcher(DefaultIgnore, rootGit, nestedGitIgnores(root, prune), custom, extra)
}

// nestedGitIgnores collects the .gitignore files below root, parents before
// children, rewritten to root-relative patterns. Directories prune excludes
// are not entered.
func nestedGitIgnores(root string, prune *Matcher) []string {
	var lines []string
	_ = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if d != nil && d.IsDir() && p != root {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() || p == root {
			return nil
		}
		rel := relPath(root, p)
		if prune.Match(rel, true) {
			return filepath.SkipDir
		}
		for _, line := range readIgnoreFile(filepath.Join(p, GitIgnoreFile)) {
			lines = append(lines, scopePattern(rel, line))
		}
		return nil
	})
	return lines
}

// scopePattern anchors a pattern read from dir/.gitignore to dir. Patterns
// without an inner slash match at any depth below dir.
func scopePattern(dir, line string) string {
	p := strings.TrimSpace(line)
	if p == "" || strings.HasPrefix(p, "#") {
		return ""
	}
	neg := ""
	if strings.HasPrefix(p, "!") {
		neg, p = "!", p[1:]
	}
	if strings.Contains(strings.TrimSuffix(p, "/"), "/") {
		return neg + "/" + dir + "/" + strings.TrimPrefix(p, "/")
	}
	return neg + "/" + dir + "/**/" + p
}

func readIgnoreFile(p string) []string {
	f, err := os.Open(p)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

// Match reports whether rel (slash separated) is ignored. isDir marks
// directories so "name/" patterns only prune directories.
func (m *Matcher) Match(rel string, isDir bool) bool {
	if isDir {
		rel += "/"
	}
	return m.gi.MatchesPath(rel)
}

// MatchGlob reports whether rel matches a query glob. Patterns without a
// slash match the base name; "**" spans directories.
func MatchGlob(pattern, rel string) bool {
	if pattern == "" {
		return true
	}
	target := rel
	if !strings.Contains(pattern, "/") {
		target = path.Base(rel)
	}
	ok, err := doublestar.Match(pattern, target)
	return err == nil && ok
}
