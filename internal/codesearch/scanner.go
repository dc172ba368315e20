package codesearch

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/codeindex-mcp/internal/index"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// FileSource lists the files of a project and answers ignore checks. The
// index manager's Source implements it.
type FileSource interface {
	Paths() []string
	Ignored(rel string) bool
}

// DefaultScanWorkers bounds concurrent file reads of the in-process scanner
const DefaultScanWorkers = 8

// maxLineBytes is the longest line the scanner reads; longer lines are cut
const maxLineBytes = 1024 * 1024

// Scanner is the in-process search backend. It reads only the files the
// source lists, so it never needs an external executable.
type Scanner struct {
	files   FileSource
	workers int
}

// NewScanner creates a scanner over files
func NewScanner(files FileSource, workers int) *Scanner {
	if workers <= 0 {
		workers = DefaultScanWorkers
	}
	return &Scanner{files: files, workers: workers}
}

func (s *Scanner) Name() string { return "builtin" }

// Probe always succeeds
func (s *Scanner) Probe(context.Context) bool { return true }

// Search scans every listed file under root
func (s *Scanner) Search(ctx context.Context, root, pattern string, opts Options) ([]types.Match, error) {
	match, err := compileMatcher(pattern, opts)
	if err != nil {
		return nil, err
	}

	var paths []string
	if s.files != nil {
		for _, p := range s.files.Paths() {
			if index.MatchGlob(opts.FilePattern, p) {
				paths = append(paths, p)
			}
		}
	}

	var (
		mu      sync.Mutex
		matches = []types.Match{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for _, rel := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			found := scanFile(filepath.Join(root, filepath.FromSlash(rel)), rel, match)
			if len(found) == 0 {
				return nil
			}
			mu.Lock()
			matches = append(matches, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return matches, nil
}

// scanFile returns the matching lines of one file. Unreadable files are
// skipped; they disappear from the next shallow refresh.
func scanFile(full, rel string, match lineMatcher) []types.Match {
	f, err := os.Open(full)
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	var out []types.Match
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	line := 0
	for sc.Scan() {
		line++
		text := sc.Text()
		if i, ok := match(text); ok {
			out = append(out, types.Match{File: rel, Line: line, Column: i + 1, Text: text})
		}
	}
	return out
}
