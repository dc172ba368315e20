package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dshills/codeindex-mcp/internal/codesearch"
	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// FileSummary describes one indexed file: its shallow entry, its parsed
// declarations and imports, and its state in the semantic index.
type FileSummary struct {
	types.FileEntry
	Lines        int            `json:"lines"`
	PackageName  string         `json:"package,omitempty"`
	Heuristic    bool           `json:"heuristic"`
	Symbols      []types.Symbol `json:"symbols"`
	SymbolCounts map[string]int `json:"symbol_counts"`
	Imports      []types.Import `json:"imports"`
	Chunks       int            `json:"chunks"`
	Ingested     bool           `json:"ingested"`
	Pending      bool           `json:"pending,omitempty"`
	IndexedAt    *time.Time     `json:"indexed_at,omitempty"`
}

// FileSummary summarizes one file of a project, parsing it first when its
// deep record is missing or stale
func (e *Engine) FileSummary(ctx context.Context, projectID int64, filePath string) (*FileSummary, error) {
	p, ref, err := e.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	rel := path.Clean(strings.TrimPrefix(filepath.ToSlash(filePath), "./"))
	if filePath == "" || path.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, "../") {
		return nil, fmt.Errorf("%w: invalid path %q", types.ErrFileNotFound, filePath)
	}
	if err := e.ensureIndexed(ctx, p, ref); err != nil {
		return nil, err
	}
	entry, ok := e.index.File(ref, rel)
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrFileNotFound, rel)
	}

	parsed, ok := e.index.ParseResult(ref, rel)
	if !ok {
		if _, err := e.index.BuildDeep(ctx, ref, []string{rel}); err != nil {
			return nil, err
		}
		if parsed, ok = e.index.ParseResult(ref, rel); !ok {
			return nil, fmt.Errorf("%w: %s", types.ErrFileNotFound, rel)
		}
	}

	content, err := os.ReadFile(filepath.Join(ref.Root, filepath.FromSlash(rel)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", types.ErrFileNotFound, rel, err)
	}

	sum := &FileSummary{
		FileEntry:    entry,
		Lines:        countLines(content),
		PackageName:  parsed.PackageName,
		Heuristic:    parsed.Heuristic,
		Symbols:      parsed.Symbols,
		SymbolCounts: make(map[string]int),
		Imports:      parsed.Imports,
	}
	if sum.Symbols == nil {
		sum.Symbols = []types.Symbol{}
	}
	if sum.Imports == nil {
		sum.Imports = []types.Import{}
	}
	for _, s := range parsed.Symbols {
		sum.SymbolCounts[string(s.Kind)]++
	}

	rec, err := e.store.GetFile(ctx, p.TenantID, p.ID, rel)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		sum.Ingested = true
		sum.Pending = rec.Pending
		indexed := rec.IndexedAt
		sum.IndexedAt = &indexed
		chunks, err := e.store.ListLiveChunksByFile(ctx, p.TenantID, p.ID, rel)
		if err != nil {
			return nil, err
		}
		sum.Chunks = len(chunks)
	}
	return sum, nil
}

func countLines(b []byte) int {
	if len(b) == 0 {
		return 0
	}
	n := bytes.Count(b, []byte{'\n'})
	if b[len(b)-1] != '\n' {
		n++
	}
	return n
}

// RefreshSearchTools re-detects the external search tools, e.g. after one
// was installed, and reports which one searches now use
func (e *Engine) RefreshSearchTools(ctx context.Context) *codesearch.ToolReport {
	return e.dispatch.Refresh(ctx)
}
