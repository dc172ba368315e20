package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/codeindex-mcp/internal/parser"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// DeepResult summarizes a deep index build
type DeepResult struct {
	Total         int               `json:"total"`
	Parsed        int               `json:"parsed"`
	ParseFailures int               `json:"parse_failures"`
	Unsupported   int               `json:"unsupported"`
	Skipped       int               `json:"skipped"`
	Failed        int               `json:"failed"`
	Symbols       int               `json:"symbols"`
	Duration      time.Duration     `json:"duration"`
	Errors        []types.UnitError `json:"errors,omitempty"`
}

// Analysis is one file read once, with the shallow entry and parse result
// derived from the same bytes.
type Analysis struct {
	Entry   types.FileEntry
	Content []byte
	Result  *types.ParseResult
	Outcome parser.Outcome
	Err     error // structured parse error when Outcome is OutcomeFallback
}

// BuildDeep parses the given paths, or every file whose deep record is
// missing or stale when paths is empty. Per-file failures are recorded and
// never stop the build. On cancellation the partial result is returned with
// the context error.
func (m *Manager) BuildDeep(ctx context.Context, ref ProjectRef, paths []string) (*DeepResult, error) {
	start := time.Now()
	st := m.state(ref)
	st.op.Lock()
	defer st.op.Unlock()

	if err := checkRoot(st.root); err != nil {
		return nil, err
	}

	targets := m.deepTargets(st, paths)
	result := &DeepResult{Total: len(targets)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for _, rel := range targets {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			// cooperative cancellation between files
			if gctx.Err() != nil {
				return nil
			}
			a, err := m.analyze(st, rel)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, ErrSkipped):
				result.Skipped++
			case err != nil:
				result.Failed++
				result.Errors = append(result.Errors, types.NewUnitError(rel, err))
			default:
				result.Symbols += len(a.Result.Symbols)
				switch a.Outcome {
				case parser.OutcomeParsed:
					result.Parsed++
				case parser.OutcomeFallback:
					result.ParseFailures++
					result.Errors = append(result.Errors, types.NewUnitError(rel, a.Err))
				default:
					result.Unsupported++
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Duration = time.Since(start)
	m.persist(ref, st)

	m.logger.Info("deep index built",
		"tenant", ref.TenantID,
		"project", ref.ProjectID,
		"total", result.Total,
		"parsed", result.Parsed,
		"parse_failures", result.ParseFailures,
		"unsupported", result.Unsupported,
		"failed", result.Failed,
		"duration", result.Duration)

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// deepTargets picks the files a build should parse
func (m *Manager) deepTargets(st *projectState, paths []string) []string {
	st.mu.RLock()
	defer st.mu.RUnlock()

	if len(paths) > 0 {
		out := make([]string, 0, len(paths))
		for _, p := range paths {
			if rel := cleanRel(p); rel != "" {
				out = append(out, rel)
			}
		}
		return out
	}

	var out []string
	for rel, e := range st.files {
		rec, ok := st.symbols[rel]
		if !ok || rec.Fingerprint != e.Fingerprint {
			out = append(out, rel)
		}
	}
	sortStrings(out)
	return out
}

// ErrSkipped is returned by Analyze for files excluded from the index
var ErrSkipped = errors.New("file is ignored, too large or binary")

// Analyze reads one file, updates its shallow entry and deep record, and
// returns the content together with the parse result. Ingestion uses it so
// chunk boundaries always match the bytes being embedded.
func (m *Manager) Analyze(ctx context.Context, ref ProjectRef, path string) (*Analysis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rel := cleanRel(path)
	if rel == "" {
		return nil, fmt.Errorf("invalid path %q", path)
	}
	st := m.state(ref)
	a, err := m.analyze(st, rel)
	if errors.Is(err, ErrSkipped) {
		return nil, fmt.Errorf("%s: %w", rel, ErrSkipped)
	}
	return a, err
}

func (m *Manager) analyze(st *projectState, rel string) (*Analysis, error) {
	matcher := st.ignore(m.opts.Ignore)
	if matcher.Match(rel, false) || ignoredDir(matcher, rel) {
		return nil, ErrSkipped
	}
	st.mu.RLock()
	root := st.root
	st.mu.RUnlock()

	full := filepath.Join(root, filepath.FromSlash(rel))
	f, err := os.Open(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			st.mu.Lock()
			delete(st.files, rel)
			delete(st.symbols, rel)
			st.mu.Unlock()
		}
		return nil, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() || info.Size() > m.opts.MaxFileSize {
		return nil, ErrSkipped
	}
	content, err := io.ReadAll(io.LimitReader(f, m.opts.MaxFileSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(content)) > m.opts.MaxFileSize {
		return nil, ErrSkipped
	}
	head := content
	if len(head) > headSize {
		head = head[:headSize]
	}
	if isBinary(head) {
		return nil, ErrSkipped
	}

	lang, confidence := parser.DetectLanguage(rel, head)
	entry := types.FileEntry{
		Path:               rel,
		Size:               info.Size(),
		ModTime:            info.ModTime(),
		Fingerprint:        types.Fingerprint(info.ModTime(), info.Size()),
		Language:           lang,
		LanguageConfidence: confidence,
	}

	res, outcome, perr := m.registry.Parse(lang, rel, content)
	rec := &fileSymbols{
		Fingerprint: entry.Fingerprint,
		Language:    lang,
		Outcome:     outcome.String(),
		PackageName: res.PackageName,
		Symbols:     make([]types.SymbolRecord, len(res.Symbols)),
		Imports:     res.Imports,
	}
	for i, sym := range res.Symbols {
		rec.Symbols[i] = types.SymbolRecord{
			FilePath:    rel,
			Fingerprint: entry.Fingerprint,
			Language:    lang,
			Heuristic:   res.Heuristic,
			Symbol:      sym,
		}
	}

	st.mu.Lock()
	st.files[rel] = entry
	st.symbols[rel] = rec
	st.mu.Unlock()

	return &Analysis{
		Entry:   entry,
		Content: content,
		Result:  res,
		Outcome: outcome,
		Err:     perr,
	}, nil
}

// ParseResult rebuilds a parse result from a fresh deep record
func (m *Manager) ParseResult(ref ProjectRef, path string) (*types.ParseResult, bool) {
	st := m.state(ref)
	st.mu.RLock()
	defer st.mu.RUnlock()

	rec, ok := st.symbols[path]
	if !ok {
		return nil, false
	}
	if e, ok := st.files[path]; !ok || e.Fingerprint != rec.Fingerprint {
		return nil, false
	}
	res := &types.ParseResult{
		Language:    rec.Language,
		PackageName: rec.PackageName,
		Heuristic:   rec.heuristic(),
		Symbols:     make([]types.Symbol, len(rec.Symbols)),
		Imports:     rec.Imports,
	}
	for i, s := range rec.Symbols {
		res.Symbols[i] = s.Symbol
	}
	return res, true
}
