package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/internal/parser"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Defaults applied when Options leave a field zero
const (
	DefaultMaxFileSize = 1 << 20
	DefaultWorkers     = 8
	headSize           = 512
)

// ProjectRef identifies the project an operation works on
type ProjectRef struct {
	TenantID  string
	ProjectID int64
	Root      string
}

// Key identifies the project across tenants
func (r ProjectRef) Key() string {
	return fmt.Sprintf("%s/%d", r.TenantID, r.ProjectID)
}

// Options configures a Manager
type Options struct {
	Ignore      []string // extra ignore patterns
	MaxFileSize int64
	Workers     int
	Snapshot    *Snapshot // nil keeps state in memory only
	Logger      *slog.Logger
}

// Manager owns the shallow and deep index of every registered project.
// Callers only see copies.
type Manager struct {
	registry *parser.Registry
	opts     Options
	logger   *slog.Logger

	mu       sync.Mutex
	projects map[string]*projectState
}

// fileSymbols is the deep record of one file
type fileSymbols struct {
	Fingerprint string               `json:"fingerprint"`
	Language    string               `json:"language"`
	Outcome     string               `json:"outcome"`
	PackageName string               `json:"package,omitempty"`
	Symbols     []types.SymbolRecord `json:"symbols"`
	Imports     []types.Import       `json:"imports,omitempty"`
}

func (f *fileSymbols) heuristic() bool {
	return f.Outcome != parser.OutcomeParsed.String()
}

type projectState struct {
	op sync.Mutex // serializes refresh and deep builds

	mu      sync.RWMutex
	root    string
	files   map[string]types.FileEntry
	symbols map[string]*fileSymbols
	matcher *Matcher
	exclude []string // per-project patterns on top of Options.Ignore
}

// RefreshResult summarizes a shallow refresh
type RefreshResult struct {
	Seen     int               `json:"seen"`
	Added    int               `json:"added"`
	Updated  int               `json:"updated"`
	Removed  int               `json:"removed"`
	Skipped  int               `json:"skipped"`
	Duration time.Duration     `json:"duration"`
	Errors   []types.UnitError `json:"errors,omitempty"`
}

// New creates a Manager. A nil registry uses parser.DefaultRegistry.
func New(registry *parser.Registry, opts Options) *Manager {
	if registry == nil {
		registry = parser.DefaultRegistry()
	}
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Component("index")
	}
	return &Manager{
		registry: registry,
		opts:     opts,
		logger:   logger,
		projects: make(map[string]*projectState),
	}
}

// state returns the project's state, loading a snapshot on first access
func (m *Manager) state(ref ProjectRef) *projectState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if st, ok := m.projects[ref.Key()]; ok {
		if ref.Root != "" && st.root != ref.Root {
			st.mu.Lock()
			st.root = ref.Root
			st.files = make(map[string]types.FileEntry)
			st.symbols = make(map[string]*fileSymbols)
			st.matcher = nil
			st.mu.Unlock()
		}
		return st
	}

	st := &projectState{
		root:    ref.Root,
		files:   make(map[string]types.FileEntry),
		symbols: make(map[string]*fileSymbols),
	}
	if m.opts.Snapshot != nil {
		saved, err := m.opts.Snapshot.Load(ref)
		switch {
		case err != nil:
			m.logger.Warn("failed to load index snapshot", "project", ref.ProjectID, "error", err)
		case saved != nil && (ref.Root == "" || saved.Root == ref.Root):
			st.root = saved.Root
			if saved.Files != nil {
				st.files = saved.Files
			}
			if saved.Symbols != nil {
				st.symbols = saved.Symbols
			}
		}
	}
	m.projects[ref.Key()] = st
	return st
}

func (m *Manager) persist(ref ProjectRef, st *projectState) {
	if m.opts.Snapshot == nil {
		return
	}
	st.mu.RLock()
	snap := &snapshotState{Root: st.root, Files: st.files, Symbols: st.symbols}
	err := m.opts.Snapshot.Save(ref, snap)
	st.mu.RUnlock()
	if err != nil {
		m.logger.Warn("failed to save index snapshot", "project", ref.ProjectID, "error", err)
	}
}

func (st *projectState) ignore(extra []string) *Matcher {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.matcher == nil {
		st.matcher = LoadMatcher(st.root, append(append([]string{}, extra...), st.exclude...))
	}
	return st.matcher
}

// SetExclude replaces the project's extra ignore patterns. They apply from
// the next refresh; indexed files they now exclude are dropped then.
func (m *Manager) SetExclude(ref ProjectRef, patterns []string) {
	st := m.state(ref)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.exclude = append([]string(nil), patterns...)
	st.matcher = nil
}

// Exclude returns the project's extra ignore patterns
func (m *Manager) Exclude(ref ProjectRef) []string {
	st := m.state(ref)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]string(nil), st.exclude...)
}

// checkRoot returns ErrProjectUnavailable unless root is a readable directory
func checkRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", types.ErrProjectUnavailable, root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", types.ErrProjectUnavailable, root)
	}
	f, err := os.Open(root)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", types.ErrProjectUnavailable, root, err)
	}
	_ = f.Close()
	return nil
}

// Refresh rebuilds the shallow index by walking the project root. Deep
// records of files whose fingerprint changed are dropped.
func (m *Manager) Refresh(ctx context.Context, ref ProjectRef) (*RefreshResult, error) {
	start := time.Now()
	st := m.state(ref)
	st.op.Lock()
	defer st.op.Unlock()

	if err := checkRoot(st.root); err != nil {
		return nil, err
	}
	st.mu.Lock()
	st.matcher = nil // re-read the ignore file
	st.mu.Unlock()
	matcher := st.ignore(m.opts.Ignore)

	result := &RefreshResult{}
	var paths []string
	err := filepath.WalkDir(st.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == st.root {
				return err
			}
			result.Errors = append(result.Errors, types.NewUnitError(relPath(st.root, p), err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if p == st.root {
			return nil
		}
		rel := relPath(st.root, p)
		if d.IsDir() {
			if matcher.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || matcher.Match(rel, false) {
			return nil
		}
		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %w", types.ErrProjectUnavailable, st.root, err)
	}

	entries := make([]*types.FileEntry, len(paths))
	errs := make([]error, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Workers)
	for i, rel := range paths {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			entries[i], errs[i] = m.statFile(st.root, rel)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	fresh := make(map[string]types.FileEntry, len(paths))
	for i, rel := range paths {
		switch {
		case errs[i] != nil:
			result.Errors = append(result.Errors, types.NewUnitError(rel, errs[i]))
		case entries[i] == nil:
			result.Skipped++
		default:
			fresh[rel] = *entries[i]
		}
	}

	st.mu.Lock()
	for rel, e := range fresh {
		old, ok := st.files[rel]
		switch {
		case !ok:
			result.Added++
		case old.Fingerprint != e.Fingerprint:
			result.Updated++
		}
	}
	for rel := range st.files {
		if _, ok := fresh[rel]; !ok {
			result.Removed++
		}
	}
	st.files = fresh
	st.pruneSymbols()
	st.mu.Unlock()

	result.Seen = len(fresh)
	result.Duration = time.Since(start)
	m.persist(ref, st)

	m.logger.Info("shallow index refreshed",
		"tenant", ref.TenantID,
		"project", ref.ProjectID,
		"seen", result.Seen,
		"added", result.Added,
		"updated", result.Updated,
		"removed", result.Removed,
		"duration", result.Duration)
	return result, nil
}

// RefreshPaths updates the shallow entries of specific relative paths.
// Paths that no longer exist are removed.
func (m *Manager) RefreshPaths(ctx context.Context, ref ProjectRef, paths []string) (*RefreshResult, error) {
	start := time.Now()
	st := m.state(ref)
	st.op.Lock()
	defer st.op.Unlock()

	if err := checkRoot(st.root); err != nil {
		return nil, err
	}
	matcher := st.ignore(m.opts.Ignore)

	result := &RefreshResult{}
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		rel := cleanRel(p)
		if rel == "" || matcher.Match(rel, false) || ignoredDir(matcher, rel) {
			result.Skipped++
			continue
		}
		entry, err := m.statFile(st.root, rel)

		st.mu.Lock()
		old, existed := st.files[rel]
		switch {
		case errors.Is(err, fs.ErrNotExist):
			if existed {
				delete(st.files, rel)
				result.Removed++
			}
		case err != nil:
			result.Errors = append(result.Errors, types.NewUnitError(rel, err))
		case entry == nil:
			if existed {
				delete(st.files, rel)
				result.Removed++
			} else {
				result.Skipped++
			}
		default:
			st.files[rel] = *entry
			result.Seen++
			if !existed {
				result.Added++
			} else if old.Fingerprint != entry.Fingerprint {
				result.Updated++
			}
		}
		st.pruneSymbols()
		st.mu.Unlock()
	}

	result.Duration = time.Since(start)
	m.persist(ref, st)
	return result, nil
}

// ignoredDir reports whether any parent directory of rel is ignored
func ignoredDir(m *Matcher, rel string) bool {
	dir := rel
	for {
		i := strings.LastIndexByte(dir, '/')
		if i < 0 {
			return false
		}
		dir = dir[:i]
		if m.Match(dir, true) {
			return true
		}
	}
}

// pruneSymbols drops deep records that no longer match their file. Caller
// holds st.mu.
func (st *projectState) pruneSymbols() {
	for rel, rec := range st.symbols {
		e, ok := st.files[rel]
		if !ok || e.Fingerprint != rec.Fingerprint {
			delete(st.symbols, rel)
		}
	}
}

// statFile builds the shallow entry of one file. A nil entry with a nil
// error means the file is skipped (too large, binary or not regular).
func (m *Manager) statFile(root, rel string) (*types.FileEntry, error) {
	full := filepath.Join(root, filepath.FromSlash(rel))
	info, err := os.Lstat(full)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() || info.Size() > m.opts.MaxFileSize {
		return nil, nil
	}

	lang, confidence := parser.DetectLanguage(rel, nil)
	if confidence < parser.ConfidenceShebang {
		head, err := readHead(full)
		if err != nil {
			return nil, err
		}
		if isBinary(head) {
			return nil, nil
		}
		lang, confidence = parser.DetectLanguage(rel, head)
	}

	return &types.FileEntry{
		Path:               rel,
		Size:               info.Size(),
		ModTime:            info.ModTime(),
		Fingerprint:        types.Fingerprint(info.ModTime(), info.Size()),
		Language:           lang,
		LanguageConfidence: confidence,
	}, nil
}

func readHead(full string) ([]byte, error) {
	f, err := os.Open(full)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, headSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func isBinary(head []byte) bool {
	for _, b := range head {
		if b == 0 {
			return true
		}
	}
	return false
}

func relPath(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return filepath.ToSlash(p)
	}
	return filepath.ToSlash(rel)
}

// cleanRel normalizes a caller supplied path to slash-separated relative form
func cleanRel(p string) string {
	p = filepath.ToSlash(filepath.Clean(filepath.FromSlash(p)))
	p = strings.TrimPrefix(p, "./")
	if p == "." || strings.HasPrefix(p, "../") || strings.HasPrefix(p, "/") {
		return ""
	}
	return p
}

// Root returns the project root the manager indexes
func (m *Manager) Root(ref ProjectRef) string {
	st := m.state(ref)
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.root
}

// Files returns a copy of the shallow index ordered by path
func (m *Manager) Files(ref ProjectRef) []types.FileEntry {
	st := m.state(ref)
	st.mu.RLock()
	defer st.mu.RUnlock()

	out := make([]types.FileEntry, 0, len(st.files))
	for _, e := range st.files {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Paths returns the relative paths of the shallow index ordered by path
func (m *Manager) Paths(ref ProjectRef) []string {
	files := m.Files(ref)
	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.Path
	}
	return out
}

// File returns the shallow entry of one path
func (m *Manager) File(ref ProjectRef, path string) (types.FileEntry, bool) {
	st := m.state(ref)
	st.mu.RLock()
	defer st.mu.RUnlock()
	e, ok := st.files[path]
	return e, ok
}

// Symbols returns a copy of the fresh deep records of one file
func (m *Manager) Symbols(ref ProjectRef, path string) []types.SymbolRecord {
	st := m.state(ref)
	st.mu.RLock()
	defer st.mu.RUnlock()

	rec, ok := st.symbols[path]
	if !ok {
		return nil
	}
	out := make([]types.SymbolRecord, len(rec.Symbols))
	copy(out, rec.Symbols)
	return out
}

// Forget drops all in-memory and persisted state of a project
func (m *Manager) Forget(ref ProjectRef) error {
	m.mu.Lock()
	delete(m.projects, ref.Key())
	m.mu.Unlock()
	if m.opts.Snapshot != nil {
		return m.opts.Snapshot.Delete(ref)
	}
	return nil
}

// Source is a read-only view of one project's shallow index
type Source struct {
	m   *Manager
	ref ProjectRef
}

// Source returns a view used by consumers that walk the project's files
func (m *Manager) Source(ref ProjectRef) *Source {
	return &Source{m: m, ref: ref}
}

// Paths lists the indexed relative paths in sorted order
func (s *Source) Paths() []string {
	return s.m.Paths(s.ref)
}

// Ignored reports whether rel is excluded by the project's ignore patterns
func (s *Source) Ignored(rel string) bool {
	st := s.m.state(s.ref)
	matcher := st.ignore(s.m.opts.Ignore)
	return matcher.Match(rel, false) || ignoredDir(matcher, rel)
}

// IgnoredDir reports whether the directory rel, or one of its parents, is
// excluded
func (s *Source) IgnoredDir(rel string) bool {
	st := s.m.state(s.ref)
	matcher := st.ignore(s.m.opts.Ignore)
	return matcher.Match(rel, true) || ignoredDir(matcher, rel)
}
