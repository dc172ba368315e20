package index

import (
	"sort"
	"strings"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// DefaultQueryLimit caps query results when Limit is zero
const DefaultQueryLimit = 100

// KindImport selects import statements instead of declarations
const KindImport = "import"

// Query filters the in-memory index. Empty fields match everything.
type Query struct {
	PathGlob   string `json:"path_glob,omitempty"`
	Language   string `json:"language,omitempty"`
	SymbolName string `json:"symbol_name,omitempty"` // case-insensitive substring
	Kind       string `json:"kind,omitempty"`
	Import     string `json:"import,omitempty"` // case-insensitive substring of the import path
	Limit      int    `json:"limit,omitempty"`
}

// ImportRecord is one import statement of an indexed file
type ImportRecord struct {
	FilePath string `json:"file_path"`
	Language string `json:"language"`
	types.Import
}

// QueryResult holds matching files, symbols and imports. Truncated is set
// when a list was cut at the limit.
type QueryResult struct {
	Files     []types.FileEntry    `json:"files"`
	Symbols   []types.SymbolRecord `json:"symbols"`
	Imports   []ImportRecord       `json:"imports,omitempty"`
	Truncated bool                 `json:"truncated"`
}

// Query answers from memory without touching the disk. An Import filter or
// the import kind lists only imports. Files are returned only when no symbol
// or import filter is set.
func (m *Manager) Query(ref ProjectRef, q Query) *QueryResult {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}
	name := strings.ToLower(q.SymbolName)
	importPath := strings.ToLower(q.Import)
	importQuery := q.Import != "" || strings.EqualFold(q.Kind, KindImport)
	symbolQuery := !importQuery && (q.SymbolName != "" || q.Kind != "")

	st := m.state(ref)
	st.mu.RLock()
	defer st.mu.RUnlock()

	result := &QueryResult{Files: []types.FileEntry{}, Symbols: []types.SymbolRecord{}}
	paths := make([]string, 0, len(st.files))
	for p := range st.files {
		paths = append(paths, p)
	}
	sortStrings(paths)

	for _, p := range paths {
		e := st.files[p]
		if q.Language != "" && !strings.EqualFold(e.Language, q.Language) {
			continue
		}
		if !MatchGlob(q.PathGlob, p) {
			continue
		}
		if !symbolQuery && !importQuery {
			if len(result.Files) >= limit {
				result.Truncated = true
				break
			}
			result.Files = append(result.Files, e)
		}

		rec, ok := st.symbols[p]
		if !ok || rec.Fingerprint != e.Fingerprint {
			continue
		}
		if importQuery {
			for _, imp := range rec.Imports {
				if importPath != "" && !strings.Contains(strings.ToLower(imp.Path), importPath) {
					continue
				}
				if len(result.Imports) >= limit {
					result.Truncated = true
					break
				}
				result.Imports = append(result.Imports, ImportRecord{FilePath: p, Language: e.Language, Import: imp})
			}
			continue
		}
		for _, s := range rec.Symbols {
			if q.Kind != "" && !strings.EqualFold(string(s.Kind), q.Kind) {
				continue
			}
			if name != "" && !strings.Contains(strings.ToLower(s.Name), name) {
				continue
			}
			if len(result.Symbols) >= limit {
				result.Truncated = true
				break
			}
			result.Symbols = append(result.Symbols, s)
		}
	}
	return result
}

func sortStrings(s []string) {
	sort.Strings(s)
}
