package parser

import (
	"fmt"
	"sync"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Outcome classifies how a file's symbols were produced.
type Outcome int

const (
	// OutcomeParsed means a structured parser produced the symbols.
	OutcomeParsed Outcome = iota
	// OutcomeFallback means the structured parse failed and heuristics were used.
	OutcomeFallback
	// OutcomeUnsupported means no structured parser handles the language.
	OutcomeUnsupported
)

func (o Outcome) String() string {
	switch o {
	case OutcomeParsed:
		return "parsed"
	case OutcomeFallback:
		return "fallback"
	default:
		return "unsupported"
	}
}

// Registry dispatches files to the first structured parser that supports
// their language and falls back to heuristic extraction.
type Registry struct {
	mu       sync.RWMutex
	parsers  []Parser
	fallback *HeuristicParser
}

// NewRegistry creates a registry with the given structured parsers in
// priority order.
func NewRegistry(parsers ...Parser) *Registry {
	return &Registry{
		parsers:  parsers,
		fallback: NewHeuristicParser(),
	}
}

// DefaultRegistry returns the Go parser plus every tree-sitter grammar
// compiled into this build.
func DefaultRegistry() *Registry {
	r := NewRegistry(NewGoParser())
	registerTreeSitter(r)
	return r
}

// Register appends a structured parser.
func (r *Registry) Register(p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers = append(r.parsers, p)
}

// Structured reports whether a structured parser handles language.
func (r *Registry) Structured(language string) bool {
	return r.lookup(language) != nil
}

// Backends lists the registered structured parser names.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.parsers))
	for _, p := range r.parsers {
		names = append(names, p.Name())
	}
	return names
}

func (r *Registry) lookup(language string) Parser {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.parsers {
		if p.Supports(language) {
			return p
		}
	}
	return nil
}

// Parse extracts symbols from src. It always returns a result. When the
// structured parse fails the returned error wraps types.ErrParseFailure and
// the result holds heuristic symbols.
func (r *Registry) Parse(language, path string, src []byte) (*types.ParseResult, Outcome, error) {
	p := r.lookup(language)
	if p == nil {
		res, _ := r.fallback.Parse(path, src)
		res.Language = language
		return res, OutcomeUnsupported, nil
	}

	res, err := safeParse(p, path, src)
	if err == nil {
		res.Language = language
		if len(res.Imports) == 0 {
			res.Imports = ScanImports(language, src)
		}
		return res, OutcomeParsed, nil
	}

	fb, _ := r.fallback.Parse(path, src)
	fb.Language = language
	if res != nil {
		fb.Errors = append(fb.Errors, res.Errors...)
		fb.PackageName = res.PackageName
		fb.Imports = res.Imports
	}
	return fb, OutcomeFallback, err
}

// safeParse converts a panic inside a parser backend into a parse failure so
// one bad file cannot take down a batch.
func safeParse(p Parser, path string, src []byte) (res *types.ParseResult, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			res = nil
			err = fmt.Errorf("%w: %s: %s panicked: %v", types.ErrParseFailure, path, p.Name(), rec)
		}
	}()
	return p.Parse(path, src)
}
