//go:build cgo

package parser

import (
	"context"
	"fmt"
	"sort"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/java"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/ruby"
	"github.com/smacker/go-tree-sitter/rust"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// grammar pairs a tree-sitter language with a definitions query. The query
// captures the whole definition as @chunk and its identifier as @name.
type grammar struct {
	language *sitter.Language
	query    string
	kinds    map[string]types.SymbolKind // node type -> symbol kind
}

var grammars = map[string]func() *grammar{
	"python": func() *grammar {
		return &grammar{
			language: python.GetLanguage(),
			query: `
				(function_definition name: (identifier) @name) @chunk
				(class_definition name: (identifier) @name) @chunk
			`,
			kinds: map[string]types.SymbolKind{
				"function_definition": types.KindFunction,
				"class_definition":    types.KindClass,
			},
		}
	},
	"javascript": func() *grammar {
		return &grammar{
			language: javascript.GetLanguage(),
			query: `
				(function_declaration name: (identifier) @name) @chunk
				(class_declaration name: (identifier) @name) @chunk
				(method_definition name: (property_identifier) @name) @chunk
				(lexical_declaration (variable_declarator name: (identifier) @name value: (arrow_function))) @chunk
			`,
			kinds: jsKinds,
		}
	},
	"typescript": func() *grammar {
		return &grammar{language: typescript.GetLanguage(), query: tsQuery, kinds: jsKinds}
	},
	"tsx": func() *grammar {
		return &grammar{language: tsx.GetLanguage(), query: tsQuery, kinds: jsKinds}
	},
	"java": func() *grammar {
		return &grammar{
			language: java.GetLanguage(),
			query: `
				(class_declaration name: (identifier) @name) @chunk
				(interface_declaration name: (identifier) @name) @chunk
				(enum_declaration name: (identifier) @name) @chunk
				(method_declaration name: (identifier) @name) @chunk
				(constructor_declaration name: (identifier) @name) @chunk
			`,
			kinds: map[string]types.SymbolKind{
				"class_declaration":       types.KindClass,
				"interface_declaration":   types.KindInterface,
				"enum_declaration":        types.KindType,
				"method_declaration":      types.KindMethod,
				"constructor_declaration": types.KindMethod,
			},
		}
	},
	"rust": func() *grammar {
		return &grammar{
			language: rust.GetLanguage(),
			query: `
				(function_item name: (identifier) @name) @chunk
				(struct_item name: (type_identifier) @name) @chunk
				(enum_item name: (type_identifier) @name) @chunk
				(trait_item name: (type_identifier) @name) @chunk
				(impl_item type: (type_identifier) @name) @chunk
			`,
			kinds: map[string]types.SymbolKind{
				"function_item": types.KindFunction,
				"struct_item":   types.KindStruct,
				"enum_item":     types.KindType,
				"trait_item":    types.KindInterface,
				"impl_item":     types.KindClass,
			},
		}
	},
	"ruby": func() *grammar {
		return &grammar{
			language: ruby.GetLanguage(),
			query: `
				(method name: (identifier) @name) @chunk
				(singleton_method name: (identifier) @name) @chunk
				(class name: (constant) @name) @chunk
				(module name: (constant) @name) @chunk
			`,
			kinds: map[string]types.SymbolKind{
				"method":           types.KindFunction,
				"singleton_method": types.KindFunction,
				"class":            types.KindClass,
				"module":           types.KindModule,
			},
		}
	},
}

const tsQuery = `
	(function_declaration name: (identifier) @name) @chunk
	(class_declaration name: (type_identifier) @name) @chunk
	(method_definition name: (property_identifier) @name) @chunk
	(lexical_declaration (variable_declarator name: (identifier) @name value: (arrow_function))) @chunk
	(interface_declaration name: (type_identifier) @name) @chunk
	(type_alias_declaration name: (type_identifier) @name) @chunk
`

var jsKinds = map[string]types.SymbolKind{
	"function_declaration":   types.KindFunction,
	"class_declaration":      types.KindClass,
	"method_definition":      types.KindMethod,
	"lexical_declaration":    types.KindFunction,
	"interface_declaration":  types.KindInterface,
	"type_alias_declaration": types.KindType,
}

// TreeSitterParser parses one language with a tree-sitter grammar.
type TreeSitterParser struct {
	lang    string
	grammar *grammar
}

// NewTreeSitterParser returns a parser for lang, or an error when no grammar
// is compiled in for it.
func NewTreeSitterParser(lang string) (*TreeSitterParser, error) {
	build, ok := grammars[lang]
	if !ok {
		return nil, fmt.Errorf("no tree-sitter grammar for %s", lang)
	}
	return &TreeSitterParser{lang: lang, grammar: build()}, nil
}

// TreeSitterLanguages lists languages with a compiled grammar.
func TreeSitterLanguages() []string {
	langs := make([]string, 0, len(grammars))
	for l := range grammars {
		langs = append(langs, l)
	}
	sort.Strings(langs)
	return langs
}

func registerTreeSitter(r *Registry) {
	for _, lang := range TreeSitterLanguages() {
		p, err := NewTreeSitterParser(lang)
		if err != nil {
			continue
		}
		r.Register(p)
	}
}

// Name implements Parser.
func (p *TreeSitterParser) Name() string { return "tree-sitter/" + p.lang }

// Supports implements Parser.
func (p *TreeSitterParser) Supports(language string) bool { return language == p.lang }

// Parse implements Parser. A tree containing ERROR nodes is a parse failure.
func (p *TreeSitterParser) Parse(path string, src []byte) (*types.ParseResult, error) {
	result := &types.ParseResult{Language: p.lang}

	ts := sitter.NewParser()
	defer ts.Close()
	ts.SetLanguage(p.grammar.language)

	tree, err := ts.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrParseFailure, path, err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		result.AddError(path, 0, 0, "syntax tree contains errors")
		return result, fmt.Errorf("%w: %s: syntax tree contains errors", types.ErrParseFailure, path)
	}

	q, err := sitter.NewQuery([]byte(p.grammar.query), p.grammar.language)
	if err != nil {
		return nil, fmt.Errorf("compile query for %s: %w", p.lang, err)
	}
	defer q.Close()

	qc := sitter.NewQueryCursor()
	defer qc.Close()
	qc.Exec(q, root)

	seen := make(map[[2]uint32]bool)
	for {
		m, ok := qc.NextMatch()
		if !ok {
			break
		}
		var chunkNode *sitter.Node
		var name string
		for _, c := range m.Captures {
			switch q.CaptureNameForId(c.Index) {
			case "chunk":
				chunkNode = c.Node
			case "name":
				name = c.Node.Content(src)
			}
		}
		if chunkNode == nil {
			continue
		}
		key := [2]uint32{chunkNode.StartByte(), chunkNode.EndByte()}
		if seen[key] {
			continue
		}
		seen[key] = true

		kind, ok := p.grammar.kinds[chunkNode.Type()]
		if !ok {
			kind = types.KindFunction
		}
		start, end := chunkNode.StartPoint(), chunkNode.EndPoint()
		result.Symbols = append(result.Symbols, types.Symbol{
			Name:      name,
			Kind:      kind,
			Signature: firstLine(chunkNode.Content(src)),
			Start:     types.Position{Line: int(start.Row) + 1, Column: int(start.Column) + 1},
			End:       types.Position{Line: int(end.Row) + 1, Column: int(end.Column) + 1},
			StartByte: int(chunkNode.StartByte()),
			EndByte:   int(chunkNode.EndByte()),
		})
	}

	assignParents(result.Symbols)
	return result, nil
}

func firstLine(s string) string {
	for i, c := range s {
		if c == '\n' {
			return s[:i]
		}
	}
	return s
}
