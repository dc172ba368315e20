package parser

import (
	"errors"
	"fmt"
	"go/ast"
	"go/parser"
	"go/scanner"
	"go/token"
	"strings"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Parser extracts symbols from one source file.
type Parser interface {
	Name() string
	Supports(language string) bool
	Parse(path string, src []byte) (*types.ParseResult, error)
}

// GoParser handles AST-based parsing of Go source files
type GoParser struct{}

// NewGoParser creates a new GoParser instance
func NewGoParser() *GoParser {
	return &GoParser{}
}

// Name implements Parser.
func (p *GoParser) Name() string { return "go/ast" }

// Supports implements Parser.
func (p *GoParser) Supports(language string) bool { return language == "go" }

// Parse parses Go source and extracts top-level symbols, imports, and the
// package name. A syntax error yields the partial result together with an
// error wrapping types.ErrParseFailure.
func (p *GoParser) Parse(path string, src []byte) (*types.ParseResult, error) {
	result := &types.ParseResult{Language: "go"}
	fset := token.NewFileSet()

	file, parseErr := parser.ParseFile(fset, path, src, parser.ParseComments)
	if parseErr != nil {
		line, col := 0, 0
		var list scanner.ErrorList
		if errors.As(parseErr, &list) && len(list) > 0 {
			line, col = list[0].Pos.Line, list[0].Pos.Column
		}
		result.AddError(path, line, col, fmt.Sprintf("syntax error: %v", parseErr))
	}

	if file != nil {
		if file.Name != nil {
			result.PackageName = file.Name.Name
		}
		result.Imports = extractImports(fset, file)

		extractor := &symbolExtractor{fset: fset}
		for _, decl := range file.Decls {
			switch d := decl.(type) {
			case *ast.FuncDecl:
				extractor.extractFunction(d)
			case *ast.GenDecl:
				extractor.extractGenDecl(d)
			}
		}
		result.Symbols = extractor.symbols
	}

	if parseErr != nil {
		return result, fmt.Errorf("%w: %s: %v", types.ErrParseFailure, path, parseErr)
	}
	return result, nil
}

// extractImports extracts import statements from the AST
func extractImports(fset *token.FileSet, file *ast.File) []types.Import {
	imports := make([]types.Import, 0, len(file.Imports))

	for _, imp := range file.Imports {
		importSpec := types.Import{
			Path: strings.Trim(imp.Path.Value, `"`),
			Line: fset.Position(imp.Pos()).Line,
		}
		if imp.Name != nil {
			importSpec.Alias = imp.Name.Name
		}
		imports = append(imports, importSpec)
	}

	return imports
}

// symbolExtractor collects symbols from top-level declarations
type symbolExtractor struct {
	fset    *token.FileSet
	symbols []types.Symbol
}

// extractFunction extracts function and method declarations
func (e *symbolExtractor) extractFunction(funcDecl *ast.FuncDecl) {
	start := funcDecl.Pos()
	if funcDecl.Doc != nil {
		start = funcDecl.Doc.Pos()
	}
	sym := types.Symbol{
		Name:       funcDecl.Name.Name,
		DocComment: extractDocComment(funcDecl.Doc),
		Signature:  e.extractFunctionSignature(funcDecl),
	}
	e.setRange(&sym, start, funcDecl.End())

	if funcDecl.Recv != nil && len(funcDecl.Recv.List) > 0 {
		sym.Kind = types.KindMethod
		sym.Parent = extractReceiverType(funcDecl.Recv.List[0].Type)
	} else {
		sym.Kind = types.KindFunction
	}

	e.symbols = append(e.symbols, sym)
}

// extractGenDecl extracts type, const, and var declarations
func (e *symbolExtractor) extractGenDecl(genDecl *ast.GenDecl) {
	grouped := genDecl.Lparen.IsValid()
	for _, spec := range genDecl.Specs {
		switch s := spec.(type) {
		case *ast.TypeSpec:
			doc := s.Doc
			start, end := s.Pos(), s.End()
			if !grouped {
				doc = genDecl.Doc
				start, end = genDecl.Pos(), genDecl.End()
			}
			if doc != nil && doc.Pos() < start {
				start = doc.Pos()
			}
			e.extractTypeSpec(s, doc, start, end)
		case *ast.ValueSpec:
			e.extractValueSpec(s, genDecl.Doc, genDecl.Tok)
		}
	}
}

// extractTypeSpec extracts struct, interface, and type alias declarations
func (e *symbolExtractor) extractTypeSpec(typeSpec *ast.TypeSpec, doc *ast.CommentGroup, start, end token.Pos) {
	sym := types.Symbol{
		Name:       typeSpec.Name.Name,
		DocComment: extractDocComment(doc),
	}
	e.setRange(&sym, start, end)

	switch t := typeSpec.Type.(type) {
	case *ast.StructType:
		sym.Kind = types.KindStruct
		fieldCount := 0
		if t.Fields != nil {
			fieldCount = t.Fields.NumFields()
		}
		sym.Signature = fmt.Sprintf("type %s struct { ... } // %d fields", typeSpec.Name.Name, fieldCount)
	case *ast.InterfaceType:
		sym.Kind = types.KindInterface
		methodCount := 0
		if t.Methods != nil {
			methodCount = t.Methods.NumFields()
		}
		sym.Signature = fmt.Sprintf("type %s interface { ... } // %d methods", typeSpec.Name.Name, methodCount)
	default:
		sym.Kind = types.KindType
		sym.Signature = fmt.Sprintf("type %s %s", typeSpec.Name.Name, exprToString(typeSpec.Type))
	}

	e.symbols = append(e.symbols, sym)
}

// extractValueSpec extracts const and var declarations
func (e *symbolExtractor) extractValueSpec(valueSpec *ast.ValueSpec, doc *ast.CommentGroup, tok token.Token) {
	kind := types.KindVar
	if tok == token.CONST {
		kind = types.KindConst
	}
	if valueSpec.Doc != nil {
		doc = valueSpec.Doc
	}

	for _, name := range valueSpec.Names {
		if name.Name == "_" {
			continue
		}
		sym := types.Symbol{
			Name:       name.Name,
			Kind:       kind,
			DocComment: extractDocComment(doc),
		}
		e.setRange(&sym, valueSpec.Pos(), valueSpec.End())

		switch {
		case valueSpec.Type != nil:
			sym.Signature = fmt.Sprintf("%s %s", name.Name, exprToString(valueSpec.Type))
		case len(valueSpec.Values) > 0:
			sym.Signature = fmt.Sprintf("%s = ...", name.Name)
		default:
			sym.Signature = name.Name
		}

		e.symbols = append(e.symbols, sym)
	}
}

func (e *symbolExtractor) setRange(sym *types.Symbol, start, end token.Pos) {
	s := e.fset.Position(start)
	en := e.fset.Position(end)
	sym.Start = types.Position{Line: s.Line, Column: s.Column}
	sym.End = types.Position{Line: en.Line, Column: en.Column}
	sym.StartByte = s.Offset
	sym.EndByte = en.Offset
}

// extractReceiverType extracts the receiver type name from a method
func extractReceiverType(expr ast.Expr) string {
	switch t := expr.(type) {
	case *ast.StarExpr:
		return extractReceiverType(t.X)
	case *ast.Ident:
		return t.Name
	case *ast.IndexExpr:
		return extractReceiverType(t.X)
	case *ast.IndexListExpr:
		return extractReceiverType(t.X)
	}
	return ""
}

// extractFunctionSignature builds a function signature string
func (e *symbolExtractor) extractFunctionSignature(funcDecl *ast.FuncDecl) string {
	var sig strings.Builder

	sig.WriteString("func ")

	if funcDecl.Recv != nil && len(funcDecl.Recv.List) > 0 {
		sig.WriteString("(")
		sig.WriteString(exprToString(funcDecl.Recv.List[0].Type))
		sig.WriteString(") ")
	}

	sig.WriteString(funcDecl.Name.Name)

	sig.WriteString("(")
	if funcDecl.Type.Params != nil {
		sig.WriteString(fieldListToString(funcDecl.Type.Params))
	}
	sig.WriteString(")")

	if funcDecl.Type.Results != nil {
		results := fieldListToString(funcDecl.Type.Results)
		if results != "" {
			if funcDecl.Type.Results.NumFields() > 1 || len(funcDecl.Type.Results.List[0].Names) > 0 {
				sig.WriteString(" (")
				sig.WriteString(results)
				sig.WriteString(")")
			} else {
				sig.WriteString(" ")
				sig.WriteString(results)
			}
		}
	}

	return sig.String()
}

// fieldListToString converts a field list to a string representation
func fieldListToString(fieldList *ast.FieldList) string {
	if fieldList == nil || len(fieldList.List) == 0 {
		return ""
	}

	var parts []string
	for _, field := range fieldList.List {
		typeStr := exprToString(field.Type)
		if len(field.Names) > 0 {
			for _, name := range field.Names {
				parts = append(parts, fmt.Sprintf("%s %s", name.Name, typeStr))
			}
		} else {
			parts = append(parts, typeStr)
		}
	}

	return strings.Join(parts, ", ")
}

// exprToString converts an expression to a string representation
func exprToString(expr ast.Expr) string {
	if expr == nil {
		return ""
	}

	switch t := expr.(type) {
	case *ast.Ident:
		return t.Name
	case *ast.StarExpr:
		return "*" + exprToString(t.X)
	case *ast.ArrayType:
		return "[]" + exprToString(t.Elt)
	case *ast.MapType:
		return fmt.Sprintf("map[%s]%s", exprToString(t.Key), exprToString(t.Value))
	case *ast.ChanType:
		return "chan " + exprToString(t.Value)
	case *ast.FuncType:
		return "func(...)"
	case *ast.InterfaceType:
		return "interface{}"
	case *ast.StructType:
		return "struct{...}"
	case *ast.SelectorExpr:
		return exprToString(t.X) + "." + t.Sel.Name
	case *ast.Ellipsis:
		return "..." + exprToString(t.Elt)
	case *ast.IndexExpr:
		return exprToString(t.X) + "[" + exprToString(t.Index) + "]"
	default:
		return "..."
	}
}

// extractDocComment extracts documentation from a comment group
func extractDocComment(doc *ast.CommentGroup) string {
	if doc == nil {
		return ""
	}
	return strings.TrimSpace(doc.Text())
}
