//go:build !cgo

package parser

// Tree-sitter grammars need cgo. Without it only the Go parser and the
// heuristic fallback are available.
func registerTreeSitter(*Registry) {}

// TreeSitterLanguages lists languages with a compiled grammar.
func TreeSitterLanguages() []string { return nil }
