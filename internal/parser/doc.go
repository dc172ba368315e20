// Package parser extracts symbols from source files.
//
// Structured backends produce symbols from a syntax tree: GoParser uses
// go/ast and, in cgo builds, TreeSitterParser covers Python, JavaScript,
// TypeScript, Java, Rust and Ruby. HeuristicParser matches declaration
// patterns line by line and works for any language.
//
// Registry ties them together. Parse picks the first structured backend for
// the language; if it fails the result comes from the heuristic parser and
// the returned error wraps types.ErrParseFailure:
//
//	reg := parser.DefaultRegistry()
//	result, outcome, err := reg.Parse("python", "app.py", src)
//	switch outcome {
//	case parser.OutcomeParsed:      // structured symbols
//	case parser.OutcomeFallback:    // err != nil, heuristic symbols
//	case parser.OutcomeUnsupported: // no backend, heuristic symbols
//	}
//
// DetectLanguage maps a path (and optionally the first bytes of the file) to
// a language name with a confidence score.
package parser
