// Package chunker divides source files into units for embedding.
//
// Files with a structured parse yield one chunk per top-level function,
// method, class or type declaration. Nested declarations stay inside their
// parent chunk and text between declarations is not emitted. A symbol larger
// than the line or byte threshold is cut into overlapping windows that keep
// the symbol's name and kind.
//
// Files without a structured parse (heuristic results, unsupported
// languages, parse failures) become a single file chunk, or a run of
// overlapping window chunks when too large.
//
// Every chunk carries the SHA-256 of its exact text, which the embedding
// pipeline uses to skip unchanged content.
package chunker
