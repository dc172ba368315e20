// Package types provides shared type definitions for the codeindex engine.
//
// The types here cross package boundaries: symbols and parse results from
// the parser, file and symbol records from the index manager, chunks from the
// chunker, matches and search results from the search layers, and the
// provider-neutral ChangeEvent produced by the webhook normalizer.
//
// # Errors
//
// errors.go defines the engine error taxonomy. Components wrap these with
// fmt.Errorf("...: %w", err) and callers classify with errors.Is:
//
//	if errors.Is(err, types.ErrProjectUnavailable) {
//	    // the project root vanished or is unreadable
//	}
//
// Per-unit failures inside a batch are reported as UnitError values in the
// batch summary instead of aborting the batch.
//
// # Content hashes
//
// Chunk hashes are the hex SHA-256 of the chunk text alone:
//
//	chunk := types.Chunk{Content: body}
//	chunk.ComputeContentHash()
//
// Two chunks with the same text share one stored embedding within a tenant.
package types
