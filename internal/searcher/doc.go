// Package searcher implements semantic code search over the chunks and
// embeddings held by the vector store.
//
// The searcher provides three search modes:
//   - Hybrid: vector similarity and BM25 keyword search fused with
//     Reciprocal Rank Fusion (default)
//   - Vector: similarity of the query embedding to chunk embeddings
//   - Keyword: BM25 full-text search only
//
// # Basic Usage
//
//	s := searcher.New(store, embedClient, searcher.Options{})
//
//	resp, err := s.Search(ctx, searcher.SearchRequest{
//	    TenantID:  "acme",
//	    ProjectID: 3,
//	    Query:     "retry with exponential backoff",
//	    Limit:     10,
//	})
//
//	for _, r := range resp.Results {
//	    fmt.Printf("[%d] %s:%d (%.2f)\n", r.Rank, r.FilePath, r.StartLine, r.RelevanceScore)
//	}
//
// A zero ProjectID searches every project of the tenant. Every storage call
// carries the tenant id; a row of another tenant surfacing in a result is a
// tenant isolation error, never a silent filter.
//
// # Fusion
//
// Hybrid mode fetches twice the requested limit from each list and scores
// each chunk by
//
//	RRF(d) = sum 1/(k + rank(d))
//
// with k = 60 by default. Scores are divided by 2/(k+1), so a chunk ranked
// first by both lists scores 1.0. If one side fails the other side's ranking
// is used alone and a warning is logged.
//
// # Similar Code
//
// FindSimilar takes either a code snippet, which is embedded, or the id of a
// stored chunk, whose stored vector is reused. The source chunk is excluded
// from its own results.
//
// # Caching
//
// Responses are cached in an LRU keyed by tenant, project, query, mode and
// filters, with a per-request TTL. InvalidateProject drops the entries of a
// project after ingestion changes it.
package searcher
