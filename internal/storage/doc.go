// Package storage provides SQLite-based persistence for the tenant-isolated
// chunk and vector store.
//
// # Database Schema
//
// Tables:
//   - tenants: Known tenant ids
//   - projects: Registered code bases, unique by name per tenant
//   - files: Per-file ingestion record (hash of last embedded content, pending flag)
//   - chunks: Code chunks; superseded rows are flagged stale, not deleted
//   - chunks_fts: FTS5 external-content index over chunk text
//   - embeddings: Vectors keyed by (tenant_id, content_hash)
//   - sync_state, sync_retry, sync_events: Git cursor, embedding retry queue
//     and processed event ids per project
//
// Every query is filtered by tenant id and every row read back is checked
// against the requesting tenant; a mismatch is reported as
// types.ErrTenantIsolation.
//
// # Transactions
//
// Ingestion commits a file at a time:
//
//	tx, err := store.BeginTx(ctx)
//	if err != nil {
//	    return err
//	}
//	defer tx.Rollback()
//
//	_ = tx.InsertChunks(ctx, chunks)
//	_ = tx.UpsertEmbeddings(ctx, vectors)
//	_, _ = tx.MarkChunksStale(ctx, tenantID, supersededIDs)
//	_ = tx.UpsertFile(ctx, file)
//
//	return tx.Commit()
//
// # Vector Search
//
// Build modes:
//   - cgo (-tags sqlite_vec): mattn/go-sqlite3 with sqlite-vec;
//     similarity is computed in SQL with vec_distance_cosine
//   - purego (default): modernc.org/sqlite; similarity is computed in Go
//
// With EnableANN, tenants holding at least the configured number of vectors
// are searched through an in-memory HNSW graph. Graph candidates are
// re-checked in SQL against the query filters and re-scored exactly.
//
// # Full-Text Search
//
// SearchText ranks chunks with FTS5 BM25. Query tokens are quoted so FTS
// operators in user input match literally. Scores are normalized to (0, 1].
//
// # Garbage Collection
//
// GarbageCollect removes stale chunks past a cutoff, embeddings no chunk of
// the tenant references any more, and old processed event ids.
package storage
