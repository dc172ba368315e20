// Package vectorindex provides an in-memory HNSW graph for approximate
// nearest-neighbor search over cosine distance.
//
// The graph holds normalized copies of its vectors and is not persisted; the
// vector store rebuilds one per tenant from SQLite when it is stale.
package vectorindex
