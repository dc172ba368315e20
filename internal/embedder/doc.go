// Package embedder turns code chunks into vectors.
//
// Providers implement Embedder and make exactly one request per call:
// Jina and OpenAI share the /v1/embeddings wire format, Ollama uses
// /api/embed, and the local provider derives deterministic vectors from
// content hashes for offline use. Non-2xx responses surface as
// *ProviderError; 429 and 5xx are transient, other 4xx are not.
//
// Client sits in front of a provider and is what the ingestion pipeline uses:
//
//	client := embedder.NewClient(provider, store, embedder.ClientOptions{
//		BatchSize:         50,
//		MaxConcurrent:     4,
//		RequestsPerSecond: 10,
//	})
//	res, err := client.EmbedBatch(ctx, tenantID, items)
//	// res.Vectors: new vectors by content hash
//	// res.Failed:  hashes that could not be embedded, with the cause
//	// res.Reused:  hashes the store already had for this tenant
//
// EmbedBatch dedupes by content hash, skips hashes the store already holds,
// groups the rest into provider-sized batches, caps in-flight requests with
// a weighted semaphore and paces them with a token bucket. Transient errors
// are retried with exponential backoff that honors Retry-After. A batch that
// fails permanently is bisected until the offending items are isolated, so
// one bad chunk does not fail its neighbours.
package embedder
