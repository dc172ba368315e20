package storage

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomUnit(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func seedRandomChunks(t *testing.T, s *SQLiteStorage, tenantID string, projectID int64, n, dim int, rng *rand.Rand) []*Chunk {
	t.Helper()
	ctx := context.Background()
	chunks := make([]*Chunk, n)
	embeddings := make([]*Embedding, n)
	for i := 0; i < n; i++ {
		c := newTestChunk(tenantID, projectID, fmt.Sprintf("f%03d.go", i), fmt.Sprintf("func F%d() {}", i), 1)
		chunks[i] = c
		embeddings[i] = &Embedding{TenantID: tenantID, ContentHash: c.ContentHash, Vector: randomUnit(rng, dim)}
	}
	require.NoError(t, s.InsertChunks(ctx, chunks))
	require.NoError(t, s.UpsertEmbeddings(ctx, embeddings))
	return chunks
}

func TestSimilaritySearch_ANNMatchesExact(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	s := setupTestDB(t)
	p := createTestProject(t, s, "acme", "api")
	seedRandomChunks(t, s, "acme", p.ID, 300, 16, rng)

	query := randomUnit(rng, 16)
	exact, err := s.SimilaritySearch(ctx, SimilarityQuery{TenantID: "acme", Vector: query, TopK: 5})
	require.NoError(t, err)

	s.EnableANN(100)
	approx, err := s.SimilaritySearch(ctx, SimilarityQuery{TenantID: "acme", Vector: query, TopK: 5})
	require.NoError(t, err)
	require.Len(t, approx, 5)
	assert.Equal(t, exact[0].ChunkID, approx[0].ChunkID)
	assert.InDelta(t, exact[0].SimilarityScore, approx[0].SimilarityScore, 1e-6)

	idx, err := s.ann.graph(ctx, s.db, "acme")
	require.NoError(t, err)
	require.NotNil(t, idx)
	assert.Equal(t, 300, idx.Len())
}

func TestSimilaritySearch_ANNBelowThreshold(t *testing.T) {
	ctx := context.Background()
	s := setupTestDB(t)
	p := createTestProject(t, s, "acme", "api")
	seedRandomChunks(t, s, "acme", p.ID, 10, 8, rand.New(rand.NewSource(1)))

	s.EnableANN(100)
	idx, err := s.ann.graph(ctx, s.db, "acme")
	require.NoError(t, err)
	assert.Nil(t, idx)

	results, err := s.SimilaritySearch(ctx, SimilarityQuery{TenantID: "acme", Vector: randomUnit(rand.New(rand.NewSource(2)), 8), TopK: 3})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSimilaritySearch_ANNInvalidation(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	s := setupTestDB(t)
	p := createTestProject(t, s, "acme", "api")
	seedRandomChunks(t, s, "acme", p.ID, 50, 8, rng)
	s.EnableANN(10)

	query := randomUnit(rng, 8)
	_, err := s.SimilaritySearch(ctx, SimilarityQuery{TenantID: "acme", Vector: query, TopK: 1})
	require.NoError(t, err)

	// a committed transaction adds the exact query vector
	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	c := newTestChunk("acme", p.ID, "new.go", "func New() {}", 1)
	require.NoError(t, tx.InsertChunks(ctx, []*Chunk{c}))
	require.NoError(t, tx.UpsertEmbeddings(ctx, []*Embedding{{TenantID: "acme", ContentHash: c.ContentHash, Vector: query}}))
	require.NoError(t, tx.Commit())

	results, err := s.SimilaritySearch(ctx, SimilarityQuery{TenantID: "acme", Vector: query, TopK: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, c.ID, results[0].ChunkID)
	assert.InDelta(t, 1.0, results[0].SimilarityScore, 1e-5)
}

func TestSimilaritySearch_ANNFilterFallback(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(5))
	s := setupTestDB(t)
	p := createTestProject(t, s, "acme", "api")
	seedRandomChunks(t, s, "acme", p.ID, 200, 8, rng)

	rare := newTestChunk("acme", p.ID, "rare.py", "def rare(): pass", 1)
	rare.Language = "python"
	require.NoError(t, s.InsertChunks(ctx, []*Chunk{rare}))
	require.NoError(t, s.UpsertEmbeddings(ctx, []*Embedding{{TenantID: "acme", ContentHash: rare.ContentHash, Vector: randomUnit(rng, 8)}}))

	s.EnableANN(50)
	results, err := s.SimilaritySearch(ctx, SimilarityQuery{
		TenantID:  "acme",
		Vector:    randomUnit(rng, 8),
		TopK:      3,
		Languages: []string{"python"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, rare.ID, results[0].ChunkID)
}
