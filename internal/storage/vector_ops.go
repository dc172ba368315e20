package storage

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/dshills/codeindex-mcp/internal/tenant"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// DefaultTopK is used when a query does not set a limit
const DefaultTopK = 10

// SimilaritySearch ranks the tenant's live chunks by cosine similarity to
// q.Vector. Large tenants go through the ANN graph when enabled; the rest
// are scanned exactly.
func (s *SQLiteStorage) SimilaritySearch(ctx context.Context, q SimilarityQuery) ([]VectorResult, error) {
	if err := tenant.Validate(q.TenantID); err != nil {
		return nil, err
	}
	if len(q.Vector) == 0 {
		return nil, fmt.Errorf("query vector is empty")
	}
	if q.TopK <= 0 {
		q.TopK = DefaultTopK
	}

	if results, ok, err := s.searchANN(ctx, q); err != nil {
		return nil, err
	} else if ok {
		return results, nil
	}
	return searchVector(ctx, s.db, q)
}

// searchVector performs exact vector similarity search
func searchVector(ctx context.Context, db *sql.DB, q SimilarityQuery) ([]VectorResult, error) {
	// Use optimized SQL-based search when sqlite-vec is available
	if VectorExtensionAvailable {
		return searchVectorOptimized(ctx, db, q)
	}
	// Fall back to Go-based computation for purego builds
	return searchVectorFallback(ctx, db, q)
}

// searchVectorOptimized uses sqlite-vec extension for SQL-based vector similarity search
func searchVectorOptimized(ctx context.Context, db *sql.DB, q SimilarityQuery) ([]VectorResult, error) {
	queryVectorBlob, err := encodeQueryVector(q.Vector)
	if err != nil {
		return nil, fmt.Errorf("failed to encode query vector: %w", err)
	}

	// vec_distance_cosine returns distance; convert to similarity
	query := `
		SELECT
			c.id as chunk_id,
			1.0 - vec_distance_cosine(e.vector, ?) as similarity
		FROM chunks c
		INNER JOIN embeddings e ON e.tenant_id = c.tenant_id AND e.content_hash = c.content_hash
		WHERE c.tenant_id = ? AND c.stale = 0 AND e.dimension = ?
	`
	args := []interface{}{queryVectorBlob, q.TenantID, len(q.Vector)}
	query, args = applyChunkFilters(query, args, q.ProjectID, q.Languages, q.Kinds, q.FilePattern, q.ExcludeChunkIDs)

	if q.MinScore > 0 {
		query += " AND (1.0 - vec_distance_cosine(e.vector, ?)) >= ?"
		args = append(args, queryVectorBlob, q.MinScore)
	}

	query += " ORDER BY similarity DESC, c.id LIMIT ?"
	args = append(args, q.TopK)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]VectorResult, 0, q.TopK)
	for rows.Next() {
		var result VectorResult
		if err := rows.Scan(&result.ChunkID, &result.SimilarityScore); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, result)
	}
	return results, rows.Err()
}

// searchVectorFallback computes cosine similarity in Go. Used by purego
// builds where sqlite-vec is not loaded.
func searchVectorFallback(ctx context.Context, db *sql.DB, q SimilarityQuery) ([]VectorResult, error) {
	query := `
		SELECT
			c.id as chunk_id,
			e.vector
		FROM chunks c
		INNER JOIN embeddings e ON e.tenant_id = c.tenant_id AND e.content_hash = c.content_hash
		WHERE c.tenant_id = ? AND c.stale = 0
	`
	args := []interface{}{q.TenantID}
	query, args = applyChunkFilters(query, args, q.ProjectID, q.Languages, q.Kinds, q.FilePattern, q.ExcludeChunkIDs)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := computeSimilarityScores(rows, q.Vector, q.MinScore)
	if err != nil {
		return nil, err
	}
	sortCandidates(candidates)
	return buildVectorResults(candidates, q.TopK), nil
}

// SearchText performs BM25 full-text search over live chunks using FTS5
func (s *SQLiteStorage) SearchText(ctx context.Context, q TextQuery) ([]TextResult, error) {
	if err := tenant.Validate(q.TenantID); err != nil {
		return nil, err
	}
	sanitized := sanitizeFTSQuery(q.Query)
	if sanitized == "" {
		return nil, types.ErrEmptyQuery
	}
	if q.Limit <= 0 {
		q.Limit = DefaultTopK
	}

	query := `
		SELECT c.id, bm25(chunks_fts) AS score
		FROM chunks_fts
		INNER JOIN chunks c ON c.id = chunks_fts.rowid
		WHERE chunks_fts MATCH ? AND c.tenant_id = ? AND c.stale = 0
	`
	args := []interface{}{sanitized, q.TenantID}
	query, args = applyChunkFilters(query, args, q.ProjectID, q.Languages, q.Kinds, q.FilePattern, nil)

	query += " ORDER BY score, c.id LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute text search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return collectTextResults(rows)
}

// applyChunkFilters appends the shared chunk predicates. The chunk table must
// be aliased as c.
func applyChunkFilters(query string, args []interface{}, projectID int64, languages, kinds []string, pattern string, exclude []int64) (string, []interface{}) {
	if projectID > 0 {
		query += " AND c.project_id = ?"
		args = append(args, projectID)
	}
	if len(languages) > 0 {
		query += " AND c.language IN (" + placeholders(len(languages)) + ")"
		for _, l := range languages {
			args = append(args, l)
		}
	}
	if len(kinds) > 0 {
		query += " AND c.kind IN (" + placeholders(len(kinds)) + ")"
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	if pattern != "" {
		query += " AND c.file_path GLOB ?"
		args = append(args, pattern)
	}
	if len(exclude) > 0 {
		query += " AND c.id NOT IN (" + placeholders(len(exclude)) + ")"
		for _, id := range exclude {
			args = append(args, id)
		}
	}
	return query, args
}

// computeSimilarityScores processes rows and computes cosine similarity
func computeSimilarityScores(rows *sql.Rows, queryVector []float32, minScore float64) ([]candidate, error) {
	candidates := make([]candidate, 0, 256)

	for rows.Next() {
		var chunkID int64
		var vectorBlob []byte
		if err := rows.Scan(&chunkID, &vectorBlob); err != nil {
			return nil, err
		}

		vector := deserializeVector(vectorBlob)
		if len(vector) != len(queryVector) {
			continue // Dimension mismatch, skip
		}

		similarity := cosineSimilarity(queryVector, vector)
		if minScore > 0 && similarity < minScore {
			continue
		}

		candidates = append(candidates, candidate{chunkID: chunkID, score: similarity})
	}

	return candidates, rows.Err()
}

// buildVectorResults creates VectorResult slice from candidates
func buildVectorResults(candidates []candidate, limit int) []VectorResult {
	// Handle negative or zero limit - return all candidates
	if limit <= 0 {
		limit = len(candidates)
	}
	if limit > len(candidates) {
		limit = len(candidates)
	}

	results := make([]VectorResult, limit)
	for i := 0; i < limit; i++ {
		results[i] = VectorResult{
			ChunkID:         candidates[i].chunkID,
			SimilarityScore: candidates[i].score,
		}
	}
	return results
}

// collectTextResults processes text search results and normalizes scores
func collectTextResults(rows *sql.Rows) ([]TextResult, error) {
	results := make([]TextResult, 0)

	for rows.Next() {
		var result TextResult
		if err := rows.Scan(&result.ChunkID, &result.BM25Score); err != nil {
			return nil, err
		}

		// BM25 scores are negative, lower is better; typically in [-50, 0]
		result.BM25Score = 1.0 / (1.0 + math.Abs(result.BM25Score)/50.0)
		results = append(results, result)
	}

	return results, rows.Err()
}

// serializeVector converts a float32 slice to a byte blob (little-endian)
func serializeVector(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

// deserializeVector converts a byte blob back to a float32 slice
func deserializeVector(blob []byte) []float32 {
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		bits := binary.LittleEndian.Uint32(blob[i*4:])
		vector[i] = math.Float32frombits(bits)
	}
	return vector
}

// cosineSimilarity computes the cosine similarity between two vectors
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// candidate represents a chunk with its similarity score
type candidate struct {
	chunkID int64
	score   float64
}

// sortCandidates sorts by score descending, ties by chunk id
func sortCandidates(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].chunkID < candidates[j].chunkID
	})
}

// sanitizeFTSQuery turns free text into an FTS5 expression. Every token is
// quoted so operators and syntax characters match literally; tokens are
// OR-ed and BM25 ranks chunks matching more of them first.
func sanitizeFTSQuery(query string) string {
	fields := strings.Fields(query)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		if !strings.ContainsFunc(f, isWordRune) {
			continue
		}
		terms = append(terms, `"`+strings.ReplaceAll(f, `"`, `""`)+`"`)
	}
	return strings.Join(terms, " OR ")
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// SerializeVector is an exported helper for testing
func SerializeVector(vector []float32) []byte {
	return serializeVector(vector)
}

// DeserializeVector is an exported helper for testing
func DeserializeVector(blob []byte) []float32 {
	return deserializeVector(blob)
}

// CosineSimilarity is an exported helper for testing
func CosineSimilarity(a, b []float32) float64 {
	return cosineSimilarity(a, b)
}
