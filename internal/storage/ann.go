package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/dshills/codeindex-mcp/internal/vectorindex"
)

const (
	// annOversample widens the graph search so filters applied afterwards
	// still leave TopK survivors
	annOversample = 4
	annSeed       = 42
)

// annRegistry holds one HNSW graph per tenant. Graphs are rebuilt from the
// embeddings table on first use after an invalidation.
type annRegistry struct {
	mu       sync.Mutex
	minNodes int
	gen      map[string]uint64
	graphs   map[string]*annGraph
	group    singleflight.Group
}

type annGraph struct {
	gen uint64
	idx *vectorindex.Index
}

func newANNRegistry(minNodes int) *annRegistry {
	return &annRegistry{
		minNodes: minNodes,
		gen:      make(map[string]uint64),
		graphs:   make(map[string]*annGraph),
	}
}

func (r *annRegistry) setMinNodes(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.minNodes = n
}

func (r *annRegistry) enabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minNodes > 0
}

// invalidate marks the tenant's graph out of date
func (r *annRegistry) invalidate(tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gen[tenantID]++
}

// graph returns a current graph for the tenant, building it if needed. It
// returns nil when the tenant holds fewer vectors than the threshold.
func (r *annRegistry) graph(ctx context.Context, db *sql.DB, tenantID string) (*vectorindex.Index, error) {
	r.mu.Lock()
	gen := r.gen[tenantID]
	minNodes := r.minNodes
	g := r.graphs[tenantID]
	r.mu.Unlock()

	if minNodes <= 0 {
		return nil, nil
	}
	if g != nil && g.gen == gen {
		if g.idx.Len() < minNodes {
			return nil, nil
		}
		return g.idx, nil
	}

	v, err, _ := r.group.Do(fmt.Sprintf("%s/%d", tenantID, gen), func() (interface{}, error) {
		idx, err := buildGraph(ctx, db, tenantID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if cur, ok := r.graphs[tenantID]; !ok || cur.gen <= gen {
			r.graphs[tenantID] = &annGraph{gen: gen, idx: idx}
		}
		r.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	idx := v.(*vectorindex.Index)
	if idx.Len() < minNodes {
		return nil, nil
	}
	return idx, nil
}

// buildGraph indexes every embedding of the tenant by its rowid
func buildGraph(ctx context.Context, db *sql.DB, tenantID string) (*vectorindex.Index, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT rowid, vector FROM embeddings WHERE tenant_id = ? ORDER BY rowid", tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	idx := vectorindex.New(annSeed)
	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		idx.Add(id, deserializeVector(blob))
	}
	return idx, rows.Err()
}

// searchANN answers q from the tenant's graph. ok is false when the graph is
// disabled, too small, of another dimension, or when filtering left fewer
// than TopK candidates; the caller then scans exactly.
func (s *SQLiteStorage) searchANN(ctx context.Context, q SimilarityQuery) ([]VectorResult, bool, error) {
	if !s.ann.enabled() {
		return nil, false, nil
	}
	idx, err := s.ann.graph(ctx, s.db, q.TenantID)
	if err != nil {
		return nil, false, err
	}
	if idx == nil || idx.Dimension() != len(q.Vector) {
		return nil, false, nil
	}

	k := q.TopK*annOversample + len(q.ExcludeChunkIDs)
	ef := max(k, vectorindex.EfSearch)
	hits := idx.Search(q.Vector, k, ef)
	if len(hits) == 0 {
		return nil, false, nil
	}

	query := `
		SELECT c.id, e.vector
		FROM chunks c
		INNER JOIN embeddings e ON e.tenant_id = c.tenant_id AND e.content_hash = c.content_hash
		WHERE c.tenant_id = ? AND c.stale = 0 AND e.rowid IN (` + placeholders(len(hits)) + `)
	`
	args := make([]interface{}, 0, len(hits)+8)
	args = append(args, q.TenantID)
	for _, h := range hits {
		args = append(args, h.ID)
	}
	query, args = applyChunkFilters(query, args, q.ProjectID, q.Languages, q.Kinds, q.FilePattern, q.ExcludeChunkIDs)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve ANN candidates: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates, err := computeSimilarityScores(rows, q.Vector, q.MinScore)
	if err != nil {
		return nil, false, err
	}
	if len(candidates) < q.TopK && idx.Len() > len(hits) {
		return nil, false, nil
	}
	sortCandidates(candidates)
	return buildVectorResults(candidates, q.TopK), true, nil
}
