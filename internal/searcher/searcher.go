package searcher

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/internal/tenant"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

// SearchMode defines how search is performed
type SearchMode string

const (
	SearchModeHybrid  SearchMode = "hybrid"  // Vector + BM25 with RRF
	SearchModeVector  SearchMode = "vector"  // Vector similarity only
	SearchModeKeyword SearchMode = "keyword" // BM25 text search only
)

// Defaults applied by validateRequest and New
const (
	DefaultLimit       = 10
	MaxLimit           = 100
	DefaultRRFConstant = 60
	DefaultCacheTTL    = 5 * time.Minute
	DefaultCacheSize   = 1000
)

// ErrSimilarSource is returned when a similarity request names neither or
// both of code and chunk id
var ErrSimilarSource = errors.New("exactly one of code or chunk_id is required")

// QueryEmbedder turns query text into a vector. *embedder.Client satisfies it.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Filters narrow the candidate chunks
type Filters struct {
	Languages    []string
	Kinds        []string
	FilePattern  string  // glob over file paths
	MinRelevance float64 // drop fused results below this score
}

// SearchRequest contains parameters for a search operation
type SearchRequest struct {
	TenantID    string
	ProjectID   int64 // 0 searches every project of the tenant
	Query       string
	Limit       int
	Mode        SearchMode
	Filters     Filters
	UseCache    bool
	CacheTTL    time.Duration
	RRFConstant float64 // k value for Reciprocal Rank Fusion
}

// SimilarRequest asks for chunks similar to a snippet or a stored chunk
type SimilarRequest struct {
	ProjectID int64
	Code      string
	ChunkID   int64
	Limit     int
	Languages []string
	MinScore  float64
}

// SearchResponse contains search results and metadata
type SearchResponse struct {
	Results       []types.SearchResult `json:"results"`
	TotalResults  int                  `json:"total_results"`
	SearchMode    SearchMode           `json:"search_mode"`
	Duration      time.Duration        `json:"duration"`
	CacheHit      bool                 `json:"cache_hit"`
	VectorResults int                  `json:"vector_results"`
	TextResults   int                  `json:"text_results"`
}

type cacheEntry struct {
	tenantID  string
	projectID int64
	response  *SearchResponse
	expiresAt time.Time
}

// Options configures a Searcher
type Options struct {
	CacheSize int
	CacheTTL  time.Duration
	Logger    *slog.Logger
}

// Searcher coordinates vector and keyword search over one store
type Searcher struct {
	store  storage.Storage
	embed  QueryEmbedder
	cache  *lru.Cache[[32]byte, *cacheEntry]
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Searcher
func New(store storage.Storage, embed QueryEmbedder, opts Options) *Searcher {
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultCacheSize
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Logger == nil {
		opts.Logger = logging.Component("search")
	}
	cache, err := lru.New[[32]byte, *cacheEntry](opts.CacheSize)
	if err != nil {
		panic(fmt.Sprintf("failed to create LRU cache: %v", err))
	}
	return &Searcher{
		store:  store,
		embed:  embed,
		cache:  cache,
		ttl:    opts.CacheTTL,
		logger: opts.Logger,
	}
}

// Search performs a search based on the request parameters
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	startTime := time.Now()

	if err := s.validateRequest(&req); err != nil {
		return nil, err
	}

	key := computeQueryHash(req)
	if req.UseCache {
		if cached := s.checkCache(key); cached != nil {
			cached.CacheHit = true
			cached.Duration = time.Since(startTime)
			return cached, nil
		}
	}

	var (
		response *SearchResponse
		err      error
	)
	switch req.Mode {
	case SearchModeHybrid:
		response, err = s.hybridSearch(ctx, req)
	case SearchModeVector:
		response, err = s.vectorSearch(ctx, req)
	case SearchModeKeyword:
		response, err = s.keywordSearch(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported search mode: %s", req.Mode)
	}
	if err != nil {
		return nil, err
	}

	response.Duration = time.Since(startTime)
	response.SearchMode = req.Mode

	if req.UseCache && len(response.Results) > 0 {
		s.storeInCache(key, req, response)
	}
	s.logger.Debug("search completed",
		"tenant", req.TenantID,
		"project", req.ProjectID,
		"mode", req.Mode,
		"results", response.TotalResults,
		"duration", response.Duration)
	return response, nil
}

type searchResult struct {
	vectorResults []storage.VectorResult
	textResults   []storage.TextResult
	err           error
}

func (s *Searcher) runVectorSearch(ctx context.Context, req SearchRequest, topK int) searchResult {
	vec, err := s.embed.EmbedQuery(ctx, req.Query)
	if err != nil {
		return searchResult{err: fmt.Errorf("failed to generate query embedding: %w", err)}
	}
	results, err := s.store.SimilaritySearch(ctx, storage.SimilarityQuery{
		TenantID:    req.TenantID,
		ProjectID:   req.ProjectID,
		Vector:      vec,
		TopK:        topK,
		Languages:   req.Filters.Languages,
		Kinds:       req.Filters.Kinds,
		FilePattern: req.Filters.FilePattern,
	})
	return searchResult{vectorResults: results, err: err}
}

func (s *Searcher) runTextSearch(ctx context.Context, req SearchRequest, limit int) searchResult {
	results, err := s.store.SearchText(ctx, storage.TextQuery{
		TenantID:    req.TenantID,
		ProjectID:   req.ProjectID,
		Query:       req.Query,
		Limit:       limit,
		Languages:   req.Filters.Languages,
		Kinds:       req.Filters.Kinds,
		FilePattern: req.Filters.FilePattern,
	})
	return searchResult{textResults: results, err: err}
}

// hybridSearch combines vector and BM25 search using Reciprocal Rank Fusion
func (s *Searcher) hybridSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	vectorChan := make(chan searchResult, 1)
	textChan := make(chan searchResult, 1)

	go func() { vectorChan <- s.runVectorSearch(ctx, req, req.Limit*2) }()
	go func() { textChan <- s.runTextSearch(ctx, req, req.Limit*2) }()

	var vectorRes, textRes searchResult
	var vectorDone, textDone bool
	for !vectorDone || !textDone {
		select {
		case vectorRes = <-vectorChan:
			vectorDone = true
		case textRes = <-textChan:
			textDone = true
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	// one side may fail; tenant violations never degrade silently
	for _, err := range []error{vectorRes.err, textRes.err} {
		if errors.Is(err, types.ErrTenantIsolation) {
			return nil, err
		}
	}
	if vectorRes.err != nil && textRes.err != nil {
		return nil, fmt.Errorf("both searches failed: vector=%w, text=%v", vectorRes.err, textRes.err)
	}
	if vectorRes.err != nil {
		s.logger.Warn("vector search failed, using keyword results", "error", vectorRes.err)
	}
	if textRes.err != nil {
		s.logger.Warn("keyword search failed, using vector results", "error", textRes.err)
	}

	rrf := applyRRF(vectorRes.vectorResults, textRes.textResults, req.RRFConstant)
	results, err := s.fetchResults(ctx, req.TenantID, rrf, req.Limit, req.Filters.MinRelevance)
	if err != nil {
		return nil, err
	}

	return &SearchResponse{
		Results:       results,
		TotalResults:  len(results),
		VectorResults: len(vectorRes.vectorResults),
		TextResults:   len(textRes.textResults),
	}, nil
}

func (s *Searcher) vectorSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	res := s.runVectorSearch(ctx, req, req.Limit)
	if res.err != nil {
		return nil, res.err
	}
	ranked := make([]rankedResult, len(res.vectorResults))
	for i, vr := range res.vectorResults {
		ranked[i] = rankedResult{chunkID: vr.ChunkID, score: vr.SimilarityScore, rank: i + 1}
	}
	results, err := s.fetchResults(ctx, req.TenantID, ranked, req.Limit, req.Filters.MinRelevance)
	if err != nil {
		return nil, err
	}
	return &SearchResponse{
		Results:       results,
		TotalResults:  len(results),
		VectorResults: len(res.vectorResults),
	}, nil
}

func (s *Searcher) keywordSearch(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	res := s.runTextSearch(ctx, req, req.Limit)
	if res.err != nil {
		return nil, res.err
	}
	ranked := make([]rankedResult, len(res.textResults))
	for i, tr := range res.textResults {
		ranked[i] = rankedResult{chunkID: tr.ChunkID, score: tr.BM25Score, rank: i + 1}
	}
	results, err := s.fetchResults(ctx, req.TenantID, ranked, req.Limit, req.Filters.MinRelevance)
	if err != nil {
		return nil, err
	}
	return &SearchResponse{
		Results:      results,
		TotalResults: len(results),
		TextResults:  len(res.textResults),
	}, nil
}

// FindSimilar returns live chunks whose vectors are closest to a code
// snippet or to a stored chunk. A stored source chunk is never returned.
func (s *Searcher) FindSimilar(ctx context.Context, tenantID string, req SimilarRequest) (*SearchResponse, error) {
	startTime := time.Now()
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	code := strings.TrimSpace(req.Code)
	if (code == "") == (req.ChunkID == 0) {
		return nil, ErrSimilarSource
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	req.Limit = min(req.Limit, MaxLimit)

	var (
		vec     []float32
		exclude []int64
		err     error
	)
	if req.ChunkID != 0 {
		vec, err = s.chunkVector(ctx, tenantID, req.ChunkID)
		exclude = []int64{req.ChunkID}
	} else {
		vec, err = s.embed.EmbedQuery(ctx, code)
	}
	if err != nil {
		return nil, err
	}

	hits, err := s.store.SimilaritySearch(ctx, storage.SimilarityQuery{
		TenantID:        tenantID,
		ProjectID:       req.ProjectID,
		Vector:          vec,
		TopK:            req.Limit,
		Languages:       req.Languages,
		MinScore:        req.MinScore,
		ExcludeChunkIDs: exclude,
	})
	if err != nil {
		return nil, err
	}
	ranked := make([]rankedResult, len(hits))
	for i, h := range hits {
		ranked[i] = rankedResult{chunkID: h.ChunkID, score: h.SimilarityScore, rank: i + 1}
	}
	results, err := s.fetchResults(ctx, tenantID, ranked, req.Limit, 0)
	if err != nil {
		return nil, err
	}
	return &SearchResponse{
		Results:       results,
		TotalResults:  len(results),
		SearchMode:    SearchModeVector,
		Duration:      time.Since(startTime),
		VectorResults: len(hits),
	}, nil
}

// chunkVector returns the stored vector of a chunk, embedding its content
// when the vector is missing (the chunk is waiting on a retry)
func (s *Searcher) chunkVector(ctx context.Context, tenantID string, chunkID int64) ([]float32, error) {
	chunk, err := s.store.GetChunk(ctx, tenantID, chunkID)
	if err != nil {
		return nil, fmt.Errorf("chunk %d: %w", chunkID, err)
	}
	emb, err := s.store.GetEmbedding(ctx, tenantID, chunk.ContentHash)
	switch {
	case err == nil:
		return emb.Vector, nil
	case errors.Is(err, storage.ErrNotFound):
		return s.embed.EmbedQuery(ctx, chunk.Content)
	default:
		return nil, err
	}
}

// rankedResult represents a chunk with its relevance score and rank
type rankedResult struct {
	chunkID int64
	score   float64
	rank    int
}

// applyRRF applies Reciprocal Rank Fusion to combine vector and text results.
// RRF(d) = sum 1/(k + rank(d)), divided by 2/(k+1) so a chunk ranked first
// by both lists scores 1.
func applyRRF(vectorResults []storage.VectorResult, textResults []storage.TextResult, k float64) []rankedResult {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	scores := make(map[int64]float64)
	for rank, vr := range vectorResults {
		scores[vr.ChunkID] += 1.0 / (k + float64(rank+1))
	}
	for rank, tr := range textResults {
		scores[tr.ChunkID] += 1.0 / (k + float64(rank+1))
	}

	norm := 2.0 / (k + 1)
	results := make([]rankedResult, 0, len(scores))
	for chunkID, score := range scores {
		results = append(results, rankedResult{chunkID: chunkID, score: score / norm})
	}
	sortRankedResults(results)
	for i := range results {
		results[i].rank = i + 1
	}
	return results
}

// fetchResults loads the ranked chunks in one query and drops results
// below minScore. Chunks removed since ranking are skipped.
func (s *Searcher) fetchResults(ctx context.Context, tenantID string, ranked []rankedResult, limit int, minScore float64) ([]types.SearchResult, error) {
	kept := make([]rankedResult, 0, min(limit, len(ranked)))
	for _, rr := range ranked {
		if len(kept) == limit {
			break
		}
		if rr.score < minScore {
			continue
		}
		kept = append(kept, rr)
	}
	if len(kept) == 0 {
		return []types.SearchResult{}, nil
	}

	ids := make([]int64, len(kept))
	for i, rr := range kept {
		ids[i] = rr.chunkID
	}
	chunks, err := s.store.GetChunks(ctx, tenantID, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*storage.Chunk, len(chunks))
	for _, c := range chunks {
		byID[c.ID] = c
	}

	results := make([]types.SearchResult, 0, len(kept))
	for _, rr := range kept {
		c, ok := byID[rr.chunkID]
		if !ok {
			continue
		}
		results = append(results, c.ToSearchResult(len(results)+1, clampScore(rr.score)))
	}
	return results, nil
}

func clampScore(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func (s *Searcher) validateRequest(req *SearchRequest) error {
	if err := tenant.Validate(req.TenantID); err != nil {
		return err
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return types.ErrEmptyQuery
	}
	if req.Limit <= 0 {
		req.Limit = DefaultLimit
	}
	if req.Limit > MaxLimit {
		req.Limit = MaxLimit
	}
	if req.Mode == "" {
		req.Mode = SearchModeHybrid
	}
	if req.RRFConstant <= 0 {
		req.RRFConstant = DefaultRRFConstant
	}
	if req.CacheTTL <= 0 {
		req.CacheTTL = s.ttl
	}
	return nil
}

// checkCache returns a copy of a live cached response or nil
func (s *Searcher) checkCache(key [32]byte) *SearchResponse {
	entry, found := s.cache.Get(key)
	if !found {
		return nil
	}
	if time.Now().After(entry.expiresAt) {
		s.cache.Remove(key)
		return nil
	}
	return copySearchResponse(entry.response)
}

func (s *Searcher) storeInCache(key [32]byte, req SearchRequest, response *SearchResponse) {
	s.cache.Add(key, &cacheEntry{
		tenantID:  req.TenantID,
		projectID: req.ProjectID,
		response:  copySearchResponse(response),
		expiresAt: time.Now().Add(req.CacheTTL),
	})
}

func copySearchResponse(src *SearchResponse) *SearchResponse {
	if src == nil {
		return nil
	}
	dst := *src
	dst.Results = append([]types.SearchResult(nil), src.Results...)
	return &dst
}

// computeQueryHash keys the cache by tenant, project, query and filters
func computeQueryHash(req SearchRequest) [32]byte {
	languages := append([]string(nil), req.Filters.Languages...)
	kinds := append([]string(nil), req.Filters.Kinds...)
	sort.Strings(languages)
	sort.Strings(kinds)

	var data strings.Builder
	fmt.Fprintf(&data, "%s\x00%d\x00%s\x00%s\x00%d\x00%g", req.TenantID, req.ProjectID, req.Query, req.Mode, req.Limit, req.RRFConstant)
	fmt.Fprintf(&data, "\x00%s\x00%s\x00%s\x00%.4f",
		strings.Join(languages, ","),
		strings.Join(kinds, ","),
		req.Filters.FilePattern,
		req.Filters.MinRelevance)
	return sha256.Sum256([]byte(data.String()))
}

func sortRankedResults(results []rankedResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].chunkID < results[j].chunkID
	})
}

// InvalidateProject drops cached responses of one project and of
// tenant-wide searches, which may include it
func (s *Searcher) InvalidateProject(tenantID string, projectID int64) int {
	removed := 0
	for _, key := range s.cache.Keys() {
		entry, ok := s.cache.Peek(key)
		if !ok || entry.tenantID != tenantID {
			continue
		}
		if entry.projectID == projectID || entry.projectID == 0 {
			s.cache.Remove(key)
			removed++
		}
	}
	return removed
}

// CacheLen returns the number of cached responses
func (s *Searcher) CacheLen() int {
	return s.cache.Len()
}
