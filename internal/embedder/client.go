package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Lookup reports which content hashes already have a stored vector for a tenant
type Lookup interface {
	ExistingHashes(ctx context.Context, tenantID string, hashes []string) (map[string]bool, error)
}

// Item is one text to embed, keyed by its content hash
type Item struct {
	Hash string
	Text string
}

// BatchResult is the outcome of EmbedBatch. Every distinct input hash ends up
// in exactly one of Vectors, Failed, or the Reused count.
type BatchResult struct {
	Vectors   map[string][]float32
	Failed    map[string]error
	Reused    int // already stored for the tenant
	CacheHits int // served from the in-memory cache
	Requested int // sent to the provider
}

// ClientOptions tunes batching, concurrency and pacing
type ClientOptions struct {
	BatchSize         int
	MaxConcurrent     int
	RequestsPerSecond float64 // <= 0 means unlimited
	Retry             RetryConfig
	CacheSize         int
	Logger            *slog.Logger
}

// Client embeds chunk texts through an Embedder with dedup, store reuse,
// bounded concurrency, pacing, retries and partial success.
type Client struct {
	emb     Embedder
	lookup  Lookup
	cache   *Cache
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	opts    ClientOptions
	logger  *slog.Logger
}

// NewClient creates a Client. lookup may be nil.
func NewClient(emb Embedder, lookup Lookup, opts ClientOptions) *Client {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.BatchSize > MaxBatchSize {
		opts.BatchSize = MaxBatchSize
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.Retry.MaxRetries <= 0 {
		opts.Retry = DefaultRetryConfig()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &Client{
		emb:     emb,
		lookup:  lookup,
		cache:   NewCache(opts.CacheSize),
		sem:     semaphore.NewWeighted(int64(opts.MaxConcurrent)),
		limiter: rate.NewLimiter(limit, opts.MaxConcurrent),
		opts:    opts,
		logger:  logger,
	}
}

// Embedder returns the underlying provider
func (c *Client) Embedder() Embedder {
	return c.emb
}

// EmbedBatch computes vectors for the items that are not yet stored for the
// tenant. Provider failures never fail the call; they are reported per hash
// in Failed. The returned error is non-nil only when the context ends or the
// store lookup fails.
func (c *Client) EmbedBatch(ctx context.Context, tenantID string, items []Item) (*BatchResult, error) {
	result := &BatchResult{
		Vectors: make(map[string][]float32),
		Failed:  make(map[string]error),
	}

	// dedupe, first text wins
	unique := make([]Item, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		if it.Hash == "" {
			it.Hash = ComputeHash(it.Text)
		}
		if seen[it.Hash] {
			continue
		}
		seen[it.Hash] = true
		if it.Text == "" {
			result.Failed[it.Hash] = fmt.Errorf("%w: %w", types.ErrEmbeddingProvider, ErrEmptyText)
			continue
		}
		unique = append(unique, it)
	}

	if c.lookup != nil && len(unique) > 0 {
		hashes := make([]string, len(unique))
		for i, it := range unique {
			hashes[i] = it.Hash
		}
		existing, err := c.lookup.ExistingHashes(ctx, tenantID, hashes)
		if err != nil {
			return nil, fmt.Errorf("lookup existing embeddings: %w", err)
		}
		pending := unique[:0]
		for _, it := range unique {
			if existing[it.Hash] {
				result.Reused++
				continue
			}
			pending = append(pending, it)
		}
		unique = pending
	}

	model := c.emb.Model()
	pending := make([]Item, 0, len(unique))
	for _, it := range unique {
		if vec, ok := c.cache.Get(model, it.Hash); ok {
			result.Vectors[it.Hash] = vec
			result.CacheHits++
			continue
		}
		pending = append(pending, it)
	}
	result.Requested = len(pending)

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	record := func(vectors map[string][]float32, failed map[string]error) {
		mu.Lock()
		defer mu.Unlock()
		for h, v := range vectors {
			result.Vectors[h] = v
			c.cache.Set(model, h, v)
		}
		for h, err := range failed {
			result.Failed[h] = err
		}
	}

	for start := 0; start < len(pending); start += c.opts.BatchSize {
		end := start + c.opts.BatchSize
		if end > len(pending) {
			end = len(pending)
		}
		batch := pending[start:end]

		if err := c.sem.Acquire(ctx, 1); err != nil {
			for _, it := range pending[start:] {
				result.Failed[it.Hash] = err
			}
			break
		}
		wg.Add(1)
		go func(batch []Item) {
			defer wg.Done()
			defer c.sem.Release(1)
			vectors := make(map[string][]float32, len(batch))
			failed := make(map[string]error)
			c.embedSplitting(ctx, batch, vectors, failed)
			record(vectors, failed)
		}(batch)
	}
	wg.Wait()

	if len(result.Failed) > 0 {
		c.logger.Warn("embedding batch partially failed",
			"tenant", tenantID,
			"requested", result.Requested,
			"failed", len(result.Failed))
	}

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// embedSplitting embeds batch, bisecting on failure so only the offending
// items end up in failed. Transient failures that outlast the retries are
// split too: a provider that throttles a few texts still embeds the rest.
func (c *Client) embedSplitting(ctx context.Context, batch []Item, vectors map[string][]float32, failed map[string]error) {
	vecs, err := c.call(ctx, batch)
	if err == nil {
		for i, it := range batch {
			vectors[it.Hash] = vecs[i]
		}
		return
	}

	if len(batch) == 1 || ctx.Err() != nil {
		wrapped := err
		if !errors.Is(err, types.ErrEmbeddingProvider) && ctx.Err() == nil {
			wrapped = fmt.Errorf("%w: %w", types.ErrEmbeddingProvider, err)
		}
		for _, it := range batch {
			failed[it.Hash] = wrapped
		}
		return
	}

	if isTransient(err) {
		c.logger.Debug("splitting batch after transient failure", "items", len(batch), "error", err)
	}
	mid := len(batch) / 2
	c.embedSplitting(ctx, batch[:mid], vectors, failed)
	c.embedSplitting(ctx, batch[mid:], vectors, failed)
}

// call sends one provider request with pacing and retries
func (c *Client) call(ctx context.Context, batch []Item) ([][]float32, error) {
	texts := make([]string, len(batch))
	for i, it := range batch {
		texts[i] = it.Text
	}

	return retryWithBackoff(ctx, c.opts.Retry, func() ([][]float32, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		resp, err := c.emb.GenerateBatch(ctx, BatchEmbeddingRequest{Texts: texts})
		if err != nil {
			return nil, err
		}
		if len(resp.Embeddings) != len(texts) {
			return nil, fmt.Errorf("%w: got %d embeddings for %d texts",
				types.ErrEmbeddingProvider, len(resp.Embeddings), len(texts))
		}
		out := make([][]float32, len(resp.Embeddings))
		for i, e := range resp.Embeddings {
			out[i] = e.Vector
		}
		return out, nil
	})
}

// EmbedQuery embeds a single search query
func (c *Client) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, ErrEmptyText
	}
	model := c.emb.Model()
	hash := ComputeHash(text)
	if vec, ok := c.cache.Get(model, hash); ok {
		return vec, nil
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	vecs, err := c.call(ctx, []Item{{Hash: hash, Text: text}})
	if err != nil {
		if errors.Is(err, types.ErrEmbeddingProvider) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", types.ErrEmbeddingProvider, err)
	}
	c.cache.Set(model, hash, vecs[0])
	return vecs[0], nil
}

// CacheSize returns the number of cached vectors
func (c *Client) CacheSize() int {
	return c.cache.Size()
}
