package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderLocal  = "local"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultOllamaModel = "nomic-embed-text"
	DefaultLocalModel  = "local-embeddings"

	// Default endpoints
	DefaultJinaURL   = "https://api.jina.ai/v1/embeddings"
	DefaultOpenAIURL = "https://api.openai.com/v1/embeddings"
	DefaultOllamaURL = "http://localhost:11434"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536
	OllamaDimension = 768
	LocalDimension  = 384

	// Batch limits
	DefaultBatchSize = 50
	MaxBatchSize     = 100

	// Retry configuration
	MaxRetries        = 3
	InitialBackoffMs  = 100
	MaxBackoffMs      = 5000
	BackoffMultiplier = 2.0

	maxErrorBody = 512
)

// ProviderError is a non-success HTTP response from a provider.
type ProviderError struct {
	Provider   string
	StatusCode int
	RetryAfter time.Duration
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s api error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Is matches ErrRateLimited for 429 responses and ErrEmbeddingProvider always.
func (e *ProviderError) Is(target error) bool {
	switch target {
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	case types.ErrEmbeddingProvider:
		return true
	}
	return false
}

// Transient reports whether retrying the same request may succeed.
func (e *ProviderError) Transient() bool {
	return e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode >= 500
}

// wireFormat encodes a batch request and decodes the response for one API family
type wireFormat interface {
	endpoint(base string) string
	encode(texts []string, model string, dimension int) any
	decode(r io.Reader) (vectors [][]float32, model string, err error)
}

// HTTPProvider implements Embedder over an HTTP embeddings API
type HTTPProvider struct {
	name       string
	apiKey     string
	baseURL    string
	model      string
	dimension  int
	format     wireFormat
	httpClient *http.Client
}

// HTTPOptions configures an HTTP provider. Zero values take provider defaults.
type HTTPOptions struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
}

func newHTTPProvider(name string, format wireFormat, opts HTTPOptions, defModel, defURL string, defDim int) *HTTPProvider {
	if opts.Model == "" {
		opts.Model = defModel
	}
	if opts.BaseURL == "" {
		opts.BaseURL = defURL
	}
	if opts.Dimension <= 0 {
		opts.Dimension = defDim
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &HTTPProvider{
		name:      name,
		apiKey:    opts.APIKey,
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		model:     opts.Model,
		dimension: opts.Dimension,
		format:    format,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
	}
}

// NewJinaProvider creates a Jina AI embedder
func NewJinaProvider(opts HTTPOptions) (*HTTPProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvJinaAPIKey)
	}
	return newHTTPProvider(ProviderJina, openAIFormat{}, opts, DefaultJinaModel, DefaultJinaURL, JinaDimension), nil
}

// NewOpenAIProvider creates an OpenAI embedder
func NewOpenAIProvider(opts HTTPOptions) (*HTTPProvider, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvOpenAIAPIKey)
	}
	return newHTTPProvider(ProviderOpenAI, openAIFormat{sendDimensions: opts.Dimension > 0}, opts, DefaultOpenAIModel, DefaultOpenAIURL, OpenAIDimension), nil
}

// NewOllamaProvider creates an embedder for a local Ollama server
func NewOllamaProvider(opts HTTPOptions) (*HTTPProvider, error) {
	return newHTTPProvider(ProviderOllama, ollamaFormat{}, opts, DefaultOllamaModel, DefaultOllamaURL, OllamaDimension), nil
}

func (p *HTTPProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{
		Texts: []string{req.Text},
		Model: req.Model,
	})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0], nil
}

func (p *HTTPProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.model
	}

	vectors, respModel, err := p.callAPI(ctx, req.Texts, model)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(req.Texts) {
		return nil, fmt.Errorf("%w: %s returned %d embeddings for %d texts",
			types.ErrEmbeddingProvider, p.name, len(vectors), len(req.Texts))
	}
	if respModel == "" {
		respModel = model
	}

	embeddings := make([]*Embedding, len(vectors))
	for i, vec := range vectors {
		if len(vec) == 0 {
			return nil, fmt.Errorf("%w: %s returned an empty vector at index %d", types.ErrEmbeddingProvider, p.name, i)
		}
		embeddings[i] = &Embedding{
			Vector:    vec,
			Dimension: len(vec),
			Provider:  p.name,
			Model:     respModel,
			Hash:      ComputeHash(req.Texts[i]),
		}
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   p.name,
		Model:      respModel,
	}, nil
}

func (p *HTTPProvider) callAPI(ctx context.Context, texts []string, model string) ([][]float32, string, error) {
	body, err := json.Marshal(p.format.encode(texts, model, p.dimension))
	if err != nil {
		return nil, "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.format.endpoint(p.baseURL), bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("%s api call: %w", p.name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, "", &ProviderError{
			Provider:   p.name,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Body:       strings.TrimSpace(string(bodyBytes)),
		}
	}

	vectors, respModel, err := p.format.decode(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("%w: decode %s response: %v", types.ErrEmbeddingProvider, p.name, err)
	}
	return vectors, respModel, nil
}

func (p *HTTPProvider) Dimension() int {
	return p.dimension
}

func (p *HTTPProvider) Provider() string {
	return p.name
}

func (p *HTTPProvider) Model() string {
	return p.model
}

func (p *HTTPProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// openAIFormat is the /v1/embeddings request shape shared by OpenAI and Jina
type openAIFormat struct {
	sendDimensions bool
}

func (openAIFormat) endpoint(base string) string { return base }

func (f openAIFormat) encode(texts []string, model string, dimension int) any {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": model,
	}
	if f.sendDimensions {
		reqBody["dimensions"] = dimension
	}
	return reqBody
}

func (openAIFormat) decode(r io.Reader) ([][]float32, string, error) {
	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Model string `json:"model"`
	}
	if err := json.NewDecoder(r).Decode(&apiResp); err != nil {
		return nil, "", err
	}

	sort.SliceStable(apiResp.Data, func(i, j int) bool {
		return apiResp.Data[i].Index < apiResp.Data[j].Index
	})
	vectors := make([][]float32, len(apiResp.Data))
	for i, d := range apiResp.Data {
		vectors[i] = d.Embedding
	}
	return vectors, apiResp.Model, nil
}

// ollamaFormat is Ollama's /api/embed shape
type ollamaFormat struct{}

func (ollamaFormat) endpoint(base string) string { return base + "/api/embed" }

func (ollamaFormat) encode(texts []string, model string, _ int) any {
	return map[string]interface{}{
		"model": model,
		"input": texts,
	}
}

func (ollamaFormat) decode(r io.Reader) ([][]float32, string, error) {
	var apiResp struct {
		Model      string      `json:"model"`
		Embeddings [][]float32 `json:"embeddings"`
	}
	if err := json.NewDecoder(r).Decode(&apiResp); err != nil {
		return nil, "", err
	}
	return apiResp.Embeddings, apiResp.Model, nil
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// LocalProvider derives deterministic unit vectors from text hashes. It needs
// no network and keeps identical text at identical vectors, which is enough
// for offline use and tests but carries no semantic signal.
type LocalProvider struct {
	model     string
	dimension int
}

// NewLocalProvider creates a local embedder. dimension <= 0 uses LocalDimension.
func NewLocalProvider(dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{
		model:     DefaultLocalModel,
		dimension: dimension,
	}
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Embedding{
		Vector:    localVector(req.Text, l.dimension),
		Dimension: l.dimension,
		Provider:  ProviderLocal,
		Model:     l.model,
		Hash:      ComputeHash(req.Text),
	}, nil
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text, Model: req.Model})
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		embeddings[i] = emb
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

func (l *LocalProvider) Dimension() int {
	return l.dimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}

// localVector stretches sha256(text || counter) blocks over dim components
// in [-1, 1] and normalizes.
func localVector(text string, dim int) []float32 {
	vector := make([]float32, dim)
	var counter [4]byte
	for i := 0; i < dim; {
		binary.LittleEndian.PutUint32(counter[:], uint32(i))
		block := sha256.Sum256(append([]byte(text), counter[:]...))
		for j := 0; j+1 < len(block) && i < dim; j += 2 {
			v := binary.LittleEndian.Uint16(block[j:])
			vector[i] = float32(v)/32767.5 - 1
			i++
		}
	}
	return NormalizeVector(vector)
}

// NormalizeVector normalizes a vector to unit length (for cosine similarity)
func NormalizeVector(v []float32) []float32 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}

	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	result := make([]float32, len(v))
	for i, val := range v {
		result[i] = val / norm
	}

	return result
}

// isTransient reports whether err is worth retrying
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Transient()
	}
	if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrBatchTooLarge) || errors.Is(err, ErrEmptyText) {
		return false
	}
	if errors.Is(err, types.ErrEmbeddingProvider) {
		// malformed or short responses
		return false
	}
	// transport failures and timeouts
	return true
}
