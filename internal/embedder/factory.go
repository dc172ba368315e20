package embedder

import (
	"fmt"
	"strings"
	"time"
)

// Environment variables consulted when no API key is configured
const (
	EnvJinaAPIKey   = "JINA_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"
)

// Config holds embedder configuration
type Config struct {
	Provider  string
	Model     string
	BaseURL   string
	APIKey    string
	Dimension int
	Timeout   time.Duration
}

// New creates an embedder with explicit configuration
func New(cfg Config) (Embedder, error) {
	opts := HTTPOptions{
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		Model:     cfg.Model,
		Dimension: cfg.Dimension,
		Timeout:   cfg.Timeout,
	}

	switch strings.ToLower(cfg.Provider) {
	case ProviderJina:
		return NewJinaProvider(opts)
	case ProviderOpenAI:
		return NewOpenAIProvider(opts)
	case ProviderOllama:
		return NewOllamaProvider(opts)
	case ProviderLocal, "":
		return NewLocalProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}
