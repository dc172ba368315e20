package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// DefaultConfigFile is the file name looked up in the data directory.
const DefaultConfigFile = "config.toml"

// Duration is a time.Duration that decodes from strings like "500ms".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the complete engine configuration.
type Config struct {
	DataDir   string          `toml:"data_dir"`
	Storage   StorageConfig   `toml:"storage"`
	Index     IndexConfig     `toml:"index"`
	Chunking  ChunkingConfig  `toml:"chunking"`
	Embedding EmbeddingConfig `toml:"embedding"`
	Search    SearchConfig    `toml:"search"`
	Ingest    IngestConfig    `toml:"ingest"`
	Webhook   WebhookConfig   `toml:"webhook"`
	Watch     WatchConfig     `toml:"watch"`
	Tenant    TenantConfig    `toml:"tenant"`
	Log       LogConfig       `toml:"log"`
}

// StorageConfig locates the vector store database.
type StorageConfig struct {
	Path string `toml:"path"`
}

// IndexConfig controls the shallow and deep index.
type IndexConfig struct {
	StatePath   string   `toml:"state_path"` // bbolt snapshot; empty disables persistence
	Ignore      []string `toml:"ignore"`
	MaxFileSize int64    `toml:"max_file_size"`
	Workers     int      `toml:"workers"`
}

// ChunkingConfig holds chunk size thresholds and window overlap.
type ChunkingConfig struct {
	MaxChunkLines int `toml:"max_chunk_lines"`
	MaxChunkBytes int `toml:"max_chunk_bytes"`
	WindowLines   int `toml:"window_lines"`
	OverlapLines  int `toml:"overlap_lines"`
}

// EmbeddingConfig selects and tunes the embedding provider.
type EmbeddingConfig struct {
	Provider          string   `toml:"provider"` // jina, openai, ollama, local
	Model             string   `toml:"model"`
	BaseURL           string   `toml:"base_url"`
	APIKey            string   `toml:"api_key"`
	Dimension         int      `toml:"dimension"`
	BatchSize         int      `toml:"batch_size"`
	MaxConcurrent     int      `toml:"max_concurrent"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	MaxRetries        int      `toml:"max_retries"`
	Timeout           Duration `toml:"timeout"`
	CacheSize         int      `toml:"cache_size"`
}

// SearchConfig controls the search dispatcher and the semantic searcher.
type SearchConfig struct {
	Tools       []string `toml:"tools"` // preference order, e.g. ["ugrep","ripgrep","ag","grep"]
	MaxResults  int      `toml:"max_results"`
	CacheSize   int      `toml:"cache_size"`
	CacheTTL    Duration `toml:"cache_ttl"`
	UseANN      bool     `toml:"use_ann"`
	ANNMinNodes int      `toml:"ann_min_nodes"` // below this the store scans exactly
}

// IngestConfig controls git-sync ingestion.
type IngestConfig struct {
	WorkDir          string `toml:"work_dir"`
	MaxRetryAttempts int    `toml:"max_retry_attempts"`
	QueueDepth       int    `toml:"queue_depth"`
	GitBinary        string `toml:"git_binary"`
}

// WebhookConfig configures the webhook receiver.
type WebhookConfig struct {
	Addr            string   `toml:"addr"`
	GitHubSecret    string   `toml:"github_secret"`
	GitLabToken     string   `toml:"gitlab_token"`
	GiteaSecret     string   `toml:"gitea_secret"`
	BitbucketSecret string   `toml:"bitbucket_secret"`
	MaxBodyBytes    int64    `toml:"max_body_bytes"`
	MinInterval     Duration `toml:"min_interval"` // per repository; zero disables rate limiting
}

// WatchConfig controls the file watcher.
type WatchConfig struct {
	Debounce     Duration `toml:"debounce"`
	PollInterval Duration `toml:"poll_interval"`
	AutoIngest   bool     `toml:"auto_ingest"`
}

// TenantConfig names the tenant used when the transport carries no identity.
type TenantConfig struct {
	Default string `toml:"default"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// DefaultDataDir returns ~/.codeindex, or a relative .codeindex when the
// home directory is unknown.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".codeindex"
	}
	return filepath.Join(home, ".codeindex")
}

// Load reads .env, then the config file at path (or the default location when
// path is empty and the file exists), then applies environment overrides,
// defaults and validation.
func Load(path string) (*Config, error) {
	// .env is optional; a missing file is not an error
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if path == "" {
		dataDir := os.Getenv("CODEINDEX_DATA_DIR")
		if dataDir == "" {
			dataDir = DefaultDataDir()
		}
		candidate := filepath.Join(dataDir, DefaultConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}

	if path == "" {
		cfg := &Config{}
		cfg.ApplyEnvOverrides()
		cfg.SetDefaults()
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads configuration from a specific TOML file.
func LoadFromPath(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode TOML config %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes TOML text. Used by tests and embedded configurations.
func Parse(data string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.Decode(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode TOML config: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SetDefaults fills zero values with defaults.
func (c *Config) SetDefaults() {
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir()
	}
	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "codeindex.db")
	}

	if c.Index.MaxFileSize == 0 {
		c.Index.MaxFileSize = 1 << 20
	}
	if c.Index.Workers == 0 {
		c.Index.Workers = 8
	}

	if c.Chunking.MaxChunkLines == 0 {
		c.Chunking.MaxChunkLines = 200
	}
	if c.Chunking.MaxChunkBytes == 0 {
		c.Chunking.MaxChunkBytes = 8000
	}
	if c.Chunking.WindowLines == 0 {
		c.Chunking.WindowLines = 60
	}
	if c.Chunking.OverlapLines == 0 {
		c.Chunking.OverlapLines = 10
	}

	if c.Embedding.Provider == "" {
		c.Embedding.Provider = "local"
	}
	if c.Embedding.BatchSize == 0 {
		c.Embedding.BatchSize = 50
	}
	if c.Embedding.MaxConcurrent == 0 {
		c.Embedding.MaxConcurrent = 4
	}
	if c.Embedding.RequestsPerSecond == 0 {
		c.Embedding.RequestsPerSecond = 10
	}
	if c.Embedding.MaxRetries == 0 {
		c.Embedding.MaxRetries = 3
	}
	if c.Embedding.Timeout.Duration == 0 {
		c.Embedding.Timeout.Duration = 30 * time.Second
	}
	if c.Embedding.CacheSize == 0 {
		c.Embedding.CacheSize = 1000
	}

	if len(c.Search.Tools) == 0 {
		c.Search.Tools = []string{"ugrep", "ripgrep", "ag", "grep"}
	}
	if c.Search.MaxResults == 0 {
		c.Search.MaxResults = 200
	}
	if c.Search.CacheSize == 0 {
		c.Search.CacheSize = 1000
	}
	if c.Search.CacheTTL.Duration == 0 {
		c.Search.CacheTTL.Duration = 5 * time.Minute
	}
	if c.Search.ANNMinNodes == 0 {
		c.Search.ANNMinNodes = 1000
	}

	if c.Ingest.WorkDir == "" {
		c.Ingest.WorkDir = filepath.Join(c.DataDir, "repos")
	}
	if c.Ingest.MaxRetryAttempts == 0 {
		c.Ingest.MaxRetryAttempts = 5
	}
	if c.Ingest.QueueDepth == 0 {
		c.Ingest.QueueDepth = 16
	}
	if c.Ingest.GitBinary == "" {
		c.Ingest.GitBinary = "git"
	}

	if c.Webhook.Addr == "" {
		c.Webhook.Addr = ":8787"
	}
	if c.Webhook.MaxBodyBytes == 0 {
		c.Webhook.MaxBodyBytes = 5 << 20
	}

	if c.Watch.Debounce.Duration == 0 {
		c.Watch.Debounce.Duration = 500 * time.Millisecond
	}
	if c.Watch.PollInterval.Duration == 0 {
		c.Watch.PollInterval.Duration = 2 * time.Second
	}

	if c.Tenant.Default == "" {
		c.Tenant.Default = "default"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// ApplyEnvOverrides applies environment variable overrides.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CODEINDEX_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("CODEINDEX_DB_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("CODEINDEX_STATE_PATH"); v != "" {
		c.Index.StatePath = v
	}
	if v := os.Getenv("CODEINDEX_EMBEDDING_PROVIDER"); v != "" {
		c.Embedding.Provider = v
	}
	if v := os.Getenv("CODEINDEX_EMBEDDING_MODEL"); v != "" {
		c.Embedding.Model = v
	}
	if v := os.Getenv("CODEINDEX_EMBEDDING_URL"); v != "" {
		c.Embedding.BaseURL = v
	}
	if c.Embedding.APIKey == "" {
		switch strings.ToLower(c.Embedding.Provider) {
		case "jina":
			c.Embedding.APIKey = os.Getenv("JINA_API_KEY")
		case "openai":
			c.Embedding.APIKey = os.Getenv("OPENAI_API_KEY")
		}
	}
	if v := os.Getenv("CODEINDEX_USE_ANN"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Search.UseANN = b
		}
	}
	if v := os.Getenv("CODEINDEX_WEBHOOK_ADDR"); v != "" {
		c.Webhook.Addr = v
	}
	if v := os.Getenv("GITHUB_WEBHOOK_SECRET"); v != "" {
		c.Webhook.GitHubSecret = v
	}
	if v := os.Getenv("GITLAB_WEBHOOK_SECRET"); v != "" {
		c.Webhook.GitLabToken = v
	}
	if v := os.Getenv("GITEA_WEBHOOK_SECRET"); v != "" {
		c.Webhook.GiteaSecret = v
	}
	if v := os.Getenv("BITBUCKET_WEBHOOK_SECRET"); v != "" {
		c.Webhook.BitbucketSecret = v
	}
	if v := os.Getenv("CODEINDEX_TENANT"); v != "" {
		c.Tenant.Default = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	var errs ValidateErrors

	validProviders := map[string]bool{"jina": true, "openai": true, "ollama": true, "local": true}
	if !validProviders[strings.ToLower(c.Embedding.Provider)] {
		errs = append(errs, ValidationError{
			Field:   "embedding.provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: jina, openai, ollama, local", c.Embedding.Provider),
		})
	}
	if c.Embedding.BatchSize < 1 || c.Embedding.BatchSize > 100 {
		errs = append(errs, ValidationError{Field: "embedding.batch_size", Message: "must be between 1 and 100"})
	}
	if c.Embedding.MaxConcurrent < 1 {
		errs = append(errs, ValidationError{Field: "embedding.max_concurrent", Message: "must be at least 1"})
	}
	if c.Embedding.RequestsPerSecond < 0 {
		errs = append(errs, ValidationError{Field: "embedding.requests_per_second", Message: "must not be negative"})
	}

	if c.Chunking.MaxChunkLines < 1 {
		errs = append(errs, ValidationError{Field: "chunking.max_chunk_lines", Message: "must be at least 1"})
	}
	if c.Chunking.MaxChunkBytes < 1 {
		errs = append(errs, ValidationError{Field: "chunking.max_chunk_bytes", Message: "must be at least 1"})
	}
	if c.Chunking.WindowLines < 1 {
		errs = append(errs, ValidationError{Field: "chunking.window_lines", Message: "must be at least 1"})
	}
	if c.Chunking.OverlapLines < 0 || c.Chunking.OverlapLines >= c.Chunking.WindowLines {
		errs = append(errs, ValidationError{
			Field:   "chunking.overlap_lines",
			Message: fmt.Sprintf("must be between 0 and window_lines-1 (%d)", c.Chunking.WindowLines-1),
		})
	}

	validTools := map[string]bool{"ugrep": true, "ripgrep": true, "ag": true, "grep": true}
	for _, tool := range c.Search.Tools {
		if !validTools[tool] {
			errs = append(errs, ValidationError{
				Field:   "search.tools",
				Message: fmt.Sprintf("unknown tool '%s', must be one of: ugrep, ripgrep, ag, grep", tool),
			})
		}
	}

	if c.Index.Workers < 1 {
		errs = append(errs, ValidationError{Field: "index.workers", Message: "must be at least 1"})
	}
	if c.Watch.Debounce.Duration < 0 {
		errs = append(errs, ValidationError{Field: "watch.debounce", Message: "must not be negative"})
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.Log.Format)] {
		errs = append(errs, ValidationError{Field: "log.format", Message: "must be text or json"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
