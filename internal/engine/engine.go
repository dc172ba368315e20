package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/dshills/codeindex-mcp/internal/chunker"
	"github.com/dshills/codeindex-mcp/internal/codesearch"
	"github.com/dshills/codeindex-mcp/internal/config"
	"github.com/dshills/codeindex-mcp/internal/embedder"
	"github.com/dshills/codeindex-mcp/internal/gitsync"
	"github.com/dshills/codeindex-mcp/internal/index"
	"github.com/dshills/codeindex-mcp/internal/ingest"
	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/internal/searcher"
	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/internal/watcher"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

var (
	// ErrNotIndexed is returned by semantic operations on a project that
	// was never ingested
	ErrNotIndexed = errors.New("project not indexed")
	// ErrIngestionInProgress is returned when a project's queue is full
	ErrIngestionInProgress = types.ErrIngestionInProgress
)

// Deps overrides components Open would otherwise build from configuration.
// Nil fields are built.
type Deps struct {
	Store     storage.Storage
	Embedder  embedder.Embedder
	GitRunner gitsync.Runner
	Tools     []codesearch.Tool
	Logger    *slog.Logger
}

// Engine composes the index, search, ingestion and watch components behind
// operations that take an explicit project id. The tenant comes from the
// request context.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	store    storage.Storage
	snapshot *index.Snapshot
	index    *index.Manager
	dispatch *codesearch.Dispatcher
	provider embedder.Embedder
	embed    *embedder.Client
	searcher *searcher.Searcher
	git      *gitsync.Client
	pipeline *ingest.Pipeline
	queue    *ingest.Queue
	watch    *watcher.Coordinator

	watchMu  sync.Mutex
	watchCfg map[string]watchSettings // per-project overrides by ProjectRef.Key

	// background submissions (webhooks, watch batches) live as long as
	// the engine
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open builds an Engine from configuration
func Open(cfg *config.Config, deps Deps) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Component("engine")
	}
	e := &Engine{cfg: cfg, logger: logger, watchCfg: make(map[string]watchSettings)}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	ok := false
	defer func() {
		if !ok {
			_ = e.Close()
		}
	}()

	e.store = deps.Store
	if e.store == nil {
		store, err := openStore(cfg)
		if err != nil {
			return nil, err
		}
		e.store = store
	}

	if cfg.Index.StatePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Index.StatePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create index state directory: %w", err)
		}
		snap, err := index.OpenSnapshot(cfg.Index.StatePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open index snapshot: %w", err)
		}
		e.snapshot = snap
	}
	e.index = index.New(nil, index.Options{
		Ignore:      cfg.Index.Ignore,
		MaxFileSize: cfg.Index.MaxFileSize,
		Workers:     cfg.Index.Workers,
		Snapshot:    e.snapshot,
		Logger:      logging.Component("index"),
	})

	tools := deps.Tools
	if tools == nil {
		var err error
		if tools, err = codesearch.ToolsFromNames(cfg.Search.Tools); err != nil {
			return nil, err
		}
	}
	e.dispatch = codesearch.NewDispatcher(codesearch.DispatcherOptions{
		Tools:       tools,
		ScanWorkers: cfg.Index.Workers,
		MaxResults:  cfg.Search.MaxResults,
		Logger:      logging.Component("search"),
	})

	e.provider = deps.Embedder
	if e.provider == nil {
		provider, err := embedder.New(embedder.Config{
			Provider:  cfg.Embedding.Provider,
			Model:     cfg.Embedding.Model,
			BaseURL:   cfg.Embedding.BaseURL,
			APIKey:    cfg.Embedding.APIKey,
			Dimension: cfg.Embedding.Dimension,
			Timeout:   cfg.Embedding.Timeout.Duration,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize embedder: %w", err)
		}
		e.provider = provider
	}
	retry := embedder.DefaultRetryConfig()
	retry.MaxRetries = cfg.Embedding.MaxRetries
	e.embed = embedder.NewClient(e.provider, e.store, embedder.ClientOptions{
		BatchSize:         cfg.Embedding.BatchSize,
		MaxConcurrent:     cfg.Embedding.MaxConcurrent,
		RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		Retry:             retry,
		CacheSize:         cfg.Embedding.CacheSize,
		Logger:            logging.Component("embedder"),
	})
	e.searcher = searcher.New(e.store, e.embed, searcher.Options{
		CacheSize: cfg.Search.CacheSize,
		CacheTTL:  cfg.Search.CacheTTL.Duration,
		Logger:    logging.Component("search"),
	})

	runner := deps.GitRunner
	if runner == nil {
		runner = &gitsync.ExecRunner{Binary: cfg.Ingest.GitBinary}
	}
	e.git = gitsync.New(runner, logging.Component("git"))

	e.pipeline = ingest.NewPipeline(e.store, e.index, chunker.New(chunker.Options{
		MaxChunkLines: cfg.Chunking.MaxChunkLines,
		MaxChunkBytes: cfg.Chunking.MaxChunkBytes,
		WindowLines:   cfg.Chunking.WindowLines,
		OverlapLines:  cfg.Chunking.OverlapLines,
	}), e.embed, e.git, ingest.Options{
		Workers:          cfg.Index.Workers,
		MaxRetryAttempts: cfg.Ingest.MaxRetryAttempts,
		Logger:           logging.Component("ingest"),
	})
	e.queue = ingest.NewQueue(e.pipeline, ingest.QueueOptions{
		Depth:  cfg.Ingest.QueueDepth,
		Logger: logging.Component("ingest"),
	})

	e.watch = watcher.NewCoordinator(e.index, watcher.CoordinatorOptions{
		Watch: watcher.Options{
			Debounce:     cfg.Watch.Debounce.Duration,
			PollInterval: cfg.Watch.PollInterval.Duration,
		},
		OnBatch: e.onBatch,
		Logger:  logging.Component("watcher"),
	})

	ok = true
	logger.Info("engine ready",
		"storage", cfg.Storage.Path,
		"driver", storage.DriverName,
		"embedding_provider", e.provider.Provider(),
		"embedding_model", e.provider.Model())
	return e, nil
}

func openStore(cfg *config.Config) (storage.Storage, error) {
	if cfg.Storage.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	store, err := storage.NewSQLiteStorage(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	if cfg.Search.UseANN {
		store.EnableANN(cfg.Search.ANNMinNodes)
	}
	return store, nil
}

// Config returns the configuration the engine was opened with
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// Close stops watchers and queued work, then releases storage. It is safe
// to call more than once.
func (e *Engine) Close() error {
	var errs []error
	e.closeOnce.Do(func() {
		e.cancel()
		if e.watch != nil {
			errs = append(errs, e.watch.Close())
		}
		if e.queue != nil {
			errs = append(errs, e.queue.Close())
		}
		e.wg.Wait()
		if e.provider != nil {
			errs = append(errs, e.provider.Close())
		}
		if e.snapshot != nil {
			errs = append(errs, e.snapshot.Close())
		}
		if e.store != nil {
			errs = append(errs, e.store.Close())
		}
	})
	return errors.Join(errs...)
}
