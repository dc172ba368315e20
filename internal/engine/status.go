package engine

import (
	"context"
	"time"

	"github.com/dshills/codeindex-mcp/internal/ingest"
	"github.com/dshills/codeindex-mcp/internal/logging"
	"github.com/dshills/codeindex-mcp/internal/storage"
	"github.com/dshills/codeindex-mcp/internal/tenant"
)

const recentLogEntries = 20

// Default garbage collection ages
const (
	DefaultStaleAge = 24 * time.Hour
	DefaultEventAge = 30 * 24 * time.Hour
)

// StatusReport is the combined view of a project's stores and workers
type StatusReport struct {
	Project ProjectInfo `json:"project"`

	Shallow struct {
		Files    int  `json:"files"`
		Watching bool `json:"watching"`
	} `json:"shallow_index"`

	Semantic struct {
		Files       int     `json:"files"`
		Pending     int     `json:"pending_files"`
		Chunks      int     `json:"chunks"`
		StaleChunks int     `json:"stale_chunks"`
		Embeddings  int     `json:"embeddings"`
		RetryQueue  int     `json:"retry_queue"`
		IndexSizeMB float64 `json:"index_size_mb"`
	} `json:"semantic_index"`

	Sync      *SyncInfo     `json:"sync,omitempty"`
	Ingestion ingest.Status `json:"ingestion"`

	Embedding struct {
		Provider  string `json:"provider"`
		Model     string `json:"model"`
		Dimension int    `json:"dimension"`
		CacheSize int    `json:"cache_size"`
	} `json:"embedding"`

	SearchTool   string          `json:"search_tool"`
	Health       HealthInfo      `json:"health"`
	RecentEvents []logging.Entry `json:"recent_events,omitempty"`
}

// SyncInfo is the stored git cursor
type SyncInfo struct {
	Branch      string    `json:"branch,omitempty"`
	LastCommit  string    `json:"last_commit,omitempty"`
	LastEventID string    `json:"last_event_id,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HealthInfo flags the components a project depends on
type HealthInfo struct {
	DatabaseAccessible  bool `json:"database_accessible"`
	EmbeddingsAvailable bool `json:"embeddings_available"`
	FTSIndexesBuilt     bool `json:"fts_indexes_built"`
	VectorExtension     bool `json:"vector_extension"`
}

// Status reports on one project of the caller's tenant
func (e *Engine) Status(ctx context.Context, projectID int64) (*StatusReport, error) {
	p, ref, err := e.project(ctx, projectID)
	if err != nil {
		return nil, err
	}
	st, err := e.store.GetStatus(ctx, p.TenantID, p.ID)
	if err != nil {
		return nil, err
	}

	r := &StatusReport{Project: projectInfo(p)}
	r.Shallow.Files = len(e.index.Paths(ref))
	r.Shallow.Watching = e.watch.Watching(ref)

	r.Semantic.Files = st.FilesCount
	r.Semantic.Pending = st.PendingFiles
	r.Semantic.Chunks = st.ChunksCount
	r.Semantic.StaleChunks = st.StaleChunks
	r.Semantic.Embeddings = st.EmbeddingsCount
	r.Semantic.RetryQueue = st.RetryQueue
	r.Semantic.IndexSizeMB = st.IndexSizeMB

	if st.Sync != nil {
		r.Sync = &SyncInfo{
			Branch:      st.Sync.Branch,
			LastCommit:  st.Sync.LastCommit,
			LastEventID: st.Sync.LastEventID,
			UpdatedAt:   st.Sync.UpdatedAt,
		}
	}
	r.Ingestion = e.queue.Status(p.TenantID, p.ID)

	r.Embedding.Provider = e.provider.Provider()
	r.Embedding.Model = e.provider.Model()
	r.Embedding.Dimension = e.provider.Dimension()
	r.Embedding.CacheSize = e.embed.CacheSize()

	r.SearchTool = e.dispatch.Active(ctx)
	r.Health = HealthInfo(st.Health)
	r.RecentEvents = logging.Entries(recentLogEntries)
	return r, nil
}

// GCRequest sets the ages past which stale chunks and processed event ids
// are removed. Zero values use the defaults.
type GCRequest struct {
	StaleAge time.Duration `json:"stale_age,omitempty"`
	EventAge time.Duration `json:"event_age,omitempty"`
}

// GCResult reports what a collection removed
type GCResult struct {
	ChunksDeleted     int `json:"chunks_deleted"`
	EmbeddingsDeleted int `json:"embeddings_deleted"`
	EventsDeleted     int `json:"events_deleted"`
}

// GarbageCollect removes the caller's old stale chunks, embeddings no chunk
// references, and old processed event ids
func (e *Engine) GarbageCollect(ctx context.Context, req GCRequest) (*GCResult, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, err
	}
	if req.StaleAge <= 0 {
		req.StaleAge = DefaultStaleAge
	}
	if req.EventAge <= 0 {
		req.EventAge = DefaultEventAge
	}
	now := time.Now()
	res, err := e.store.GarbageCollect(ctx, tenantID, storage.GCOptions{
		StaleBefore:  now.Add(-req.StaleAge),
		EventsBefore: now.Add(-req.EventAge),
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info("garbage collected",
		"tenant", tenantID,
		"chunks", res.ChunksDeleted,
		"embeddings", res.EmbeddingsDeleted,
		"events", res.EventsDeleted)
	return &GCResult{
		ChunksDeleted:     res.ChunksDeleted,
		EmbeddingsDeleted: res.EmbeddingsDeleted,
		EventsDeleted:     res.EventsDeleted,
	}, nil
}
