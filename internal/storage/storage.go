package storage

import (
	"context"
	"time"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

// Storage defines the interface for persisting and querying indexed code
// data. Every operation is scoped to a tenant.
type Storage interface {
	Writer

	// Project operations
	CreateProject(ctx context.Context, project *Project) error
	GetProject(ctx context.Context, tenantID string, projectID int64) (*Project, error)
	GetProjectByName(ctx context.Context, tenantID, name string) (*Project, error)
	ListProjects(ctx context.Context, tenantID string) ([]*Project, error)
	ListProjectsByRemote(ctx context.Context, remoteURL string) ([]*Project, error)
	UpdateProject(ctx context.Context, project *Project) error
	SoftDeleteProject(ctx context.Context, tenantID string, projectID int64) error

	// File operations
	ListFiles(ctx context.Context, tenantID string, projectID int64) ([]*File, error)

	// Chunk operations
	GetChunk(ctx context.Context, tenantID string, chunkID int64) (*Chunk, error)
	GetChunks(ctx context.Context, tenantID string, chunkIDs []int64) ([]*Chunk, error)
	DeleteChunksByProject(ctx context.Context, tenantID string, projectID int64) (int, error)

	// Embedding operations
	GetEmbedding(ctx context.Context, tenantID, contentHash string) (*Embedding, error)

	// Search operations
	SimilaritySearch(ctx context.Context, q SimilarityQuery) ([]VectorResult, error)
	SearchText(ctx context.Context, q TextQuery) ([]TextResult, error)

	// Sync operations
	GetSyncState(ctx context.Context, tenantID string, projectID int64) (*SyncState, error)
	SaveSyncState(ctx context.Context, state *SyncState) error
	ListRetryItems(ctx context.Context, tenantID string, projectID int64) ([]RetryItem, error)
	RecordEvent(ctx context.Context, tenantID string, projectID int64, eventID, commit string) (bool, error)
	EventSeen(ctx context.Context, tenantID string, projectID int64, eventID string) (bool, error)

	// Maintenance
	GarbageCollect(ctx context.Context, tenantID string, opts GCOptions) (*GCResult, error)
	GetStatus(ctx context.Context, tenantID string, projectID int64) (*ProjectStatus, error)

	// Database operations
	Close() error
	BeginTx(ctx context.Context) (Tx, error)
}

// Writer holds the operations an ingestion commit performs inside one
// transaction.
type Writer interface {
	UpsertFile(ctx context.Context, file *File) error
	GetFile(ctx context.Context, tenantID string, projectID int64, path string) (*File, error)
	DeleteFile(ctx context.Context, tenantID string, projectID int64, path string) error

	InsertChunks(ctx context.Context, chunks []*Chunk) error
	ListLiveChunksByFile(ctx context.Context, tenantID string, projectID int64, path string) ([]*Chunk, error)
	MarkChunksStale(ctx context.Context, tenantID string, chunkIDs []int64) (int, error)
	DeleteChunksByFile(ctx context.Context, tenantID string, projectID int64, path string) (int, error)

	UpsertEmbeddings(ctx context.Context, embeddings []*Embedding) error
	ExistingHashes(ctx context.Context, tenantID string, hashes []string) (map[string]bool, error)

	AddRetryItems(ctx context.Context, tenantID string, projectID int64, items []RetryItem) error
	RemoveRetryItems(ctx context.Context, tenantID string, projectID int64, paths []string) error
}

// Tx represents a database transaction
type Tx interface {
	Commit() error
	Rollback() error
	Writer
}

// Project is a registered code base owned by one tenant
type Project struct {
	ID              int64
	TenantID        string
	Name            string
	RootPath        string
	RemoteURL       string // normalized clone URL, empty for local projects
	Branch          string
	LastRefreshAt   time.Time
	LastDeepBuildAt time.Time
	LastIngestedAt  time.Time
	DeletedAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// File is the ingestion record of one source file
type File struct {
	TenantID    string
	ProjectID   int64
	Path        string // slash-separated, relative to project root
	ContentHash string // hash of the last fully embedded content
	Language    string
	SizeBytes   int64
	ModTime     time.Time
	Pending     bool // some chunks are waiting on the retry queue
	ChunkCount  int
	IndexedAt   time.Time
}

// Chunk is a stored code chunk. Stale chunks are kept until garbage collection.
type Chunk struct {
	ID          int64
	TenantID    string
	ProjectID   int64
	FilePath    string
	Language    string
	Kind        string
	SymbolName  string
	StartLine   int
	EndLine     int
	StartByte   int
	EndByte     int
	Content     string
	ContentHash string
	Stale       bool
	CreatedAt   time.Time
	StaleAt     *time.Time
}

// Embedding is a vector keyed by tenant and content hash
type Embedding struct {
	TenantID    string
	ContentHash string
	Vector      []float32
	Dimension   int
	Provider    string
	Model       string
	CreatedAt   time.Time
}

// SyncState is the git cursor of a project
type SyncState struct {
	TenantID    string
	ProjectID   int64
	Branch      string
	LastCommit  string
	LastEventID string
	UpdatedAt   time.Time
}

// RetryItem is a chunk whose embedding failed
type RetryItem struct {
	ContentHash string
	FilePath    string
	Attempts    int
	LastError   string
	UpdatedAt   time.Time
}

// SimilarityQuery selects live chunks by vector similarity
type SimilarityQuery struct {
	TenantID        string
	ProjectID       int64 // 0 searches every project of the tenant
	Vector          []float32
	TopK            int
	Languages       []string
	Kinds           []string
	FilePattern     string // GLOB over file paths
	MinScore        float64
	ExcludeChunkIDs []int64
}

// TextQuery selects live chunks by BM25 full-text match
type TextQuery struct {
	TenantID    string
	ProjectID   int64
	Query       string
	Limit       int
	Languages   []string
	Kinds       []string
	FilePattern string
}

// VectorResult represents a result from vector similarity search
type VectorResult struct {
	ChunkID         int64
	SimilarityScore float64
}

// TextResult represents a result from full-text search
type TextResult struct {
	ChunkID   int64
	BM25Score float64 // normalized to (0, 1]
}

// GCOptions bounds what garbage collection removes
type GCOptions struct {
	StaleBefore  time.Time // stale chunks older than this are deleted
	EventsBefore time.Time // processed event ids older than this are forgotten; zero keeps all
}

// GCResult reports what garbage collection removed
type GCResult struct {
	ChunksDeleted     int
	EmbeddingsDeleted int
	EventsDeleted     int
}

// ProjectStatus contains statistics about an indexed project
type ProjectStatus struct {
	Project         *Project
	FilesCount      int
	PendingFiles    int
	ChunksCount     int
	StaleChunks     int
	EmbeddingsCount int
	RetryQueue      int
	IndexSizeMB     float64
	Sync            *SyncState
	Health          HealthStatus
}

// HealthStatus represents the health of the index
type HealthStatus struct {
	DatabaseAccessible  bool
	EmbeddingsAvailable bool
	FTSIndexesBuilt     bool
	VectorExtension     bool
}

// FromTypesChunk converts a chunker chunk to a storage chunk
func FromTypesChunk(tenantID string, projectID int64, c types.Chunk) *Chunk {
	return &Chunk{
		TenantID:    tenantID,
		ProjectID:   projectID,
		FilePath:    c.FilePath,
		Language:    c.Language,
		Kind:        string(c.Kind),
		SymbolName:  c.SymbolName,
		StartLine:   c.StartLine,
		EndLine:     c.EndLine,
		StartByte:   c.StartByte,
		EndByte:     c.EndByte,
		Content:     c.Content,
		ContentHash: c.ContentHash,
	}
}

// ToSearchResult converts a stored chunk to a search result
func (c *Chunk) ToSearchResult(rank int, score float64) types.SearchResult {
	return types.SearchResult{
		ChunkID:        c.ID,
		ProjectID:      c.ProjectID,
		Rank:           rank,
		RelevanceScore: score,
		FilePath:       c.FilePath,
		Language:       c.Language,
		Kind:           types.ChunkKind(c.Kind),
		SymbolName:     c.SymbolName,
		StartLine:      c.StartLine,
		EndLine:        c.EndLine,
		Content:        c.Content,
	}
}
