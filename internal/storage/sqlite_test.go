package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/codeindex-mcp/pkg/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	// Use in-memory database for testing
	storage, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	require.NotNil(t, storage)
	t.Cleanup(func() { _ = storage.Close() })
	return storage
}

func createTestProject(t *testing.T, s *SQLiteStorage, tenantID, name string) *Project {
	t.Helper()
	p := &Project{TenantID: tenantID, Name: name, RootPath: "/src/" + name}
	require.NoError(t, s.CreateProject(context.Background(), p))
	return p
}

func newTestChunk(tenantID string, projectID int64, path, content string, line int) *Chunk {
	return &Chunk{
		TenantID:    tenantID,
		ProjectID:   projectID,
		FilePath:    path,
		Language:    "go",
		Kind:        string(types.ChunkFunction),
		StartLine:   line,
		EndLine:     line + 2,
		Content:     content,
		ContentHash: types.HashContent(content),
	}
}

func TestCreateProject(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	p := createTestProject(t, s, "acme", "api")
	assert.Greater(t, p.ID, int64(0))
	assert.False(t, p.CreatedAt.IsZero())

	err := s.CreateProject(ctx, &Project{TenantID: "acme", Name: "api"})
	assert.ErrorIs(t, err, ErrAlreadyExists)

	// same name under another tenant is fine
	other := createTestProject(t, s, "globex", "api")
	assert.NotEqual(t, p.ID, other.ID)
}

func TestCreateProject_InvalidTenant(t *testing.T) {
	s := setupTestDB(t)
	err := s.CreateProject(context.Background(), &Project{Name: "api"})
	assert.ErrorIs(t, err, types.ErrInvalidTenant)
}

func TestGetProject(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, s, "acme", "api")

	got, err := s.GetProject(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "api", got.Name)
	assert.Equal(t, "/src/api", got.RootPath)

	byName, err := s.GetProjectByName(ctx, "acme", "api")
	require.NoError(t, err)
	assert.Equal(t, p.ID, byName.ID)
}

func TestGetProject_OtherTenant(t *testing.T) {
	s := setupTestDB(t)
	p := createTestProject(t, s, "acme", "api")

	_, err := s.GetProject(context.Background(), "globex", p.ID)
	assert.ErrorIs(t, err, types.ErrProjectNotFound)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateProject(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, s, "acme", "api")

	now := time.Now().Truncate(time.Second)
	p.Branch = "main"
	p.RemoteURL = "github.com/acme/api"
	p.LastIngestedAt = now
	require.NoError(t, s.UpdateProject(ctx, p))

	got, err := s.GetProject(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "main", got.Branch)
	assert.True(t, got.LastIngestedAt.Equal(now))
	assert.True(t, got.LastRefreshAt.IsZero())

	// another tenant cannot update it
	p.TenantID = "globex"
	assert.ErrorIs(t, s.UpdateProject(ctx, p), types.ErrProjectNotFound)
}

func TestListProjectsByRemote(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	for _, tenantID := range []string{"acme", "globex"} {
		p := createTestProject(t, s, tenantID, "api")
		p.RemoteURL = "github.com/acme/api"
		require.NoError(t, s.UpdateProject(ctx, p))
	}
	createTestProject(t, s, "acme", "web")

	projects, err := s.ListProjectsByRemote(ctx, "github.com/acme/api")
	require.NoError(t, err)
	require.Len(t, projects, 2)
	assert.Equal(t, "acme", projects[0].TenantID)
	assert.Equal(t, "globex", projects[1].TenantID)

	list, err := s.ListProjects(ctx, "acme")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestSoftDeleteProject(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, s, "acme", "api")
	require.NoError(t, s.InsertChunks(ctx, []*Chunk{newTestChunk("acme", p.ID, "a.go", "func A() {}", 1)}))

	require.NoError(t, s.SoftDeleteProject(ctx, "acme", p.ID))

	_, err := s.GetProject(ctx, "acme", p.ID)
	assert.ErrorIs(t, err, types.ErrProjectNotFound)
	live, err := s.ListLiveChunksByFile(ctx, "acme", p.ID, "a.go")
	require.NoError(t, err)
	assert.Empty(t, live)

	// name is free again
	createTestProject(t, s, "acme", "api")
}

func TestUpsertFile(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, s, "acme", "api")

	f := &File{TenantID: "acme", ProjectID: p.ID, Path: "main.go", ContentHash: "h1", Language: "go", SizeBytes: 10}
	require.NoError(t, s.UpsertFile(ctx, f))

	f.ContentHash = "h2"
	f.Pending = true
	require.NoError(t, s.UpsertFile(ctx, f))

	got, err := s.GetFile(ctx, "acme", p.ID, "main.go")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.ContentHash)
	assert.True(t, got.Pending)

	files, err := s.ListFiles(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Len(t, files, 1)

	require.NoError(t, s.DeleteFile(ctx, "acme", p.ID, "main.go"))
	_, err = s.GetFile(ctx, "acme", p.ID, "main.go")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertFile_ForeignProject(t *testing.T) {
	s := setupTestDB(t)
	p := createTestProject(t, s, "acme", "api")

	err := s.UpsertFile(context.Background(), &File{TenantID: "globex", ProjectID: p.ID, Path: "x.go"})
	assert.ErrorIs(t, err, types.ErrTenantIsolation)
}

func TestInsertChunks(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, s, "acme", "api")

	a := newTestChunk("acme", p.ID, "a.go", "func A() {}", 1)
	b := newTestChunk("acme", p.ID, "a.go", "func B() {}", 5)
	require.NoError(t, s.InsertChunks(ctx, []*Chunk{a, b}))
	assert.NotZero(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)

	// identical live chunk resolves to the existing row
	dup := newTestChunk("acme", p.ID, "a.go", "func A() {}", 1)
	require.NoError(t, s.InsertChunks(ctx, []*Chunk{dup}))
	assert.Equal(t, a.ID, dup.ID)

	live, err := s.ListLiveChunksByFile(ctx, "acme", p.ID, "a.go")
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "func A() {}", live[0].Content)
}

func TestInsertChunks_Invalid(t *testing.T) {
	s := setupTestDB(t)
	p := createTestProject(t, s, "acme", "api")

	c := newTestChunk("acme", p.ID, "a.go", "x", 1)
	c.EndLine = 0
	assert.Error(t, s.InsertChunks(context.Background(), []*Chunk{c}))

	foreign := newTestChunk("globex", p.ID, "a.go", "x", 1)
	assert.ErrorIs(t, s.InsertChunks(context.Background(), []*Chunk{foreign}), types.ErrTenantIsolation)
}

func TestMarkChunksStale(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, s, "acme", "api")
	a := newTestChunk("acme", p.ID, "a.go", "func A() {}", 1)
	require.NoError(t, s.InsertChunks(ctx, []*Chunk{a}))

	// other tenant cannot touch it
	n, err := s.MarkChunksStale(ctx, "globex", []int64{a.ID})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.MarkChunksStale(ctx, "acme", []int64{a.ID})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := s.GetChunk(ctx, "acme", a.ID)
	require.NoError(t, err)
	assert.True(t, got.Stale)
	assert.NotNil(t, got.StaleAt)

	// an identical chunk can be inserted again once the old one is stale
	again := newTestChunk("acme", p.ID, "a.go", "func A() {}", 1)
	require.NoError(t, s.InsertChunks(ctx, []*Chunk{again}))
	assert.NotEqual(t, a.ID, again.ID)
}

func TestGetChunks_Order(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, s, "acme", "api")
	a := newTestChunk("acme", p.ID, "a.go", "A", 1)
	b := newTestChunk("acme", p.ID, "b.go", "B", 1)
	require.NoError(t, s.InsertChunks(ctx, []*Chunk{a, b}))

	chunks, err := s.GetChunks(ctx, "acme", []int64{b.ID, 9999, a.ID})
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, b.ID, chunks[0].ID)
	assert.Equal(t, a.ID, chunks[1].ID)

	none, err := s.GetChunks(ctx, "globex", []int64{a.ID})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTransaction(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, s, "acme", "api")

	tx, err := s.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertChunks(ctx, []*Chunk{newTestChunk("acme", p.ID, "a.go", "A", 1)}))
	require.NoError(t, tx.UpsertFile(ctx, &File{TenantID: "acme", ProjectID: p.ID, Path: "a.go"}))
	require.NoError(t, tx.Rollback())

	live, err := s.ListLiveChunksByFile(ctx, "acme", p.ID, "a.go")
	require.NoError(t, err)
	assert.Empty(t, live)

	tx, err = s.BeginTx(ctx)
	require.NoError(t, err)
	c := newTestChunk("acme", p.ID, "a.go", "A", 1)
	require.NoError(t, tx.InsertChunks(ctx, []*Chunk{c}))
	require.NoError(t, tx.UpsertEmbeddings(ctx, []*Embedding{{TenantID: "acme", ContentHash: c.ContentHash, Vector: []float32{1, 0}}}))
	require.NoError(t, tx.Commit())

	live, err = s.ListLiveChunksByFile(ctx, "acme", p.ID, "a.go")
	require.NoError(t, err)
	assert.Len(t, live, 1)
}

func TestExistingHashes(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	var embeddings []*Embedding
	var hashes []string
	for i := 0; i < 600; i++ {
		h := fmt.Sprintf("hash-%d", i)
		hashes = append(hashes, h)
		if i%2 == 0 {
			embeddings = append(embeddings, &Embedding{TenantID: "acme", ContentHash: h, Vector: []float32{1, 2, 3}})
		}
	}
	require.NoError(t, s.UpsertEmbeddings(ctx, embeddings))

	found, err := s.ExistingHashes(ctx, "acme", hashes)
	require.NoError(t, err)
	assert.Len(t, found, 300)
	assert.True(t, found["hash-598"])
	assert.False(t, found["hash-599"])

	// vectors are never shared across tenants
	other, err := s.ExistingHashes(ctx, "globex", hashes)
	require.NoError(t, err)
	assert.Empty(t, other)

	e, err := s.GetEmbedding(ctx, "acme", "hash-0")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, e.Vector)
	assert.Equal(t, 3, e.Dimension)

	_, err = s.GetEmbedding(ctx, "globex", "hash-0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertEmbeddings_Empty(t *testing.T) {
	s := setupTestDB(t)
	err := s.UpsertEmbeddings(context.Background(), []*Embedding{{TenantID: "acme", ContentHash: "h"}})
	assert.Error(t, err)
}

func TestSyncState(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, s, "acme", "api")

	_, err := s.GetSyncState(ctx, "acme", p.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveSyncState(ctx, &SyncState{TenantID: "acme", ProjectID: p.ID, Branch: "main", LastCommit: "abc"}))
	require.NoError(t, s.SaveSyncState(ctx, &SyncState{TenantID: "acme", ProjectID: p.ID, Branch: "main", LastCommit: "def"}))

	st, err := s.GetSyncState(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Equal(t, "def", st.LastCommit)

	err = s.SaveSyncState(ctx, &SyncState{TenantID: "globex", ProjectID: p.ID})
	assert.True(t, errors.Is(err, types.ErrTenantIsolation))
}

func TestRetryItems(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, s, "acme", "api")

	item := RetryItem{ContentHash: "h1", FilePath: "a.go", LastError: "429"}
	require.NoError(t, s.AddRetryItems(ctx, "acme", p.ID, []RetryItem{item}))
	require.NoError(t, s.AddRetryItems(ctx, "acme", p.ID, []RetryItem{item, {ContentHash: "h2", FilePath: "b.go"}}))

	items, err := s.ListRetryItems(ctx, "acme", p.ID)
	require.NoError(t, err)
	require.Len(t, items, 2)
	attempts := map[string]int{}
	for _, it := range items {
		attempts[it.ContentHash] = it.Attempts
	}
	assert.Equal(t, 2, attempts["h1"])
	assert.Equal(t, 1, attempts["h2"])

	require.NoError(t, s.RemoveRetryItems(ctx, "acme", p.ID, []string{"a.go"}))
	items, err = s.ListRetryItems(ctx, "acme", p.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "b.go", items[0].FilePath)
}

func TestRecordEvent(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, s, "acme", "api")

	seen, err := s.EventSeen(ctx, "acme", p.ID, "delivery-1")
	require.NoError(t, err)
	assert.False(t, seen)

	fresh, err := s.RecordEvent(ctx, "acme", p.ID, "delivery-1", "abc")
	require.NoError(t, err)
	assert.True(t, fresh)

	seen, err = s.EventSeen(ctx, "acme", p.ID, "delivery-1")
	require.NoError(t, err)
	assert.True(t, seen)

	fresh, err = s.RecordEvent(ctx, "acme", p.ID, "delivery-1", "abc")
	require.NoError(t, err)
	assert.False(t, fresh)

	// empty ids are never deduplicated
	for i := 0; i < 2; i++ {
		fresh, err = s.RecordEvent(ctx, "acme", p.ID, "", "abc")
		require.NoError(t, err)
		assert.True(t, fresh)
	}
}

func TestGarbageCollect(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, s, "acme", "api")

	old := newTestChunk("acme", p.ID, "a.go", "func Old() {}", 1)
	keep := newTestChunk("acme", p.ID, "a.go", "func Keep() {}", 5)
	require.NoError(t, s.InsertChunks(ctx, []*Chunk{old, keep}))
	require.NoError(t, s.UpsertEmbeddings(ctx, []*Embedding{
		{TenantID: "acme", ContentHash: old.ContentHash, Vector: []float32{1, 0}},
		{TenantID: "acme", ContentHash: keep.ContentHash, Vector: []float32{0, 1}},
		{TenantID: "acme", ContentHash: "orphan", Vector: []float32{1, 1}},
		{TenantID: "globex", ContentHash: "orphan", Vector: []float32{1, 1}},
	}))
	_, err := s.MarkChunksStale(ctx, "acme", []int64{old.ID})
	require.NoError(t, err)
	_, err = s.RecordEvent(ctx, "acme", p.ID, "evt", "abc")
	require.NoError(t, err)

	// cutoff before the stale mark keeps the chunk
	res, err := s.GarbageCollect(ctx, "acme", GCOptions{StaleBefore: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ChunksDeleted)
	assert.Equal(t, 1, res.EmbeddingsDeleted)

	res, err = s.GarbageCollect(ctx, "acme", GCOptions{
		StaleBefore:  time.Now().Add(time.Hour),
		EventsBefore: time.Now().Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunksDeleted)
	assert.Equal(t, 1, res.EmbeddingsDeleted)
	assert.Equal(t, 1, res.EventsDeleted)

	found, err := s.ExistingHashes(ctx, "acme", []string{old.ContentHash, keep.ContentHash})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{keep.ContentHash: true}, found)

	// other tenants are untouched
	found, err = s.ExistingHashes(ctx, "globex", []string{"orphan"})
	require.NoError(t, err)
	assert.True(t, found["orphan"])
}

func TestGetStatus(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()
	p := createTestProject(t, s, "acme", "api")

	a := newTestChunk("acme", p.ID, "a.go", "A", 1)
	b := newTestChunk("acme", p.ID, "a.go", "B", 5)
	require.NoError(t, s.InsertChunks(ctx, []*Chunk{a, b}))
	require.NoError(t, s.UpsertEmbeddings(ctx, []*Embedding{{TenantID: "acme", ContentHash: a.ContentHash, Vector: []float32{1}}}))
	require.NoError(t, s.UpsertFile(ctx, &File{TenantID: "acme", ProjectID: p.ID, Path: "a.go", Pending: true}))
	require.NoError(t, s.AddRetryItems(ctx, "acme", p.ID, []RetryItem{{ContentHash: b.ContentHash, FilePath: "a.go"}}))

	status, err := s.GetStatus(ctx, "acme", p.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, status.FilesCount)
	assert.Equal(t, 1, status.PendingFiles)
	assert.Equal(t, 2, status.ChunksCount)
	assert.Equal(t, 1, status.EmbeddingsCount)
	assert.Equal(t, 1, status.RetryQueue)
	assert.Nil(t, status.Sync)
	assert.True(t, status.Health.DatabaseAccessible)
	assert.True(t, status.Health.EmbeddingsAvailable)

	_, err = s.GetStatus(ctx, "globex", p.ID)
	assert.ErrorIs(t, err, types.ErrProjectNotFound)
}

func TestMigrationRollback(t *testing.T) {
	s := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, RollbackMigration(ctx, s.db))
	current, err := schemaVersion(ctx, s.db)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", current.String())

	require.NoError(t, RollbackMigration(ctx, s.db))
	var name string
	err = s.db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='chunks'").Scan(&name)
	assert.Error(t, err)

	require.NoError(t, ApplyMigrations(ctx, s.db))
	createTestProject(t, s, "acme", "api")
}
