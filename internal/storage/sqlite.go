package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dshills/codeindex-mcp/internal/tenant"
	"github.com/dshills/codeindex-mcp/pkg/types"
)

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned when trying to create a duplicate entity
	ErrAlreadyExists = errors.New("already exists")
)

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db  *sql.DB
	ann *annRegistry
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// NewSQLiteStorage creates a new SQLite storage instance
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Apply migrations
	if err := ApplyMigrations(context.Background(), db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	return &SQLiteStorage{db: db, ann: newANNRegistry(0)}, nil
}

// EnableANN routes similarity searches through an in-memory HNSW graph once a
// tenant holds at least minNodes vectors. Zero disables it.
func (s *SQLiteStorage) EnableANN(minNodes int) {
	s.ann.setMinNodes(minNodes)
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// BeginTx starts a new transaction
func (s *SQLiteStorage) BeginTx(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx, storage: s, touched: make(map[string]bool)}, nil
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// sqliteTx wraps a SQL transaction
type sqliteTx struct {
	tx      *sql.Tx
	storage *SQLiteStorage

	mu      sync.Mutex
	touched map[string]bool // tenants whose vectors changed
}

// Commit commits and then invalidates the ANN graphs of touched tenants
func (t *sqliteTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.touched {
		t.storage.ann.invalidate(id)
	}
	return nil
}

func (t *sqliteTx) Rollback() error {
	return t.tx.Rollback()
}

// querier returns the transaction querier
func (t *sqliteTx) querier() querier {
	return t.tx
}

func (t *sqliteTx) touch(tenantID string) {
	t.mu.Lock()
	t.touched[tenantID] = true
	t.mu.Unlock()
}

// querier returns the DB querier
func (s *SQLiteStorage) querier() querier {
	return s.db
}

// isUniqueViolation matches the constraint error text of both drivers
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// ownProject fails unless projectID belongs to tenantID
func ownProject(ctx context.Context, q querier, tenantID string, projectID int64) error {
	var owner string
	err := q.QueryRowContext(ctx, "SELECT tenant_id FROM projects WHERE id = ?", projectID).Scan(&owner)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: project %d: %w", ErrNotFound, projectID, types.ErrProjectNotFound)
	}
	if err != nil {
		return err
	}
	if owner != tenantID {
		return fmt.Errorf("%w: project %d", types.ErrTenantIsolation, projectID)
	}
	return nil
}

// verifyTenant guards every row read back from the database
func verifyTenant(want, got string) error {
	if want != got {
		return fmt.Errorf("%w: row owned by another tenant", types.ErrTenantIsolation)
	}
	return nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// Project operations

const projectColumns = `id, tenant_id, name, root_path, remote_url, branch,
	last_refresh_at, last_deep_build_at, last_ingested_at, deleted_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(r rowScanner) (*Project, error) {
	var p Project
	var refresh, deep, ingested, deleted sql.NullTime
	if err := r.Scan(&p.ID, &p.TenantID, &p.Name, &p.RootPath, &p.RemoteURL, &p.Branch,
		&refresh, &deep, &ingested, &deleted, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	if refresh.Valid {
		p.LastRefreshAt = refresh.Time
	}
	if deep.Valid {
		p.LastDeepBuildAt = deep.Time
	}
	if ingested.Valid {
		p.LastIngestedAt = ingested.Time
	}
	if deleted.Valid {
		t := deleted.Time
		p.DeletedAt = &t
	}
	return &p, nil
}

// CreateProject registers a project. The name must be unique among the
// tenant's live projects.
func (s *SQLiteStorage) CreateProject(ctx context.Context, project *Project) error {
	if err := tenant.Validate(project.TenantID); err != nil {
		return err
	}
	if project.Name == "" {
		return fmt.Errorf("project name is required")
	}

	now := time.Now()
	if _, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO tenants (id, created_at) VALUES (?, ?)", project.TenantID, now); err != nil {
		return fmt.Errorf("failed to register tenant: %w", err)
	}

	query := `
		INSERT INTO projects (tenant_id, name, root_path, remote_url, branch, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	result, err := s.db.ExecContext(ctx, query,
		project.TenantID, project.Name, project.RootPath, project.RemoteURL, project.Branch, now, now)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: project %q", ErrAlreadyExists, project.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to create project: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	project.ID = id
	project.CreatedAt = now
	project.UpdatedAt = now
	return nil
}

func (s *SQLiteStorage) getProjectWithQuerier(ctx context.Context, q querier, tenantID string, projectID int64) (*Project, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL",
		projectID, tenantID)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: project %d: %w", ErrNotFound, projectID, types.ErrProjectNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := verifyTenant(tenantID, p.TenantID); err != nil {
		return nil, err
	}
	return p, nil
}

// GetProject returns a live project owned by the tenant
func (s *SQLiteStorage) GetProject(ctx context.Context, tenantID string, projectID int64) (*Project, error) {
	return s.getProjectWithQuerier(ctx, s.querier(), tenantID, projectID)
}

// GetProjectByName returns the tenant's live project with the given name
func (s *SQLiteStorage) GetProjectByName(ctx context.Context, tenantID, name string) (*Project, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE tenant_id = ? AND name = ? AND deleted_at IS NULL",
		tenantID, name)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: project %q: %w", ErrNotFound, name, types.ErrProjectNotFound)
	}
	if err != nil {
		return nil, err
	}
	return p, verifyTenant(tenantID, p.TenantID)
}

// ListProjects returns the tenant's live projects ordered by name
func (s *SQLiteStorage) ListProjects(ctx context.Context, tenantID string) ([]*Project, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE tenant_id = ? AND deleted_at IS NULL ORDER BY name",
		tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		if err := verifyTenant(tenantID, p.TenantID); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// ListProjectsByRemote returns every live project tracking remoteURL, across
// tenants. Webhook routing uses it before a tenant is known.
func (s *SQLiteStorage) ListProjectsByRemote(ctx context.Context, remoteURL string) ([]*Project, error) {
	if remoteURL == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+projectColumns+" FROM projects WHERE remote_url = ? AND deleted_at IS NULL ORDER BY tenant_id, id",
		remoteURL)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var projects []*Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProject persists mutable project fields
func (s *SQLiteStorage) UpdateProject(ctx context.Context, project *Project) error {
	if err := tenant.Validate(project.TenantID); err != nil {
		return err
	}
	query := `
		UPDATE projects
		SET root_path = ?, remote_url = ?, branch = ?,
		    last_refresh_at = ?, last_deep_build_at = ?, last_ingested_at = ?, updated_at = ?
		WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL
	`
	now := time.Now()
	result, err := s.db.ExecContext(ctx, query,
		project.RootPath, project.RemoteURL, project.Branch,
		nullTime(project.LastRefreshAt), nullTime(project.LastDeepBuildAt), nullTime(project.LastIngestedAt),
		now, project.ID, project.TenantID)
	if err != nil {
		return fmt.Errorf("failed to update project: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: project %d: %w", ErrNotFound, project.ID, types.ErrProjectNotFound)
	}
	project.UpdatedAt = now
	return nil
}

// SoftDeleteProject hides a project and drops its chunks. Embeddings stay
// until garbage collection finds them unreferenced.
func (s *SQLiteStorage) SoftDeleteProject(ctx context.Context, tenantID string, projectID int64) error {
	if err := tenant.Validate(tenantID); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		"UPDATE projects SET deleted_at = ?, updated_at = ? WHERE id = ? AND tenant_id = ? AND deleted_at IS NULL",
		time.Now(), time.Now(), projectID, tenantID)
	if err != nil {
		return err
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: project %d: %w", ErrNotFound, projectID, types.ErrProjectNotFound)
	}
	for _, stmt := range []string{
		"DELETE FROM chunks WHERE project_id = ? AND tenant_id = ?",
		"DELETE FROM files WHERE project_id = ? AND tenant_id = ?",
		"DELETE FROM sync_retry WHERE project_id = ? AND tenant_id = ?",
	} {
		if _, err := tx.ExecContext(ctx, stmt, projectID, tenantID); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.ann.invalidate(tenantID)
	return nil
}

// File operations

const fileColumns = `tenant_id, project_id, path, content_hash, language, size_bytes,
	mod_time, pending, chunk_count, indexed_at`

func scanFile(r rowScanner) (*File, error) {
	var f File
	var modTime sql.NullTime
	var pending int
	if err := r.Scan(&f.TenantID, &f.ProjectID, &f.Path, &f.ContentHash, &f.Language, &f.SizeBytes,
		&modTime, &pending, &f.ChunkCount, &f.IndexedAt); err != nil {
		return nil, err
	}
	if modTime.Valid {
		f.ModTime = modTime.Time
	}
	f.Pending = pending != 0
	return &f, nil
}

func (s *SQLiteStorage) upsertFileWithQuerier(ctx context.Context, q querier, file *File) error {
	if err := tenant.Validate(file.TenantID); err != nil {
		return err
	}
	if err := ownProject(ctx, q, file.TenantID, file.ProjectID); err != nil {
		return err
	}
	query := `
		INSERT INTO files (tenant_id, project_id, path, content_hash, language, size_bytes,
		                   mod_time, pending, chunk_count, indexed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id, path) DO UPDATE SET
			content_hash = excluded.content_hash,
			language = excluded.language,
			size_bytes = excluded.size_bytes,
			mod_time = excluded.mod_time,
			pending = excluded.pending,
			chunk_count = excluded.chunk_count,
			indexed_at = excluded.indexed_at
	`
	if file.IndexedAt.IsZero() {
		file.IndexedAt = time.Now()
	}
	pending := 0
	if file.Pending {
		pending = 1
	}
	_, err := q.ExecContext(ctx, query,
		file.TenantID, file.ProjectID, file.Path, file.ContentHash, file.Language, file.SizeBytes,
		nullTime(file.ModTime), pending, file.ChunkCount, file.IndexedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert file: %w", err)
	}
	return nil
}

// UpsertFile inserts or updates a file record
func (s *SQLiteStorage) UpsertFile(ctx context.Context, file *File) error {
	return s.upsertFileWithQuerier(ctx, s.querier(), file)
}

func (s *SQLiteStorage) getFileWithQuerier(ctx context.Context, q querier, tenantID string, projectID int64, path string) (*File, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	row := q.QueryRowContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE project_id = ? AND path = ? AND tenant_id = ?",
		projectID, path, tenantID)
	f, err := scanFile(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return f, verifyTenant(tenantID, f.TenantID)
}

// GetFile returns the ingestion record of one file
func (s *SQLiteStorage) GetFile(ctx context.Context, tenantID string, projectID int64, path string) (*File, error) {
	return s.getFileWithQuerier(ctx, s.querier(), tenantID, projectID, path)
}

func (s *SQLiteStorage) deleteFileWithQuerier(ctx context.Context, q querier, tenantID string, projectID int64, path string) error {
	if err := tenant.Validate(tenantID); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx,
		"DELETE FROM files WHERE project_id = ? AND path = ? AND tenant_id = ?", projectID, path, tenantID)
	return err
}

// DeleteFile removes a file record. Its chunks are left to the caller.
func (s *SQLiteStorage) DeleteFile(ctx context.Context, tenantID string, projectID int64, path string) error {
	return s.deleteFileWithQuerier(ctx, s.querier(), tenantID, projectID, path)
}

// ListFiles returns all file records of a project ordered by path
func (s *SQLiteStorage) ListFiles(ctx context.Context, tenantID string, projectID int64) ([]*File, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+fileColumns+" FROM files WHERE project_id = ? AND tenant_id = ? ORDER BY path",
		projectID, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var files []*File
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		if err := verifyTenant(tenantID, f.TenantID); err != nil {
			return nil, err
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// Transaction implementations delegate to the storage with the tx querier

func (t *sqliteTx) UpsertFile(ctx context.Context, file *File) error {
	return t.storage.upsertFileWithQuerier(ctx, t.querier(), file)
}

func (t *sqliteTx) GetFile(ctx context.Context, tenantID string, projectID int64, path string) (*File, error) {
	return t.storage.getFileWithQuerier(ctx, t.querier(), tenantID, projectID, path)
}

func (t *sqliteTx) DeleteFile(ctx context.Context, tenantID string, projectID int64, path string) error {
	return t.storage.deleteFileWithQuerier(ctx, t.querier(), tenantID, projectID, path)
}

func (t *sqliteTx) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	return t.storage.insertChunksWithQuerier(ctx, t.querier(), chunks)
}

func (t *sqliteTx) ListLiveChunksByFile(ctx context.Context, tenantID string, projectID int64, path string) ([]*Chunk, error) {
	return t.storage.listLiveChunksWithQuerier(ctx, t.querier(), tenantID, projectID, path)
}

func (t *sqliteTx) MarkChunksStale(ctx context.Context, tenantID string, chunkIDs []int64) (int, error) {
	n, err := t.storage.markStaleWithQuerier(ctx, t.querier(), tenantID, chunkIDs)
	if err == nil && n > 0 {
		t.touch(tenantID)
	}
	return n, err
}

func (t *sqliteTx) DeleteChunksByFile(ctx context.Context, tenantID string, projectID int64, path string) (int, error) {
	n, err := t.storage.deleteChunksByFileWithQuerier(ctx, t.querier(), tenantID, projectID, path)
	if err == nil && n > 0 {
		t.touch(tenantID)
	}
	return n, err
}

func (t *sqliteTx) ExistingHashes(ctx context.Context, tenantID string, hashes []string) (map[string]bool, error) {
	return t.storage.existingHashesWithQuerier(ctx, t.querier(), tenantID, hashes)
}

func (t *sqliteTx) UpsertEmbeddings(ctx context.Context, embeddings []*Embedding) error {
	err := t.storage.upsertEmbeddingsWithQuerier(ctx, t.querier(), embeddings)
	if err == nil {
		for _, e := range embeddings {
			t.touch(e.TenantID)
		}
	}
	return err
}

func (t *sqliteTx) AddRetryItems(ctx context.Context, tenantID string, projectID int64, items []RetryItem) error {
	return t.storage.addRetryItemsWithQuerier(ctx, t.querier(), tenantID, projectID, items)
}

func (t *sqliteTx) RemoveRetryItems(ctx context.Context, tenantID string, projectID int64, paths []string) error {
	return t.storage.removeRetryItemsWithQuerier(ctx, t.querier(), tenantID, projectID, paths)
}
