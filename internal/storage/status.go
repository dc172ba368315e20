package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dshills/codeindex-mcp/internal/tenant"
)

// GetStatus returns counters and health for one project
func (s *SQLiteStorage) GetStatus(ctx context.Context, tenantID string, projectID int64) (*ProjectStatus, error) {
	project, err := s.GetProject(ctx, tenantID, projectID)
	if err != nil {
		return nil, err
	}

	status := &ProjectStatus{Project: project}

	counts := []struct {
		dst   *int
		query string
	}{
		{&status.FilesCount, "SELECT COUNT(*) FROM files WHERE project_id = ? AND tenant_id = ?"},
		{&status.PendingFiles, "SELECT COUNT(*) FROM files WHERE project_id = ? AND tenant_id = ? AND pending = 1"},
		{&status.ChunksCount, "SELECT COUNT(*) FROM chunks WHERE project_id = ? AND tenant_id = ? AND stale = 0"},
		{&status.StaleChunks, "SELECT COUNT(*) FROM chunks WHERE project_id = ? AND tenant_id = ? AND stale = 1"},
		{&status.EmbeddingsCount, `
			SELECT COUNT(DISTINCT e.content_hash) FROM embeddings e
			JOIN chunks c ON c.tenant_id = e.tenant_id AND c.content_hash = e.content_hash
			WHERE c.project_id = ? AND c.tenant_id = ? AND c.stale = 0`},
		{&status.RetryQueue, "SELECT COUNT(*) FROM sync_retry WHERE project_id = ? AND tenant_id = ?"},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query, projectID, tenantID).Scan(c.dst); err != nil {
			return nil, err
		}
	}

	sync, err := s.GetSyncState(ctx, tenantID, projectID)
	switch {
	case err == nil:
		status.Sync = sync
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	// Calculate database size
	var pageCount, pageSize int
	err = s.db.QueryRowContext(ctx, "PRAGMA page_count").Scan(&pageCount)
	if err == nil {
		_ = s.db.QueryRowContext(ctx, "PRAGMA page_size").Scan(&pageSize)
		status.IndexSizeMB = float64(pageCount*pageSize) / (1024 * 1024)
	}

	status.Health = HealthStatus{
		DatabaseAccessible:  true,
		EmbeddingsAvailable: status.EmbeddingsCount > 0,
		FTSIndexesBuilt:     true, // created with migrations
		VectorExtension:     VectorExtensionAvailable,
	}

	return status, nil
}

// GarbageCollect deletes stale chunks older than opts.StaleBefore, then the
// tenant's embeddings no chunk references, then old processed event ids.
func (s *SQLiteStorage) GarbageCollect(ctx context.Context, tenantID string, opts GCOptions) (*GCResult, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	result := &GCResult{}

	res, err := tx.ExecContext(ctx,
		"DELETE FROM chunks WHERE tenant_id = ? AND stale = 1 AND stale_at < ?", tenantID, opts.StaleBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to delete stale chunks: %w", err)
	}
	n, _ := res.RowsAffected()
	result.ChunksDeleted = int(n)

	res, err = tx.ExecContext(ctx, `
		DELETE FROM embeddings
		WHERE tenant_id = ?
		  AND NOT EXISTS (
			SELECT 1 FROM chunks c
			WHERE c.tenant_id = embeddings.tenant_id AND c.content_hash = embeddings.content_hash
		  )
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to delete orphan embeddings: %w", err)
	}
	n, _ = res.RowsAffected()
	result.EmbeddingsDeleted = int(n)

	if !opts.EventsBefore.IsZero() {
		res, err = tx.ExecContext(ctx,
			"DELETE FROM sync_events WHERE tenant_id = ? AND received_at < ?", tenantID, opts.EventsBefore)
		if err != nil {
			return nil, fmt.Errorf("failed to delete old events: %w", err)
		}
		n, _ = res.RowsAffected()
		result.EventsDeleted = int(n)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	if result.ChunksDeleted > 0 || result.EmbeddingsDeleted > 0 {
		s.ann.invalidate(tenantID)
	}
	return result, nil
}
