package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dshills/codeindex-mcp/internal/tenant"
)

// maxInList bounds the number of bound parameters per IN clause
const maxInList = 500

const chunkColumns = `id, tenant_id, project_id, file_path, language, kind, symbol_name,
	start_line, end_line, start_byte, end_byte, content, content_hash, stale, created_at, stale_at`

func scanChunk(r rowScanner) (*Chunk, error) {
	var c Chunk
	var stale int
	var staleAt sql.NullTime
	if err := r.Scan(&c.ID, &c.TenantID, &c.ProjectID, &c.FilePath, &c.Language, &c.Kind, &c.SymbolName,
		&c.StartLine, &c.EndLine, &c.StartByte, &c.EndByte, &c.Content, &c.ContentHash,
		&stale, &c.CreatedAt, &staleAt); err != nil {
		return nil, err
	}
	c.Stale = stale != 0
	if staleAt.Valid {
		t := staleAt.Time
		c.StaleAt = &t
	}
	return &c, nil
}

func collectChunks(rows *sql.Rows, tenantID string) ([]*Chunk, error) {
	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		if err := verifyTenant(tenantID, c.TenantID); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// placeholders returns "?, ?, ?" for n parameters
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// insertChunksWithQuerier inserts live chunks. A chunk identical to a live
// one (same file, hash and line span) resolves to the existing row.
func (s *SQLiteStorage) insertChunksWithQuerier(ctx context.Context, q querier, chunks []*Chunk) error {
	owned := make(map[int64]string)
	now := time.Now()

	for _, c := range chunks {
		if err := tenant.Validate(c.TenantID); err != nil {
			return err
		}
		if err := c.validate(); err != nil {
			return err
		}
		if owner, ok := owned[c.ProjectID]; !ok {
			if err := ownProject(ctx, q, c.TenantID, c.ProjectID); err != nil {
				return err
			}
			owned[c.ProjectID] = c.TenantID
		} else if err := verifyTenant(owner, c.TenantID); err != nil {
			return err
		}

		err := q.QueryRowContext(ctx, `
			INSERT OR IGNORE INTO chunks (tenant_id, project_id, file_path, language, kind, symbol_name,
			                              start_line, end_line, start_byte, end_byte, content, content_hash,
			                              stale, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
			RETURNING id
		`, c.TenantID, c.ProjectID, c.FilePath, c.Language, c.Kind, c.SymbolName,
			c.StartLine, c.EndLine, c.StartByte, c.EndByte, c.Content, c.ContentHash, now).Scan(&c.ID)
		if err == sql.ErrNoRows {
			err = q.QueryRowContext(ctx, `
				SELECT id, created_at FROM chunks
				WHERE project_id = ? AND file_path = ? AND content_hash = ?
				  AND start_line = ? AND end_line = ? AND stale = 0 AND tenant_id = ?
			`, c.ProjectID, c.FilePath, c.ContentHash, c.StartLine, c.EndLine, c.TenantID).Scan(&c.ID, &c.CreatedAt)
			if err != nil {
				return fmt.Errorf("failed to resolve existing chunk %s:%d: %w", c.FilePath, c.StartLine, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to insert chunk %s:%d: %w", c.FilePath, c.StartLine, err)
		}
		c.CreatedAt = now
		c.Stale = false
	}
	return nil
}

func (c *Chunk) validate() error {
	switch {
	case c.ProjectID <= 0:
		return fmt.Errorf("chunk project id is required")
	case c.FilePath == "":
		return fmt.Errorf("chunk file path is required")
	case c.ContentHash == "":
		return fmt.Errorf("chunk content hash is required")
	case c.StartLine < 1 || c.EndLine < c.StartLine:
		return fmt.Errorf("invalid chunk line range %d-%d", c.StartLine, c.EndLine)
	}
	return nil
}

// InsertChunks stores new live chunks and fills in their ids
func (s *SQLiteStorage) InsertChunks(ctx context.Context, chunks []*Chunk) error {
	return s.insertChunksWithQuerier(ctx, s.querier(), chunks)
}

func (s *SQLiteStorage) listLiveChunksWithQuerier(ctx context.Context, q querier, tenantID string, projectID int64, path string) ([]*Chunk, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	rows, err := q.QueryContext(ctx,
		"SELECT "+chunkColumns+` FROM chunks
		 WHERE project_id = ? AND file_path = ? AND tenant_id = ? AND stale = 0
		 ORDER BY start_line, start_byte, id`,
		projectID, path, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectChunks(rows, tenantID)
}

// ListLiveChunksByFile returns the live chunks of one file in line order
func (s *SQLiteStorage) ListLiveChunksByFile(ctx context.Context, tenantID string, projectID int64, path string) ([]*Chunk, error) {
	return s.listLiveChunksWithQuerier(ctx, s.querier(), tenantID, projectID, path)
}

func (s *SQLiteStorage) markStaleWithQuerier(ctx context.Context, q querier, tenantID string, chunkIDs []int64) (int, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return 0, err
	}
	now := time.Now()
	total := 0
	for start := 0; start < len(chunkIDs); start += maxInList {
		end := min(start+maxInList, len(chunkIDs))
		batch := chunkIDs[start:end]

		args := make([]interface{}, 0, len(batch)+2)
		args = append(args, now, tenantID)
		for _, id := range batch {
			args = append(args, id)
		}
		result, err := q.ExecContext(ctx,
			"UPDATE chunks SET stale = 1, stale_at = ? WHERE tenant_id = ? AND stale = 0 AND id IN ("+placeholders(len(batch))+")",
			args...)
		if err != nil {
			return total, fmt.Errorf("failed to mark chunks stale: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return total, err
		}
		total += int(n)
	}
	return total, nil
}

// MarkChunksStale flags live chunks as superseded
func (s *SQLiteStorage) MarkChunksStale(ctx context.Context, tenantID string, chunkIDs []int64) (int, error) {
	return s.markStaleWithQuerier(ctx, s.querier(), tenantID, chunkIDs)
}

func (s *SQLiteStorage) deleteChunksByFileWithQuerier(ctx context.Context, q querier, tenantID string, projectID int64, path string) (int, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return 0, err
	}
	result, err := q.ExecContext(ctx,
		"DELETE FROM chunks WHERE project_id = ? AND file_path = ? AND tenant_id = ?", projectID, path, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// DeleteChunksByFile removes every chunk of a file, live or stale
func (s *SQLiteStorage) DeleteChunksByFile(ctx context.Context, tenantID string, projectID int64, path string) (int, error) {
	n, err := s.deleteChunksByFileWithQuerier(ctx, s.querier(), tenantID, projectID, path)
	if err == nil && n > 0 {
		s.ann.invalidate(tenantID)
	}
	return n, err
}

// DeleteChunksByProject removes every chunk of a project
func (s *SQLiteStorage) DeleteChunksByProject(ctx context.Context, tenantID string, projectID int64) (int, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return 0, err
	}
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM chunks WHERE project_id = ? AND tenant_id = ?", projectID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete chunks: %w", err)
	}
	n, err := result.RowsAffected()
	if n > 0 {
		s.ann.invalidate(tenantID)
	}
	return int(n), err
}

// GetChunk returns one chunk of the tenant, live or stale
func (s *SQLiteStorage) GetChunk(ctx context.Context, tenantID string, chunkID int64) (*Chunk, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+chunkColumns+" FROM chunks WHERE id = ? AND tenant_id = ?", chunkID, tenantID)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return c, verifyTenant(tenantID, c.TenantID)
}

// GetChunks returns the requested chunks in request order. Ids that do not
// exist for the tenant are skipped.
func (s *SQLiteStorage) GetChunks(ctx context.Context, tenantID string, chunkIDs []int64) ([]*Chunk, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	byID := make(map[int64]*Chunk, len(chunkIDs))
	for start := 0; start < len(chunkIDs); start += maxInList {
		end := min(start+maxInList, len(chunkIDs))
		batch := chunkIDs[start:end]

		args := make([]interface{}, 0, len(batch)+1)
		args = append(args, tenantID)
		for _, id := range batch {
			args = append(args, id)
		}
		rows, err := s.db.QueryContext(ctx,
			"SELECT "+chunkColumns+" FROM chunks WHERE tenant_id = ? AND id IN ("+placeholders(len(batch))+")",
			args...)
		if err != nil {
			return nil, err
		}
		chunks, err := collectChunks(rows, tenantID)
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
		for _, c := range chunks {
			byID[c.ID] = c
		}
	}

	out := make([]*Chunk, 0, len(byID))
	for _, id := range chunkIDs {
		if c, ok := byID[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}
