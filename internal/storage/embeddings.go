package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dshills/codeindex-mcp/internal/tenant"
)

func (s *SQLiteStorage) upsertEmbeddingsWithQuerier(ctx context.Context, q querier, embeddings []*Embedding) error {
	query := `
		INSERT INTO embeddings (tenant_id, content_hash, vector, dimension, provider, model, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, content_hash) DO UPDATE SET
			vector = excluded.vector,
			dimension = excluded.dimension,
			provider = excluded.provider,
			model = excluded.model,
			created_at = excluded.created_at
	`
	now := time.Now()
	for _, e := range embeddings {
		if err := tenant.Validate(e.TenantID); err != nil {
			return err
		}
		if e.ContentHash == "" {
			return fmt.Errorf("embedding content hash is required")
		}
		if len(e.Vector) == 0 {
			return fmt.Errorf("embedding vector is empty for %s", e.ContentHash)
		}
		e.Dimension = len(e.Vector)
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
		if _, err := q.ExecContext(ctx, query,
			e.TenantID, e.ContentHash, serializeVector(e.Vector), e.Dimension,
			e.Provider, e.Model, e.CreatedAt); err != nil {
			return fmt.Errorf("failed to upsert embedding: %w", err)
		}
	}
	return nil
}

// UpsertEmbeddings stores vectors keyed by tenant and content hash
func (s *SQLiteStorage) UpsertEmbeddings(ctx context.Context, embeddings []*Embedding) error {
	if err := s.upsertEmbeddingsWithQuerier(ctx, s.querier(), embeddings); err != nil {
		return err
	}
	for _, e := range embeddings {
		s.ann.invalidate(e.TenantID)
	}
	return nil
}

// ExistingHashes reports which of hashes already have a vector for the tenant
func (s *SQLiteStorage) ExistingHashes(ctx context.Context, tenantID string, hashes []string) (map[string]bool, error) {
	return s.existingHashesWithQuerier(ctx, s.db, tenantID, hashes)
}

func (s *SQLiteStorage) existingHashesWithQuerier(ctx context.Context, q querier, tenantID string, hashes []string) (map[string]bool, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	found := make(map[string]bool)
	for start := 0; start < len(hashes); start += maxInList {
		end := min(start+maxInList, len(hashes))
		batch := hashes[start:end]

		args := make([]interface{}, 0, len(batch)+1)
		args = append(args, tenantID)
		for _, h := range batch {
			args = append(args, h)
		}
		rows, err := q.QueryContext(ctx,
			"SELECT content_hash FROM embeddings WHERE tenant_id = ? AND content_hash IN ("+placeholders(len(batch))+")",
			args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query embeddings: %w", err)
		}
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				_ = rows.Close()
				return nil, err
			}
			found[h] = true
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return found, nil
}

// GetEmbedding returns the tenant's vector for a content hash
func (s *SQLiteStorage) GetEmbedding(ctx context.Context, tenantID, contentHash string) (*Embedding, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	var e Embedding
	var blob []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, content_hash, vector, dimension, provider, model, created_at
		FROM embeddings WHERE tenant_id = ? AND content_hash = ?
	`, tenantID, contentHash).Scan(&e.TenantID, &e.ContentHash, &blob, &e.Dimension, &e.Provider, &e.Model, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := verifyTenant(tenantID, e.TenantID); err != nil {
		return nil, err
	}
	e.Vector = deserializeVector(blob)
	return &e, nil
}
