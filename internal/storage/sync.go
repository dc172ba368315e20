package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dshills/codeindex-mcp/internal/tenant"
)

// GetSyncState returns the git cursor of a project, or ErrNotFound before
// the first ingestion.
func (s *SQLiteStorage) GetSyncState(ctx context.Context, tenantID string, projectID int64) (*SyncState, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	var st SyncState
	err := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, project_id, branch, last_commit, last_event_id, updated_at
		FROM sync_state WHERE project_id = ? AND tenant_id = ?
	`, projectID, tenantID).Scan(&st.TenantID, &st.ProjectID, &st.Branch, &st.LastCommit, &st.LastEventID, &st.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &st, verifyTenant(tenantID, st.TenantID)
}

// SaveSyncState upserts the git cursor of a project
func (s *SQLiteStorage) SaveSyncState(ctx context.Context, state *SyncState) error {
	if err := tenant.Validate(state.TenantID); err != nil {
		return err
	}
	if err := ownProject(ctx, s.db, state.TenantID, state.ProjectID); err != nil {
		return err
	}
	state.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (project_id, tenant_id, branch, last_commit, last_event_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			branch = excluded.branch,
			last_commit = excluded.last_commit,
			last_event_id = excluded.last_event_id,
			updated_at = excluded.updated_at
	`, state.ProjectID, state.TenantID, state.Branch, state.LastCommit, state.LastEventID, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) addRetryItemsWithQuerier(ctx context.Context, q querier, tenantID string, projectID int64, items []RetryItem) error {
	if err := tenant.Validate(tenantID); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	if err := ownProject(ctx, q, tenantID, projectID); err != nil {
		return err
	}
	now := time.Now()
	for _, it := range items {
		_, err := q.ExecContext(ctx, `
			INSERT INTO sync_retry (tenant_id, project_id, content_hash, file_path, attempts, last_error, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
			ON CONFLICT(project_id, content_hash, file_path) DO UPDATE SET
				attempts = sync_retry.attempts + 1,
				last_error = excluded.last_error,
				updated_at = excluded.updated_at
		`, tenantID, projectID, it.ContentHash, it.FilePath, it.LastError, now)
		if err != nil {
			return fmt.Errorf("failed to queue retry: %w", err)
		}
	}
	return nil
}

// AddRetryItems queues chunk hashes whose embedding failed. Re-adding an
// item bumps its attempt count.
func (s *SQLiteStorage) AddRetryItems(ctx context.Context, tenantID string, projectID int64, items []RetryItem) error {
	return s.addRetryItemsWithQuerier(ctx, s.querier(), tenantID, projectID, items)
}

func (s *SQLiteStorage) removeRetryItemsWithQuerier(ctx context.Context, q querier, tenantID string, projectID int64, paths []string) error {
	if err := tenant.Validate(tenantID); err != nil {
		return err
	}
	for start := 0; start < len(paths); start += maxInList {
		end := min(start+maxInList, len(paths))
		batch := paths[start:end]

		args := make([]interface{}, 0, len(batch)+2)
		args = append(args, projectID, tenantID)
		for _, p := range batch {
			args = append(args, p)
		}
		if _, err := q.ExecContext(ctx,
			"DELETE FROM sync_retry WHERE project_id = ? AND tenant_id = ? AND file_path IN ("+placeholders(len(batch))+")",
			args...); err != nil {
			return fmt.Errorf("failed to clear retries: %w", err)
		}
	}
	return nil
}

// RemoveRetryItems drops every queued retry of the given files
func (s *SQLiteStorage) RemoveRetryItems(ctx context.Context, tenantID string, projectID int64, paths []string) error {
	return s.removeRetryItemsWithQuerier(ctx, s.querier(), tenantID, projectID, paths)
}

// ListRetryItems returns the retry queue of a project, oldest first
func (s *SQLiteStorage) ListRetryItems(ctx context.Context, tenantID string, projectID int64) ([]RetryItem, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_hash, file_path, attempts, last_error, updated_at
		FROM sync_retry WHERE project_id = ? AND tenant_id = ?
		ORDER BY updated_at, file_path
	`, projectID, tenantID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var items []RetryItem
	for rows.Next() {
		var it RetryItem
		if err := rows.Scan(&it.ContentHash, &it.FilePath, &it.Attempts, &it.LastError, &it.UpdatedAt); err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// RecordEvent remembers a processed change event. It returns false when the
// event id was already recorded for the project. Empty ids are never
// deduplicated.
func (s *SQLiteStorage) RecordEvent(ctx context.Context, tenantID string, projectID int64, eventID, commit string) (bool, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return false, err
	}
	if eventID == "" {
		return true, nil
	}
	if err := ownProject(ctx, s.db, tenantID, projectID); err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sync_events (tenant_id, project_id, event_id, commit_sha, received_at)
		VALUES (?, ?, ?, ?, ?)
	`, tenantID, projectID, eventID, commit, time.Now())
	if err != nil {
		return false, fmt.Errorf("failed to record event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// EventSeen reports whether an event id was already recorded for the project
func (s *SQLiteStorage) EventSeen(ctx context.Context, tenantID string, projectID int64, eventID string) (bool, error) {
	if err := tenant.Validate(tenantID); err != nil {
		return false, err
	}
	if eventID == "" {
		return false, nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sync_events WHERE project_id = ? AND tenant_id = ? AND event_id = ?
	`, projectID, tenantID, eventID).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
