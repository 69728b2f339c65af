// ABOUTME: Conversation status flags kept on behalf of the tenant back office
// ABOUTME: Status 0 means active and 1 means blocked, matching the back office schema

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const (
	statusActive   = 0
	statusInactive = 1
)

// GetTenantStatus returns the status flag for a conversation key.
// Returns ErrNotFound if the key has never been set.
func (s *SQLiteStore) GetTenantStatus(ctx context.Context, key string) (*TenantStatus, error) {
	var (
		status    int
		updatedAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, updated_at FROM tenant_status WHERE key = ?`, key,
	).Scan(&status, &updatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying tenant status: %w", err)
	}

	ts := &TenantStatus{Key: key, Active: status == statusActive}
	ts.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return ts, nil
}

// SetTenantStatus upserts the status flag for a conversation key
func (s *SQLiteStore) SetTenantStatus(ctx context.Context, key string, active bool) error {
	status := statusInactive
	if active {
		status = statusActive
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenant_status (key, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at
	`, key, status, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("setting tenant status: %w", err)
	}
	return nil
}
