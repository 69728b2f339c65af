// ABOUTME: Persistence for per-session protocol credentials
// ABOUTME: Blobs are opaque here; sealing happens in the authstate package

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SaveAuthState upserts the credential blob for a session (last write wins)
func (s *SQLiteStore) SaveAuthState(ctx context.Context, sessionID string, blob []byte) error {
	query := `
		INSERT OR REPLACE INTO auth_state (session_id, state, updated_at)
		VALUES (?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query, sessionID, blob, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving auth state: %w", err)
	}

	s.logger.Debug("saved auth state", "session_id", sessionID, "size", len(blob))
	return nil
}

// GetAuthState retrieves the credential blob for a session.
// Returns ErrNotFound if the session has no stored credentials.
func (s *SQLiteStore) GetAuthState(ctx context.Context, sessionID string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM auth_state WHERE session_id = ?`, sessionID,
	).Scan(&blob)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying auth state: %w", err)
	}

	return blob, nil
}

// DeleteAuthState removes the credentials for a session. Deleting a
// session with no credentials is not an error.
func (s *SQLiteStore) DeleteAuthState(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM auth_state WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("deleting auth state: %w", err)
	}
	s.logger.Debug("deleted auth state", "session_id", sessionID)
	return nil
}

// ListAuthSessions returns the ids of every session with stored credentials
func (s *SQLiteStore) ListAuthSessions(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM auth_state ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("listing auth sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning auth session: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating auth sessions: %w", err)
	}
	return ids, nil
}
