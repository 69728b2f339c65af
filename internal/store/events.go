// ABOUTME: Raw event history for sessions, written once per message id
// ABOUTME: Native payloads are zstd-compressed before they reach the database

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SaveRawEvent inserts an event unless (session, conversation, id) already exists.
// The first write wins; the returned bool reports whether this call wrote the row.
func (s *SQLiteStore) SaveRawEvent(ctx context.Context, event *RawEvent) (bool, error) {
	if event.ID == "" || event.SessionID == "" || event.ConversationID == "" {
		return false, fmt.Errorf("raw event requires id, session and conversation")
	}

	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	content := string(event.Content)
	if content == "" {
		content = "{}"
	}

	var raw []byte
	if len(event.Raw) > 0 {
		raw = s.encoder.EncodeAll(event.Raw, nil)
	}

	query := `
		INSERT INTO raw_events (
			session_id, conversation_id, message_id, direction, from_self,
			sender_name, content, raw_payload, timestamp, rating, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, conversation_id, message_id) DO NOTHING
	`

	res, err := s.db.ExecContext(ctx, query,
		event.SessionID,
		event.ConversationID,
		event.ID,
		string(event.Direction),
		event.FromSelf,
		event.SenderName,
		content,
		raw,
		event.Timestamp,
		event.Rating,
		createdAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return false, fmt.Errorf("invalid raw event %s: %w", event.ID, err)
		}
		return false, fmt.Errorf("inserting raw event: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking insert result: %w", err)
	}

	if n == 0 {
		s.logger.Debug("raw event already stored",
			"session_id", event.SessionID,
			"conversation_id", event.ConversationID,
			"message_id", event.ID,
		)
		return false, nil
	}
	return true, nil
}

// ListRawEvents returns all events for a session in insertion order
func (s *SQLiteStore) ListRawEvents(ctx context.Context, sessionID string) ([]*RawEvent, error) {
	query := `
		SELECT seq, session_id, conversation_id, message_id, direction, from_self,
		       sender_name, content, raw_payload, timestamp, rating, created_at
		FROM raw_events
		WHERE session_id = ?
		ORDER BY seq ASC
	`
	return s.queryRawEvents(ctx, query, sessionID)
}

// ListConversationEvents returns the events of one conversation in insertion order
func (s *SQLiteStore) ListConversationEvents(ctx context.Context, sessionID, conversationID string) ([]*RawEvent, error) {
	query := `
		SELECT seq, session_id, conversation_id, message_id, direction, from_self,
		       sender_name, content, raw_payload, timestamp, rating, created_at
		FROM raw_events
		WHERE session_id = ? AND conversation_id = ?
		ORDER BY seq ASC
	`
	return s.queryRawEvents(ctx, query, sessionID, conversationID)
}

func (s *SQLiteStore) queryRawEvents(ctx context.Context, query string, args ...any) ([]*RawEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying raw events: %w", err)
	}
	defer rows.Close()

	var events []*RawEvent
	for rows.Next() {
		event, err := s.scanRawEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating raw events: %w", err)
	}
	return events, nil
}

func (s *SQLiteStore) scanRawEvent(rows *sql.Rows) (*RawEvent, error) {
	var (
		event     RawEvent
		direction string
		content   string
		raw       []byte
		createdAt string
	)

	err := rows.Scan(
		&event.Seq,
		&event.SessionID,
		&event.ConversationID,
		&event.ID,
		&direction,
		&event.FromSelf,
		&event.SenderName,
		&content,
		&raw,
		&event.Timestamp,
		&event.Rating,
		&createdAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning raw event: %w", err)
	}

	event.Direction = Direction(direction)
	event.Content = []byte(content)

	if len(raw) > 0 {
		event.Raw, err = s.decoder.DecodeAll(raw, nil)
		if err != nil {
			return nil, fmt.Errorf("decompressing raw payload of %s: %w", event.ID, err)
		}
	}

	event.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at of %s: %w", event.ID, err)
	}

	return &event, nil
}

// SetRating records operator feedback on a stored message.
// Returns ErrNotFound if the message does not exist.
func (s *SQLiteStore) SetRating(ctx context.Context, sessionID, conversationID, messageID, rating string) error {
	switch rating {
	case RatingNone, RatingLike, RatingDislike:
	default:
		return fmt.Errorf("invalid rating %q", rating)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE raw_events SET rating = ?
		WHERE session_id = ? AND conversation_id = ? AND message_id = ?
	`, rating, sessionID, conversationID, messageID)
	if err != nil {
		return fmt.Errorf("updating rating: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update result: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSessionEvents removes every stored event for a session
func (s *SQLiteStore) DeleteSessionEvents(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM raw_events WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("deleting raw events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking delete result: %w", err)
	}
	return n, nil
}
