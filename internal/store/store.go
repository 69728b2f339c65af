// ABOUTME: Store interface and data types for tether persistence
// ABOUTME: Defines raw event history, auth state blobs and tenant status records

package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// Direction records which way a message travelled relative to the session owner
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Rating values for operator feedback on a message
const (
	RatingNone    = ""
	RatingLike    = "like"
	RatingDislike = "dislike"
)

// RawEvent is one protocol message as it was received or sent.
// Records are keyed by (SessionID, ConversationID, ID) and written once;
// a later insert with the same key leaves the first record in place.
type RawEvent struct {
	ID             string
	SessionID      string
	ConversationID string
	Direction      Direction
	FromSelf       bool
	SenderName     string
	Content        json.RawMessage // normalized content union
	Raw            []byte          // optional native payload, compressed at rest
	Timestamp      string          // protocol seconds value, stored verbatim
	Rating         string
	CreatedAt      time.Time
	Seq            int64 // insertion order, assigned by the store
}

// TenantStatus is the active/blocked flag the back office keeps per conversation
type TenantStatus struct {
	Key       string
	Active    bool
	UpdatedAt time.Time
}

// EventStore persists raw protocol events
type EventStore interface {
	// SaveRawEvent inserts the event unless one with the same key exists.
	// Returns true when the event was newly written.
	SaveRawEvent(ctx context.Context, event *RawEvent) (bool, error)

	// ListRawEvents returns every event for a session in insertion order
	ListRawEvents(ctx context.Context, sessionID string) ([]*RawEvent, error)

	// ListConversationEvents returns the events of one conversation in insertion order
	ListConversationEvents(ctx context.Context, sessionID, conversationID string) ([]*RawEvent, error)

	// SetRating annotates a stored message with operator feedback
	SetRating(ctx context.Context, sessionID, conversationID, messageID, rating string) error

	// DeleteSessionEvents removes all history for a session
	DeleteSessionEvents(ctx context.Context, sessionID string) (int64, error)
}

// AuthStateStore persists opaque per-session credential blobs
type AuthStateStore interface {
	SaveAuthState(ctx context.Context, sessionID string, blob []byte) error
	GetAuthState(ctx context.Context, sessionID string) ([]byte, error)
	DeleteAuthState(ctx context.Context, sessionID string) error
	ListAuthSessions(ctx context.Context) ([]string, error)
}

// TenantStore persists conversation status flags
type TenantStore interface {
	GetTenantStatus(ctx context.Context, key string) (*TenantStatus, error)
	SetTenantStatus(ctx context.Context, key string, active bool) error
}

// Store combines all persistence capabilities used by the gateway
type Store interface {
	EventStore
	AuthStateStore
	TenantStore

	// Ping checks that the backing database answers
	Ping(ctx context.Context) error

	// Close closes the database connection
	Close() error
}
