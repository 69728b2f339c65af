// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu        sync.RWMutex
	seq       int64
	events    map[string]*RawEvent // keyed by "session\x00conversation\x00id"
	authState map[string][]byte    // keyed by session ID
	tenants   map[string]*TenantStatus

	// SaveAuthStateErr, when set, is returned by SaveAuthState
	SaveAuthStateErr error
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		events:    make(map[string]*RawEvent),
		authState: make(map[string][]byte),
		tenants:   make(map[string]*TenantStatus),
	}
}

func eventKey(sessionID, conversationID, id string) string {
	return sessionID + "\x00" + conversationID + "\x00" + id
}

// SaveRawEvent stores the event unless its key already exists.
func (m *MockStore) SaveRawEvent(ctx context.Context, event *RawEvent) (bool, error) {
	if event.ID == "" || event.SessionID == "" || event.ConversationID == "" {
		return false, fmt.Errorf("raw event requires id, session and conversation")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := eventKey(event.SessionID, event.ConversationID, event.ID)
	if _, ok := m.events[key]; ok {
		return false, nil
	}

	e := copyEvent(event)
	m.seq++
	e.Seq = m.seq
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.events[key] = e
	return true, nil
}

// ListRawEvents returns a session's events in insertion order.
func (m *MockStore) ListRawEvents(ctx context.Context, sessionID string) ([]*RawEvent, error) {
	return m.list(func(e *RawEvent) bool { return e.SessionID == sessionID }), nil
}

// ListConversationEvents returns one conversation's events in insertion order.
func (m *MockStore) ListConversationEvents(ctx context.Context, sessionID, conversationID string) ([]*RawEvent, error) {
	return m.list(func(e *RawEvent) bool {
		return e.SessionID == sessionID && e.ConversationID == conversationID
	}), nil
}

func (m *MockStore) list(match func(*RawEvent) bool) []*RawEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*RawEvent
	for _, e := range m.events {
		if match(e) {
			out = append(out, copyEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// SetRating updates the rating of a stored event.
func (m *MockStore) SetRating(ctx context.Context, sessionID, conversationID, messageID, rating string) error {
	switch rating {
	case RatingNone, RatingLike, RatingDislike:
	default:
		return fmt.Errorf("invalid rating %q", rating)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[eventKey(sessionID, conversationID, messageID)]
	if !ok {
		return ErrNotFound
	}
	e.Rating = rating
	return nil
}

// DeleteSessionEvents removes a session's events.
func (m *MockStore) DeleteSessionEvents(ctx context.Context, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for k, e := range m.events {
		if e.SessionID == sessionID {
			delete(m.events, k)
			n++
		}
	}
	return n, nil
}

// SaveAuthState stores a copy of the blob.
func (m *MockStore) SaveAuthState(ctx context.Context, sessionID string, blob []byte) error {
	if m.SaveAuthStateErr != nil {
		return m.SaveAuthStateErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.authState[sessionID] = append([]byte(nil), blob...)
	return nil
}

// GetAuthState returns a copy of the stored blob.
func (m *MockStore) GetAuthState(ctx context.Context, sessionID string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	blob, ok := m.authState[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), blob...), nil
}

// DeleteAuthState removes the stored blob.
func (m *MockStore) DeleteAuthState(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.authState, sessionID)
	return nil
}

// ListAuthSessions returns the sorted ids of sessions with stored blobs.
func (m *MockStore) ListAuthSessions(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.authState))
	for id := range m.authState {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetTenantStatus returns the status for key.
func (m *MockStore) GetTenantStatus(ctx context.Context, key string) (*TenantStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ts, ok := m.tenants[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ts
	return &cp, nil
}

// SetTenantStatus upserts the status for key.
func (m *MockStore) SetTenantStatus(ctx context.Context, key string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.tenants[key] = &TenantStatus{Key: key, Active: active, UpdatedAt: time.Now()}
	return nil
}

// Ping always succeeds.
func (m *MockStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op.
func (m *MockStore) Close() error {
	return nil
}

func copyEvent(e *RawEvent) *RawEvent {
	cp := *e
	cp.Content = append([]byte(nil), e.Content...)
	if e.Raw != nil {
		cp.Raw = append([]byte(nil), e.Raw...)
	}
	return &cp
}

// Compile-time interface checks
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
