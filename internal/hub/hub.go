// ABOUTME: Broadcast hub fanning session events out to attached observers
// ABOUTME: Frames are encoded once per broadcast and delivered without blocking

package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// observerBufferSize is the frame buffer for each observer
const observerBufferSize = 64

// Event types sent to observers
const (
	EventQR         = "qr"
	EventConnection = "connection"
	EventError      = "error"
	EventMessages   = "messages"
	EventAll        = "all"
)

// Frame is the wire envelope of every server to observer message.
type Frame struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Observer is one attached subscriber of a session.
type Observer struct {
	ID        string
	SessionID string
	frames    chan []byte
}

// Frames delivers encoded frames. The channel is closed when the observer is removed.
func (o *Observer) Frames() <-chan []byte {
	return o.frames
}

// Hub maps session ids to their attached observers.
type Hub struct {
	mu        sync.Mutex
	observers map[string]map[string]*Observer // sessionID -> observerID -> observer
	closed    bool
	logger    *slog.Logger
}

// New creates a hub. Pass nil logger for default.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		observers: make(map[string]map[string]*Observer),
		logger:    logger.With("component", "hub"),
	}
}

// Subscribe attaches a new observer to sessionID and returns it with its
// teardown. Teardown is idempotent and also runs when ctx is cancelled.
func (h *Hub) Subscribe(ctx context.Context, sessionID string) (*Observer, func()) {
	o := &Observer{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		frames:    make(chan []byte, observerBufferSize),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(o.frames)
		return o, func() {}
	}
	if _, ok := h.observers[sessionID]; !ok {
		h.observers[sessionID] = make(map[string]*Observer)
	}
	h.observers[sessionID][o.ID] = o
	h.mu.Unlock()

	h.logger.Debug("observer attached", "session_id", sessionID, "observer_id", o.ID)

	var once sync.Once
	stop := make(chan struct{})
	teardown := func() {
		once.Do(func() {
			close(stop)
			h.remove(sessionID, o.ID)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			teardown()
		case <-stop:
		}
	}()

	return o, teardown
}

// remove detaches an observer, closes its frames and drops empty session entries
func (h *Hub) remove(sessionID, observerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	obs, ok := h.observers[sessionID]
	if !ok {
		return
	}
	o, ok := obs[observerID]
	if !ok {
		return
	}

	delete(obs, observerID)
	close(o.frames)

	if len(obs) == 0 {
		delete(h.observers, sessionID)
	}

	h.logger.Debug("observer detached", "session_id", sessionID, "observer_id", observerID)
}

// Broadcast encodes {type, data} once and delivers it to every observer of
// sessionID. Delivery is best effort: an observer whose buffer is full misses
// the frame, the rest still get it. Frames reach each observer in call order.
func (h *Hub) Broadcast(sessionID, eventType string, data any) {
	frame, err := json.Marshal(Frame{Type: eventType, Data: data})
	if err != nil {
		h.logger.Error("encoding frame", "session_id", sessionID, "type", eventType, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, o := range h.observers[sessionID] {
		h.deliver(o, eventType, frame)
	}
}

// Send delivers one frame to a single observer.
func (h *Hub) Send(o *Observer, eventType string, data any) {
	frame, err := json.Marshal(Frame{Type: eventType, Data: data})
	if err != nil {
		h.logger.Error("encoding frame", "session_id", o.SessionID, "type", eventType, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	// only deliver while still attached; removed observers have closed channels
	if _, ok := h.observers[o.SessionID][o.ID]; ok {
		h.deliver(o, eventType, frame)
	}
}

// deliver must be called with h.mu held
func (h *Hub) deliver(o *Observer, eventType string, frame []byte) {
	select {
	case o.frames <- frame:
	default:
		h.logger.Warn("dropped frame for slow observer",
			"session_id", o.SessionID,
			"observer_id", o.ID,
			"type", eventType)
	}
}

// Count returns the number of observers attached to sessionID.
func (h *Hub) Count(sessionID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers[sessionID])
}

// Sessions returns the ids of sessions with at least one observer.
func (h *Hub) Sessions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	ids := make([]string, 0, len(h.observers))
	for id := range h.observers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close detaches every observer. Later subscriptions get a closed observer.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sessionID, obs := range h.observers {
		for id, o := range obs {
			close(o.frames)
			delete(obs, id)
		}
		delete(h.observers, sessionID)
	}
	h.closed = true

	h.logger.Debug("hub closed")
}
