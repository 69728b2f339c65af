// ABOUTME: Assembler turns stored raw events into ordered conversation transcripts
// ABOUTME: Recomputed from history on every call, so output never drifts from storage

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"
	_ "time/tzdata" // zone data for hosts without a zoneinfo database

	"github.com/2389/tether/internal/protocol"
	"github.com/2389/tether/internal/store"
	"github.com/2389/tether/internal/tenant"
)

// DefaultTimeZone is the zone transcript timestamps are rendered in.
const DefaultTimeZone = "Africa/Luanda"

// isoLayout matches the millisecond ISO-8601 form dashboards already parse
const isoLayout = "2006-01-02T15:04:05.000-07:00"

// Role of a message relative to the session owner. The outbound spelling is
// the wire value existing clients match on.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistent"
)

// Message is one normalized transcript entry.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Times   string `json:"times"`
	Rating  string `json:"raiting"`
	Name    string `json:"name,omitempty"`

	at time.Time
}

// Conversation is a read-only transcript view over one conversation's raw events.
type Conversation struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Date     string    `json:"date,omitempty"`
	Status   bool      `json:"status"`
	Preview  string    `json:"preview,omitempty"`
	Messages []Message `json:"messages"`
	Type     string    `json:"type"`
	Phone    string    `json:"phone"`
}

// EventReader is what the assembler needs from storage
type EventReader interface {
	ListRawEvents(ctx context.Context, sessionID string) ([]*store.RawEvent, error)
	ListConversationEvents(ctx context.Context, sessionID, conversationID string) ([]*store.RawEvent, error)
}

// Assembler builds transcripts. It holds no mutable state and is safe for
// concurrent use.
type Assembler struct {
	events  EventReader
	tenants tenant.Lookup
	loc     *time.Location
	logger  *slog.Logger
}

// NewAssembler creates an Assembler rendering times in loc (DefaultTimeZone when nil).
func NewAssembler(events EventReader, tenants tenant.Lookup, loc *time.Location, logger *slog.Logger) (*Assembler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		var err error
		loc, err = time.LoadLocation(DefaultTimeZone)
		if err != nil {
			return nil, fmt.Errorf("loading time zone %s: %w", DefaultTimeZone, err)
		}
	}
	return &Assembler{
		events:  events,
		tenants: tenants,
		loc:     loc,
		logger:  logger.With("component", "assembler"),
	}, nil
}

// Assemble returns every conversation of a session, ordered by conversation id.
func (a *Assembler) Assemble(ctx context.Context, sessionID string) ([]Conversation, error) {
	events, err := a.events.ListRawEvents(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s: %w", sessionID, err)
	}

	grouped := make(map[string][]*store.RawEvent)
	var ids []string
	for _, ev := range events {
		if _, seen := grouped[ev.ConversationID]; !seen {
			ids = append(ids, ev.ConversationID)
		}
		grouped[ev.ConversationID] = append(grouped[ev.ConversationID], ev)
	}
	sort.Strings(ids)

	out := make([]Conversation, 0, len(ids))
	for _, id := range ids {
		out = append(out, a.build(ctx, id, grouped[id]))
	}
	return out, nil
}

// AssembleOne returns a single conversation, or store.ErrNotFound if it has no history.
func (a *Assembler) AssembleOne(ctx context.Context, sessionID, conversationID string) (*Conversation, error) {
	events, err := a.events.ListConversationEvents(ctx, sessionID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading history for %s/%s: %w", sessionID, conversationID, err)
	}
	if len(events) == 0 {
		return nil, store.ErrNotFound
	}
	conv := a.build(ctx, conversationID, events)
	return &conv, nil
}

// build assembles one conversation from its events, given in insertion order
func (a *Assembler) build(ctx context.Context, conversationID string, events []*store.RawEvent) Conversation {
	msgs := make([]Message, 0, len(events))
	for _, ev := range events {
		msg, err := a.normalize(ev)
		if err != nil {
			a.logger.Debug("dropping record",
				"conversation_id", conversationID,
				"message_id", ev.ID,
				"timestamp", ev.Timestamp,
				"error", err,
			)
			continue
		}
		msgs = append(msgs, msg)
	}

	// stable keeps insertion order for equal times
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].at.Before(msgs[j].at)
	})

	conv := Conversation{
		ID:       conversationID,
		Name:     displayName(conversationID, events),
		Status:   a.status(ctx, conversationID),
		Messages: msgs,
		Type:     "chat",
		Phone:    Phone(conversationID),
	}
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		conv.Date = last.Times
		conv.Preview = last.Content
	}
	return conv
}

func (a *Assembler) normalize(ev *store.RawEvent) (Message, error) {
	at, err := ParseTimestamp(ev.Timestamp)
	if err != nil {
		return Message{}, err
	}

	var content protocol.Content
	if len(ev.Content) > 0 {
		if err := json.Unmarshal(ev.Content, &content); err != nil {
			// unreadable content still orders correctly; it renders as unsupported
			a.logger.Debug("unreadable content", "message_id", ev.ID, "error", err)
			content = protocol.Content{}
		}
	}

	role := RoleUser
	if ev.FromSelf || ev.Direction == store.DirectionOutbound {
		role = RoleAssistant
	}

	return Message{
		ID:      MessageID(ev.ConversationID, ev.ID, ev.Timestamp),
		Role:    role,
		Content: ExtractText(content),
		Times:   at.In(a.loc).Format(isoLayout),
		Rating:  NormalizeRating(ev.Rating),
		Name:    ev.SenderName,
		at:      at,
	}, nil
}

// displayName is the sender name of the first inbound record from the other
// party, falling back to the digits of the conversation id.
func displayName(conversationID string, events []*store.RawEvent) string {
	for _, ev := range events {
		if ev.FromSelf || ev.Direction == store.DirectionOutbound {
			continue
		}
		if ev.SenderName != "" {
			return ev.SenderName
		}
		break
	}
	return Phone(conversationID)
}

// status resolves active/blocked; anything but a positive answer is inactive
func (a *Assembler) status(ctx context.Context, conversationID string) bool {
	if a.tenants == nil {
		return false
	}
	st, err := a.tenants.StatusOf(ctx, conversationID)
	if err != nil {
		if !errors.Is(err, tenant.ErrNotFound) {
			a.logger.Debug("tenant lookup failed", "conversation_id", conversationID, "error", err)
		}
		return false
	}
	return st.Active
}
