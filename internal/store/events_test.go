// ABOUTME: Tests for raw event history persistence
// ABOUTME: Covers first-write-wins inserts, ordering, compression, ratings and purge

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawEvent(id, conversation, text, ts string) *RawEvent {
	return &RawEvent{
		ID:             id,
		SessionID:      "s1",
		ConversationID: conversation,
		Direction:      DirectionInbound,
		SenderName:     "Ana",
		Content:        []byte(`{"conversation":"` + text + `"}`),
		Timestamp:      ts,
	}
}

// eventStores runs the same assertions against both implementations
func eventStores(t *testing.T) map[string]Store {
	return map[string]Store{
		"sqlite": newTestStore(t),
		"mock":   NewMockStore(),
	}
}

func TestSaveRawEvent_FirstWriteWins(t *testing.T) {
	for name, s := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			inserted, err := s.SaveRawEvent(ctx, rawEvent("m1", "c1", "first", "100"))
			require.NoError(t, err)
			assert.True(t, inserted)

			inserted, err = s.SaveRawEvent(ctx, rawEvent("m1", "c1", "second", "200"))
			require.NoError(t, err)
			assert.False(t, inserted)

			events, err := s.ListConversationEvents(ctx, "s1", "c1")
			require.NoError(t, err)
			require.Len(t, events, 1)
			assert.JSONEq(t, `{"conversation":"first"}`, string(events[0].Content))
			assert.Equal(t, "100", events[0].Timestamp)
		})
	}
}

func TestSaveRawEvent_SameIDDifferentConversation(t *testing.T) {
	for name, s := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.SaveRawEvent(ctx, rawEvent("m1", "c1", "a", "100"))
			require.NoError(t, err)
			inserted, err := s.SaveRawEvent(ctx, rawEvent("m1", "c2", "b", "100"))
			require.NoError(t, err)
			assert.True(t, inserted)

			events, err := s.ListRawEvents(ctx, "s1")
			require.NoError(t, err)
			assert.Len(t, events, 2)
		})
	}
}

func TestSaveRawEvent_RequiresKey(t *testing.T) {
	for name, s := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.SaveRawEvent(context.Background(), &RawEvent{SessionID: "s1", ConversationID: "c1"})
			assert.Error(t, err)
		})
	}
}

func TestListRawEvents_InsertionOrder(t *testing.T) {
	for name, s := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, id := range []string{"z", "a", "m"} {
				_, err := s.SaveRawEvent(ctx, rawEvent(id, "c1", id, "100"))
				require.NoError(t, err)
			}
			_, err := s.SaveRawEvent(ctx, &RawEvent{
				ID: "other", SessionID: "s2", ConversationID: "c1",
				Direction: DirectionInbound, Timestamp: "1",
			})
			require.NoError(t, err)

			events, err := s.ListRawEvents(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, events, 3)
			assert.Equal(t, "z", events[0].ID)
			assert.Equal(t, "a", events[1].ID)
			assert.Equal(t, "m", events[2].ID)
			assert.Less(t, events[0].Seq, events[1].Seq)
		})
	}
}

func TestSaveRawEvent_NonNumericTimestampKept(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.SaveRawEvent(ctx, rawEvent("m1", "c1", "x", "not-a-number"))
	require.NoError(t, err)

	events, err := s.ListRawEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "not-a-number", events[0].Timestamp)
}

func TestSaveRawEvent_RawPayloadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := []byte(`{"key":{"id":"m1","fromMe":false},"message":{"conversation":"oi oi oi oi oi oi"}}`)
	ev := rawEvent("m1", "c1", "oi", "100")
	ev.Raw = payload

	_, err := s.SaveRawEvent(ctx, ev)
	require.NoError(t, err)

	var stored []byte
	require.NoError(t, s.db.QueryRow(`SELECT raw_payload FROM raw_events WHERE message_id = 'm1'`).Scan(&stored))
	assert.NotEqual(t, payload, stored, "payload should be compressed at rest")

	events, err := s.ListRawEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, payload, events[0].Raw)
}

func TestSaveRawEvent_InvalidDirection(t *testing.T) {
	s := newTestStore(t)
	ev := rawEvent("m1", "c1", "x", "1")
	ev.Direction = "sideways"

	_, err := s.SaveRawEvent(context.Background(), ev)
	assert.Error(t, err)
}

func TestSetRating(t *testing.T) {
	for name, s := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.SaveRawEvent(ctx, rawEvent("m1", "c1", "x", "1"))
			require.NoError(t, err)

			require.NoError(t, s.SetRating(ctx, "s1", "c1", "m1", RatingLike))

			events, err := s.ListConversationEvents(ctx, "s1", "c1")
			require.NoError(t, err)
			assert.Equal(t, RatingLike, events[0].Rating)

			assert.ErrorIs(t, s.SetRating(ctx, "s1", "c1", "missing", RatingLike), ErrNotFound)
			assert.Error(t, s.SetRating(ctx, "s1", "c1", "m1", "meh"))
		})
	}
}

func TestDeleteSessionEvents(t *testing.T) {
	for name, s := range eventStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.SaveRawEvent(ctx, rawEvent("m1", "c1", "x", "1"))
			require.NoError(t, err)
			_, err = s.SaveRawEvent(ctx, rawEvent("m2", "c2", "y", "2"))
			require.NoError(t, err)

			n, err := s.DeleteSessionEvents(ctx, "s1")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			events, err := s.ListRawEvents(ctx, "s1")
			require.NoError(t, err)
			assert.Empty(t, events)
		})
	}
}
