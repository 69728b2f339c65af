// ABOUTME: Tests for transcript assembly from raw events
// ABOUTME: Covers ordering, timestamp filtering, naming, status and dedupe behavior

package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/tether/internal/protocol"
	"github.com/2389/tether/internal/store"
	"github.com/2389/tether/internal/tenant"
)

const jid = "244923000111@s.whatsapp.net"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAssembler(t *testing.T, s *store.MockStore) *Assembler {
	t.Helper()
	a, err := NewAssembler(s, tenant.NewStoreLookup(s), nil, testLogger())
	require.NoError(t, err)
	return a
}

func save(t *testing.T, s store.EventStore, ev *store.RawEvent) {
	t.Helper()
	if ev.SessionID == "" {
		ev.SessionID = "s1"
	}
	if ev.ConversationID == "" {
		ev.ConversationID = jid
	}
	if ev.Direction == "" {
		ev.Direction = store.DirectionInbound
	}
	_, err := s.SaveRawEvent(context.Background(), ev)
	require.NoError(t, err)
}

func textContent(t *testing.T, text string) []byte {
	t.Helper()
	b, err := json.Marshal(protocol.TextContent(text))
	require.NoError(t, err)
	return b
}

func TestAssemble_Empty(t *testing.T) {
	a := newTestAssembler(t, store.NewMockStore())
	convs, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestAssemble_SortedRegardlessOfInsertOrder(t *testing.T) {
	s := store.NewMockStore()
	a := newTestAssembler(t, s)

	base := int64(1718000000)
	offsets := rand.New(rand.NewSource(42)).Perm(20)
	for i, off := range offsets {
		save(t, s, &store.RawEvent{
			ID:        "m" + strconv.Itoa(i),
			Content:   textContent(t, "msg "+strconv.Itoa(off)),
			Timestamp: strconv.FormatInt(base+int64(off), 10),
		})
	}

	convs, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	msgs := convs[0].Messages
	require.Len(t, msgs, 20)

	for i := 1; i < len(msgs); i++ {
		assert.False(t, msgs[i].at.Before(msgs[i-1].at), "messages out of order at %d", i)
	}
	assert.Equal(t, "msg 19", convs[0].Preview)
	assert.Equal(t, msgs[len(msgs)-1].Times, convs[0].Date)
}

func TestAssemble_TiesKeepInsertionOrder(t *testing.T) {
	s := store.NewMockStore()
	a := newTestAssembler(t, s)

	for _, id := range []string{"b", "a", "c"} {
		save(t, s, &store.RawEvent{ID: id, Content: textContent(t, id), Timestamp: "1718000000"})
	}

	convs, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)
	ids := []string{}
	for _, m := range convs[0].Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, ids)
	assert.Equal(t, "c", convs[0].Preview)
}

func TestAssemble_DropsInvalidTimestamps(t *testing.T) {
	s := store.NewMockStore()
	a := newTestAssembler(t, s)

	for i, ts := range []string{"abc", "0", "-5", "", "NaN", "1718000000"} {
		save(t, s, &store.RawEvent{ID: "m" + strconv.Itoa(i), Content: textContent(t, ts), Timestamp: ts})
	}

	convs, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	require.Len(t, convs[0].Messages, 1)
	assert.Equal(t, "m5", convs[0].Messages[0].ID)
}

func TestAssemble_NoValidMessagesOmitsPreview(t *testing.T) {
	s := store.NewMockStore()
	a := newTestAssembler(t, s)
	save(t, s, &store.RawEvent{ID: "m1", Content: textContent(t, "x"), Timestamp: "bogus"})

	convs, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Empty(t, convs[0].Messages)
	assert.Empty(t, convs[0].Preview)
	assert.Empty(t, convs[0].Date)

	raw, err := json.Marshal(convs[0])
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"preview"`)
	assert.NotContains(t, string(raw), `"date"`)
}

func TestAssemble_DuplicateIDFirstWriteWins(t *testing.T) {
	s := store.NewMockStore()
	a := newTestAssembler(t, s)

	save(t, s, &store.RawEvent{ID: "m1", Content: textContent(t, "first"), Timestamp: "1718000000"})
	save(t, s, &store.RawEvent{ID: "m1", Content: textContent(t, "second"), Timestamp: "1718000001"})

	convs, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, convs[0].Messages, 1)
	assert.Equal(t, "first", convs[0].Messages[0].Content)
}

func TestAssemble_NameAndRoles(t *testing.T) {
	s := store.NewMockStore()
	a := newTestAssembler(t, s)

	save(t, s, &store.RawEvent{ID: "m1", FromSelf: true, Direction: store.DirectionOutbound, SenderName: "Bot", Content: textContent(t, "hi"), Timestamp: "1"})
	save(t, s, &store.RawEvent{ID: "m2", SenderName: "Maria", Content: textContent(t, "oi"), Timestamp: "2"})

	convs, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)
	c := convs[0]
	assert.Equal(t, "Maria", c.Name)
	assert.Equal(t, RoleAssistant, c.Messages[0].Role)
	assert.Equal(t, RoleUser, c.Messages[1].Role)
	assert.Equal(t, "244923000111", c.Phone)
	assert.Equal(t, "chat", c.Type)
}

func TestAssemble_NameFallsBackToDigits(t *testing.T) {
	s := store.NewMockStore()
	a := newTestAssembler(t, s)
	save(t, s, &store.RawEvent{ID: "m1", FromSelf: true, Direction: store.DirectionOutbound, SenderName: "Bot", Content: textContent(t, "hi"), Timestamp: "1"})

	convs, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "244923000111", convs[0].Name)
}

func TestAssemble_Status(t *testing.T) {
	s := store.NewMockStore()
	a := newTestAssembler(t, s)
	save(t, s, &store.RawEvent{ID: "m1", Content: textContent(t, "x"), Timestamp: "1"})
	save(t, s, &store.RawEvent{ID: "m1", ConversationID: "other@s.whatsapp.net", Content: textContent(t, "x"), Timestamp: "1"})
	require.NoError(t, s.SetTenantStatus(context.Background(), jid, true))

	convs, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, convs, 2)
	// ordered by id
	assert.Equal(t, jid, convs[0].ID)
	assert.True(t, convs[0].Status)
	assert.False(t, convs[1].Status, "unknown tenant record reads as inactive")
}

type failingLookup struct{}

func (failingLookup) StatusOf(context.Context, string) (tenant.Status, error) {
	return tenant.Status{}, errors.New("database down")
}
func (failingLookup) SetStatus(context.Context, string, bool) error { return nil }

func TestAssemble_TenantLookupFailureIsNotFatal(t *testing.T) {
	s := store.NewMockStore()
	a, err := NewAssembler(s, failingLookup{}, nil, testLogger())
	require.NoError(t, err)
	save(t, s, &store.RawEvent{ID: "m1", Content: textContent(t, "x"), Timestamp: "1"})

	convs, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, convs[0].Status)
}

func TestAssemble_TimesRenderedInZone(t *testing.T) {
	s := store.NewMockStore()
	a := newTestAssembler(t, s)
	save(t, s, &store.RawEvent{ID: "m1", Content: textContent(t, "x"), Timestamp: "1718000000", Rating: "like"})
	save(t, s, &store.RawEvent{ID: "m2", Content: textContent(t, "y"), Timestamp: "1718000001", Rating: "meh"})

	convs, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)
	m := convs[0].Messages
	// 1718000000 is 2024-06-10T06:13:20Z; Luanda is UTC+1
	assert.Equal(t, "2024-06-10T07:13:20.000+01:00", m[0].Times)
	assert.Equal(t, "like", m[0].Rating)
	assert.Equal(t, "", m[1].Rating)
}

func TestAssemble_CustomZone(t *testing.T) {
	s := store.NewMockStore()
	a, err := NewAssembler(s, nil, time.UTC, testLogger())
	require.NoError(t, err)
	save(t, s, &store.RawEvent{ID: "m1", Content: textContent(t, "x"), Timestamp: "1718000000"})

	convs, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-10T06:13:20.000+00:00", convs[0].Messages[0].Times)
}

func TestAssemble_UnreadableContentIsUnsupported(t *testing.T) {
	s := store.NewMockStore()
	a := newTestAssembler(t, s)
	save(t, s, &store.RawEvent{ID: "m1", Content: []byte(`[1,2`), Timestamp: "1"})

	convs, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, Unsupported, convs[0].Messages[0].Content)
}

func TestAssembleOne(t *testing.T) {
	s := store.NewMockStore()
	a := newTestAssembler(t, s)
	save(t, s, &store.RawEvent{ID: "m1", Content: textContent(t, "x"), Timestamp: "1"})
	save(t, s, &store.RawEvent{ID: "m2", ConversationID: "other@s.whatsapp.net", Content: textContent(t, "y"), Timestamp: "1"})

	c, err := a.AssembleOne(context.Background(), "s1", "other@s.whatsapp.net")
	require.NoError(t, err)
	assert.Equal(t, "y", c.Preview)

	_, err = a.AssembleOne(context.Background(), "s1", "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAssemble_Deterministic(t *testing.T) {
	s := store.NewMockStore()
	a := newTestAssembler(t, s)
	for i := 0; i < 5; i++ {
		save(t, s, &store.RawEvent{ID: "m" + strconv.Itoa(i), ConversationID: strconv.Itoa(5-i) + "@s.whatsapp.net", Content: textContent(t, "x"), Timestamp: "1"})
	}

	first, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)
	second, err := a.Assemble(context.Background(), "s1")
	require.NoError(t, err)

	b1, _ := json.Marshal(first)
	b2, _ := json.Marshal(second)
	assert.Equal(t, string(b1), string(b2))
}
