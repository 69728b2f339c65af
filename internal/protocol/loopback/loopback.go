// ABOUTME: In-memory protocol driver for development and tests
// ABOUTME: Connections are driven by method calls instead of a network peer

package loopback

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/tether/internal/protocol"
)

const eventBufferSize = 64

// CredentialKey is the credential entry the loopback driver writes on pairing.
const CredentialKey = "loopback_token"

// Factory creates loopback connections and records every Create call.
type Factory struct {
	// AutoStart makes new connections emit a PairingCode (no credentials)
	// or Opened (credentials present) as soon as they are created.
	AutoStart bool

	// Gate, when non-nil, blocks Create until it is closed or ctx ends.
	Gate chan struct{}

	// CreateErr, when set, is returned by Create.
	CreateErr error

	mu      sync.Mutex
	conns   map[string]*Conn
	creates map[string]int
}

// NewFactory returns a Factory with AutoStart enabled.
func NewFactory() *Factory {
	return &Factory{
		AutoStart: true,
		conns:     make(map[string]*Conn),
		creates:   make(map[string]int),
	}
}

// Create opens a loopback connection for sessionID.
func (f *Factory) Create(ctx context.Context, sessionID string, creds protocol.Credentials) (protocol.Connection, error) {
	f.mu.Lock()
	f.creates[sessionID]++
	gate := f.Gate
	createErr := f.CreateErr
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if createErr != nil {
		return nil, createErr
	}

	c := newConn(sessionID)

	f.mu.Lock()
	f.conns[sessionID] = c
	f.mu.Unlock()

	if f.AutoStart {
		if creds[CredentialKey] != "" {
			c.Open()
		} else {
			c.Pair("loopback:" + sessionID + ":" + uuid.NewString())
		}
	}
	return c, nil
}

// Creates returns how many times Create was called for sessionID.
func (f *Factory) Creates(sessionID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates[sessionID]
}

// Conn returns the most recent connection created for sessionID.
func (f *Factory) Conn(sessionID string) (*Conn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[sessionID]
	return c, ok
}

// Conn is a loopback connection. Its exported methods play the part of the
// remote protocol server.
type Conn struct {
	sessionID string

	mu   sync.Mutex
	open bool
	sent []protocol.Message

	// sendMu serializes emits so the stream keeps call order
	sendMu   sync.Mutex
	closed   bool
	events   chan protocol.Event
	done     chan struct{}
	doneOnce sync.Once
}

func newConn(sessionID string) *Conn {
	return &Conn{
		sessionID: sessionID,
		events:    make(chan protocol.Event, eventBufferSize),
		done:      make(chan struct{}),
	}
}

// emit delivers ev unless the connection has shut down
func (c *Conn) emit(ev protocol.Event) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

// shutdown closes the event stream exactly once
func (c *Conn) shutdown() {
	c.doneOnce.Do(func() { close(c.done) })

	c.mu.Lock()
	c.open = false
	c.mu.Unlock()

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

// Pair emits a pairing code.
func (c *Conn) Pair(code string) {
	c.emit(protocol.PairingCode{Code: code})
}

// Open marks the connection open and emits Opened.
func (c *Conn) Open() {
	select {
	case <-c.done:
		return
	default:
	}
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	c.emit(protocol.Opened{})
}

// Drop emits Closed with reason and shuts the stream.
func (c *Conn) Drop(reason protocol.CloseReason) {
	c.mu.Lock()
	c.open = false
	c.mu.Unlock()
	c.emit(protocol.Closed{Reason: reason})
	c.shutdown()
}

// Deliver emits inbound messages. Empty ids and timestamps are filled in.
func (c *Conn) Deliver(msgs ...protocol.Message) {
	for i := range msgs {
		if msgs[i].ID == "" {
			msgs[i].ID = uuid.NewString()
		}
		if msgs[i].Timestamp == "" {
			msgs[i].Timestamp = strconv.FormatInt(time.Now().Unix(), 10)
		}
	}
	c.emit(protocol.MessagesReceived{Messages: msgs})
}

// UpdateCredentials emits a credential update.
func (c *Conn) UpdateCredentials(creds protocol.Credentials) {
	c.emit(protocol.CredentialsUpdated{Credentials: creds})
}

// Sent returns the messages sent through this connection.
func (c *Conn) Sent() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

// IsOpen implements protocol.Connection.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Events implements protocol.Connection.
func (c *Conn) Events() <-chan protocol.Event {
	return c.events
}

// SendMessage records the message and echoes it back as a self-originated message.
func (c *Conn) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msg := protocol.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		FromSelf:       true,
		Timestamp:      strconv.FormatInt(time.Now().Unix(), 10),
		Content:        protocol.TextContent(text),
	}

	c.mu.Lock()
	if !c.open {
		c.mu.Unlock()
		return "", protocol.ErrNotOpen
	}
	c.sent = append(c.sent, msg)
	c.mu.Unlock()

	c.emit(protocol.MessagesReceived{Messages: []protocol.Message{msg}})
	return msg.ID, nil
}

// CompletePairing accepts any non-empty token, persists it as credentials and opens.
func (c *Conn) CompletePairing(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("empty pairing token")
	}
	c.UpdateCredentials(protocol.Credentials{CredentialKey: token})
	c.Open()
	return nil
}

// Logout closes the connection with a logged out reason.
func (c *Conn) Logout(ctx context.Context) error {
	c.Drop(protocol.CloseReason{LoggedOut: true, Message: "logged out by request"})
	return nil
}

// Close implements protocol.Connection.
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

var (
	_ protocol.Factory    = (*Factory)(nil)
	_ protocol.Connection = (*Conn)(nil)
	_ protocol.Pairer     = (*Conn)(nil)
	_ protocol.LoggerOut  = (*Conn)(nil)
)
