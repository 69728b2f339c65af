// ABOUTME: One Matrix client session exposed as a protocol.Connection
// ABOUTME: Runs the sync loop and turns room messages into protocol events

package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/tether/internal/protocol"
)

const eventBufferSize = 64

var (
	// ErrEmptyLoginToken is returned by CompletePairing for a blank token.
	ErrEmptyLoginToken = errors.New("empty login token")
	// ErrAlreadyPaired is returned by CompletePairing once the client is logged in.
	ErrAlreadyPaired = errors.New("session already paired")
)

// Conn is a Matrix connection for one session.
type Conn struct {
	sessionID string
	factory   *Factory
	client    *mautrix.Client
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	running   atomic.Bool
	open      atomic.Bool
	loggedOut atomic.Bool

	// backfill is set while the first sync of a fresh position is processed
	backfill atomic.Bool

	mu         sync.Mutex
	direct     map[id.RoomID]bool
	names      map[id.UserID]string
	crypto     *cryptohelper.CryptoHelper
	cryptoPath string

	sendMu   sync.Mutex
	closed   bool
	events   chan protocol.Event
	done     chan struct{}
	doneOnce sync.Once
}

func newConn(sessionID string, f *Factory, client *mautrix.Client) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		sessionID: sessionID,
		factory:   f,
		client:    client,
		logger:    f.logger.With("session_id", sessionID),
		ctx:       ctx,
		cancel:    cancel,
		direct:    make(map[id.RoomID]bool),
		names:     make(map[id.UserID]string),
		events:    make(chan protocol.Event, eventBufferSize),
		done:      make(chan struct{}),
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnSync(func(_ context.Context, _ *mautrix.RespSync, since string) bool {
		c.backfill.Store(since == "")
		return true
	})
	syncer.OnEventType(event.EventMessage, c.handleMessage)
	syncer.OnEventType(event.StateMember, c.handleMember)
	return c
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
	c.cancel()
	c.open.Store(false)

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

// start launches the sync loop once. verify checks resumed credentials first.
func (c *Conn) start(verify bool) bool {
	if !c.running.CompareAndSwap(false, true) {
		return false
	}
	c.wg.Add(1)
	go c.run(verify)
	return true
}

func (c *Conn) run(verify bool) {
	defer c.wg.Done()
	defer c.shutdown()

	if verify {
		if _, err := c.client.Whoami(c.ctx); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Warn("resuming matrix session failed", "error", err)
				c.emit(protocol.Closed{Reason: closeReason(err)})
			}
			return
		}
	}

	if c.factory.cfg.Encryption {
		if err := c.setupCrypto(c.ctx); err != nil {
			if c.ctx.Err() == nil {
				c.logger.Error("setting up encryption", "error", err)
				c.emit(protocol.Closed{Reason: protocol.CloseReason{Message: "encryption setup failed", Err: err}})
			}
			return
		}
	}

	c.open.Store(true)
	c.emit(protocol.Opened{})
	c.logger.Info("matrix sync started", "user_id", c.client.UserID)

	err := c.client.SyncWithContext(c.ctx)
	c.open.Store(false)
	if c.ctx.Err() != nil {
		return
	}
	c.logger.Warn("matrix sync stopped", "error", err)
	c.emit(protocol.Closed{Reason: closeReason(err)})
}

// closeReason maps a client error to a close reason. A rejected access
// token means the device was logged out elsewhere.
func closeReason(err error) protocol.CloseReason {
	switch {
	case errors.Is(err, mautrix.MUnknownToken):
		return protocol.CloseReason{LoggedOut: true, Message: "access token revoked", Err: err}
	case err == nil:
		return protocol.CloseReason{Message: "sync stopped"}
	default:
		return protocol.CloseReason{Err: err}
	}
}

func (c *Conn) handleMessage(ctx context.Context, evt *event.Event) {
	if c.factory.seen.Seen(c.sessionID + "/" + evt.ID.String()) {
		return
	}
	msg, ok := c.translate(ctx, evt)
	if !ok {
		return
	}
	c.emit(protocol.MessagesReceived{Messages: []protocol.Message{msg}})
}

// translate builds the driver-neutral message; edits are dropped
func (c *Conn) translate(ctx context.Context, evt *event.Event) (protocol.Message, bool) {
	content := evt.Content.AsMessage()
	if isEdit(content) {
		return protocol.Message{}, false
	}

	fromSelf := evt.Sender == c.client.UserID
	return protocol.Message{
		ID:             evt.ID.String(),
		ConversationID: evt.RoomID.String(),
		FromSelf:       fromSelf,
		Group:          !c.isDirect(ctx, evt.RoomID),
		SenderName:     c.displayName(ctx, evt.Sender),
		Timestamp:      timestampSeconds(evt.Timestamp),
		Content:        mapContent(content),
		Raw:            evt.Content.VeryRaw,
		History:        c.backfill.Load(),
	}, true
}

// handleMember accepts direct chat invites and forgets cached room shapes
func (c *Conn) handleMember(ctx context.Context, evt *event.Event) {
	c.mu.Lock()
	delete(c.direct, evt.RoomID)
	c.mu.Unlock()

	if evt.GetStateKey() != c.client.UserID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite || !member.IsDirect {
		return
	}
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		c.logger.Warn("joining direct chat", "room_id", evt.RoomID, "error", err)
		return
	}
	c.logger.Info("joined direct chat", "room_id", evt.RoomID, "inviter", evt.Sender)
}

// isDirect reports whether a room has at most two members. Lookup failures
// are not cached and read as not direct.
func (c *Conn) isDirect(ctx context.Context, roomID id.RoomID) bool {
	c.mu.Lock()
	d, ok := c.direct[roomID]
	c.mu.Unlock()
	if ok {
		return d
	}

	resp, err := c.client.JoinedMembers(ctx, roomID)
	if err != nil {
		c.logger.Warn("fetching room members", "room_id", roomID, "error", err)
		return false
	}
	d = len(resp.Joined) <= 2

	c.mu.Lock()
	c.direct[roomID] = d
	c.mu.Unlock()
	return d
}

// displayName resolves a sender's profile name, falling back to the localpart
func (c *Conn) displayName(ctx context.Context, user id.UserID) string {
	c.mu.Lock()
	name, ok := c.names[user]
	c.mu.Unlock()
	if ok {
		return name
	}

	resp, err := c.client.GetDisplayName(ctx, user)
	if err == nil && resp.DisplayName != "" {
		name = resp.DisplayName
	} else {
		name = localpart(user)
	}

	c.mu.Lock()
	c.names[user] = name
	c.mu.Unlock()
	return name
}

// IsOpen implements protocol.Connection.
func (c *Conn) IsOpen() bool {
	return c.open.Load()
}

// Events implements protocol.Connection.
func (c *Conn) Events() <-chan protocol.Event {
	return c.events
}

// SendMessage sends text to a room, with a formatted body when it carries markdown.
func (c *Conn) SendMessage(ctx context.Context, conversationID, text string) (string, error) {
	if !c.open.Load() {
		return "", protocol.ErrNotOpen
	}

	content := &event.MessageEventContent{MsgType: event.MsgText, Body: text}
	if formatted, ok := renderMarkdown(text); ok {
		content.Format = event.FormatHTML
		content.FormattedBody = formatted
	}

	resp, err := c.client.SendMessageEvent(ctx, id.RoomID(conversationID), event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("sending matrix message: %w", err)
	}
	return resp.EventID.String(), nil
}

// CompletePairing exchanges the SSO login token for an access token,
// emits the new credentials and starts syncing.
func (c *Conn) CompletePairing(ctx context.Context, token string) error {
	if token == "" {
		return ErrEmptyLoginToken
	}
	if c.running.Load() {
		return ErrAlreadyPaired
	}

	resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
		Type:                     mautrix.AuthTypeToken,
		Token:                    token,
		InitialDeviceDisplayName: c.factory.cfg.DeviceName,
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("matrix token login: %w", err)
	}

	c.logger.Info("matrix session paired", "user_id", resp.UserID, "device_id", resp.DeviceID)
	c.emit(protocol.CredentialsUpdated{Credentials: protocol.Credentials{
		CredHomeserver:  c.client.HomeserverURL.String(),
		CredUserID:      resp.UserID.String(),
		CredAccessToken: resp.AccessToken,
		CredDeviceID:    resp.DeviceID.String(),
	}})

	if !c.start(false) {
		return ErrAlreadyPaired
	}
	return nil
}

// Logout revokes the access token and drops local state for the session.
// The crypto store is removed when the connection closes.
func (c *Conn) Logout(ctx context.Context) error {
	if c.client.AccessToken != "" {
		if _, err := c.client.Logout(ctx); err != nil && !errors.Is(err, mautrix.MUnknownToken) {
			return fmt.Errorf("matrix logout: %w", err)
		}
	}
	c.factory.forget(c.sessionID)
	c.loggedOut.Store(true)
	return nil
}

// Close stops the sync loop without logging out.
func (c *Conn) Close() error {
	c.shutdown()
	c.wg.Wait()
	c.closeCrypto()

	if c.loggedOut.Load() {
		c.mu.Lock()
		path := c.cryptoPath
		c.mu.Unlock()
		if path != "" {
			removeCryptoStore(path)
		}
	}
	return nil
}

func (c *Conn) closeCrypto() {
	c.mu.Lock()
	helper := c.crypto
	c.crypto = nil
	c.mu.Unlock()

	if helper != nil {
		if err := helper.Close(); err != nil {
			c.logger.Debug("closing crypto helper", "error", err)
		}
	}
}
