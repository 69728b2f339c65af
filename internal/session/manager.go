// ABOUTME: Session connection manager: one live protocol connection per session
// ABOUTME: Runs the per-connection event loop, reconnects, pairing re-broadcast and logout

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/2389/tether/internal/authstate"
	"github.com/2389/tether/internal/conversation"
	"github.com/2389/tether/internal/hub"
	"github.com/2389/tether/internal/protocol"
	"github.com/2389/tether/internal/store"
	"github.com/2389/tether/internal/tenant"
)

// restoreConcurrency bounds parallel connects during Restore
const restoreConcurrency = 4

// Options configures a Manager.
type Options struct {
	Factory   protocol.Factory
	Creds     CredentialStore
	Events    store.EventStore
	Assembler Assembler
	Hub       *hub.Hub
	Tenants   tenant.Lookup

	// ReconnectDelay is the wait before reconnecting after a transient close.
	ReconnectDelay time.Duration
	// ReconnectMaxDelay enables capped exponential backoff when larger than ReconnectDelay.
	ReconnectMaxDelay time.Duration
	// PairingRebroadcast is how often a pending pairing code is re-sent.
	PairingRebroadcast time.Duration
	// PurgeHistoryOnLogout also deletes stored events when a session logs out.
	PurgeHistoryOnLogout bool

	// OnStateChange, when set, is called after every state transition.
	OnStateChange func(sessionID string, state State)

	Logger *slog.Logger
}

// entry is the manager's record of one session. Guarded by Manager.mu.
type entry struct {
	id           string
	state        State
	conn         protocol.Connection
	gen          uint64
	code         string
	attempts     int
	createdAt    time.Time
	lastActivity time.Time

	pairingStop chan struct{}
	reconnect   *time.Timer

	// purging is closed once a logout has purged stored state; while it is
	// open the entry is retired and connects wait on it
	purging chan struct{}

	// credMu orders credential saves against the logout purge. Not guarded
	// by Manager.mu.
	credMu sync.Mutex
}

func (e *entry) snapshot() Session {
	return Session{
		ID:           e.id,
		State:        e.state,
		PairingCode:  e.code,
		CreatedAt:    e.createdAt,
		LastActivity: e.lastActivity,
	}
}

func (e *entry) stopPairing() {
	if e.pairingStop != nil {
		close(e.pairingStop)
		e.pairingStop = nil
	}
}

func (e *entry) stopTimers() {
	e.stopPairing()
	if e.reconnect != nil {
		e.reconnect.Stop()
		e.reconnect = nil
	}
}

// beginRetire detaches e from its connection and marks it as purging.
// Caller holds Manager.mu.
func (e *entry) beginRetire() protocol.Connection {
	conn := e.conn
	e.conn = nil
	e.code = ""
	e.state = StateAbsent
	e.stopTimers()
	e.purging = make(chan struct{})
	return conn
}

// Manager owns every session's protocol connection.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
	closed   bool

	connects singleflight.Group
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewManager creates a Manager. Zero durations fall back to one second
// reconnects and a twenty second pairing re-broadcast.
func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.PairingRebroadcast <= 0 {
		opts.PairingRebroadcast = 20 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:     opts,
		logger:   opts.Logger.With("component", "session"),
		sessions: make(map[string]*entry),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// EnsureConnected makes sure sessionID has a live connection. If the
// connection is already open it triggers an "all" refresh instead.
// Concurrent callers for the same session share one connect attempt.
func (m *Manager) EnsureConnected(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrMissingSession
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	e := m.sessions[sessionID]
	var conn protocol.Connection
	if e != nil {
		conn = e.conn
	}
	m.mu.Unlock()

	if conn != nil {
		if conn.IsOpen() {
			m.refresh(ctx, sessionID)
		}
		// live but not yet open: pairing or handshake is in progress
		return nil
	}

	return m.connectShared(ctx, sessionID)
}

// connectShared joins or starts the single in-flight connect for sessionID.
// The shared attempt runs on the manager's context so one caller giving up
// does not cancel it for the others.
func (m *Manager) connectShared(ctx context.Context, sessionID string) error {
	ch := m.connects.DoChan(sessionID, func() (any, error) {
		return nil, m.connect(m.ctx, sessionID)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) connect(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	for {
		if m.closed {
			m.mu.Unlock()
			return ErrClosed
		}
		e := m.sessions[sessionID]
		if e == nil || e.purging == nil {
			break
		}
		// a logout is still purging; start over once it is gone
		wait := e.purging
		m.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
	}
	e := m.sessions[sessionID]
	if e != nil && e.conn != nil {
		m.mu.Unlock()
		return nil
	}
	if e == nil {
		now := time.Now()
		e = &entry{id: sessionID, createdAt: now, lastActivity: now}
		m.sessions[sessionID] = e
	}
	e.state = StateConnecting
	m.mu.Unlock()
	m.notify(sessionID, StateConnecting)

	creds, err := m.opts.Creds.Load(ctx, sessionID)
	if errors.Is(err, authstate.ErrAbsent) {
		creds = nil
	} else if err != nil {
		m.fail(e)
		return fmt.Errorf("loading credentials for %s: %w", sessionID, err)
	}

	conn, err := m.opts.Factory.Create(ctx, sessionID, creds)
	if err != nil {
		m.fail(e)
		return fmt.Errorf("connecting %s: %w", sessionID, err)
	}

	m.mu.Lock()
	if m.closed || m.sessions[sessionID] != e || e.purging != nil {
		// logged out or shut down while we were dialing
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	e.conn = conn
	e.gen++
	gen := e.gen
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("session connecting",
		"session_id", sessionID,
		"has_credentials", creds != nil,
	)

	go m.run(sessionID, e, conn, gen)
	return nil
}

// fail returns an entry to absent after a failed connect
func (m *Manager) fail(e *entry) {
	m.mu.Lock()
	if m.sessions[e.id] != e || e.conn != nil {
		m.mu.Unlock()
		return
	}
	e.state = StateAbsent
	m.mu.Unlock()
	m.notify(e.id, StateAbsent)
}

// current reports whether conn generation gen is still the session's live
// connection. Caller holds m.mu.
func (m *Manager) current(e *entry, gen uint64) bool {
	return !m.closed && m.sessions[e.id] == e && e.gen == gen && e.conn != nil
}

// run is the per-connection event loop. It handles events in protocol order.
func (m *Manager) run(sessionID string, e *entry, conn protocol.Connection, gen uint64) {
	defer m.wg.Done()

	sawClose := false
	for ev := range conn.Events() {
		switch ev := ev.(type) {
		case protocol.PairingCode:
			m.onPairingCode(e, gen, ev.Code)
		case protocol.Opened:
			m.onOpened(e, gen)
		case protocol.Closed:
			sawClose = true
			m.onClosed(e, gen, ev.Reason)
		case protocol.MessagesReceived:
			m.onMessages(e, gen, ev.Messages)
		case protocol.CredentialsUpdated:
			m.onCredentials(e, gen, ev.Credentials)
		default:
			m.logger.Warn("unknown protocol event", "session_id", sessionID, "type", fmt.Sprintf("%T", ev))
		}
	}

	if !sawClose {
		m.onClosed(e, gen, protocol.CloseReason{Message: "event stream ended"})
	}
}

func (m *Manager) onPairingCode(e *entry, gen uint64, code string) {
	m.mu.Lock()
	if !m.current(e, gen) {
		m.mu.Unlock()
		return
	}
	e.code = code
	e.state = StateAwaitingPairing
	e.lastActivity = time.Now()
	if e.pairingStop == nil {
		e.pairingStop = make(chan struct{})
		go m.rebroadcastPairing(e, e.pairingStop)
	}
	m.mu.Unlock()

	m.logger.Info("pairing code issued", "session_id", e.id)
	m.opts.Hub.Broadcast(e.id, hub.EventQR, code)
	m.opts.Hub.Broadcast(e.id, hub.EventConnection, false)
	m.notify(e.id, StateAwaitingPairing)
}

// rebroadcastPairing re-sends the cached code until stop is closed
func (m *Manager) rebroadcastPairing(e *entry, stop chan struct{}) {
	ticker := time.NewTicker(m.opts.PairingRebroadcast)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			code := e.code
			live := m.sessions[e.id] == e && e.state == StateAwaitingPairing
			m.mu.Unlock()
			if live && code != "" {
				m.opts.Hub.Broadcast(e.id, hub.EventQR, code)
			}
		}
	}
}

func (m *Manager) onOpened(e *entry, gen uint64) {
	m.mu.Lock()
	if !m.current(e, gen) {
		m.mu.Unlock()
		return
	}
	e.code = ""
	e.stopPairing()
	e.attempts = 0
	e.state = StateOpen
	e.lastActivity = time.Now()
	m.mu.Unlock()

	m.logger.Info("session open", "session_id", e.id)
	m.opts.Hub.Broadcast(e.id, hub.EventConnection, true)
	m.notify(e.id, StateOpen)
	m.refresh(m.ctx, e.id)
}

func (m *Manager) onClosed(e *entry, gen uint64, reason protocol.CloseReason) {
	m.mu.Lock()
	if !m.current(e, gen) {
		m.mu.Unlock()
		return
	}
	if reason.LoggedOut {
		e.beginRetire()
	} else {
		e.conn = nil
		e.code = ""
		e.stopTimers()
	}
	m.mu.Unlock()

	m.opts.Hub.Broadcast(e.id, hub.EventConnection, false)

	if reason.LoggedOut {
		m.logger.Warn("session logged out by protocol", "session_id", e.id, "reason", reason.String())
		_ = m.retire(m.ctx, e)
		m.opts.Hub.Broadcast(e.id, hub.EventError, LoggedOutMessage)
		m.notify(e.id, StateAbsent)
		return
	}

	m.logger.Warn("session disconnected", "session_id", e.id, "reason", reason.String())
	m.scheduleReconnect(e)
}

// scheduleReconnect arms the single reconnect timer for e
func (m *Manager) scheduleReconnect(e *entry) {
	m.mu.Lock()
	if m.closed || m.sessions[e.id] != e || e.conn != nil {
		m.mu.Unlock()
		return
	}
	if e.reconnect != nil {
		e.reconnect.Stop()
	}
	delay := m.backoff(e.attempts)
	e.attempts++
	e.state = StateReconnectPending
	e.reconnect = time.AfterFunc(delay, func() { m.reconnect(e) })
	m.mu.Unlock()

	m.logger.Debug("reconnect scheduled", "session_id", e.id, "delay", delay)
	m.notify(e.id, StateReconnectPending)
}

func (m *Manager) reconnect(e *entry) {
	m.mu.Lock()
	if m.closed || m.sessions[e.id] != e || e.state != StateReconnectPending || e.conn != nil {
		m.mu.Unlock()
		return
	}
	e.reconnect = nil
	m.mu.Unlock()

	if err := m.connectShared(m.ctx, e.id); err != nil {
		if errors.Is(err, ErrClosed) || errors.Is(err, context.Canceled) {
			return
		}
		m.logger.Error("reconnect failed", "session_id", e.id, "error", err)
		m.scheduleReconnect(e)
	}
}

// backoff returns the delay for the given number of consecutive attempts
func (m *Manager) backoff(attempts int) time.Duration {
	delay := m.opts.ReconnectDelay
	limit := m.opts.ReconnectMaxDelay
	if limit <= delay {
		return delay
	}
	for i := 0; i < attempts && delay < limit; i++ {
		delay *= 2
	}
	return min(delay, limit)
}

func (m *Manager) onMessages(e *entry, gen uint64, msgs []protocol.Message) {
	m.mu.Lock()
	if !m.current(e, gen) {
		m.mu.Unlock()
		return
	}
	e.lastActivity = time.Now()
	m.mu.Unlock()

	for _, msg := range msgs {
		if msg.Group || msg.Content.IsInternal() || msg.ConversationID == "" {
			continue
		}

		messageID := conversation.MessageID(msg.ConversationID, msg.ID, msg.Timestamp)
		content, err := json.Marshal(msg.Content)
		if err != nil {
			m.logger.Error("encoding message content", "session_id", e.id, "message_id", messageID, "error", err)
			continue
		}

		direction := store.DirectionInbound
		if msg.FromSelf {
			direction = store.DirectionOutbound
		}

		inserted, err := m.opts.Events.SaveRawEvent(m.ctx, &store.RawEvent{
			ID:             messageID,
			SessionID:      e.id,
			ConversationID: msg.ConversationID,
			Direction:      direction,
			FromSelf:       msg.FromSelf,
			SenderName:     msg.SenderName,
			Content:        content,
			Raw:            msg.Raw,
			Timestamp:      msg.Timestamp,
		})
		if err != nil {
			m.logger.Error("persisting message",
				"session_id", e.id,
				"conversation_id", msg.ConversationID,
				"message_id", messageID,
				"error", err,
			)
			continue
		}

		text := msg.Content.PlainText()
		if !inserted || msg.FromSelf || msg.History || text == "" {
			continue
		}

		m.opts.Hub.Broadcast(e.id, hub.EventMessages, IncomingMessage{
			Message:   text,
			UserID:    e.id,
			Username:  msg.SenderName,
			Date:      messageDate(msg.Timestamp),
			RemoteJID: msg.ConversationID,
			MessageID: messageID,
		})
	}

	m.refresh(m.ctx, e.id)
}

// messageDate is the broadcast form of a protocol timestamp
func messageDate(raw string) any {
	at, err := conversation.ParseTimestamp(raw)
	if err != nil {
		return raw
	}
	return at.Unix()
}

func (m *Manager) onCredentials(e *entry, gen uint64, creds protocol.Credentials) {
	// held across the check and the save so a logout purge cannot land
	// between them
	e.credMu.Lock()
	defer e.credMu.Unlock()

	m.mu.Lock()
	live := m.current(e, gen)
	m.mu.Unlock()
	if !live {
		return
	}

	if err := m.opts.Creds.Save(m.ctx, e.id, creds); err != nil {
		m.logger.Error("saving credentials", "session_id", e.id, "error", err)
		return
	}
	m.logger.Debug("credentials saved", "session_id", e.id)
}

// refresh assembles the session's conversations and broadcasts them as "all"
func (m *Manager) refresh(ctx context.Context, sessionID string) {
	convs, err := m.opts.Assembler.Assemble(ctx, sessionID)
	if err != nil {
		m.logger.Error("assembling conversations", "session_id", sessionID, "error", err)
		return
	}
	m.opts.Hub.Broadcast(sessionID, hub.EventAll, convs)
}

// Refresh re-broadcasts the session's assembled conversations.
func (m *Manager) Refresh(ctx context.Context, sessionID string) {
	m.refresh(ctx, sessionID)
}

// retire purges the stored state of an entry marked by beginRetire, then
// drops it and wakes connects waiting on it.
func (m *Manager) retire(ctx context.Context, e *entry) error {
	e.credMu.Lock()
	err := m.purge(ctx, e.id)
	e.credMu.Unlock()

	m.mu.Lock()
	if m.sessions[e.id] == e {
		delete(m.sessions, e.id)
	}
	m.mu.Unlock()
	close(e.purging)
	return err
}

// purge removes stored credentials, and history when configured
func (m *Manager) purge(ctx context.Context, sessionID string) error {
	var errs []error
	if err := m.opts.Creds.Purge(ctx, sessionID); err != nil {
		m.logger.Error("purging credentials", "session_id", sessionID, "error", err)
		errs = append(errs, err)
	}
	if m.opts.PurgeHistoryOnLogout {
		n, err := m.opts.Events.DeleteSessionEvents(ctx, sessionID)
		if err != nil {
			m.logger.Error("purging history", "session_id", sessionID, "error", err)
			errs = append(errs, err)
		} else {
			m.logger.Info("history purged", "session_id", sessionID, "events", n)
		}
	}
	return errors.Join(errs...)
}

// SendOutbound sends text to a conversation over the session's open connection.
func (m *Manager) SendOutbound(ctx context.Context, sessionID, conversationID, text string) error {
	m.mu.Lock()
	var conn protocol.Connection
	if e := m.sessions[sessionID]; e != nil {
		conn = e.conn
	}
	m.mu.Unlock()

	if conn == nil || !conn.IsOpen() {
		return ErrNoActiveConnection
	}

	messageID, err := conn.SendMessage(ctx, conversationID, text)
	if errors.Is(err, protocol.ErrNotOpen) {
		return ErrNoActiveConnection
	}
	if err != nil {
		return fmt.Errorf("sending to %s: %w", conversationID, err)
	}
	if messageID == "" {
		return nil
	}

	content, err := json.Marshal(protocol.TextContent(text))
	if err != nil {
		return fmt.Errorf("encoding outbound content: %w", err)
	}
	if _, err := m.opts.Events.SaveRawEvent(ctx, &store.RawEvent{
		ID:             messageID,
		SessionID:      sessionID,
		ConversationID: conversationID,
		Direction:      store.DirectionOutbound,
		FromSelf:       true,
		Content:        content,
		Timestamp:      strconv.FormatInt(time.Now().Unix(), 10),
	}); err != nil {
		// the message went out; the echo on the event stream may still record it
		m.logger.Error("persisting outbound message",
			"session_id", sessionID,
			"conversation_id", conversationID,
			"message_id", messageID,
			"error", err,
		)
	}
	return nil
}

// SetActivityState marks a conversation active or inactive in tenant
// metadata and re-broadcasts the session's conversations.
func (m *Manager) SetActivityState(ctx context.Context, sessionID, conversationID string, active bool) error {
	if err := m.opts.Tenants.SetStatus(ctx, conversationID, active); err != nil {
		return fmt.Errorf("setting status of %s: %w", conversationID, err)
	}
	m.refresh(ctx, sessionID)
	return nil
}

// CompletePairing forwards an out-of-band pairing token to the live connection.
func (m *Manager) CompletePairing(ctx context.Context, sessionID, token string) error {
	m.mu.Lock()
	var conn protocol.Connection
	if e := m.sessions[sessionID]; e != nil {
		conn = e.conn
	}
	m.mu.Unlock()

	if conn == nil {
		return ErrNoActiveConnection
	}
	p, ok := conn.(protocol.Pairer)
	if !ok {
		return ErrPairingUnsupported
	}
	if err := p.CompletePairing(ctx, token); err != nil {
		return fmt.Errorf("completing pairing for %s: %w", sessionID, err)
	}
	return nil
}

// Logout closes the session's connection, revokes it on the protocol side
// when the driver supports that, and purges stored credentials.
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return ErrMissingSession
	}

	m.mu.Lock()
	e := m.sessions[sessionID]
	if e != nil && e.purging != nil {
		// another logout is already purging this session
		wait := e.purging
		m.mu.Unlock()
		select {
		case <-wait:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if e == nil {
		// no live connection; a placeholder still holds off connects
		// until stored credentials are gone
		now := time.Now()
		e = &entry{id: sessionID, createdAt: now, lastActivity: now}
		m.sessions[sessionID] = e
	}
	conn := e.beginRetire()
	m.mu.Unlock()

	if conn != nil {
		if lo, ok := conn.(protocol.LoggerOut); ok {
			if err := lo.Logout(ctx); err != nil {
				m.logger.Warn("protocol logout failed", "session_id", sessionID, "error", err)
			}
		}
		if err := conn.Close(); err != nil {
			m.logger.Warn("closing connection", "session_id", sessionID, "error", err)
		}
	}

	err := m.retire(ctx, e)

	m.logger.Info("session logged out", "session_id", sessionID)
	m.opts.Hub.Broadcast(sessionID, hub.EventConnection, false)
	m.opts.Hub.Broadcast(sessionID, hub.EventError, LoggedOutMessage)
	m.notify(sessionID, StateAbsent)

	if err != nil {
		return fmt.Errorf("purging %s: %w", sessionID, err)
	}
	return nil
}

// Snapshot returns a copy of the session's state.
func (m *Manager) Snapshot(sessionID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.purging != nil {
		return Session{}, false
	}
	return e.snapshot(), true
}

// List returns snapshots of every known session ordered by id.
func (m *Manager) List() []Session {
	m.mu.Lock()
	out := make([]Session, 0, len(m.sessions))
	for _, e := range m.sessions {
		if e.purging != nil {
			continue
		}
		out = append(out, e.snapshot())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connected reports whether the session has an open connection.
func (m *Manager) Connected(sessionID string) bool {
	m.mu.Lock()
	var conn protocol.Connection
	if e := m.sessions[sessionID]; e != nil {
		conn = e.conn
	}
	m.mu.Unlock()
	return conn != nil && conn.IsOpen()
}

// PairingCode returns the cached pairing code, if one is pending.
func (m *Manager) PairingCode(sessionID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.sessions[sessionID]
	if !ok || e.code == "" {
		return "", false
	}
	return e.code, true
}

// Restore connects every session that has stored credentials.
func (m *Manager) Restore(ctx context.Context) error {
	ids, err := m.opts.Creds.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("listing stored sessions: %w", err)
	}

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(restoreConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if err := m.EnsureConnected(gctx, id); err != nil {
				m.logger.Error("restoring session", "session_id", id, "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("sessions restored", "count", len(ids), "failed", len(errs))
	return errors.Join(errs...)
}

// Close stops all timers and closes every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	var conns []protocol.Connection
	for _, e := range m.sessions {
		e.stopTimers()
		if e.conn != nil {
			conns = append(conns, e.conn)
		}
	}
	m.mu.Unlock()

	m.cancel()
	for _, c := range conns {
		if err := c.Close(); err != nil {
			m.logger.Warn("closing connection", "error", err)
		}
	}
	m.wg.Wait()
}

func (m *Manager) notify(sessionID string, state State) {
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(sessionID, state)
	}
}
