// ABOUTME: Websocket control channel attaching observers to sessions
// ABOUTME: Relays hub frames out and send/active commands in

package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/2389/tether/internal/auth"
	"github.com/2389/tether/internal/hub"
)

// ErrMalformedMessage is returned for observer messages that cannot be decoded
var ErrMalformedMessage = errors.New("malformed control message")

// Observer to server message types
const (
	CommandSend   = "send"
	CommandActive = "active"
)

// MissingSessionMessage is the error frame sent when no session is named.
const MissingSessionMessage = "missing session"

const writeTimeout = 5 * time.Second

// Sessions is what the control channel needs from the session manager.
type Sessions interface {
	EnsureConnected(ctx context.Context, sessionID string) error
	SendOutbound(ctx context.Context, sessionID, conversationID, text string) error
	SetActivityState(ctx context.Context, sessionID, conversationID string, active bool) error
	Connected(sessionID string) bool
	PairingCode(sessionID string) (string, bool)
}

// Command is an observer to server message.
type Command struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// SendData is the payload of a send command.
type SendData struct {
	RemoteJID string `json:"remotejid"`
	Content   string `json:"content"`
}

// ActiveData is the payload of an active command.
type ActiveData struct {
	RemoteJID string `json:"remotejid"`
	Status    bool   `json:"status"`
}

// Handler serves GET /ws?session=<id>.
type Handler struct {
	sessions Sessions
	hub      *hub.Hub
	verifier auth.TokenVerifier
	origins  []string
	logger   *slog.Logger
}

// NewHandler creates a control channel handler. A nil verifier leaves the
// channel unauthenticated. With no origin patterns any origin may connect.
func NewHandler(sessions Sessions, h *hub.Hub, verifier auth.TokenVerifier, origins []string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		sessions: sessions,
		hub:      h,
		verifier: verifier,
		origins:  origins,
		logger:   logger.With("component", "control"),
	}
}

// ServeHTTP upgrades the request and runs the observer until it disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sessionID := q.Get("session")

	if h.verifier != nil {
		token, errMsg := auth.TokenFromRequest(r)
		if errMsg != "" {
			http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
			return
		}
		claims, err := h.verifier.Verify(token)
		if err != nil {
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}
		if sessionID != "" && !claims.Allows(sessionID) {
			http.Error(w, `{"error":"`+auth.ErrWrongSession.Error()+`"}`, http.StatusForbidden)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.origins,
		InsecureSkipVerify: len(h.origins) == 0,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if sessionID == "" {
		frame, _ := json.Marshal(hub.Frame{Type: hub.EventError, Data: MissingSessionMessage})
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		_ = conn.Write(wctx, websocket.MessageText, frame)
		wcancel()
		_ = conn.Close(websocket.StatusPolicyViolation, MissingSessionMessage)
		return
	}

	obs, teardown := h.hub.Subscribe(ctx, sessionID)
	defer teardown()

	logger := h.logger.With("session_id", sessionID, "observer_id", obs.ID)
	logger.Info("observer attached")
	defer logger.Info("observer detached")

	go h.writeLoop(ctx, cancel, conn, obs, logger)

	h.attach(ctx, obs, q.Get("remotejid"), q.Get("message"), logger)

	h.readLoop(ctx, conn, obs, logger)
}

// attach connects the session and tells the new observer where it stands
func (h *Handler) attach(ctx context.Context, obs *hub.Observer, remoteJID, message string, logger *slog.Logger) {
	sessionID := obs.SessionID

	if err := h.sessions.EnsureConnected(ctx, sessionID); err != nil {
		logger.Error("connecting session", "error", err)
		h.hub.Send(obs, hub.EventError, err.Error())
	}

	code, pending := h.sessions.PairingCode(sessionID)
	h.hub.Send(obs, hub.EventConnection, h.sessions.Connected(sessionID) && !pending)
	if pending {
		h.hub.Send(obs, hub.EventQR, code)
	}

	if remoteJID != "" && message != "" {
		h.send(ctx, obs, SendData{RemoteJID: remoteJID, Content: message}, logger)
	}
}

func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, obs *hub.Observer, logger *slog.Logger) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-obs.Frames():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "session closed")
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, frame)
			wcancel()
			if err != nil {
				logger.Debug("write failed", "error", err)
				return
			}
		}
	}
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, obs *hub.Observer, logger *slog.Logger) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway && ctx.Err() == nil {
				logger.Debug("read failed", "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			logger.Warn("dropping binary message")
			continue
		}

		cmd, err := ParseCommand(data)
		if err != nil {
			logger.Warn("dropping control message", "error", err)
			continue
		}

		switch cmd.Type {
		case CommandSend:
			var d SendData
			if err := decodeData(cmd, &d); err != nil || d.RemoteJID == "" || d.Content == "" {
				logger.Warn("dropping send command", "error", errors.Join(ErrMalformedMessage, err))
				continue
			}
			h.send(ctx, obs, d, logger)

		case CommandActive:
			var d ActiveData
			if err := decodeData(cmd, &d); err != nil || d.RemoteJID == "" {
				logger.Warn("dropping active command", "error", errors.Join(ErrMalformedMessage, err))
				continue
			}
			if err := h.sessions.SetActivityState(ctx, obs.SessionID, d.RemoteJID, d.Status); err != nil {
				logger.Error("updating activity state", "conversation_id", d.RemoteJID, "error", err)
				h.hub.Send(obs, hub.EventError, err.Error())
			}

		default:
			logger.Warn("dropping unknown command", "type", cmd.Type)
		}
	}
}

// send forwards one outbound message; failures go back to this observer only
func (h *Handler) send(ctx context.Context, obs *hub.Observer, d SendData, logger *slog.Logger) {
	if err := h.sessions.SendOutbound(ctx, obs.SessionID, d.RemoteJID, d.Content); err != nil {
		logger.Warn("send failed", "conversation_id", d.RemoteJID, "error", err)
		h.hub.Send(obs, hub.EventError, err.Error())
	}
}

// ParseCommand decodes an observer message envelope.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	cmd.Type = strings.TrimSpace(cmd.Type)
	if cmd.Type == "" {
		return Command{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return cmd, nil
}

func decodeData(cmd Command, v any) error {
	if len(cmd.Data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedMessage)
	}
	if err := json.Unmarshal(cmd.Data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return nil
}
