// ABOUTME: Session types, states and errors shared by the connection manager
// ABOUTME: Snapshots are copies; the manager owns the live entries

package session

import (
	"context"
	"errors"
	"time"

	"github.com/2389/tether/internal/conversation"
	"github.com/2389/tether/internal/protocol"
)

var (
	// ErrNoActiveConnection is returned when an operation needs an open connection
	ErrNoActiveConnection = errors.New("no active connection")

	// ErrPairingUnsupported is returned when the driver cannot take an out-of-band pairing token
	ErrPairingUnsupported = errors.New("pairing token not supported by protocol driver")

	// ErrMissingSession is returned for an empty session id
	ErrMissingSession = errors.New("missing session")

	// ErrClosed is returned after the manager has been closed
	ErrClosed = errors.New("session manager closed")
)

// LoggedOutMessage is the error text observers receive when a session is logged out.
const LoggedOutMessage = "session logged out"

// State is the lifecycle position of a session.
type State string

const (
	StateAbsent           State = "absent"
	StateConnecting       State = "connecting"
	StateAwaitingPairing  State = "awaiting_pairing"
	StateOpen             State = "open"
	StateReconnectPending State = "reconnect_pending"
)

// Session is a point-in-time copy of one session's state.
type Session struct {
	ID           string    `json:"id"`
	State        State     `json:"state"`
	PairingCode  string    `json:"pairing_code,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// IncomingMessage is the payload of a "messages" broadcast. Date holds the
// protocol timestamp in unix seconds, or the raw value when it does not parse.
type IncomingMessage struct {
	Message   string `json:"message"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Date      any    `json:"date"`
	RemoteJID string `json:"remoteJid"`
	MessageID string `json:"messageId"`
}

// CredentialStore is what the manager needs from credential persistence.
type CredentialStore interface {
	Load(ctx context.Context, sessionID string) (protocol.Credentials, error)
	Save(ctx context.Context, sessionID string, creds protocol.Credentials) error
	Purge(ctx context.Context, sessionID string) error
	Sessions(ctx context.Context) ([]string, error)
}

// Assembler produces the transcript view broadcast as "all".
type Assembler interface {
	Assemble(ctx context.Context, sessionID string) ([]conversation.Conversation, error)
}
