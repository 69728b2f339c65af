// ABOUTME: Capability interfaces for the external messaging protocol client
// ABOUTME: Sessions only see Factory, Connection and the Event stream defined here

package protocol

import (
	"context"
	"errors"
)

// ErrNotOpen is returned by SendMessage when the transport is not open
var ErrNotOpen = errors.New("connection not open")

// Credentials is the opaque key/value state a driver needs to resume a paired session.
// Drivers define the keys; the gateway only persists and restores the map.
type Credentials map[string]string

// Factory creates protocol connections for sessions.
type Factory interface {
	// Create opens a connection for sessionID. creds is nil when the session
	// has never been paired; the connection will then emit a PairingCode.
	Create(ctx context.Context, sessionID string, creds Credentials) (Connection, error)
}

// Connection is one live protocol client for one session.
type Connection interface {
	// IsOpen reports whether the transport is authenticated and usable.
	IsOpen() bool

	// Events delivers protocol events in the order the protocol produced them.
	// The channel is closed once the connection has shut down.
	Events() <-chan Event

	// SendMessage sends text to a conversation and returns the protocol message id.
	SendMessage(ctx context.Context, conversationID, text string) (string, error)

	// Close shuts the connection down without logging the session out.
	Close() error
}

// Pairer is implemented by connections that accept an out-of-band pairing
// token (for example a login token returned from a browser redirect).
type Pairer interface {
	CompletePairing(ctx context.Context, token string) error
}

// LoggerOut is implemented by connections that can revoke their own credentials
// on the protocol side.
type LoggerOut interface {
	Logout(ctx context.Context) error
}
