// ABOUTME: Event types emitted by protocol connections
// ABOUTME: Pairing codes, open/close transitions, inbound messages and credential updates

package protocol

// Event is one item on a Connection's event stream.
type Event interface {
	isEvent()
}

// PairingCode carries a code the session owner must scan or follow to pair.
type PairingCode struct {
	Code string
}

// Opened signals the connection is authenticated and ready to send.
type Opened struct{}

// Closed signals the transport went away. It is the last event on the stream.
type Closed struct {
	Reason CloseReason
}

// CloseReason describes why a connection closed.
type CloseReason struct {
	// LoggedOut is set when the protocol revoked the session's credentials.
	// A logged out session must not be reconnected.
	LoggedOut bool
	Message   string
	Err       error
}

func (r CloseReason) String() string {
	switch {
	case r.LoggedOut:
		return "logged out"
	case r.Message != "":
		return r.Message
	case r.Err != nil:
		return r.Err.Error()
	default:
		return "closed"
	}
}

// MessagesReceived carries one or more messages observed on the transport,
// including echoes of messages this session sent.
type MessagesReceived struct {
	Messages []Message
}

// CredentialsUpdated carries new credential state that must be persisted.
type CredentialsUpdated struct {
	Credentials Credentials
}

func (PairingCode) isEvent()        {}
func (Opened) isEvent()             {}
func (Closed) isEvent()             {}
func (MessagesReceived) isEvent()   {}
func (CredentialsUpdated) isEvent() {}

// Message is a single protocol message in driver-neutral form.
type Message struct {
	ID             string
	ConversationID string
	FromSelf       bool
	// Group is set for multi-party conversations; only direct chats are kept.
	Group      bool
	SenderName string
	// Timestamp is the protocol's seconds value as sent, possibly malformed.
	Timestamp string
	Content   Content
	// Raw is the native payload, stored alongside for debugging. Optional.
	Raw []byte
	// History marks backfill replayed on connect. It is stored but not announced.
	History bool
}
