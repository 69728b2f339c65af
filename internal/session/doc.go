// Package session manages the protocol connection behind each messaging session.
//
// # Lifecycle
//
// A session moves through these states:
//
//	absent -> connecting -> awaiting_pairing -> open -> reconnect_pending -> connecting ...
//
// A logout, whether requested by an operator or reported by the protocol,
// returns the session to absent and purges its credentials. A logged out
// session is never reconnected.
//
// # Concurrency
//
// Each live connection has one event loop goroutine, so events from one
// session are handled in the order the protocol produced them. Connect
// attempts for the same session are collapsed with singleflight, which keeps
// at most one live connection per session.
//
// # Broadcasts
//
// The manager reports progress to observers through the hub:
//
//	qr          pairing code (re-sent periodically while pending)
//	connection  true once open, false on any close
//	messages    a newly stored inbound text message
//	all         every conversation of the session, freshly assembled
//	error       "session logged out"
package session
