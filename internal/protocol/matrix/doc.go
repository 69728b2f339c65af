// Package matrix is a protocol driver that bridges sessions to accounts on a
// Matrix homeserver.
//
// Pairing uses the homeserver's SSO flow. An unpaired session's pairing code
// is the SSO redirect URL; once the person signs in, the homeserver sends the
// browser to the configured redirect with a loginToken, and the gateway hands
// that token to CompletePairing. The resulting access token and device id are
// emitted as credentials.
//
// Only rooms with at most two joined members are reported as direct
// conversations. Events from the first sync of a connection with no saved
// sync position are flagged as history. Edits are ignored.
//
// With encryption enabled each session keeps its own sqlite crypto store under
// the data directory.
package matrix
