// Package protocol defines the boundary between tether and the external
// messaging protocol.
//
// A driver implements Factory. Each Connection it returns owns one
// protocol client for one session and reports everything that happens on
// it through a single ordered event channel:
//
//	conn, err := factory.Create(ctx, "tenant-a", creds)
//	for ev := range conn.Events() {
//	    switch ev := ev.(type) {
//	    case protocol.PairingCode:
//	    case protocol.Opened:
//	    case protocol.MessagesReceived:
//	    case protocol.CredentialsUpdated:
//	    case protocol.Closed:
//	    }
//	}
//
// Closed is always the final event. A Closed whose Reason.LoggedOut is set
// means the credentials were revoked and the session must be paired again.
//
// Drivers live in subpackages: loopback is an in-memory driver used for
// development and tests, matrix bridges sessions to a Matrix homeserver.
package protocol
