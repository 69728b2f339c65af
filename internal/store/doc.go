// Package store provides persistent storage for tether using SQLite.
//
// # Architecture
//
// The package is interface-driven. Store is composed of three narrower
// interfaces so consumers can depend on only what they use:
//
//   - EventStore: append-only raw protocol event history
//   - AuthStateStore: opaque per-session credential blobs
//   - TenantStore: per-conversation active/blocked flags
//
// SQLiteStore implements all of them in a single struct; MockStore is the
// in-memory equivalent used by tests in other packages.
//
// # Raw Events
//
// Every protocol message a session sees is stored once, keyed by
// (session, conversation, message id):
//
//	inserted, err := s.SaveRawEvent(ctx, &store.RawEvent{
//	    ID:             "m1",
//	    SessionID:      "tenant-a",
//	    ConversationID: "244900000000@s.whatsapp.net",
//	    Direction:      store.DirectionInbound,
//	    Content:        contentJSON,
//	    Timestamp:      "1718000000",
//	})
//
// A second insert with the same key is a no-op and reports inserted=false,
// so protocol redeliveries and replays cannot duplicate history. The
// timestamp is kept as the protocol sent it; interpreting it is the
// conversation assembler's job. Native payloads in RawEvent.Raw are
// compressed with zstd before they are written.
//
// # Schema Migrations
//
// Tables are created with CREATE TABLE IF NOT EXISTS on open. Column
// additions are applied by runMigrations, which inspects pragma_table_info
// first so it can run on every start.
//
// # Thread Safety
//
// SQLiteStore is safe for concurrent use. The database runs in WAL mode
// with a busy timeout so readers do not block the single writer.
package store
