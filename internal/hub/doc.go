// Package hub fans session events out to attached observers.
//
// Each observer belongs to one session. Broadcast encodes a frame of the
// form {"type": ..., "data": ...} once and offers it to every observer of
// that session without blocking; observers with a full buffer miss the
// frame. Within one session, frames arrive in the order Broadcast was
// called.
package hub
