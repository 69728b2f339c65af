// Package conversation assembles session history into transcripts.
//
// # Overview
//
// Raw protocol events are stored once each (see package store). A
// Conversation is never stored; it is rebuilt from those events whenever
// something changes, so the transcript observers see cannot drift from
// history.
//
//	asm, _ := conversation.NewAssembler(store, tenants, nil, logger)
//	convs, err := asm.Assemble(ctx, "tenant-a")
//
// # Assembly Rules
//
// For each conversation id found under the session:
//
//  1. Each record becomes a Message. Records whose timestamp is not a
//     positive number are dropped.
//  2. Messages are sorted by time; equal times keep insertion order.
//  3. The display name is the sender name of the first inbound record
//     from the other party, else the digits of the conversation id.
//  4. Status comes from the tenant lookup. Lookup failures read as inactive.
//  5. Date and Preview come from the last message, and are omitted for
//     conversations with no valid messages.
//
// # Content Text
//
// ExtractText is the single translation from protocol content shapes to
// text. Precedence: plain conversation text, text, extended text, button
// text, list description, a media tag (image, audio, video, document),
// and finally "unsupported".
package conversation
