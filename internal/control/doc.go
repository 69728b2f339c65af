// Package control implements the websocket control channel.
//
// # Wire Protocol
//
// Observers connect to GET /ws?session=<id>. Every message in both
// directions is a JSON object {"type": ..., "data": ...}.
//
// Server to observer:
//
//	qr          pairing code string
//	connection  bool
//	error       string
//	messages    {message, userId, username, date, remoteJid, messageId}
//	all         array of conversations
//
// Observer to server:
//
//	send        {remotejid, content}
//	active      {remotejid, status}
//
// Malformed or unknown messages are logged and dropped. Failures caused by
// one observer's command are reported to that observer only.
//
// The optional query parameters remotejid and message send one message
// right after the observer attaches.
package control
