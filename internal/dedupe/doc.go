// Package dedupe remembers recently seen protocol event ids so a driver can
// drop events the remote side delivers more than once, for example when a
// sync resumes from an older position after a reconnect.
//
// Keys are scoped by the caller. The Matrix driver uses "<session>/<event id>"
// and calls ForgetPrefix with the session id when the session is torn down.
package dedupe
