// Package auth provides token authentication for tether.
//
// # Tokens
//
// Observers and operators authenticate with HS256 JWTs signed with the
// configured auth.jwt_secret. Two scopes exist:
//
//   - session: the "sub" claim is a session id; the token opens the control
//     channel for that session only.
//   - admin: valid for every session and for the operator HTTP API.
//
// When no secret is configured authentication is disabled and the
// middlewares pass requests through unchanged.
//
// # Transport
//
// Tokens are read from the Authorization header ("Bearer <token>") or, for
// websocket upgrades from browsers, from the "token" query parameter.
package auth
