// Package gateway orchestrates the tether server components.
//
// # Overview
//
// The gateway owns every long-lived component and wires them together once:
//
//	store (sqlite)  ->  authstate, tenant lookup, conversation assembler
//	protocol driver ->  session.Manager  ->  hub  ->  control channel
//
// Nothing is global; handlers reach components through the Gateway.
//
// # HTTP API
//
// Routes registered in api.go:
//
//   - GET /health - Liveness check
//   - GET /health/ready - Ready when the store answers
//   - GET /ws?session=<id> - Websocket control channel (see package control)
//   - GET /pair/callback?session=&loginToken= - Completes out-of-band pairing
//   - GET /api/sessions - Live and stored sessions (admin)
//   - GET /api/sessions/{id} - One session snapshot
//   - POST /api/sessions/{id}/logout - Log out and purge credentials
//   - GET /api/sessions/{id}/conversations - Assembled transcripts
//   - GET /api/sessions/{id}/conversations/{conversation} - One transcript
//   - PUT /api/sessions/{id}/conversations/{conversation}/messages/{message}/rating
//
// With auth.jwt_secret set, /ws and /api routes need a bearer token (or a
// token query parameter). Session-scoped tokens only reach their own session;
// admin tokens reach everything.
//
// # gRPC Health
//
// The gRPC server carries only the standard health service. The empty
// service name reports the gateway itself; "tether.session.<id>" reports
// SERVING while that session's connection is open.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	go gw.Run(ctx)
//
// Run restores persisted sessions once the listeners are up and shuts
// everything down when ctx is canceled.
package gateway
