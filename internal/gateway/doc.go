// Package gateway orchestrates the switchboard server components.
//
// # Overview
//
// The gateway package is the central coordinator of a switchboard instance.
// It owns the store, the tenant event bus, the handoff engine, the ingestion
// pipeline, the auto-reply dispatcher and the scheduler, and serves them over
// HTTP, WebSocket and a gRPC health endpoint.
//
// # HTTP API
//
// Platform and widget endpoints:
//
//   - GET /webhooks/{channel} - Subscription handshake
//   - POST /webhooks/{channel} - Platform events (signature checked)
//   - POST /api/widget/lead - Register a visitor, returns a widget token
//   - GET|POST /api/widget/messages - Visitor timeline and sends (widget token)
//
// Staff endpoints (staff JWT):
//
//   - GET /api/conversations, GET /api/conversations/{id}
//   - GET|POST /api/conversations/{id}/messages
//   - POST /api/conversations/{id}/{mark-read,tags,bot-reply,nickname}
//   - POST /api/conversations/{id}/{lock,unlock}
//   - POST /api/conversations/{id}/{request-access,request-access-response}
//   - GET /api/customers?q=
//   - GET /api/integrations
//
// Admin endpoints (admin role):
//
//   - POST /api/integrations, DELETE /api/integrations/{id}
//   - POST /api/integrations/{id}/{activate,deactivate}
//   - POST /api/admin/force-logout
//
// Errors are JSON objects of the form {"error": "..."}. A lock conflict
// returns 409 with the current_handler.
//
// # Live Socket
//
// GET /ws upgrades to a WebSocket. The token may be passed as ?token= since
// browsers cannot set headers on the handshake. Every bus event for the
// caller's rooms is written as a JSON frame:
//
//	{"id":"...","type":"new-message","room":"org:o1","payload":{...},"created_at":"..."}
//
// Staff may send request-access and request-access-response frames:
//
//	{"type":"request-access","conversation_id":"..."}
//	{"type":"request-access-response","conversation_id":"...","requester_id":"...","accepted":true}
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	err = gw.Run(ctx)
//
// Run returns once ctx is done and shutdown has completed.
package gateway
