// Package gateway orchestrates the coven-relay server components.
//
// # Overview
//
// The gateway constructs exactly one of each core component and injects them
// into each other:
//
//	limiter  := ratelimit.New(...)            // admission for sends and uploads
//	registry := registry.New(..., limiter)    // connections, groups, queues
//	monitor  := heartbeat.New(..., registry)  // registered as a registry observer
//	sessions := interactive.New(..., registry)
//	reporter := reporter.New(registry, renderer)
//
// # Endpoints
//
//   - GET /ws - websocket endpoint (query: client_id, group)
//   - GET /health - Liveness check
//   - GET /health/ready - 503 while the registry is at capacity
//   - GET /api/stats - registry, limiter, heartbeat and session summary
//   - GET /api/clients, GET /api/clients/{id}/health - per-client health
//   - POST /api/sessions - publish questions; GET /api/sessions/{id}/wait blocks for answers
//   - POST /api/sessions/{id}/answers - submit an answer over HTTP
//   - POST /api/sessions/{id}/events - publish status, progress, response or error
//   - POST /api/uploads/{id} - upload admission; 429 with Retry-After when limited
//   - GET, DELETE /api/limits/{id}, POST /api/limits/{id}/block - inspect, clear or extend a cooldown
//
// Answers and events accept an Idempotency-Key header. A key repeated for the
// same session within ten minutes is acknowledged with "duplicate": true and
// not delivered again.
//
// # Lifecycle
//
// Run starts the limiter sweep, the idempotency key sweep, the registry flush
// loop, the heartbeat monitor and finally the HTTP server, on either a TCP
// listener or a tsnet listener when tailscale is enabled. Shutdown stops them in the reverse order and
// closes every client with "server shutdown".
package gateway
