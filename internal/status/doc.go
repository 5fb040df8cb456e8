// Package status exposes a running master to operators.
//
// HTTP routes:
//
//   - GET /health: liveness, always 200 "OK"
//   - GET /health/ready: 200 once the gateway is serving, 503 otherwise
//   - GET /api/clients: registered clients as JSON
//   - GET /api/stats: master counters and gateway state
//   - GET /api/events: ledger history, filtered by kind, client_id, since,
//     until and limit
//
// The gRPC listener carries only the standard health service
// (grpc.health.v1.Health) for both "" and ServiceName. Both report
// NOT_SERVING until the master is ready and again after Shutdown.
package status
