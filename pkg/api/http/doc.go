// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Query submission (POST /query)
//   - Result polling (GET /result/:sessionId)
//   - Session logs (GET /logs/:sessionId, live at /logs/:sessionId/ws)
//   - Worker registry (GET /workers)
//   - Health checks and Prometheus metrics
package http
