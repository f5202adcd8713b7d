// Package api hosts the HTTP server, middleware, and REST handlers.
// Notable routes:
//   - POST /v1/screenshots renders the JSON-described page and returns the
//     image bytes.
//   - GET /v1/screenshots does the same from query parameters.
//   - GET /healthz and /readyz for Kubernetes probes; readyz reports pool
//     occupancy and turns 503 while the service drains.
//   - GET /metrics for Prometheus scraping.
//
// Failed captures answer with {"error": kind, "detail": ..., "retryable": bool}.
package api
