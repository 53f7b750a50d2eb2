// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/audits to start an audit; GET /v1/audits/{id} and
//     /v1/audits/{id}/pages for results; POST /v1/audits/{id}/cancel.
//   - /v1/schedules CRUD for recurring audits.
//   - GET /v1/jobs/{id} for queue job snapshots.
package api
