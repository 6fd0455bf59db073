// Package api hosts the HTTP server, middleware, and handlers that expose the
// fetch layer. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/fetch to retrieve one URL, chasing publisher redirects.
package api
