// Package cmd hosts the citefetch CLI.
//
// Architecture overview:
//   - fetch: builds an internal/fetch.Request from config defaults and flags, runs one Fetch call, and prints a JSON
//     summary (or the decoded body with --print-body). With --output or export.target the body is written once to a
//     local directory or gs://bucket/prefix through internal/storage.
//   - serve: exposes internal/api.Server (POST /v1/fetch, /healthz, /readyz, /metrics) and drains in-flight requests
//     on SIGINT/SIGTERM.
//   - Plumbing: Viper populates config from file and CITEFETCH_* env vars (STATIC_IP_PROXY is honored for the proxy);
//     zap provides structured logging; Prometheus metrics are registered once per process.
//
// Quick checklist:
//   - Run locally: go run . fetch https://doi.org/10.1000/xyz --publisher "Ovid Technologies (Wolters Kluwer Health)"
//   - Serve: go run . serve --config config.yaml (listens on --port, $PORT, or server.port).
package cmd
