// Package api hosts the admin HTTP server. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/accounts/... for status summaries, listings and lookups.
//   - GET /v1/compensation/... for the retry backlog and per-account history.
//   - GET /v1/ledger for recent round outcomes.
//   - GET /v1/proxy for the current proxy lease.
package api
