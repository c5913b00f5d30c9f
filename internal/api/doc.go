// Package api hosts the operator HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /jobs for the pending queue and failure records.
//   - GET /jobs/completed?url=... to check the completed index.
//   - POST /jobs to submit a batch of URLs for an origin.
package api
