// Package api hosts the operator HTTP server of a conversion run. Notable
// routes:
//   - GET /healthz / readyz for Kubernetes health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/run for the live status of the current run and POST
//     /v1/run/cancel to interrupt it.
//   - GET /v1/runs and /v1/runs/{run_id} for run history via the
//     RunRepository interface.
package api
