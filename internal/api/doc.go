// Package api hosts the HTTP server, middleware, and handlers. Notable routes:
//   - POST /scrape runs one scheduling pass and returns the enqueued jobs.
//   - GET /scrape_status/{job_id} reports a job.
//   - GET /ping, /healthz, /readyz for probes; GET /metrics for Prometheus.
//   - /v1/regions and /v1/subscriptions for administration.
package api
