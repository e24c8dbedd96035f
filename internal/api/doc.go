// Package api hosts the HTTP server, middleware and handlers for the crawl
// service. Notable routes:
//   - POST /api/scrape queues a crawl job for a target.
//   - GET /api/task/{job_id} reports the job lifecycle and its result.
//   - GET /api/quotes pages through ingested records.
//   - GET /health checks the record store round trip.
//   - GET /metrics for Prometheus scraping.
package api
