// Package api hosts the HTTP server, middleware, and REST handlers for
// gurtd's public surface. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /api/sites to submit a new domain for crawling.
//   - GET /api/search and GET /search to query the index.
package api
