// Package api hosts the local proxy's control plane. Notable routes:
//   - GET /request/queue.xml, eta, add, remove for a user's queue.
//   - GET /request/result.xml and search.xml for offline and online search.
//   - GET /request/status and richness for the link and crawl settings.
//   - GET /request/signup and claim to register users and adopt orphans.
//   - GET /healthz and /metrics for probes and Prometheus scraping.
package api
