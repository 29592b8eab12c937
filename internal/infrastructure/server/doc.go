// Package server runs the admin HTTP server of the partition manager.
//
// The router carries recovery, tracing, request metrics, CORS and per-client
// rate limiting. Routes:
//
//	GET  /                  service name, version, boot id
//	GET  /health            200 while running, 503 when halted or stopped
//	GET  /v1/status         manager snapshot, metric totals, recovery breaker
//	GET  /v1/services       registry, ordered by sid
//	GET  /v1/services/:sid  one service; sid is decimal or 0x hex
//	POST /v1/reset          reboot every partition (globally rate limited)
//	GET  /metrics           Prometheus exposition
//
// Run blocks until its context ends and then drains in-flight requests.
package server
