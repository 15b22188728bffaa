// Package api exposes a read-only HTTP surface for operators: liveness, the
// latest tick report, recent failures from the journal and Prometheus metrics.
// Routes under /api/v1 can be restricted to bearer tokens.
package api
