// Package api serves the operator-facing HTTP surface: liveness,
// Prometheus metrics, and read-only pipeline status per instance.
package api
