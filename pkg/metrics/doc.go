/*
Package metrics exposes Prometheus metrics for every pipeline stage:
issues detected and suppressed by the collector, diagnostic runs by
classification, decisions by action and reason, executed actions by
result, verification attempts, escalations, and store purges.

All metrics are registered at init. The run command serves them from
/metrics via Serve.

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.DiagnosticsDuration)
*/
package metrics
