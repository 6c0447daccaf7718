package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Collector metrics
	IssuesDetected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmedic_issues_detected_total",
			Help: "Total health issues detected by kind",
		},
		[]string{"kind"},
	)

	IssuesSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmedic_issues_suppressed_total",
			Help: "Total duplicate health issues suppressed by the dedup window",
		},
	)

	CollectorErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmedic_collector_errors_total",
			Help: "Total health-signal source failures (self-healing by polling)",
		},
	)

	UnhealthyTargets = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetmedic_unhealthy_targets",
			Help: "Unhealthy targets per target group as of the last poll",
		},
		[]string{"target_group"},
	)

	// Diagnostics metrics
	DiagnosticsRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmedic_diagnostics_runs_total",
			Help: "Total diagnostic batteries run by resulting classification",
		},
		[]string{"classification"},
	)

	DiagnosticsDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetmedic_diagnostics_duration_seconds",
			Help:    "Time taken to run the diagnostic battery in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Decision metrics
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmedic_decisions_total",
			Help: "Total decisions by action and reason",
		},
		[]string{"action", "reason"},
	)

	DecisionsDeferred = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmedic_decisions_deferred_total",
			Help: "Total decisions deferred because an action was already in flight",
		},
	)

	// Executor metrics
	ActionsExecuted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmedic_actions_executed_total",
			Help: "Total heal actions executed by action and result",
		},
		[]string{"action", "result"},
	)

	ActionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetmedic_action_duration_seconds",
			Help:    "Heal action execution time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	// Verifier metrics
	VerificationAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmedic_verification_attempts_total",
			Help: "Total verification attempts by result",
		},
		[]string{"result"},
	)

	TargetsReregistered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmedic_targets_reregistered_total",
			Help: "Total targets re-registered after a healthy verification",
		},
	)

	Escalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmedic_escalations_total",
			Help: "Total terminal escalations requiring human intervention",
		},
	)

	// Storage metrics
	RecordsPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetmedic_records_purged_total",
			Help: "Total expired records purged from the state store",
		},
	)
)

func init() {
	prometheus.MustRegister(
		IssuesDetected,
		IssuesSuppressed,
		CollectorErrors,
		UnhealthyTargets,
		DiagnosticsRuns,
		DiagnosticsDuration,
		Decisions,
		DecisionsDeferred,
		ActionsExecuted,
		ActionDuration,
		VerificationAttempts,
		TargetsReregistered,
		Escalations,
		RecordsPurged,
	)
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
