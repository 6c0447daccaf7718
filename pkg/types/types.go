package types

import (
	"time"
)

// HealthEventKind classifies a detected target-health condition.
type HealthEventKind string

const (
	HealthEventUnhealthy HealthEventKind = "unhealthy"
	HealthEventDegraded  HealthEventKind = "degraded"
	HealthEventFlapping  HealthEventKind = "flapping"
)

// Classification is the closed failure taxonomy produced by diagnostics.
// Absence of a confident match is always Unknown, never an empty value.
type Classification string

const (
	ClassificationApplication        Classification = "application"
	ClassificationResourceBottleneck Classification = "resource-bottleneck"
	ClassificationAgentFailure       Classification = "agent-failure"
	ClassificationOSLevel            Classification = "os-level"
	ClassificationNetwork            Classification = "network"
	ClassificationDiskCorruption     Classification = "disk-corruption"
	ClassificationUnknown            Classification = "unknown"
)

// Action is a remediation decision for one instance.
type Action string

const (
	ActionRepair       Action = "repair"
	ActionReplace      Action = "replace"
	ActionSkip         Action = "skip"
	ActionEscalateOnly Action = "escalate-only"
)

// ActionStatus tracks the lifecycle of a heal action.
// At most one InFlight action may exist per instance at any time.
type ActionStatus string

const (
	ActionStatusPending   ActionStatus = "pending"
	ActionStatusInFlight  ActionStatus = "in-flight"
	ActionStatusSucceeded ActionStatus = "succeeded"
	ActionStatusFailed    ActionStatus = "failed"
)

// VerificationResult is the outcome of one post-heal verification attempt.
type VerificationResult string

const (
	VerificationHealthy   VerificationResult = "healthy"
	VerificationUnhealthy VerificationResult = "unhealthy"
	VerificationTimeout   VerificationResult = "timeout"
)

// HealthObservation is one raw target-state sample recorded on every
// poll, healthy or not. The collector's flap detection reads these.
type HealthObservation struct {
	InstanceID     string
	TargetGroupRef string
	State          string
	Timestamp      time.Time
	TTL            time.Time
}

// HealthEvent records one detected health signal for a target.
// Events are append-only; they are never mutated after creation.
type HealthEvent struct {
	EventID        string
	InstanceID     string
	TargetGroupRef string
	Kind           HealthEventKind
	State          string // raw state reported by the load balancer
	Reason         string
	Description    string
	Timestamp      time.Time
	TTL            time.Time
}

// CheckResult is the raw outcome of a single diagnostic check.
type CheckResult struct {
	Name     string
	Category Classification
	Weight   int
	Failed   bool
	Message  string
	Duration time.Duration
}

// DiagnosticRecord is produced once per health event by the classifier.
type DiagnosticRecord struct {
	DiagnosticID   string
	InstanceID     string
	TargetGroupRef string
	EventID        string // originating health event
	Classification Classification
	SeverityScore  int // 0..100
	Inconclusive   bool
	RawChecks      []CheckResult
	Timestamp      time.Time
	TTL            time.Time
}

// ActionStep records the outcome of one step of a heal action.
type ActionStep struct {
	Step   string
	Status string
	Error  string
}

// HealActionRecord is created Pending by the decision engine and driven
// to a terminal status by the heal executor.
type HealActionRecord struct {
	ActionID       string
	InstanceID     string
	TargetGroupRef string
	DiagnosticID   string // originating diagnostic
	Action         Action
	Status         ActionStatus
	Reason         string
	Classification Classification
	SeverityScore  int
	Steps          []ActionStep
	Timestamp      time.Time
	CompletedAt    time.Time
	TTL            time.Time
}

// Terminal reports whether the action has reached a final status.
func (r *HealActionRecord) Terminal() bool {
	return r.Status == ActionStatusSucceeded || r.Status == ActionStatusFailed
}

// VerificationRecord records one verification attempt for a heal action.
type VerificationRecord struct {
	VerificationID string
	InstanceID     string
	TargetGroupRef string
	ActionID       string
	Attempt        int
	Result         VerificationResult
	Message        string
	Timestamp      time.Time
	TTL            time.Time
}

// InstanceConfig is per-instance remediation policy. It is written only
// by an external operator interface; the pipeline treats it as read-only.
type InstanceConfig struct {
	InstanceID      string
	SkipRecovery    bool
	CooldownMinutes int
	AllowedActions  []Action
}

// Allows reports whether the policy permits the given action.
// Skip and EscalateOnly are always permitted; the allow-list constrains
// only the destructive actions.
func (c *InstanceConfig) Allows(action Action) bool {
	if action == ActionSkip || action == ActionEscalateOnly {
		return true
	}
	for _, a := range c.AllowedActions {
		if a == action {
			return true
		}
	}
	return false
}

// Cooldown returns the policy cooldown as a duration, falling back to the
// given default when the instance has no explicit value.
func (c *InstanceConfig) Cooldown(def time.Duration) time.Duration {
	if c == nil || c.CooldownMinutes <= 0 {
		return def
	}
	return time.Duration(c.CooldownMinutes) * time.Minute
}
