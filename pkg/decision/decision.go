package decision

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetmedic/fleetmedic/pkg/config"
	"github.com/fleetmedic/fleetmedic/pkg/events"
	"github.com/fleetmedic/fleetmedic/pkg/log"
	"github.com/fleetmedic/fleetmedic/pkg/metrics"
	"github.com/fleetmedic/fleetmedic/pkg/storage"
	"github.com/fleetmedic/fleetmedic/pkg/types"
)

const actionTTL = 90 * 24 * time.Hour

// Outcome is the result of one decision run.
type Outcome struct {
	Action   types.Action
	Reason   string
	Deferred bool                    // coalesced into an in-progress remediation
	Record   *types.HealActionRecord // nil when deferred or notify-only
}

// Destructive reports whether the outcome dispatches a heal action.
func (o *Outcome) Destructive() bool {
	return !o.Deferred && (o.Action == types.ActionRepair || o.Action == types.ActionReplace)
}

// Engine selects the remediation action for a diagnosed instance.
type Engine struct {
	store  storage.Store
	broker *events.Broker
	cfg    config.DecisionConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewEngine creates a decision engine
func NewEngine(store storage.Store, broker *events.Broker, cfg config.DecisionConfig) *Engine {
	return &Engine{
		store:  store,
		broker: broker,
		cfg:    cfg,
		logger: log.WithComponent("decision"),
		now:    time.Now,
	}
}

// Decide evaluates policy and history for the diagnosed instance and
// returns the selected outcome. For Repair and Replace a Pending
// HealActionRecord is written and an Auto-Heal Trigger published; Skip
// and EscalateOnly produce no record and no executor invocation.
func (e *Engine) Decide(diag *types.DiagnosticRecord) (*Outcome, error) {
	logger := e.logger.With().Str("instance_id", diag.InstanceID).Logger()

	policy, err := e.instancePolicy(diag.InstanceID)
	if err != nil {
		return nil, err
	}

	// Standing cancellation gate: operator opted the instance out.
	if policy.SkipRecovery {
		logger.Info().Msg("recovery disabled for instance, skipping")
		return e.record(diag, types.ActionSkip, "policy", "recovery disabled by instance policy")
	}

	// An unfinished remediation absorbs this event. Pending counts the
	// same as InFlight: a redelivered diagnosis must never queue a
	// second action behind one the executor has not claimed yet.
	open, err := e.openHealAction(diag.InstanceID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		metrics.DecisionsDeferred.Inc()
		logger.Info().Str("action_id", open.ActionID).
			Str("status", string(open.Status)).
			Msg("remediation already open, deferring")
		return &Outcome{Action: open.Action, Reason: "remediation in progress", Deferred: true}, nil
	}

	if remaining := e.cooldownRemaining(diag.InstanceID, policy); remaining > 0 {
		logger.Info().Dur("remaining", remaining).Msg("instance in cooldown, skipping")
		return e.record(diag, types.ActionSkip, "cooldown", "cooldown")
	}

	candidate, code, reason, err := e.candidate(diag)
	if err != nil {
		return nil, err
	}

	if !policy.Allows(candidate) {
		reason = fmt.Sprintf("%s not permitted by instance policy", candidate)
		candidate, code = types.ActionEscalateOnly, "policy"
	}

	return e.record(diag, candidate, code, reason)
}

// openHealAction returns the instance's non-terminal heal action, or
// nil. Checks both the in-flight scan and the latest record so a
// freshly created Pending action gates the same way a claimed one does.
func (e *Engine) openHealAction(instanceID string) (*types.HealActionRecord, error) {
	inflight, err := e.store.InFlightHealAction(instanceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("in-flight lookup failed: %w", err)
	}
	if inflight != nil {
		return inflight, nil
	}

	last, err := e.store.LatestHealAction(instanceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("action history lookup failed: %w", err)
	}
	if last != nil && !last.Terminal() {
		return last, nil
	}
	return nil, nil
}

func (e *Engine) instancePolicy(instanceID string) (*types.InstanceConfig, error) {
	policy, err := e.store.GetInstanceConfig(instanceID)
	if errors.Is(err, storage.ErrNotFound) {
		// No operator policy: defaults allow both destructive actions.
		return &types.InstanceConfig{
			InstanceID:     instanceID,
			AllowedActions: []types.Action{types.ActionRepair, types.ActionReplace},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("instance policy lookup failed: %w", err)
	}
	return policy, nil
}

// cooldownRemaining returns how long until a new action is allowed, or
// zero. An action completed exactly CooldownMinutes ago is out of
// cooldown.
func (e *Engine) cooldownRemaining(instanceID string, policy *types.InstanceConfig) time.Duration {
	last, err := e.store.LatestHealAction(instanceID)
	if err != nil || !last.Terminal() {
		return 0
	}
	elapsed := e.now().Sub(last.CompletedAt)
	cooldown := policy.Cooldown(e.cfg.DefaultCooldown)
	if elapsed >= cooldown {
		return 0
	}
	return cooldown - elapsed
}

// candidate maps the classification to an action. Unknown never yields
// a destructive action. The code is a low-cardinality label for metrics;
// the reason is the human-readable explanation carried on the record.
func (e *Engine) candidate(diag *types.DiagnosticRecord) (types.Action, string, string, error) {
	switch diag.Classification {
	case types.ClassificationApplication, types.ClassificationAgentFailure:
		return types.ActionRepair, "repairable", fmt.Sprintf("repairable %s failure", diag.Classification), nil

	case types.ClassificationResourceBottleneck, types.ClassificationOSLevel:
		repairs, err := e.store.RepairCount(diag.InstanceID)
		if err != nil {
			return "", "", "", fmt.Errorf("repair history lookup failed: %w", err)
		}
		if repairs == 0 {
			return types.ActionRepair, "first_occurrence", fmt.Sprintf("first %s occurrence, attempting repair", diag.Classification), nil
		}
		return types.ActionReplace, "repeat_failure", fmt.Sprintf("repeat %s after %d prior repairs", diag.Classification, repairs), nil

	case types.ClassificationNetwork, types.ClassificationDiskCorruption:
		return types.ActionReplace, "unrepairable", fmt.Sprintf("%s is not repairable in place", diag.Classification), nil

	default:
		return types.ActionEscalateOnly, "inconclusive", "diagnosis inconclusive, refusing destructive action", nil
	}
}

// record finalizes the outcome. Only Repair and Replace produce a
// HealActionRecord and an executor trigger.
func (e *Engine) record(diag *types.DiagnosticRecord, action types.Action, code, reason string) (*Outcome, error) {
	metrics.Decisions.WithLabelValues(string(action), code).Inc()

	outcome := &Outcome{Action: action, Reason: reason}
	if action == types.ActionSkip || action == types.ActionEscalateOnly {
		return outcome, nil
	}

	now := e.now()
	rec := &types.HealActionRecord{
		ActionID:       uuid.NewString(),
		InstanceID:     diag.InstanceID,
		TargetGroupRef: diag.TargetGroupRef,
		DiagnosticID:   diag.DiagnosticID,
		Action:         action,
		Status:         types.ActionStatusPending,
		Reason:         reason,
		Classification: diag.Classification,
		SeverityScore:  diag.SeverityScore,
		Timestamp:      now,
		TTL:            now.Add(actionTTL),
	}
	if err := e.store.CreateHealAction(rec); err != nil {
		return nil, fmt.Errorf("failed to store heal action: %w", err)
	}
	outcome.Record = rec

	e.broker.Publish(&events.Event{
		ID:             uuid.NewString(),
		Type:           events.DetailAutoHealTrigger,
		InstanceID:     diag.InstanceID,
		TargetGroupRef: diag.TargetGroupRef,
		RecordID:       rec.ActionID,
		Metadata: map[string]string{
			"action": string(action),
			"reason": reason,
		},
	})

	e.logger.Info().
		Str("instance_id", diag.InstanceID).
		Str("action", string(action)).
		Str("reason", reason).
		Msg("heal action dispatched")

	return outcome, nil
}
