package verifier

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetmedic/fleetmedic/pkg/config"
	"github.com/fleetmedic/fleetmedic/pkg/events"
	"github.com/fleetmedic/fleetmedic/pkg/fleet"
	"github.com/fleetmedic/fleetmedic/pkg/health"
	"github.com/fleetmedic/fleetmedic/pkg/loadbalancer"
	"github.com/fleetmedic/fleetmedic/pkg/log"
	"github.com/fleetmedic/fleetmedic/pkg/metrics"
	"github.com/fleetmedic/fleetmedic/pkg/storage"
	"github.com/fleetmedic/fleetmedic/pkg/types"
)

const verificationTTL = 30 * 24 * time.Hour

// AddressFunc resolves an instance ID to the host or IP its health
// endpoint listens on.
type AddressFunc func(instanceID string) string

// Verifier confirms that a healed instance is actually healthy before
// putting it back in service. It is the only component that
// re-registers targets.
type Verifier struct {
	store   storage.Store
	broker  *events.Broker
	lb      loadbalancer.Client
	fleet   fleet.Manager
	cfg     config.VerifierConfig
	resolve AddressFunc
	logger  zerolog.Logger
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewVerifier creates a verifier. resolve may be nil, in which case the
// instance ID itself is used as the health endpoint host.
func NewVerifier(store storage.Store, broker *events.Broker, lb loadbalancer.Client, fm fleet.Manager, cfg config.VerifierConfig, resolve AddressFunc) *Verifier {
	if resolve == nil {
		resolve = func(instanceID string) string { return instanceID }
	}
	return &Verifier{
		store:   store,
		broker:  broker,
		lb:      lb,
		fleet:   fm,
		cfg:     cfg,
		resolve: resolve,
		logger:  log.WithComponent("verifier"),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Verify drives the post-heal verification for a completed action. A
// failed action escalates immediately. A succeeded action is polled
// with bounded attempts and increasing backoff; the first healthy
// result re-registers the target, and exhaustion escalates without
// re-registering. The pipeline never loops back into another heal from
// here.
func (v *Verifier) Verify(ctx context.Context, actionID string) error {
	rec, err := v.store.GetHealAction(actionID)
	if err != nil {
		return fmt.Errorf("failed to load action %s: %w", actionID, err)
	}
	if !rec.Terminal() {
		return fmt.Errorf("action %s is not terminal (status %s)", actionID, rec.Status)
	}

	logger := v.logger.With().
		Str("instance_id", rec.InstanceID).
		Str("action_id", rec.ActionID).
		Logger()

	if rec.Status == types.ActionStatusFailed {
		logger.Warn().Msg("heal action failed, escalating without verification")
		v.escalate(rec, types.VerificationUnhealthy, "heal action failed: "+stepFailure(rec))
		return nil
	}

	backoff := v.cfg.InitialBackoff
	for attempt := 1; attempt <= v.cfg.Attempts; attempt++ {
		if attempt > 1 {
			if err := v.sleep(ctx, backoff); err != nil {
				return err
			}
			backoff = time.Duration(float64(backoff) * v.cfg.BackoffFactor)
		}

		healthy, message := v.attempt(ctx, rec)
		metrics.VerificationAttempts.WithLabelValues(resultLabel(healthy)).Inc()
		logger.Debug().Int("attempt", attempt).Bool("healthy", healthy).
			Str("message", message).Msg("verification attempt")

		if healthy {
			return v.confirm(ctx, rec, attempt, message, logger)
		}

		if attempt < v.cfg.Attempts {
			v.recordAttempt(rec, attempt, types.VerificationUnhealthy, message)
		} else {
			v.recordAttempt(rec, attempt, types.VerificationTimeout, "verification window exhausted: "+message)
		}
	}

	// Circuit breaker: no automatic re-heal, a human takes over.
	logger.Warn().Msg("verification exhausted, escalating")
	v.escalate(rec, types.VerificationTimeout, "instance did not recover within the verification window")
	return nil
}

// attempt runs one round of infrastructure-level and application-level
// checks. For a replacement the old instance must be gone; for a repair
// the instance must be running and answering on its health endpoint.
func (v *Verifier) attempt(ctx context.Context, rec *types.HealActionRecord) (bool, string) {
	state, err := v.fleet.InstanceState(ctx, rec.InstanceID)
	if err != nil {
		return false, "fleet state lookup failed: " + err.Error()
	}

	if rec.Action == types.ActionReplace {
		if state == fleet.StateTerminated {
			return true, "termination confirmed, replacement delegated to fleet orchestration"
		}
		return false, "instance still " + state
	}

	if state != fleet.StateRunning {
		return false, "instance state " + state
	}

	host := v.resolve(rec.InstanceID)
	addr := fmt.Sprintf("%s:%d", host, v.cfg.HealthPort)

	tcp := health.NewTCPChecker(addr).WithTimeout(v.cfg.HealthTimeout)
	if result := tcp.Check(ctx); !result.Healthy {
		return false, result.Message
	}

	url := fmt.Sprintf("http://%s%s", addr, v.cfg.HealthPath)
	httpCheck := health.NewHTTPChecker(url).WithTimeout(v.cfg.HealthTimeout)
	if result := httpCheck.Check(ctx); !result.Healthy {
		return false, result.Message
	}

	return true, "application endpoint healthy"
}

// confirm puts a repaired target back in service and records the
// healthy verification. A replaced instance ID is never re-registered.
func (v *Verifier) confirm(ctx context.Context, rec *types.HealActionRecord, attempt int, message string, logger zerolog.Logger) error {
	if rec.Action != types.ActionReplace {
		if err := v.lb.RegisterTarget(ctx, rec.TargetGroupRef, rec.InstanceID); err != nil {
			return fmt.Errorf("failed to re-register target %s: %w", rec.InstanceID, err)
		}
		metrics.TargetsReregistered.Inc()
		logger.Info().Msg("target re-registered")
	}

	v.recordAttempt(rec, attempt, types.VerificationHealthy, message)
	v.publish(rec, types.VerificationHealthy, false, message)
	logger.Info().Int("attempt", attempt).Msg("verification healthy")
	return nil
}

func (v *Verifier) recordAttempt(rec *types.HealActionRecord, attempt int, result types.VerificationResult, message string) {
	now := v.now()
	verification := &types.VerificationRecord{
		VerificationID: uuid.NewString(),
		InstanceID:     rec.InstanceID,
		TargetGroupRef: rec.TargetGroupRef,
		ActionID:       rec.ActionID,
		Attempt:        attempt,
		Result:         result,
		Message:        message,
		Timestamp:      now,
		TTL:            now.Add(verificationTTL),
	}
	if err := v.store.CreateVerification(verification); err != nil {
		v.logger.Error().Err(err).Str("action_id", rec.ActionID).
			Msg("failed to store verification record")
	}
}

func (v *Verifier) escalate(rec *types.HealActionRecord, result types.VerificationResult, message string) {
	metrics.Escalations.Inc()
	v.publish(rec, result, true, message)
}

func (v *Verifier) publish(rec *types.HealActionRecord, result types.VerificationResult, escalated bool, message string) {
	v.broker.Publish(&events.Event{
		ID:             uuid.NewString(),
		Type:           events.DetailVerificationComplete,
		InstanceID:     rec.InstanceID,
		TargetGroupRef: rec.TargetGroupRef,
		RecordID:       rec.ActionID,
		Metadata: map[string]string{
			"result":    string(result),
			"escalated": fmt.Sprintf("%t", escalated),
			"action":    string(rec.Action),
			"message":   message,
		},
	})
}

func resultLabel(healthy bool) string {
	if healthy {
		return string(types.VerificationHealthy)
	}
	return string(types.VerificationUnhealthy)
}

func stepFailure(rec *types.HealActionRecord) string {
	for _, step := range rec.Steps {
		if step.Status == "failed" && step.Error != "" {
			return step.Error
		}
	}
	return rec.Reason
}
