package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetmedic/fleetmedic/pkg/events"
	"github.com/fleetmedic/fleetmedic/pkg/fleet"
	"github.com/fleetmedic/fleetmedic/pkg/loadbalancer"
	"github.com/fleetmedic/fleetmedic/pkg/log"
	"github.com/fleetmedic/fleetmedic/pkg/metrics"
	"github.com/fleetmedic/fleetmedic/pkg/remote"
	"github.com/fleetmedic/fleetmedic/pkg/storage"
	"github.com/fleetmedic/fleetmedic/pkg/types"
)

// Executor carries out heal actions. Re-registration after a repair is
// owned by the verifier; this component only takes targets out of
// service.
type Executor struct {
	store  storage.Store
	broker *events.Broker
	lb     loadbalancer.Client
	fleet  fleet.Manager
	exec   remote.Executor
	logger zerolog.Logger
}

// NewExecutor creates a heal executor
func NewExecutor(store storage.Store, broker *events.Broker, lb loadbalancer.Client, fm fleet.Manager, exec remote.Executor) *Executor {
	return &Executor{
		store:  store,
		broker: broker,
		lb:     lb,
		fleet:  fm,
		exec:   exec,
		logger: log.WithComponent("executor"),
	}
}

// Execute drives a Pending heal action to a terminal status. The
// Pending to InFlight swap is a conditional write; if it conflicts the
// trigger is a duplicate and Execute is a no-op. An Auto-Heal Complete
// event is always published for an action this call owned, carrying
// failure detail when the action failed.
func (e *Executor) Execute(ctx context.Context, actionID string) error {
	rec, err := e.store.TransitionHealAction(actionID, types.ActionStatusPending, types.ActionStatusInFlight, nil)
	if errors.Is(err, storage.ErrConflict) {
		e.logger.Info().Str("action_id", actionID).
			Msg("action already claimed, ignoring duplicate trigger")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to claim action %s: %w", actionID, err)
	}

	logger := e.logger.With().
		Str("instance_id", rec.InstanceID).
		Str("action_id", rec.ActionID).
		Str("action", string(rec.Action)).
		Logger()
	logger.Info().Str("reason", rec.Reason).Msg("executing heal action")

	timer := metrics.NewTimer()
	var steps []types.ActionStep
	var runErr error

	switch rec.Action {
	case types.ActionReplace:
		steps, runErr = e.replace(ctx, rec)
	default:
		steps, runErr = e.repair(ctx, rec)
	}

	status := types.ActionStatusSucceeded
	if runErr != nil {
		status = types.ActionStatusFailed
		logger.Error().Err(runErr).Msg("heal action failed")
	}

	final, err := e.store.TransitionHealAction(rec.ActionID, types.ActionStatusInFlight, status, func(r *types.HealActionRecord) {
		r.Steps = steps
	})
	if err != nil {
		return fmt.Errorf("failed to finalize action %s: %w", rec.ActionID, err)
	}

	timer.ObserveDuration(metrics.ActionDuration.WithLabelValues(string(rec.Action)))
	metrics.ActionsExecuted.WithLabelValues(string(rec.Action), string(status)).Inc()

	metadata := map[string]string{
		"action": string(rec.Action),
		"status": string(status),
	}
	if runErr != nil {
		metadata["error"] = runErr.Error()
	}
	e.broker.Publish(&events.Event{
		ID:             uuid.NewString(),
		Type:           events.DetailAutoHealComplete,
		InstanceID:     rec.InstanceID,
		TargetGroupRef: rec.TargetGroupRef,
		RecordID:       rec.ActionID,
		Metadata:       metadata,
	})

	logger.Info().Str("status", string(final.Status)).Msg("heal action complete")
	return nil
}

// repair takes the target out of service and runs the classification's
// repair plan. Deregistration failure is recorded but does not abort
// the plan; the commands may still fix the instance.
func (e *Executor) repair(ctx context.Context, rec *types.HealActionRecord) ([]types.ActionStep, error) {
	steps := []types.ActionStep{e.deregister(ctx, rec)}

	plan := planFor(rec.Classification)
	cmdCtx, cancel := context.WithTimeout(ctx, plan.timeout)
	defer cancel()

	for _, command := range plan.commands {
		step := types.ActionStep{Step: "repair_command", Status: "success"}
		out, err := e.exec.Run(cmdCtx, rec.InstanceID, command)
		switch {
		case err != nil:
			step.Status = "failed"
			step.Error = err.Error()
		case out.ExitCode != 0:
			step.Status = "failed"
			step.Error = fmt.Sprintf("exit code %d: %s", out.ExitCode, out.Stdout)
		}
		steps = append(steps, step)
		if step.Status == "failed" {
			return steps, fmt.Errorf("repair command failed: %s", step.Error)
		}
	}

	return steps, nil
}

// replace takes the target out of service permanently and hands the
// instance to the fleet manager. The old instance ID is never
// re-registered.
func (e *Executor) replace(ctx context.Context, rec *types.HealActionRecord) ([]types.ActionStep, error) {
	steps := []types.ActionStep{e.deregister(ctx, rec)}

	step := types.ActionStep{Step: "replace_instance", Status: "success"}
	if err := e.fleet.Replace(ctx, rec.InstanceID); err != nil {
		step.Status = "failed"
		step.Error = err.Error()
		steps = append(steps, step)
		return steps, fmt.Errorf("instance replacement failed: %w", err)
	}
	steps = append(steps, step)

	return steps, nil
}

func (e *Executor) deregister(ctx context.Context, rec *types.HealActionRecord) types.ActionStep {
	step := types.ActionStep{Step: "deregister_target", Status: "success"}
	if err := e.lb.DeregisterTarget(ctx, rec.TargetGroupRef, rec.InstanceID); err != nil {
		step.Status = "failed"
		step.Error = err.Error()
		e.logger.Warn().Err(err).Str("instance_id", rec.InstanceID).
			Msg("failed to deregister target")
	}
	return step
}
