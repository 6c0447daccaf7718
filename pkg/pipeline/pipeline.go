package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetmedic/fleetmedic/pkg/decision"
	"github.com/fleetmedic/fleetmedic/pkg/diagnostics"
	"github.com/fleetmedic/fleetmedic/pkg/events"
	"github.com/fleetmedic/fleetmedic/pkg/executor"
	"github.com/fleetmedic/fleetmedic/pkg/lifecycle"
	"github.com/fleetmedic/fleetmedic/pkg/log"
	"github.com/fleetmedic/fleetmedic/pkg/metrics"
	"github.com/fleetmedic/fleetmedic/pkg/notifier"
	"github.com/fleetmedic/fleetmedic/pkg/storage"
	"github.com/fleetmedic/fleetmedic/pkg/types"
	"github.com/fleetmedic/fleetmedic/pkg/verifier"
)

// Pipeline routes broker events between the stages. Every consumed
// event either advances the instance to the next stage or ends its run
// with a notification; nothing is dropped silently.
type Pipeline struct {
	store      storage.Store
	broker     *events.Broker
	classifier *diagnostics.Classifier
	engine     *decision.Engine
	executor   *executor.Executor
	verifier   *verifier.Verifier
	dispatcher *notifier.Dispatcher
	tracker    *lifecycle.Tracker
	logger     zerolog.Logger
	sub        events.Subscriber
	doneCh     chan struct{}
	wg         sync.WaitGroup
}

// NewPipeline wires the stages together
func NewPipeline(
	store storage.Store,
	broker *events.Broker,
	classifier *diagnostics.Classifier,
	engine *decision.Engine,
	exec *executor.Executor,
	ver *verifier.Verifier,
	dispatcher *notifier.Dispatcher,
) *Pipeline {
	return &Pipeline{
		store:      store,
		broker:     broker,
		classifier: classifier,
		engine:     engine,
		executor:   exec,
		verifier:   ver,
		dispatcher: dispatcher,
		tracker:    lifecycle.NewTracker(),
		logger:     log.WithComponent("pipeline"),
		doneCh:     make(chan struct{}),
	}
}

// Tracker exposes the per-instance lifecycle state, for status surfaces.
func (p *Pipeline) Tracker() *lifecycle.Tracker {
	return p.tracker
}

// Start subscribes to the broker and begins dispatching events.
func (p *Pipeline) Start() {
	p.sub = p.broker.Subscribe()
	go p.run()
}

// Stop stops consuming and waits for in-flight dispatches to finish.
// Unsubscribing first keeps the reader draining until the channel
// closes, so a broker mid-delivery is never left blocked on a dead
// subscription.
func (p *Pipeline) Stop() {
	p.broker.Unsubscribe(p.sub)
	<-p.doneCh
	p.wg.Wait()
}

// run drains the subscription and hands each event to its own
// goroutine. A slow stage (a verifier backoff, a long repair) must not
// back up the subscriber channel and starve other instances: runs for
// distinct instances proceed in parallel, and concurrent or duplicate
// work on the same instance is resolved by the store's conditional
// writes, not by serializing here.
func (p *Pipeline) run() {
	defer close(p.doneCh)
	for event := range p.sub {
		p.wg.Add(1)
		go func(event *events.Event) {
			defer p.wg.Done()
			p.dispatch(context.Background(), event)
		}(event)
	}
}

func (p *Pipeline) dispatch(ctx context.Context, event *events.Event) {
	var err error
	switch event.Type {
	case events.DetailTargetHealthIssue, events.DetailUnhealthyTarget,
		events.DetailDegradedTarget, events.DetailFlappingTarget:
		err = p.handleDetection(ctx, event)
	case events.DetailDiagnosticsComplete:
		err = p.handleDiagnosis(ctx, event)
	case events.DetailAutoHealTrigger:
		err = p.handleTrigger(ctx, event)
	case events.DetailAutoHealComplete:
		err = p.handleCompletion(ctx, event)
	case events.DetailVerificationComplete:
		p.handleVerification(ctx, event)
	default:
		p.logger.Warn().Str("type", string(event.Type)).Msg("unroutable event")
		return
	}

	if err != nil {
		// A stage that cannot run leaves the instance where a human
		// must look at it. The error is surfaced, never swallowed.
		p.logger.Error().Err(err).
			Str("type", string(event.Type)).
			Str("instance_id", event.InstanceID).
			Msg("pipeline stage failed")
		p.abort(ctx, event, err)
	}
}

// handleDetection moves a detected instance into diagnosis.
func (p *Pipeline) handleDetection(ctx context.Context, event *events.Event) error {
	p.transition(event.InstanceID, lifecycle.StateDetected)

	healthEvent, err := p.store.GetHealthEvent(event.RecordID)
	if err != nil {
		return fmt.Errorf("health event %s: %w", event.RecordID, err)
	}

	p.transition(event.InstanceID, lifecycle.StateDiagnosing)
	_, err = p.classifier.Diagnose(ctx, healthEvent)
	return err
}

// handleDiagnosis runs the decision engine and terminates skip and
// escalate-only outcomes with a notification.
func (p *Pipeline) handleDiagnosis(ctx context.Context, event *events.Event) error {
	diag, err := p.store.GetDiagnostic(event.RecordID)
	if err != nil {
		return fmt.Errorf("diagnostic %s: %w", event.RecordID, err)
	}

	p.transition(event.InstanceID, lifecycle.StateDecided)
	outcome, err := p.engine.Decide(diag)
	if err != nil {
		return err
	}

	switch {
	case outcome.Deferred:
		// Coalesced into the in-flight remediation; that run's
		// lifecycle continues, this event ends here.
	case outcome.Action == types.ActionSkip:
		p.transition(event.InstanceID, lifecycle.StateSkipped)
		p.notifyOutcome(ctx, diag, "auto_heal_skipped", string(outcome.Action), outcome.Reason)
	case outcome.Action == types.ActionEscalateOnly:
		p.transition(event.InstanceID, lifecycle.StateEscalated)
		metrics.Escalations.Inc()
		p.notifyOutcome(ctx, diag, "auto_heal_escalation", string(outcome.Action), outcome.Reason)
	default:
		// Repair or Replace: the Auto-Heal Trigger event carries the
		// run forward.
	}
	return nil
}

func (p *Pipeline) handleTrigger(ctx context.Context, event *events.Event) error {
	p.transition(event.InstanceID, lifecycle.StateHealing)
	return p.executor.Execute(ctx, event.RecordID)
}

func (p *Pipeline) handleCompletion(ctx context.Context, event *events.Event) error {
	p.transition(event.InstanceID, lifecycle.StateVerifying)
	return p.verifier.Verify(ctx, event.RecordID)
}

// handleVerification ends the run: verified targets are back in
// service, everything else is handed to a human.
func (p *Pipeline) handleVerification(ctx context.Context, event *events.Event) {
	escalated, _ := strconv.ParseBool(event.Metadata["escalated"])

	notification := &notifier.Notification{
		InstanceID:     event.InstanceID,
		TargetGroupRef: event.TargetGroupRef,
		Action:         event.Metadata["action"],
		Result:         event.Metadata["result"],
		Timestamp:      event.Timestamp,
		Message:        event.Metadata["message"],
	}

	if escalated {
		p.transition(event.InstanceID, lifecycle.StateEscalated)
		notification.EventType = "auto_heal_escalation"
	} else {
		p.transition(event.InstanceID, lifecycle.StateVerified)
		notification.EventType = "auto_heal_verified"
	}
	p.dispatcher.Dispatch(ctx, notification)
}

// abort ends the instance's run after an unrecoverable stage error.
func (p *Pipeline) abort(ctx context.Context, event *events.Event, cause error) {
	p.transition(event.InstanceID, lifecycle.StateEscalated)
	metrics.Escalations.Inc()
	p.dispatcher.Dispatch(ctx, &notifier.Notification{
		EventType:      "auto_heal_error",
		InstanceID:     event.InstanceID,
		TargetGroupRef: event.TargetGroupRef,
		Timestamp:      time.Now().UTC(),
		Message:        fmt.Sprintf("pipeline stage %s failed: %v", event.Type, cause),
	})
}

func (p *Pipeline) notifyOutcome(ctx context.Context, diag *types.DiagnosticRecord, eventType, action, reason string) {
	p.dispatcher.Dispatch(ctx, &notifier.Notification{
		EventType:      eventType,
		InstanceID:     diag.InstanceID,
		TargetGroupRef: diag.TargetGroupRef,
		Classification: string(diag.Classification),
		SeverityScore:  diag.SeverityScore,
		Action:         action,
		Timestamp:      time.Now().UTC(),
		Message:        reason,
	})
}

// transition records the lifecycle move. Out-of-order events, such as a
// duplicate delivery replaying an earlier stage, are logged and allowed
// to proceed; correctness is enforced by the store's conditional
// writes, the tracker is an observability surface.
func (p *Pipeline) transition(instanceID string, to lifecycle.State) {
	err := p.tracker.Transition(instanceID, to)
	var invalid *lifecycle.ErrInvalidTransition
	if errors.As(err, &invalid) {
		p.logger.Debug().
			Str("instance_id", instanceID).
			Str("from", string(invalid.From)).
			Str("to", string(to)).
			Msg("out-of-order lifecycle transition")
	}
}
