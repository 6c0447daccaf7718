package diagnostics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetmedic/fleetmedic/pkg/config"
	"github.com/fleetmedic/fleetmedic/pkg/events"
	"github.com/fleetmedic/fleetmedic/pkg/log"
	"github.com/fleetmedic/fleetmedic/pkg/metrics"
	"github.com/fleetmedic/fleetmedic/pkg/remote"
	"github.com/fleetmedic/fleetmedic/pkg/storage"
	"github.com/fleetmedic/fleetmedic/pkg/types"
)

const diagnosticTTL = 90 * 24 * time.Hour

// Classifier runs the diagnostic battery against an instance and turns
// the raw results into a classification and severity score.
type Classifier struct {
	store  storage.Store
	broker *events.Broker
	exec   remote.Executor
	cfg    config.DiagnosticsConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewClassifier creates a diagnostics classifier
func NewClassifier(store storage.Store, broker *events.Broker, exec remote.Executor, cfg config.DiagnosticsConfig) *Classifier {
	return &Classifier{
		store:  store,
		broker: broker,
		exec:   exec,
		cfg:    cfg,
		logger: log.WithComponent("diagnostics"),
		now:    time.Now,
	}
}

// Diagnose runs the full battery for the given health event, persists
// the DiagnosticRecord, and publishes a Diagnostics Complete event. The
// record is written even when the battery is inconclusive.
func (c *Classifier) Diagnose(ctx context.Context, event *types.HealthEvent) (*types.DiagnosticRecord, error) {
	logger := c.logger.With().Str("instance_id", event.InstanceID).Logger()
	logger.Info().Str("event_id", event.EventID).Msg("running diagnostic battery")

	timer := metrics.NewTimer()
	batteryCtx, cancel := context.WithTimeout(ctx, c.cfg.BatteryTimeout)
	defer cancel()

	results, inconclusive := c.runBattery(batteryCtx, event.InstanceID, logger)

	record := &types.DiagnosticRecord{
		DiagnosticID:   uuid.NewString(),
		InstanceID:     event.InstanceID,
		TargetGroupRef: event.TargetGroupRef,
		EventID:        event.EventID,
		RawChecks:      results,
		Inconclusive:   inconclusive,
		Timestamp:      c.now(),
		TTL:            c.now().Add(diagnosticTTL),
	}

	if inconclusive {
		record.Classification = types.ClassificationUnknown
		record.SeverityScore = 0
	} else {
		record.Classification = classify(results)
		record.SeverityScore = severity(results)
	}

	if err := c.store.CreateDiagnostic(record); err != nil {
		return nil, fmt.Errorf("failed to store diagnostic: %w", err)
	}

	metrics.DiagnosticsRuns.WithLabelValues(string(record.Classification)).Inc()
	timer.ObserveDuration(metrics.DiagnosticsDuration)

	c.broker.Publish(&events.Event{
		ID:             uuid.NewString(),
		Type:           events.DetailDiagnosticsComplete,
		InstanceID:     event.InstanceID,
		TargetGroupRef: event.TargetGroupRef,
		RecordID:       record.DiagnosticID,
		Metadata: map[string]string{
			"classification": string(record.Classification),
			"severity_score": fmt.Sprintf("%d", record.SeverityScore),
		},
	})

	logger.Info().
		Str("classification", string(record.Classification)).
		Int("severity_score", record.SeverityScore).
		Bool("inconclusive", record.Inconclusive).
		Msg("diagnostics complete")

	return record, nil
}

// runBattery executes every check in order. A check that errors or
// times out counts as failed. If the battery deadline expires the
// remaining checks are not run and the run is inconclusive.
func (c *Classifier) runBattery(ctx context.Context, instanceID string, logger zerolog.Logger) ([]types.CheckResult, bool) {
	results := make([]types.CheckResult, 0, len(battery))

	for _, check := range battery {
		if ctx.Err() != nil {
			logger.Warn().Str("check", check.Name).Msg("battery deadline exceeded")
			return results, true
		}

		result := c.runCheck(ctx, instanceID, check)
		if result.Failed {
			logger.Debug().Str("check", check.Name).Str("message", result.Message).
				Msg("diagnostic check failed")
		}
		results = append(results, result)

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return results, true
		}
	}

	return results, false
}

func (c *Classifier) runCheck(ctx context.Context, instanceID string, check Check) types.CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.cfg.CheckTimeout)
	defer cancel()

	start := c.now()
	out, err := c.exec.Run(checkCtx, instanceID, check.Command)

	result := types.CheckResult{
		Name:     check.Name,
		Category: check.Category,
		Weight:   check.Weight,
		Duration: c.now().Sub(start),
	}

	switch {
	case err != nil:
		result.Failed = true
		result.Message = err.Error()
	case out.ExitCode != 0:
		result.Failed = true
		result.Message = fmt.Sprintf("exit code %d: %s", out.ExitCode, out.Stdout)
	}

	return result
}

// classify picks the category with the highest cumulative failing
// weight. Ties break by severity of consequence for the instance.
func classify(results []types.CheckResult) types.Classification {
	weights := make(map[types.Classification]int)
	for _, r := range results {
		if r.Failed {
			weights[r.Category] += r.Weight
		}
	}
	if len(weights) == 0 {
		return types.ClassificationUnknown
	}

	best := types.ClassificationUnknown
	for category, weight := range weights {
		if best == types.ClassificationUnknown {
			best = category
			continue
		}
		if weight > weights[best] || (weight == weights[best] && tieBreak[category] < tieBreak[best]) {
			best = category
		}
	}
	return best
}

// severity is the failing share of the total battery weight, scaled to
// 0..100.
func severity(results []types.CheckResult) int {
	total, failing := 0, 0
	for _, r := range results {
		total += r.Weight
		if r.Failed {
			failing += r.Weight
		}
	}
	if total == 0 {
		return 0
	}
	score := failing * 100 / total
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}
