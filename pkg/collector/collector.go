package collector

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/fleetmedic/fleetmedic/pkg/config"
	"github.com/fleetmedic/fleetmedic/pkg/events"
	"github.com/fleetmedic/fleetmedic/pkg/loadbalancer"
	"github.com/fleetmedic/fleetmedic/pkg/log"
	"github.com/fleetmedic/fleetmedic/pkg/metrics"
	"github.com/fleetmedic/fleetmedic/pkg/storage"
	"github.com/fleetmedic/fleetmedic/pkg/types"
)

const (
	observationTTL = 24 * time.Hour
	eventTTL       = 30 * 24 * time.Hour
	flapHistory    = 10 // observations examined per flap check
)

// Collector polls target-group health on a fixed interval, normalizes
// and deduplicates the signals, and emits typed health events.
type Collector struct {
	store  storage.Store
	broker *events.Broker
	lb     loadbalancer.Client
	cfg    config.CollectorConfig
	logger zerolog.Logger
	stopCh chan struct{}
	now    func() time.Time
}

// NewCollector creates a health collector
func NewCollector(store storage.Store, broker *events.Broker, lb loadbalancer.Client, cfg config.CollectorConfig) *Collector {
	return &Collector{
		store:  store,
		broker: broker,
		lb:     lb,
		cfg:    cfg,
		logger: log.WithComponent("collector"),
		stopCh: make(chan struct{}),
		now:    time.Now,
	}
}

// Start begins the polling loop
func (c *Collector) Start() {
	go c.run()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) run() {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	// Poll immediately on start
	c.Poll(context.Background())

	for {
		select {
		case <-ticker.C:
			c.Poll(context.Background())
		case <-c.stopCh:
			return
		}
	}
}

// Poll runs one collection cycle over all configured target groups.
// A source outage is not fatal: the next tick retries.
func (c *Collector) Poll(ctx context.Context) {
	issues := 0
	for _, tg := range c.cfg.TargetGroups {
		n, err := c.pollTargetGroup(ctx, tg)
		if err != nil {
			metrics.CollectorErrors.Inc()
			c.logger.Warn().Err(err).Str("target_group", tg).
				Msg("health signal source unreachable, will retry on next tick")
			continue
		}
		issues += n
	}

	purged, err := c.store.PurgeExpired(c.now())
	if err != nil {
		c.logger.Warn().Err(err).Msg("record purge failed")
	} else if purged > 0 {
		metrics.RecordsPurged.Add(float64(purged))
		c.logger.Debug().Int("purged", purged).Msg("expired records purged")
	}

	c.logger.Debug().Int("issues_detected", issues).Msg("poll cycle complete")
}

func (c *Collector) pollTargetGroup(ctx context.Context, targetGroupRef string) (int, error) {
	targets, err := c.lb.DescribeTargetHealth(ctx, targetGroupRef)
	if err != nil {
		return 0, err
	}

	now := c.now()
	issues := 0
	unhealthy := 0

	for _, target := range targets {
		if target.State == loadbalancer.StateUnhealthy {
			unhealthy++
		}
		// Record every observed state; flap detection needs the
		// healthy samples too.
		obs := &types.HealthObservation{
			InstanceID:     target.InstanceID,
			TargetGroupRef: targetGroupRef,
			State:          target.State,
			Timestamp:      now,
			TTL:            now.Add(observationTTL),
		}
		if err := c.store.RecordObservation(obs); err != nil {
			c.logger.Warn().Err(err).Str("instance_id", target.InstanceID).
				Msg("failed to record observation")
		}

		kind, detail, ok := classifySignal(target)
		if !ok {
			flapping, err := c.isFlapping(target.InstanceID)
			if err != nil {
				c.logger.Debug().Err(err).Str("instance_id", target.InstanceID).
					Msg("flap check failed")
				continue
			}
			if !flapping {
				continue
			}
			kind, detail = types.HealthEventFlapping, events.DetailFlappingTarget
		}

		if c.emit(target, targetGroupRef, kind, detail, now) {
			issues++
		}
	}

	metrics.UnhealthyTargets.WithLabelValues(targetGroupRef).Set(float64(unhealthy))
	return issues, nil
}

// classifySignal maps a reported target state to an event kind. The
// third return is false for healthy targets, which are only candidates
// for flap detection.
func classifySignal(target loadbalancer.TargetHealth) (types.HealthEventKind, events.DetailType, bool) {
	switch {
	case target.State == loadbalancer.StateUnhealthy:
		return types.HealthEventUnhealthy, events.DetailUnhealthyTarget, true
	case target.State == loadbalancer.StateDraining,
		strings.Contains(strings.ToLower(target.Reason), "degraded"):
		return types.HealthEventDegraded, events.DetailDegradedTarget, true
	case target.State == loadbalancer.StateUnused:
		// Not serving for structural reasons (AZ/subnet mismatch);
		// routed under the generic issue tag.
		return types.HealthEventUnhealthy, events.DetailTargetHealthIssue, true
	default:
		return "", "", false
	}
}

// isFlapping reports whether the instance's recent observations show
// oscillation: at least FlapThreshold state transitions within the flap
// window, given at least FlapMinSamples samples.
func (c *Collector) isFlapping(instanceID string) (bool, error) {
	observations, err := c.store.Observations(instanceID, flapHistory)
	if err != nil {
		return false, err
	}

	cutoff := c.now().Add(-c.cfg.FlapWindow)
	var states []string
	for _, obs := range observations {
		if obs.Timestamp.Before(cutoff) {
			continue
		}
		states = append(states, obs.State)
	}

	if len(states) < c.cfg.FlapMinSamples {
		return false, nil
	}

	changes := 0
	for i := 1; i < len(states); i++ {
		if states[i] != states[i-1] {
			changes++
		}
	}
	return changes >= c.cfg.FlapThreshold, nil
}

// emit writes one HealthEvent and publishes its router message, unless
// an open event for the instance already exists within the dedup window.
func (c *Collector) emit(target loadbalancer.TargetHealth, targetGroupRef string, kind types.HealthEventKind, detail events.DetailType, now time.Time) bool {
	_, err := c.store.OpenHealthEvent(target.InstanceID, c.cfg.DedupWindow, now)
	if err == nil {
		metrics.IssuesSuppressed.Inc()
		c.logger.Debug().Str("instance_id", target.InstanceID).
			Msg("duplicate health event suppressed")
		return false
	}
	if !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn().Err(err).Str("instance_id", target.InstanceID).
			Msg("dedup lookup failed, suppressing event")
		return false
	}

	event := &types.HealthEvent{
		EventID:        uuid.NewString(),
		InstanceID:     target.InstanceID,
		TargetGroupRef: targetGroupRef,
		Kind:           kind,
		State:          target.State,
		Reason:         target.Reason,
		Description:    target.Description,
		Timestamp:      now,
		TTL:            now.Add(eventTTL),
	}

	if err := c.store.CreateHealthEvent(event); err != nil {
		c.logger.Error().Err(err).Str("instance_id", target.InstanceID).
			Msg("failed to record health event")
		return false
	}

	c.broker.Publish(&events.Event{
		ID:             uuid.NewString(),
		Type:           detail,
		InstanceID:     target.InstanceID,
		TargetGroupRef: targetGroupRef,
		RecordID:       event.EventID,
		Metadata: map[string]string{
			"kind":   string(kind),
			"state":  target.State,
			"reason": target.Reason,
		},
	})

	metrics.IssuesDetected.WithLabelValues(string(kind)).Inc()
	c.logger.Info().
		Str("instance_id", target.InstanceID).
		Str("target_group", targetGroupRef).
		Str("kind", string(kind)).
		Str("reason", target.Reason).
		Msg("health issue detected")
	return true
}
