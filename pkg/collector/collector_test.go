package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmedic/fleetmedic/pkg/config"
	"github.com/fleetmedic/fleetmedic/pkg/events"
	"github.com/fleetmedic/fleetmedic/pkg/loadbalancer"
	"github.com/fleetmedic/fleetmedic/pkg/metrics"
	"github.com/fleetmedic/fleetmedic/pkg/storage"
	"github.com/fleetmedic/fleetmedic/pkg/types"
)

func testCollector(t *testing.T) (*Collector, storage.Store, *loadbalancer.Fake, events.Subscriber) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)
	sub := broker.Subscribe()

	lb := loadbalancer.NewFake()
	cfg := config.Default().Collector
	cfg.TargetGroups = []string{"tg-web"}

	return NewCollector(store, broker, lb, cfg), store, lb, sub
}

func recvEvent(t *testing.T, sub events.Subscriber) *events.Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestPollDetectsUnhealthyTarget(t *testing.T) {
	c, store, lb, sub := testCollector(t)

	lb.SetTargetHealth("tg-web", loadbalancer.TargetHealth{
		InstanceID: "i-0abc",
		State:      loadbalancer.StateUnhealthy,
		Reason:     "Target.FailedHealthChecks",
	})

	c.Poll(context.Background())

	ev := recvEvent(t, sub)
	assert.Equal(t, events.DetailUnhealthyTarget, ev.Type)
	assert.Equal(t, "i-0abc", ev.InstanceID)
	assert.Equal(t, "tg-web", ev.TargetGroupRef)

	stored, err := store.GetHealthEvent(ev.RecordID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthEventUnhealthy, stored.Kind)
	assert.Equal(t, "Target.FailedHealthChecks", stored.Reason)
}

func TestPollDetectsDegradedTarget(t *testing.T) {
	c, _, lb, sub := testCollector(t)

	lb.SetTargetHealth("tg-web", loadbalancer.TargetHealth{
		InstanceID: "i-0abc",
		State:      loadbalancer.StateDraining,
		Reason:     "Target.DeregistrationInProgress",
	})

	c.Poll(context.Background())

	ev := recvEvent(t, sub)
	assert.Equal(t, events.DetailDegradedTarget, ev.Type)
}

func TestPollIgnoresHealthyTarget(t *testing.T) {
	c, store, lb, _ := testCollector(t)

	lb.SetTargetHealth("tg-web", loadbalancer.TargetHealth{
		InstanceID: "i-0abc",
		State:      loadbalancer.StateHealthy,
	})

	c.Poll(context.Background())

	history, err := store.HealthEventHistory("i-0abc", 10)
	require.NoError(t, err)
	assert.Empty(t, history)

	// The healthy sample is still recorded for flap detection.
	observations, err := store.Observations("i-0abc", 10)
	require.NoError(t, err)
	assert.Len(t, observations, 1)
}

func TestPollDeduplicatesOpenEvent(t *testing.T) {
	c, store, lb, sub := testCollector(t)

	lb.SetTargetHealth("tg-web", loadbalancer.TargetHealth{
		InstanceID: "i-0abc",
		State:      loadbalancer.StateUnhealthy,
	})

	c.Poll(context.Background())
	recvEvent(t, sub)

	// Second poll inside the dedup window must not create a new event.
	c.Poll(context.Background())

	history, err := store.HealthEventHistory("i-0abc", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	select {
	case ev := <-sub:
		t.Fatalf("unexpected duplicate event %s", ev.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPollSurvivesSourceOutage(t *testing.T) {
	c, store, lb, _ := testCollector(t)

	lb.SetError(errors.New("api throttled"))
	c.Poll(context.Background())

	lb.SetError(nil)
	lb.SetTargetHealth("tg-web", loadbalancer.TargetHealth{
		InstanceID: "i-0abc",
		State:      loadbalancer.StateUnhealthy,
	})
	c.Poll(context.Background())

	history, err := store.HealthEventHistory("i-0abc", 10)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestFlappingTargetDetected(t *testing.T) {
	c, store, lb, sub := testCollector(t)

	// Seed an oscillating history inside the flap window. The current
	// sample is healthy, so only flap detection can fire.
	now := time.Now()
	states := []string{
		loadbalancer.StateHealthy,
		loadbalancer.StateUnhealthy,
		loadbalancer.StateHealthy,
		loadbalancer.StateUnhealthy,
		loadbalancer.StateHealthy,
		loadbalancer.StateUnhealthy,
	}
	for i, state := range states {
		err := store.RecordObservation(&types.HealthObservation{
			InstanceID:     "i-0abc",
			TargetGroupRef: "tg-web",
			State:          state,
			Timestamp:      now.Add(time.Duration(i-len(states)) * time.Minute),
			TTL:            now.Add(time.Hour),
		})
		require.NoError(t, err)
	}

	lb.SetTargetHealth("tg-web", loadbalancer.TargetHealth{
		InstanceID: "i-0abc",
		State:      loadbalancer.StateHealthy,
	})

	c.Poll(context.Background())

	ev := recvEvent(t, sub)
	assert.Equal(t, events.DetailFlappingTarget, ev.Type)

	stored, err := store.GetHealthEvent(ev.RecordID)
	require.NoError(t, err)
	assert.Equal(t, types.HealthEventFlapping, stored.Kind)
}

func TestStableHistoryIsNotFlapping(t *testing.T) {
	c, store, lb, _ := testCollector(t)

	now := time.Now()
	for i := 0; i < 8; i++ {
		err := store.RecordObservation(&types.HealthObservation{
			InstanceID:     "i-0abc",
			TargetGroupRef: "tg-web",
			State:          loadbalancer.StateHealthy,
			Timestamp:      now.Add(time.Duration(i-8) * time.Minute),
			TTL:            now.Add(time.Hour),
		})
		require.NoError(t, err)
	}

	lb.SetTargetHealth("tg-web", loadbalancer.TargetHealth{
		InstanceID: "i-0abc",
		State:      loadbalancer.StateHealthy,
	})

	c.Poll(context.Background())

	history, err := store.HealthEventHistory("i-0abc", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestTooFewSamplesIsNotFlapping(t *testing.T) {
	c, store, lb, _ := testCollector(t)

	now := time.Now()
	states := []string{
		loadbalancer.StateHealthy,
		loadbalancer.StateUnhealthy,
		loadbalancer.StateHealthy,
		loadbalancer.StateUnhealthy,
	}
	for i, state := range states {
		err := store.RecordObservation(&types.HealthObservation{
			InstanceID:     "i-0abc",
			TargetGroupRef: "tg-web",
			State:          state,
			Timestamp:      now.Add(time.Duration(i-len(states)) * time.Minute),
			TTL:            now.Add(time.Hour),
		})
		require.NoError(t, err)
	}

	lb.SetTargetHealth("tg-web", loadbalancer.TargetHealth{
		InstanceID: "i-0abc",
		State:      loadbalancer.StateHealthy,
	})

	c.Poll(context.Background())

	history, err := store.HealthEventHistory("i-0abc", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestPollExportsUnhealthyGauge(t *testing.T) {
	c, _, lb, sub := testCollector(t)

	lb.SetTargetHealth("tg-web", loadbalancer.TargetHealth{
		InstanceID: "i-0abc",
		State:      loadbalancer.StateUnhealthy,
		Reason:     "Target.FailedHealthChecks",
	})
	lb.SetTargetHealth("tg-web", loadbalancer.TargetHealth{
		InstanceID: "i-0def",
		State:      loadbalancer.StateHealthy,
	})

	c.Poll(context.Background())
	recvEvent(t, sub)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.UnhealthyTargets.WithLabelValues("tg-web")))

	// Recovery drops the gauge back to zero on the next poll.
	lb.SetTargetHealth("tg-web", loadbalancer.TargetHealth{
		InstanceID: "i-0abc",
		State:      loadbalancer.StateHealthy,
	})
	c.Poll(context.Background())
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.UnhealthyTargets.WithLabelValues("tg-web")))
}
