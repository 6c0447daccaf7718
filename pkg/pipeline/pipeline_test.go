package pipeline

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmedic/fleetmedic/pkg/config"
	"github.com/fleetmedic/fleetmedic/pkg/decision"
	"github.com/fleetmedic/fleetmedic/pkg/diagnostics"
	"github.com/fleetmedic/fleetmedic/pkg/events"
	"github.com/fleetmedic/fleetmedic/pkg/executor"
	"github.com/fleetmedic/fleetmedic/pkg/fleet"
	"github.com/fleetmedic/fleetmedic/pkg/lifecycle"
	"github.com/fleetmedic/fleetmedic/pkg/loadbalancer"
	"github.com/fleetmedic/fleetmedic/pkg/notifier"
	"github.com/fleetmedic/fleetmedic/pkg/remote"
	"github.com/fleetmedic/fleetmedic/pkg/storage"
	"github.com/fleetmedic/fleetmedic/pkg/types"
	"github.com/fleetmedic/fleetmedic/pkg/verifier"
)

type channelSink struct {
	ch chan *notifier.Notification
}

func (s *channelSink) Notify(ctx context.Context, n *notifier.Notification) error {
	s.ch <- n
	return nil
}

type pipelineFixture struct {
	pipeline      *Pipeline
	store         storage.Store
	broker        *events.Broker
	lb            *loadbalancer.Fake
	fleet         *fleet.Fake
	exec          *remote.Fake
	notifications chan *notifier.Notification
}

// newFixture wires a full pipeline over fakes, with the verifier's
// health endpoint pointed at a test server that always answers 200.
func newFixture(t *testing.T) *pipelineFixture {
	return newFixtureWith(t, nil)
}

func newFixtureWith(t *testing.T, tune func(*config.Config)) *pipelineFixture {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	lb := loadbalancer.NewFake()
	fm := fleet.NewFake()
	exec := remote.NewFake()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)
	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Verifier.Attempts = 2
	cfg.Verifier.InitialBackoff = 10 * time.Millisecond
	cfg.Verifier.HealthPort = port
	if tune != nil {
		tune(cfg)
	}

	sink := &channelSink{ch: make(chan *notifier.Notification, 8)}
	p := NewPipeline(
		store,
		broker,
		diagnostics.NewClassifier(store, broker, exec, cfg.Diagnostics),
		decision.NewEngine(store, broker, cfg.Decision),
		executor.NewExecutor(store, broker, lb, fm, exec),
		verifier.NewVerifier(store, broker, lb, fm, cfg.Verifier, func(string) string { return host }),
		notifier.NewDispatcher(sink),
	)
	p.Start()
	t.Cleanup(p.Stop)

	return &pipelineFixture{
		pipeline:      p,
		store:         store,
		broker:        broker,
		lb:            lb,
		fleet:         fm,
		exec:          exec,
		notifications: sink.ch,
	}
}

// detect stores a health event and publishes its detection, the way the
// collector does.
func (f *pipelineFixture) detect(t *testing.T, instanceID string) {
	t.Helper()
	event := &types.HealthEvent{
		EventID:        uuid.NewString(),
		InstanceID:     instanceID,
		TargetGroupRef: "tg-web",
		Kind:           types.HealthEventUnhealthy,
		State:          loadbalancer.StateUnhealthy,
		Timestamp:      time.Now(),
		TTL:            time.Now().Add(time.Hour),
	}
	require.NoError(t, f.store.CreateHealthEvent(event))
	f.broker.Publish(&events.Event{
		ID:             uuid.NewString(),
		Type:           events.DetailUnhealthyTarget,
		InstanceID:     instanceID,
		TargetGroupRef: "tg-web",
		RecordID:       event.EventID,
	})
}

func (f *pipelineFixture) notification(t *testing.T) *notifier.Notification {
	t.Helper()
	select {
	case n := <-f.notifications:
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("no notification received")
		return nil
	}
}

func failCheck(t *testing.T, exec *remote.Fake, category types.Classification) {
	t.Helper()
	for _, check := range diagnostics.Battery() {
		if check.Category == category {
			exec.Script(check.Command, remote.Output{ExitCode: 1, Stdout: "probe failed"}, nil)
			return
		}
	}
	t.Fatalf("no check for category %s", category)
}

func TestPipelineRepairToVerified(t *testing.T) {
	f := newFixture(t)
	failCheck(t, f.exec, types.ClassificationApplication)
	f.fleet.SetInstanceState("i-0abc", fleet.StateRunning)

	f.detect(t, "i-0abc")

	n := f.notification(t)
	assert.Equal(t, "auto_heal_verified", n.EventType)
	assert.Equal(t, string(types.VerificationHealthy), n.Result)
	assert.Equal(t, string(types.ActionRepair), n.Action)

	assert.Equal(t, []string{"i-0abc"}, f.lb.Deregistered())
	assert.Equal(t, []string{"i-0abc"}, f.lb.Registered())

	state, ok := f.pipeline.Tracker().State("i-0abc")
	require.True(t, ok)
	assert.Equal(t, lifecycle.StateVerified, state)

	actions, err := f.store.HealActionHistory("i-0abc", 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionStatusSucceeded, actions[0].Status)
}

func TestPipelineUnknownEscalatesWithoutAction(t *testing.T) {
	f := newFixture(t)
	// Every check passes, so the diagnosis is unknown.

	f.detect(t, "i-0abc")

	n := f.notification(t)
	assert.Equal(t, "auto_heal_escalation", n.EventType)
	assert.Equal(t, string(types.ActionEscalateOnly), n.Action)

	actions, err := f.store.HealActionHistory("i-0abc", 10)
	require.NoError(t, err)
	assert.Empty(t, actions, "unknown diagnosis must not act")
	assert.Empty(t, f.lb.Deregistered())

	state, _ := f.pipeline.Tracker().State("i-0abc")
	assert.Equal(t, lifecycle.StateEscalated, state)
}

func TestPipelineCooldownSkips(t *testing.T) {
	f := newFixture(t)
	failCheck(t, f.exec, types.ClassificationApplication)
	require.NoError(t, f.store.CreateHealAction(&types.HealActionRecord{
		ActionID:       "act-prior",
		InstanceID:     "i-0abc",
		TargetGroupRef: "tg-web",
		Action:         types.ActionRepair,
		Status:         types.ActionStatusSucceeded,
		Timestamp:      time.Now().Add(-6 * time.Minute),
		CompletedAt:    time.Now().Add(-5 * time.Minute),
		TTL:            time.Now().Add(time.Hour),
	}))

	f.detect(t, "i-0abc")

	n := f.notification(t)
	assert.Equal(t, "auto_heal_skipped", n.EventType)
	assert.Equal(t, "cooldown", n.Message)

	state, _ := f.pipeline.Tracker().State("i-0abc")
	assert.Equal(t, lifecycle.StateSkipped, state)
}

func TestPipelineDefersWhileActionInFlight(t *testing.T) {
	f := newFixture(t)
	failCheck(t, f.exec, types.ClassificationApplication)
	require.NoError(t, f.store.CreateHealAction(&types.HealActionRecord{
		ActionID:       "act-inflight",
		InstanceID:     "i-0abc",
		TargetGroupRef: "tg-web",
		Action:         types.ActionRepair,
		Status:         types.ActionStatusInFlight,
		Timestamp:      time.Now(),
		TTL:            time.Now().Add(time.Hour),
	}))

	f.detect(t, "i-0abc")

	// The run is coalesced: wait for the diagnostic to land, then make
	// sure no second action appeared and nothing terminal was notified.
	require.Eventually(t, func() bool {
		diags, err := f.store.DiagnosticHistory("i-0abc", 1)
		return err == nil && len(diags) == 1
	}, 5*time.Second, 10*time.Millisecond)

	time.Sleep(200 * time.Millisecond)
	actions, err := f.store.HealActionHistory("i-0abc", 10)
	require.NoError(t, err)
	assert.Len(t, actions, 1, "deferred event must not create a second action")

	select {
	case n := <-f.notifications:
		t.Fatalf("unexpected notification %s", n.EventType)
	default:
	}
}

func TestPipelineSlowVerificationDoesNotStarveOtherInstances(t *testing.T) {
	f := newFixtureWith(t, func(cfg *config.Config) {
		cfg.Verifier.InitialBackoff = 2 * time.Second
	})
	failCheck(t, f.exec, types.ClassificationApplication)

	// The first instance repairs but never comes back to running, so its
	// verification sits in a long backoff. The others must still flow
	// through to verified in the meantime.
	f.fleet.SetInstanceState("i-stuck", fleet.StatePending)
	fast := []string{"i-0a", "i-0b", "i-0c", "i-0d"}
	for _, id := range fast {
		f.fleet.SetInstanceState(id, fleet.StateRunning)
	}

	f.detect(t, "i-stuck")
	for _, id := range fast {
		f.detect(t, id)
	}

	verified := make(map[string]bool)
	for range fast {
		n := f.notification(t)
		assert.Equal(t, "auto_heal_verified", n.EventType)
		verified[n.InstanceID] = true
	}
	for _, id := range fast {
		assert.True(t, verified[id], "no verification for %s", id)
	}

	// The stuck instance exhausts its attempts and escalates afterwards.
	select {
	case n := <-f.notifications:
		assert.Equal(t, "auto_heal_escalation", n.EventType)
		assert.Equal(t, "i-stuck", n.InstanceID)
	case <-time.After(10 * time.Second):
		t.Fatal("stuck instance never escalated")
	}
}

func TestPipelineFailedRepairEscalates(t *testing.T) {
	f := newFixture(t)
	failCheck(t, f.exec, types.ClassificationApplication)
	// Repair commands for application failures blow up too.
	f.fleet.SetInstanceState("i-0abc", fleet.StateRunning)
	for _, cmd := range executor.RepairCommands(types.ClassificationApplication) {
		f.exec.Script(cmd, remote.Output{ExitCode: 1, Stdout: "still broken"}, nil)
	}

	f.detect(t, "i-0abc")

	n := f.notification(t)
	assert.Equal(t, "auto_heal_escalation", n.EventType)
	assert.Empty(t, f.lb.Registered(), "failed repair never re-registers")

	actions, err := f.store.HealActionHistory("i-0abc", 10)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, types.ActionStatusFailed, actions[0].Status)
}
