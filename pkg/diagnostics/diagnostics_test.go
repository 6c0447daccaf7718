package diagnostics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmedic/fleetmedic/pkg/config"
	"github.com/fleetmedic/fleetmedic/pkg/events"
	"github.com/fleetmedic/fleetmedic/pkg/remote"
	"github.com/fleetmedic/fleetmedic/pkg/storage"
	"github.com/fleetmedic/fleetmedic/pkg/types"
)

func testClassifier(t *testing.T) (*Classifier, storage.Store, *remote.Fake) {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	exec := remote.NewFake()
	return NewClassifier(store, broker, exec, config.Default().Diagnostics), store, exec
}

func testEvent() *types.HealthEvent {
	return &types.HealthEvent{
		EventID:        "ev-1",
		InstanceID:     "i-0abc",
		TargetGroupRef: "tg-web",
		Kind:           types.HealthEventUnhealthy,
		Timestamp:      time.Now(),
	}
}

func checkByName(name string) Check {
	for _, c := range battery {
		if c.Name == name {
			return c
		}
	}
	panic("unknown check " + name)
}

func failCheck(exec *remote.Fake, name string) {
	exec.Script(checkByName(name).Command, remote.Output{ExitCode: 1, Stdout: "probe failed"}, nil)
}

func TestDiagnoseAllChecksPass(t *testing.T) {
	c, store, _ := testClassifier(t)

	record, err := c.Diagnose(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, types.ClassificationUnknown, record.Classification)
	assert.Equal(t, 0, record.SeverityScore)
	assert.False(t, record.Inconclusive)
	assert.Len(t, record.RawChecks, len(battery))

	stored, err := store.GetDiagnostic(record.DiagnosticID)
	require.NoError(t, err)
	assert.Equal(t, "ev-1", stored.EventID)
}

func TestDiagnoseClassification(t *testing.T) {
	tests := []struct {
		name     string
		failing  []string
		expected types.Classification
	}{
		{
			name:     "single application failure",
			failing:  []string{"service-state"},
			expected: types.ClassificationApplication,
		},
		{
			name:     "resource checks accumulate weight",
			failing:  []string{"cpu-saturation", "memory-saturation", "disk-saturation"},
			expected: types.ClassificationResourceBottleneck,
		},
		{
			name:     "disk corruption outweighs single resource check",
			failing:  []string{"filesystem-integrity", "cpu-saturation"},
			expected: types.ClassificationDiskCorruption,
		},
		{
			name:     "network wins equal-weight tie with agent",
			failing:  []string{"network-reachability", "agent-connectivity"},
			expected: types.ClassificationNetwork,
		},
		{
			name:     "agent failure",
			failing:  []string{"agent-connectivity"},
			expected: types.ClassificationAgentFailure,
		},
		{
			name:     "os level failure",
			failing:  []string{"os-error-counters"},
			expected: types.ClassificationOSLevel,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _, exec := testClassifier(t)
			for _, name := range tt.failing {
				failCheck(exec, name)
			}

			record, err := c.Diagnose(context.Background(), testEvent())
			require.NoError(t, err)
			assert.Equal(t, tt.expected, record.Classification)
			assert.Greater(t, record.SeverityScore, 0)
			assert.LessOrEqual(t, record.SeverityScore, 100)
		})
	}
}

func TestDiagnoseCheckErrorCountsAsFailure(t *testing.T) {
	c, _, exec := testClassifier(t)
	exec.Script(checkByName("agent-connectivity").Command, remote.Output{}, errors.New("connection refused"))

	record, err := c.Diagnose(context.Background(), testEvent())
	require.NoError(t, err)

	assert.Equal(t, types.ClassificationAgentFailure, record.Classification)
	var agent types.CheckResult
	for _, r := range record.RawChecks {
		if r.Name == "agent-connectivity" {
			agent = r
		}
	}
	assert.True(t, agent.Failed)
	assert.Contains(t, agent.Message, "connection refused")
}

func TestDiagnoseBatteryDeadlineInconclusive(t *testing.T) {
	c, _, _ := testClassifier(t)
	c.cfg.BatteryTimeout = time.Nanosecond

	record, err := c.Diagnose(context.Background(), testEvent())
	require.NoError(t, err)

	assert.True(t, record.Inconclusive)
	assert.Equal(t, types.ClassificationUnknown, record.Classification)
	assert.Equal(t, 0, record.SeverityScore)
}

func TestSeverityScaling(t *testing.T) {
	results := []types.CheckResult{
		{Category: types.ClassificationApplication, Weight: 50, Failed: true},
		{Category: types.ClassificationNetwork, Weight: 50, Failed: false},
	}
	assert.Equal(t, 50, severity(results))

	for i := range results {
		results[i].Failed = true
	}
	assert.Equal(t, 100, severity(results))

	assert.Equal(t, 0, severity(nil))
}
