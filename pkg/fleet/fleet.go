// Package fleet defines the fleet-management collaborator that replaces
// instances. Replacement has terminate-and-let-the-orchestrator-replace
// semantics: the pipeline terminates the failing instance and the fleet
// manager provisions a successor; the old instance ID is never reused.
package fleet

import (
	"context"
)

// Instance states reported by the fleet manager.
const (
	StateRunning    = "running"
	StatePending    = "pending"
	StateTerminated = "terminated"
	StateUnknown    = "unknown"
)

// Manager is the fleet collaborator.
type Manager interface {
	// Replace terminates the instance; the fleet's orchestration layer
	// is responsible for provisioning a successor to restore capacity.
	Replace(ctx context.Context, instanceID string) error

	// InstanceState returns the underlying compute status for an
	// instance. The verifier uses it as the infrastructure-level
	// health signal.
	InstanceState(ctx context.Context, instanceID string) (string, error)
}
