// Package loadbalancer defines the interface to the external load
// balancer that owns target-group membership and health probing. The
// pipeline never probes targets itself; it consumes the states the load
// balancer reports and orders registration calls around heal actions.
package loadbalancer

import (
	"context"
)

// Target states as reported by the load balancer.
const (
	StateHealthy   = "healthy"
	StateUnhealthy = "unhealthy"
	StateDraining  = "draining"
	StateUnused    = "unused"
)

// TargetHealth describes one target's reported health.
type TargetHealth struct {
	InstanceID  string
	State       string
	Reason      string
	Description string
}

// Client is the load balancer collaborator. Deregistration and
// re-registration must be ordered so a target is never left deregistered
// indefinitely: the heal executor deregisters, and only the verifier
// re-registers after a healthy verification.
type Client interface {
	// DescribeTargetHealth returns current health for every target in
	// the group.
	DescribeTargetHealth(ctx context.Context, targetGroupRef string) ([]TargetHealth, error)

	// DeregisterTarget removes a target from the group.
	DeregisterTarget(ctx context.Context, targetGroupRef, instanceID string) error

	// RegisterTarget adds a target back to the group.
	RegisterTarget(ctx context.Context, targetGroupRef, instanceID string) error
}
