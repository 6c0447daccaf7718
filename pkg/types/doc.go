/*
Package types defines the core data model shared across the fleetmedic
pipeline: health events, diagnostic records, heal actions, verification
attempts, and per-instance policy.

All record types are immutable once written except InstanceConfig, which
is managed by an external operator interface and only ever read by the
pipeline. Every record carries a TTL so retention stays bounded without
cascading deletes.

The enumerations (HealthEventKind, Classification, Action, ActionStatus,
VerificationResult) are closed sets. Code that branches on them must
handle every member; an unrecognized value is a bug, not a fallthrough.

# Record Lifecycle

	HealthEvent        created by collector, read-only afterward
	DiagnosticRecord   created by diagnostics, one per health event
	HealActionRecord   created Pending by decision engine,
	                   Pending → InFlight → Succeeded | Failed
	VerificationRecord created by verifier, one per attempt
	InstanceConfig     external, read-only policy

# Invariants

At most one HealActionRecord per instance may be InFlight at any time.
Timestamps for records of the same instance are monotonically
non-decreasing in processing order. Classification is always one member
of the closed taxonomy; inconclusive diagnosis maps to Unknown.
*/
package types
