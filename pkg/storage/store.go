package storage

import (
	"errors"
	"time"

	"github.com/fleetmedic/fleetmedic/pkg/types"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional write fails, either
	// because the current status does not match the expected one or
	// because another in-flight action already holds the gate
	ErrConflict = errors.New("conditional write conflict")
)

// Store defines the interface for durable pipeline state.
// All cross-stage shared state (in-flight gate, cooldown window, history)
// lives here; stages hold no shared in-process state.
type Store interface {
	// Raw state observations (flap detection input)
	RecordObservation(obs *types.HealthObservation) error
	Observations(instanceID string, limit int) ([]*types.HealthObservation, error)

	// Health events
	CreateHealthEvent(ev *types.HealthEvent) error
	GetHealthEvent(id string) (*types.HealthEvent, error)
	HealthEventHistory(instanceID string, limit int) ([]*types.HealthEvent, error)
	OpenHealthEvent(instanceID string, window time.Duration, now time.Time) (*types.HealthEvent, error)

	// Diagnostic records
	CreateDiagnostic(rec *types.DiagnosticRecord) error
	GetDiagnostic(id string) (*types.DiagnosticRecord, error)
	DiagnosticHistory(instanceID string, limit int) ([]*types.DiagnosticRecord, error)

	// Heal actions
	CreateHealAction(rec *types.HealActionRecord) error
	GetHealAction(id string) (*types.HealActionRecord, error)
	HealActionHistory(instanceID string, limit int) ([]*types.HealActionRecord, error)
	LatestHealAction(instanceID string) (*types.HealActionRecord, error)
	InFlightHealAction(instanceID string) (*types.HealActionRecord, error)
	RepairCount(instanceID string) (int, error)
	TransitionHealAction(actionID string, from, to types.ActionStatus, update func(*types.HealActionRecord)) (*types.HealActionRecord, error)

	// Verification records
	CreateVerification(rec *types.VerificationRecord) error
	VerificationHistory(instanceID string, limit int) ([]*types.VerificationRecord, error)
	HealthyVerification(actionID string) (*types.VerificationRecord, error)

	// Instance policy (written by the operator interface, read-only here)
	PutInstanceConfig(cfg *types.InstanceConfig) error
	GetInstanceConfig(instanceID string) (*types.InstanceConfig, error)

	// Maintenance
	PurgeExpired(now time.Time) (int, error)
	Close() error
}
