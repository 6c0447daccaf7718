// Package executor carries out the remediation the decision engine
// selected.
//
// Claiming an action is a conditional Pending to InFlight write in the
// store, so a duplicate trigger for an instance that already has work
// in flight is a silent no-op. A repair deregisters the target and runs
// the classification's command plan under its time budget; a
// replacement deregisters and hands the instance to the fleet manager.
// Either way the action ends Succeeded or Failed and an Auto-Heal
// Complete event is published, carrying the failure detail when there
// is one, so downstream stages always hear back.
package executor
