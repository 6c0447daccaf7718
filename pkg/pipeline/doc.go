// Package pipeline connects the stages into the detect, diagnose,
// decide, repair, verify control loop.
//
// The pipeline consumes every broker event, routes it by detail type to
// its stage, and tracks each instance's lifecycle state. Runs for
// different instances proceed independently; within one instance the
// store's conditional writes guarantee at most one remediation in
// flight, so replayed or out-of-order events degrade to no-ops rather
// than duplicate actions. A stage that fails outright ends the run in
// an escalation notification, so an instance is never lost in the
// middle of the loop.
package pipeline
