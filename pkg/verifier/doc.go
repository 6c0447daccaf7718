// Package verifier confirms recovery before a target goes back in
// service.
//
// A failed heal action skips verification and escalates straight away.
// A succeeded one is polled with bounded attempts and increasing
// backoff; each attempt checks the fleet-reported compute state and, for
// repairs, probes the instance's health endpoint over TCP and HTTP. The
// verifier is the only component allowed to re-register a target, and it
// does so exactly once, on the first healthy attempt. When every attempt
// is spent the run ends in a timeout record and an escalation; nothing
// here ever starts another heal.
package verifier
