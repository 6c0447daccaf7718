/*
Package lifecycle implements the per-instance pipeline state machine:

	detected → diagnosing → decided → healing → verifying → verified
	                           │                     │
	                           ├→ skipped            └→ escalated
	                           └→ escalated

Verified, Escalated, and Skipped are terminal; a terminal instance
re-enters the machine only through a fresh detection. Every stage
advances instances through the shared Tracker instead of scattering the
lifecycle across handlers, so an out-of-order or duplicate event surfaces
as a rejected transition rather than silent corruption.
*/
package lifecycle
