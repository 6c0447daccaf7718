// Package notifier surfaces pipeline outcomes to operators. Escalations
// and policy blocks end here; a notification is informational and never
// feeds back into the control loop.
package notifier
