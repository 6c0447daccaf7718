// Package decision selects the remediation action for a diagnosed
// instance.
//
// The engine evaluates, in order: the instance's SkipRecovery flag, any
// in-flight remediation (which absorbs the new event), the cooldown
// since the last completed action, and finally the classification
// itself. Application and agent failures are repaired; resource and OS
// failures are repaired once and replaced on recurrence; network and
// disk corruption go straight to replacement; an unknown diagnosis is
// never acted on destructively. Whatever comes out of that mapping must
// still be on the instance's allow-list or it is downgraded to an
// escalation.
//
// Only Repair and Replace create a Pending HealActionRecord and trigger
// the executor. Skip and EscalateOnly are terminal at this stage and
// surface through notifications alone.
package decision
