/*
Package storage provides the durable state store backing every pipeline
stage, implemented on BoltDB.

Each record type gets its own bucket keyed by record ID, with a companion
index bucket keyed by (instance ID, timestamp) for history queries.
Records are JSON-encoded. All cross-stage coordination state lives here:
handlers run as independently scheduled replicas and must never rely on
in-process shared state.

# Conditional Writes

TransitionHealAction is the mutual-exclusion gate for the whole pipeline.
It compares the current action status against the caller's expectation
and, when transitioning to InFlight, verifies no other action for the
same instance is already InFlight, all inside one write transaction.
A failed comparison returns ErrConflict, which callers treat as "another
replica got here first" and drop their work. This is what makes duplicate
event delivery a no-op.

# Retention

Every record carries a TTL. PurgeExpired drops expired records and their
index entries; nothing cascades. Retention is bounded even if the
pipeline never revisits an instance.
*/
package storage
