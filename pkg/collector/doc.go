// Package collector polls load balancer target groups and turns raw
// target states into typed health events.
//
// Every observed state is persisted, healthy or not, so that flap
// detection can count transitions over a sliding window. Unhealthy and
// draining targets map directly to unhealthy and degraded events; a
// target that oscillates between states within the flap window becomes
// a flapping event even when its current sample is healthy.
//
// Events are deduplicated per instance: while an open event exists
// inside the dedup window, further detections for the same instance are
// suppressed and counted rather than re-emitted. The collector holds no
// state between ticks; everything it needs is read back from storage.
package collector
