/*
Package events provides the event router connecting fleetmedic's pipeline
stages: collector → diagnostics → decision → executor → verifier →
notifier.

Events carry a fixed DetailType tag and always include the instance
identity, target group reference, and originating record ID. The broker
fans every published event out to all subscribers; stages filter by
DetailType on their side.

Delivery is at-least-once from the pipeline's perspective, so every
handler is idempotent: duplicate health events are deduplicated by
recency window in the collector, and duplicate heal triggers are absorbed
by the storage layer's conditional InFlight transition.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	broker.Publish(&events.Event{
		Type:           events.DetailUnhealthyTarget,
		InstanceID:     "i-0abc",
		TargetGroupRef: "tg-web",
		RecordID:       eventID,
	})
*/
package events
