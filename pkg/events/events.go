package events

import (
	"sync"
	"time"
)

// DetailType tags an event with the pipeline stage it routes to.
// The set is fixed; routing keys never carry free-form values.
type DetailType string

const (
	// Health collector → diagnostics classifier
	DetailTargetHealthIssue DetailType = "target_health_issue"
	DetailUnhealthyTarget   DetailType = "unhealthy_target"
	DetailDegradedTarget    DetailType = "degraded_target"
	DetailFlappingTarget    DetailType = "flapping_target"

	// Diagnostics classifier → decision engine
	DetailDiagnosticsComplete DetailType = "Diagnostics Complete"

	// Decision engine ↔ heal executor
	DetailAutoHealTrigger  DetailType = "Auto-Heal Trigger"
	DetailAutoHealComplete DetailType = "Auto-Heal Complete"

	// Verifier → notifier
	DetailVerificationComplete DetailType = "Verification Complete"
)

// Event is one message routed between pipeline stages. Every event
// carries the instance identity, the target group, and a reference to
// the record that originated it.
type Event struct {
	ID             string
	Type           DetailType
	InstanceID     string
	TargetGroupRef string
	RecordID       string // originating record (event, diagnostic, action, or verification ID)
	Timestamp      time.Time
	Metadata       map[string]string
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker routes typed events between stages. Every published event is
// delivered to every live subscriber; delivery is at-least-once from
// the pipeline's point of view, so handlers must be idempotent under
// duplicates.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

// broadcast delivers to every subscriber, blocking on a full buffer.
// Losing a queued event would strand an instance mid-pipeline, so a
// subscriber that stops draining stalls distribution instead. Consumers
// must keep their channel serviced; the pipeline does so by handing
// each event to its own goroutine.
func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		case <-b.stopCh:
			return
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
