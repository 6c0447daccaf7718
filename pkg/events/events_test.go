package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBroker(t *testing.T) *Broker {
	t.Helper()
	b := NewBroker()
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func recv(t *testing.T, sub Subscriber) *Event {
	t.Helper()
	select {
	case ev := <-sub:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	b := testBroker(t)
	sub1 := b.Subscribe()
	sub2 := b.Subscribe()
	require.Equal(t, 2, b.SubscriberCount())

	b.Publish(&Event{ID: "ev-1", Type: DetailUnhealthyTarget, InstanceID: "i-1"})

	for _, sub := range []Subscriber{sub1, sub2} {
		ev := recv(t, sub)
		assert.Equal(t, "ev-1", ev.ID)
		assert.Equal(t, DetailUnhealthyTarget, ev.Type)
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	b := testBroker(t)
	sub := b.Subscribe()

	b.Publish(&Event{ID: "ev-1", Type: DetailAutoHealTrigger})
	assert.False(t, recv(t, sub).Timestamp.IsZero())

	explicit := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	b.Publish(&Event{ID: "ev-2", Type: DetailAutoHealTrigger, Timestamp: explicit})
	assert.Equal(t, explicit, recv(t, sub).Timestamp)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := testBroker(t)
	sub := b.Subscribe()
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	b.Publish(&Event{ID: "ev-1", Type: DetailVerificationComplete})

	select {
	case _, ok := <-sub:
		assert.False(t, ok, "unsubscribed channel should be closed")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSlowSubscriberLosesNothing(t *testing.T) {
	b := testBroker(t)
	sub := b.Subscribe()

	// Well past the subscriber buffer plus the broker queue. The
	// consumer only starts draining after everything is published, so
	// delivery must hold back rather than discard.
	const total = 500
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < total; i++ {
			b.Publish(&Event{ID: "ev", Type: DetailUnhealthyTarget})
		}
	}()

	time.Sleep(50 * time.Millisecond)
	for i := 0; i < total; i++ {
		recv(t, sub)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not finish")
	}
	select {
	case ev := <-sub:
		t.Fatalf("extra event %s", ev.ID)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOrderPreservedPerSubscriber(t *testing.T) {
	b := testBroker(t)
	sub := b.Subscribe()

	for _, id := range []string{"ev-1", "ev-2", "ev-3"} {
		b.Publish(&Event{ID: id, Type: DetailDiagnosticsComplete})
	}

	for _, want := range []string{"ev-1", "ev-2", "ev-3"} {
		assert.Equal(t, want, recv(t, sub).ID)
	}
}
