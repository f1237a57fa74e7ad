package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch chan *CloudEvent) *CloudEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return nil
	}
}

func TestBus_TypeFilteredDelivery(t *testing.T) {
	bus := NewBus()
	trips := bus.Subscribe(TypeBreakerTripped)
	all := bus.Subscribe()

	bus.Emit(TypeBreakerTripped, "/gates/breaker", "api", map[string]interface{}{"count": 1001})
	bus.Emit(TypeNodeDegraded, "/fleet/watchdog", "node-1", map[string]interface{}{})

	ev := receive(t, trips)
	assert.Equal(t, TypeBreakerTripped, ev.Type)
	assert.Equal(t, "1.0", ev.SpecVersion)
	assert.NotEmpty(t, ev.ID)

	// The filtered subscriber never sees the node event.
	select {
	case ev := <-trips:
		t.Fatalf("unexpected event %s", ev.Type)
	default:
	}

	assert.Equal(t, TypeBreakerTripped, receive(t, all).Type)
	assert.Equal(t, TypeNodeDegraded, receive(t, all).Type)
}

func TestBus_TenantIDLiftedFromData(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeBudgetExceeded)

	bus.Emit(TypeBudgetExceeded, "/gates/budget", "tenant-a", map[string]interface{}{
		"tenant_id": "tenant-a",
		"reason":    "Hourly spending limit exceeded",
	})

	ev := receive(t, ch)
	assert.Equal(t, "tenant-a", ev.TenantID)
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	bus.bufferSize = 1
	ch := bus.Subscribe(TypeNodeRecovered)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(TypeNodeRecovered, "/fleet/watchdog", "node-1", map[string]interface{}{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, TypeNodeRecovered, receive(t, ch).Type)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TypeTenantDeleted)
	require.Equal(t, 1, bus.SubscriberCount())

	bus.Unsubscribe(ch)
	assert.Zero(t, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open, "unsubscribed channel is closed")
}

func TestCloudEvent_SSEFormat(t *testing.T) {
	ev := NewCloudEvent(TypeUsageReported, "/billing/aggregator", "tenant-a", map[string]interface{}{})
	frame, err := ev.SSEFormat()
	require.NoError(t, err)
	assert.Contains(t, string(frame), "event: "+TypeUsageReported+"\n")
	assert.Contains(t, string(frame), "id: "+ev.ID+"\n\n")
}
