// Package events is the platform event fabric. Admission gates, the
// fleet watchdog, and the deletion executor publish CloudEvents here;
// the webhook dispatcher and the SSE stream consume them.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the control plane.
const (
	TypeNodeDegraded    = "wopr.node.degraded"
	TypeNodeUnreachable = "wopr.node.unreachable"
	TypeNodeRecovered   = "wopr.node.recovered"
	TypeBreakerTripped  = "wopr.breaker.tripped"
	TypeBudgetExceeded  = "wopr.budget.exceeded"
	TypeTenantDeleted   = "wopr.tenant.deleted"
	TypeUsageReported   = "wopr.usage.reported"
)

// Emitter publishes CloudEvents. Both the in-memory Bus and the
// Pub/Sub-backed bus satisfy it; components that only publish should
// depend on this interface.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// CloudEvent is the CloudEvents 1.0 envelope for all platform events.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TenantID    string                 `json:"tenantid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent builds a CloudEvents 1.0 compliant envelope. The tenant
// id, when present in data, is lifted into the envelope for routing.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	ce := &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          uuid.NewString(),
		Time:        time.Now().UTC(),
		Subject:     subject,
		Data:        data,
	}
	if tid, ok := data["tenant_id"].(string); ok {
		ce.TenantID = tid
	}
	return ce
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// SSEFormat renders the event as a Server-Sent Events frame.
func (ce *CloudEvent) SSEFormat() ([]byte, error) {
	data, err := json.Marshal(ce)
	if err != nil {
		return nil, err
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\nid: %s\n\n", ce.Type, data, ce.ID)), nil
}

// Bus is the in-process pub/sub fabric. Delivery is best effort: a
// subscriber with a full channel misses the event rather than blocking
// the publisher.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent
	allSubs     []chan *CloudEvent
	logger      *log.Logger
	bufferSize  int
}

func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan *CloudEvent),
		logger:      log.New(log.Writer(), "[Events] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe returns a channel receiving events of the given types, or
// all events when no types are named.
func (b *Bus) Subscribe(eventTypes ...string) chan *CloudEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan *CloudEvent, b.bufferSize)
	if len(eventTypes) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, et := range eventTypes {
		b.subscribers[et] = append(b.subscribers[et], ch)
	}
	return ch
}

// Unsubscribe removes the channel from every subscription and closes it.
func (b *Bus) Unsubscribe(ch chan *CloudEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for et, subs := range b.subscribers {
		b.subscribers[et] = withoutChannel(subs, ch)
	}
	b.allSubs = withoutChannel(b.allSubs, ch)
	close(ch)
}

func withoutChannel(subs []chan *CloudEvent, ch chan *CloudEvent) []chan *CloudEvent {
	filtered := subs[:0:0]
	for _, s := range subs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// Publish fans the event out to all matching subscribers.
func (b *Bus) Publish(event *CloudEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Subscriber is behind; drop rather than block.
		}
	}
	for _, ch := range b.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit creates and publishes an event in one call.
func (b *Bus) Emit(eventType, source, subject string, data map[string]interface{}) {
	b.Publish(NewCloudEvent(eventType, source, subject, data))
}

// SubscriberCount reports the number of active subscription channels.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	count := len(b.allSubs)
	for _, subs := range b.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*Bus)(nil)
