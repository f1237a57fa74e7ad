package webhooks

import (
	"github.com/wopr-platform/controlplane/internal/events"
)

// Forwarder bridges the platform event bus to webhook delivery: every
// event of a forwarded type becomes a webhook emission.
type Forwarder struct {
	bus     *events.Bus
	emitter Emitter
	ch      chan *events.CloudEvent
	done    chan struct{}
}

// NewForwarder subscribes to the given event types (all types when
// empty) and starts forwarding until Stop.
func NewForwarder(bus *events.Bus, emitter Emitter, eventTypes ...string) *Forwarder {
	f := &Forwarder{
		bus:     bus,
		emitter: emitter,
		ch:      bus.Subscribe(eventTypes...),
		done:    make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *Forwarder) run() {
	defer close(f.done)
	for ev := range f.ch {
		f.emitter.Emit(ev.Type, ev.TenantID, ev.Data)
	}
}

// Stop unsubscribes from the bus and waits for in-flight forwards.
func (f *Forwarder) Stop() {
	f.bus.Unsubscribe(f.ch)
	<-f.done
}
