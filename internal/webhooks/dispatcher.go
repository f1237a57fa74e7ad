package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

const eventSource = "/platform/events"

// Dispatcher delivers webhook events through a background worker pool.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
}

type deliveryJob struct {
	subscriber *Subscription
	event      *Event
	attempt    int
}

// NewDispatcher starts the worker pool; workers defaults to 4.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[Webhooks] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Emit fans the event out to matching subscribers. Subscriptions are
// tenant-scoped: a subscription with a tenant only sees that tenant's
// events, while platform-wide subscriptions (empty tenant) see all.
func (d *Dispatcher) Emit(eventType, tenantID string, data map[string]interface{}) {
	subscribers := d.registry.Subscribers(eventType)
	if len(subscribers) == 0 {
		return
	}

	event := &Event{
		ID:        "evt-" + uuid.NewString(),
		Type:      eventType,
		Source:    eventSource,
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		Data:      data,
	}

	for _, sub := range subscribers {
		if sub.TenantID != "" && sub.TenantID != tenantID {
			continue
		}
		select {
		case d.queue <- &deliveryJob{subscriber: sub, event: event, attempt: 1}:
		default:
			d.logger.Printf("queue full, dropping event %s for %s", event.ID, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	payload, err := json.Marshal(job.event)
	if err != nil {
		d.logger.Printf("marshal event: %v", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, job.subscriber.URL, bytes.NewReader(payload))
	if err != nil {
		d.logger.Printf("build request: %v", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-WOPR-Event-Type", job.event.Type)
	req.Header.Set("X-WOPR-Event-ID", job.event.ID)
	req.Header.Set("X-WOPR-Delivery-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.subscriber.Secret != "" {
		req.Header.Set("X-WOPR-Signature", "sha256="+SignPayload(payload, job.subscriber.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.logger.Printf("delivery failed for %s: %v", job.subscriber.URL, err)
		d.registry.MarkFailed(job.subscriber.ID)
		d.requeue(job)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		d.logger.Printf("webhook returned %d for %s", resp.StatusCode, job.subscriber.URL)
		d.registry.MarkFailed(job.subscriber.ID)
		d.requeue(job)
		return
	}
	d.registry.MarkDelivered(job.subscriber.ID)
}

// requeue retries up to 3 attempts with quadratic backoff.
func (d *Dispatcher) requeue(job *deliveryJob) {
	if job.attempt >= 3 {
		return
	}
	time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
	job.attempt++
	select {
	case d.queue <- job:
	default:
	}
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
}

var _ Emitter = (*Dispatcher)(nil)
