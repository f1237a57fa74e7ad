package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"github.com/google/uuid"
)

// CloudDispatcher delivers webhooks through a Cloud Tasks queue: the
// queue owns retries, backoff, and the dead-letter policy. When an
// enqueue fails and a fallback dispatcher is configured, delivery
// degrades to in-process.
type CloudDispatcher struct {
	registry  *Registry
	client    *cloudtasks.Client
	queuePath string
	logger    *log.Logger
	fallback  *Dispatcher
}

// NewCloudDispatcher connects to the queue at
// projects/<project>/locations/<location>/queues/<queue>. A positive
// fallbackWorkers also starts an in-memory dispatcher.
func NewCloudDispatcher(registry *Registry, projectID, locationID, queueID string, fallbackWorkers int) (*CloudDispatcher, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := cloudtasks.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudtasks client: %w", err)
	}

	cd := &CloudDispatcher{
		registry:  registry,
		client:    client,
		queuePath: fmt.Sprintf("projects/%s/locations/%s/queues/%s", projectID, locationID, queueID),
		logger:    log.New(log.Writer(), "[Webhooks] ", log.LstdFlags),
	}
	if fallbackWorkers > 0 {
		cd.fallback = NewDispatcher(registry, fallbackWorkers)
	}

	cd.logger.Printf("connected to cloud tasks queue %s", cd.queuePath)
	return cd, nil
}

// Emit enqueues one HTTP task per matching subscriber.
func (cd *CloudDispatcher) Emit(eventType, tenantID string, data map[string]interface{}) {
	subscribers := cd.registry.Subscribers(eventType)
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
	payload, err := json.Marshal(event)
	if err != nil {
		cd.logger.Printf("marshal event: %v", err)
		return
	}

	for _, sub := range subscribers {
		if sub.TenantID != "" && sub.TenantID != tenantID {
			continue
		}
		cd.enqueueTask(sub, event, payload)
	}
}

func (cd *CloudDispatcher) enqueueTask(sub *Subscription, event *Event, payload []byte) {
	headers := map[string]string{
		"Content-Type":            "application/json",
		"X-WOPR-Event-Type":       event.Type,
		"X-WOPR-Event-ID":         event.ID,
		"X-WOPR-Delivery-Attempt": "1",
	}
	if sub.Secret != "" {
		headers["X-WOPR-Signature"] = "sha256=" + SignPayload(payload, sub.Secret)
	}

	req := &taskspb.CreateTaskRequest{
		Parent: cd.queuePath,
		Task: &taskspb.Task{
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        sub.URL,
					Headers:    headers,
					Body:       payload,
				},
			},
		},
	}

	// Enqueue off the hot path; a failed enqueue falls back to the
	// in-process dispatcher when one is configured.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := cd.client.CreateTask(ctx, req); err != nil {
			cd.logger.Printf("cloud task enqueue failed for %s: %v", sub.URL, err)
			if cd.fallback != nil {
				cd.fallback.Emit(event.Type, event.TenantID, event.Data)
			}
		}
	}()
}

// Shutdown stops the fallback pool and releases the client.
func (cd *CloudDispatcher) Shutdown() {
	if cd.fallback != nil {
		cd.fallback.Shutdown()
	}
	if err := cd.client.Close(); err != nil {
		cd.logger.Printf("cloud tasks client close: %v", err)
	}
}

var _ Emitter = (*CloudDispatcher)(nil)
