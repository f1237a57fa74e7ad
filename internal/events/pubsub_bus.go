package events

import (
	"context"
	"fmt"
	"log"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus wraps the in-memory Bus and additionally publishes every
// event to a Google Cloud Pub/Sub topic for durable, cross-service
// delivery. In-memory fan-out keeps SSE subscribers real-time; Pub/Sub
// carries the at-least-once copy downstream.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubBus connects to the topic, creating it if missing. Message
// ordering is keyed by tenant so per-tenant consumers see events in
// publish order.
func NewPubSubBus(projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("create topic: %w", err)
		}
	}
	topic.EnableMessageOrdering = true

	bus := &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
		logger: log.New(log.Writer(), "[Events] ", log.LstdFlags),
	}
	bus.logger.Printf("connected to pubsub topic projects/%s/topics/%s", projectID, topicID)
	return bus, nil
}

// Emit publishes to Pub/Sub and fans out to in-memory subscribers.
func (pb *PubSubBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	pb.publishDurable(event)
	pb.Bus.Publish(event)
}

// PublishRaw forwards a pre-built event, for replays.
func (pb *PubSubBus) PublishRaw(event *CloudEvent) {
	pb.publishDurable(event)
	pb.Bus.Publish(event)
}

func (pb *PubSubBus) publishDurable(event *CloudEvent) {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("marshal event %s: %v", event.ID, err)
		return
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-tenantid":    event.TenantID,
		},
		OrderingKey: event.TenantID,
	}

	result := pb.topic.Publish(context.Background(), msg)

	// Confirm off the hot path; a publish failure is logged, not surfaced.
	go func() {
		if _, err := result.Get(context.Background()); err != nil {
			pb.logger.Printf("pubsub publish failed for %s: %v", event.ID, err)
		}
	}()
}

// HealthCheck verifies the topic is still reachable.
func (pb *PubSubBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic does not exist")
	}
	return nil
}

// Close stops the publisher and releases the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

var _ Emitter = (*PubSubBus)(nil)
