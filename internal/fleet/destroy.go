package fleet

import (
	"context"
	"fmt"
	"log"
	"time"

	cloudtasks "cloud.google.com/go/cloudtasks/apiv2"
	taskspb "cloud.google.com/go/cloudtasks/apiv2/cloudtaskspb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/wopr-platform/controlplane/internal/core"
)

// DestroyScheduler tears down suspended bot instances once their grace
// window ends. With Cloud Tasks configured, each destroy gets a durable
// deferred task aimed at the internal destroy endpoint; without it, a
// local ticker sweeps the instance table.
type DestroyScheduler struct {
	instances InstanceRepo
	commands  *CommandBus
	logger    *log.Logger

	client    *cloudtasks.Client
	queuePath string
	targetURL string

	interval time.Duration
	stop     chan struct{}
	done     chan struct{}
}

// DestroySchedulerConfig configures deferred teardown.
type DestroySchedulerConfig struct {
	// ProjectID, LocationID and QueueID identify the Cloud Tasks queue;
	// leave ProjectID empty for ticker-only operation.
	ProjectID  string
	LocationID string
	QueueID    string

	// TargetURL is the internal endpoint Cloud Tasks posts to.
	TargetURL string

	// SweepInterval drives the local fallback sweep. Default 1m.
	SweepInterval time.Duration
}

func NewDestroyScheduler(instances InstanceRepo, commands *CommandBus, cfg DestroySchedulerConfig) (*DestroyScheduler, error) {
	s := &DestroyScheduler{
		instances: instances,
		commands:  commands,
		logger:    log.New(log.Writer(), "[DestroyScheduler] ", log.LstdFlags),
		targetURL: cfg.TargetURL,
		interval:  cfg.SweepInterval,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if s.interval <= 0 {
		s.interval = time.Minute
	}

	if cfg.ProjectID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		client, err := cloudtasks.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("cloudtasks client: %w", err)
		}
		s.client = client
		s.queuePath = fmt.Sprintf("projects/%s/locations/%s/queues/%s",
			cfg.ProjectID, cfg.LocationID, cfg.QueueID)
		s.logger.Printf("connected to Cloud Tasks queue %s", s.queuePath)
	}
	return s, nil
}

// Schedule marks the instance for destruction after the grace period and,
// when Cloud Tasks is available, enqueues the deferred destroy task. The
// local sweep remains the safety net either way.
func (s *DestroyScheduler) Schedule(ctx context.Context, inst *core.BotInstance, grace time.Duration) error {
	now := time.Now().UTC()
	destroyAt := now.Add(grace)
	inst.BillingState = core.BillingSuspended
	inst.SuspendedAt = &now
	inst.DestroyAfter = &destroyAt

	if err := s.instances.Save(ctx, inst); err != nil {
		return fmt.Errorf("schedule destroy: %w", err)
	}
	s.logger.Printf("instance %s scheduled for destroy at %s", inst.ID, destroyAt.Format(time.RFC3339))

	if s.client != nil {
		s.enqueue(inst.ID, destroyAt)
	}
	return nil
}

func (s *DestroyScheduler) enqueue(instanceID string, at time.Time) {
	req := &taskspb.CreateTaskRequest{
		Parent: s.queuePath,
		Task: &taskspb.Task{
			ScheduleTime: timestamppb.New(at),
			MessageType: &taskspb.Task_HttpRequest{
				HttpRequest: &taskspb.HttpRequest{
					HttpMethod: taskspb.HttpMethod_POST,
					Url:        fmt.Sprintf("%s/%s", s.targetURL, instanceID),
					Headers:    map[string]string{"Content-Type": "application/json"},
				},
			},
		},
	}

	// Enqueue off the hot path; the sweep covers a lost task.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, err := s.client.CreateTask(ctx, req); err != nil {
			s.logger.Printf("cloud task enqueue for %s failed, sweep will cover: %v", instanceID, err)
		}
	}()
}

// Run sweeps for due instances until Stop or context end.
func (s *DestroyScheduler) Run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.logger.Printf("sweep failed: %v", err)
			}
		}
	}
}

// Stop ends the sweep loop.
func (s *DestroyScheduler) Stop() {
	close(s.stop)
	<-s.done
	if s.client != nil {
		s.client.Close()
	}
}

// SweepOnce destroys every instance whose grace window has passed.
func (s *DestroyScheduler) SweepOnce(ctx context.Context) error {
	due, err := s.instances.ListDueDestroy(ctx, time.Now().UTC())
	if err != nil {
		return err
	}
	for i := range due {
		if err := s.Destroy(ctx, &due[i]); err != nil {
			s.logger.Printf("destroy of %s failed: %v", due[i].ID, err)
		}
	}
	return nil
}

// Destroy tears down one instance: the node agent removes the container,
// then the row is marked destroyed. A disconnected node does not block
// the billing-state transition; the agent reconciles on reconnect.
func (s *DestroyScheduler) Destroy(ctx context.Context, inst *core.BotInstance) error {
	if inst.BillingState == core.BillingDestroyed {
		return nil
	}

	if inst.NodeID != "" && s.commands != nil {
		result, err := s.commands.Dispatch(ctx, inst.NodeID, "destroy_bot",
			map[string]interface{}{"instance_id": inst.ID})
		if err != nil {
			s.logger.Printf("destroy_bot for %s on %s: %v", inst.ID, inst.NodeID, err)
		} else if !result.Success {
			s.logger.Printf("destroy_bot for %s on %s rejected: %s", inst.ID, inst.NodeID, result.Error)
		}
	}

	inst.BillingState = core.BillingDestroyed
	if err := s.instances.Save(ctx, inst); err != nil {
		return fmt.Errorf("mark destroyed: %w", err)
	}
	s.logger.Printf("instance %s destroyed", inst.ID)
	return nil
}
