package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr-platform/controlplane/internal/core"
)

// CommandBus dispatches command envelopes to node agents and matches
// their results back by command id. Results arrive unordered; a late or
// unmatched result is dropped with a warning.
type CommandBus struct {
	registry *ConnectionRegistry
	logger   *log.Logger
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]chan core.CommandResult
}

func NewCommandBus(registry *ConnectionRegistry, timeout time.Duration) *CommandBus {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &CommandBus{
		registry: registry,
		logger:   log.New(log.Writer(), "[CommandBus] ", log.LstdFlags),
		timeout:  timeout,
		pending:  make(map[string]chan core.CommandResult),
	}
}

// Dispatch sends a command to the node and blocks until its result, the
// timeout, or context cancellation. The pending id is evicted on every
// exit path.
func (b *CommandBus) Dispatch(ctx context.Context, nodeID, command string, payload map[string]interface{}) (*core.CommandResult, error) {
	envelope := core.CommandEnvelope{
		ID:      uuid.NewString(),
		Type:    "command",
		Command: command,
		Payload: payload,
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}

	ch := make(chan core.CommandResult, 1)
	b.mu.Lock()
	b.pending[envelope.ID] = ch
	b.mu.Unlock()
	defer b.evict(envelope.ID)

	if err := b.registry.Send(nodeID, raw); err != nil {
		return nil, fmt.Errorf("dispatch %s to %s: %w", command, nodeID, err)
	}

	timer := time.NewTimer(b.timeout)
	defer timer.Stop()

	select {
	case result := <-ch:
		return &result, nil
	case <-timer.C:
		return nil, fmt.Errorf("command %s to %s timed out after %s", command, nodeID, b.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Resolve routes an inbound command_result to its waiting dispatcher.
func (b *CommandBus) Resolve(result core.CommandResult) {
	b.mu.Lock()
	ch, ok := b.pending[result.ID]
	if ok {
		delete(b.pending, result.ID)
	}
	b.mu.Unlock()

	if !ok {
		b.logger.Printf("dropping unmatched command result id=%s command=%s", result.ID, result.Command)
		return
	}
	ch <- result
}

// Pending returns the number of in-flight commands.
func (b *CommandBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *CommandBus) evict(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.pending, id)
}
