package fleet

import (
	"context"
	"log"
	"time"

	"github.com/wopr-platform/controlplane/internal/core"
)

// RecoveryManager reacts to a node crossing into unreachable. Invoked
// exactly once per transition.
type RecoveryManager interface {
	HandleUnreachable(ctx context.Context, node core.Node)
}

// PingRecovery is the default recovery manager: it probes the node over
// its live stream, if any, and logs the outcome for operators.
type PingRecovery struct {
	bus    *CommandBus
	logger *log.Logger
}

func NewPingRecovery(bus *CommandBus) *PingRecovery {
	return &PingRecovery{
		bus:    bus,
		logger: log.New(log.Writer(), "[Recovery] ", log.LstdFlags),
	}
}

func (r *PingRecovery) HandleUnreachable(ctx context.Context, node core.Node) {
	r.logger.Printf("node %s unreachable, probing", node.ID)
	result, err := r.bus.Dispatch(ctx, node.ID, "ping", nil)
	if err != nil {
		r.logger.Printf("probe of %s failed: %v", node.ID, err)
		return
	}
	r.logger.Printf("probe of %s answered success=%v", node.ID, result.Success)
}

// Watchdog demotes nodes whose heartbeats go stale. Transitions:
// active past degraded_threshold becomes degraded; degraded past
// unreachable_threshold becomes unreachable, which fires the recovery
// manager once. Recovery back to active is the heartbeat processor's job.
type Watchdog struct {
	nodes    NodeRepo
	locks    *nodeLocks
	recovery RecoveryManager
	logger   *log.Logger

	degradedAfter    time.Duration
	unreachableAfter time.Duration
	interval         time.Duration
	onTransition     func(node core.Node, from, to core.NodeStatus)

	stop chan struct{}
	done chan struct{}
	now  func() time.Time
}

// WatchdogConfig sets the staleness thresholds.
type WatchdogConfig struct {
	DegradedAfter    time.Duration
	UnreachableAfter time.Duration
	Interval         time.Duration

	// OnTransition fires after a status change is persisted, outside the
	// node lock. May be nil.
	OnTransition func(node core.Node, from, to core.NodeStatus)
}

func NewWatchdog(nodes NodeRepo, locks *nodeLocks, recovery RecoveryManager, cfg WatchdogConfig) *Watchdog {
	if cfg.DegradedAfter <= 0 {
		cfg.DegradedAfter = 60 * time.Second
	}
	if cfg.UnreachableAfter <= 0 {
		cfg.UnreachableAfter = 180 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	return &Watchdog{
		nodes:            nodes,
		locks:            locks,
		recovery:         recovery,
		logger:           log.New(log.Writer(), "[Watchdog] ", log.LstdFlags),
		degradedAfter:    cfg.DegradedAfter,
		unreachableAfter: cfg.UnreachableAfter,
		interval:         cfg.Interval,
		onTransition:     cfg.OnTransition,
		stop:             make(chan struct{}),
		done:             make(chan struct{}),
		now:              time.Now,
	}
}

// Run scans on the configured interval until Stop or context end.
func (w *Watchdog) Run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.Printf("watchdog started (degraded=%s unreachable=%s)", w.degradedAfter, w.unreachableAfter)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.Scan(ctx); err != nil {
				w.logger.Printf("scan failed: %v", err)
			}
		}
	}
}

// Stop ends the loop and waits for the in-flight scan.
func (w *Watchdog) Stop() {
	close(w.stop)
	<-w.done
}

// Scan demotes stale nodes. Each node is re-read under its lock so a
// heartbeat landing mid-scan wins.
func (w *Watchdog) Scan(ctx context.Context) error {
	nodes, err := w.nodes.List(ctx)
	if err != nil {
		return err
	}

	now := w.now().UTC()
	for i := range nodes {
		w.scanNode(ctx, nodes[i].ID, now)
	}
	return nil
}

func (w *Watchdog) scanNode(ctx context.Context, nodeID string, now time.Time) {
	l := w.locks.lock(nodeID)
	l.Lock()

	node, err := w.nodes.Get(ctx, nodeID)
	if err != nil {
		l.Unlock()
		return
	}

	from := node.Status
	var fireRecovery, changed bool
	switch node.Status {
	case core.NodeActive:
		if node.LastHeartbeatAt.IsZero() || now.Sub(node.LastHeartbeatAt) > w.degradedAfter {
			node.Status = core.NodeDegraded
			w.logger.Printf("node %s degraded, last heartbeat %s", node.ID, ago(node.LastHeartbeatAt, now))
			if err := w.nodes.Save(ctx, node); err != nil {
				w.logger.Printf("save %s failed: %v", node.ID, err)
			} else {
				changed = true
			}
		}
	case core.NodeDegraded:
		if node.LastHeartbeatAt.IsZero() || now.Sub(node.LastHeartbeatAt) > w.unreachableAfter {
			node.Status = core.NodeUnreachable
			w.logger.Printf("node %s unreachable, last heartbeat %s", node.ID, ago(node.LastHeartbeatAt, now))
			if err := w.nodes.Save(ctx, node); err != nil {
				w.logger.Printf("save %s failed: %v", node.ID, err)
			} else {
				changed = true
				fireRecovery = true
			}
		}
	}
	snapshot := *node
	l.Unlock()

	// Hooks run outside the node lock; recovery may dispatch commands
	// that take seconds.
	if changed && w.onTransition != nil {
		w.onTransition(snapshot, from, snapshot.Status)
	}
	if fireRecovery && w.recovery != nil {
		w.recovery.HandleUnreachable(ctx, snapshot)
	}
}

func ago(t, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return now.Sub(t).Round(time.Second).String() + " ago"
}
