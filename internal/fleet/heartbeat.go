package fleet

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wopr-platform/controlplane/internal/core"
	"github.com/wopr-platform/controlplane/internal/security"
)

// nodeLocks serializes writes per node. The heartbeat processor and the
// watchdog both do read-modify-write cycles on node rows; without this a
// late heartbeat could interleave with a watchdog demotion.
type nodeLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newNodeLocks() *nodeLocks {
	return &nodeLocks{locks: make(map[string]*sync.Mutex)}
}

func (n *nodeLocks) lock(nodeID string) *sync.Mutex {
	n.mu.Lock()
	defer n.mu.Unlock()

	l, ok := n.locks[nodeID]
	if !ok {
		l = &sync.Mutex{}
		n.locks[nodeID] = l
	}
	return l
}

// HeartbeatProcessor applies inbound heartbeat frames to node state.
type HeartbeatProcessor struct {
	nodes        NodeRepo
	locks        *nodeLocks
	logger       *log.Logger
	now          func() time.Time
	onTransition func(node core.Node, from, to core.NodeStatus)
}

func NewHeartbeatProcessor(nodes NodeRepo, locks *nodeLocks, onTransition func(core.Node, core.NodeStatus, core.NodeStatus)) *HeartbeatProcessor {
	return &HeartbeatProcessor{
		nodes:        nodes,
		locks:        locks,
		logger:       log.New(log.Writer(), "[Heartbeat] ", log.LstdFlags),
		now:          time.Now,
		onTransition: onTransition,
	}
}

// Process updates liveness and usage for one heartbeat. First heartbeat
// moves a provisioning node to active; degraded and unreachable nodes
// recover to active. Failed is terminal and never resurrects.
func (p *HeartbeatProcessor) Process(ctx context.Context, hb core.HeartbeatMessage) error {
	l := p.locks.lock(hb.NodeID)
	l.Lock()
	defer l.Unlock()

	node, err := p.nodes.Get(ctx, hb.NodeID)
	if err != nil {
		return fmt.Errorf("heartbeat for %s: %w", hb.NodeID, err)
	}

	node.LastHeartbeatAt = p.now().UTC()
	node.Usage = hb.Usage

	var used int64
	for _, c := range hb.Containers {
		used += c.SizeMB
	}
	node.UsedMB = used

	from := node.Status
	switch node.Status {
	case core.NodeProvisioning:
		node.Status = core.NodeActive
		p.logger.Printf("node %s provisioned, now active", node.ID)
	case core.NodeDegraded, core.NodeUnreachable:
		p.logger.Printf("node %s recovered from %s", node.ID, node.Status)
		node.Status = core.NodeActive
	case core.NodeFailed:
		// terminal
	}

	if err := p.nodes.Save(ctx, node); err != nil {
		return err
	}
	if from != node.Status && p.onTransition != nil {
		p.onTransition(*node, from, node.Status)
	}
	return nil
}

// NodeRegistrar handles register frames sent by agents after boot.
type NodeRegistrar struct {
	nodes  NodeRepo
	locks  *nodeLocks
	logger *log.Logger
}

func NewNodeRegistrar(nodes NodeRepo, locks *nodeLocks) *NodeRegistrar {
	return &NodeRegistrar{
		nodes:  nodes,
		locks:  locks,
		logger: log.New(log.Writer(), "[Registrar] ", log.LstdFlags),
	}
}

// Register upserts the node's boot facts. Registration is idempotent and
// never touches liveness state for a known node.
func (r *NodeRegistrar) Register(ctx context.Context, msg core.RegisterMessage) error {
	l := r.locks.lock(msg.NodeID)
	l.Lock()
	defer l.Unlock()

	node, err := r.nodes.Get(ctx, msg.NodeID)
	if err == ErrNodeNotFound {
		// First contact. The persistent secret lets the node reconnect
		// without the platform-wide bearer.
		secret, serr := security.NewNodeSecret()
		if serr != nil {
			return fmt.Errorf("register %s: %w", msg.NodeID, serr)
		}
		node = &core.Node{
			ID:     msg.NodeID,
			Status: core.NodeProvisioning,
			Secret: secret,
		}
	} else if err != nil {
		return fmt.Errorf("register %s: %w", msg.NodeID, err)
	}

	node.Host = msg.Host
	node.CapacityMB = msg.CapacityMB
	node.AgentVersion = msg.AgentVersion

	if err := r.nodes.Save(ctx, node); err != nil {
		return fmt.Errorf("register %s: %w", msg.NodeID, err)
	}
	r.logger.Printf("node %s registered host=%s capacity=%dMB agent=%s",
		msg.NodeID, msg.Host, msg.CapacityMB, msg.AgentVersion)
	return nil
}
