package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/wopr-platform/controlplane/internal/core"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Node agents connect server-to-server; there is no browser origin
	// to validate on this surface.
	CheckOrigin: func(*http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // must be < pongWait
	writeWait  = 10 * time.Second // time allowed to write a message
	maxMsgSize = 512 * 1024
	sendBuffer = 256
)

// Orchestrator owns the node-facing stream surface and the fleet
// sub-components behind it.
type Orchestrator struct {
	Nodes      NodeRepo
	Instances  InstanceRepo
	Registry   *ConnectionRegistry
	Commands   *CommandBus
	Heartbeats *HeartbeatProcessor
	Registrar  *NodeRegistrar
	Watchdog   *Watchdog

	nodeSecret string
	logger     *log.Logger
}

// OrchestratorConfig wires the fleet together.
type OrchestratorConfig struct {
	Nodes          NodeRepo
	Instances      InstanceRepo
	NodeSecret     string // platform-wide stream bearer; per-node secrets also accepted
	CommandTimeout time.Duration
	Watchdog       WatchdogConfig
}

// NewOrchestrator builds the fleet stack. The watchdog is created but
// not started; call Watchdog.Run from the server lifecycle.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	locks := newNodeLocks()
	registry := NewConnectionRegistry()
	commands := NewCommandBus(registry, cfg.CommandTimeout)

	o := &Orchestrator{
		Nodes:      cfg.Nodes,
		Instances:  cfg.Instances,
		Registry:   registry,
		Commands:   commands,
		Heartbeats: NewHeartbeatProcessor(cfg.Nodes, locks, cfg.Watchdog.OnTransition),
		Registrar:  NewNodeRegistrar(cfg.Nodes, locks),
		nodeSecret: cfg.NodeSecret,
		logger:     log.New(log.Writer(), "[Fleet] ", log.LstdFlags),
	}
	o.Watchdog = NewWatchdog(cfg.Nodes, locks, NewPingRecovery(commands), cfg.Watchdog)
	return o
}

// HandleNodeStream upgrades GET /internal/nodes/{node_id}/ws. The bearer
// must be the platform node secret or the node's persistent secret.
func (o *Orchestrator) HandleNodeStream(w http.ResponseWriter, r *http.Request) {
	nodeID := mux.Vars(r)["node_id"]
	if nodeID == "" {
		http.Error(w, `{"error":"node_id required"}`, http.StatusBadRequest)
		return
	}

	if !o.authorizeNode(r, nodeID) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":"Invalid or expired token"}`))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		o.logger.Printf("upgrade failed for node %s: %v", nodeID, err)
		return
	}

	stream := &wsStream{
		orch:   o,
		nodeID: nodeID,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	o.Registry.Accept(nodeID, stream)
	o.logger.Printf("node %s stream connected from %s", nodeID, r.RemoteAddr)

	// writePump owns all writes, readPump owns all reads. No other
	// goroutine touches conn.
	go stream.writePump()
	go stream.readPump()
}

func (o *Orchestrator) authorizeNode(r *http.Request, nodeID string) bool {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(auth, "Bearer ")
	if token == "" {
		return false
	}

	if o.nodeSecret != "" && token == o.nodeSecret {
		return true
	}

	node, err := o.Nodes.Get(r.Context(), nodeID)
	if err != nil {
		return false
	}
	return node.Secret != "" && node.Secret == token
}

// wsStream is one live node connection. Send enqueues to the write pump;
// the registry holds it as a NodeStream.
type wsStream struct {
	orch   *Orchestrator
	nodeID string
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// Send queues a message for the write pump. A full buffer means the
// agent stopped draining; fail fast rather than block the caller.
func (s *wsStream) Send(message []byte) error {
	select {
	case <-s.done:
		return ErrNotConnected
	default:
	}

	select {
	case s.send <- message:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Close shuts the stream down exactly once.
func (s *wsStream) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.orch.Registry.Remove(s.nodeID, s)
		s.conn.Close()
		s.orch.logger.Printf("node %s stream closed", s.nodeID)
	})
	return nil
}

func (s *wsStream) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case message := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				s.orch.logger.Printf("write to node %s failed: %v", s.nodeID, err)
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.orch.logger.Printf("ping to node %s failed: %v", s.nodeID, err)
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *wsStream) readPump() {
	defer s.Close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.orch.logger.Printf("node %s read error: %v", s.nodeID, err)
			}
			return
		}
		s.orch.routeFrame(s.nodeID, payload)
	}
}

// routeFrame dispatches one inbound frame by its type field. A malformed
// frame is logged and skipped; it never tears the stream down.
func (o *Orchestrator) routeFrame(nodeID string, payload []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		o.logger.Printf("node %s sent invalid frame: %v", nodeID, err)
		return
	}

	ctx := context.Background()
	switch head.Type {
	case core.FrameHeartbeat:
		var hb core.HeartbeatMessage
		if err := json.Unmarshal(payload, &hb); err != nil {
			o.logger.Printf("node %s sent invalid heartbeat: %v", nodeID, err)
			return
		}
		hb.NodeID = nodeID
		if err := o.Heartbeats.Process(ctx, hb); err != nil {
			o.logger.Printf("heartbeat from %s failed: %v", nodeID, err)
		}

	case core.FrameRegister:
		var reg core.RegisterMessage
		if err := json.Unmarshal(payload, &reg); err != nil {
			o.logger.Printf("node %s sent invalid register: %v", nodeID, err)
			return
		}
		reg.NodeID = nodeID
		if err := o.Registrar.Register(ctx, reg); err != nil {
			o.logger.Printf("register from %s failed: %v", nodeID, err)
		}

	case core.FrameCommandResult:
		var result core.CommandResult
		if err := json.Unmarshal(payload, &result); err != nil {
			o.logger.Printf("node %s sent invalid command result: %v", nodeID, err)
			return
		}
		o.Commands.Resolve(result)

	case core.FrameHealthEvent:
		var ev core.HealthEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			o.logger.Printf("node %s sent invalid health event: %v", nodeID, err)
			return
		}
		o.logger.Printf("health event from %s level=%s: %s", nodeID, ev.Level, ev.Message)

	default:
		o.logger.Printf("node %s sent unknown frame type %q", nodeID, head.Type)
	}
}
