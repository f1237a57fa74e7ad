// simulate_node dials the control plane's node stream as a fake fleet
// agent: it registers, heartbeats every 10 seconds, and acknowledges
// every command it receives. Useful for exercising the orchestrator
// without real worker hosts.
//
//	go run scripts/simulate_node.go -node node-sim-01 -secret $NODE_SECRET
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wopr-platform/controlplane/internal/core"
)

func main() {
	server := flag.String("server", "ws://localhost:8080", "control plane base URL")
	nodeID := flag.String("node", "node-sim-01", "node id to present")
	secret := flag.String("secret", os.Getenv("NODE_SECRET"), "stream bearer secret")
	capacity := flag.Int64("capacity", 8192, "capacity to report, MB")
	flag.Parse()

	url := fmt.Sprintf("%s/internal/nodes/%s/ws", *server, *nodeID)
	header := http.Header{}
	if *secret != "" {
		header.Set("Authorization", "Bearer "+*secret)
	}

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		log.Fatalf("dial %s: %v", url, err)
	}
	defer conn.Close()
	log.Printf("connected as %s", *nodeID)

	host, _ := os.Hostname()
	if err := conn.WriteJSON(core.RegisterMessage{
		Type:         core.FrameRegister,
		NodeID:       *nodeID,
		Host:         host,
		CapacityMB:   *capacity,
		AgentVersion: "sim-0.1.0",
	}); err != nil {
		log.Fatalf("register: %v", err)
	}

	// Acknowledge every inbound command.
	go func() {
		for {
			_, payload, err := conn.ReadMessage()
			if err != nil {
				log.Printf("read: %v", err)
				os.Exit(1)
			}

			var cmd core.CommandEnvelope
			if err := json.Unmarshal(payload, &cmd); err != nil || cmd.Type != "command" {
				continue
			}
			log.Printf("command %s (%s), acking", cmd.Command, cmd.ID)
			conn.WriteJSON(core.CommandResult{
				Type:    core.FrameCommandResult,
				ID:      cmd.ID,
				Command: cmd.Command,
				Success: true,
			})
		}
	}()

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	heartbeat := func() {
		err := conn.WriteJSON(core.HeartbeatMessage{
			Type:      core.FrameHeartbeat,
			NodeID:    *nodeID,
			Timestamp: time.Now().UTC(),
			Usage:     core.ResourceUsage{CPUPercent: 12.5, MemoryMB: 2048, DiskMB: 4096},
			Containers: []core.ContainerSummary{
				{InstanceID: "inst-sim-1", State: "running", SizeMB: 512},
				{InstanceID: "inst-sim-2", State: "running", SizeMB: 256},
			},
		})
		if err != nil {
			log.Fatalf("heartbeat: %v", err)
		}
	}
	heartbeat()

	for {
		select {
		case <-ticker.C:
			heartbeat()
		case <-interrupt:
			log.Println("closing stream")
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
