package fleet

import (
	"errors"
	"log"
	"sync"
)

// ErrNotConnected is returned when a send targets a node with no live stream.
var ErrNotConnected = errors.New("node has no live stream")

// NodeStream is one live connection to a node agent. The WebSocket
// transport satisfies this; tests use channel-backed fakes.
type NodeStream interface {
	Send(message []byte) error
	Close() error
}

// ConnectionRegistry tracks at most one live stream per node. Accepting
// a new stream for a node closes the previous one first, so a
// reconnecting agent never races its own stale connection.
type ConnectionRegistry struct {
	mu      sync.Mutex
	streams map[string]NodeStream
	logger  *log.Logger
}

func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		streams: make(map[string]NodeStream),
		logger:  log.New(log.Writer(), "[ConnRegistry] ", log.LstdFlags),
	}
}

// Accept installs a stream for the node, closing any previous one.
func (r *ConnectionRegistry) Accept(nodeID string, stream NodeStream) {
	r.mu.Lock()
	prev := r.streams[nodeID]
	r.streams[nodeID] = stream
	r.mu.Unlock()

	if prev != nil {
		r.logger.Printf("node %s reconnected, closing previous stream", nodeID)
		prev.Close()
	}
}

// Remove drops the node's stream, but only if it is still the given one;
// a stream that was already replaced must not evict its successor.
func (r *ConnectionRegistry) Remove(nodeID string, stream NodeStream) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.streams[nodeID] == stream {
		delete(r.streams, nodeID)
	}
}

// CloseNode closes and removes the node's stream if one is live.
func (r *ConnectionRegistry) CloseNode(nodeID string) {
	r.mu.Lock()
	stream := r.streams[nodeID]
	delete(r.streams, nodeID)
	r.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
}

// Send delivers a message to the node's live stream.
func (r *ConnectionRegistry) Send(nodeID string, message []byte) error {
	r.mu.Lock()
	stream := r.streams[nodeID]
	r.mu.Unlock()

	if stream == nil {
		return ErrNotConnected
	}
	return stream.Send(message)
}

// Connected reports whether the node has a live stream.
func (r *ConnectionRegistry) Connected(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[nodeID] != nil
}

// ConnectedNodes returns the ids of all nodes with live streams.
func (r *ConnectionRegistry) ConnectedNodes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.streams))
	for id := range r.streams {
		out = append(out, id)
	}
	return out
}
