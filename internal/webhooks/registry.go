// Package webhooks delivers platform events to tenant-registered HTTP
// endpoints. Subscriptions live in the registry; delivery runs through
// a worker-pool dispatcher or Cloud Tasks, with HMAC-signed payloads.
package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Emitter dispatches webhook events. The in-memory Dispatcher and the
// CloudDispatcher both satisfy it.
type Emitter interface {
	Emit(eventType, tenantID string, data map[string]interface{})
	Shutdown()
}

// Subscription is one registered webhook endpoint. EventTypes use the
// platform event names from the events package.
type Subscription struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Secret    string    `json:"secret,omitempty"`
	Active    bool      `json:"active"`
	TenantID  string    `json:"tenant_id"`
	CreatedAt time.Time `json:"created_at"`
	FailCount int       `json:"fail_count"`
}

// Event is the payload POSTed to subscribers.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	TenantID  string                 `json:"tenant_id"`
	Data      map[string]interface{} `json:"data"`
}

// Registry stores webhook subscriptions and indexes them by event type.
type Registry struct {
	mu      sync.RWMutex
	hooks   map[string]*Subscription
	byEvent map[string][]*Subscription
	logger  *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		hooks:   make(map[string]*Subscription),
		byEvent: make(map[string][]*Subscription),
		logger:  log.New(log.Writer(), "[Webhooks] ", log.LstdFlags),
	}
}

// Register validates and stores a subscription, assigning an id when
// the caller left it empty.
func (r *Registry) Register(sub *Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub.URL == "" {
		return fmt.Errorf("webhook URL is required")
	}
	if len(sub.Events) == 0 {
		return fmt.Errorf("at least one event type is required")
	}

	if sub.ID == "" {
		sub.ID = "wh-" + uuid.NewString()
	}
	sub.Active = true
	sub.CreatedAt = time.Now()
	sub.FailCount = 0

	r.hooks[sub.ID] = sub
	for _, evt := range sub.Events {
		r.byEvent[evt] = append(r.byEvent[evt], sub)
	}

	r.logger.Printf("registered webhook %s for %s (events %v)", sub.ID, sub.URL, sub.Events)
	return nil
}

// Unregister removes a subscription and its event index entries.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return fmt.Errorf("webhook %s not found", id)
	}
	delete(r.hooks, id)

	for _, evt := range sub.Events {
		filtered := r.byEvent[evt][:0:0]
		for _, s := range r.byEvent[evt] {
			if s.ID != id {
				filtered = append(filtered, s)
			}
		}
		r.byEvent[evt] = filtered
	}
	return nil
}

// Subscribers returns the active subscriptions for an event type.
func (r *Registry) Subscribers(eventType string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []*Subscription
	for _, sub := range r.byEvent[eventType] {
		if sub.Active {
			active = append(active, sub)
		}
	}
	return active
}

// ListTenant returns every subscription owned by the tenant.
func (r *Registry) ListTenant(tenantID string) []*Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Subscription
	for _, sub := range r.hooks {
		if sub.TenantID == tenantID {
			out = append(out, sub)
		}
	}
	return out
}

// MarkFailed bumps the failure count and disables the subscription
// after 10 consecutive failures.
func (r *Registry) MarkFailed(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.hooks[id]
	if !ok {
		return
	}
	sub.FailCount++
	if sub.FailCount >= 10 {
		sub.Active = false
		r.logger.Printf("webhook %s disabled after %d failures", id, sub.FailCount)
	}
}

// MarkDelivered resets the failure streak.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sub, ok := r.hooks[id]; ok {
		sub.FailCount = 0
	}
}

// SignPayload computes the HMAC-SHA256 signature subscribers verify.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
