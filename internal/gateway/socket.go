// Package gateway routes capability requests to provider adapters and
// meters every successful invocation.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wopr-platform/controlplane/internal/budget"
	"github.com/wopr-platform/controlplane/internal/core"
	"github.com/wopr-platform/controlplane/internal/metering"
)

// DefaultMargin is applied when an adapter reports cost but no charge.
const DefaultMargin = 1.3

// Invocation is the provider-facing view of one request.
type Invocation struct {
	TenantID  string
	SessionID string
	Input     map[string]interface{}
}

// Outcome is what an adapter returns. ChargeUSD nil means the platform
// derives the charge from cost and margin.
type Outcome struct {
	Result    interface{}
	CostUSD   float64
	ChargeUSD *float64
}

// ProviderAdapter is one upstream provider. Adapters declare the
// capability set they serve; calling a method outside that set is a
// routing bug, not an adapter concern.
type ProviderAdapter interface {
	Name() string
	SelfHosted() bool
	Capabilities() []core.Capability

	Transcribe(ctx context.Context, inv Invocation) (*Outcome, error)
	GenerateImage(ctx context.Context, inv Invocation) (*Outcome, error)
	GenerateText(ctx context.Context, inv Invocation) (*Outcome, error)
	SynthesizeSpeech(ctx context.Context, inv Invocation) (*Outcome, error)
	Embed(ctx context.Context, inv Invocation) (*Outcome, error)
}

// GateError is a denial with an HTTP status, raised before the adapter
// is touched.
type GateError struct {
	Status int
	Reason string
}

func (e *GateError) Error() string {
	return fmt.Sprintf("request denied (%d): %s", e.Status, e.Reason)
}

// ExecuteRequest carries one capability invocation through the gates.
type ExecuteRequest struct {
	TenantID    string
	Capability  core.Capability
	Input       map[string]interface{}
	Adapter     string // explicit adapter name, optional
	PricingTier core.PricingTier
	Margin      float64 // 0 means DefaultMargin
	SessionID   string
	BYOK        bool
	SpendLimits *core.SpendLimits
}

// AdapterSocket is the adapter registry plus the execute pipeline.
type AdapterSocket struct {
	mu       sync.RWMutex
	adapters map[string]ProviderAdapter
	ordered  []ProviderAdapter

	budget *budget.Checker
	meter  metering.Store
	logger *log.Logger

	now func() time.Time
}

// NewAdapterSocket creates a socket. checker may be nil to disable
// budget gating; meter must not be nil.
func NewAdapterSocket(checker *budget.Checker, meter metering.Store) *AdapterSocket {
	return &AdapterSocket{
		adapters: make(map[string]ProviderAdapter),
		budget:   checker,
		meter:    meter,
		logger:   log.New(log.Writer(), "[AdapterSocket] ", log.LstdFlags),
		now:      time.Now,
	}
}

// Register adds an adapter. Re-registering a name replaces the previous
// adapter but keeps its registration order.
func (s *AdapterSocket) Register(a ProviderAdapter) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.adapters[a.Name()]; exists {
		for i, prev := range s.ordered {
			if prev.Name() == a.Name() {
				s.ordered[i] = a
				break
			}
		}
	} else {
		s.ordered = append(s.ordered, a)
	}
	s.adapters[a.Name()] = a
	s.logger.Printf("registered adapter %s (self_hosted=%v capabilities=%v)",
		a.Name(), a.SelfHosted(), a.Capabilities())
}

// Adapters returns registered adapter names in registration order.
func (s *AdapterSocket) Adapters() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, len(s.ordered))
	for i, a := range s.ordered {
		out[i] = a.Name()
	}
	return out
}

// Execute runs the budget gate, invokes the selected adapter, and meters
// the outcome. Adapter failures propagate as-is and leave no meter event.
func (s *AdapterSocket) Execute(ctx context.Context, req ExecuteRequest) (interface{}, error) {
	adapter, err := s.selectAdapter(req)
	if err != nil {
		return nil, err
	}

	if s.budget != nil && !req.BYOK && req.SpendLimits != nil {
		decision, err := s.budget.Check(ctx, req.TenantID, *req.SpendLimits)
		if err != nil {
			return nil, fmt.Errorf("budget check: %w", err)
		}
		if !decision.Allowed {
			return nil, &GateError{Status: decision.HTTPStatus, Reason: decision.Reason}
		}
	}

	started := s.now()
	outcome, err := s.invoke(ctx, adapter, req)
	if err != nil {
		return nil, err
	}

	margin := req.Margin
	if margin <= 0 {
		margin = DefaultMargin
	}

	ev := core.MeterEvent{
		ID:         uuid.NewString(),
		TenantID:   req.TenantID,
		Capability: req.Capability,
		Provider:   adapter.Name(),
		DurationMS: s.now().Sub(started).Milliseconds(),
		SessionID:  req.SessionID,
		Timestamp:  s.now().UTC(),
	}
	if req.BYOK {
		ev.Tier = core.UsageTierBYOK
	} else {
		ev.CostUSD = outcome.CostUSD
		if outcome.ChargeUSD != nil {
			ev.ChargeUSD = *outcome.ChargeUSD
		} else {
			ev.ChargeUSD = outcome.CostUSD * margin
		}
	}

	if err := s.meter.Append(ctx, &ev); err != nil {
		return nil, fmt.Errorf("meter event: %w", err)
	}
	return outcome.Result, nil
}

// selectAdapter applies the routing rules: explicit name first, then
// tier preference (standard leans self-hosted, premium leans external),
// then first registered.
func (s *AdapterSocket) selectAdapter(req ExecuteRequest) (ProviderAdapter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if req.Adapter != "" {
		a, ok := s.adapters[req.Adapter]
		if !ok {
			return nil, &GateError{Status: http.StatusNotFound,
				Reason: fmt.Sprintf("adapter %q is not registered", req.Adapter)}
		}
		if !declares(a, req.Capability) {
			return nil, &GateError{Status: http.StatusBadRequest,
				Reason: fmt.Sprintf("adapter %q does not support %s", req.Adapter, req.Capability)}
		}
		return a, nil
	}

	var candidates []ProviderAdapter
	for _, a := range s.ordered {
		if declares(a, req.Capability) {
			candidates = append(candidates, a)
		}
	}
	if len(candidates) == 0 {
		return nil, &GateError{Status: http.StatusServiceUnavailable,
			Reason: fmt.Sprintf("no adapter registered for %s", req.Capability)}
	}

	switch req.PricingTier {
	case core.TierStandard:
		for _, a := range candidates {
			if a.SelfHosted() {
				return a, nil
			}
		}
	case core.TierPremium:
		for _, a := range candidates {
			if !a.SelfHosted() {
				return a, nil
			}
		}
	}
	return candidates[0], nil
}

// invoke dispatches through the fixed capability-to-method table.
func (s *AdapterSocket) invoke(ctx context.Context, a ProviderAdapter, req ExecuteRequest) (*Outcome, error) {
	inv := Invocation{
		TenantID:  req.TenantID,
		SessionID: req.SessionID,
		Input:     req.Input,
	}

	var outcome *Outcome
	var err error
	switch req.Capability {
	case core.CapabilityTranscription:
		outcome, err = a.Transcribe(ctx, inv)
	case core.CapabilityImageGeneration:
		outcome, err = a.GenerateImage(ctx, inv)
	case core.CapabilityTextGeneration:
		outcome, err = a.GenerateText(ctx, inv)
	case core.CapabilityTTS:
		outcome, err = a.SynthesizeSpeech(ctx, inv)
	case core.CapabilityEmbeddings:
		outcome, err = a.Embed(ctx, inv)
	default:
		return nil, &GateError{Status: http.StatusBadRequest,
			Reason: fmt.Sprintf("unsupported capability %s", req.Capability)}
	}
	if err != nil {
		return nil, err
	}
	if outcome == nil {
		return nil, fmt.Errorf("adapter %s returned no outcome", a.Name())
	}
	return outcome, nil
}

func declares(a ProviderAdapter, cap core.Capability) bool {
	for _, c := range a.Capabilities() {
		if c == cap {
			return true
		}
	}
	return false
}
