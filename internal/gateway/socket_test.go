package gateway

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr-platform/controlplane/internal/budget"
	"github.com/wopr-platform/controlplane/internal/core"
	"github.com/wopr-platform/controlplane/internal/metering"
)

type fakeAdapter struct {
	UnimplementedAdapter
	name       string
	selfHosted bool
	caps       []core.Capability

	cost    float64
	charge  *float64
	failure error
	calls   int
}

func (f *fakeAdapter) Name() string                    { return f.name }
func (f *fakeAdapter) SelfHosted() bool                { return f.selfHosted }
func (f *fakeAdapter) Capabilities() []core.Capability { return f.caps }

func (f *fakeAdapter) outcome() (*Outcome, error) {
	f.calls++
	if f.failure != nil {
		return nil, f.failure
	}
	return &Outcome{Result: map[string]string{"text": "ok"}, CostUSD: f.cost, ChargeUSD: f.charge}, nil
}

func (f *fakeAdapter) Transcribe(context.Context, Invocation) (*Outcome, error) {
	return f.outcome()
}
func (f *fakeAdapter) GenerateText(context.Context, Invocation) (*Outcome, error) {
	return f.outcome()
}

func transcriber(name string, selfHosted bool) *fakeAdapter {
	return &fakeAdapter{
		name:       name,
		selfHosted: selfHosted,
		caps:       []core.Capability{core.CapabilityTranscription, core.CapabilityTextGeneration},
		cost:       0.01,
	}
}

func newSocket(checker *budget.Checker) (*AdapterSocket, *metering.MemoryStore) {
	meter := metering.NewMemoryStore()
	return NewAdapterSocket(checker, meter), meter
}

func meterEvents(t *testing.T, meter *metering.MemoryStore, tenant string) []core.MeterEvent {
	t.Helper()
	events, err := meter.EventsInRange(context.Background(), tenant,
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour), 0)
	require.NoError(t, err)
	return events
}

func TestExecute_MetersSuccessfulCall(t *testing.T) {
	socket, meter := newSocket(nil)
	adapter := transcriber("deepgram", false)
	socket.Register(adapter)

	result, err := socket.Execute(context.Background(), ExecuteRequest{
		TenantID:   "tenant-a",
		Capability: core.CapabilityTranscription,
		SessionID:  "sess-1",
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"text": "ok"}, result)

	events := meterEvents(t, meter, "tenant-a")
	require.Len(t, events, 1)
	assert.Equal(t, "deepgram", events[0].Provider)
	assert.Equal(t, core.CapabilityTranscription, events[0].Capability)
	assert.InDelta(t, 0.01, events[0].CostUSD, 1e-9)
	assert.InDelta(t, 0.013, events[0].ChargeUSD, 1e-9, "default margin is 1.3")
	assert.Equal(t, "sess-1", events[0].SessionID)
}

func TestExecute_AdapterChargeOverridesMargin(t *testing.T) {
	socket, meter := newSocket(nil)
	adapter := transcriber("deepgram", false)
	charge := 0.05
	adapter.charge = &charge
	socket.Register(adapter)

	_, err := socket.Execute(context.Background(), ExecuteRequest{
		TenantID:   "tenant-a",
		Capability: core.CapabilityTranscription,
	})
	require.NoError(t, err)

	events := meterEvents(t, meter, "tenant-a")
	require.Len(t, events, 1)
	assert.InDelta(t, 0.05, events[0].ChargeUSD, 1e-9)
}

func TestExecute_BYOKMetersZero(t *testing.T) {
	socket, meter := newSocket(nil)
	socket.Register(transcriber("deepgram", false))

	_, err := socket.Execute(context.Background(), ExecuteRequest{
		TenantID:   "tenant-a",
		Capability: core.CapabilityTranscription,
		BYOK:       true,
	})
	require.NoError(t, err)

	events := meterEvents(t, meter, "tenant-a")
	require.Len(t, events, 1)
	assert.Zero(t, events[0].CostUSD)
	assert.Zero(t, events[0].ChargeUSD)
	assert.Equal(t, core.UsageTierBYOK, events[0].Tier)
}

func TestExecute_BudgetDenialPrecedesAdapter(t *testing.T) {
	meter := metering.NewMemoryStore()
	require.NoError(t, meter.Append(context.Background(), &core.MeterEvent{
		ID:        "seed",
		TenantID:  "tenant-a",
		Provider:  "deepgram",
		ChargeUSD: 0.60,
		Timestamp: time.Now().Add(-10 * time.Minute),
	}))

	checker := budget.NewChecker(meter, time.Second)
	socket := NewAdapterSocket(checker, meter)
	adapter := transcriber("deepgram", false)
	socket.Register(adapter)

	maxPerHour := 0.50
	_, err := socket.Execute(context.Background(), ExecuteRequest{
		TenantID:    "tenant-a",
		Capability:  core.CapabilityTranscription,
		SpendLimits: &core.SpendLimits{MaxPerHourUSD: &maxPerHour},
	})

	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, http.StatusTooManyRequests, gateErr.Status)
	assert.Contains(t, gateErr.Error(), "Hourly spending limit exceeded")

	assert.Zero(t, adapter.calls, "adapter must not run after a budget denial")
	assert.Len(t, meterEvents(t, meter, "tenant-a"), 1, "no new meter event on denial")
}

func TestExecute_BYOKSkipsBudgetGate(t *testing.T) {
	meter := metering.NewMemoryStore()
	require.NoError(t, meter.Append(context.Background(), &core.MeterEvent{
		ID:        "seed",
		TenantID:  "tenant-a",
		ChargeUSD: 0.60,
		Timestamp: time.Now().Add(-10 * time.Minute),
	}))

	checker := budget.NewChecker(meter, time.Second)
	socket := NewAdapterSocket(checker, meter)
	socket.Register(transcriber("deepgram", false))

	maxPerHour := 0.50
	_, err := socket.Execute(context.Background(), ExecuteRequest{
		TenantID:    "tenant-a",
		Capability:  core.CapabilityTranscription,
		BYOK:        true,
		SpendLimits: &core.SpendLimits{MaxPerHourUSD: &maxPerHour},
	})
	assert.NoError(t, err)
}

func TestExecute_AdapterFailureLeavesNoEvent(t *testing.T) {
	socket, meter := newSocket(nil)
	adapter := transcriber("flaky", false)
	adapter.failure = errors.New("provider unavailable")
	socket.Register(adapter)

	_, err := socket.Execute(context.Background(), ExecuteRequest{
		TenantID:   "tenant-a",
		Capability: core.CapabilityTranscription,
	})
	require.EqualError(t, err, "provider unavailable")
	assert.Empty(t, meterEvents(t, meter, "tenant-a"))
}

func TestSelection_ExplicitAdapter(t *testing.T) {
	socket, _ := newSocket(nil)
	socket.Register(transcriber("deepgram", false))

	_, err := socket.Execute(context.Background(), ExecuteRequest{
		TenantID:   "tenant-a",
		Capability: core.CapabilityTranscription,
		Adapter:    "missing",
	})
	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, http.StatusNotFound, gateErr.Status)

	embedOnly := &fakeAdapter{name: "embed-only", caps: []core.Capability{core.CapabilityEmbeddings}}
	socket.Register(embedOnly)
	_, err = socket.Execute(context.Background(), ExecuteRequest{
		TenantID:   "tenant-a",
		Capability: core.CapabilityTranscription,
		Adapter:    "embed-only",
	})
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, http.StatusBadRequest, gateErr.Status)
}

func TestSelection_TierPreference(t *testing.T) {
	socket, _ := newSocket(nil)
	external := transcriber("deepgram", false)
	hosted := transcriber("whisper-local", true)
	socket.Register(external)
	socket.Register(hosted)

	_, err := socket.Execute(context.Background(), ExecuteRequest{
		TenantID:    "tenant-a",
		Capability:  core.CapabilityTranscription,
		PricingTier: core.TierStandard,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, hosted.calls, "standard tier prefers self-hosted")
	assert.Zero(t, external.calls)

	_, err = socket.Execute(context.Background(), ExecuteRequest{
		TenantID:    "tenant-a",
		Capability:  core.CapabilityTranscription,
		PricingTier: core.TierPremium,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, external.calls, "premium tier prefers external")
}

func TestSelection_FallbackAndDefault(t *testing.T) {
	socket, _ := newSocket(nil)
	hosted := transcriber("whisper-local", true)
	socket.Register(hosted)

	// Premium prefers external but falls back to what exists.
	_, err := socket.Execute(context.Background(), ExecuteRequest{
		TenantID:    "tenant-a",
		Capability:  core.CapabilityTranscription,
		PricingTier: core.TierPremium,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, hosted.calls)

	// No tier: first registered wins.
	second := transcriber("deepgram", false)
	socket.Register(second)
	_, err = socket.Execute(context.Background(), ExecuteRequest{
		TenantID:   "tenant-a",
		Capability: core.CapabilityTranscription,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, hosted.calls)
	assert.Zero(t, second.calls)
}

func TestSelection_NoAdapterForCapability(t *testing.T) {
	socket, _ := newSocket(nil)
	socket.Register(transcriber("deepgram", false))

	_, err := socket.Execute(context.Background(), ExecuteRequest{
		TenantID:   "tenant-a",
		Capability: core.CapabilityImageGeneration,
	})
	var gateErr *GateError
	require.ErrorAs(t, err, &gateErr)
	assert.Equal(t, http.StatusServiceUnavailable, gateErr.Status)
}
