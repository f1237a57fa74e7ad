// Package core holds the shared domain types for the WOPR control plane.
// Every persisted row and wire frame in the platform is defined here so
// component packages never import each other for type definitions.
package core

import "time"

// Credit is the integer unit of prepaid balance. 1 credit = 1e-8 USD.
type Credit int64

// CreditsPerUSD converts between credits and dollars.
const CreditsPerUSD = 100_000_000

// CreditsFromUSD converts a dollar amount to credits, truncating toward zero.
func CreditsFromUSD(usd float64) Credit {
	return Credit(usd * CreditsPerUSD)
}

// USD returns the dollar value of a credit amount.
func (c Credit) USD() float64 {
	return float64(c) / CreditsPerUSD
}

// Capability identifies one provider-facing operation class.
type Capability string

const (
	CapabilityTranscription   Capability = "transcription"
	CapabilityImageGeneration Capability = "image-generation"
	CapabilityTextGeneration  Capability = "text-generation"
	CapabilityTTS             Capability = "tts"
	CapabilityEmbeddings      Capability = "embeddings"
	CapabilityTelephony       Capability = "telephony"
)

// PricingTier selects adapter preference in the gateway.
type PricingTier string

const (
	TierStandard PricingTier = "standard"
	TierPremium  PricingTier = "premium"
)

// UsageTier labels a meter event with how the request was keyed.
type UsageTier string

const (
	UsageTierWOPR    UsageTier = "wopr"
	UsageTierBranded UsageTier = "branded"
	UsageTierBYOK    UsageTier = "byok"
)

// ============================================================================
// CREDIT LEDGER
// ============================================================================

// TransactionType classifies a ledger entry.
type TransactionType string

const (
	TxSignupGrant      TransactionType = "signup_grant"
	TxPurchase         TransactionType = "purchase"
	TxConsumption      TransactionType = "consumption"
	TxRefund           TransactionType = "refund"
	TxCorrection       TransactionType = "correction"
	TxDividend         TransactionType = "dividend"
	TxAffiliateBonus   TransactionType = "affiliate_bonus"
	TxRuntimeDeduction TransactionType = "runtime_deduction"
)

// CreditTransaction is one immutable ledger row. For a given tenant the
// rows form a totally ordered sequence: BalanceAfter of row N equals
// BalanceAfter of row N-1 plus Amount of row N.
type CreditTransaction struct {
	ID            string          `json:"id"`
	TenantID      string          `json:"tenant_id"`
	Amount        Credit          `json:"amount"` // signed
	BalanceAfter  Credit          `json:"balance_after"`
	Type          TransactionType `json:"type"`
	Description   string          `json:"description,omitempty"`
	ReferenceID   string          `json:"reference_id,omitempty"` // unique per tenant when present
	FundingSource string          `json:"funding_source,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ============================================================================
// METERING
// ============================================================================

// MeterEvent records a single capability invocation with its provider cost
// and the price charged to the tenant. Append-only.
type MeterEvent struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenant_id"`
	Capability Capability `json:"capability"`
	Provider   string     `json:"provider"`
	CostUSD    float64    `json:"cost_usd"`
	ChargeUSD  float64    `json:"charge_usd"`
	DurationMS int64      `json:"duration_ms,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	Tier       UsageTier  `json:"tier,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
}

// BillingPeriodSummary is the fixed-period aggregate of meter events,
// unique on (tenant, capability, provider, period_start).
type BillingPeriodSummary struct {
	TenantID        string     `json:"tenant_id"`
	Capability      Capability `json:"capability"`
	Provider        string     `json:"provider"`
	PeriodStart     time.Time  `json:"period_start"`
	EventCount      int64      `json:"event_count"`
	TotalCostUSD    float64    `json:"total_cost_usd"`
	TotalChargeUSD  float64    `json:"total_charge_usd"`
	TotalDurationMS int64      `json:"total_duration_ms"`
}

// ExternalUsageReport proves one billing-period summary has been reported
// to the external payment processor. Unique on the same tuple as the summary.
type ExternalUsageReport struct {
	TenantID    string     `json:"tenant_id"`
	Capability  Capability `json:"capability"`
	Provider    string     `json:"provider"`
	PeriodStart time.Time  `json:"period_start"`
	ReportedAt  time.Time  `json:"reported_at"`
}

// SpendLimits caps a tenant's trailing-window spend. Nil fields skip the
// corresponding check.
type SpendLimits struct {
	MaxPerHourUSD  *float64 `json:"max_per_hour_usd,omitempty"`
	MaxPerMonthUSD *float64 `json:"max_per_month_usd,omitempty"`
}

// ============================================================================
// FLEET
// ============================================================================

// NodeStatus is the watchdog-driven lifecycle state of a worker node.
type NodeStatus string

const (
	NodeProvisioning NodeStatus = "provisioning"
	NodeActive       NodeStatus = "active"
	NodeDegraded     NodeStatus = "degraded"
	NodeUnreachable  NodeStatus = "unreachable"
	NodeFailed       NodeStatus = "failed" // terminal
)

// Node is one remote worker host running tenant bot containers.
// Invariant: UsedMB <= CapacityMB. Status transitions are driven by the
// heartbeat processor and the watchdog only.
type Node struct {
	ID              string        `json:"id"`
	Host            string        `json:"host"`
	Status          NodeStatus    `json:"status"`
	ProvisionStage  string        `json:"provision_stage,omitempty"`
	CapacityMB      int64         `json:"capacity_mb"`
	UsedMB          int64         `json:"used_mb"`
	Usage           ResourceUsage `json:"resource_usage"`
	DrainStatus     string        `json:"drain_status,omitempty"`
	AgentVersion    string        `json:"agent_version,omitempty"`
	Secret          string        `json:"-"` // per-node stream bearer secret
	LastHeartbeatAt time.Time     `json:"last_heartbeat_at"`
	CreatedAt       time.Time     `json:"created_at"`
}

// BillingState tracks the lifecycle of a bot instance's subscription.
type BillingState string

const (
	BillingActive    BillingState = "active"
	BillingSuspended BillingState = "suspended"
	BillingGrace     BillingState = "grace"
	BillingDestroyed BillingState = "destroyed"
)

// BotInstance is one tenant workload placed on a node. NodeID is a weak
// reference: the node never points back at its instances.
type BotInstance struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenant_id"`
	NodeID       string       `json:"node_id,omitempty"`
	BillingState BillingState `json:"billing_state"`
	ResourceTier string       `json:"resource_tier,omitempty"`
	StorageMB    int64        `json:"storage_mb,omitempty"`
	SuspendedAt  *time.Time   `json:"suspended_at,omitempty"`
	DestroyAfter *time.Time   `json:"destroy_after,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// ============================================================================
// NODE STREAM WIRE FORMAT — JSON frames over a persistent WebSocket
// ============================================================================

// Frame message types, inbound from the node agent.
const (
	FrameHeartbeat     = "heartbeat"
	FrameCommandResult = "command_result"
	FrameRegister      = "register"
	FrameHealthEvent   = "health_event"
)

// ResourceUsage is the node-level usage snapshot inside a heartbeat.
type ResourceUsage struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   int64   `json:"memory_mb"`
	DiskMB     int64   `json:"disk_mb"`
}

// ContainerSummary describes one bot container in a heartbeat.
type ContainerSummary struct {
	InstanceID string `json:"instance_id"`
	State      string `json:"state"`
	SizeMB     int64  `json:"size_mb"`
}

// HeartbeatMessage is the periodic liveness frame sent by a node agent.
type HeartbeatMessage struct {
	Type       string             `json:"type"`
	NodeID     string             `json:"node_id"`
	Timestamp  time.Time          `json:"timestamp"`
	Usage      ResourceUsage      `json:"resource_usage"`
	Containers []ContainerSummary `json:"container_summary"`
}

// RegisterMessage is sent once by an agent after boot. Idempotent upsert.
type RegisterMessage struct {
	Type         string `json:"type"`
	NodeID       string `json:"node_id"`
	Host         string `json:"host"`
	CapacityMB   int64  `json:"capacity_mb"`
	AgentVersion string `json:"agent_version"`
}

// HealthEvent is an unsolicited diagnostic frame from an agent.
type HealthEvent struct {
	Type    string `json:"type"`
	NodeID  string `json:"node_id"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// CommandEnvelope is the outbound command frame to a node agent.
type CommandEnvelope struct {
	ID      string                 `json:"id"`
	Type    string                 `json:"type"` // always "command"
	Command string                 `json:"command"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// CommandResult is the inbound completion frame matching a CommandEnvelope
// by ID. Results arrive unordered.
type CommandResult struct {
	Type    string                 `json:"type"`
	ID      string                 `json:"id"`
	Command string                 `json:"command"`
	Success bool                   `json:"success"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	Error   string                 `json:"error,omitempty"`
}
