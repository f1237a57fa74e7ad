// Package config loads and validates control-plane configuration from the
// environment. A .env file is read by the entry points via godotenv before
// this package is consulted.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full control-plane configuration.
type Config struct {
	Server   ServerConfig
	Platform PlatformConfig
	Billing  BillingConfig
	Gateway  GatewayConfig
	Fleet    FleetConfig
	Storage  StorageConfig
}

type ServerConfig struct {
	Port string
	Env  string
}

type PlatformConfig struct {
	// Secret is the platform master secret; per-tenant keys are derived
	// from it. Required, at least 32 characters.
	Secret string

	// TrustedProxyIPs are peer addresses whose first X-Forwarded-For
	// value identifies the real client.
	TrustedProxyIPs []string

	// NodeSecret is the static bearer accepted on the node stream
	// handshake when a node has no persistent per-node secret.
	NodeSecret string
}

type BillingConfig struct {
	StripeSecretKey     string
	StripeWebhookSecret string

	// BillingPeriod is the fixed aggregation period. Default 5 minutes.
	BillingPeriod time.Duration

	// LateArrivalGrace delays aggregation of a period until its end is
	// at least this old, so straggler meter events fold in.
	LateArrivalGrace time.Duration

	// Margin multiplies provider cost into tenant charge when an adapter
	// does not declare an explicit charge. Default 1.3.
	DefaultMargin float64
}

// BillingEnabled reports whether the external processor integration is
// configured. Absence disables usage reporting and customer deletion calls.
func (b BillingConfig) BillingEnabled() bool {
	return b.StripeSecretKey != ""
}

type GatewayConfig struct {
	// Circuit breaker: more than BreakerMaxRequests requests inside
	// BreakerWindow pauses the instance for BreakerPause.
	BreakerMaxRequests int
	BreakerWindow      time.Duration
	BreakerPause       time.Duration

	// Per-capability requests-per-minute caps.
	RateLimitLLM       int
	RateLimitImage     int
	RateLimitAudio     int
	RateLimitTelephony int

	// BudgetCacheTTL bounds read amplification of the budget checker.
	BudgetCacheTTL time.Duration

	// ProviderKeys maps provider name to API key. A missing key disables
	// the provider's capabilities (gateway answers 503).
	ProviderKeys map[string]string

	// ProviderTimeout bounds every outbound adapter call.
	ProviderTimeout time.Duration
}

type FleetConfig struct {
	DegradedThreshold    time.Duration
	UnreachableThreshold time.Duration
	WatchdogInterval     time.Duration
	CommandTimeout       time.Duration
}

type StorageConfig struct {
	PostgresDSN   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SupabaseURL        string
	SupabaseServiceKey string

	SnapshotBucket string

	SpannerDatabase string

	PubSubProject string
	PubSubTopic   string

	CloudTasksProject  string
	CloudTasksLocation string
	CloudTasksQueue    string
}

// Load reads the environment into a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envOr("PORT", "8080"),
			Env:  envOr("WOPR_ENV", "development"),
		},
		Platform: PlatformConfig{
			Secret:          os.Getenv("PLATFORM_SECRET"),
			TrustedProxyIPs: splitList(os.Getenv("TRUSTED_PROXY_IPS")),
			NodeSecret:      os.Getenv("NODE_SECRET"),
		},
		Billing: BillingConfig{
			StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
			StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
			BillingPeriod:       envMillis("BILLING_PERIOD_MS", 5*time.Minute),
			LateArrivalGrace:    envMillis("LATE_ARRIVAL_GRACE_MS", 30*time.Second),
			DefaultMargin:       envFloat("BILLING_DEFAULT_MARGIN", 1.3),
		},
		Gateway: GatewayConfig{
			BreakerMaxRequests: envInt("GATEWAY_CIRCUIT_BREAKER_MAX", 1000),
			BreakerWindow:      envMillis("GATEWAY_CIRCUIT_BREAKER_WINDOW_MS", 10*time.Second),
			BreakerPause:       envMillis("GATEWAY_CIRCUIT_BREAKER_PAUSE_MS", 30*time.Second),
			RateLimitLLM:       envInt("GATEWAY_RATE_LIMIT_LLM", 300),
			RateLimitImage:     envInt("GATEWAY_RATE_LIMIT_IMAGE", 60),
			RateLimitAudio:     envInt("GATEWAY_RATE_LIMIT_AUDIO", 120),
			RateLimitTelephony: envInt("GATEWAY_RATE_LIMIT_TELEPHONY", 60),
			BudgetCacheTTL:     envMillis("BUDGET_CACHE_TTL_MS", time.Second),
			ProviderKeys:       providerKeys(),
			ProviderTimeout:    envMillis("PROVIDER_TIMEOUT_MS", 60*time.Second),
		},
		Fleet: FleetConfig{
			DegradedThreshold:    envMillis("FLEET_DEGRADED_THRESHOLD_MS", 60*time.Second),
			UnreachableThreshold: envMillis("FLEET_UNREACHABLE_THRESHOLD_MS", 180*time.Second),
			WatchdogInterval:     envMillis("FLEET_WATCHDOG_INTERVAL_MS", 30*time.Second),
			CommandTimeout:       envMillis("FLEET_COMMAND_TIMEOUT_MS", 30*time.Second),
		},
		Storage: StorageConfig{
			PostgresDSN:        os.Getenv("DATABASE_URL"),
			RedisAddr:          os.Getenv("REDIS_ADDR"),
			RedisPassword:      os.Getenv("REDIS_PASSWORD"),
			RedisDB:            envInt("REDIS_DB", 0),
			SupabaseURL:        os.Getenv("SUPABASE_URL"),
			SupabaseServiceKey: os.Getenv("SUPABASE_SERVICE_KEY"),
			SnapshotBucket:     os.Getenv("SNAPSHOT_BUCKET"),
			SpannerDatabase:    os.Getenv("SPANNER_DATABASE"),
			PubSubProject:      os.Getenv("PUBSUB_PROJECT"),
			PubSubTopic:        envOr("PUBSUB_TOPIC", "wopr-platform-events"),
			CloudTasksProject:  os.Getenv("CLOUD_TASKS_PROJECT"),
			CloudTasksLocation: envOr("CLOUD_TASKS_LOCATION", "us-central1"),
			CloudTasksQueue:    envOr("CLOUD_TASKS_QUEUE", "bot-destroy"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.Platform.Secret) < 32 {
		return fmt.Errorf("PLATFORM_SECRET must be set and at least 32 characters (got %d)", len(c.Platform.Secret))
	}
	if c.Billing.DefaultMargin <= 0 {
		return fmt.Errorf("BILLING_DEFAULT_MARGIN must be positive")
	}
	if c.Fleet.DegradedThreshold >= c.Fleet.UnreachableThreshold {
		return fmt.Errorf("FLEET_DEGRADED_THRESHOLD_MS must be below FLEET_UNREACHABLE_THRESHOLD_MS")
	}
	return nil
}

// FleetTokens collects FLEET_TOKEN_<TENANT> = <scope>:<token> mappings.
// The returned map is token -> (tenant, scope).
func FleetTokens() map[string]TokenGrant {
	grants := make(map[string]TokenGrant)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "FLEET_TOKEN_") {
			continue
		}
		tenant := strings.ToLower(strings.TrimPrefix(name, "FLEET_TOKEN_"))
		scope, token, ok := strings.Cut(value, ":")
		if !ok || token == "" {
			continue
		}
		grants[token] = TokenGrant{TenantID: tenant, Scope: scope}
	}
	return grants
}

// TokenGrant maps a configured bearer token to a tenant and scope.
type TokenGrant struct {
	TenantID string
	Scope    string
}

// providerKeys scans PROVIDER_KEY_<NAME> variables.
func providerKeys() map[string]string {
	keys := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, "PROVIDER_KEY_") || value == "" {
			continue
		}
		keys[strings.ToLower(strings.TrimPrefix(name, "PROVIDER_KEY_"))] = value
	}
	return keys
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envInt(name string, fallback int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(name string, fallback float64) float64 {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envMillis(name string, fallback time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
