package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/wopr-platform/controlplane/internal/core"
)

// UnimplementedAdapter rejects every capability method. Concrete
// adapters embed it and override what they actually serve.
type UnimplementedAdapter struct{}

func (UnimplementedAdapter) Transcribe(context.Context, Invocation) (*Outcome, error) {
	return nil, fmt.Errorf("transcription not supported")
}
func (UnimplementedAdapter) GenerateImage(context.Context, Invocation) (*Outcome, error) {
	return nil, fmt.Errorf("image generation not supported")
}
func (UnimplementedAdapter) GenerateText(context.Context, Invocation) (*Outcome, error) {
	return nil, fmt.Errorf("text generation not supported")
}
func (UnimplementedAdapter) SynthesizeSpeech(context.Context, Invocation) (*Outcome, error) {
	return nil, fmt.Errorf("speech synthesis not supported")
}
func (UnimplementedAdapter) Embed(context.Context, Invocation) (*Outcome, error) {
	return nil, fmt.Errorf("embeddings not supported")
}

// RemoteAdapter proxies capability calls to an upstream provider over
// HTTP. One adapter instance covers one provider account.
type RemoteAdapter struct {
	name         string
	baseURL      string
	apiKey       string
	selfHosted   bool
	capabilities []core.Capability
	client       *http.Client
}

// RemoteAdapterConfig describes one upstream provider endpoint.
type RemoteAdapterConfig struct {
	Name         string
	BaseURL      string
	APIKey       string
	SelfHosted   bool
	Capabilities []core.Capability
	Timeout      time.Duration
}

// NewRemoteAdapter builds an HTTP-backed adapter.
func NewRemoteAdapter(cfg RemoteAdapterConfig) *RemoteAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &RemoteAdapter{
		name:         cfg.Name,
		baseURL:      cfg.BaseURL,
		apiKey:       cfg.APIKey,
		selfHosted:   cfg.SelfHosted,
		capabilities: cfg.Capabilities,
		client:       &http.Client{Timeout: cfg.Timeout},
	}
}

func (a *RemoteAdapter) Name() string                    { return a.name }
func (a *RemoteAdapter) SelfHosted() bool                { return a.selfHosted }
func (a *RemoteAdapter) Capabilities() []core.Capability { return a.capabilities }

func (a *RemoteAdapter) Transcribe(ctx context.Context, inv Invocation) (*Outcome, error) {
	return a.call(ctx, "/v1/transcribe", inv)
}

func (a *RemoteAdapter) GenerateImage(ctx context.Context, inv Invocation) (*Outcome, error) {
	return a.call(ctx, "/v1/images", inv)
}

func (a *RemoteAdapter) GenerateText(ctx context.Context, inv Invocation) (*Outcome, error) {
	return a.call(ctx, "/v1/completions", inv)
}

func (a *RemoteAdapter) SynthesizeSpeech(ctx context.Context, inv Invocation) (*Outcome, error) {
	return a.call(ctx, "/v1/speech", inv)
}

func (a *RemoteAdapter) Embed(ctx context.Context, inv Invocation) (*Outcome, error) {
	return a.call(ctx, "/v1/embeddings", inv)
}

// remoteResponse is the wire shape every upstream answers with.
type remoteResponse struct {
	Result    json.RawMessage `json:"result"`
	CostUSD   float64         `json:"cost_usd"`
	ChargeUSD *float64        `json:"charge_usd,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (a *RemoteAdapter) call(ctx context.Context, path string, inv Invocation) (*Outcome, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"input":      inv.Input,
		"session_id": inv.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", a.name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: build request: %w", a.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.apiKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", a.name, err)
	}
	defer resp.Body.Close()

	var body remoteResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", a.name, err)
	}
	if resp.StatusCode >= 400 {
		msg := body.Error
		if msg == "" {
			msg = resp.Status
		}
		return nil, fmt.Errorf("%s: %s", a.name, msg)
	}

	var result interface{}
	if len(body.Result) > 0 {
		if err := json.Unmarshal(body.Result, &result); err != nil {
			return nil, fmt.Errorf("%s: decode result: %w", a.name, err)
		}
	}
	return &Outcome{Result: result, CostUSD: body.CostUSD, ChargeUSD: body.ChargeUSD}, nil
}

// providerCatalog maps known provider names to their endpoints and
// capability sets. Only providers with a configured key get registered.
var providerCatalog = []RemoteAdapterConfig{
	{
		Name:    "openai",
		BaseURL: "https://api.openai.com",
		Capabilities: []core.Capability{
			core.CapabilityTextGeneration, core.CapabilityEmbeddings,
			core.CapabilityTranscription, core.CapabilityTTS,
			core.CapabilityImageGeneration,
		},
	},
	{
		Name:    "deepgram",
		BaseURL: "https://api.deepgram.com",
		Capabilities: []core.Capability{
			core.CapabilityTranscription, core.CapabilityTTS,
		},
	},
	{
		Name:    "replicate",
		BaseURL: "https://api.replicate.com",
		Capabilities: []core.Capability{
			core.CapabilityImageGeneration,
		},
	},
	{
		Name:       "vllm",
		BaseURL:    "http://vllm.internal:8000",
		SelfHosted: true,
		Capabilities: []core.Capability{
			core.CapabilityTextGeneration, core.CapabilityEmbeddings,
		},
	},
}

// RegisterConfigured registers one remote adapter per provider that has
// an API key configured (self-hosted providers need no key). Returns the
// registered names.
func RegisterConfigured(socket *AdapterSocket, keys map[string]string, timeout time.Duration) []string {
	var registered []string
	for _, cfg := range providerCatalog {
		key, ok := keys[cfg.Name]
		if !ok && !cfg.SelfHosted {
			continue
		}
		cfg.APIKey = key
		cfg.Timeout = timeout
		socket.Register(NewRemoteAdapter(cfg))
		registered = append(registered, cfg.Name)
	}
	return registered
}
