package llm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jonathan/lumnicode/internal/telemetry"
)

// Role is the speaker of one transcript turn.
type Role string

// Role constants for the vendor-neutral transcript.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a vendor-neutral chat transcript.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a vendor-neutral generation request.
// An empty Model selects the configured default for the provider.
type ChatRequest struct {
	Messages    []Message
	Model       string
	Temperature float64
}

// Client is an abstraction over all supported LLM vendors.
type Client interface {
	// Call sends one chat request to provider authenticated by apiKey and returns the completion text.
	Call(ctx context.Context, provider Provider, apiKey string, req ChatRequest) (string, error)
}

// adapter speaks one vendor's protocol. Implementations never retry.
type adapter interface {
	chat(ctx context.Context, apiKey string, req ChatRequest, model string, maxTokens int) (string, error)
}

// Dispatcher implements Client by routing each call through the provider's adapter.
type Dispatcher struct {
	config   *Config
	adapters map[Provider]adapter
}

// NewDispatcher builds a Dispatcher. A nil config selects DefaultConfig and a nil
// httpClient selects a fresh client; per-call deadlines come from the config.
func NewDispatcher(config *Config, httpClient *http.Client) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	adapters := make(map[Provider]adapter, len(allProviders))
	for p, format := range httpFormats {
		adapters[p] = &httpAdapter{
			provider:   p,
			format:     format,
			baseURL:    config.BaseURL(p),
			httpClient: httpClient,
		}
	}
	adapters[ProviderGoogle] = &geminiAdapter{endpoint: config.BaseURLs[ProviderGoogle]}

	return &Dispatcher{config: config, adapters: adapters}
}

// Config returns the dispatcher's configuration.
func (d *Dispatcher) Config() *Config {
	return d.config
}

// Call sends req to provider, bounded by the configured request timeout.
func (d *Dispatcher) Call(ctx context.Context, provider Provider, apiKey string, req ChatRequest) (string, error) {
	a, ok := d.adapters[provider]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	if apiKey == "" {
		return "", fmt.Errorf("API key is required")
	}
	if len(req.Messages) == 0 {
		return "", fmt.Errorf("at least one message is required")
	}

	model := req.Model
	if model == "" {
		model = d.config.GetModel(provider)
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.timeout())
	defer cancel()

	start := time.Now()
	text, err := a.chat(ctx, apiKey, req, model, d.config.maxTokens())
	elapsed := time.Since(start)

	telemetry.ProviderCallDuration.WithLabelValues(string(provider)).Observe(elapsed.Seconds())
	telemetry.ProviderCallsTotal.WithLabelValues(string(provider), outcome(err)).Inc()

	if err != nil {
		slog.Debug("provider call failed", "provider", provider, "model", model, "duration", elapsed, "error", err)
		return "", err
	}
	slog.Debug("provider call succeeded", "provider", provider, "model", model, "duration", elapsed, "chars", len(text))
	return text, nil
}
