// Package llm adapts a vendor-neutral chat transcript onto the wire protocol of
// each supported LLM vendor and classifies vendor failures uniformly.
package llm

import (
	"fmt"
	"strings"
	"time"
)

// Provider identifies an external LLM vendor.
type Provider string

// Provider constants form the closed set of supported vendors.
const (
	ProviderOpenAI    Provider = "openai"
	ProviderGoogle    Provider = "google"
	ProviderAnthropic Provider = "anthropic"
	ProviderTogether  Provider = "together"
	ProviderFireworks Provider = "fireworks"
	ProviderCohere    Provider = "cohere"
	ProviderGroq      Provider = "groq"
)

// allProviders is the canonical enumeration order. Fallback chains walk it front to back.
var allProviders = []Provider{
	ProviderOpenAI,
	ProviderGoogle,
	ProviderAnthropic,
	ProviderTogether,
	ProviderFireworks,
	ProviderCohere,
	ProviderGroq,
}

// Providers returns the supported providers in canonical order.
func Providers() []Provider {
	out := make([]Provider, len(allProviders))
	copy(out, allProviders)
	return out
}

// Valid reports whether p is one of the supported providers.
func (p Provider) Valid() bool {
	for _, known := range allProviders {
		if p == known {
			return true
		}
	}
	return false
}

// DisplayName returns the human readable vendor name.
func (p Provider) DisplayName() string {
	switch p {
	case ProviderOpenAI:
		return "OpenAI"
	case ProviderGoogle:
		return "Google Gemini"
	case ProviderAnthropic:
		return "Anthropic Claude"
	case ProviderTogether:
		return "Together AI"
	case ProviderFireworks:
		return "Fireworks AI"
	case ProviderCohere:
		return "Cohere"
	case ProviderGroq:
		return "Groq"
	default:
		return string(p)
	}
}

// ParseProvider converts user input into a Provider.
func ParseProvider(s string) (Provider, error) {
	normalized := strings.ToLower(strings.TrimSpace(s))
	switch normalized {
	case "gemini", "google-gemini":
		return ProviderGoogle, nil
	}
	p := Provider(normalized)
	if !p.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, s)
	}
	return p, nil
}

const (
	// DefaultMaxOutputTokens bounds every generation call.
	DefaultMaxOutputTokens = 4000
	// DefaultRequestTimeout bounds a single vendor call.
	DefaultRequestTimeout = 60 * time.Second
)

var defaultModels = map[Provider]string{
	ProviderOpenAI:    "gpt-3.5-turbo",
	ProviderGoogle:    "gemini-1.5-flash",
	ProviderAnthropic: "claude-3-haiku-20240307",
	ProviderTogether:  "meta-llama/Llama-2-70b-chat-hf",
	ProviderFireworks: "accounts/fireworks/models/llama-v2-70b-chat",
	ProviderCohere:    "command",
	ProviderGroq:      "llama2-70b-4096",
}

var defaultBaseURLs = map[Provider]string{
	ProviderOpenAI:    "https://api.openai.com/v1",
	ProviderAnthropic: "https://api.anthropic.com/v1",
	ProviderTogether:  "https://api.together.xyz/v1",
	ProviderFireworks: "https://api.fireworks.ai/inference/v1",
	ProviderCohere:    "https://api.cohere.ai/v1",
	ProviderGroq:      "https://api.groq.com/openai/v1",
}

// Config holds per-provider model choices, endpoints, and call bounds.
// Google has no base URL entry by default; its SDK picks the endpoint unless one is set.
type Config struct {
	Models          map[Provider]string
	BaseURLs        map[Provider]string
	RequestTimeout  time.Duration
	MaxOutputTokens int
}

// DefaultConfig returns the built-in model and endpoint table.
func DefaultConfig() *Config {
	cfg := &Config{
		Models:          make(map[Provider]string, len(defaultModels)),
		BaseURLs:        make(map[Provider]string, len(defaultBaseURLs)),
		RequestTimeout:  DefaultRequestTimeout,
		MaxOutputTokens: DefaultMaxOutputTokens,
	}
	for p, m := range defaultModels {
		cfg.Models[p] = m
	}
	for p, u := range defaultBaseURLs {
		cfg.BaseURLs[p] = u
	}
	return cfg
}

// GetModel returns the configured model for a provider, falling back to the built-in default.
func (c *Config) GetModel(p Provider) string {
	if model, ok := c.Models[p]; ok && model != "" {
		return model
	}
	return defaultModels[p]
}

// BaseURL returns the API root for a provider with any trailing slash removed.
func (c *Config) BaseURL(p Provider) string {
	if u, ok := c.BaseURLs[p]; ok && u != "" {
		return strings.TrimRight(u, "/")
	}
	return strings.TrimRight(defaultBaseURLs[p], "/")
}

// WithModel returns a copy of the config with a different model for one provider.
func (c *Config) WithModel(p Provider, model string) *Config {
	next := c.clone()
	next.Models[p] = model
	return next
}

// WithBaseURL returns a copy of the config pointing one provider at another endpoint.
func (c *Config) WithBaseURL(p Provider, baseURL string) *Config {
	next := c.clone()
	next.BaseURLs[p] = baseURL
	return next
}

func (c *Config) clone() *Config {
	next := &Config{
		Models:          make(map[Provider]string, len(c.Models)),
		BaseURLs:        make(map[Provider]string, len(c.BaseURLs)),
		RequestTimeout:  c.RequestTimeout,
		MaxOutputTokens: c.MaxOutputTokens,
	}
	for k, v := range c.Models {
		next.Models[k] = v
	}
	for k, v := range c.BaseURLs {
		next.BaseURLs[k] = v
	}
	return next
}

func (c *Config) timeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return c.RequestTimeout
}

func (c *Config) maxTokens() int {
	if c.MaxOutputTokens <= 0 {
		return DefaultMaxOutputTokens
	}
	return c.MaxOutputTokens
}
