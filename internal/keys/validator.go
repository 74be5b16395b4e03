package keys

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"google.golang.org/api/iterator"

	"github.com/jonathan/lumnicode/internal/llm"
	"github.com/jonathan/lumnicode/internal/telemetry"
)

const (
	// DefaultCheckTimeout bounds a single validation check.
	DefaultCheckTimeout = 15 * time.Second
	// maxListedModels caps available_models in quota info.
	maxListedModels = 10

	msgInvalidKey  = "Invalid API key"
	msgRateLimited = "Rate limit exceeded"
)

// Validator checks whether a raw key is accepted by its provider.
type Validator interface {
	Validate(ctx context.Context, provider llm.Provider, rawKey string) ValidationResult
}

// checkFunc performs one low-cost request against a provider.
type checkFunc func(ctx context.Context, rawKey string) ValidationResult

// HTTPValidator validates keys with one cheap vendor request per provider.
type HTTPValidator struct {
	config     *llm.Config
	httpClient *http.Client
	timeout    time.Duration
	checks     map[llm.Provider]checkFunc
}

// NewHTTPValidator creates a validator sharing the adapter layer's endpoint configuration.
func NewHTTPValidator(config *llm.Config, httpClient *http.Client, timeout time.Duration) *HTTPValidator {
	if config == nil {
		config = llm.DefaultConfig()
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout <= 0 {
		timeout = DefaultCheckTimeout
	}

	v := &HTTPValidator{config: config, httpClient: httpClient, timeout: timeout}
	v.checks = map[llm.Provider]checkFunc{
		llm.ProviderOpenAI:    v.listModels(llm.ProviderOpenAI, "/models", "data", "id"),
		llm.ProviderTogether:  v.listModels(llm.ProviderTogether, "/models", "data", "id"),
		llm.ProviderFireworks: v.listModels(llm.ProviderFireworks, "/models", "data", "id"),
		llm.ProviderGroq:      v.listModels(llm.ProviderGroq, "/models", "data", "id"),
		llm.ProviderCohere:    v.listModels(llm.ProviderCohere, "/models", "models", "name"),
		llm.ProviderAnthropic: v.anthropicCheck,
		llm.ProviderGoogle:    v.googleCheck,
	}
	return v
}

// Validate checks rawKey against provider. It never returns a partially valid result.
func (v *HTTPValidator) Validate(ctx context.Context, provider llm.Provider, rawKey string) ValidationResult {
	check, ok := v.checks[provider]
	if !ok {
		return ValidationResult{IsValid: false, ErrorMessage: fmt.Sprintf("Unsupported provider: %s", provider)}
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result := check(ctx, rawKey)
	telemetry.KeyValidationsTotal.WithLabelValues(string(provider), resultLabel(result)).Inc()
	return result
}

func resultLabel(r ValidationResult) string {
	switch {
	case r.IsValid:
		return "valid"
	case strings.HasPrefix(r.ErrorMessage, "Network error"):
		return "network_error"
	default:
		return "invalid"
	}
}

// listModels checks a bearer-authenticated model catalogue.
// The list is read from listField of an object body, or from the body itself when it is an array.
func (v *HTTPValidator) listModels(p llm.Provider, path, listField, nameField string) checkFunc {
	return func(ctx context.Context, rawKey string) ValidationResult {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.config.BaseURL(p)+path, nil)
		if err != nil {
			return invalid(fmt.Sprintf("Failed to build request: %v", err))
		}
		llm.BearerAuth(req.Header, rawKey)

		status, body, err := v.do(req)
		if err != nil {
			return networkFailure(err)
		}
		if result, done := classifyStatus(status, body); done {
			return result
		}
		return ValidationResult{IsValid: true, QuotaInfo: modelQuota(body, listField, nameField)}
	}
}

// anthropicCheck sends a 10-token completion; Anthropic has no public model listing for keys.
func (v *HTTPValidator) anthropicCheck(ctx context.Context, rawKey string) ValidationResult {
	payload, _ := json.Marshal(map[string]any{
		"model":      "claude-3-haiku-20240307",
		"max_tokens": 10,
		"messages":   []map[string]string{{"role": "user", "content": "Hi"}},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.config.BaseURL(llm.ProviderAnthropic)+"/messages", bytes.NewReader(payload))
	if err != nil {
		return invalid(fmt.Sprintf("Failed to build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	llm.AnthropicAuth(req.Header, rawKey)

	status, body, err := v.do(req)
	if err != nil {
		return networkFailure(err)
	}
	if result, done := classifyStatus(status, body); done {
		return result
	}
	return ValidationResult{IsValid: true, QuotaInfo: map[string]any{
		"available_models": []string{"claude-3-haiku-20240307", "claude-3-sonnet-20240229", "claude-3-opus-20240229"},
		"total_models":     3,
	}}
}

// googleCheck lists models through the genai SDK.
func (v *HTTPValidator) googleCheck(ctx context.Context, rawKey string) ValidationResult {
	client, err := llm.NewGeminiClient(ctx, rawKey, v.config.BaseURLs[llm.ProviderGoogle])
	if err != nil {
		return invalid(err.Error())
	}
	defer client.Close()

	var names []string
	total := 0
	it := client.ListModels(ctx)
	for {
		m, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return classifyError(llm.ClassifyGoogleError(err))
		}
		total++
		if len(names) < maxListedModels {
			names = append(names, m.Name)
		}
	}
	return ValidationResult{IsValid: true, QuotaInfo: map[string]any{
		"available_models": names,
		"total_models":     total,
	}}
}

func (v *HTTPValidator) do(req *http.Request) (int, []byte, error) {
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// classifyStatus applies the shared status rules. done is false only for 2xx.
func classifyStatus(status int, body []byte) (ValidationResult, bool) {
	switch {
	case status >= 200 && status < 300:
		return ValidationResult{}, false
	case status == http.StatusUnauthorized:
		return invalid(msgInvalidKey), true
	case status == http.StatusBadRequest && llm.IsInvalidKeyPayload(string(body)):
		return invalid(msgInvalidKey), true
	case status == http.StatusTooManyRequests:
		return invalid(msgRateLimited), true
	default:
		return invalid(fmt.Sprintf("API error: %d - %s", status, truncate(string(body), 200))), true
	}
}

// classifyError maps an adapter-layer error onto a validation result.
func classifyError(err error) ValidationResult {
	var netErr *llm.NetworkError
	var apiErr *llm.APIError
	switch {
	case errors.As(err, &netErr):
		return networkFailure(netErr.Cause)
	case errors.Is(err, llm.ErrInvalidCredential):
		return invalid(msgInvalidKey)
	case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests:
		return invalid(msgRateLimited)
	case errors.As(err, &apiErr):
		return invalid(fmt.Sprintf("API error: %d - %s", apiErr.StatusCode, truncate(apiErr.Body, 200)))
	default:
		return invalid(fmt.Sprintf("Validation failed: %v", err))
	}
}

func networkFailure(err error) ValidationResult {
	return invalid(fmt.Sprintf("Network error: %v", err))
}

func invalid(msg string) ValidationResult {
	return ValidationResult{IsValid: false, ErrorMessage: msg}
}

func modelQuota(body []byte, listField, nameField string) map[string]any {
	var raw any
	if err := json.Unmarshal(body, &raw); err != nil {
		return map[string]any{"available_models": []string{}, "total_models": 0}
	}

	var items []any
	switch v := raw.(type) {
	case []any:
		items = v
	case map[string]any:
		items, _ = v[listField].([]any)
	}

	names := make([]string, 0, maxListedModels)
	for _, item := range items {
		if len(names) == maxListedModels {
			break
		}
		if obj, ok := item.(map[string]any); ok {
			if name, ok := obj[nameField].(string); ok {
				names = append(names, name)
			}
		}
	}
	return map[string]any{"available_models": names, "total_models": len(items)}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
