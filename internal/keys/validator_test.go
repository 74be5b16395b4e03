package keys

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/lumnicode/internal/llm"
)

func newTestValidator(p llm.Provider, url string) *HTTPValidator {
	return NewHTTPValidator(llm.DefaultConfig().WithBaseURL(p, url), nil, time.Second)
}

func TestValidate_ListModels(t *testing.T) {
	tests := []struct {
		name      string
		provider  llm.Provider
		body      string
		wantNames []string
		wantTotal int
	}{
		{
			name:      "openai data envelope",
			provider:  llm.ProviderOpenAI,
			body:      `{"data":[{"id":"gpt-4"},{"id":"gpt-3.5-turbo"}]}`,
			wantNames: []string{"gpt-4", "gpt-3.5-turbo"},
			wantTotal: 2,
		},
		{
			name:      "together bare array",
			provider:  llm.ProviderTogether,
			body:      `[{"id":"llama"},{"id":"mixtral"},{"id":"qwen"}]`,
			wantNames: []string{"llama", "mixtral", "qwen"},
			wantTotal: 3,
		},
		{
			name:      "cohere models envelope",
			provider:  llm.ProviderCohere,
			body:      `{"models":[{"name":"command"}]}`,
			wantNames: []string{"command"},
			wantTotal: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/models", r.URL.Path)
				assert.Equal(t, "Bearer raw-key", r.Header.Get("Authorization"))
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			result := newTestValidator(tt.provider, srv.URL).Validate(context.Background(), tt.provider, "raw-key")
			require.True(t, result.IsValid, result.ErrorMessage)
			assert.Equal(t, tt.wantNames, result.QuotaInfo["available_models"])
			assert.Equal(t, tt.wantTotal, result.QuotaInfo["total_models"])
		})
	}
}

func TestValidate_CapsListedModels(t *testing.T) {
	var items []string
	for i := 0; i < 25; i++ {
		items = append(items, `{"id":"m"}`)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":[` + strings.Join(items, ",") + `]}`))
	}))
	defer srv.Close()

	result := newTestValidator(llm.ProviderGroq, srv.URL).Validate(context.Background(), llm.ProviderGroq, "k")
	require.True(t, result.IsValid)
	assert.Len(t, result.QuotaInfo["available_models"], 10)
	assert.Equal(t, 25, result.QuotaInfo["total_models"])
}

func TestValidate_Classification(t *testing.T) {
	tests := []struct {
		name     string
		provider llm.Provider
		status   int
		body     string
		wantMsg  string
	}{
		{name: "401 invalid", provider: llm.ProviderOpenAI, status: 401, body: `{}`, wantMsg: "Invalid API key"},
		{name: "anthropic 400 invalid key", provider: llm.ProviderAnthropic, status: 400, body: `{"error":{"type":"invalid_api_key"}}`, wantMsg: "Invalid API key"},
		{name: "429 rate limited", provider: llm.ProviderFireworks, status: 429, body: `{}`, wantMsg: "Rate limit exceeded"},
		{name: "500 surfaces status and body", provider: llm.ProviderCohere, status: 500, body: `upstream down`, wantMsg: "API error: 500 - upstream down"},
		{name: "anthropic plain 400 surfaces body", provider: llm.ProviderAnthropic, status: 400, body: `bad request`, wantMsg: "API error: 400 - bad request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			result := newTestValidator(tt.provider, srv.URL).Validate(context.Background(), tt.provider, "k")
			assert.False(t, result.IsValid)
			assert.Equal(t, tt.wantMsg, result.ErrorMessage)
			assert.Nil(t, result.QuotaInfo)
		})
	}
}

func TestValidate_AnthropicCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messages", r.URL.Path)
		assert.Equal(t, "sk-ant", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		w.Write([]byte(`{"content":[{"type":"text","text":"Hello"}]}`))
	}))
	defer srv.Close()

	result := newTestValidator(llm.ProviderAnthropic, srv.URL).Validate(context.Background(), llm.ProviderAnthropic, "sk-ant")
	require.True(t, result.IsValid)
	assert.Equal(t, 3, result.QuotaInfo["total_models"])
}

func TestValidate_NetworkErrorIsDistinct(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	result := newTestValidator(llm.ProviderOpenAI, url).Validate(context.Background(), llm.ProviderOpenAI, "k")
	assert.False(t, result.IsValid)
	assert.True(t, strings.HasPrefix(result.ErrorMessage, "Network error:"))
	assert.NotEqual(t, "Invalid API key", result.ErrorMessage)
}

func TestValidate_TimeoutIsNetworkError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	v := NewHTTPValidator(llm.DefaultConfig().WithBaseURL(llm.ProviderGroq, srv.URL), nil, 50*time.Millisecond)
	result := v.Validate(context.Background(), llm.ProviderGroq, "k")
	assert.False(t, result.IsValid)
	assert.True(t, strings.HasPrefix(result.ErrorMessage, "Network error:"))
}

func TestValidate_UnsupportedProvider(t *testing.T) {
	result := NewHTTPValidator(nil, nil, 0).Validate(context.Background(), llm.Provider("huggingface"), "k")
	assert.False(t, result.IsValid)
	assert.Contains(t, result.ErrorMessage, "Unsupported provider")
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "Invalid API key", classifyError(&llm.APIError{StatusCode: 400, KeyRejected: true}).ErrorMessage)
	assert.Equal(t, "Rate limit exceeded", classifyError(&llm.APIError{StatusCode: 429}).ErrorMessage)
	assert.Equal(t, "API error: 503 - busy", classifyError(&llm.APIError{StatusCode: 503, Body: "busy"}).ErrorMessage)
	assert.True(t, strings.HasPrefix(classifyError(&llm.NetworkError{Cause: context.DeadlineExceeded}).ErrorMessage, "Network error:"))
}
