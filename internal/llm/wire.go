package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// anthropicVersion is the API version header value sent to Anthropic.
const anthropicVersion = "2023-06-01"

// wireFormat describes one HTTP+JSON vendor protocol.
type wireFormat struct {
	path      string
	authorize func(h http.Header, apiKey string)
	encode    func(req ChatRequest, model string, maxTokens int) any
	decode    func(body []byte) (string, error)
}

var openAICompatible = wireFormat{
	path:      "/chat/completions",
	authorize: BearerAuth,
	encode:    encodeOpenAI,
	decode:    decodeOpenAI,
}

var httpFormats = map[Provider]wireFormat{
	ProviderOpenAI:    openAICompatible,
	ProviderTogether:  openAICompatible,
	ProviderFireworks: openAICompatible,
	ProviderGroq:      openAICompatible,
	ProviderAnthropic: {
		path:      "/messages",
		authorize: AnthropicAuth,
		encode:    encodeAnthropic,
		decode:    decodeAnthropic,
	},
	ProviderCohere: {
		path:      "/chat",
		authorize: BearerAuth,
		encode:    encodeCohere,
		decode:    decodeCohere,
	},
}

// AnthropicAuth sets Anthropic's key and version headers.
func AnthropicAuth(h http.Header, apiKey string) {
	h.Set("x-api-key", apiKey)
	h.Set("anthropic-version", anthropicVersion)
}

// BearerAuth sets a standard bearer Authorization header.
func BearerAuth(h http.Header, apiKey string) {
	h.Set("Authorization", "Bearer "+apiKey)
}

type httpAdapter struct {
	provider   Provider
	format     wireFormat
	baseURL    string
	httpClient *http.Client
}

func (a *httpAdapter) chat(ctx context.Context, apiKey string, req ChatRequest, model string, maxTokens int) (string, error) {
	payload, err := json.Marshal(a.format.encode(req, model, maxTokens))
	if err != nil {
		return "", fmt.Errorf("failed to encode %s request: %w", a.provider, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+a.format.path, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build %s request: %w", a.provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	a.format.authorize(httpReq.Header, apiKey)

	resp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return "", &NetworkError{Provider: a.provider, Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &NetworkError{Provider: a.provider, Cause: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", newAPIError(a.provider, resp.StatusCode, body)
	}

	text, err := a.format.decode(body)
	if err != nil {
		return "", fmt.Errorf("%s: %w", a.provider, err)
	}
	return text, nil
}

func malformed(detail string) error {
	return fmt.Errorf("%w: %s", ErrMalformedResponse, detail)
}

// --- OpenAI-compatible (OpenAI, Together, Fireworks, Groq) ---

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIResponse struct {
	Choices []struct {
		Message *openAIMessage `json:"message"`
	} `json:"choices"`
}

func encodeOpenAI(req ChatRequest, model string, maxTokens int) any {
	msgs := make([]openAIMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, openAIMessage{Role: string(m.Role), Content: m.Content})
	}
	return openAIRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	}
}

func decodeOpenAI(body []byte) (string, error) {
	var resp openAIResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", malformed(err.Error())
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message == nil {
		return "", malformed("no choices in response")
	}
	if resp.Choices[0].Message.Content == "" {
		return "", malformed("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

// --- Anthropic ---

type anthropicRequest struct {
	Model       string             `json:"model"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Temperature float64            `json:"temperature"`
	MaxTokens   int                `json:"max_tokens"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// encodeAnthropic lifts system turns into the top-level system field.
func encodeAnthropic(req ChatRequest, model string, maxTokens int) any {
	var system []string
	msgs := make([]anthropicMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		msgs = append(msgs, anthropicMessage{Role: string(m.Role), Content: m.Content})
	}
	return anthropicRequest{
		Model:       model,
		System:      strings.Join(system, "\n\n"),
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   maxTokens,
	}
}

func decodeAnthropic(body []byte) (string, error) {
	var resp anthropicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", malformed(err.Error())
	}
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" || block.Type == "" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", malformed("no text content in response")
	}
	return sb.String(), nil
}

// --- Cohere ---

type cohereRequest struct {
	Model       string          `json:"model"`
	Message     string          `json:"message"`
	ChatHistory []cohereMessage `json:"chat_history,omitempty"`
	Preamble    string          `json:"preamble,omitempty"`
	Temperature float64         `json:"temperature"`
	MaxTokens   int             `json:"max_tokens"`
}

type cohereMessage struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

type cohereResponse struct {
	Text *string `json:"text"`
}

// encodeCohere sends the final user turn as message and everything before it as history.
func encodeCohere(req ChatRequest, model string, maxTokens int) any {
	last := -1
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == RoleUser {
			last = i
			break
		}
	}

	out := cohereRequest{Model: model, Temperature: req.Temperature, MaxTokens: maxTokens}
	var preamble []string
	for i, m := range req.Messages {
		switch {
		case m.Role == RoleSystem:
			preamble = append(preamble, m.Content)
		case i == last:
			out.Message = m.Content
		case m.Role == RoleAssistant:
			out.ChatHistory = append(out.ChatHistory, cohereMessage{Role: "CHATBOT", Message: m.Content})
		default:
			out.ChatHistory = append(out.ChatHistory, cohereMessage{Role: "USER", Message: m.Content})
		}
	}
	out.Preamble = strings.Join(preamble, "\n\n")
	return out
}

func decodeCohere(body []byte) (string, error) {
	var resp cohereResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", malformed(err.Error())
	}
	if resp.Text == nil || *resp.Text == "" {
		return "", malformed("no text in response")
	}
	return *resp.Text, nil
}
