package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// geminiAdapter speaks to Google through the genai SDK, which carries the key as a request parameter.
type geminiAdapter struct {
	endpoint string
}

// NewGeminiClient opens a genai client for apiKey. endpoint overrides the SDK default when set.
func NewGeminiClient(ctx context.Context, apiKey, endpoint string) (*genai.Client, error) {
	opts := []option.ClientOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return client, nil
}

func (a *geminiAdapter) chat(ctx context.Context, apiKey string, req ChatRequest, model string, maxTokens int) (string, error) {
	client, err := NewGeminiClient(ctx, apiKey, a.endpoint)
	if err != nil {
		return "", err
	}
	defer client.Close()

	gm := client.GenerativeModel(model)
	gm.SetTemperature(float32(req.Temperature))
	gm.SetMaxOutputTokens(int32(maxTokens))

	system, history, last := geminiTurns(req.Messages)
	if system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(system)}}
	}

	cs := gm.StartChat()
	cs.History = history

	resp, err := cs.SendMessage(ctx, genai.Text(last))
	if err != nil {
		return "", ClassifyGoogleError(err)
	}
	return extractTextFromResponse(resp)
}

// geminiTurns splits a transcript into Gemini's shape: system text for the
// system instruction, prior turns as history (assistant becomes "model"), and
// the final user turn to send.
func geminiTurns(msgs []Message) (system string, history []*genai.Content, last string) {
	lastUser := -1
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == RoleUser {
			lastUser = i
			break
		}
	}

	var systemParts []string
	for i, m := range msgs {
		switch {
		case m.Role == RoleSystem:
			systemParts = append(systemParts, m.Content)
		case i == lastUser:
			last = m.Content
		case m.Role == RoleAssistant:
			history = append(history, &genai.Content{Role: "model", Parts: []genai.Part{genai.Text(m.Content)}})
		default:
			history = append(history, &genai.Content{Role: "user", Parts: []genai.Part{genai.Text(m.Content)}})
		}
	}
	return strings.Join(systemParts, "\n\n"), history, last
}

func extractTextFromResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", malformed("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", malformed("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}

	if len(parts) == 0 {
		return "", malformed("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}

// ClassifyGoogleError maps a genai/googleapi failure onto the package's error taxonomy.
func ClassifyGoogleError(err error) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		detail := gerr.Message
		for _, item := range gerr.Errors {
			detail += " " + item.Reason
		}
		detail += " " + gerr.Body
		return &APIError{
			Provider:    ProviderGoogle,
			StatusCode:  gerr.Code,
			Body:        truncate(strings.TrimSpace(gerr.Message), maxErrorBody),
			KeyRejected: gerr.Code == 400 && IsInvalidKeyPayload(detail),
		}
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return malformed(blocked.Error())
	}

	var urlErr *url.Error
	var netErr net.Error
	if errors.As(err, &urlErr) || errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return &NetworkError{Provider: ProviderGoogle, Cause: err}
	}
	return fmt.Errorf("google: %w", err)
}
