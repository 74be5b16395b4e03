// Package assist runs editor AI tasks against whichever of a user's providers
// has a usable key, falling back provider by provider.
package assist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/lumnicode/internal/keys"
	"github.com/jonathan/lumnicode/internal/llm"
)

// ErrNoCredentials is returned when the user has no usable key for any provider.
var ErrNoCredentials = errors.New("No API keys available for AI services")

// ProviderFailure records why one provider attempt failed.
type ProviderFailure struct {
	Provider llm.Provider
	Err      error
}

// AllProvidersFailedError is returned when every candidate provider failed.
type AllProvidersFailedError struct {
	Task     string
	Failures []ProviderFailure
}

func (e *AllProvidersFailedError) Error() string {
	return fmt.Sprintf("All available providers failed for %s", e.Task)
}

// Unwrap exposes the individual provider errors to errors.Is and errors.As.
func (e *AllProvidersFailedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// KeySource selects credentials and records their usage.
type KeySource interface {
	SelectKey(ctx context.Context, userID uuid.UUID, provider llm.Provider) (*keys.Credential, error)
	RecordUsage(ctx context.Context, keyID uuid.UUID, tokensUsed int64) error
}

// Service runs assist tasks with provider fallback.
type Service struct {
	keys      KeySource
	client    llm.Client
	providers []llm.Provider
}

// NewService creates a Service that tries providers in canonical order.
func NewService(keySource KeySource, client llm.Client) *Service {
	return &Service{
		keys:      keySource,
		client:    client,
		providers: llm.Providers(),
	}
}

// attempt produces a result from one provider's raw completion text.
type attempt[T any] func(text string) (T, error)

// run tries each provider the user holds a usable key for, in order, and
// returns the first successful result. Keys are selected lazily so that
// throttle budget is only spent on providers actually tried.
func run[T any](ctx context.Context, s *Service, task string, userID uuid.UUID, req llm.ChatRequest, parse attempt[T]) (T, error) {
	var zero T
	var failures []ProviderFailure
	found := false

	for _, provider := range s.providers {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		cred, err := s.keys.SelectKey(ctx, userID, provider)
		if err != nil {
			slog.Warn("key selection failed", "task", task, "provider", provider, "error", err)
			continue
		}
		if cred == nil {
			continue
		}
		found = true

		text, err := s.client.Call(ctx, provider, cred.APIKey, req)
		if err != nil {
			slog.Warn("provider failed", "task", task, "provider", provider, "error", err)
			failures = append(failures, ProviderFailure{Provider: provider, Err: err})
			continue
		}

		if err := s.keys.RecordUsage(ctx, cred.KeyID, 1); err != nil {
			slog.Error("failed to record key usage", "key_id", cred.KeyID, "error", err)
		}

		result, err := parse(text)
		if err != nil {
			failures = append(failures, ProviderFailure{Provider: provider, Err: err})
			continue
		}
		slog.Debug("assist task completed", "task", task, "provider", provider)
		return result, nil
	}

	if !found {
		return zero, ErrNoCredentials
	}
	return zero, &AllProvidersFailedError{Task: task, Failures: failures}
}

func chat(system, user string, temperature float64, extra ...string) llm.ChatRequest {
	msgs := []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: user},
	}
	for _, e := range extra {
		msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: e})
	}
	return llm.ChatRequest{Messages: msgs, Temperature: temperature}
}

func trimmed(text string) (string, error) {
	return strings.TrimSpace(text), nil
}
