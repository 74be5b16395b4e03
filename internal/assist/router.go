package assist

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// Placeholder suggestions returned in place of errors.
const (
	NoCredentialsMessage = "// No API keys configured. Please add your AI provider API keys in the API Key Manager to use AI assistance."
	UnavailableMessage   = "// AI assistance temporarily unavailable. Please try again later."
)

// Request is the editor's inline assist payload.
type Request struct {
	FileContent    string          `json:"file_content"`
	CursorPosition *CursorPosition `json:"cursor_position,omitempty"`
	Prompt         string          `json:"prompt,omitempty"`
	Language       string          `json:"language,omitempty"`
}

// Response always carries a suggestion; failures surface as a placeholder with zero confidence.
type Response struct {
	Suggestion string  `json:"suggestion"`
	Confidence float64 `json:"confidence"`
}

// Intent is the task an assist prompt maps to.
type Intent string

const (
	IntentComplete Intent = "complete"
	IntentRefactor Intent = "refactor"
	IntentExplain  Intent = "explain"
	IntentSuggest  Intent = "suggest"
	IntentAnalyze  Intent = "analyze"
)

var intentKeywords = []struct {
	intent   Intent
	keywords []string
}{
	{IntentComplete, []string{"complete", "finish"}},
	{IntentRefactor, []string{"refactor", "improve"}},
	{IntentExplain, []string{"explain", "what"}},
}

// ClassifyPrompt maps a free-text prompt to an Intent by case-insensitive keyword match.
func ClassifyPrompt(prompt string) Intent {
	if strings.TrimSpace(prompt) == "" {
		return IntentAnalyze
	}
	lower := strings.ToLower(prompt)
	for _, ik := range intentKeywords {
		for _, kw := range ik.keywords {
			if strings.Contains(lower, kw) {
				return ik.intent
			}
		}
	}
	return IntentSuggest
}

// Assist routes req to a task and never returns an error.
func (s *Service) Assist(ctx context.Context, userID uuid.UUID, req Request) Response {
	suggestion, err := s.dispatch(ctx, userID, req)
	switch {
	case errors.Is(err, ErrNoCredentials):
		slog.Warn("assist without usable keys", "user_id", userID)
		return Response{Suggestion: NoCredentialsMessage}
	case err != nil:
		slog.Error("assist failed", "user_id", userID, "error", err)
		return Response{Suggestion: UnavailableMessage}
	}
	return Response{Suggestion: suggestion.Code, Confidence: suggestion.Confidence}
}

func (s *Service) dispatch(ctx context.Context, userID uuid.UUID, req Request) (*Suggestion, error) {
	lang := language(req.Language)

	switch ClassifyPrompt(req.Prompt) {
	case IntentComplete:
		return s.Complete(ctx, userID, CompleteRequest{Prefix: req.FileContent, Language: lang})
	case IntentRefactor:
		return s.Refactor(ctx, userID, RefactorRequest{Code: req.FileContent, Language: lang})
	case IntentExplain:
		text, err := s.Explain(ctx, userID, ExplainRequest{Code: req.FileContent, Language: lang})
		if err != nil {
			return nil, err
		}
		return &Suggestion{Code: text, Explanation: "AI code explanation", Confidence: defaultConfidence, Language: lang}, nil
	case IntentSuggest:
		return s.Suggest(ctx, userID, SuggestRequest{Code: req.FileContent, Prompt: req.Prompt, Language: lang})
	}

	suggestions, err := s.Analyze(ctx, userID, AnalyzeRequest{Code: req.FileContent, Language: lang, Cursor: req.CursorPosition})
	if err != nil {
		return nil, err
	}
	if len(suggestions) > 0 {
		return &suggestions[0], nil
	}
	return s.Suggest(ctx, userID, SuggestRequest{Code: req.FileContent, Language: lang})
}
