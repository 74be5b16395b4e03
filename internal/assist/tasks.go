package assist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/jonathan/lumnicode/internal/llm"
	"github.com/jonathan/lumnicode/internal/prompts"
	"github.com/jonathan/lumnicode/internal/schemas"
)

const promptFile = "assist.json"

// prompt renders an assist prompt template.
func prompt(key string, data map[string]string) string {
	return prompts.MustLoad(promptFile).MustRender(key, data)
}

// DefaultLanguage is assumed when a request carries no language tag.
const DefaultLanguage = "javascript"

const (
	suggestTemperature  = 0.3
	analyzeTemperature  = 0.1
	completeTemperature = 0.3
	refactorTemperature = 0.2
	explainTemperature  = 0.1

	// DefaultTextTemperature applies to GenerateText when the caller passes zero.
	DefaultTextTemperature = 0.7

	defaultConfidence  = 0.8
	fallbackConfidence = 0.7
)

// Suggestion is one piece of model-produced code.
type Suggestion struct {
	Code        string  `json:"code"`
	Explanation string  `json:"explanation"`
	Confidence  float64 `json:"confidence"`
	Language    string  `json:"language"`
	LineStart   *int    `json:"line_start,omitempty"`
	LineEnd     *int    `json:"line_end,omitempty"`
}

// CursorPosition locates the editor caret.
type CursorPosition struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// SuggestRequest asks for a general suggestion given surrounding code.
type SuggestRequest struct {
	Code     string
	Prompt   string
	Language string
}

// AnalyzeRequest asks for a structured review of Code.
type AnalyzeRequest struct {
	Code     string
	Language string
	Cursor   *CursorPosition
}

// CompleteRequest asks for a continuation of Prefix.
type CompleteRequest struct {
	Prefix   string
	Language string
}

// RefactorRequest asks for an improved version of Code.
type RefactorRequest struct {
	Code     string
	Language string
	Kind     string
}

// ExplainRequest asks for a prose explanation of Code.
type ExplainRequest struct {
	Code     string
	Language string
	Detail   string
}

func language(lang string) string {
	if strings.TrimSpace(lang) == "" {
		return DefaultLanguage
	}
	return lang
}

// Suggest returns a general code suggestion.
func (s *Service) Suggest(ctx context.Context, userID uuid.UUID, req SuggestRequest) (*Suggestion, error) {
	lang := language(req.Language)
	data := map[string]string{"Language": lang, "Code": req.Code}

	var extra []string
	if req.Prompt != "" {
		extra = append(extra, "User request: "+req.Prompt)
	}
	chatReq := chat(prompt("suggest-system", data), prompt("suggest-user", data), suggestTemperature, extra...)

	return run(ctx, s, "code suggestion", userID, chatReq, func(text string) (*Suggestion, error) {
		return &Suggestion{
			Code:        strings.TrimSpace(llm.CleanCodeBlock(text)),
			Explanation: "AI-generated suggestion",
			Confidence:  defaultConfidence,
			Language:    lang,
		}, nil
	})
}

type analysisPayload struct {
	Suggestions []struct {
		Code        string   `json:"code"`
		Explanation string   `json:"explanation"`
		Confidence  *float64 `json:"confidence"`
		LineStart   *int     `json:"line_start"`
		LineEnd     *int     `json:"line_end"`
	} `json:"suggestions"`
}

// Analyze reviews code and returns the model's suggestions. Output that does
// not match the analysis shape is returned as a single lower-confidence suggestion.
func (s *Service) Analyze(ctx context.Context, userID uuid.UUID, req AnalyzeRequest) ([]Suggestion, error) {
	lang := language(req.Language)
	schema := llm.CodeAnalysisSchema()
	data := map[string]string{"Language": lang, "Code": req.Code}
	schema.Description = prompt("analyze-system", data)

	user := prompt("analyze-user", data)
	if req.Cursor != nil {
		user += fmt.Sprintf("\n\nThe cursor is at line %d, column %d.", req.Cursor.Line, req.Cursor.Column)
	}
	chatReq := chat(llm.BuildStructuredPrompt(schema, ""), user, analyzeTemperature)

	return run(ctx, s, "code analysis", userID, chatReq, func(text string) ([]Suggestion, error) {
		return parseAnalysis(text, lang), nil
	})
}

func parseAnalysis(text, lang string) []Suggestion {
	fallback := []Suggestion{{
		Code:        strings.TrimSpace(text),
		Explanation: "AI code analysis",
		Confidence:  fallbackConfidence,
		Language:    lang,
	}}

	cleaned := llm.CleanJSONBlock(text)
	if err := schemas.Validate(schemas.CodeAnalysis, cleaned); err != nil {
		return fallback
	}
	var payload analysisPayload
	if err := json.Unmarshal([]byte(cleaned), &payload); err != nil {
		return fallback
	}

	out := make([]Suggestion, 0, len(payload.Suggestions))
	for _, p := range payload.Suggestions {
		confidence := defaultConfidence
		if p.Confidence != nil {
			confidence = *p.Confidence
		}
		out = append(out, Suggestion{
			Code:        p.Code,
			Explanation: p.Explanation,
			Confidence:  confidence,
			Language:    lang,
			LineStart:   p.LineStart,
			LineEnd:     p.LineEnd,
		})
	}
	return out
}

// Complete continues the code in req.Prefix.
func (s *Service) Complete(ctx context.Context, userID uuid.UUID, req CompleteRequest) (*Suggestion, error) {
	lang := language(req.Language)
	data := map[string]string{"Language": lang, "Code": req.Prefix}
	chatReq := chat(prompt("complete-system", data), prompt("complete-user", data), completeTemperature)

	return run(ctx, s, "code completion", userID, chatReq, func(text string) (*Suggestion, error) {
		return &Suggestion{
			Code:        strings.TrimSpace(llm.CleanCodeBlock(text)),
			Explanation: "AI code completion",
			Confidence:  defaultConfidence,
			Language:    lang,
		}, nil
	})
}

// Refactor rewrites req.Code. Kind defaults to "general".
func (s *Service) Refactor(ctx context.Context, userID uuid.UUID, req RefactorRequest) (*Suggestion, error) {
	lang := language(req.Language)
	kind := req.Kind
	if kind == "" {
		kind = "general"
	}
	data := map[string]string{"Language": lang, "Code": req.Code, "Kind": kind}
	chatReq := chat(prompt("refactor-system", data), prompt("refactor-user", data), refactorTemperature)

	return run(ctx, s, "code refactoring", userID, chatReq, func(text string) (*Suggestion, error) {
		return &Suggestion{
			Code:        strings.TrimSpace(llm.CleanCodeBlock(text)),
			Explanation: fmt.Sprintf("AI code refactoring (%s)", kind),
			Confidence:  defaultConfidence,
			Language:    lang,
		}, nil
	})
}

// Explain describes what req.Code does. Detail defaults to "medium".
func (s *Service) Explain(ctx context.Context, userID uuid.UUID, req ExplainRequest) (string, error) {
	lang := language(req.Language)
	detail := req.Detail
	if detail == "" {
		detail = "medium"
	}
	data := map[string]string{"Language": lang, "Code": req.Code, "Detail": detail}
	chatReq := chat(prompt("explain-system", data), prompt("explain-user", data), explainTemperature)

	return run(ctx, s, "code explanation", userID, chatReq, trimmed)
}

// GenerateText sends prompt as a single user turn. A zero temperature uses
// DefaultTextTemperature.
func (s *Service) GenerateText(ctx context.Context, userID uuid.UUID, prompt string, temperature float64) (string, error) {
	if temperature == 0 {
		temperature = DefaultTextTemperature
	}
	req := llm.ChatRequest{
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: prompt}},
		Temperature: temperature,
	}
	return run(ctx, s, "text generation", userID, req, trimmed)
}
