package llm

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildStructuredPrompt(t *testing.T) {
	prompt := BuildStructuredPrompt(ProjectManifestSchema(), "Project request: a todo app")

	assert.True(t, strings.HasPrefix(prompt, "You are an expert software architect."))
	assert.Contains(t, prompt, `"structure": [{"path": "string", "type": "file", "description": "string"}] (required)`)
	assert.Contains(t, prompt, `"dependencies": ["string"] (required),`)
	assert.Contains(t, prompt, "Return ONLY the JSON object")
	assert.True(t, strings.HasSuffix(prompt, "Project request: a todo app\n"))
}

func TestCodeAnalysisSchema_OptionalFields(t *testing.T) {
	prompt := BuildStructuredPrompt(CodeAnalysisSchema(), "")

	assert.Contains(t, prompt, `"bugs": ["string"], // Likely defects`)
	assert.NotContains(t, prompt, `"bugs": ["string"] (required)`)
}

func TestBuildStructuredPrompt_CommaBeforeComment(t *testing.T) {
	prompt := BuildStructuredPrompt(ProjectManifestSchema(), "")

	assert.Contains(t, prompt, `"dependencies": ["string"] (required), // Package names the project depends on`+"\n")
	assert.Contains(t, prompt, `"description": "string" (required) // One paragraph project summary`+"\n}")
}
