package llm

import (
	"fmt"
	"strings"
)

// OutputSchema describes the JSON object a prompt asks the model to return.
type OutputSchema struct {
	Name        string
	Description string
	Fields      []SchemaField
}

// SchemaField is one field of an OutputSchema.
type SchemaField struct {
	Name        string // JSON field name
	Type        string // Type hint rendered verbatim, e.g. "string" or [{"path": "string"}]
	Description string
	Required    bool
}

// BuildStructuredPrompt renders a schema description followed by the input text.
func BuildStructuredPrompt(schema OutputSchema, inputText string) string {
	var sb strings.Builder

	sb.WriteString(schema.Description)
	sb.WriteString("\n\n")

	sb.WriteString("Return ONLY valid JSON matching this exact structure:\n{\n")
	for i, field := range schema.Fields {
		typeHint := field.Type
		if typeHint == "" {
			typeHint = "\"string\""
		}
		requiredHint := ""
		if field.Required {
			requiredHint = " (required)"
		}
		sb.WriteString(fmt.Sprintf("  \"%s\": %s%s", field.Name, typeHint, requiredHint))
		if i < len(schema.Fields)-1 {
			sb.WriteString(",")
		}
		if field.Description != "" {
			sb.WriteString(fmt.Sprintf(" // %s", field.Description))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("}\n\n")

	sb.WriteString("IMPORTANT:\n")
	sb.WriteString("- Return ONLY the JSON object, no markdown, no explanation, no code blocks.\n\n")

	sb.WriteString(inputText)
	sb.WriteString("\n")

	return sb.String()
}

// --- Predefined Schemas ---

// ProjectManifestSchema describes the file plan requested at the start of a generation session.
func ProjectManifestSchema() OutputSchema {
	return OutputSchema{
		Name:        "ProjectManifest",
		Description: "You are an expert software architect. Plan the complete file structure for the project described below.",
		Fields: []SchemaField{
			{
				Name:        "structure",
				Type:        `[{"path": "string", "type": "file", "description": "string"}]`,
				Description: "Every source file the project needs, with a relative path and a short purpose",
				Required:    true,
			},
			{
				Name:        "dependencies",
				Type:        `["string"]`,
				Description: "Package names the project depends on",
				Required:    true,
			},
			{
				Name:        "description",
				Type:        `"string"`,
				Description: "One paragraph project summary",
				Required:    true,
			},
		},
	}
}

// CodeAnalysisSchema describes the structured result of a code analysis request.
func CodeAnalysisSchema() OutputSchema {
	return OutputSchema{
		Name:        "CodeAnalysis",
		Description: "You are an expert code reviewer. Analyze the code below for improvements, bugs, and complexity.",
		Fields: []SchemaField{
			{
				Name:        "suggestions",
				Type:        `[{"code": "string", "explanation": "string", "confidence": 0.0, "line_start": 0, "line_end": 0}]`,
				Description: "Concrete improvements with replacement code",
				Required:    true,
			},
			{
				Name:        "bugs",
				Type:        `["string"]`,
				Description: "Likely defects",
			},
			{
				Name:        "complexity",
				Type:        `"low|medium|high"`,
				Description: "Overall complexity",
			},
		},
	}
}
