package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/jonathan/lumnicode/internal/llm"
	"github.com/jonathan/lumnicode/internal/schemas"
)

// ErrEmptyPlan is returned when the model produced no manifest text.
var ErrEmptyPlan = errors.New("failed to generate project structure")

// ManifestEntry is one planned file.
type ManifestEntry struct {
	Path        string `json:"path"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// Manifest is the file plan for a generation session.
type Manifest struct {
	Structure    []ManifestEntry `json:"structure"`
	Dependencies []string        `json:"dependencies"`
	Description  string          `json:"description"`
}

// ParseManifest extracts and validates a manifest from model output.
// Unsafe or duplicate paths are dropped; at most maxFiles entries are kept when maxFiles > 0.
func ParseManifest(text string, maxFiles int) (*Manifest, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyPlan
	}
	cleaned := llm.CleanJSONBlock(text)
	if err := schemas.Validate(schemas.ProjectManifest, cleaned); err != nil {
		return nil, fmt.Errorf("failed to parse project structure: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal([]byte(cleaned), &m); err != nil {
		return nil, fmt.Errorf("failed to parse project structure: %w", err)
	}

	seen := make(map[string]bool, len(m.Structure))
	entries := make([]ManifestEntry, 0, len(m.Structure))
	for _, e := range m.Structure {
		p, ok := SanitizePath(e.Path)
		if !ok || seen[p] {
			continue
		}
		seen[p] = true
		e.Path = p
		if e.Type == "" {
			e.Type = fileType(p)
		}
		entries = append(entries, e)
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("failed to parse project structure: no usable file paths")
	}
	if maxFiles > 0 && len(entries) > maxFiles {
		entries = entries[:maxFiles]
	}
	m.Structure = entries
	return &m, nil
}

// SanitizePath normalizes a project-relative path, rejecting absolute paths and parent escapes.
func SanitizePath(p string) (string, bool) {
	p = strings.TrimSpace(strings.ReplaceAll(p, "\\", "/"))
	if p == "" || strings.HasPrefix(p, "/") {
		return "", false
	}
	clean := path.Clean(p)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}
	return clean, true
}

var extensionLanguages = map[string]string{
	"js":   "javascript",
	"jsx":  "javascript",
	"ts":   "typescript",
	"tsx":  "typescript",
	"py":   "python",
	"html": "html",
	"css":  "css",
	"scss": "scss",
	"json": "json",
	"md":   "markdown",
	"sql":  "sql",
	"java": "java",
	"cpp":  "cpp",
	"c":    "c",
	"php":  "php",
	"rb":   "ruby",
	"go":   "go",
	"rs":   "rust",
	"vue":  "vue",
}

// LanguageForPath maps a file extension to an editor language id, defaulting to "text".
func LanguageForPath(p string) string {
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(p)), ".")
	if lang, ok := extensionLanguages[ext]; ok {
		return lang
	}
	return "text"
}

func fileType(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".tsx", ".jsx", ".vue":
		return "component"
	case ".ts", ".js":
		return "script"
	case ".css", ".scss":
		return "style"
	case ".json":
		return "config"
	case ".md":
		return "documentation"
	default:
		return "other"
	}
}

type packageManifest struct {
	Name            string            `json:"name"`
	Version         string            `json:"version"`
	Description     string            `json:"description"`
	Main            string            `json:"main"`
	Scripts         map[string]string `json:"scripts"`
	Dependencies    map[string]string `json:"dependencies"`
	DevDependencies map[string]string `json:"devDependencies"`
}

// fallbackPackageJSON is written when the model's package.json is unusable.
func fallbackPackageJSON(prompt string, dependencies []string) string {
	deps := make(map[string]string, len(dependencies))
	for _, d := range dependencies {
		if d = strings.TrimSpace(d); d != "" {
			deps[d] = "latest"
		}
	}
	pkg := packageManifest{
		Name:        "ai-generated-project",
		Version:     "1.0.0",
		Description: prompt,
		Main:        "index.js",
		Scripts: map[string]string{
			"dev":     "vite",
			"build":   "vite build",
			"preview": "vite preview",
		},
		Dependencies: deps,
		DevDependencies: map[string]string{
			"vite":        "^4.0.0",
			"@types/node": "^18.0.0",
		},
	}
	out, _ := json.MarshalIndent(pkg, "", "  ")
	return string(out) + "\n"
}

// packageJSON returns the model's package.json when it is a valid manifest, otherwise the fallback.
func packageJSON(text, prompt string, dependencies []string) (string, bool) {
	cleaned := llm.CleanJSONBlock(text)
	if cleaned != "" && schemas.Validate(schemas.PackageManifest, cleaned) == nil {
		return cleaned + "\n", true
	}
	return fallbackPackageJSON(prompt, dependencies), false
}

func hasTech(stack []string, names ...string) bool {
	for _, s := range stack {
		s = strings.ToLower(strings.TrimSpace(s))
		for _, n := range names {
			if s == n {
				return true
			}
		}
	}
	return false
}
