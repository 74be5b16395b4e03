package pipeline

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	text := "Sure! Here is the plan:\n```json\n" +
		`{"structure":[{"path":"./src/App.tsx","description":"root"},{"path":"src/App.tsx"},{"path":"../etc/passwd"},{"path":"/abs.js"},{"path":"README.md","type":"documentation"}],` +
		`"dependencies":["react"],"description":"Todo"}` + "\n```"

	m, err := ParseManifest(text, 0)
	require.NoError(t, err)
	require.Len(t, m.Structure, 2)
	assert.Equal(t, "src/App.tsx", m.Structure[0].Path)
	assert.Equal(t, "component", m.Structure[0].Type)
	assert.Equal(t, "README.md", m.Structure[1].Path)
	assert.Equal(t, []string{"react"}, m.Dependencies)
	assert.Equal(t, "Todo", m.Description)
}

func TestParseManifest_Errors(t *testing.T) {
	_, err := ParseManifest("   ", 0)
	assert.ErrorIs(t, err, ErrEmptyPlan)

	_, err = ParseManifest("no json here", 0)
	assert.Error(t, err)

	_, err = ParseManifest(`{"structure":[]}`, 0)
	assert.Error(t, err)

	_, err = ParseManifest(`{"structure":[{"path":"../x"}]}`, 0)
	assert.Error(t, err)
}

func TestParseManifest_MaxFiles(t *testing.T) {
	m, err := ParseManifest(manifestJSON(8), 5)
	require.NoError(t, err)
	assert.Len(t, m.Structure, 5)
}

func TestSanitizePath(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"src/a.ts", "src/a.ts", true},
		{"./src//a.ts", "src/a.ts", true},
		{"src\\a.ts", "src/a.ts", true},
		{"src/../a.ts", "a.ts", true},
		{"../a.ts", "", false},
		{"/etc/passwd", "", false},
		{".", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := SanitizePath(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestLanguageForPath(t *testing.T) {
	assert.Equal(t, "typescript", LanguageForPath("src/App.TSX"))
	assert.Equal(t, "javascript", LanguageForPath("index.js"))
	assert.Equal(t, "json", LanguageForPath("package.json"))
	assert.Equal(t, "text", LanguageForPath("Makefile"))
	assert.Equal(t, "text", LanguageForPath("archive.tar.zz"))
}

func TestPackageJSON_Fallback(t *testing.T) {
	content, generated := packageJSON("not json", "todo app", []string{"react", " ", "zustand"})
	assert.False(t, generated)

	var pkg packageManifest
	require.NoError(t, json.Unmarshal([]byte(content), &pkg))
	assert.Equal(t, "ai-generated-project", pkg.Name)
	assert.Equal(t, "todo app", pkg.Description)
	assert.Equal(t, map[string]string{"react": "latest", "zustand": "latest"}, pkg.Dependencies)
	assert.Equal(t, "vite", pkg.Scripts["dev"])

	content, generated = packageJSON("```json\n{\"name\":\"x\"}\n```", "p", nil)
	assert.True(t, generated)
	assert.JSONEq(t, `{"name":"x"}`, content)
}

func TestFilesProgress(t *testing.T) {
	assert.Equal(t, 30, filesProgress(0, 10))
	assert.Equal(t, 36, filesProgress(1, 10))
	assert.Equal(t, 90, filesProgress(10, 10))
	assert.Equal(t, 50, filesProgress(1, 3))
	assert.Equal(t, 90, filesProgress(0, 0))
}
