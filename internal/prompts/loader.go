// Package prompts holds the embedded prompt catalogues for assist tasks and
// project generation. Each JSON file maps a template key to its text;
// placeholders are written {{.Name}}.
package prompts

import (
	"embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

//go:embed *.json
var files embed.FS

var placeholder = regexp.MustCompile(`\{\{\.([A-Za-z][A-Za-z0-9]*)\}\}`)

// Catalog is one parsed prompt file.
type Catalog struct {
	name      string
	templates map[string]string
}

var (
	mu       sync.Mutex
	catalogs = map[string]*Catalog{}
)

// Load returns the catalogue stored in filename, parsing it on first use.
func Load(filename string) (*Catalog, error) {
	mu.Lock()
	defer mu.Unlock()

	if c, ok := catalogs[filename]; ok {
		return c, nil
	}

	data, err := files.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt file %s: %w", filename, err)
	}
	templates := map[string]string{}
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("failed to parse prompt file %s: %w", filename, err)
	}

	c := &Catalog{name: filename, templates: templates}
	catalogs[filename] = c
	return c, nil
}

// MustLoad is Load for catalogues embedded in the binary; a failure is a build defect.
func MustLoad(filename string) *Catalog {
	c, err := Load(filename)
	if err != nil {
		panic(err)
	}
	return c
}

// Template returns the raw text stored under key.
func (c *Catalog) Template(key string) (string, error) {
	t, ok := c.templates[key]
	if !ok {
		return "", fmt.Errorf("prompt key %q not found in %s", key, c.name)
	}
	return t, nil
}

// Render fills the template under key from data.
func (c *Catalog) Render(key string, data map[string]string) (string, error) {
	t, err := c.Template(key)
	if err != nil {
		return "", err
	}
	return Format(t, data), nil
}

// MustRender panics when key is not in the catalogue.
func (c *Catalog) MustRender(key string, data map[string]string) string {
	out, err := c.Render(key, data)
	if err != nil {
		panic(err)
	}
	return out
}

// Keys lists the catalogue's template keys in sorted order.
func (c *Catalog) Keys() []string {
	keys := make([]string, 0, len(c.templates))
	for k := range c.templates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Placeholders lists the distinct placeholder names in key's template, in order of first use.
func (c *Catalog) Placeholders(key string) ([]string, error) {
	t, err := c.Template(key)
	if err != nil {
		return nil, err
	}
	var names []string
	seen := map[string]bool{}
	for _, m := range placeholder.FindAllStringSubmatch(t, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names, nil
}

// Format substitutes {{.Key}} placeholders in one pass, so placeholder text
// inside a value is never expanded. Unknown placeholders are left in place.
func Format(template string, data map[string]string) string {
	pairs := make([]string, 0, len(data)*2)
	for key, value := range data {
		pairs = append(pairs, "{{."+key+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// reset drops parsed catalogues.
func reset() {
	mu.Lock()
	catalogs = map[string]*Catalog{}
	mu.Unlock()
}
