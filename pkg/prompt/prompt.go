// Package prompt resolves named, versioned templates into finalized prompt
// strings with a stable content hash used as the semantic cache's exact key.
package prompt

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// PersonaVar is the reserved variable carrying the tenant's persona prompt.
// Callers cannot supply it; the renderer injects it.
const PersonaVar = "persona"

// TemplateError indicates a template problem: unknown template, missing
// variable, or a render exceeding the template's length bound. Terminal for
// the job that triggered it.
type TemplateError struct {
	Template string
	Reason   string
}

func (e *TemplateError) Error() string {
	return fmt.Sprintf("template %q: %s", e.Template, e.Reason)
}

// Template is named, versioned text with {{name}} placeholders and a hard
// bound on the rendered length.
type Template struct {
	Name      string
	Version   int
	Text      string
	MaxLength int
}

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-zA-Z_][a-zA-Z0-9_]*)\s*\}\}`)

// Vars returns the sorted placeholder names the template requires.
func (t Template) Vars() []string {
	seen := make(map[string]struct{})
	for _, m := range placeholderRe.FindAllStringSubmatch(t.Text, -1) {
		seen[m[1]] = struct{}{}
	}
	vars := make([]string, 0, len(seen))
	for v := range seen {
		vars = append(vars, v)
	}
	sort.Strings(vars)
	return vars
}

// Registry holds the known templates by name. Registering a name again
// replaces the previous version.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]Template
}

// NewRegistry creates an empty template registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]Template)}
}

// Register adds or replaces a template.
func (r *Registry) Register(t Template) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.Name] = t
}

// Get returns the named template.
func (r *Registry) Get(name string) (Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[name]
	if !ok {
		return Template{}, &TemplateError{Template: name, Reason: "not registered"}
	}
	return t, nil
}

// Names returns the registered template names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Rendered is a finalized prompt plus its stable content hash.
type Rendered struct {
	Text string
	Hash string
}

// Render resolves the named template with the given variables plus the
// injected persona. Every placeholder must be covered or the render fails
// with a TemplateError; the rendered text must fit the template's MaxLength.
func (r *Registry) Render(name string, persona string, vars map[string]string) (Rendered, error) {
	t, err := r.Get(name)
	if err != nil {
		return Rendered{}, err
	}

	var missing []string
	out := placeholderRe.ReplaceAllStringFunc(t.Text, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		if key == PersonaVar {
			return persona
		}
		v, ok := vars[key]
		if !ok {
			missing = append(missing, key)
			return m
		}
		return v
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return Rendered{}, &TemplateError{
			Template: name,
			Reason:   "missing variables: " + strings.Join(missing, ", "),
		}
	}
	if t.MaxLength > 0 && len(out) > t.MaxLength {
		return Rendered{}, &TemplateError{
			Template: name,
			Reason:   fmt.Sprintf("rendered length %d exceeds maximum %d", len(out), t.MaxLength),
		}
	}

	return Rendered{Text: out, Hash: Hash(out)}, nil
}

// Hash returns the SHA-256 hex digest of the normalized text. Normalization
// collapses runs of whitespace and trims the ends, so renders differing only
// in insignificant whitespace share a cache key.
func Hash(text string) string {
	normalized := strings.Join(strings.Fields(text), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}
