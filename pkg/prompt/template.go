package prompt

import (
	_ "embed"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"text/template"
)

//go:embed system.gotmpl
var defaultSystemTpl string

//go:embed response.gotmpl
var defaultResponseTpl string

// Built-in template identity.
const (
	DefaultTemplateID      = "companion"
	DefaultTemplateVersion = 1
)

// ErrUnknownTemplate is returned when a template reference does not resolve.
var ErrUnknownTemplate = errors.New("prompt: unknown template")

// Template is one version of the system and response prompt layouts.
// Versions are data; the engine is the same for all of them.
type Template struct {
	ID      string
	Version int

	system   *template.Template
	response *template.Template
}

var funcs = template.FuncMap{
	"inc":  func(i int) int { return i + 1 },
	"join": strings.Join,
}

// NewTemplate parses a system and a response template.
func NewTemplate(id string, version int, system, response string) (*Template, error) {
	if id == "" || strings.Contains(id, "@") {
		return nil, fmt.Errorf("prompt: invalid template id %q", id)
	}
	if version < 1 {
		return nil, fmt.Errorf("prompt: template %s: version must be >= 1", id)
	}
	t := &Template{ID: id, Version: version}
	var err error
	if t.system, err = template.New(t.Ref() + "/system").Funcs(funcs).Option("missingkey=error").Parse(system); err != nil {
		return nil, fmt.Errorf("prompt: parse %s system: %w", t.Ref(), err)
	}
	if t.response, err = template.New(t.Ref() + "/response").Funcs(funcs).Option("missingkey=error").Parse(response); err != nil {
		return nil, fmt.Errorf("prompt: parse %s response: %w", t.Ref(), err)
	}
	return t, nil
}

// Ref returns "id@version".
func (t *Template) Ref() string {
	return t.ID + "@" + strconv.Itoa(t.Version)
}

var defaultTemplate = sync.OnceValue(func() *Template {
	t, err := NewTemplate(DefaultTemplateID, DefaultTemplateVersion, defaultSystemTpl, defaultResponseTpl)
	if err != nil {
		panic(err)
	}
	return t
})

// DefaultTemplate returns the built-in template.
func DefaultTemplate() *Template { return defaultTemplate() }

// Registry holds template versions by id. It is safe for concurrent use.
type Registry struct {
	mu   sync.RWMutex
	byID map[string][]*Template
	def  string
}

// NewRegistry returns a registry holding the built-in template plus ts.
// The first template of ts, if any, becomes the default.
func NewRegistry(ts ...*Template) (*Registry, error) {
	r := &Registry{byID: make(map[string][]*Template), def: DefaultTemplateID}
	if err := r.Register(DefaultTemplate()); err != nil {
		return nil, err
	}
	for _, t := range ts {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	if len(ts) > 0 {
		r.def = ts[0].ID
	}
	return r, nil
}

// Register adds t. Registering the same id and version twice fails.
func (r *Registry) Register(t *Template) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	vs := r.byID[t.ID]
	i, found := slices.BinarySearchFunc(vs, t.Version, func(e *Template, v int) int { return e.Version - v })
	if found {
		return fmt.Errorf("prompt: template %s already registered", t.Ref())
	}
	r.byID[t.ID] = slices.Insert(vs, i, t)
	return nil
}

// Lookup resolves a reference. "" is the default template, "id" is the
// latest version of id, "id@N" is version N.
func (r *Registry) Lookup(ref string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ver, pinned := strings.Cut(ref, "@")
	if id == "" {
		id = r.def
	}
	vs := r.byID[id]
	if len(vs) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, ref)
	}
	if !pinned {
		return vs[len(vs)-1], nil
	}
	n, err := strconv.Atoi(strings.TrimPrefix(ver, "v"))
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, ref)
	}
	for _, t := range vs {
		if t.Version == n {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTemplate, ref)
}
