package llm

import (
	"context"
	"fmt"
	"slices"
	"sync"
)

// Mux routes completion requests to backends by model name.
type Mux struct {
	mu      sync.RWMutex
	clients map[string]Client
}

var _ Client = (*Mux)(nil)

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{clients: make(map[string]Client)}
}

// Handle registers c under name. Registering a name twice is an error.
func (m *Mux) Handle(name string, c Client) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[name]; ok {
		return fmt.Errorf("llm: model %q already registered", name)
	}
	m.clients[name] = c
	return nil
}

// Names returns the registered model names, sorted.
func (m *Mux) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.clients))
	for n := range m.clients {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (m *Mux) Complete(ctx context.Context, req *Request) (*Completion, error) {
	m.mu.RLock()
	c, ok := m.clients[req.Model]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, req.Model)
	}
	return c.Complete(ctx, req)
}
