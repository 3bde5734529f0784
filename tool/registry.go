package tool

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registry is a thread-safe, name-keyed set of tools.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates a registry holding the given tools.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool. Names must be unique.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("tool: register: nil tool")
	}
	name := strings.TrimSpace(t.Name())
	if name == "" {
		return fmt.Errorf("tool: register: name is required")
	}
	if err := t.Manifest().Validate(); err != nil {
		return fmt.Errorf("tool: register %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool: register %s: already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns a tool by name. Its signature matches replay.Resolver.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Manifests returns every tool manifest in name order.
func (r *Registry) Manifests() []Manifest {
	names := r.Names()
	out := make([]Manifest, 0, len(names))
	for _, name := range names {
		if t, ok := r.Get(name); ok {
			out = append(out, t.Manifest())
		}
	}
	return out
}
