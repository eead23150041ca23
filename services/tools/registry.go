package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/elizaOS/milaidy-sub002/utils"
)

type registered struct {
	def     Definition
	handler Handler
}

// Registry maps tool names to their definitions and handlers
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registered
}

// NewRegistry creates an empty tool registry
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]registered)}
}

// Register adds a tool
func (r *Registry) Register(def Definition, handler Handler) error {
	if handler == nil {
		return errors.New("tool handler cannot be nil")
	}
	if err := utils.ValidateStruct(def); err != nil {
		return fmt.Errorf("invalid tool definition %q: %w", def.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[def.Name]; exists {
		return ErrToolAlreadyRegistered
	}
	r.tools[def.Name] = registered{def: def, handler: handler}
	return nil
}

// Unregister removes a tool
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[name]; !exists {
		return ErrToolNotFound
	}
	delete(r.tools, name)
	return nil
}

// Lookup returns the definition of name
func (r *Registry) Lookup(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.tools[name]
	if !exists {
		return Definition{}, ErrToolNotFound
	}
	return t.def, nil
}

// List returns every definition sorted by name
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]Definition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Len returns the number of registered tools
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// Invoke runs the named tool
func (r *Registry) Invoke(ctx context.Context, toolName string, input json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	t, exists := r.tools[toolName]
	r.mu.RUnlock()

	if !exists {
		return nil, ErrToolNotFound
	}
	return t.handler(ctx, input)
}
