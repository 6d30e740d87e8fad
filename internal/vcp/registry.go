package vcp

import (
	"fmt"
	"sort"
	"sync"

	"kokoro/internal/logging"
)

// Registry holds all registered tool handlers and provides lookup.
// It is populated at startup and treated as read-only afterwards; lookups
// are thread-safe.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*HandlerDescriptor
}

// NewRegistry creates a new empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		tools: make(map[string]*HandlerDescriptor),
	}
}

// Register adds a handler descriptor to the registry.
// Returns an error if the descriptor is invalid or the name is taken.
func (r *Registry) Register(desc *HandlerDescriptor) error {
	if err := desc.Validate(); err != nil {
		return fmt.Errorf("invalid handler: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.tools[desc.Name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, desc.Name)
	}

	r.tools[desc.Name] = desc
	logging.VCPDebug("registered tool: %s (protocol=%s)", desc.Name, desc.Protocol)
	return nil
}

// MustRegister registers a descriptor and panics on error.
// Use this for static registration at startup.
func (r *Registry) MustRegister(desc *HandlerDescriptor) {
	if err := r.Register(desc); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", desc.Name, err))
	}
}

// Get returns a descriptor by name, or nil if not found.
func (r *Registry) Get(name string) *HandlerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has returns true if a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all registered descriptors in name order.
func (r *Registry) All() []*HandlerDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*HandlerDescriptor, 0, len(r.tools))
	for _, desc := range r.tools {
		result = append(result, desc)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
