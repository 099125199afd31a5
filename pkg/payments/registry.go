package payments

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownProvider is returned when no adapter is registered under the
// requested name.
var ErrUnknownProvider = errors.New("unknown payment provider")

// Registry holds the configured provider adapters. The set is fixed at
// construction; requests for other providers fail instead of falling
// through to dynamic lookup.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds a registry from the given adapters, keyed by name.
func NewRegistry(adapters ...Adapter) (*Registry, error) {
	registry := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, adapter := range adapters {
		name := adapter.Name()
		if name == "" {
			return nil, errors.New("adapter with empty name")
		}
		if _, exists := registry.adapters[name]; exists {
			return nil, fmt.Errorf("duplicate adapter %q", name)
		}
		registry.adapters[name] = adapter
	}
	return registry, nil
}

// Get returns the adapter registered under name.
func (registry *Registry) Get(name string) (Adapter, error) {
	adapter, found := registry.adapters[name]
	if !found {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return adapter, nil
}

// Names lists the registered provider names in stable order.
func (registry *Registry) Names() []string {
	names := make([]string, 0, len(registry.adapters))
	for name := range registry.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
