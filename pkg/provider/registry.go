package provider

import (
	"sync"

	"github.com/pario-ai/weave/pkg/config"
)

// Factory builds a provider from its configuration entry.
type Factory func(cfg config.ProviderConfig) (Provider, error)

// Registry maps provider types to factories and names to built providers.
// It is constructed by the application root and passed to its consumers.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	providers map[string]Provider
	order     []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		providers: make(map[string]Provider),
	}
}

// RegisterFactory makes a provider type buildable. A later registration replaces an earlier one.
func (r *Registry) RegisterFactory(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Types returns the registered provider types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.factories))
	for t := range r.factories {
		types = append(types, t)
	}
	return types
}

// Build constructs the provider described by cfg and adds it under cfg.Name.
// Unknown types, missing names and duplicate names are configuration errors.
func (r *Registry) Build(cfg config.ProviderConfig) (Provider, error) {
	if cfg.Name == "" {
		return nil, NewConfigError("provider of type %q has no name", cfg.Type)
	}
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, NewConfigError("provider %q: unknown type %q", cfg.Name, cfg.Type)
	}

	p, err := f(cfg)
	if err != nil {
		e := New(KindConfig, "build provider "+cfg.Name, err)
		e.Provider = cfg.Name
		return nil, e
	}
	if err := r.Add(cfg.Name, p); err != nil {
		return nil, err
	}
	return p, nil
}

// BuildAll builds every entry in order and stops at the first failure.
func (r *Registry) BuildAll(cfgs []config.ProviderConfig) error {
	for _, c := range cfgs {
		if _, err := r.Build(c); err != nil {
			return err
		}
	}
	return nil
}

// Add registers an already-constructed provider.
func (r *Registry) Add(name string, p Provider) error {
	if name == "" {
		return NewConfigError("provider name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return NewConfigError("provider %q already registered", name)
	}
	r.providers[name] = p
	r.order = append(r.order, name)
	return nil
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, NewConfigError("provider %q not registered", name)
	}
	return p, nil
}

// Names returns provider names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}
