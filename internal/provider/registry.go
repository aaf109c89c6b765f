package provider

import (
	"context"
	"fmt"
	"strings"
)

// Registry holds providers in match priority order
type Registry struct {
	ordered   []Provider
	providers map[string]Provider
}

// NewRegistry creates a new provider registry
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
	}
}

// Register appends a provider. Providers registered first are tried first;
// registering an existing name replaces it in place.
func (r *Registry) Register(p Provider) {
	name := p.Name()
	if _, ok := r.providers[name]; ok {
		for i, existing := range r.ordered {
			if existing.Name() == name {
				r.ordered[i] = p
			}
		}
	} else {
		r.ordered = append(r.ordered, p)
	}
	r.providers[name] = p
}

// Get returns a provider by name
func (r *Registry) Get(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// All returns all registered providers in priority order
func (r *Registry) All() []Provider {
	out := make([]Provider, len(r.ordered))
	copy(out, r.ordered)
	return out
}

// Remove deletes a provider from the registry by name.
func (r *Registry) Remove(name string) {
	if _, ok := r.providers[name]; !ok {
		return
	}
	delete(r.providers, name)
	for i, p := range r.ordered {
		if p.Name() == name {
			r.ordered = append(r.ordered[:i], r.ordered[i+1:]...)
			break
		}
	}
}

// Names returns all registered provider names in priority order
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.ordered))
	for _, p := range r.ordered {
		names = append(names, p.Name())
	}
	return names
}

// GetProvider returns the first provider whose Matches accepts e.
func (r *Registry) GetProvider(ctx context.Context, e *Entity) (Provider, error) {
	for _, p := range r.ordered {
		if p.Matches(ctx, e) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("%w for entity %s", ErrNoProvider, e.Value)
}

// FromDataMap returns the provider named by dm.Repository.
func (r *Registry) FromDataMap(dm DataMap) (Provider, error) {
	p, ok := r.providers[dm.Repository]
	if !ok {
		return nil, fmt.Errorf("%w named %q", ErrNoProvider, dm.Repository)
	}
	return p, nil
}

// ForMeta maps the provider recorded in node metadata back to a provider.
// Plain-HTTP nodes record their URL scheme (HTTP or HTTPS).
func (r *Registry) ForMeta(name string) (Provider, bool) {
	if strings.HasPrefix(strings.ToUpper(name), "HTTP") {
		name = "HTTP"
	}
	return r.Get(name)
}

// Configure hands each configurable provider its section of the config
// file, keyed by the lower-cased provider name.
func (r *Registry) Configure(sections map[string]ProviderConfig) error {
	for _, p := range r.ordered {
		c, ok := p.(Configurable)
		if !ok {
			continue
		}
		section, ok := sections[strings.ToLower(p.Name())]
		if !ok {
			continue
		}
		if err := c.Configure(section); err != nil {
			return fmt.Errorf("configuring provider %s: %w", p.Name(), err)
		}
	}
	return nil
}
