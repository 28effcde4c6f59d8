// Package provider offers a uniform call surface over heterogeneous LLM
// backends, with admission control and ledger accounting on every call.
package provider

import (
	"context"
	"sync"

	"github.com/concilium/concilium/internal/domain"
)

// Backend is the capability interface one LLM provider implements.
type Backend interface {
	// Name identifies the backend.
	Name() domain.Provider
	// Available reports whether the backend has valid configuration.
	Available() bool
	// Complete runs one prompt against the given model.
	Complete(ctx context.Context, model, prompt string) (domain.Completion, error)
	// DefaultModel is the model used when the caller does not pick one.
	DefaultModel() string
}

// Registry tracks backends in registration order. Registration order is the
// priority order for auto selection: paid providers first, mock last.
type Registry struct {
	mu       sync.RWMutex
	backends map[domain.Provider]Backend
	order    []domain.Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[domain.Provider]Backend)}
}

// Register adds a backend. Duplicate names are a wiring bug.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.backends[b.Name()]; exists {
		return domain.WrapCoreError(domain.ErrProviderUnavailable.Code,
			"provider already registered: "+string(b.Name()), nil)
	}
	r.backends[b.Name()] = b
	r.order = append(r.order, b.Name())
	return nil
}

// Get returns the named backend, or ErrUnknownProvider.
func (r *Registry) Get(name domain.Provider) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.backends[name]
	if !ok {
		return nil, domain.WrapCoreError(domain.ErrUnknownProvider.Code,
			"unknown provider: "+string(name), nil)
	}
	return b, nil
}

// Resolve picks the backend for a selector. A named selector must be
// registered and configured. ProviderAuto walks the priority order and takes
// the first backend with valid configuration; the choice then holds for the
// whole session, providers are never mixed mid-session.
func (r *Registry) Resolve(selector domain.Provider) (Backend, error) {
	if selector != domain.ProviderAuto && selector != "" {
		b, err := r.Get(selector)
		if err != nil {
			return nil, err
		}
		if !b.Available() {
			return nil, domain.WrapCoreError(domain.ErrMissingCredentials.Code,
				"provider credentials not configured: "+string(selector), nil)
		}
		return b, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.order {
		if b := r.backends[name]; b.Available() {
			return b, nil
		}
	}
	return nil, domain.ErrProviderUnavailable
}

// List returns registered provider names in priority order.
func (r *Registry) List() []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Provider, len(r.order))
	copy(out, r.order)
	return out
}
