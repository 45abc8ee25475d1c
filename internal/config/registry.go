package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/cuecall/pkg/realtime"
)

// ErrProviderNotRegistered is returned by [Registry.CreateRealtime] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// RealtimeFactory builds a dialer for one endpoint of the configured backend.
type RealtimeFactory func(rt RealtimeConfig, ep EndpointConfig) (realtime.Dialer, error)

// Registry maps realtime provider names to their dialer factories. It is safe
// for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	realtime map[string]RealtimeFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{realtime: make(map[string]RealtimeFactory)}
}

// RegisterRealtime registers a dialer factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRealtime(name string, factory RealtimeFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// RealtimeProviders returns the registered provider names in sorted order.
func (r *Registry) RealtimeProviders() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.realtime))
	for name := range r.realtime {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateRealtime instantiates a dialer for endpoint ep using the factory
// registered under rt.Provider. Empty endpoint fields inherit rt's values.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateRealtime(rt RealtimeConfig, ep EndpointConfig) (realtime.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.realtime[rt.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: realtime/%q", ErrProviderNotRegistered, rt.Provider)
	}
	d, err := factory(rt, rt.Resolve(ep))
	if err != nil {
		return nil, fmt.Errorf("config: create realtime/%q endpoint %q: %w", rt.Provider, ep.Name, err)
	}
	return d, nil
}
