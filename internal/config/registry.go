package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/micvad/pkg/audio"
)

// ErrBackendNotRegistered is returned by [Registry.CreateBackend] when no
// factory has been registered under the requested name.
var ErrBackendNotRegistered = errors.New("config: backend not registered")

// BackendFactory opens an audio backend from the audio section.
type BackendFactory func(AudioConfig) (audio.Backend, error)

// Registry maps backend names to their constructors. It is safe for
// concurrent use.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]BackendFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]BackendFactory)}
}

// RegisterBackend registers factory under name. Subsequent calls with the
// same name overwrite the previous registration.
func (r *Registry) RegisterBackend(name string, factory BackendFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[name] = factory
}

// Backends returns the registered names in sorted order.
func (r *Registry) Backends() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateBackend instantiates the backend named by cfg.Backend.
func (r *Registry) CreateBackend(cfg AudioConfig) (audio.Backend, error) {
	r.mu.RLock()
	factory, ok := r.backends[cfg.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (registered: %v)", ErrBackendNotRegistered, cfg.Backend, r.Backends())
	}
	b, err := factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("config: create backend %q: %w", cfg.Backend, err)
	}
	return b, nil
}
