// Package adapter wraps model backends, HTTP tools and pure functions behind
// one capability interface invoked by the routing graph executor. New
// backends are added by implementing Adapter, never by branching inside the
// executor.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var (
	// ErrUnavailable marks a transient backend failure; callers may retry.
	ErrUnavailable = errors.New("adapter: backend unavailable")

	// ErrRejected marks a structural failure (bad request, malformed
	// output); retrying the same call cannot succeed.
	ErrRejected = errors.New("adapter: request rejected")
)

// Adapter is the uniform invocation capability. Inputs and outputs are the
// flow context's key/value payloads.
type Adapter interface {
	Name() string
	Invoke(ctx context.Context, in map[string]any) (map[string]any, error)
}

// Registry maps backend selector names to adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	logger   *zap.Logger
}

// NewRegistry creates an empty adapter registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{adapters: make(map[string]Adapter), logger: logger}
}

// Register binds an adapter under its name. Rebinding a name is an error:
// graph validation depends on the binding being stable.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.adapters[a.Name()]; exists {
		return fmt.Errorf("adapter %q already registered", a.Name())
	}
	r.adapters[a.Name()] = a
	r.logger.Info("registered adapter", zap.String("name", a.Name()))
	return nil
}

// Get returns the adapter bound to name.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Names returns all registered backend names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for n := range r.adapters {
		names = append(names, n)
	}
	return names
}
