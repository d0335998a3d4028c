package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router manages multiple LLM providers and routes requests by backend name.
type Router struct {
	providers map[string]Provider
	fallbacks map[string][]string // providerID -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// Register adds a provider to the router. The first registered provider
// becomes the default.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// SetFallbacks configures fallback providers tried when the primary fails.
func (r *Router) SetFallbacks(providerID string, fallbackIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[providerID] = fallbackIDs
}

// Get returns the provider with the given ID, or the default when id is empty.
func (r *Router) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == "" {
		id = r.defaults
	}
	p, ok := r.providers[id]
	return p, ok
}

// Route sends a chat request to the named provider, falling back through
// the configured chain when the primary fails.
func (r *Router) Route(ctx context.Context, providerID string, req *ChatRequest) (*ChatResponse, error) {
	r.mu.RLock()
	if providerID == "" {
		providerID = r.defaults
	}
	primary := r.providers[providerID]
	chain := r.fallbacks[providerID]
	r.mu.RUnlock()

	if primary == nil {
		return nil, fmt.Errorf("no provider registered for %q", providerID)
	}

	resp, err := primary.Chat(ctx, req)
	if err == nil {
		return resp, nil
	}
	r.logger.Warn("primary provider failed, trying fallbacks",
		zap.String("provider", providerID), zap.Error(err))

	for _, fbID := range chain {
		fb, ok := r.Get(fbID)
		if !ok {
			continue
		}
		resp, err = fb.Chat(ctx, req)
		if err == nil {
			r.logger.Info("fallback provider succeeded", zap.String("provider", fbID))
			return resp, nil
		}
		r.logger.Warn("fallback provider failed", zap.String("provider", fbID), zap.Error(err))
	}
	return nil, fmt.Errorf("all providers failed for %q: %w", providerID, err)
}

// HealthyProviders returns the IDs of providers that pass a health check.
func (r *Router) HealthyProviders(ctx context.Context) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var healthy []string
	for id, p := range r.providers {
		if p.HealthCheck(ctx) == nil {
			healthy = append(healthy, id)
		}
	}
	return healthy
}
