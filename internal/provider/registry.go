package provider

import (
	"context"
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Registry owns provider adapters and their last-known health state.
// Health is cached and only refreshed by explicit CheckHealth calls,
// never implicitly per request.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter

	// Last-known health per provider name. Entries never expire on their
	// own; explicit checks overwrite them.
	health *gocache.Cache

	logger *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		adapters: make(map[string]Adapter),
		health:   gocache.New(gocache.NoExpiration, 0),
		logger:   logger,
	}
}

// Register adds an adapter to the registry. Re-registering a name replaces
// the previous adapter (last write wins) with a warning.
func (r *Registry) Register(adapter Adapter) {
	name := adapter.Name()

	r.mu.Lock()
	_, replaced := r.adapters[name]
	r.adapters[name] = adapter
	r.mu.Unlock()

	if replaced {
		r.logger.Warn("provider re-registered, replacing previous adapter",
			zap.String("provider", name))
	} else {
		r.logger.Info("provider registered", zap.String("provider", name))
	}
}

// Get returns the adapter for a provider name.
func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	adapter, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrProviderNotFound
	}
	return adapter, nil
}

// List returns the registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	return names
}

// ListAvailableModels returns the model list per provider. A provider whose
// lookup fails contributes an empty list; the failure is logged, not
// propagated.
func (r *Registry) ListAvailableModels(ctx context.Context) map[string][]string {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	models := make(map[string][]string, len(adapters))
	for _, a := range adapters {
		list, err := a.ListModels(ctx)
		if err != nil {
			r.logger.Warn("model listing failed, degrading to empty list",
				zap.String("provider", a.Name()), zap.Error(err))
			models[a.Name()] = []string{}
			continue
		}
		models[a.Name()] = list
	}
	return models
}

// DefaultModels returns each provider's default model.
func (r *Registry) DefaultModels() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defaults := make(map[string]string, len(r.adapters))
	for name, a := range r.adapters {
		defaults[name] = a.DefaultModel()
	}
	return defaults
}

// CheckHealth probes one provider and records the result as its last-known
// health state.
func (r *Registry) CheckHealth(ctx context.Context, name string) (bool, error) {
	adapter, err := r.Get(name)
	if err != nil {
		return false, err
	}

	healthy := adapter.Healthy(ctx)
	r.health.Set(name, healthy, gocache.NoExpiration)
	return healthy, nil
}

// CheckAllHealth probes every registered provider and records the results.
func (r *Registry) CheckAllHealth(ctx context.Context) map[string]bool {
	results := make(map[string]bool)
	for _, name := range r.List() {
		healthy, err := r.CheckHealth(ctx, name)
		if err != nil {
			continue
		}
		results[name] = healthy
	}
	return results
}

// LastKnownHealth returns the cached health state for a provider. A provider
// that has never been checked is reported healthy: health gating is advisory
// and must not block traffic before the first probe.
func (r *Registry) LastKnownHealth(name string) bool {
	if v, ok := r.health.Get(name); ok {
		return v.(bool)
	}
	return true
}

// ValidateAPIKey delegates key validation to the named adapter. Adapter
// errors are swallowed into false: an unverifiable key is not a valid key.
func (r *Registry) ValidateAPIKey(ctx context.Context, name, key string) (bool, error) {
	adapter, err := r.Get(name)
	if err != nil {
		return false, err
	}

	valid, err := adapter.ValidateAPIKey(ctx, key)
	if err != nil {
		r.logger.Warn("api key validation errored, treating as invalid",
			zap.String("provider", name), zap.Error(err))
		return false, nil
	}
	return valid, nil
}

// RateLimits returns the admission limits configured for the named provider.
func (r *Registry) RateLimits(name string) (RateLimits, error) {
	adapter, err := r.Get(name)
	if err != nil {
		return RateLimits{}, err
	}
	return adapter.RateLimits(), nil
}
