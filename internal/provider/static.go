package provider

import (
	"context"

	"github.com/sofatutor/llm-gateway/internal/api"
)

// StreamFunc produces the chunk sequence for one completion request.
type StreamFunc func(ctx context.Context, req api.CompletionRequest) (<-chan api.CompletionChunk, error)

// Static is an Adapter driven entirely by its configuration and injectable
// behavior. Vendor bindings supply a StreamFunc that talks to the upstream
// API; tests script it directly.
type Static struct {
	cfg Config

	// Stream handles completion requests. Required for serving traffic;
	// when nil, StreamCompletion returns ErrStreamNotConfigured.
	Stream StreamFunc

	// Validate checks an API key upstream. When nil, any non-empty key is
	// accepted.
	Validate func(ctx context.Context, key string) (bool, error)

	// Health probes the upstream. When nil, the adapter reports healthy.
	Health func(ctx context.Context) bool
}

// NewStatic creates an adapter from a provider configuration.
func NewStatic(cfg Config) *Static {
	return &Static{cfg: cfg}
}

// Name returns the provider identifier.
func (s *Static) Name() string { return s.cfg.Name }

// DefaultModel returns the configured default model.
func (s *Static) DefaultModel() string { return s.cfg.DefaultModel }

// ListModels returns the configured model list.
func (s *Static) ListModels(ctx context.Context) ([]string, error) {
	models := make([]string, len(s.cfg.Models))
	copy(models, s.cfg.Models)
	return models, nil
}

// StreamCompletion delegates to the configured StreamFunc.
func (s *Static) StreamCompletion(ctx context.Context, req api.CompletionRequest) (<-chan api.CompletionChunk, error) {
	if s.Stream == nil {
		return nil, ErrStreamNotConfigured
	}
	return s.Stream(ctx, req)
}

// ValidateAPIKey delegates to the configured Validate func.
func (s *Static) ValidateAPIKey(ctx context.Context, key string) (bool, error) {
	if s.Validate == nil {
		return key != "", nil
	}
	return s.Validate(ctx, key)
}

// Healthy delegates to the configured Health func.
func (s *Static) Healthy(ctx context.Context) bool {
	if s.Health == nil {
		return true
	}
	return s.Health(ctx)
}

// RateLimits returns the configured admission limits.
func (s *Static) RateLimits() RateLimits { return s.cfg.RateLimits }
