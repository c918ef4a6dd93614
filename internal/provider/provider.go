// Package provider defines the Adapter interface implemented by every
// upstream LLM vendor, and the Registry that owns adapter instances,
// cached health state, and model resolution.
package provider

import (
	"context"
	"errors"
	"time"

	"github.com/sofatutor/llm-gateway/internal/api"
)

var (
	// ErrProviderNotFound is returned when a provider name is not registered.
	ErrProviderNotFound = errors.New("provider not found")

	// ErrStreamNotConfigured is returned by adapters without an upstream binding.
	ErrStreamNotConfigured = errors.New("provider stream not configured")
)

// RateLimits describes the admission limits configured for a provider.
// A zero value means the provider is unlimited (open policy).
type RateLimits struct {
	Window      time.Duration `json:"window"`
	MaxRequests int           `json:"max_requests"`
	MaxTokens   int           `json:"max_tokens"`
}

// Configured reports whether any limit is set for this provider.
func (r RateLimits) Configured() bool {
	return r.Window > 0 && (r.MaxRequests > 0 || r.MaxTokens > 0)
}

// Config is the base configuration for a provider adapter.
type Config struct {
	Name         string
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
	DefaultModel string
	Models       []string
	RateLimits   RateLimits
}

// Adapter is the interface every upstream vendor must satisfy. The rest of
// the gateway works only with these unified operations and the api wire
// types, so it never needs to know which vendor handles a request.
type Adapter interface {
	// Name returns the provider identifier, e.g. "openai" or "anthropic".
	Name() string

	// DefaultModel returns the model used when a request names none.
	DefaultModel() string

	// ListModels returns the models this provider can serve.
	ListModels(ctx context.Context) ([]string, error)

	// StreamCompletion sends a request upstream and returns a channel of
	// chunks. Initial connection errors are returned directly; mid-stream
	// errors are delivered in-band via CompletionChunk.Err. The adapter
	// closes the channel when the stream ends, and must stop producing
	// when ctx is cancelled.
	StreamCompletion(ctx context.Context, req api.CompletionRequest) (<-chan api.CompletionChunk, error)

	// ValidateAPIKey checks a key against the upstream vendor.
	ValidateAPIKey(ctx context.Context, key string) (bool, error)

	// Healthy probes the upstream vendor.
	Healthy(ctx context.Context) bool

	// RateLimits returns the admission limits configured for this provider.
	RateLimits() RateLimits
}
