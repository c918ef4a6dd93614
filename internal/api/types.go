// Package api provides the wire types shared between the gateway server,
// the orchestrator, and provider adapters.
package api

import "time"

// Message is a single message in a conversation, in the common
// role/content form. Adapters translate it into their vendor format.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the unified completion request accepted by the
// gateway. The HTTP layer parses incoming JSON into this struct; provider
// adapters translate it into their backend-specific payloads.
type CompletionRequest struct {
	Model           string    `json:"model"`
	Provider        string    `json:"provider,omitempty"`
	Messages        []Message `json:"messages"`
	MaxTokens       int       `json:"max_tokens,omitempty"`
	Temperature     *float64  `json:"temperature,omitempty"`
	Stream          bool      `json:"stream,omitempty"`
	EstimatedTokens int       `json:"estimated_tokens,omitempty"`
}

// Usage reports token accounting for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// CompletionResponse is the unified non-streaming response returned by the
// gateway, assembled from the adapter's chunk sequence.
type CompletionResponse struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	Content   string    `json:"content"`
	Usage     Usage     `json:"usage"`
	Cached    bool      `json:"cached,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CompletionChunk is one unit of a streamed completion. Mid-stream errors
// are delivered in-band via Err; a chunk with Done=true terminates the
// sequence.
type CompletionChunk struct {
	Content string `json:"content,omitempty"`
	Tokens  int    `json:"tokens,omitempty"`
	Done    bool   `json:"done,omitempty"`
	Err     error  `json:"-"`
}

// StreamEvent is the SSE payload emitted to streaming clients.
// Type is "chunk", "done", or "error".
type StreamEvent struct {
	Type       string `json:"type"`
	Content    string `json:"content,omitempty"`
	Message    string `json:"message,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

// ErrorResponse is the standard format for error responses.
type ErrorResponse struct {
	Error       string `json:"error"`
	Description string `json:"description,omitempty"`
	Code        string `json:"code,omitempty"`
	RetryAfter  int    `json:"retry_after,omitempty"`
}

// UsageStats reports per-provider usage for one user over the current
// window, returned by the GetUsage operation.
type UsageStats struct {
	Provider     string    `json:"provider"`
	WindowStart  time.Time `json:"window_start"`
	RequestCount int       `json:"request_count"`
	TokenCount   int       `json:"token_count"`
	LastRequest  time.Time `json:"last_request"`
}
