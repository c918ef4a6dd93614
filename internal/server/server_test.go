package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sofatutor/llm-gateway/internal/api"
	"github.com/sofatutor/llm-gateway/internal/cache"
	"github.com/sofatutor/llm-gateway/internal/config"
	"github.com/sofatutor/llm-gateway/internal/filter"
	"github.com/sofatutor/llm-gateway/internal/gateway"
	"github.com/sofatutor/llm-gateway/internal/moderation"
	"github.com/sofatutor/llm-gateway/internal/provider"
	"github.com/sofatutor/llm-gateway/internal/ratelimit"
	"github.com/sofatutor/llm-gateway/internal/streaming"
)

type serverEnv struct {
	srv     *Server
	limiter *ratelimit.Limiter
	store   *cache.MemoryStore
}

func newServerEnv(t *testing.T) *serverEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	adapter := provider.NewStatic(provider.Config{
		Name:         "openai",
		DefaultModel: "gpt-4o-mini",
		Models:       []string{"gpt-4o", "gpt-4o-mini"},
		RateLimits:   provider.RateLimits{Window: time.Minute, MaxRequests: 60, MaxTokens: 100000},
	})
	adapter.Stream = func(ctx context.Context, req api.CompletionRequest) (<-chan api.CompletionChunk, error) {
		out := make(chan api.CompletionChunk, 2)
		out <- api.CompletionChunk{Content: "echo ", Tokens: 1}
		out <- api.CompletionChunk{Content: "ok", Tokens: 1}
		close(out)
		return out, nil
	}

	registry := provider.NewRegistry(nil)
	registry.Register(adapter)

	limiter := ratelimit.New(nil)
	limiter.SetRule("openai", ratelimit.Rule{Window: time.Minute, MaxRequests: 60, MaxTokens: 100000})

	moderator := moderation.NewEngine([]moderation.Moderator{
		moderation.NewProfanityModerator([]string{"slur"}),
	}, 0, nil)

	store, err := cache.NewMemoryStore(100, time.Hour, cache.StrategyLRU, nil)
	require.NoError(t, err)

	gw := gateway.New(registry, limiter,
		streaming.NewPool(8, time.Minute, nil),
		streaming.NewBufferManager(1024, nil),
		streaming.NewTracker(nil),
		filter.NewEngine(nil), moderator, store, nil,
		gateway.Options{CacheEnabled: true, CacheTTL: time.Hour},
		nil)

	cfg := &config.Config{
		ListenAddr:  ":0",
		APIEnv:      "test",
		MetricsPath: "/metrics",
	}
	return &serverEnv{srv: New(cfg, gw, nil), limiter: limiter, store: store}
}

func (e *serverEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(closeNotifyRecorder{w}, req)
	return w
}

// closeNotifyRecorder adds the http.CloseNotifier method gin's c.Stream
// requires, which httptest.ResponseRecorder lacks.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
}

func (closeNotifyRecorder) CloseNotify() <-chan bool { return make(chan bool) }

func completionBody(prompt string) api.CompletionRequest {
	return api.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []api.Message{{Role: "user", Content: prompt}},
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newServerEnv(t)
	w := env.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestCompletionEndpoint(t *testing.T) {
	env := newServerEnv(t)
	w := env.do(t, http.MethodPost, "/v1/completions", completionBody("hello"),
		map[string]string{"X-User-ID": "user-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp api.CompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "echo ok", resp.Content)
	assert.Equal(t, "openai", resp.Provider)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestCompletionEndpointInvalidBody(t *testing.T) {
	env := newServerEnv(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/completions", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompletionEndpointValidation(t *testing.T) {
	env := newServerEnv(t)
	w := env.do(t, http.MethodPost, "/v1/completions", api.CompletionRequest{Model: "gpt-4o"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(gateway.CodeValidation), resp.Code)
}

func TestCompletionEndpointModerationBlocked(t *testing.T) {
	env := newServerEnv(t)
	w := env.do(t, http.MethodPost, "/v1/completions", completionBody("contains slur here"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCompletionEndpointRateLimited(t *testing.T) {
	env := newServerEnv(t)
	env.limiter.SetRule("openai", ratelimit.Rule{Window: time.Minute, MaxRequests: 1})
	env.limiter.RecordUsage("user-1", "openai", 10)

	w := env.do(t, http.MethodPost, "/v1/completions", completionBody("hello"),
		map[string]string{"X-User-ID": "user-1"})
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))

	var resp api.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, string(gateway.CodeAdmissionDenied), resp.Code)
	assert.GreaterOrEqual(t, resp.RetryAfter, 1)
}

func TestCompletionEndpointStreaming(t *testing.T) {
	env := newServerEnv(t)
	body := completionBody("hello")
	body.Stream = true

	w := env.do(t, http.MethodPost, "/v1/completions", body, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	payload := w.Body.String()
	assert.Contains(t, payload, "event:chunk")
	assert.Contains(t, payload, "event:done")
}

func TestProvidersAndModelsEndpoints(t *testing.T) {
	env := newServerEnv(t)

	w := env.do(t, http.MethodGet, "/v1/providers", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "openai")

	w = env.do(t, http.MethodGet, "/v1/models", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "gpt-4o-mini")

	w = env.do(t, http.MethodGet, "/v1/providers/openai/limits", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var limits provider.RateLimits
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &limits))
	assert.Equal(t, 60, limits.MaxRequests)

	w = env.do(t, http.MethodGet, "/v1/providers/ghost/limits", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestValidateKeyEndpoint(t *testing.T) {
	env := newServerEnv(t)

	w := env.do(t, http.MethodPost, "/v1/providers/openai/validate-key",
		map[string]string{"api_key": "sk-123"}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "true")

	w = env.do(t, http.MethodPost, "/v1/providers/ghost/validate-key",
		map[string]string{"api_key": "sk-123"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestUsageEndpoint(t *testing.T) {
	env := newServerEnv(t)
	headers := map[string]string{"X-User-ID": "user-1"}

	w := env.do(t, http.MethodPost, "/v1/completions", completionBody("hello"), headers)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/v1/usage", nil, headers)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "openai")
}

func TestFilterRuleAdminFlow(t *testing.T) {
	env := newServerEnv(t)

	w := env.do(t, http.MethodPost, "/admin/filter-rules", filter.Rule{
		Name: "no-banana", Type: filter.TypeKeyword, Pattern: "banana",
		Action: filter.ActionBlock, Severity: filter.SeverityHigh, Enabled: true,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created filter.Rule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	// The rule takes effect on the next evaluation.
	w = env.do(t, http.MethodPost, "/v1/completions", completionBody("I like banana bread"), nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do(t, http.MethodGet, "/admin/filter-rules", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.ID)

	w = env.do(t, http.MethodPost, fmt.Sprintf("/admin/filter-rules/%s/disable", created.ID), nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodPost, "/v1/completions", completionBody("I like banana bread"), nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, fmt.Sprintf("/admin/filter-rules/%s", created.ID), nil, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(t, http.MethodDelete, "/admin/filter-rules/ghost", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestFilterRuleAdminRejectsInvalid(t *testing.T) {
	env := newServerEnv(t)
	w := env.do(t, http.MethodPost, "/admin/filter-rules", filter.Rule{
		Name: "broken", Type: "fuzzy", Pattern: "x",
		Action: filter.ActionBlock, Severity: filter.SeverityLow,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCacheAdminEndpoints(t *testing.T) {
	env := newServerEnv(t)
	headers := map[string]string{"X-User-ID": "user-1"}

	// Populate one cached response.
	w := env.do(t, http.MethodPost, "/v1/completions", completionBody("cache me"), headers)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodGet, "/admin/cache/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats cache.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.Stores)

	w = env.do(t, http.MethodDelete, "/admin/cache?user_id=user-1", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"removed":1`)

	w = env.do(t, http.MethodDelete, "/admin/cache?pattern=^user-1:", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(t, http.MethodDelete, "/admin/cache", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do(t, http.MethodPost, "/admin/cache/cleanup", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestModerationReportEndpoint(t *testing.T) {
	env := newServerEnv(t)

	// One blocked request seeds the report.
	env.do(t, http.MethodPost, "/v1/completions", completionBody("contains slur"), nil)

	w := env.do(t, http.MethodGet, "/admin/moderation/report", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var report moderation.Report
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Stats.Blocked)
}
