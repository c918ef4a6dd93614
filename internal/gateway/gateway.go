package gateway

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sofatutor/llm-gateway/internal/api"
	"github.com/sofatutor/llm-gateway/internal/cache"
	"github.com/sofatutor/llm-gateway/internal/filter"
	"github.com/sofatutor/llm-gateway/internal/metrics"
	"github.com/sofatutor/llm-gateway/internal/moderation"
	"github.com/sofatutor/llm-gateway/internal/provider"
	"github.com/sofatutor/llm-gateway/internal/ratelimit"
	"github.com/sofatutor/llm-gateway/internal/scheduler"
	"github.com/sofatutor/llm-gateway/internal/streaming"
)

// Options configures a Gateway.
type Options struct {
	CacheEnabled    bool
	CacheTTL        time.Duration
	UsageRetention  time.Duration
	ConnectionSweep time.Duration
	UsageCleanup    time.Duration
	CacheSweep      time.Duration
}

// Gateway wires the admission, streaming, safety, and caching subsystems
// into the completion operations exposed to the transport layer.
type Gateway struct {
	registry  *provider.Registry
	limiter   *ratelimit.Limiter
	pool      *streaming.Pool
	buffers   *streaming.BufferManager
	sessions  *streaming.Tracker
	filters   *filter.Engine
	moderator *moderation.Engine
	store     cache.Store

	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// New assembles a Gateway from its subsystems. store and m may be nil
// (caching disabled, metrics unregistered).
func New(
	registry *provider.Registry,
	limiter *ratelimit.Limiter,
	pool *streaming.Pool,
	buffers *streaming.BufferManager,
	sessions *streaming.Tracker,
	filters *filter.Engine,
	moderator *moderation.Engine,
	store cache.Store,
	m *metrics.Metrics,
	opts Options,
	logger *zap.Logger,
) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		registry:  registry,
		limiter:   limiter,
		pool:      pool,
		buffers:   buffers,
		sessions:  sessions,
		filters:   filters,
		moderator: moderator,
		store:     store,
		opts:      opts,
		metrics:   m,
		logger:    logger,
	}
}

// Registry exposes the provider registry for management operations.
func (g *Gateway) Registry() *provider.Registry { return g.registry }

// Filters exposes the filter engine for rule management operations.
func (g *Gateway) Filters() *filter.Engine { return g.filters }

// Moderator exposes the moderation engine for reporting operations.
func (g *Gateway) Moderator() *moderation.Engine { return g.moderator }

// Cache exposes the response cache store, or nil when caching is disabled.
func (g *Gateway) Cache() cache.Store { return g.store }

// Usage returns the user's per-provider usage for the current windows.
func (g *Gateway) Usage(userID string) []api.UsageStats {
	records := g.limiter.Usage(userID)
	out := make([]api.UsageStats, 0, len(records))
	for providerName, rec := range records {
		out = append(out, api.UsageStats{
			Provider:     providerName,
			WindowStart:  rec.WindowStart,
			RequestCount: rec.RequestCount,
			TokenCount:   rec.TokenCount,
			LastRequest:  rec.LastRequest,
		})
	}
	return out
}

// RegisterMaintenance adds the background sweeps to the scheduler:
// stale-connection cleanup, usage-record retention, and cache expiry.
func (g *Gateway) RegisterMaintenance(s *scheduler.Scheduler) {
	s.Add("connection-sweep", g.opts.ConnectionSweep, func() {
		g.pool.CleanupStale()
		if g.metrics != nil {
			g.metrics.ActiveConnections.Set(float64(g.pool.Size()))
		}
	})
	s.Add("usage-cleanup", g.opts.UsageCleanup, func() {
		g.limiter.CleanupOldRecords(g.opts.UsageRetention)
	})
	if g.store != nil {
		s.Add("cache-sweep", g.opts.CacheSweep, func() {
			g.store.CleanupExpired(context.Background())
		})
	}
}

// resolve picks the provider adapter and effective model for a request.
func (g *Gateway) resolve(req *api.CompletionRequest) (provider.Adapter, error) {
	name := req.Provider
	if name == "" {
		name = provider.ResolveProvider(req.Model)
	}

	adapter, err := g.registry.Get(name)
	if err != nil {
		return nil, providerUnavailable(name, err)
	}
	if !g.registry.LastKnownHealth(name) {
		return nil, providerUnavailable(name, fmt.Errorf("provider marked unhealthy"))
	}

	req.Provider = name
	if req.Model == "" {
		req.Model = adapter.DefaultModel()
	}
	return adapter, nil
}

func validateRequest(req *api.CompletionRequest) error {
	if len(req.Messages) == 0 {
		return validationError("messages must not be empty")
	}
	for i, msg := range req.Messages {
		if msg.Role == "" {
			return validationError(fmt.Sprintf("message %d: role is required", i))
		}
	}
	return nil
}

// admit runs moderation on the prompt and the rate-limit check, in that
// order. Moderation verdicts are hard rejects; the limiter's own internal
// failures are absorbed inside Check (fail open).
func (g *Gateway) admit(ctx context.Context, userID string, req *api.CompletionRequest) (int, error) {
	prompt := promptText(req)
	verdict := g.moderator.ModerateContent(ctx, userID, prompt)
	if !verdict.Approved {
		if g.metrics != nil {
			g.metrics.ModerationBlocked.Inc()
		}
		return 0, moderationBlocked(topFlagReason(verdict))
	}

	estimated := ratelimit.EstimateTokens(*req)
	result := g.limiter.Check(userID, req.Provider, estimated)
	if !result.Allowed {
		if g.metrics != nil {
			g.metrics.AdmissionDenied.WithLabelValues(req.Provider).Inc()
		}
		return 0, admissionDenied(result.RetryAfter)
	}
	if g.metrics != nil {
		g.metrics.AdmissionAllowed.WithLabelValues(req.Provider).Inc()
	}
	return estimated, nil
}

// CreateCompletion serves a blocking completion, aggregating an internally
// streamed provider call. Cached responses are served without touching the
// provider or the limiter's accounting.
func (g *Gateway) CreateCompletion(ctx context.Context, userID string, req api.CompletionRequest) (api.CompletionResponse, error) {
	if err := validateRequest(&req); err != nil {
		return api.CompletionResponse{}, err
	}
	adapter, err := g.resolve(&req)
	if err != nil {
		return api.CompletionResponse{}, err
	}

	estimated, err := g.admit(ctx, userID, &req)
	if err != nil {
		return api.CompletionResponse{}, err
	}

	cacheKey := responseCacheKey(userID, req)
	if g.cacheEnabled() {
		if cached, ok := g.store.Get(ctx, cacheKey); ok {
			if g.metrics != nil {
				g.metrics.CacheHits.Inc()
			}
			cached.Cached = true
			return cached, nil
		}
		if g.metrics != nil {
			g.metrics.CacheMisses.Inc()
		}
	}

	result, err := g.consumeStream(ctx, userID, adapter, req, nil)
	if err != nil {
		return api.CompletionResponse{}, err
	}

	// Full-tier filtering over the assembled response.
	filtered := g.filters.Evaluate(ctx, result.content, userID, nil)
	if !filtered.Allowed {
		if g.metrics != nil {
			g.metrics.FilterBlocked.Inc()
		}
		return api.CompletionResponse{}, moderationBlocked(strings.Join(filtered.AppliedRules, ","))
	}

	promptTokens := estimated - req.MaxTokens
	if promptTokens < 0 {
		promptTokens = 0
	}
	response := api.CompletionResponse{
		ID:       uuid.New().String(),
		Provider: req.Provider,
		Model:    req.Model,
		Content:  filtered.FilteredContent,
		Usage: api.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: result.tokens,
			TotalTokens:      promptTokens + result.tokens,
		},
		CreatedAt: time.Now(),
	}

	g.limiter.RecordUsage(userID, req.Provider, response.Usage.TotalTokens)
	if g.metrics != nil {
		g.metrics.CompletionTokens.WithLabelValues(req.Provider).Add(float64(result.tokens))
	}

	if g.cacheEnabled() {
		meta := cache.Metadata{
			UserID:      userID,
			Provider:    req.Provider,
			Model:       req.Model,
			ContentHash: contentHash(response.Content),
			Size:        len(response.Content),
		}
		if err := g.store.Set(ctx, cacheKey, response, meta, g.opts.CacheTTL); err != nil {
			// Cache failures are soft: log and proceed uncached.
			g.logger.Warn("response cache store failed", zap.Error(err))
		} else if g.metrics != nil {
			g.metrics.CacheStores.Inc()
		}
	}

	return response, nil
}

// StreamCompletion serves a server-push completion. The returned channel
// delivers one event per provider chunk and is terminated by a single
// "done" or "error" event before closing. Setup failures (validation,
// admission, capacity) are returned synchronously.
func (g *Gateway) StreamCompletion(ctx context.Context, userID string, req api.CompletionRequest) (<-chan api.StreamEvent, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	adapter, err := g.resolve(&req)
	if err != nil {
		return nil, err
	}
	estimated, err := g.admit(ctx, userID, &req)
	if err != nil {
		return nil, err
	}

	events := make(chan api.StreamEvent, 16)
	go func() {
		defer close(events)

		result, err := g.consumeStream(ctx, userID, adapter, req, events)
		if err != nil {
			events <- errorEvent(err)
			return
		}

		promptTokens := estimated - req.MaxTokens
		if promptTokens < 0 {
			promptTokens = 0
		}
		g.limiter.RecordUsage(userID, req.Provider, promptTokens+result.tokens)
		if g.metrics != nil {
			g.metrics.CompletionTokens.WithLabelValues(req.Provider).Add(float64(result.tokens))
		}
		events <- api.StreamEvent{Type: "done"}
	}()
	return events, nil
}

// streamResult is the assembled outcome of one consumed provider stream.
type streamResult struct {
	content string
	tokens  int
	chunks  int
}

// consumeStream allocates the connection, session, and buffer for one
// provider stream, consumes chunks strictly in arrival order, applies the
// streaming filter tier, and releases all bookkeeping on every path. When
// events is non-nil each filtered chunk is forwarded as it arrives.
func (g *Gateway) consumeStream(ctx context.Context, userID string, adapter provider.Adapter, req api.CompletionRequest, events chan<- api.StreamEvent) (streamResult, error) {
	requestID := uuid.New().String()

	conn, err := g.pool.CreateConnection(userID, requestID, map[string]string{
		"provider": req.Provider,
		"model":    req.Model,
	})
	if err != nil {
		return streamResult{}, capacityExceeded(err)
	}
	if g.metrics != nil {
		g.metrics.ActiveConnections.Set(float64(g.pool.Size()))
	}

	session := g.sessions.Create(userID, requestID, req.Provider, req.Model)
	g.buffers.Create(conn.ID)

	cleanup := func(reason string) {
		g.buffers.Remove(conn.ID)
		g.pool.CloseConnection(conn.ID, reason)
		if g.metrics != nil {
			g.metrics.ActiveConnections.Set(float64(g.pool.Size()))
		}
	}

	// The request context flows into the adapter: a client disconnect
	// cancels the upstream call, not just local bookkeeping.
	chunks, err := adapter.StreamCompletion(ctx, req)
	if err != nil {
		_ = g.sessions.Complete(session.ID, false)
		cleanup("stream setup failed")
		if g.metrics != nil {
			g.metrics.StreamErrors.WithLabelValues(req.Provider).Inc()
		}
		return streamResult{}, streamingFailure(err)
	}

	var assembled strings.Builder
	result := streamResult{}
	fail := func(reason string, err error) (streamResult, error) {
		_ = g.sessions.Complete(session.ID, false)
		cleanup(reason)
		if g.metrics != nil {
			g.metrics.StreamErrors.WithLabelValues(req.Provider).Inc()
		}
		return streamResult{}, err
	}

	for {
		select {
		case <-ctx.Done():
			// Client disconnect: release capacity and discard the buffer.
			// Partial output already delivered is not retracted.
			return fail("client disconnected", streamingFailure(ctx.Err()))
		case chunk, ok := <-chunks:
			if !ok {
				if drained, err := g.buffers.Flush(conn.ID); err == nil {
					for _, c := range drained {
						assembled.WriteString(c.Content)
					}
				}
				_ = g.sessions.Complete(session.ID, true)
				cleanup("completed")
				result.content = assembled.String()
				return result, nil
			}

			if chunk.Err != nil {
				// One terminal error event; already-flushed output stands.
				return fail("upstream error", streamingFailure(chunk.Err))
			}

			if result.chunks == 0 {
				_ = g.sessions.Activate(session.ID)
			}
			g.pool.UpdateActivity(conn.ID)

			// Streaming tier: high-severity rules only, fail closed.
			chunkVerdict := g.filters.EvaluateChunk(ctx, chunk.Content, userID)
			if !chunkVerdict.Allowed {
				if g.metrics != nil {
					g.metrics.FilterBlocked.Inc()
				}
				return fail("chunk blocked", moderationBlocked(strings.Join(chunkVerdict.AppliedRules, ",")))
			}
			content := chunkVerdict.FilteredContent

			writeRes, err := g.buffers.Write(conn.ID, content)
			if err != nil {
				return fail("buffer lost", streamingFailure(err))
			}
			if writeRes.Utilization > streaming.FlushThreshold {
				if drained, err := g.buffers.Flush(conn.ID); err == nil {
					for _, c := range drained {
						assembled.WriteString(c.Content)
					}
				}
			}

			tokens := chunk.Tokens
			if tokens == 0 {
				tokens = len(content)/4 + 1
			}
			result.tokens += tokens
			result.chunks++
			_ = g.sessions.RecordChunk(session.ID, tokens)

			if chunk.Done {
				continue
			}
			if events != nil {
				select {
				case events <- api.StreamEvent{Type: "chunk", Content: content}:
				case <-ctx.Done():
					return fail("client disconnected", streamingFailure(ctx.Err()))
				}
			}
		}
	}
}

func (g *Gateway) cacheEnabled() bool {
	return g.opts.CacheEnabled && g.store != nil
}

// responseCacheKey derives a stable cache key from the request identity:
// owner, provider, model, decoding parameters, and the full prompt.
func responseCacheKey(userID string, req api.CompletionRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|", userID, req.Provider, req.Model, req.MaxTokens)
	if req.Temperature != nil {
		fmt.Fprintf(h, "%.4f|", *req.Temperature)
	}
	for _, msg := range req.Messages {
		fmt.Fprintf(h, "%s:%s|", msg.Role, msg.Content)
	}
	return fmt.Sprintf("%s:%s:%s", userID, req.Provider, hex.EncodeToString(h.Sum(nil))[:32])
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

func promptText(req *api.CompletionRequest) string {
	var b strings.Builder
	for _, msg := range req.Messages {
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func topFlagReason(v moderation.Verdict) string {
	for _, f := range v.Flags {
		if f.Severity == moderation.SeverityCritical || f.Severity == moderation.SeverityHigh {
			return f.Category + ": " + f.Reason
		}
	}
	if len(v.Flags) > 0 {
		return v.Flags[0].Category + ": " + v.Flags[0].Reason
	}
	return "blocked"
}

func errorEvent(err error) api.StreamEvent {
	evt := api.StreamEvent{Type: "error", Message: err.Error()}
	if gwErr, ok := AsError(err); ok {
		evt.RetryAfter = gwErr.RetryAfter
	}
	return evt
}
