// Package server binds the gateway operations to HTTP and SSE endpoints.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sofatutor/llm-gateway/internal/api"
	"github.com/sofatutor/llm-gateway/internal/config"
	"github.com/sofatutor/llm-gateway/internal/filter"
	"github.com/sofatutor/llm-gateway/internal/gateway"
	"github.com/sofatutor/llm-gateway/internal/middleware"
)

// Server is the gateway's HTTP front end.
type Server struct {
	server  *http.Server
	engine  *gin.Engine
	gateway *gateway.Gateway
	cfg     *config.Config
	logger  *zap.Logger
}

// New creates a configured HTTP server around the gateway.
func New(cfg *config.Config, gw *gateway.Gateway, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.APIEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestID())
	engine.Use(middleware.RequestLogger(logger))

	s := &Server{
		engine:  engine,
		gateway: gw,
		cfg:     cfg,
		logger:  logger,
		server: &http.Server{
			Addr:              cfg.ListenAddr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying handler, for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("gateway listening", zap.String("addr", s.cfg.ListenAddr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.cfg.EnableMetrics {
		s.engine.GET(s.cfg.MetricsPath, gin.WrapH(promhttp.Handler()))
	}

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/completions", s.handleCompletion)
		v1.GET("/providers", s.handleListProviders)
		v1.GET("/models", s.handleListModels)
		v1.GET("/providers/:name/limits", s.handleRateLimits)
		v1.POST("/providers/:name/validate-key", s.handleValidateKey)
		v1.GET("/usage", s.handleUsage)
	}

	admin := s.engine.Group("/admin")
	{
		admin.GET("/stats", s.handleStats)
		admin.GET("/filter-rules", s.handleListRules)
		admin.POST("/filter-rules", s.handleAddRule)
		admin.POST("/filter-rules/:id/enable", s.ruleToggleHandler(true))
		admin.POST("/filter-rules/:id/disable", s.ruleToggleHandler(false))
		admin.DELETE("/filter-rules/:id", s.handleRemoveRule)
		admin.GET("/cache/stats", s.handleCacheStats)
		admin.DELETE("/cache/keys/:key", s.handleCacheInvalidateKey)
		admin.DELETE("/cache", s.handleCacheInvalidate)
		admin.POST("/cache/cleanup", s.handleCacheCleanup)
		admin.GET("/moderation/report", s.handleModerationReport)
	}
}

// userID extracts the authenticated user identity. The gateway trusts this
// input; authentication happens upstream of it.
func userID(c *gin.Context) string {
	if id := c.GetHeader("X-User-ID"); id != "" {
		return id
	}
	return "anonymous"
}

func (s *Server) handleCompletion(c *gin.Context) {
	var req api.CompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error: "invalid request body", Description: err.Error(), Code: string(gateway.CodeValidation),
		})
		return
	}

	if req.Stream {
		s.streamCompletion(c, req)
		return
	}

	resp, err := s.gateway.CreateCompletion(c.Request.Context(), userID(c), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// streamCompletion delivers one SSE event per provider chunk, terminated by
// a single "done" or "error" event.
func (s *Server) streamCompletion(c *gin.Context, req api.CompletionRequest) {
	events, err := s.gateway.StreamCompletion(c.Request.Context(), userID(c), req)
	if err != nil {
		s.writeError(c, err)
		return
	}

	c.Header("Content-Type", sse.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	c.Stream(func(w io.Writer) bool {
		evt, ok := <-events
		if !ok {
			return false
		}
		_ = sse.Encode(w, sse.Event{Event: evt.Type, Data: evt})
		return evt.Type == "chunk"
	})
}

func (s *Server) handleListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"providers": s.gateway.Registry().List()})
}

func (s *Server) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"models":   s.gateway.Registry().ListAvailableModels(c.Request.Context()),
		"defaults": s.gateway.Registry().DefaultModels(),
	})
}

func (s *Server) handleRateLimits(c *gin.Context) {
	limits, err := s.gateway.Registry().RateLimits(c.Param("name"))
	if err != nil {
		c.JSON(http.StatusNotFound, api.ErrorResponse{
			Error: "unknown provider", Code: string(gateway.CodeProviderUnavailable),
		})
		return
	}
	c.JSON(http.StatusOK, limits)
}

func (s *Server) handleValidateKey(c *gin.Context) {
	var body struct {
		APIKey string `json:"api_key"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error: "invalid request body", Code: string(gateway.CodeValidation),
		})
		return
	}
	valid, err := s.gateway.Registry().ValidateAPIKey(c.Request.Context(), c.Param("name"), body.APIKey)
	if err != nil {
		c.JSON(http.StatusNotFound, api.ErrorResponse{
			Error: "unknown provider", Code: string(gateway.CodeProviderUnavailable),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

func (s *Server) handleUsage(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"usage": s.gateway.Usage(userID(c))})
}

func (s *Server) handleStats(c *gin.Context) {
	stats := gin.H{}
	if store := s.gateway.Cache(); store != nil {
		stats["cache"] = store.Stats()
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListRules(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rules": s.gateway.Filters().ListRules(c.Query("user_id"))})
}

func (s *Server) handleAddRule(c *gin.Context) {
	var rule filter.Rule
	if err := c.ShouldBindJSON(&rule); err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error: "invalid rule body", Code: string(gateway.CodeValidation),
		})
		return
	}
	created, err := s.gateway.Filters().AddRule(rule)
	if err != nil {
		c.JSON(http.StatusBadRequest, api.ErrorResponse{
			Error: "invalid rule", Description: err.Error(), Code: string(gateway.CodeValidation),
		})
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) ruleToggleHandler(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.gateway.Filters().SetRuleEnabled(c.Param("id"), enabled); err != nil {
			c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "rule not found"})
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (s *Server) handleRemoveRule(c *gin.Context) {
	if err := s.gateway.Filters().RemoveRule(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, api.ErrorResponse{Error: "rule not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleCacheStats(c *gin.Context) {
	store := s.gateway.Cache()
	if store == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, store.Stats())
}

func (s *Server) handleCacheInvalidateKey(c *gin.Context) {
	store := s.gateway.Cache()
	if store == nil {
		c.Status(http.StatusNoContent)
		return
	}
	removed := store.Invalidate(c.Request.Context(), c.Param("key"))
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (s *Server) handleCacheInvalidate(c *gin.Context) {
	store := s.gateway.Cache()
	if store == nil {
		c.JSON(http.StatusOK, gin.H{"removed": 0})
		return
	}
	if pattern := c.Query("pattern"); pattern != "" {
		removed, err := store.InvalidatePattern(c.Request.Context(), pattern)
		if err != nil {
			c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "invalid pattern"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"removed": removed})
		return
	}
	if user := c.Query("user_id"); user != "" {
		c.JSON(http.StatusOK, gin.H{"removed": store.InvalidateUser(c.Request.Context(), user)})
		return
	}
	c.JSON(http.StatusBadRequest, api.ErrorResponse{Error: "pattern or user_id is required"})
}

func (s *Server) handleCacheCleanup(c *gin.Context) {
	store := s.gateway.Cache()
	if store == nil {
		c.JSON(http.StatusOK, gin.H{"removed": 0})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": store.CleanupExpired(c.Request.Context())})
}

func (s *Server) handleModerationReport(c *gin.Context) {
	to := time.Now()
	from := to.Add(-7 * 24 * time.Hour)
	if v := c.Query("from"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			from = t
		}
	}
	if v := c.Query("to"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			to = t
		}
	}
	c.JSON(http.StatusOK, s.gateway.Moderator().GenerateReport(from, to))
}

// writeError maps the gateway error taxonomy onto HTTP responses.
func (s *Server) writeError(c *gin.Context, err error) {
	gwErr, ok := gateway.AsError(err)
	if !ok {
		c.JSON(http.StatusInternalServerError, api.ErrorResponse{Error: "internal error"})
		return
	}

	status := http.StatusInternalServerError
	switch gwErr.Code {
	case gateway.CodeValidation:
		status = http.StatusBadRequest
	case gateway.CodeAdmissionDenied:
		status = http.StatusTooManyRequests
		c.Header("Retry-After", strconv.Itoa(gwErr.RetryAfter))
	case gateway.CodeModerationBlocked:
		status = http.StatusForbidden
	case gateway.CodeProviderUnavailable, gateway.CodeCapacityExceeded:
		status = http.StatusServiceUnavailable
	case gateway.CodeStreamingFailure:
		status = http.StatusBadGateway
	}

	c.JSON(status, api.ErrorResponse{
		Error:       gwErr.Message,
		Description: gwErr.Reason,
		Code:        string(gwErr.Code),
		RetryAfter:  gwErr.RetryAfter,
	})
}
