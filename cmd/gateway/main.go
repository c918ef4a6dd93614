package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sofatutor/llm-gateway/internal/api"
	"github.com/sofatutor/llm-gateway/internal/cache"
	"github.com/sofatutor/llm-gateway/internal/config"
	"github.com/sofatutor/llm-gateway/internal/filter"
	"github.com/sofatutor/llm-gateway/internal/gateway"
	"github.com/sofatutor/llm-gateway/internal/logging"
	"github.com/sofatutor/llm-gateway/internal/metrics"
	"github.com/sofatutor/llm-gateway/internal/moderation"
	"github.com/sofatutor/llm-gateway/internal/provider"
	"github.com/sofatutor/llm-gateway/internal/ratelimit"
	"github.com/sofatutor/llm-gateway/internal/scheduler"
	"github.com/sofatutor/llm-gateway/internal/server"
	"github.com/sofatutor/llm-gateway/internal/streaming"
)

const version = "0.1.0"

var (
	envFile  string
	demoMode bool
)

var rootCmd = &cobra.Command{
	Use:   "llm-gateway",
	Short: "Unified gateway for upstream LLM providers",
	Long: `llm-gateway sits between client applications and upstream LLM
providers, enforcing admission control, streaming delivery, content
safety, and response reuse behind one request surface.`,
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the gateway server",
	RunE:  runServer,
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Print the configured provider set",
	RunE:  runProviders,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gateway version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file (ignored if absent)")
	serverCmd.Flags().BoolVar(&demoMode, "demo", false, "Serve completions from a local echo adapter instead of real upstreams")
	rootCmd.AddCommand(serverCmd, providersCmd, versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if envFile != "" {
		// Missing .env files are fine; explicit paths should exist.
		if err := godotenv.Load(envFile); err != nil && envFile != ".env" {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}
	return config.New()
}

func loadProviderConfigs(cfg *config.Config) ([]provider.Config, error) {
	if cfg.ProviderConfigPath == "" {
		return config.DefaultProviders(), nil
	}
	return config.LoadProviders(cfg.ProviderConfigPath)
}

func runProviders(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	providers, err := loadProviderConfigs(cfg)
	if err != nil {
		return err
	}
	for _, p := range providers {
		fmt.Printf("%s\tdefault=%s\tmodels=%d\twindow=%s\tmax_requests=%d\tmax_tokens=%d\n",
			p.Name, p.DefaultModel, len(p.Models),
			p.RateLimits.Window, p.RateLimits.MaxRequests, p.RateLimits.MaxTokens)
	}
	return nil
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	providers, err := loadProviderConfigs(cfg)
	if err != nil {
		return err
	}

	registry := provider.NewRegistry(logger)
	limiter := ratelimit.New(logger)
	for _, pc := range providers {
		adapter := provider.NewStatic(pc)
		if demoMode {
			adapter.Stream = echoStream
		}
		registry.Register(adapter)
		if pc.RateLimits.Configured() {
			limiter.SetRule(pc.Name, ratelimit.Rule{
				Window:      pc.RateLimits.Window,
				MaxRequests: pc.RateLimits.MaxRequests,
				MaxTokens:   pc.RateLimits.MaxTokens,
			})
		}
	}

	pool := streaming.NewPool(cfg.MaxConnections, cfg.ConnectionTimeout, logger)
	buffers := streaming.NewBufferManager(cfg.BufferSize, logger)
	sessions := streaming.NewTracker(logger)
	filters := filter.NewEngine(logger)
	moderator := moderation.NewEngine([]moderation.Moderator{
		moderation.NewBasicModerator(),
		moderation.NewProfanityModerator(cfg.ProfanityTerms),
		moderation.NewSpamModerator(),
	}, cfg.ModerationMaxRecords, logger)

	var store cache.Store
	if cfg.CacheEnabled {
		if cfg.RedisCacheURL != "" {
			opts, err := redis.ParseURL(cfg.RedisCacheURL)
			if err != nil {
				return fmt.Errorf("parsing redis cache url: %w", err)
			}
			store = cache.NewRedisStore(redis.NewClient(opts), cfg.RedisKeyPrefix, cfg.CacheDefaultTTL, logger)
		} else {
			memStore, err := cache.NewMemoryStore(cfg.CacheMaxEntries, cfg.CacheDefaultTTL, cache.Strategy(cfg.CacheStrategy), logger)
			if err != nil {
				return err
			}
			store = memStore
		}
	}

	gw := gateway.New(registry, limiter, pool, buffers, sessions, filters, moderator, store,
		metrics.New(prometheus.DefaultRegisterer),
		gateway.Options{
			CacheEnabled:    cfg.CacheEnabled,
			CacheTTL:        cfg.CacheDefaultTTL,
			UsageRetention:  cfg.UsageRetention,
			ConnectionSweep: cfg.ConnectionSweepInterval,
			UsageCleanup:    cfg.UsageCleanupInterval,
			CacheSweep:      cfg.CacheSweepInterval,
		},
		logger)

	sched := scheduler.New(logger)
	gw.RegisterMaintenance(sched)
	sched.Start()
	defer sched.Stop()

	registry.CheckAllHealth(context.Background())

	srv := server.New(cfg, gw, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// echoStream is the demo-mode adapter binding: it streams the last user
// message back word by word, which exercises the full gateway path without
// upstream credentials.
func echoStream(ctx context.Context, req api.CompletionRequest) (<-chan api.CompletionChunk, error) {
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			prompt = req.Messages[i].Content
			break
		}
	}

	out := make(chan api.CompletionChunk)
	go func() {
		defer close(out)
		words := append([]string{"echo:"}, splitWords(prompt)...)
		for _, w := range words {
			select {
			case out <- api.CompletionChunk{Content: w + " ", Tokens: 1}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func splitWords(s string) []string {
	var words []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\n' || r == '\t' {
			if start >= 0 {
				words = append(words, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		words = append(words, s[start:])
	}
	return words
}
